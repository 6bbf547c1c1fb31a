package plugin

import "slices"

// Capability identifies a grantable host service.
type Capability string

const (
	CapabilityHTTP    Capability = "HTTP"
	CapabilityMessage Capability = "MESSAGE"
	CapabilityProfile Capability = "PROFILE"
	CapabilityLaunch  Capability = "LAUNCH" // consumed by the UI renderer, no service behind it
)

// KnownCapabilities lists every capability the host understands.
var KnownCapabilities = []Capability{CapabilityHTTP, CapabilityMessage, CapabilityProfile, CapabilityLaunch}

// Runtime values for Manifest.Runtime.
const (
	RuntimeWASM    = "wasm"
	RuntimeProcess = "process"
	RuntimeNative  = "native"
)

// Manifest represents a plugin's manifest.json (or plugin.yaml) file.
// It is produced once by the loader and never mutated afterwards.
type Manifest struct {
	Name        string       `yaml:"name"                  json:"name"`                  // unique install id
	Version     string       `yaml:"version"               json:"version"`
	Permissions []Capability `yaml:"permissions"           json:"permissions"`
	URLs        []string     `yaml:"urls,omitempty"        json:"urls,omitempty"`        // allow-list, only read with HTTP
	Runtime     string       `yaml:"runtime,omitempty"     json:"runtime,omitempty"`     // "wasm", "process" or "native"
	Main        string       `yaml:"main,omitempty"        json:"main,omitempty"`        // entry path relative to the plugin dir
	Title       string       `yaml:"title,omitempty"       json:"title,omitempty"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string       `yaml:"author,omitempty"      json:"author,omitempty"`
	License     string       `yaml:"license,omitempty"     json:"license,omitempty"`
	Homepage    string       `yaml:"homepage,omitempty"    json:"homepage,omitempty"`
	Logo        string       `yaml:"logo,omitempty"        json:"logo,omitempty"`
	Categories  []string     `yaml:"categories,omitempty"  json:"categories,omitempty"`
}

// RuntimeOrDefault returns the declared runtime, defaulting to wasm.
func (m Manifest) RuntimeOrDefault() string {
	if m.Runtime == "" {
		return RuntimeWASM
	}
	return m.Runtime
}

// GetPermissions returns a copy of the granted capabilities.
func (m Manifest) GetPermissions() []Capability {
	return slices.Clone(m.Permissions)
}

// HasPermission reports whether c was granted.
func (m Manifest) HasPermission(c Capability) bool {
	return slices.Contains(m.Permissions, c)
}

// AllowedURLs returns a copy of the URL allow-list.
func (m Manifest) AllowedURLs() []string {
	return slices.Clone(m.URLs)
}

// Clone returns a deep copy so callers can never mutate a controller's manifest.
func (m Manifest) Clone() Manifest {
	m.Permissions = slices.Clone(m.Permissions)
	m.URLs = slices.Clone(m.URLs)
	m.Categories = slices.Clone(m.Categories)
	return m
}
