// Package plugin defines the public surface that wallet extensions are written against.
//
// A plugin is a directory with a manifest and one entry module. The host resolves the
// entry into an Entry function and invokes it once per run with a Sandbox that exposes
// only the services the manifest was granted:
//   - WASM modules (portable, sandboxed, via wazero)
//   - subprocess plugins (native, via go-plugin net/rpc)
//   - native entries compiled into the host binary
//
// The host doesn't care which runtime backs a plugin - every runtime produces an Entry
// and is managed uniformly by the plugin manager.
package plugin

import (
	"context"
	"sort"
)

// Entry is a plugin's entry function. It is invoked exactly once per run with a
// freshly built sandbox, and is expected to register commands and filters on the
// sandbox hooks before returning.
type Entry func(ctx context.Context, sb *Sandbox) error

// Accessor names under which granted services appear in a Sandbox.
const (
	AccessorHTTP    = "http"
	AccessorMessage = "message"
	AccessorProfile = "profile"
)

// CommandHandler handles a named command. The returned value is passed back to the
// caller unchanged; it may be a channel or any other pending value.
type CommandHandler func(args ...any) (any, error)

// FilterHandler transforms content for a filter hook. Handlers are folded in
// registration order, each receiving the previous handler's output.
type FilterHandler func(content any, hookCtx any) any

// Hooks is the plugin-facing half of a plugin's hook bus.
type Hooks interface {
	HasCommand(name string) bool
	RegisterCommand(name string, handler CommandHandler) error
	ExecuteCommand(name string, args ...any) (any, error)

	HasFilter(namespace, hookName string) bool
	AddFilter(namespace, hookName string, handler FilterHandler) error

	// OnProfileChange subscribes to active profile broadcasts. A nil profile means
	// the plugin was disabled or the profile was flushed. Call dispose to unsubscribe.
	OnProfileChange(fn func(Profile)) (dispose func())
}

// Sandbox is what an Entry receives. It carries the plugin's hooks and one API per
// granted capability; ungranted capabilities are absent, not denied.
type Sandbox struct {
	hooks   Hooks
	http    HTTPAPI
	message MessageAPI
	profile ProfileAPI
	extra   map[string]any // providers outside the reference capabilities
}

// NewSandbox builds a sandbox from hooks and an accessor-keyed API map. A
// reference accessor is only set when its value implements the matching API.
func NewSandbox(hooks Hooks, apis map[string]any) *Sandbox {
	s := &Sandbox{hooks: hooks}
	for accessor, api := range apis {
		switch accessor {
		case AccessorHTTP:
			s.http, _ = api.(HTTPAPI)
		case AccessorMessage:
			s.message, _ = api.(MessageAPI)
		case AccessorProfile:
			s.profile, _ = api.(ProfileAPI)
		default:
			if s.extra == nil {
				s.extra = make(map[string]any)
			}
			s.extra[accessor] = api
		}
	}
	return s
}

// Hooks returns the plugin's hook bus.
func (s *Sandbox) Hooks() Hooks {
	return s.hooks
}

// API returns the service exposed under accessor, if granted.
func (s *Sandbox) API(accessor string) (any, bool) {
	switch accessor {
	case AccessorHTTP:
		return s.http, s.http != nil
	case AccessorMessage:
		return s.message, s.message != nil
	case AccessorProfile:
		return s.profile, s.profile != nil
	}
	api, ok := s.extra[accessor]
	return api, ok
}

// Accessors lists the granted accessors in sorted order.
func (s *Sandbox) Accessors() []string {
	out := make([]string, 0, 3+len(s.extra))
	if s.http != nil {
		out = append(out, AccessorHTTP)
	}
	if s.message != nil {
		out = append(out, AccessorMessage)
	}
	if s.profile != nil {
		out = append(out, AccessorProfile)
	}
	for k := range s.extra {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HTTP returns the network API when the HTTP capability was granted.
func (s *Sandbox) HTTP() (HTTPAPI, bool) {
	return s.http, s.http != nil
}

// Message returns the message signing API when the MESSAGE capability was granted.
func (s *Sandbox) Message() (MessageAPI, bool) {
	return s.message, s.message != nil
}

// Profile returns the profile introspection API when the PROFILE capability was granted.
func (s *Sandbox) Profile() (ProfileAPI, bool) {
	return s.profile, s.profile != nil
}
