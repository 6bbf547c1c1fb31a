package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/goatkit/walletplug/internal/plugin/hooks"
	"github.com/goatkit/walletplug/internal/plugin/metrics"
	"github.com/goatkit/walletplug/internal/plugin/services"
	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

// State is a controller's lifecycle position.
type State string

const (
	StateRegistered  State = "registered"
	StateEnabled     State = "enabled"
	StateRunning     State = "running"
	StateUninstalled State = "uninstalled"
)

type enablement struct {
	autoRun bool
}

// Controller binds one manifest, one hook bus and one entry function, and tracks
// per-profile enablement.
type Controller struct {
	manifest Manifest
	entry    Entry
	dir      string
	bus      *hooks.Bus
	registry *services.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	enabled map[string]enablement // profile id -> flags
	running bool
	removed bool
}

var _ services.Controller = (*Controller)(nil)

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithDir records the directory the plugin was loaded from.
func WithDir(dir string) ControllerOption {
	return func(c *Controller) {
		c.dir = dir
	}
}

// WithControllerLogger sets the logger.
func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithControllerMetrics records run metrics.
func WithControllerMetrics(m *metrics.Metrics) ControllerOption {
	return func(c *Controller) {
		c.metrics = m
	}
}

// NewController creates a controller in the Registered state. A nil registry
// yields sandboxes without services.
func NewController(manifest Manifest, entry Entry, registry *services.Registry, opts ...ControllerOption) *Controller {
	c := &Controller{
		manifest: manifest.Clone(),
		entry:    entry,
		bus:      hooks.New(),
		registry: registry,
		logger:   slog.Default(),
		enabled:  make(map[string]enablement),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = services.NewRegistry(c.logger, nil)
	}
	c.logger = c.logger.With("plugin", manifest.Name)
	return c
}

// Name returns the manifest name.
func (c *Controller) Name() string {
	return c.manifest.Name
}

// Config returns a copy of the manifest.
func (c *Controller) Config() Manifest {
	return c.manifest.Clone()
}

// Hooks returns the plugin's hook bus.
func (c *Controller) Hooks() *hooks.Bus {
	return c.bus
}

// Dir returns the directory the plugin's entry was loaded from, if known.
func (c *Controller) Dir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dir
}

// setSource swaps the entry and the directory backing it.
func (c *Controller) setSource(entry Entry, dir string) {
	c.mu.Lock()
	c.entry = entry
	c.dir = dir
	c.mu.Unlock()
}

// EnableOption configures Enable.
type EnableOption func(*enablement)

// WithAutoRun flags the plugin to be launched automatically for the profile.
func WithAutoRun(autoRun bool) EnableOption {
	return func(e *enablement) {
		e.autoRun = autoRun
	}
}

// Enable marks the plugin enabled for profile.
func (c *Controller) Enable(profile Profile, opts ...EnableOption) {
	var e enablement
	for _, opt := range opts {
		opt(&e)
	}
	c.mu.Lock()
	c.enabled[profile.ID()] = e
	c.mu.Unlock()

	c.logger.Info("plugin enabled", "profile", profile.ID(), "autorun", e.autoRun)
	c.publish(services.LifecycleEvent{Type: services.EventEnabled, Profile: profile.ID()})
}

// Disable unmarks profile and drops every hook the plugin registered. The hook
// bus broadcasts a nil profile so runtimes and providers can release state.
func (c *Controller) Disable(profile Profile) {
	c.mu.Lock()
	delete(c.enabled, profile.ID())
	c.mu.Unlock()

	c.suspend()

	c.logger.Info("plugin disabled", "profile", profile.ID())
	c.publish(services.LifecycleEvent{Type: services.EventDisabled, Profile: profile.ID()})
}

// suspend stops a running plugin: hooks are dropped and a nil profile lets
// runtimes release their instance. The next Run starts it again.
func (c *Controller) suspend() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.bus.ClearAll()
	c.bus.FlushProfile()
}

// IsEnabled reports whether the plugin is enabled for profile.
func (c *Controller) IsEnabled(profile Profile) bool {
	if profile == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.enabled[profile.ID()]
	return ok
}

// AutoRun reports the autorun flag for profile.
func (c *Controller) AutoRun(profile Profile) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled[profile.ID()].autoRun
}

// EnabledProfiles returns the ids of profiles that enable this plugin, sorted.
func (c *Controller) EnabledProfiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.enabled))
	for id := range c.enabled {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.removed:
		return StateUninstalled
	case len(c.enabled) == 0:
		return StateRegistered
	case c.running:
		return StateRunning
	default:
		return StateEnabled
	}
}

// Run builds a fresh sandbox, broadcasts profile on the hook bus and invokes the
// entry function once. Hooks left by a previous run are dropped first. Entry
// errors and panics are returned to the caller.
func (c *Controller) Run(ctx context.Context, profile Profile) error {
	if profile == nil {
		return fmt.Errorf("plugin %q: %w", c.Name(), pkgplugin.ErrNoProfile)
	}
	if !c.IsEnabled(profile) {
		return fmt.Errorf("plugin %q, profile %q: %w", c.Name(), profile.ID(), pkgplugin.ErrNotEnabled)
	}
	c.mu.Lock()
	entry := c.entry
	c.running = false
	c.mu.Unlock()
	if entry == nil {
		return fmt.Errorf("plugin %q: no entry function", c.Name())
	}

	c.bus.ClearAll()
	sb := c.registry.BuildSandbox(c)
	c.bus.SetProfile(profile)

	start := time.Now()
	err := c.invoke(ctx, entry, sb)
	c.metrics.ObserveRun(c.Name(), time.Since(start), err)

	ev := services.LifecycleEvent{
		Type:    services.EventRan,
		Profile: profile.ID(),
		RunID:   RunIDFromContext(ctx),
	}
	if err != nil {
		ev.Type = services.EventRunFailed
		ev.Error = err.Error()
	} else {
		c.mu.Lock()
		c.running = true
		c.mu.Unlock()
	}
	c.publish(ev)
	return err
}

func (c *Controller) invoke(ctx context.Context, entry Entry, sb *Sandbox) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Plugin: c.Name(), Value: r, Stack: debug.Stack()}
		}
	}()
	return entry(ctx, sb)
}

func (c *Controller) markRemoved() {
	c.mu.Lock()
	c.removed = true
	c.running = false
	c.mu.Unlock()
}

func (c *Controller) publish(ev services.LifecycleEvent) {
	ev.Plugin = c.Name()
	c.registry.Lifecycle().Publish(ev)
}
