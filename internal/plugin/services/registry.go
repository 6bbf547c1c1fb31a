// Package services holds the capability providers that back a plugin sandbox and the
// registry that assembles them per plugin.
package services

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goatkit/walletplug/internal/plugin/hooks"
	"github.com/goatkit/walletplug/pkg/plugin"
)

var (
	ErrDuplicateAccessor = errors.New("service accessor already registered")
	ErrRegistryBooted    = errors.New("service registry already booted")
)

// Controller is the part of a plugin controller that providers need.
type Controller interface {
	Name() string
	Config() plugin.Manifest
	Hooks() *hooks.Bus
}

// ServiceConfig names a provider: Accessor is the sandbox key, ID is the capability
// that must appear in the manifest permissions.
type ServiceConfig struct {
	Accessor string
	ID       plugin.Capability
}

// Provider exposes one capability to plugins.
type Provider interface {
	Config() ServiceConfig
	// API returns the value placed in the sandbox under Config().Accessor.
	API(c Controller) any
}

// Booter is implemented by providers that need one-time setup after registration.
type Booter interface {
	Boot(ctx BootContext) error
}

// BootContext is handed to every Booter exactly once.
type BootContext struct {
	Logger    *slog.Logger
	Lifecycle *LifecycleBroker
}

// Registry maps accessors to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	booted    bool

	lifecycle *LifecycleBroker
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. A nil lifecycle broker gets a fresh one.
func NewRegistry(logger *slog.Logger, lifecycle *LifecycleBroker) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if lifecycle == nil {
		lifecycle = NewLifecycleBroker()
	}
	return &Registry{
		providers: make(map[string]Provider),
		lifecycle: lifecycle,
		logger:    logger,
	}
}

// Lifecycle returns the broker that carries plugin lifecycle events.
func (r *Registry) Lifecycle() *LifecycleBroker {
	return r.lifecycle
}

// Register adds providers. Either all are added or none: a duplicate accessor,
// within the batch or against existing entries, rejects the whole call.
func (r *Registry) Register(providers ...Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.booted {
		return ErrRegistryBooted
	}
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		acc := p.Config().Accessor
		if acc == "" {
			return fmt.Errorf("provider %T: empty accessor", p)
		}
		if _, exists := r.providers[acc]; exists || seen[acc] {
			return fmt.Errorf("accessor %q: %w", acc, ErrDuplicateAccessor)
		}
		seen[acc] = true
	}
	for _, p := range providers {
		acc := p.Config().Accessor
		r.providers[acc] = p
		r.order = append(r.order, acc)
		r.logger.Debug("service provider registered", "accessor", acc, "capability", p.Config().ID)
	}
	return nil
}

// Boot runs every Booter once, in registration order. Later calls are no-ops.
func (r *Registry) Boot() error {
	r.mu.Lock()
	if r.booted {
		r.mu.Unlock()
		return nil
	}
	r.booted = true
	providers := r.orderedLocked()
	r.mu.Unlock()

	bc := BootContext{Logger: r.logger, Lifecycle: r.lifecycle}
	var errs []error
	for _, p := range providers {
		b, ok := p.(Booter)
		if !ok {
			continue
		}
		if err := b.Boot(bc); err != nil {
			errs = append(errs, fmt.Errorf("boot %q: %w", p.Config().Accessor, err))
		}
	}
	return errors.Join(errs...)
}

// Booted reports whether Boot has run.
func (r *Registry) Booted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.booted
}

// Configs lists the registered providers in registration order.
func (r *Registry) Configs() []ServiceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceConfig, 0, len(r.order))
	for _, p := range r.orderedLocked() {
		out = append(out, p.Config())
	}
	return out
}

// BuildSandbox returns a fresh sandbox holding only the providers whose capability
// the controller's manifest grants.
func (r *Registry) BuildSandbox(c Controller) *plugin.Sandbox {
	manifest := c.Config()

	r.mu.RLock()
	providers := r.orderedLocked()
	r.mu.RUnlock()

	apis := make(map[string]any)
	for _, p := range providers {
		cfg := p.Config()
		if !manifest.HasPermission(cfg.ID) {
			continue
		}
		apis[cfg.Accessor] = p.API(c)
	}
	return plugin.NewSandbox(c.Hooks(), apis)
}

func (r *Registry) orderedLocked() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, acc := range r.order {
		out = append(out, r.providers[acc])
	}
	return out
}
