package services

import (
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/text/language"

	"github.com/goatkit/walletplug/pkg/plugin"
)

// ProfileProvider backs the "profile" accessor. Each plugin gets one view that
// follows the profile broadcast on that plugin's hook bus.
type ProfileProvider struct {
	mu      sync.Mutex
	views   map[string]*profileView
	logger  *slog.Logger
	dispose func()
}

// NewProfileProvider creates the profile introspection service.
func NewProfileProvider() *ProfileProvider {
	return &ProfileProvider{
		views:  make(map[string]*profileView),
		logger: slog.Default(),
	}
}

// Config implements Provider.
func (p *ProfileProvider) Config() ServiceConfig {
	return ServiceConfig{Accessor: plugin.AccessorProfile, ID: plugin.CapabilityProfile}
}

// Boot subscribes to lifecycle events so per-plugin views are released when a
// plugin is disabled or removed.
func (p *ProfileProvider) Boot(ctx BootContext) error {
	if ctx.Logger != nil {
		p.logger = ctx.Logger
	}
	p.dispose = ctx.Lifecycle.Listen(func(ev LifecycleEvent) {
		switch ev.Type {
		case EventDisabled, EventRemoved:
			p.release(ev.Plugin)
		}
	})
	return nil
}

// API implements Provider.
func (p *ProfileProvider) API(c Controller) any {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.views[c.Name()]; ok {
		return v
	}
	v := &profileView{}
	v.set(c.Hooks().Profile())
	v.dispose = c.Hooks().OnProfileChange(v.set)
	p.views[c.Name()] = v
	return v
}

// Views returns the number of live per-plugin views.
func (p *ProfileProvider) Views() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.views)
}

func (p *ProfileProvider) release(pluginName string) {
	p.mu.Lock()
	v, ok := p.views[pluginName]
	delete(p.views, pluginName)
	p.mu.Unlock()

	if ok {
		v.dispose()
		p.logger.Debug("profile view released", "plugin", pluginName)
	}
}

type profileView struct {
	mu       sync.RWMutex
	id       string
	wallets  []plugin.Wallet
	currency string
	locale   string
	dispose  func()
}

var _ plugin.ProfileAPI = (*profileView)(nil)

func (v *profileView) set(p plugin.Profile) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p == nil {
		v.id, v.wallets, v.currency, v.locale = "", nil, "", ""
		return
	}
	v.id = p.ID()
	v.wallets = slices.Clone(p.Wallets())
	v.currency = p.ExchangeCurrency()
	v.locale = canonicalLocale(p.Locale())
}

func (v *profileView) ID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.id
}

func (v *profileView) Wallets() []plugin.Wallet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.wallets)
}

func (v *profileView) ExchangeCurrency() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.currency
}

func (v *profileView) Locale() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.locale
}

// canonicalLocale normalizes a BCP 47 tag ("en_us" -> "en-US"). Unparseable
// values are passed through.
func canonicalLocale(raw string) string {
	if raw == "" {
		return ""
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return raw
	}
	return tag.String()
}
