package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/goatkit/walletplug/internal/plugin/metrics"
	"github.com/goatkit/walletplug/internal/plugin/services"
)

// RawPluginInstance is what the loader found in one plugin directory.
type RawPluginInstance struct {
	Manifest   Manifest
	Dir        string
	Source     []byte // entry module bytes; nil for native entries
	SourcePath string
}

// Loader discovers plugin directories and deletes them on removal.
type Loader interface {
	Search(profileID string) ([]RawPluginInstance, error)
	Remove(dir string) error
}

// EntryResolver turns a raw instance into a callable entry.
type EntryResolver interface {
	Resolve(raw RawPluginInstance) (Entry, error)
}

// Enablement is one persisted (profile, plugin) enablement.
type Enablement struct {
	Plugin  string `json:"plugin"  db:"plugin"`
	AutoRun bool   `json:"autoRun" db:"auto_run"`
}

// EnablementStore persists which plugins each profile enables.
type EnablementStore interface {
	Enabled(ctx context.Context, profileID string) ([]Enablement, error)
	SetEnabled(ctx context.Context, profileID string, e Enablement) error
	SetDisabled(ctx context.Context, profileID, pluginName string) error
}

// Manager owns the controller collection and the service registry.
type Manager struct {
	loader   Loader
	resolver EntryResolver
	store    EnablementStore
	registry *services.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	logs     *LogBuffer
	plugins  *Plugins

	activeMu sync.RWMutex
	active   Profile
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLoader sets the plugin loader.
func WithLoader(l Loader) ManagerOption {
	return func(m *Manager) {
		m.loader = l
	}
}

// WithResolver sets the entry resolver.
func WithResolver(r EntryResolver) ManagerOption {
	return func(m *Manager) {
		m.resolver = r
	}
}

// WithStore sets the enablement store.
func WithStore(s EnablementStore) ManagerOption {
	return func(m *Manager) {
		m.store = s
	}
}

// WithRegistry sets the service registry.
func WithRegistry(r *services.Registry) ManagerOption {
	return func(m *Manager) {
		m.registry = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics records runtime metrics.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithLogBuffer sets the buffer that collects isolated plugin failures.
func WithLogBuffer(b *LogBuffer) ManagerOption {
	return func(m *Manager) {
		m.logs = b
	}
}

// NewManager creates a manager. Unset collaborators default to an in-memory
// store, a fresh registry and a 1000 entry log buffer.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.registry == nil {
		m.registry = services.NewRegistry(m.logger, nil)
	}
	if m.logs == nil {
		m.logs = NewLogBuffer(1000)
	}
	m.plugins = &Plugins{
		m:        m,
		byName:   make(map[string]*Controller),
		installs: make(map[string]map[string]RawPluginInstance),
	}
	return m
}

// Plugins returns the controller collection.
func (m *Manager) Plugins() *Plugins {
	return m.plugins
}

// Services returns the service registry.
func (m *Manager) Services() *services.Registry {
	return m.registry
}

// Logs returns the per-plugin failure log.
func (m *Manager) Logs() *LogBuffer {
	return m.logs
}

// Active returns the profile set by the last ActivateProfile or SwitchProfile.
func (m *Manager) Active() Profile {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	return m.active
}

// NewController creates a controller wired to the manager's registry, logger and
// metrics.
func (m *Manager) NewController(manifest Manifest, entry Entry, opts ...ControllerOption) *Controller {
	base := []ControllerOption{WithControllerLogger(m.logger), WithControllerMetrics(m.metrics)}
	return NewController(manifest, entry, m.registry, append(base, opts...)...)
}

// Discover searches the loader for profile and registers a controller for every
// plugin not seen before. Every plugin found is recorded as installed for the
// profile. Plugins whose entry cannot be resolved are logged and skipped.
func (m *Manager) Discover(ctx context.Context, profileID string) ([]*Controller, error) {
	if m.loader == nil {
		return nil, nil
	}
	raws, err := m.loader.Search(profileID)
	if err != nil {
		return nil, fmt.Errorf("search plugins for profile %q: %w", profileID, err)
	}

	var added []*Controller
	for _, raw := range raws {
		name := raw.Manifest.Name
		if _, exists := m.plugins.FindByID(name); exists {
			m.plugins.recordInstall(name, profileID, raw)
			continue
		}
		entry, err := m.resolve(raw)
		if err != nil {
			m.logger.Warn("plugin entry not resolvable", "plugin", name, "dir", raw.Dir, "error", err)
			m.logs.Log(name, "error", err.Error(), map[string]any{"dir": raw.Dir})
			continue
		}
		c := m.NewController(raw.Manifest, entry, WithDir(raw.Dir))
		if err := m.plugins.Push(c); err != nil {
			continue
		}
		m.plugins.recordInstall(name, profileID, raw)
		m.registry.Lifecycle().Publish(services.LifecycleEvent{
			Type:    services.EventDiscovered,
			Plugin:  name,
			Profile: profileID,
		})
		added = append(added, c)
	}
	return added, nil
}

func (m *Manager) resolve(raw RawPluginInstance) (Entry, error) {
	if m.resolver == nil {
		return nil, fmt.Errorf("plugin %q: no entry resolver configured", raw.Manifest.Name)
	}
	return m.resolver.Resolve(raw)
}

// applyEnablement marks controllers enabled per the persisted set for profile.
func (m *Manager) applyEnablement(ctx context.Context, profile Profile) error {
	enabled, err := m.store.Enabled(ctx, profile.ID())
	if err != nil {
		return fmt.Errorf("load enablement for profile %q: %w", profile.ID(), err)
	}
	for _, e := range enabled {
		c, ok := m.plugins.FindByID(e.Plugin)
		if !ok {
			m.logger.Debug("enabled plugin not installed", "plugin", e.Plugin, "profile", profile.ID())
			continue
		}
		if !c.IsEnabled(profile) {
			c.Enable(profile, WithAutoRun(e.AutoRun))
		}
	}
	return nil
}

// PrepareProfile discovers plugins for profile and applies its persisted
// enablement without broadcasting or running anything.
func (m *Manager) PrepareProfile(ctx context.Context, profile Profile) error {
	if _, err := m.Discover(ctx, profile.ID()); err != nil {
		return err
	}
	return m.applyEnablement(ctx, profile)
}

// ActivateProfile discovers plugins for profile, applies persisted enablement,
// broadcasts the profile and runs every enabled plugin that is not already
// running. Running plugins follow the switch through their hook bus. The
// returned map holds the plugins whose run failed.
func (m *Manager) ActivateProfile(ctx context.Context, profile Profile) (map[string]error, error) {
	if err := m.PrepareProfile(ctx, profile); err != nil {
		return nil, err
	}
	m.SwitchProfile(profile)
	return m.plugins.run(ctx, profile, func(c *Controller) bool {
		return c.State() != StateRunning
	}), nil
}

// SwitchProfile makes profile the active one without re-running entries.
// Plugins enabled for it receive the profile on their hook bus; the others are
// suspended and receive a nil profile.
func (m *Manager) SwitchProfile(profile Profile) {
	m.activeMu.Lock()
	m.active = profile
	m.activeMu.Unlock()

	for _, c := range m.plugins.All() {
		switch {
		case c.IsEnabled(profile):
			c.Hooks().SetProfile(profile)
		case c.State() == StateRunning || c.Hooks().Profile() != nil:
			c.suspend()
		}
	}
}

// Sync rediscovers plugins for profileID. When that profile is active, newly
// found plugins that it enables are run.
func (m *Manager) Sync(ctx context.Context, profileID string) error {
	added, err := m.Discover(ctx, profileID)
	if err != nil || len(added) == 0 {
		return err
	}
	active := m.Active()
	if active == nil || active.ID() != profileID {
		return nil
	}
	if err := m.applyEnablement(ctx, active); err != nil {
		return err
	}
	var errs []error
	for _, c := range added {
		if !c.IsEnabled(active) {
			continue
		}
		if err := c.Run(ctx, active); err != nil {
			m.recordFailure(c, active, "", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnablePlugin persists and applies enablement of name for profile.
func (m *Manager) EnablePlugin(ctx context.Context, profile Profile, name string, autoRun bool) error {
	c, ok := m.plugins.FindByID(name)
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}
	if err := m.store.SetEnabled(ctx, profile.ID(), Enablement{Plugin: name, AutoRun: autoRun}); err != nil {
		return fmt.Errorf("persist enablement of %q: %w", name, err)
	}
	c.Enable(profile, WithAutoRun(autoRun))
	return nil
}

// DisablePlugin persists and applies disablement of name for profile.
func (m *Manager) DisablePlugin(ctx context.Context, profile Profile, name string) error {
	c, ok := m.plugins.FindByID(name)
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}
	if err := m.store.SetDisabled(ctx, profile.ID(), name); err != nil {
		return fmt.Errorf("persist disablement of %q: %w", name, err)
	}
	c.Disable(profile)
	return nil
}

// RunPlugin runs a single plugin for profile.
func (m *Manager) RunPlugin(ctx context.Context, profile Profile, name string) error {
	c, ok := m.plugins.FindByID(name)
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrPluginNotFound)
	}
	return c.Run(ctx, profile)
}

// Shutdown broadcasts a nil profile to every plugin so runtimes release their
// resources, then clears all hooks.
func (m *Manager) Shutdown() {
	for _, c := range m.plugins.All() {
		c.Hooks().ClearAll()
		c.Hooks().FlushProfile()
	}
}

func (m *Manager) recordFailure(c *Controller, profile Profile, runID string, err error) {
	fields := map[string]any{"profile": profile.ID()}
	if runID != "" {
		fields["run_id"] = runID
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		fields["panic"] = true
	}
	m.logs.Log(c.Name(), "error", err.Error(), fields)
	m.logger.Error("plugin run failed", "plugin", c.Name(), "profile", profile.ID(), "run_id", runID, "error", err)
}

// Plugins is the manager's controller collection.
type Plugins struct {
	m      *Manager
	mu     sync.RWMutex
	byName map[string]*Controller
	order  []string

	// installs holds, per plugin, the copy each profile has on disk.
	installs map[string]map[string]RawPluginInstance
}

func (p *Plugins) recordInstall(name, profileID string, raw RawPluginInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byProfile, ok := p.installs[name]
	if !ok {
		byProfile = make(map[string]RawPluginInstance)
		p.installs[name] = byProfile
	}
	byProfile[profileID] = raw
}

// forgetInstall drops the install record of name for profileID and returns it.
func (p *Plugins) forgetInstall(name, profileID string) (RawPluginInstance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, ok := p.installs[name][profileID]
	delete(p.installs[name], profileID)
	return raw, ok
}

// Installs returns the ids of profiles that have name installed, sorted.
func (p *Plugins) Installs(name string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.installs[name]))
	for id := range p.installs[name] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// otherInstall returns another profile's copy of name, preferring the lowest
// profile id.
func (p *Plugins) otherInstall(name string) (RawPluginInstance, bool) {
	ids := p.Installs(name)
	if len(ids) == 0 {
		return RawPluginInstance{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.installs[name][ids[0]], true
}

func (p *Plugins) dirInUse(name, dir string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, raw := range p.installs[name] {
		if raw.Dir == dir {
			return true
		}
	}
	return false
}

// Push adds a controller. Names are unique.
func (p *Plugins) Push(c *Controller) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byName[c.Name()]; exists {
		return fmt.Errorf("plugin %q: %w", c.Name(), ErrDuplicatePlugin)
	}
	p.byName[c.Name()] = c
	p.order = append(p.order, c.Name())
	p.m.metrics.SetPlugins(len(p.byName))
	return nil
}

// FindByID returns the controller registered under id.
func (p *Plugins) FindByID(id string) (*Controller, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.byName[id]
	return c, ok
}

// All returns every controller in registration order.
func (p *Plugins) All() []*Controller {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Controller, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.byName[name])
	}
	return out
}

// Len returns the number of controllers.
func (p *Plugins) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byName)
}

// Enabled returns the controllers enabled for profile, in registration order.
func (p *Plugins) Enabled(profile Profile) []*Controller {
	var out []*Controller
	for _, c := range p.All() {
		if c.IsEnabled(profile) {
			out = append(out, c)
		}
	}
	return out
}

// RemoveByID uninstalls id from profile: the plugin is disabled there and the
// profile's copy of its files is deleted through the loader. The controller is
// dropped once no other profile has it installed or enabled.
func (p *Plugins) RemoveByID(ctx context.Context, id string, profile Profile) error {
	c, ok := p.FindByID(id)
	if !ok {
		return fmt.Errorf("plugin %q: %w", id, ErrPluginNotFound)
	}

	c.Disable(profile)
	if err := p.m.store.SetDisabled(ctx, profile.ID(), id); err != nil {
		return fmt.Errorf("persist disablement of %q: %w", id, err)
	}
	own, installed := p.forgetInstall(id, profile.ID())

	if len(c.EnabledProfiles()) > 0 || len(p.Installs(id)) > 0 {
		p.m.logger.Info("plugin still referenced, keeping controller",
			"plugin", id, "enabled", c.EnabledProfiles(), "installed", p.Installs(id))
		if !installed || own.Dir == "" || p.dirInUse(id, own.Dir) {
			return nil
		}
		if own.Dir == c.Dir() {
			p.rebase(c)
		}
		return p.removeFiles(id, own.Dir)
	}

	p.mu.Lock()
	delete(p.byName, id)
	delete(p.installs, id)
	for i, name := range p.order {
		if name == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.m.metrics.SetPlugins(len(p.byName))
	p.mu.Unlock()

	c.markRemoved()
	p.m.registry.Lifecycle().Publish(services.LifecycleEvent{
		Type:    services.EventRemoved,
		Plugin:  id,
		Profile: profile.ID(),
	})

	dir := c.Dir()
	if installed {
		dir = own.Dir
	}
	if err := p.removeFiles(id, dir); err != nil {
		return err
	}
	p.m.logger.Info("plugin removed", "plugin", id)
	return nil
}

// rebase moves c onto another profile's copy before the one backing its entry
// is deleted.
func (p *Plugins) rebase(c *Controller) {
	raw, ok := p.otherInstall(c.Name())
	if !ok {
		return
	}
	entry, err := p.m.resolve(raw)
	if err != nil {
		p.m.logger.Warn("plugin entry not resolvable", "plugin", c.Name(), "dir", raw.Dir, "error", err)
		p.m.logs.Log(c.Name(), "error", err.Error(), map[string]any{"dir": raw.Dir})
		return
	}
	c.setSource(entry, raw.Dir)
}

func (p *Plugins) removeFiles(id, dir string) error {
	if p.m.loader == nil || dir == "" {
		return nil
	}
	if err := p.m.loader.Remove(dir); err != nil {
		return fmt.Errorf("remove plugin %q files: %w", id, err)
	}
	return nil
}

// RunAllEnabled runs every controller enabled for profile concurrently and
// waits for all entry functions to return. A failing or panicking plugin is
// recorded in the manager's log buffer and never stops the others. The
// returned map holds the failures keyed by plugin name.
func (p *Plugins) RunAllEnabled(ctx context.Context, profile Profile) map[string]error {
	return p.run(ctx, profile, nil)
}

// run runs the controllers enabled for profile that pass keep (all when nil).
func (p *Plugins) run(ctx context.Context, profile Profile, keep func(*Controller) bool) map[string]error {
	runID := uuid.NewString()
	ctx = ContextWithRunID(ctx, runID)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures = make(map[string]error)
	)
	for _, c := range p.Enabled(profile) {
		if keep != nil && !keep(c) {
			continue
		}
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			err := c.Run(ctx, profile)
			if err == nil {
				return
			}
			p.m.recordFailure(c, profile, runID, err)
			mu.Lock()
			failures[c.Name()] = err
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	p.m.logger.Info("plugins run", "profile", profile.ID(), "run_id", runID, "failed", len(failures))
	return failures
}
