// Package hooks implements the per-plugin hook bus: unique named commands, ordered
// filter chains and the private profile-change channel.
package hooks

import (
	"fmt"
	"sort"
	"sync"

	"github.com/goatkit/walletplug/pkg/plugin"
)

type filterKey struct {
	namespace string
	hook      string
}

func (k filterKey) String() string {
	return k.namespace + ":" + k.hook
}

type observer struct {
	id uint64
	fn func(plugin.Profile)
}

// Bus is owned by exactly one plugin controller. Handlers always run outside the
// bus lock so they may call back into the bus.
type Bus struct {
	mu       sync.RWMutex
	commands map[string]plugin.CommandHandler
	filters  map[filterKey][]plugin.FilterHandler

	obsMu     sync.Mutex
	observers []observer
	nextID    uint64
	profile   plugin.Profile
}

var _ plugin.Hooks = (*Bus)(nil)

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		commands: make(map[string]plugin.CommandHandler),
		filters:  make(map[filterKey][]plugin.FilterHandler),
	}
}

// HasCommand reports whether name is registered.
func (b *Bus) HasCommand(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.commands[name]
	return ok
}

// RegisterCommand stores handler under name. Names are unique per bus.
func (b *Bus) RegisterCommand(name string, handler plugin.CommandHandler) error {
	if handler == nil {
		return fmt.Errorf("command %q: %w", name, plugin.ErrInvalidHandler)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.commands[name]; exists {
		return fmt.Errorf("command %q: %w", name, plugin.ErrDuplicateCommand)
	}
	b.commands[name] = handler
	return nil
}

// ExecuteCommand invokes the named handler and returns its result unchanged. A
// pending result (e.g. a channel) is not awaited.
func (b *Bus) ExecuteCommand(name string, args ...any) (result any, err error) {
	b.mu.RLock()
	handler, ok := b.commands[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("command %q: %w", name, plugin.ErrUnknownCommand)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("command %q panicked: %v", name, r)
		}
	}()
	return handler(args...)
}

// HasFilter reports whether at least one handler is registered for the hook.
func (b *Bus) HasFilter(namespace, hookName string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.filters[filterKey{namespace, hookName}]) > 0
}

// AddFilter appends handler to the chain for namespace/hookName. There is no
// removal primitive other than ClearAll.
func (b *Bus) AddFilter(namespace, hookName string, handler plugin.FilterHandler) error {
	if handler == nil {
		return fmt.Errorf("filter %s:%s: %w", namespace, hookName, plugin.ErrInvalidHandler)
	}
	key := filterKey{namespace, hookName}
	b.mu.Lock()
	b.filters[key] = append(b.filters[key], handler)
	b.mu.Unlock()
	return nil
}

// ApplyFilter folds content through every handler for the hook in registration
// order. It returns nil when no handler is registered; callers treat nil as
// "unchanged". A chain that folds to nil is indistinguishable from an empty one,
// use HasFilter when the difference matters.
func (b *Bus) ApplyFilter(namespace, hookName string, content, hookCtx any) any {
	b.mu.RLock()
	chain := b.filters[filterKey{namespace, hookName}]
	handlers := make([]plugin.FilterHandler, len(chain))
	copy(handlers, chain)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}
	for _, h := range handlers {
		content = h(content, hookCtx)
	}
	return content
}

// ClearAll drops every command and filter.
func (b *Bus) ClearAll() {
	b.mu.Lock()
	b.commands = make(map[string]plugin.CommandHandler)
	b.filters = make(map[filterKey][]plugin.FilterHandler)
	b.mu.Unlock()
}

// Commands returns the registered command names, sorted.
func (b *Bus) Commands() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.commands))
	for name := range b.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Filters returns the hooks that have handlers as "namespace:hook", sorted.
func (b *Bus) Filters() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.filters))
	for key, chain := range b.filters {
		if len(chain) > 0 {
			out = append(out, key.String())
		}
	}
	sort.Strings(out)
	return out
}

// OnProfileChange subscribes fn to profile broadcasts. The returned dispose func is
// idempotent.
func (b *Bus) OnProfileChange(fn func(plugin.Profile)) (dispose func()) {
	if fn == nil {
		return func() {}
	}
	b.obsMu.Lock()
	b.nextID++
	id := b.nextID
	b.observers = append(b.observers, observer{id: id, fn: fn})
	b.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.obsMu.Lock()
			defer b.obsMu.Unlock()
			for i, o := range b.observers {
				if o.id == id {
					b.observers = append(b.observers[:i], b.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// SetProfile records p as the active profile and notifies subscribers in
// subscription order.
func (b *Bus) SetProfile(p plugin.Profile) {
	b.obsMu.Lock()
	b.profile = p
	observers := make([]observer, len(b.observers))
	copy(observers, b.observers)
	b.obsMu.Unlock()

	for _, o := range observers {
		o.fn(p)
	}
}

// FlushProfile broadcasts the absence of a profile.
func (b *Bus) FlushProfile() {
	b.SetProfile(nil)
}

// Profile returns the last broadcast profile, or nil.
func (b *Bus) Profile() plugin.Profile {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	return b.profile
}
