// Package runtime turns loaded plugin directories into entry functions. Native
// entries are compiled into the host and registered by name; wasm and process
// entries are built from the module the loader read.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/goatkit/walletplug/internal/plugin"
	"github.com/goatkit/walletplug/internal/plugin/process"
	"github.com/goatkit/walletplug/internal/plugin/wasm"
	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

var ErrUnknownNative = errors.New("native entry not registered")

var (
	nativesMu sync.RWMutex
	natives   = make(map[string]plugin.Entry)
)

// RegisterNative makes a compiled-in entry available to plugins declaring
// runtime "native" under name. It panics if name is registered twice or entry
// is nil.
func RegisterNative(name string, entry plugin.Entry) {
	nativesMu.Lock()
	defer nativesMu.Unlock()
	if entry == nil {
		panic("runtime: RegisterNative entry is nil")
	}
	if _, dup := natives[name]; dup {
		panic("runtime: RegisterNative called twice for " + name)
	}
	natives[name] = entry
}

// Natives returns the registered native entry names, sorted.
func Natives() []string {
	nativesMu.RLock()
	defer nativesMu.RUnlock()
	names := make([]string, 0, len(natives))
	for name := range natives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupNative(name string) (plugin.Entry, bool) {
	nativesMu.RLock()
	defer nativesMu.RUnlock()
	e, ok := natives[name]
	return e, ok
}

// Resolver implements plugin.EntryResolver for every supported runtime.
type Resolver struct {
	logger      *slog.Logger
	wasmOpts    []wasm.LoadOption
	processOpts []process.Option

	mu        sync.Mutex
	modules   []*wasm.Module
	processes []*process.Executable
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger passed to the runtimes.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithWASMOptions sets options for every wasm module.
func WithWASMOptions(opts ...wasm.LoadOption) Option {
	return func(r *Resolver) {
		r.wasmOpts = append(r.wasmOpts, opts...)
	}
}

// WithProcessOptions sets options for every subprocess entry.
func WithProcessOptions(opts ...process.Option) Option {
	return func(r *Resolver) {
		r.processOpts = append(r.processOpts, opts...)
	}
}

// NewResolver creates a resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the entry for raw according to its manifest runtime.
func (r *Resolver) Resolve(raw plugin.RawPluginInstance) (plugin.Entry, error) {
	name := raw.Manifest.Name
	switch rt := raw.Manifest.RuntimeOrDefault(); rt {
	case pkgplugin.RuntimeNative:
		entry, ok := lookupNative(name)
		if !ok {
			return nil, fmt.Errorf("plugin %q: %w", name, ErrUnknownNative)
		}
		return entry, nil

	case pkgplugin.RuntimeWASM:
		if len(raw.Source) == 0 {
			return nil, fmt.Errorf("plugin %q: empty wasm module", name)
		}
		opts := append([]wasm.LoadOption{wasm.WithLogger(r.logger)}, r.wasmOpts...)
		mod, err := wasm.Load(context.Background(), name, raw.Source, opts...)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.modules = append(r.modules, mod)
		r.mu.Unlock()
		r.logger.Info("loaded wasm plugin", "plugin", name, "path", raw.SourcePath, "bytes", len(raw.Source))
		return mod.Entry(), nil

	case pkgplugin.RuntimeProcess:
		if raw.SourcePath == "" {
			return nil, fmt.Errorf("plugin %q: no executable", name)
		}
		opts := append([]process.Option{process.WithLogger(r.logger)}, r.processOpts...)
		exe := process.New(name, raw.SourcePath, opts...)
		r.mu.Lock()
		r.processes = append(r.processes, exe)
		r.mu.Unlock()
		return exe.Entry(), nil

	default:
		return nil, fmt.Errorf("plugin %q: unsupported runtime %q", name, rt)
	}
}

// Close releases every wasm module and stops every plugin process.
func (r *Resolver) Close(ctx context.Context) error {
	r.mu.Lock()
	modules, processes := r.modules, r.processes
	r.modules, r.processes = nil, nil
	r.mu.Unlock()

	var errs []error
	for _, m := range modules {
		errs = append(errs, m.Close(ctx))
	}
	for _, p := range processes {
		p.Close()
	}
	return errors.Join(errs...)
}
