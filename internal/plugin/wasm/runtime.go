// Package wasm runs plugin entry modules compiled to WebAssembly with wazero.
//
// Guest ABI. Buffers cross the boundary as (ptr, len) pairs; results are packed
// into one u64 as ptr<<32 | len, where 0 means "no payload". Payloads are JSON.
//
// Guest exports:
//
//	wp_malloc(size u32) u32             required
//	wp_run(ptr, len u32) u64            required, returns an optional CallResult
//	wp_command(ptr, len u32) u64        CommandCall -> CallResult
//	wp_filter(ptr, len u32) u64         FilterCall -> CallResult
//	wp_profile(ptr, len u32)            optional, receives ProfileData or null
//	wp_free(ptr, len u32)               optional
//
// Host modules. "walletplug" is always present. The capability modules are only
// instantiated when granted, so a guest importing an ungranted one fails to
// instantiate.
//
//	walletplug.register_command(ptr, len u32) u32
//	walletplug.add_filter(nsPtr, nsLen, hookPtr, hookLen u32) u32
//	walletplug.log(level, ptr, len u32)
//	walletplug_http.get(ptr, len u32) u64
//	walletplug_http.post(ptr, len u32) u64
//	walletplug_message.sign(ptr, len u32) u64
//	walletplug_profile.get() u64
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/goatkit/walletplug/internal/plugin"
	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

const (
	hostModule        = "walletplug"
	httpModule        = "walletplug_http"
	messageModule     = "walletplug_message"
	profileModule     = "walletplug_profile"
	exportMalloc      = "wp_malloc"
	exportFree        = "wp_free"
	exportRun         = "wp_run"
	exportCommand     = "wp_command"
	exportFilter      = "wp_filter"
	exportProfile     = "wp_profile"
	defaultMemoryPage = 256 // 16 MiB
)

var ErrInstanceClosed = errors.New("wasm instance closed")

type loadOptions struct {
	memoryLimitPages uint32
	callTimeout      time.Duration
	logger           *slog.Logger
}

func defaultLoadOptions() loadOptions {
	return loadOptions{
		memoryLimitPages: defaultMemoryPage,
		callTimeout:      30 * time.Second,
		logger:           slog.Default(),
	}
}

// LoadOption configures module loading.
type LoadOption func(*loadOptions)

// WithMemoryLimit caps guest memory, in 64 KiB pages.
func WithMemoryLimit(pages uint32) LoadOption {
	return func(o *loadOptions) {
		o.memoryLimitPages = pages
	}
}

// WithCallTimeout bounds every guest call, including host calls it makes.
// Zero disables the bound.
func WithCallTimeout(d time.Duration) LoadOption {
	return func(o *loadOptions) {
		o.callTimeout = d
	}
}

// WithLogger sets the logger guest log lines and failures go to.
func WithLogger(logger *slog.Logger) LoadOption {
	return func(o *loadOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Module is a validated wasm entry module. Every run instantiates it in a
// fresh runtime; compiled code is shared through a compilation cache.
type Module struct {
	name   string
	source []byte
	opts   loadOptions
	cache  wazero.CompilationCache

	mu        sync.Mutex
	instances map[*instance]struct{}
	live      map[pkgplugin.Hooks]*instance // current instance per hook bus
}

// Load compiles source once to reject invalid modules early.
func Load(ctx context.Context, name string, source []byte, opts ...LoadOption) (*Module, error) {
	o := defaultLoadOptions()
	for _, opt := range opts {
		opt(&o)
	}
	m := &Module{
		name:      name,
		source:    source,
		opts:      o,
		cache:     wazero.NewCompilationCache(),
		instances: make(map[*instance]struct{}),
		live:      make(map[pkgplugin.Hooks]*instance),
	}

	rt := wazero.NewRuntimeWithConfig(ctx, m.runtimeConfig())
	defer rt.Close(ctx)
	compiled, err := rt.CompileModule(ctx, source)
	if err != nil {
		m.cache.Close(ctx)
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	exports := compiled.ExportedFunctions()
	for _, required := range []string{exportMalloc, exportRun} {
		if _, ok := exports[required]; !ok {
			m.cache.Close(ctx)
			return nil, fmt.Errorf("compile %s: missing export %s", name, required)
		}
	}
	return m, nil
}

func (m *Module) runtimeConfig() wazero.RuntimeConfig {
	return wazero.NewRuntimeConfig().
		WithCompilationCache(m.cache).
		WithMemoryLimitPages(m.opts.memoryLimitPages).
		WithCloseOnContextDone(true)
}

// Entry returns the plugin entry function backed by this module.
func (m *Module) Entry() plugin.Entry {
	return m.run
}

// Instances returns the number of live instances.
func (m *Module) Instances() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// Close releases every live instance and the compilation cache.
func (m *Module) Close(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*instance, 0, len(m.instances))
	for inst := range m.instances {
		live = append(live, inst)
	}
	m.mu.Unlock()

	for _, inst := range live {
		inst.close()
	}
	return m.cache.Close(ctx)
}

func (m *Module) run(ctx context.Context, sb *pkgplugin.Sandbox) error {
	m.replace(sb.Hooks())
	inst, err := m.instantiate(ctx, sb)
	if err != nil {
		return err
	}

	input, _ := json.Marshal(map[string]any{"accessors": sb.Accessors()})
	res, err := inst.call(ctx, exportRun, input)
	if err != nil {
		inst.close()
		return fmt.Errorf("plugin %q: %s: %w", m.name, exportRun, err)
	}
	if res.Error != "" {
		inst.close()
		return fmt.Errorf("plugin %q: %s", m.name, res.Error)
	}
	return nil
}

// replace closes the instance a previous run left on hooks and drops the
// handlers it registered there.
func (m *Module) replace(hooks pkgplugin.Hooks) {
	m.mu.Lock()
	prev := m.live[hooks]
	m.mu.Unlock()
	if prev == nil {
		return
	}
	prev.close()
	if c, ok := hooks.(hookClearer); ok {
		c.ClearAll()
	}
}

// hookClearer is implemented by hook buses that can drop every handler.
type hookClearer interface {
	ClearAll()
}

func (m *Module) instantiate(ctx context.Context, sb *pkgplugin.Sandbox) (*instance, error) {
	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst := &instance{
		mod:    m,
		hooks:  sb.Hooks(),
		host:   plugin.NewHostAPI(m.name, sb, m.opts.logger),
		ctx:    baseCtx,
		cancel: cancel,
		logger: m.opts.logger.With("plugin", m.name),
	}
	inst.runtime = wazero.NewRuntimeWithConfig(baseCtx, m.runtimeConfig())

	if err := inst.setup(baseCtx, sb); err != nil {
		inst.runtime.Close(baseCtx)
		cancel()
		return nil, fmt.Errorf("plugin %q: %w", m.name, err)
	}

	m.mu.Lock()
	m.instances[inst] = struct{}{}
	m.live[inst.hooks] = inst
	m.mu.Unlock()

	inst.dispose = sb.Hooks().OnProfileChange(func(p pkgplugin.Profile) {
		if p == nil {
			go inst.close()
			return
		}
		inst.notifyProfile(p)
	})
	return inst, nil
}

func (inst *instance) setup(ctx context.Context, sb *pkgplugin.Sandbox) error {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, inst.runtime); err != nil {
		return fmt.Errorf("instantiate wasi: %w", err)
	}

	_, err := inst.runtime.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().WithFunc(inst.hostRegisterCommand).Export("register_command").
		NewFunctionBuilder().WithFunc(inst.hostAddFilter).Export("add_filter").
		NewFunctionBuilder().WithFunc(inst.hostLog).Export("log").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiate %s: %w", hostModule, err)
	}

	if _, ok := sb.HTTP(); ok {
		_, err := inst.runtime.NewHostModuleBuilder(httpModule).
			NewFunctionBuilder().WithFunc(inst.hostCallFunc(plugin.MethodHTTPGet)).Export("get").
			NewFunctionBuilder().WithFunc(inst.hostCallFunc(plugin.MethodHTTPPost)).Export("post").
			Instantiate(ctx)
		if err != nil {
			return fmt.Errorf("instantiate %s: %w", httpModule, err)
		}
	}
	if _, ok := sb.Message(); ok {
		_, err := inst.runtime.NewHostModuleBuilder(messageModule).
			NewFunctionBuilder().WithFunc(inst.hostCallFunc(plugin.MethodMessageSign)).Export("sign").
			Instantiate(ctx)
		if err != nil {
			return fmt.Errorf("instantiate %s: %w", messageModule, err)
		}
	}
	if _, ok := sb.Profile(); ok {
		_, err := inst.runtime.NewHostModuleBuilder(profileModule).
			NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module) uint64 {
				return inst.hostCall(ctx, m, plugin.MethodProfileGet, nil)
			}).Export("get").
			Instantiate(ctx)
		if err != nil {
			return fmt.Errorf("instantiate %s: %w", profileModule, err)
		}
	}

	compiled, err := inst.runtime.CompileModule(ctx, inst.mod.source)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	mod, err := inst.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(inst.mod.name).
		WithStartFunctions("_initialize"))
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	inst.module = mod
	return nil
}

// instance is one instantiated guest. Guest calls are serialized.
type instance struct {
	mod     *Module
	hooks   pkgplugin.Hooks
	host    *plugin.HostAPI
	logger  *slog.Logger
	runtime wazero.Runtime
	module  api.Module
	dispose func()

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (inst *instance) close() {
	inst.closeOnce.Do(func() {
		// Abort any running guest call first so close never waits on a
		// blocked host call.
		inst.cancel()
		inst.mu.Lock()
		inst.closed = true
		inst.mu.Unlock()
		if inst.dispose != nil {
			inst.dispose()
		}
		inst.runtime.Close(context.Background())

		inst.mod.mu.Lock()
		delete(inst.mod.instances, inst)
		if inst.mod.live[inst.hooks] == inst {
			delete(inst.mod.live, inst.hooks)
		}
		inst.mod.mu.Unlock()
		inst.logger.Debug("wasm instance closed")
	})
}

// call invokes a guest export with a JSON payload and decodes the CallResult
// it returns.
func (inst *instance) call(ctx context.Context, export string, payload []byte) (pkgplugin.CallResult, error) {
	var res pkgplugin.CallResult

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.closed {
		return res, ErrInstanceClosed
	}
	fn := inst.module.ExportedFunction(export)
	if fn == nil {
		return res, fmt.Errorf("guest does not export %s", export)
	}

	callCtx, cancel := inst.callContext(ctx)
	defer cancel()

	ptr, length, err := inst.writeBytes(callCtx, inst.module, payload)
	if err != nil {
		return res, err
	}
	defer inst.free(callCtx, ptr, length)

	out, err := fn.Call(callCtx, uint64(ptr), uint64(length))
	if err != nil {
		return res, err
	}
	if len(out) == 0 || out[0] == 0 {
		return res, nil
	}
	rptr, rlen := unpack(out[0])
	data, ok := readBytes(inst.module, rptr, rlen)
	if !ok {
		return res, fmt.Errorf("%s: result out of bounds", export)
	}
	inst.free(callCtx, rptr, rlen)
	if err := json.Unmarshal(data, &res); err != nil {
		return res, fmt.Errorf("%s: invalid result: %w", export, err)
	}
	return res, nil
}

func (inst *instance) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(inst.ctx)
	stop := context.AfterFunc(ctx, cancel)
	if inst.mod.opts.callTimeout > 0 {
		timed, cancelTimeout := context.WithTimeout(merged, inst.mod.opts.callTimeout)
		return timed, func() { cancelTimeout(); stop(); cancel() }
	}
	return merged, func() { stop(); cancel() }
}

func (inst *instance) command(name string, args []any) (any, error) {
	encoded, err := pkgplugin.EncodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("command %q: encode args: %w", name, err)
	}
	payload, _ := json.Marshal(pkgplugin.CommandCall{Name: name, Args: encoded})
	res, err := inst.call(context.Background(), exportCommand, payload)
	if err != nil {
		return nil, fmt.Errorf("command %q: %w", name, err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("command %q: %s", name, res.Error)
	}
	return pkgplugin.DecodeValue(res.Value)
}

// filter returns content unchanged when the guest fails.
func (inst *instance) filter(namespace, hook string, content, hookCtx any) any {
	c, err := json.Marshal(content)
	if err != nil {
		inst.logger.Warn("filter content not serializable", "namespace", namespace, "hook", hook, "error", err)
		return content
	}
	hc, _ := json.Marshal(hookCtx)
	payload, _ := json.Marshal(pkgplugin.FilterCall{Namespace: namespace, Hook: hook, Content: c, Context: hc})

	res, err := inst.call(context.Background(), exportFilter, payload)
	if err == nil && res.Error != "" {
		err = errors.New(res.Error)
	}
	if err != nil {
		inst.logger.Warn("filter failed", "namespace", namespace, "hook", hook, "error", err)
		return content
	}
	v, err := pkgplugin.DecodeValue(res.Value)
	if err != nil {
		return content
	}
	return v
}

func (inst *instance) notifyProfile(p pkgplugin.Profile) {
	inst.mu.Lock()
	exported := !inst.closed && inst.module.ExportedFunction(exportProfile) != nil
	inst.mu.Unlock()
	if !exported {
		return
	}
	payload, _ := json.Marshal(pkgplugin.ProfileDataOf(p))
	if _, err := inst.call(context.Background(), exportProfile, payload); err != nil {
		inst.logger.Warn("profile notification failed", "error", err)
	}
}

func (inst *instance) hostRegisterCommand(ctx context.Context, m api.Module, ptr, length uint32) uint32 {
	name, ok := readString(m, ptr, length)
	if !ok {
		return 1
	}
	err := inst.hooks.RegisterCommand(name, func(args ...any) (any, error) {
		return inst.command(name, args)
	})
	if err != nil {
		inst.logger.Warn("register command failed", "command", name, "error", err)
		return 1
	}
	return 0
}

func (inst *instance) hostAddFilter(ctx context.Context, m api.Module, nsPtr, nsLen, hookPtr, hookLen uint32) uint32 {
	namespace, ok1 := readString(m, nsPtr, nsLen)
	hook, ok2 := readString(m, hookPtr, hookLen)
	if !ok1 || !ok2 {
		return 1
	}
	err := inst.hooks.AddFilter(namespace, hook, func(content, hookCtx any) any {
		return inst.filter(namespace, hook, content, hookCtx)
	})
	if err != nil {
		inst.logger.Warn("add filter failed", "namespace", namespace, "hook", hook, "error", err)
		return 1
	}
	return 0
}

var logLevels = []string{"debug", "info", "warn", "error"}

func (inst *instance) hostLog(ctx context.Context, m api.Module, level, ptr, length uint32) {
	msg, ok := readString(m, ptr, length)
	if !ok || inst.host == nil {
		return
	}
	name := "info"
	if int(level) < len(logLevels) {
		name = logLevels[level]
	}
	inst.host.Log(name, msg)
}

func (inst *instance) hostCallFunc(method string) func(context.Context, api.Module, uint32, uint32) uint64 {
	return func(ctx context.Context, m api.Module, ptr, length uint32) uint64 {
		payload, ok := readBytes(m, ptr, length)
		if !ok {
			return 0
		}
		return inst.hostCall(ctx, m, method, payload)
	}
}

// hostCall runs a host method and writes the CallResult into guest memory.
// It returns 0 when no host is bound or the result cannot be written.
func (inst *instance) hostCall(ctx context.Context, m api.Module, method string, payload []byte) uint64 {
	if inst.host == nil {
		return 0
	}
	var res pkgplugin.CallResult
	value, err := inst.host.Call(ctx, method, payload)
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Value = value
	}
	out, _ := json.Marshal(res)
	ptr, length, err := inst.writeBytes(ctx, m, out)
	if err != nil {
		inst.logger.Warn("host call result not delivered", "method", method, "error", err)
		return 0
	}
	return pack(ptr, length)
}

// writeBytes copies data into guest memory allocated with wp_malloc.
func (inst *instance) writeBytes(ctx context.Context, m api.Module, data []byte) (uint32, uint32, error) {
	if len(data) == 0 || m == nil {
		return 0, 0, nil
	}
	malloc := m.ExportedFunction(exportMalloc)
	if malloc == nil {
		return 0, 0, fmt.Errorf("guest does not export %s", exportMalloc)
	}
	out, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", exportMalloc, err)
	}
	ptr := uint32(out[0])
	if !m.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("%s returned out of bounds pointer %d", exportMalloc, ptr)
	}
	return ptr, uint32(len(data)), nil
}

func (inst *instance) free(ctx context.Context, ptr, length uint32) {
	if ptr == 0 || inst.module == nil {
		return
	}
	if fn := inst.module.ExportedFunction(exportFree); fn != nil {
		_, _ = fn.Call(ctx, uint64(ptr), uint64(length))
	}
}

func readBytes(m api.Module, ptr, length uint32) ([]byte, bool) {
	if m == nil || m.Memory() == nil {
		return nil, false
	}
	if length == 0 {
		return []byte{}, true
	}
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		return nil, false
	}
	// Read returns a view into guest memory.
	return append([]byte(nil), data...), true
}

func readString(m api.Module, ptr, length uint32) (string, bool) {
	b, ok := readBytes(m, ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (uint32, uint32) {
	return uint32(v >> 32), uint32(v)
}
