// Package process runs plugin entries as subprocesses using HashiCorp go-plugin.
//
// The host starts the executable, calls Plugin.Run and serves callbacks on a
// broker stream: the extension registers commands and filters, which the host
// mirrors onto the plugin's hook bus as proxies, and makes host calls for the
// capabilities it was granted.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/goatkit/walletplug/internal/plugin"
	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
	"github.com/goatkit/walletplug/pkg/plugin/procutil"
)

// PluginMap is the map of plugin types we support.
var PluginMap = map[string]goplugin.Plugin{
	procutil.PluginName: &procutil.ExtensionPlugin{},
}

var ErrProcessClosed = errors.New("plugin process closed")

type options struct {
	logger       *slog.Logger
	hclog        hclog.Logger
	startTimeout time.Duration
}

// Option configures an Executable.
type Option func(*options)

// WithLogger sets the host-side logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHCLogger sets the logger go-plugin writes the plugin's output to.
func WithHCLogger(logger hclog.Logger) Option {
	return func(o *options) {
		o.hclog = logger
	}
}

// WithStartTimeout bounds how long the executable may take to handshake.
func WithStartTimeout(d time.Duration) Option {
	return func(o *options) {
		o.startTimeout = d
	}
}

// Executable is a subprocess plugin entry. Every run starts a new process,
// which lives until the plugin's profile is flushed.
type Executable struct {
	name string
	path string
	opts options

	mu    sync.Mutex
	procs map[*process]struct{}
	live  map[pkgplugin.Hooks]*process // current process per hook bus
}

// New creates an executable entry for the plugin binary at path.
func New(name, path string, opts ...Option) *Executable {
	o := options{logger: slog.Default(), startTimeout: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	if o.hclog == nil {
		o.hclog = hclog.New(&hclog.LoggerOptions{
			Name:   "plugin." + name,
			Output: os.Stderr,
			Level:  hclog.Info,
		})
	}
	return &Executable{
		name:  name,
		path:  path,
		opts:  o,
		procs: make(map[*process]struct{}),
		live:  make(map[pkgplugin.Hooks]*process),
	}
}

// Entry returns the plugin entry function backed by the executable.
func (e *Executable) Entry() plugin.Entry {
	return e.run
}

// Processes returns the number of live processes.
func (e *Executable) Processes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.procs)
}

// Close kills every live process.
func (e *Executable) Close() {
	e.mu.Lock()
	live := make([]*process, 0, len(e.procs))
	for p := range e.procs {
		live = append(live, p)
	}
	e.mu.Unlock()
	for _, p := range live {
		p.close()
	}
}

func (e *Executable) run(ctx context.Context, sb *pkgplugin.Sandbox) error {
	cmd := exec.Command(e.path)
	applyProcessSandbox(cmd, e.name, sb.Accessors(), e.opts.logger)

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: procutil.Handshake,
		Plugins:         PluginMap,
		Cmd:             cmd,
		Logger:          e.opts.hclog,
		StartTimeout:    e.opts.startTimeout,
		SkipHostEnv:     true,
		AllowedProtocols: []goplugin.Protocol{
			goplugin.ProtocolNetRPC,
		},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("plugin %q: failed to create RPC client: %w", e.name, err)
	}
	raw, err := rpcClient.Dispense(procutil.PluginName)
	if err != nil {
		client.Kill()
		return fmt.Errorf("plugin %q: failed to dispense plugin: %w", e.name, err)
	}
	ext, ok := raw.(*procutil.RPCClient)
	if !ok {
		client.Kill()
		return fmt.Errorf("plugin %q: unexpected plugin type %T", e.name, raw)
	}
	return e.attach(ctx, sb, ext, client.Kill)
}

// attach runs the extension behind ext and wires its callbacks to sb. kill
// tears the connection down.
func (e *Executable) attach(ctx context.Context, sb *pkgplugin.Sandbox, ext *procutil.RPCClient, kill func()) error {
	e.replace(sb.Hooks())

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &process{
		exe:    e,
		ext:    ext,
		hooks:  sb.Hooks(),
		host:   plugin.NewHostAPI(e.name, sb, e.opts.logger),
		logger: e.opts.logger.With("plugin", e.name),
		ctx:    pctx,
		cancel: cancel,
		kill:   kill,
	}
	e.mu.Lock()
	e.procs[p] = struct{}{}
	e.live[p.hooks] = p
	e.mu.Unlock()

	hostID := ext.Broker().NextId()
	go ext.Broker().AcceptAndServe(hostID, &HostServer{p: p})

	req := procutil.RunRequest{HostID: hostID, Accessors: sb.Accessors()}
	if _, ok := sb.Profile(); ok {
		if raw, err := p.host.Call(ctx, pkgplugin.MethodProfileGet, nil); err == nil {
			_ = json.Unmarshal(raw, &req.Profile)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- ext.Run(req) }()
	select {
	case err := <-errCh:
		if err != nil {
			p.close()
			return fmt.Errorf("plugin %q: %w", e.name, err)
		}
	case <-ctx.Done():
		p.close()
		return ctx.Err()
	}

	p.setDispose(sb.Hooks().OnProfileChange(func(profile pkgplugin.Profile) {
		if profile == nil {
			go p.close()
			return
		}
		if err := ext.Profile(pkgplugin.ProfileDataOf(profile)); err != nil {
			p.logger.Warn("profile notification failed", "error", err)
		}
	}))
	return nil
}

// replace stops the process a previous run left on hooks and drops the proxies
// it registered there.
func (e *Executable) replace(hooks pkgplugin.Hooks) {
	e.mu.Lock()
	prev := e.live[hooks]
	e.mu.Unlock()
	if prev == nil {
		return
	}
	prev.close()
	if c, ok := hooks.(interface{ ClearAll() }); ok {
		c.ClearAll()
	}
}

type process struct {
	exe    *Executable
	ext    *procutil.RPCClient
	hooks  pkgplugin.Hooks
	host   *plugin.HostAPI
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	kill   func()

	mu        sync.Mutex
	closed    bool
	dispose   func()
	closeOnce sync.Once
}

func (p *process) setDispose(dispose func()) {
	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.dispose = dispose
	}
	p.mu.Unlock()
	if closed {
		dispose()
	}
}

func (p *process) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *process) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		p.closed = true
		dispose := p.dispose
		p.mu.Unlock()
		if dispose != nil {
			dispose()
		}
		p.kill()

		p.exe.mu.Lock()
		delete(p.exe.procs, p)
		if p.exe.live[p.hooks] == p {
			delete(p.exe.live, p.hooks)
		}
		p.exe.mu.Unlock()
		p.logger.Debug("plugin process stopped")
	})
}

func (p *process) command(name string, args []any) (any, error) {
	if p.isClosed() {
		return nil, fmt.Errorf("command %q: %w", name, ErrProcessClosed)
	}
	encoded, err := pkgplugin.EncodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("command %q: encode args: %w", name, err)
	}
	res, err := p.ext.Command(pkgplugin.CommandCall{Name: name, Args: encoded})
	if err != nil {
		return nil, fmt.Errorf("command %q: %w", name, err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("command %q: %s", name, res.Error)
	}
	return pkgplugin.DecodeValue(res.Value)
}

// filter returns content unchanged when the extension fails.
func (p *process) filter(namespace, hook string, content, hookCtx any) any {
	if p.isClosed() {
		return content
	}
	c, err := json.Marshal(content)
	if err != nil {
		p.logger.Warn("filter content not serializable", "namespace", namespace, "hook", hook, "error", err)
		return content
	}
	hc, _ := json.Marshal(hookCtx)
	res, err := p.ext.Filter(pkgplugin.FilterCall{Namespace: namespace, Hook: hook, Content: c, Context: hc})
	if err == nil && res.Error != "" {
		err = errors.New(res.Error)
	}
	if err != nil {
		p.logger.Warn("filter failed", "namespace", namespace, "hook", hook, "error", err)
		return content
	}
	v, err := pkgplugin.DecodeValue(res.Value)
	if err != nil {
		return content
	}
	return v
}

// HostServer exposes host callbacks to one extension process via RPC.
type HostServer struct {
	p *process
}

// RegisterCommand mirrors an extension command onto the hook bus.
func (s *HostServer) RegisterCommand(req procutil.RegisterCommandRequest, resp *procutil.Ack) error {
	name := req.Name
	if err := s.p.hooks.RegisterCommand(name, func(args ...any) (any, error) {
		return s.p.command(name, args)
	}); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

// AddFilter mirrors an extension filter onto the hook bus.
func (s *HostServer) AddFilter(req procutil.AddFilterRequest, resp *procutil.Ack) error {
	namespace, hook := req.Namespace, req.Hook
	if err := s.p.hooks.AddFilter(namespace, hook, func(content, hookCtx any) any {
		return s.p.filter(namespace, hook, content, hookCtx)
	}); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

// Log writes an extension log line.
func (s *HostServer) Log(req procutil.LogRequest, resp *procutil.Ack) error {
	s.p.host.Log(req.Level, req.Message)
	resp.OK = true
	return nil
}

// Call handles all capability calls from the extension.
func (s *HostServer) Call(req procutil.HostRequest, resp *pkgplugin.CallResult) error {
	result, err := s.p.host.Call(s.p.ctx, req.Method, req.Args)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Value = result
	return nil
}
