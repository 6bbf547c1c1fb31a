// Package procutil is the plugin side of the subprocess protocol.
//
// Subprocess plugins import this package to serve their implementation. The
// host-side launching and wiring stays in internal/plugin/process.
//
// Usage:
//
//	func main() {
//	    procutil.Serve(&MyExtension{})
//	}
package procutil

import (
	"encoding/json"
	"fmt"
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/goatkit/walletplug/pkg/plugin"
)

// Handshake is the shared handshake config for host and plugins.
// Plugins must use the same values to connect.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "WALLETPLUG_PLUGIN",
	MagicCookieValue: "walletplug-v1",
}

// PluginName is the key the extension is dispensed under.
const PluginName = "extension"

// Extension is implemented by subprocess plugins.
type Extension interface {
	// Run is the entry function. Register commands and filters through host
	// before returning. profile is nil unless PROFILE was granted.
	Run(host *Host, profile *plugin.ProfileData) error
	Command(name string, args []json.RawMessage) (json.RawMessage, error)
	Filter(call plugin.FilterCall) (json.RawMessage, error)
}

// ProfileListener is optionally implemented to receive profile switches.
type ProfileListener interface {
	ProfileChanged(profile *plugin.ProfileData)
}

// Serve is called by plugin executables to serve the extension.
func Serve(impl Extension) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			PluginName: &ExtensionPlugin{Impl: impl},
		},
	})
}

// ExtensionPlugin is the go-plugin.Plugin implementation.
type ExtensionPlugin struct {
	Impl Extension
}

// Server returns the RPC server for the plugin (plugin side).
func (p *ExtensionPlugin) Server(b *goplugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl, broker: b}, nil
}

// Client returns the RPC client for the plugin (host side).
func (p *ExtensionPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c, broker: b}, nil
}

// RunRequest starts the extension. HostID is the broker stream the host
// serves its callbacks on.
type RunRequest struct {
	HostID    uint32
	Profile   *plugin.ProfileData
	Accessors []string
}

// ProfileRequest carries a profile switch; a nil Profile means flushed.
type ProfileRequest struct {
	Profile *plugin.ProfileData
}

// Ack is the reply of calls without a result. gob cannot encode field-less
// structs.
type Ack struct {
	OK bool
}

// RPCClient is the RPC client implementation (host side).
type RPCClient struct {
	client *rpc.Client
	broker *goplugin.MuxBroker
}

// Broker returns the connection broker used for host callbacks.
func (c *RPCClient) Broker() *goplugin.MuxBroker {
	return c.broker
}

func (c *RPCClient) Run(req RunRequest) error {
	var resp plugin.CallResult
	if err := c.client.Call("Plugin.Run", req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

func (c *RPCClient) Command(call plugin.CommandCall) (plugin.CallResult, error) {
	var resp plugin.CallResult
	err := c.client.Call("Plugin.Command", call, &resp)
	return resp, err
}

func (c *RPCClient) Filter(call plugin.FilterCall) (plugin.CallResult, error) {
	var resp plugin.CallResult
	err := c.client.Call("Plugin.Filter", call, &resp)
	return resp, err
}

func (c *RPCClient) Profile(p *plugin.ProfileData) error {
	return c.client.Call("Plugin.Profile", ProfileRequest{Profile: p}, &Ack{})
}

// RPCServer is the RPC server implementation (plugin side).
type RPCServer struct {
	Impl   Extension
	broker *goplugin.MuxBroker
}

func (s *RPCServer) Run(req RunRequest, resp *plugin.CallResult) error {
	conn, err := s.broker.Dial(req.HostID)
	if err != nil {
		return fmt.Errorf("dial host: %w", err)
	}
	host := NewHost(rpc.NewClient(conn), req.Accessors)
	if err := s.Impl.Run(host, req.Profile); err != nil {
		resp.Error = err.Error()
	}
	return nil
}

func (s *RPCServer) Command(req plugin.CommandCall, resp *plugin.CallResult) error {
	result, err := s.Impl.Command(req.Name, req.Args)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Value = result
	return nil
}

func (s *RPCServer) Filter(req plugin.FilterCall, resp *plugin.CallResult) error {
	result, err := s.Impl.Filter(req)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Value = result
	return nil
}

func (s *RPCServer) Profile(req ProfileRequest, resp *Ack) error {
	if l, ok := s.Impl.(ProfileListener); ok {
		l.ProfileChanged(req.Profile)
	}
	resp.OK = true
	return nil
}
