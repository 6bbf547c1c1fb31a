package procutil

import (
	"encoding/json"
	"fmt"
	"net/rpc"
	"slices"
	"time"

	"github.com/goatkit/walletplug/pkg/plugin"
)

// HostRequest is a generic host call.
type HostRequest struct {
	Method string
	Args   json.RawMessage
}

// RegisterCommandRequest registers a command proxied to the extension.
type RegisterCommandRequest struct {
	Name string
}

// AddFilterRequest registers a filter proxied to the extension.
type AddFilterRequest struct {
	Namespace string
	Hook      string
}

// LogRequest writes a line to the host log.
type LogRequest struct {
	Level   string
	Message string
}

// Host is the plugin-side client for calls back to the host. Only methods for
// granted capabilities succeed.
type Host struct {
	client    *rpc.Client
	accessors []string
}

// NewHost wraps an RPC client connected to the host callback server.
func NewHost(client *rpc.Client, accessors []string) *Host {
	return &Host{client: client, accessors: accessors}
}

// Accessors lists the capabilities the host granted, e.g. "http".
func (h *Host) Accessors() []string {
	return slices.Clone(h.accessors)
}

// Granted reports whether accessor was granted.
func (h *Host) Granted(accessor string) bool {
	return slices.Contains(h.accessors, accessor)
}

// RegisterCommand exposes a command on the plugin's hook bus. Calls are routed
// back to Extension.Command.
func (h *Host) RegisterCommand(name string) error {
	return h.client.Call("Plugin.RegisterCommand", RegisterCommandRequest{Name: name}, &Ack{})
}

// AddFilter appends a filter to namespace/hook. Calls are routed back to
// Extension.Filter.
func (h *Host) AddFilter(namespace, hook string) error {
	return h.client.Call("Plugin.AddFilter", AddFilterRequest{Namespace: namespace, Hook: hook}, &Ack{})
}

// Log writes a log entry via the host.
func (h *Host) Log(level, message string) {
	h.client.Call("Plugin.Log", LogRequest{Level: level, Message: message}, &Ack{}) //nolint:errcheck
}

// Call makes a raw host call.
func (h *Host) Call(method string, args any) (json.RawMessage, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	var resp plugin.CallResult
	if err := h.client.Call("Plugin.Call", HostRequest{Method: method, Args: argsJSON}, &resp); err != nil {
		return nil, fmt.Errorf("host rpc: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("host: %s", resp.Error)
	}
	return resp.Value, nil
}

// Get fetches url through the host's network service.
func (h *Host) Get(url string, timeout time.Duration) (*plugin.HTTPResponse, error) {
	return h.http(plugin.MethodHTTPGet, plugin.HTTPCall{URL: url, TimeoutMS: timeout.Milliseconds()})
}

// Post sends body to url through the host's network service.
func (h *Host) Post(url, contentType string, body []byte, timeout time.Duration) (*plugin.HTTPResponse, error) {
	return h.http(plugin.MethodHTTPPost, plugin.HTTPCall{URL: url, ContentType: contentType, Body: body, TimeoutMS: timeout.Milliseconds()})
}

func (h *Host) http(method string, call plugin.HTTPCall) (*plugin.HTTPResponse, error) {
	result, err := h.Call(method, call)
	if err != nil {
		return nil, err
	}
	var resp plugin.HTTPResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// Sign asks the user to sign message with a wallet of the active profile and
// waits for the answer.
func (h *Host) Sign(walletID, message string) (plugin.SignedMessage, error) {
	var signed plugin.SignedMessage
	result, err := h.Call(plugin.MethodMessageSign, plugin.SignCall{WalletID: walletID, Message: message})
	if err != nil {
		return signed, err
	}
	err = json.Unmarshal(result, &signed)
	return signed, err
}

// Profile returns the active profile, or nil when none is active.
func (h *Host) Profile() (*plugin.ProfileData, error) {
	result, err := h.Call(plugin.MethodProfileGet, nil)
	if err != nil {
		return nil, err
	}
	var data *plugin.ProfileData
	if err := json.Unmarshal(result, &data); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return data, nil
}
