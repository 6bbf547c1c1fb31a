package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

// Host call methods available to out-of-process and wasm plugins.
const (
	MethodHTTPGet     = pkgplugin.MethodHTTPGet
	MethodHTTPPost    = pkgplugin.MethodHTTPPost
	MethodMessageSign = pkgplugin.MethodMessageSign
	MethodProfileGet  = pkgplugin.MethodProfileGet
)

// ErrUnknownMethod is returned for host calls naming no known method.
var ErrUnknownMethod = errors.New("unknown host method")

// HostAPI dispatches JSON encoded host calls from a plugin runtime to the
// services in one sandbox.
type HostAPI struct {
	plugin string
	sb     *Sandbox
	logger *slog.Logger
}

// NewHostAPI binds host calls for the named plugin to sb.
func NewHostAPI(pluginName string, sb *Sandbox, logger *slog.Logger) *HostAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostAPI{plugin: pluginName, sb: sb, logger: logger.With("plugin", pluginName)}
}

// Methods lists the host methods this sandbox grants.
func (h *HostAPI) Methods() []string {
	var out []string
	if _, ok := h.sb.HTTP(); ok {
		out = append(out, MethodHTTPGet, MethodHTTPPost)
	}
	if _, ok := h.sb.Message(); ok {
		out = append(out, MethodMessageSign)
	}
	if _, ok := h.sb.Profile(); ok {
		out = append(out, MethodProfileGet)
	}
	return out
}

// Call runs method with a JSON payload and returns the JSON encoded value.
// Methods whose capability was not granted are reported as not allowed.
func (h *HostAPI) Call(ctx context.Context, method string, payload []byte) (json.RawMessage, error) {
	accessor, _, _ := strings.Cut(method, ".")
	if _, granted := h.sb.API(accessor); !granted {
		switch method {
		case MethodHTTPGet, MethodHTTPPost, MethodMessageSign, MethodProfileGet:
			return nil, fmt.Errorf("plugin %q: %s: capability %q not granted", h.plugin, method, accessor)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}

	switch method {
	case MethodHTTPGet, MethodHTTPPost:
		return h.http(ctx, method, payload)
	case MethodMessageSign:
		return h.sign(ctx, payload)
	case MethodProfileGet:
		return h.profile()
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
}

func (h *HostAPI) http(ctx context.Context, method string, payload []byte) (json.RawMessage, error) {
	api, _ := h.sb.HTTP()
	var req pkgplugin.HTTPCall
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%s: invalid payload: %w", method, err)
	}
	if req.TimeoutMS > 0 {
		api = api.Create(time.Duration(req.TimeoutMS) * time.Millisecond)
	}

	var (
		resp *pkgplugin.HTTPResponse
		err  error
	)
	if method == MethodHTTPGet {
		resp, err = api.Get(ctx, req.URL)
	} else {
		resp, err = api.Post(ctx, req.URL, req.ContentType, req.Body)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func (h *HostAPI) sign(ctx context.Context, payload []byte) (json.RawMessage, error) {
	api, _ := h.sb.Message()
	var req pkgplugin.SignCall
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%s: invalid payload: %w", MethodMessageSign, err)
	}

	dialog := api.SignDialog(req.WalletID)
	if err := dialog.Open(ctx, req.Message); err != nil {
		return nil, err
	}
	signed, err := dialog.Result(ctx)
	if err != nil {
		dialog.Close()
		return nil, err
	}
	return json.Marshal(signed)
}

func (h *HostAPI) profile() (json.RawMessage, error) {
	api, _ := h.sb.Profile()
	if api.ID() == "" {
		return json.Marshal(nil)
	}
	return json.Marshal(pkgplugin.ProfileData{
		ID:               api.ID(),
		Wallets:          api.Wallets(),
		ExchangeCurrency: api.ExchangeCurrency(),
		Locale:           api.Locale(),
	})
}

// Log writes a plugin log line through the host logger.
func (h *HostAPI) Log(level, message string) {
	switch strings.ToLower(level) {
	case "debug":
		h.logger.Debug(message)
	case "warn", "warning":
		h.logger.Warn(message)
	case "error":
		h.logger.Error(message)
	default:
		h.logger.Info(message)
	}
}
