// Package plugin is the host side of the plugin runtime: controllers, the
// manager and the failure log. Public plugin types are re-exported from
// pkg/plugin so host code only needs this import.
package plugin

import (
	"context"
	"errors"
	"fmt"

	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

// Type aliases for the pkg/plugin types.

type Manifest = pkgplugin.Manifest
type Capability = pkgplugin.Capability
type Entry = pkgplugin.Entry
type Sandbox = pkgplugin.Sandbox
type Profile = pkgplugin.Profile
type Wallet = pkgplugin.Wallet

var (
	ErrPluginNotFound  = errors.New("plugin not found")
	ErrDuplicatePlugin = errors.New("plugin already registered")
)

// PanicError wraps a panic raised by a plugin entry function.
type PanicError struct {
	Plugin string
	Value  any
	Stack  []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("plugin %q panicked: %v", e.Plugin, e.Value)
}

type runIDKeyType struct{}

var runIDKey = runIDKeyType{}

// ContextWithRunID tags ctx with the id of a run pass.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext returns the run pass id, or "".
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey).(string); ok {
		return v
	}
	return ""
}
