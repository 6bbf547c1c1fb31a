// Package example provides a native example plugin. Importing the package
// registers it with the runtime under the name "hello".
package example

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goatkit/walletplug/internal/plugin/runtime"
	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

// Name is the install id of the hello plugin.
const Name = "hello"

func init() {
	runtime.RegisterNative(Name, NewHelloPlugin().Entry)
}

// Manifest returns the manifest a hello plugin directory declares.
func Manifest() pkgplugin.Manifest {
	return pkgplugin.Manifest{
		Name:        Name,
		Version:     "1.0.0",
		Runtime:     pkgplugin.RuntimeNative,
		Permissions: []pkgplugin.Capability{pkgplugin.CapabilityProfile},
		Title:       "Hello",
		Description: "A simple hello world plugin for testing",
		Author:      "GoatKit Team",
		License:     "Apache-2.0",
	}
}

// HelloPlugin greets the active profile and decorates wallet titles with the
// profile's exchange currency.
type HelloPlugin struct {
	callCount atomic.Int64
}

// NewHelloPlugin creates a new hello plugin instance.
func NewHelloPlugin() *HelloPlugin {
	return &HelloPlugin{}
}

// Entry registers the plugin's commands and filters.
func (p *HelloPlugin) Entry(ctx context.Context, sb *pkgplugin.Sandbox) error {
	profile, _ := sb.Profile()
	hooks := sb.Hooks()

	if err := hooks.RegisterCommand("hello", func(args ...any) (any, error) {
		p.callCount.Add(1)
		return p.handleHello(profile, args), nil
	}); err != nil {
		return err
	}
	if err := hooks.RegisterCommand("stats", func(args ...any) (any, error) {
		return map[string]any{"call_count": p.callCount.Load()}, nil
	}); err != nil {
		return err
	}
	return hooks.AddFilter("wallet", "title", func(content, hookCtx any) any {
		title, ok := content.(string)
		if !ok || profile == nil || profile.ExchangeCurrency() == "" {
			return content
		}
		return fmt.Sprintf("%s (%s)", title, profile.ExchangeCurrency())
	})
}

func (p *HelloPlugin) handleHello(profile pkgplugin.ProfileAPI, args []any) map[string]any {
	name := "World"
	if len(args) > 0 {
		if s, ok := args[0].(string); ok && s != "" {
			name = s
		}
	}
	resp := map[string]any{
		"message":   fmt.Sprintf("Hello, %s!", name),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if profile != nil && profile.ID() != "" {
		resp["profile"] = profile.ID()
		resp["wallets"] = len(profile.Wallets())
	}
	return resp
}
