package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/walletplug/internal/plugin/services"
	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

type testProfile struct {
	id      string
	wallets []Wallet
}

func (p *testProfile) ID() string               { return p.id }
func (p *testProfile) Name() string             { return p.id }
func (p *testProfile) Wallets() []Wallet        { return p.wallets }
func (p *testProfile) ExchangeCurrency() string { return "USD" }
func (p *testProfile) Locale() string           { return "en-US" }

func testRegistry(t *testing.T) *services.Registry {
	t.Helper()
	r := services.NewRegistry(nil, nil)
	require.NoError(t, r.Register(
		services.NewNetworkProvider(),
		services.NewMessageProvider(nil, nil),
		services.NewProfileProvider(),
	))
	require.NoError(t, r.Boot())
	return r
}

func manifest(name string, perms ...Capability) Manifest {
	return Manifest{Name: name, Version: "1.0.0", Permissions: perms}
}

func TestControllerRunRequiresEnablement(t *testing.T) {
	calls := 0
	c := NewController(manifest("p"), func(ctx context.Context, sb *Sandbox) error {
		calls++
		return nil
	}, testRegistry(t))

	alice := &testProfile{id: "alice"}
	err := c.Run(context.Background(), alice)
	require.ErrorIs(t, err, pkgplugin.ErrNotEnabled)
	assert.Zero(t, calls)

	c.Enable(alice)
	require.NoError(t, c.Run(context.Background(), alice))
	assert.Equal(t, 1, calls)

	bob := &testProfile{id: "bob"}
	assert.ErrorIs(t, c.Run(context.Background(), bob), pkgplugin.ErrNotEnabled)
	assert.Equal(t, 1, calls)
}

func TestControllerSandboxMatchesPermissions(t *testing.T) {
	reg := testRegistry(t)
	var got []string
	c := NewController(manifest("p", pkgplugin.CapabilityHTTP, pkgplugin.CapabilityProfile), func(ctx context.Context, sb *Sandbox) error {
		got = sb.Accessors()
		_, hasMsg := sb.Message()
		assert.False(t, hasMsg)
		return nil
	}, reg)

	alice := &testProfile{id: "alice"}
	c.Enable(alice)
	require.NoError(t, c.Run(context.Background(), alice))
	assert.Equal(t, []string{"http", "profile"}, got)
}

func TestControllerRunBroadcastsProfile(t *testing.T) {
	var seen string
	c := NewController(manifest("p", pkgplugin.CapabilityProfile), func(ctx context.Context, sb *Sandbox) error {
		api, ok := sb.Profile()
		require.True(t, ok)
		// The profile is set before the entry runs.
		seen = api.ID()
		return nil
	}, testRegistry(t))

	alice := &testProfile{id: "alice"}
	c.Enable(alice)
	require.NoError(t, c.Run(context.Background(), alice))
	assert.Equal(t, "alice", seen)
	assert.Equal(t, "alice", c.Hooks().Profile().ID())
}

func TestControllerEntryErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	c := NewController(manifest("p"), func(ctx context.Context, sb *Sandbox) error { return boom }, nil)
	alice := &testProfile{id: "alice"}
	c.Enable(alice)
	assert.ErrorIs(t, c.Run(context.Background(), alice), boom)
	assert.Equal(t, StateEnabled, c.State())
}

func TestControllerPanicBecomesError(t *testing.T) {
	c := NewController(manifest("p"), func(ctx context.Context, sb *Sandbox) error { panic("kaboom") }, nil)
	alice := &testProfile{id: "alice"}
	c.Enable(alice)

	err := c.Run(context.Background(), alice)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "p", pe.Plugin)
	assert.Equal(t, "kaboom", pe.Value)
}

func TestControllerDisableClearsHooks(t *testing.T) {
	reg := testRegistry(t)
	events := reg.Lifecycle().Subscribe("p")

	c := NewController(manifest("p"), func(ctx context.Context, sb *Sandbox) error {
		if err := sb.Hooks().RegisterCommand("ping", func(args ...any) (any, error) { return "pong", nil }); err != nil {
			return err
		}
		return sb.Hooks().AddFilter("wallet", "title", func(c, _ any) any { return "x" })
	}, reg)

	alice := &testProfile{id: "alice"}
	c.Enable(alice, WithAutoRun(true))
	assert.True(t, c.AutoRun(alice))
	require.NoError(t, c.Run(context.Background(), alice))
	assert.Equal(t, StateRunning, c.State())
	require.True(t, c.Hooks().HasCommand("ping"))

	c.Disable(alice)
	assert.False(t, c.IsEnabled(alice))
	assert.False(t, c.Hooks().HasCommand("ping"))
	assert.False(t, c.Hooks().HasFilter("wallet", "title"))
	assert.Nil(t, c.Hooks().Profile())
	assert.Equal(t, StateRegistered, c.State())

	var types []services.EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []services.EventType{services.EventEnabled, services.EventRan, services.EventDisabled}, types)
}

func TestControllerRerunAfterDisable(t *testing.T) {
	c := NewController(manifest("p"), func(ctx context.Context, sb *Sandbox) error {
		return sb.Hooks().RegisterCommand("ping", func(args ...any) (any, error) { return nil, nil })
	}, nil)
	alice := &testProfile{id: "alice"}

	c.Enable(alice)
	require.NoError(t, c.Run(context.Background(), alice))
	c.Disable(alice)
	c.Enable(alice)
	// Hooks were cleared, so registering the same command again succeeds.
	require.NoError(t, c.Run(context.Background(), alice))
}

func TestControllerRerunReplacesHooks(t *testing.T) {
	runs := 0
	c := NewController(manifest("p"), func(ctx context.Context, sb *Sandbox) error {
		runs++
		if runs == 1 {
			if err := sb.Hooks().AddFilter("wallet", "title", func(c, _ any) any { return "first" }); err != nil {
				return err
			}
		}
		return sb.Hooks().RegisterCommand("ping", func(args ...any) (any, error) { return runs, nil })
	}, nil)
	alice := &testProfile{id: "alice"}
	c.Enable(alice)

	require.NoError(t, c.Run(context.Background(), alice))
	require.NoError(t, c.Run(context.Background(), alice))
	assert.Equal(t, StateRunning, c.State())
	assert.False(t, c.Hooks().HasFilter("wallet", "title"), "hooks of the previous run are dropped")
	got, err := c.Hooks().ExecuteCommand("ping")
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestControllerConfigIsACopy(t *testing.T) {
	c := NewController(manifest("p", pkgplugin.CapabilityHTTP), nil, nil)
	cfg := c.Config()
	cfg.Permissions[0] = pkgplugin.CapabilityMessage
	assert.True(t, c.Config().HasPermission(pkgplugin.CapabilityHTTP))
	assert.False(t, c.Config().HasPermission(pkgplugin.CapabilityMessage))
}

func TestControllerEnabledPerProfile(t *testing.T) {
	c := NewController(manifest("p"), nil, nil)
	alice, bob := &testProfile{id: "alice"}, &testProfile{id: "bob"}

	c.Enable(bob)
	c.Enable(alice)
	assert.Equal(t, []string{"alice", "bob"}, c.EnabledProfiles())
	assert.False(t, c.IsEnabled(nil))

	c.Disable(bob)
	assert.True(t, c.IsEnabled(alice))
	assert.False(t, c.IsEnabled(bob))

	err := c.Run(context.Background(), alice)
	assert.ErrorContains(t, err, "no entry function")
}
