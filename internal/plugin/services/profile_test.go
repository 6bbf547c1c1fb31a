package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/walletplug/pkg/plugin"
)

func TestProfileViewFollowsBroadcast(t *testing.T) {
	provider := NewProfileProvider()
	c := newFakeController("viewer", plugin.CapabilityProfile)

	view := provider.API(c).(plugin.ProfileAPI)
	assert.Empty(t, view.ID(), "no profile broadcast yet")

	c.bus.SetProfile(&testProfile{
		id:       "alice",
		wallets:  []plugin.Wallet{{ID: "w1"}},
		currency: "EUR",
		locale:   "fr_fr",
	})
	assert.Equal(t, "alice", view.ID())
	assert.Equal(t, "EUR", view.ExchangeCurrency())
	assert.Equal(t, "fr-FR", view.Locale())
	require.Len(t, view.Wallets(), 1)

	c.bus.SetProfile(&testProfile{id: "bob", currency: "USD", locale: "en"})
	assert.Equal(t, "bob", view.ID())
	assert.Empty(t, view.Wallets())

	c.bus.FlushProfile()
	assert.Empty(t, view.ID())
	assert.Empty(t, view.ExchangeCurrency())
}

func TestProfileViewSeededFromCurrentProfile(t *testing.T) {
	provider := NewProfileProvider()
	c := newFakeController("late", plugin.CapabilityProfile)
	c.bus.SetProfile(&testProfile{id: "carol"})

	view := provider.API(c).(plugin.ProfileAPI)
	assert.Equal(t, "carol", view.ID())
}

func TestProfileViewIsStablePerPlugin(t *testing.T) {
	provider := NewProfileProvider()
	c := newFakeController("same", plugin.CapabilityProfile)
	assert.Same(t, provider.API(c), provider.API(c))
	assert.Equal(t, 1, provider.Views())
}

func TestProfileProviderReleasesOnDisable(t *testing.T) {
	r := NewRegistry(nil, nil)
	provider := NewProfileProvider()
	require.NoError(t, r.Register(provider))
	require.NoError(t, r.Boot())

	c := newFakeController("gone", plugin.CapabilityProfile)
	view := provider.API(c).(plugin.ProfileAPI)
	c.bus.SetProfile(&testProfile{id: "alice"})
	require.Equal(t, 1, provider.Views())

	r.Lifecycle().Publish(LifecycleEvent{Type: EventDisabled, Plugin: "gone"})
	assert.Equal(t, 0, provider.Views())

	// The released view no longer follows the bus.
	c.bus.SetProfile(&testProfile{id: "bob"})
	assert.Equal(t, "alice", view.ID())

	// Other plugins' events leave views alone.
	provider.API(c)
	r.Lifecycle().Publish(LifecycleEvent{Type: EventRemoved, Plugin: "other"})
	assert.Equal(t, 1, provider.Views())
}

func TestCanonicalLocale(t *testing.T) {
	assert.Equal(t, "en-US", canonicalLocale("en-us"))
	assert.Equal(t, "", canonicalLocale(""))
	assert.Equal(t, "not a locale!", canonicalLocale("not a locale!"))
}
