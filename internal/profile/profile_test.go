package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/walletplug/pkg/plugin"
)

func TestRepository(t *testing.T) {
	repo, err := NewRepository([]Profile{
		{ProfileID: "bob", Currency: "EUR"},
		{ProfileID: "alice", DisplayName: "Alice", WalletList: []plugin.Wallet{{ID: "w1", Coin: "BTC"}}},
	})
	require.NoError(t, err)

	alice, err := repo.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", alice.Name())
	assert.Len(t, alice.Wallets(), 1)

	// Wallets hands out a copy.
	alice.Wallets()[0].ID = "mutated"
	assert.Equal(t, "w1", alice.Wallets()[0].ID)

	bob, err := repo.Get("bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", bob.Name(), "name defaults to the id")
	assert.Equal(t, "EUR", bob.ExchangeCurrency())

	_, err = repo.Get("carol")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Put(Profile{ProfileID: "carol"}))
	ids := []string{}
	for _, p := range repo.List() {
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, ids)
	assert.Error(t, repo.Put(Profile{}))
}

func TestNewRepositoryRejectsBadIDs(t *testing.T) {
	_, err := NewRepository([]Profile{{}})
	assert.Error(t, err)

	_, err = NewRepository([]Profile{{ProfileID: "a"}, {ProfileID: "a"}})
	assert.ErrorContains(t, err, "defined twice")
}
