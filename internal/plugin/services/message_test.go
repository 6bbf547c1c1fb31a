package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/walletplug/pkg/plugin"
)

// confirmingPresenter waits for the test to answer each request.
type confirmingPresenter struct {
	requests chan SignRequest
	answers  chan error
}

func newConfirmingPresenter() *confirmingPresenter {
	return &confirmingPresenter{requests: make(chan SignRequest, 1), answers: make(chan error, 1)}
}

func (p *confirmingPresenter) PresentSignRequest(ctx context.Context, req SignRequest) (plugin.SignedMessage, error) {
	p.requests <- req
	select {
	case err := <-p.answers:
		if err != nil {
			return plugin.SignedMessage{}, err
		}
		return plugin.SignedMessage{
			WalletID:  req.Wallet.ID,
			Address:   req.Wallet.Address,
			Message:   req.Message,
			Signature: "sig:" + req.Message,
		}, nil
	case <-ctx.Done():
		return plugin.SignedMessage{}, ctx.Err()
	}
}

func messageFixture(t *testing.T) (*confirmingPresenter, plugin.MessageAPI, *fakeController) {
	t.Helper()
	presenter := newConfirmingPresenter()
	provider := NewMessageProvider(presenter, nil)
	c := newFakeController("signer", plugin.CapabilityMessage)
	c.bus.SetProfile(&testProfile{
		id:      "alice",
		wallets: []plugin.Wallet{{ID: "w1", Coin: "BTC", Address: "bc1qxyz"}},
	})
	return presenter, provider.API(c).(plugin.MessageAPI), c
}

func TestSignDialogConfirmed(t *testing.T) {
	presenter, api, _ := messageFixture(t)
	dialog := api.SignDialog("w1")
	ctx := context.Background()

	require.NoError(t, dialog.Open(ctx, "hello"))
	assert.True(t, dialog.IsOpen())
	assert.ErrorIs(t, dialog.Open(ctx, "again"), plugin.ErrDialogOpen)

	req := <-presenter.requests
	assert.Equal(t, "signer", req.Plugin)
	assert.Equal(t, "alice", req.Profile)
	assert.Equal(t, "bc1qxyz", req.Wallet.Address)

	presenter.answers <- nil
	res, err := dialog.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sig:hello", res.Signature)
	assert.False(t, dialog.IsOpen())
}

func TestSignDialogClosed(t *testing.T) {
	presenter, api, _ := messageFixture(t)
	dialog := api.SignDialog("w1")

	require.NoError(t, dialog.Open(context.Background(), "hello"))
	<-presenter.requests
	dialog.Close()

	_, err := dialog.Result(context.Background())
	assert.ErrorIs(t, err, plugin.ErrDialogClosed)

	// A closed dialog can be reopened.
	require.NoError(t, dialog.Open(context.Background(), "second"))
	<-presenter.requests
	presenter.answers <- nil
	res, err := dialog.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", res.Message)
}

func TestSignDialogResultHonoursContext(t *testing.T) {
	presenter, api, _ := messageFixture(t)
	dialog := api.SignDialog("w1")
	require.NoError(t, dialog.Open(context.Background(), "hello"))
	<-presenter.requests

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := dialog.Result(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, dialog.IsOpen(), "timing out the wait must not close the dialog")
	dialog.Close()
}

func TestSignDialogErrors(t *testing.T) {
	t.Run("result before open", func(t *testing.T) {
		_, api, _ := messageFixture(t)
		_, err := api.SignDialog("w1").Result(context.Background())
		assert.ErrorIs(t, err, plugin.ErrDialogNotOpen)
	})

	t.Run("unknown wallet", func(t *testing.T) {
		_, api, _ := messageFixture(t)
		err := api.SignDialog("nope").Open(context.Background(), "x")
		assert.ErrorIs(t, err, plugin.ErrUnknownWallet)
	})

	t.Run("no active profile", func(t *testing.T) {
		_, api, c := messageFixture(t)
		c.bus.FlushProfile()
		err := api.SignDialog("w1").Open(context.Background(), "x")
		assert.ErrorIs(t, err, plugin.ErrNoProfile)
	})
}
