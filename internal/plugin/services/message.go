package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goatkit/walletplug/pkg/plugin"
)

// SignRequest is what the host shows the user when a plugin asks for a signature.
type SignRequest struct {
	Plugin  string
	Profile string
	Wallet  plugin.Wallet
	Message string
}

// Presenter asks the user to confirm a signing request and performs the
// signature. It blocks until the user answers or ctx is cancelled.
type Presenter interface {
	PresentSignRequest(ctx context.Context, req SignRequest) (plugin.SignedMessage, error)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, req SignRequest) (plugin.SignedMessage, error)

func (f PresenterFunc) PresentSignRequest(ctx context.Context, req SignRequest) (plugin.SignedMessage, error) {
	return f(ctx, req)
}

// MessageProvider backs the "message" accessor. It adds no scoping beyond the
// capability grant; the user confirms every signature.
type MessageProvider struct {
	presenter Presenter
	logger    *slog.Logger
}

// NewMessageProvider creates the message signing service.
func NewMessageProvider(presenter Presenter, logger *slog.Logger) *MessageProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageProvider{presenter: presenter, logger: logger}
}

// Config implements Provider.
func (p *MessageProvider) Config() ServiceConfig {
	return ServiceConfig{Accessor: plugin.AccessorMessage, ID: plugin.CapabilityMessage}
}

// API implements Provider.
func (p *MessageProvider) API(c Controller) any {
	return &messageAPI{provider: p, ctrl: c}
}

type messageAPI struct {
	provider *MessageProvider
	ctrl     Controller
}

func (m *messageAPI) SignDialog(walletID string) plugin.SignDialog {
	return &signDialog{provider: m.provider, ctrl: m.ctrl, walletID: walletID}
}

type signDialog struct {
	provider *MessageProvider
	ctrl     Controller
	walletID string

	mu     sync.Mutex
	open   bool
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
	result plugin.SignedMessage
	err    error
}

// Open resolves the wallet in the plugin's active profile and hands the request
// to the presenter. It returns once the dialog is shown.
func (d *signDialog) Open(ctx context.Context, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		return plugin.ErrDialogOpen
	}
	profile := d.ctrl.Hooks().Profile()
	if profile == nil {
		return fmt.Errorf("plugin %q: %w", d.ctrl.Name(), plugin.ErrNoProfile)
	}
	wallet, ok := findWallet(profile.Wallets(), d.walletID)
	if !ok {
		return fmt.Errorf("plugin %q: wallet %q: %w", d.ctrl.Name(), d.walletID, plugin.ErrUnknownWallet)
	}
	if d.provider.presenter == nil {
		return fmt.Errorf("plugin %q: no sign presenter configured", d.ctrl.Name())
	}

	req := SignRequest{
		Plugin:  d.ctrl.Name(),
		Profile: profile.ID(),
		Wallet:  wallet,
		Message: message,
	}
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	d.open = true
	d.closed = false
	d.cancel = cancel
	d.done = done
	d.result = plugin.SignedMessage{}
	d.err = nil

	d.provider.logger.Info("sign dialog opened", "plugin", req.Plugin, "wallet", wallet.ID)

	go func() {
		res, err := d.provider.presenter.PresentSignRequest(dctx, req)

		d.mu.Lock()
		if d.closed {
			res, err = plugin.SignedMessage{}, plugin.ErrDialogClosed
		}
		d.result, d.err = res, err
		d.open = false
		d.mu.Unlock()

		cancel()
		close(done)
	}()
	return nil
}

// Close dismisses an open dialog; a pending Result returns ErrDialogClosed.
func (d *signDialog) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return
	}
	d.closed = true
	d.cancel()
}

func (d *signDialog) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *signDialog) Result(ctx context.Context) (plugin.SignedMessage, error) {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	if done == nil {
		return plugin.SignedMessage{}, plugin.ErrDialogNotOpen
	}
	select {
	case <-done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.result, d.err
	case <-ctx.Done():
		return plugin.SignedMessage{}, ctx.Err()
	}
}

func findWallet(wallets []plugin.Wallet, id string) (plugin.Wallet, bool) {
	for _, w := range wallets {
		if w.ID == id {
			return w, true
		}
	}
	return plugin.Wallet{}, false
}
