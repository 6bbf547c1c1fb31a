package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goatkit/walletplug/internal/plugin/services"
	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

// ErrNoSignRequest is returned when answering an unknown or settled request.
var ErrNoSignRequest = errors.New("no such sign request")

// PendingSign is a signing request waiting for the user.
type PendingSign struct {
	ID        string           `json:"id"`
	Plugin    string           `json:"plugin"`
	Profile   string           `json:"profile"`
	Wallet    pkgplugin.Wallet `json:"wallet"`
	Message   string           `json:"message"`
	CreatedAt time.Time        `json:"createdAt"`
}

type signAnswer struct {
	signature string
	approved  bool
}

// SignQueue is a services.Presenter that parks signing requests until a
// client answers them through the control API. The signature itself is made
// by the client's wallet.
type SignQueue struct {
	mu      sync.Mutex
	pending map[string]*queuedSign
}

type queuedSign struct {
	PendingSign
	answer chan signAnswer
}

// NewSignQueue creates an empty queue.
func NewSignQueue() *SignQueue {
	return &SignQueue{pending: make(map[string]*queuedSign)}
}

// PresentSignRequest implements services.Presenter.
func (q *SignQueue) PresentSignRequest(ctx context.Context, req services.SignRequest) (pkgplugin.SignedMessage, error) {
	item := &queuedSign{
		PendingSign: PendingSign{
			ID:        uuid.NewString(),
			Plugin:    req.Plugin,
			Profile:   req.Profile,
			Wallet:    req.Wallet,
			Message:   req.Message,
			CreatedAt: time.Now(),
		},
		answer: make(chan signAnswer, 1),
	}

	q.mu.Lock()
	q.pending[item.ID] = item
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.pending, item.ID)
		q.mu.Unlock()
	}()

	select {
	case ans := <-item.answer:
		if !ans.approved {
			return pkgplugin.SignedMessage{}, fmt.Errorf("plugin %q: %w", req.Plugin, pkgplugin.ErrSignRejected)
		}
		return pkgplugin.SignedMessage{
			WalletID:  req.Wallet.ID,
			Address:   req.Wallet.Address,
			Message:   req.Message,
			Signature: ans.signature,
		}, nil
	case <-ctx.Done():
		return pkgplugin.SignedMessage{}, ctx.Err()
	}
}

// Pending lists open requests, oldest first.
func (q *SignQueue) Pending() []PendingSign {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingSign, 0, len(q.pending))
	for _, item := range q.pending {
		out = append(out, item.PendingSign)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Answer settles request id. An approval must carry the wallet's signature.
func (q *SignQueue) Answer(id string, approved bool, signature string) error {
	if approved && signature == "" {
		return errors.New("approval requires a signature")
	}
	q.mu.Lock()
	item, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSignRequest, id)
	}
	item.answer <- signAnswer{signature: signature, approved: approved}
	return nil
}
