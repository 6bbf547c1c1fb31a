package plugin

import (
	"context"
	"net/http"
	"time"
)

// Wallet is a read-only wallet snapshot.
type Wallet struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Coin    string `json:"coin"`
	Address string `json:"address"`
}

// Profile is the host's user profile as seen by the plugin runtime.
type Profile interface {
	ID() string
	Name() string
	Wallets() []Wallet
	ExchangeCurrency() string
	Locale() string
}

// HTTPResponse is the result of a network call made through HTTPAPI.
type HTTPResponse struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body"`
}

// HTTPAPI is exposed under AccessorHTTP. Every call is checked against the
// manifest URL allow-list.
type HTTPAPI interface {
	Get(ctx context.Context, url string) (*HTTPResponse, error)
	Post(ctx context.Context, url, contentType string, body []byte) (*HTTPResponse, error)
	// Create returns a client bound to the same allow-list with a different timeout.
	Create(timeout time.Duration) HTTPAPI
}

// SignedMessage is the outcome of a confirmed signing dialog.
type SignedMessage struct {
	WalletID  string `json:"walletId"`
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// SignDialog is a signing request bound to one wallet. The user confirms or
// rejects it outside the plugin.
type SignDialog interface {
	Open(ctx context.Context, message string) error
	Close()
	IsOpen() bool
	// Result blocks until the user answers, the dialog is closed, or ctx is done.
	Result(ctx context.Context) (SignedMessage, error)
}

// MessageAPI is exposed under AccessorMessage.
type MessageAPI interface {
	SignDialog(walletID string) SignDialog
}

// ProfileAPI is exposed under AccessorProfile. Values reflect whichever profile is
// currently active for the plugin; all methods return zero values while none is.
type ProfileAPI interface {
	ID() string
	Wallets() []Wallet
	ExchangeCurrency() string
	Locale() string
}
