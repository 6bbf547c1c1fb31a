package plugin

import "encoding/json"

// Wire types shared by the wasm ABI and the subprocess protocol. Values cross
// the boundary as JSON.

// Host call methods. A method is only dispatched when its accessor was granted.
const (
	MethodHTTPGet     = "http.get"
	MethodHTTPPost    = "http.post"
	MethodMessageSign = "message.sign"
	MethodProfileGet  = "profile.get"
)

// ProfileData is a serializable profile snapshot.
type ProfileData struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Wallets          []Wallet `json:"wallets"`
	ExchangeCurrency string   `json:"exchangeCurrency"`
	Locale           string   `json:"locale"`
}

// ProfileDataOf snapshots p. A nil profile yields nil.
func ProfileDataOf(p Profile) *ProfileData {
	if p == nil {
		return nil
	}
	return &ProfileData{
		ID:               p.ID(),
		Name:             p.Name(),
		Wallets:          append([]Wallet(nil), p.Wallets()...),
		ExchangeCurrency: p.ExchangeCurrency(),
		Locale:           p.Locale(),
	}
}

// Profile adapts the snapshot back to the Profile interface. A nil snapshot
// yields a nil Profile.
func (d *ProfileData) Profile() Profile {
	if d == nil {
		return nil
	}
	return dataProfile{d}
}

type dataProfile struct{ d *ProfileData }

func (p dataProfile) ID() string               { return p.d.ID }
func (p dataProfile) Name() string             { return p.d.Name }
func (p dataProfile) Wallets() []Wallet        { return append([]Wallet(nil), p.d.Wallets...) }
func (p dataProfile) ExchangeCurrency() string { return p.d.ExchangeCurrency }
func (p dataProfile) Locale() string           { return p.d.Locale }

// CommandCall invokes a plugin command.
type CommandCall struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args,omitempty"`
}

// FilterCall runs one plugin filter handler.
type FilterCall struct {
	Namespace string          `json:"namespace"`
	Hook      string          `json:"hook"`
	Content   json.RawMessage `json:"content"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// CallResult is the reply to a CommandCall, FilterCall or host call.
type CallResult struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// HTTPCall is the payload of the http.get and http.post host calls.
type HTTPCall struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body,omitempty"`
	TimeoutMS   int64  `json:"timeoutMs,omitempty"`
}

// SignCall is the payload of the message.sign host call.
type SignCall struct {
	WalletID string `json:"walletId"`
	Message  string `json:"message"`
}

// EncodeArgs marshals command arguments.
func EncodeArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// DecodeValue unmarshals a raw value into a generic Go value. Empty input
// yields nil.
func DecodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
