package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

type fakeHTTP struct {
	calls   []string
	timeout time.Duration
}

func (f *fakeHTTP) Get(ctx context.Context, url string) (*pkgplugin.HTTPResponse, error) {
	f.calls = append(f.calls, "GET "+url)
	return &pkgplugin.HTTPResponse{StatusCode: 200, Body: []byte("ok")}, nil
}

func (f *fakeHTTP) Post(ctx context.Context, url, contentType string, body []byte) (*pkgplugin.HTTPResponse, error) {
	f.calls = append(f.calls, "POST "+url+" "+contentType+" "+string(body))
	return &pkgplugin.HTTPResponse{StatusCode: 201}, nil
}

func (f *fakeHTTP) Create(timeout time.Duration) pkgplugin.HTTPAPI {
	f.timeout = timeout
	return f
}

type fakeDialog struct {
	wallet string
	msg    string
	open   bool
}

func (d *fakeDialog) Open(ctx context.Context, message string) error {
	d.msg, d.open = message, true
	return nil
}
func (d *fakeDialog) Close()      { d.open = false }
func (d *fakeDialog) IsOpen() bool { return d.open }
func (d *fakeDialog) Result(ctx context.Context) (pkgplugin.SignedMessage, error) {
	if d.wallet == "cold" {
		return pkgplugin.SignedMessage{}, pkgplugin.ErrDialogClosed
	}
	return pkgplugin.SignedMessage{WalletID: d.wallet, Message: d.msg, Signature: "sig:" + d.msg}, nil
}

type fakeMessage struct{ last *fakeDialog }

func (m *fakeMessage) SignDialog(walletID string) pkgplugin.SignDialog {
	m.last = &fakeDialog{wallet: walletID}
	return m.last
}

type fakeProfileAPI struct{ id string }

func (p fakeProfileAPI) ID() string                  { return p.id }
func (p fakeProfileAPI) Wallets() []pkgplugin.Wallet { return []pkgplugin.Wallet{{ID: "w1"}} }
func (p fakeProfileAPI) ExchangeCurrency() string    { return "EUR" }
func (p fakeProfileAPI) Locale() string              { return "de-DE" }

func TestHostAPIOnlyDispatchesGrantedMethods(t *testing.T) {
	h := NewHostAPI("p", pkgplugin.NewSandbox(nil, map[string]any{
		pkgplugin.AccessorProfile: fakeProfileAPI{id: "alice"},
	}), nil)

	assert.Equal(t, []string{MethodProfileGet}, h.Methods())

	_, err := h.Call(context.Background(), MethodHTTPGet, []byte(`{"url":"https://x"}`))
	assert.ErrorContains(t, err, "not granted")

	_, err = h.Call(context.Background(), "wallet.drain", nil)
	assert.True(t, errors.Is(err, ErrUnknownMethod))

	raw, err := h.Call(context.Background(), MethodProfileGet, nil)
	require.NoError(t, err)
	var data pkgplugin.ProfileData
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.Equal(t, "alice", data.ID)
	assert.Equal(t, "EUR", data.ExchangeCurrency)
}

func TestHostAPIHTTP(t *testing.T) {
	api := &fakeHTTP{}
	h := NewHostAPI("p", pkgplugin.NewSandbox(nil, map[string]any{pkgplugin.AccessorHTTP: api}), nil)

	raw, err := h.Call(context.Background(), MethodHTTPGet, []byte(`{"url":"https://api.example.com/a","timeoutMs":1500}`))
	require.NoError(t, err)
	var resp pkgplugin.HTTPResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, 1500*time.Millisecond, api.timeout)

	_, err = h.Call(context.Background(), MethodHTTPPost, []byte(`{"url":"https://api.example.com/b","contentType":"text/plain","body":"aGk="}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"GET https://api.example.com/a", "POST https://api.example.com/b text/plain hi"}, api.calls)

	_, err = h.Call(context.Background(), MethodHTTPGet, []byte("not json"))
	assert.Error(t, err)
}

func TestHostAPISign(t *testing.T) {
	msg := &fakeMessage{}
	h := NewHostAPI("p", pkgplugin.NewSandbox(nil, map[string]any{pkgplugin.AccessorMessage: msg}), nil)

	raw, err := h.Call(context.Background(), MethodMessageSign, []byte(`{"walletId":"w1","message":"hello"}`))
	require.NoError(t, err)
	var signed pkgplugin.SignedMessage
	require.NoError(t, json.Unmarshal(raw, &signed))
	assert.Equal(t, "sig:hello", signed.Signature)

	_, err = h.Call(context.Background(), MethodMessageSign, []byte(`{"walletId":"cold","message":"x"}`))
	assert.ErrorIs(t, err, pkgplugin.ErrDialogClosed)
	assert.False(t, msg.last.IsOpen())
}

func TestHostAPIProfileWithoutActiveProfile(t *testing.T) {
	h := NewHostAPI("p", pkgplugin.NewSandbox(nil, map[string]any{
		pkgplugin.AccessorProfile: fakeProfileAPI{},
	}), nil)
	raw, err := h.Call(context.Background(), MethodProfileGet, nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	// Log levels never panic.
	for _, level := range []string{"debug", "info", "WARN", "error", "other"} {
		h.Log(level, "message")
	}
}
