package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/walletplug/pkg/plugin"
)

func TestMatchURLPattern(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"api.example.com", "https://api.example.com/v1/prices", true},
		{"api.example.com", "http://api.example.com:8080/", true},
		{"api.example.com", "https://evil.com/?api.example.com", false},
		{"API.Example.com", "https://api.example.COM/x", true},
		{"*.example.com", "https://a.b.example.com/x", true},
		{"*.example.com", "https://example.com/x", true},
		{"*.example.com", "https://badexample.com/x", false},
		{"https://api.example.com/v1", "https://api.example.com/v1", true},
		{"https://api.example.com/v1", "https://api.example.com/v1/prices", true},
		{"https://api.example.com/v1", "https://api.example.com/v10", false},
		{"https://api.example.com/v1/", "https://api.example.com/v1/x", true},
		{"https://api.example.com", "http://api.example.com/", false},
		{"https://api.example.com", "https://api.example.com:8443/", false},
		{"https://api.example.com", "https://api.example.com.evil.io/", false},
		{"bücher.example", "https://xn--bcher-kva.example/", true},
		{"api.example.com", "ftp://api.example.com/file", false},
		{"api.example.com", "not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, matchURLPattern(tt.pattern, tt.url))
		})
	}
}

func TestCheckURLAccessEmptyListDeniesAll(t *testing.T) {
	err := checkURLAccess("p", "https://example.com", nil)
	var denied *plugin.URLNotAllowedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "p", denied.Plugin)
	assert.Equal(t, "https://example.com", denied.URL)
	assert.ErrorIs(t, err, plugin.ErrURLNotAllowed)
}

func TestNetworkAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Agent", r.UserAgent())
		_, _ = w.Write(append([]byte(r.URL.Path+":"), body...))
	}))
	defer srv.Close()

	provider := NewNetworkProvider()
	c := newFakeController("prices", plugin.CapabilityHTTP)
	c.manifest.URLs = []string{srv.URL}

	api := provider.API(c).(plugin.HTTPAPI)
	ctx := context.Background()

	t.Run("get", func(t *testing.T) {
		resp, err := api.Get(ctx, srv.URL+"/ticker")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "/ticker:", string(resp.Body))
		assert.Equal(t, "walletplug/prices", resp.Header.Get("X-Agent"))
	})

	t.Run("post", func(t *testing.T) {
		resp, err := api.Post(ctx, srv.URL+"/quote", "application/json", []byte(`{"a":1}`))
		require.NoError(t, err)
		assert.Equal(t, "POST", resp.Header.Get("X-Method"))
		assert.Equal(t, `/quote:{"a":1}`, string(resp.Body))
	})

	t.Run("blocked url names plugin and url", func(t *testing.T) {
		_, err := api.Get(ctx, "https://elsewhere.example/")
		var denied *plugin.URLNotAllowedError
		require.ErrorAs(t, err, &denied)
		assert.Contains(t, err.Error(), `"prices"`)
		assert.Contains(t, err.Error(), "https://elsewhere.example/")
	})

	t.Run("create keeps the allow-list", func(t *testing.T) {
		short := api.Create(time.Second)
		_, err := short.Get(ctx, srv.URL+"/x")
		require.NoError(t, err)
		_, err = short.Get(ctx, "https://elsewhere.example/")
		assert.ErrorIs(t, err, plugin.ErrURLNotAllowed)
	})

	stats := provider.Stats("prices")
	assert.Equal(t, int64(3), stats.Requests)
	assert.Equal(t, int64(2), stats.Denied)
}

func TestNetworkRedirectsFollowAllowList(t *testing.T) {
	var hitOther bool
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitOther = true
		_, _ = w.Write([]byte("secret-from-other"))
	}))
	defer other.Close()

	allowed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/go":
			http.Redirect(w, r, other.URL+"/x", http.StatusFound)
		case "/local":
			http.Redirect(w, r, "/final", http.StatusFound)
		default:
			_, _ = w.Write([]byte("final"))
		}
	}))
	defer allowed.Close()

	provider := NewNetworkProvider()
	c := newFakeController("hopper", plugin.CapabilityHTTP)
	c.manifest.URLs = []string{allowed.URL}
	api := provider.API(c).(plugin.HTTPAPI)
	ctx := context.Background()

	resp, err := api.Get(ctx, allowed.URL+"/local")
	require.NoError(t, err)
	assert.Equal(t, "final", string(resp.Body))

	resp, err = api.Get(ctx, allowed.URL+"/go")
	require.Error(t, err)
	assert.Nil(t, resp)
	var denied *plugin.URLNotAllowedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, other.URL+"/x", denied.URL)
	assert.False(t, hitOther, "redirect target outside the allow-list was contacted")

	_, err = api.Create(time.Second).Get(ctx, allowed.URL+"/go")
	assert.ErrorIs(t, err, plugin.ErrURLNotAllowed)
	assert.False(t, hitOther)

	assert.Equal(t, int64(2), provider.Stats("hopper").Denied)
}

func TestNetworkTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := newFakeController("slow", plugin.CapabilityHTTP)
	c.manifest.URLs = []string{srv.URL}
	provider := NewNetworkProvider()
	api := provider.API(c).(plugin.HTTPAPI).Create(50 * time.Millisecond)

	_, err := api.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int64(1), provider.Stats("slow").Errors)
}

func TestNetworkRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	provider := NewNetworkProvider(WithRateLimit(2, time.Minute))
	c := newFakeController("chatty", plugin.CapabilityHTTP)
	c.manifest.URLs = []string{srv.URL}
	api := provider.API(c).(plugin.HTTPAPI)
	other := api.Create(time.Second)

	_, err := api.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = other.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = api.Get(context.Background(), srv.URL)
	assert.True(t, errors.Is(err, plugin.ErrRateLimited), "got %v", err)
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2, 50*time.Millisecond)
	assert.True(t, rl.enabled())
	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.allow())

	assert.False(t, newRateLimiter(0, time.Minute).enabled())
}
