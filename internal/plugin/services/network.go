package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/idna"

	"github.com/goatkit/walletplug/internal/plugin/metrics"
	"github.com/goatkit/walletplug/pkg/plugin"
)

const (
	maxResponseBytes = 10 << 20
	maxRedirects     = 10
)

// NetworkStats tracks outbound traffic for one plugin.
type NetworkStats struct {
	Requests atomic.Int64
	Denied   atomic.Int64
	Errors   atomic.Int64
}

// NetworkSnapshot is a point-in-time copy of NetworkStats.
type NetworkSnapshot struct {
	Plugin   string `json:"plugin"`
	Requests int64  `json:"requests"`
	Denied   int64  `json:"denied"`
	Errors   int64  `json:"errors"`
}

// NetworkProvider backs the "http" accessor. Every request is checked against
// the calling plugin's manifest allow-list.
type NetworkProvider struct {
	transport  http.RoundTripper
	timeout    time.Duration
	rateMax    int
	rateWindow time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	limiters map[string]*rateLimiter
	stats    map[string]*NetworkStats
}

// NetworkOption configures a NetworkProvider.
type NetworkOption func(*NetworkProvider)

// WithTransport sets the round tripper used for plugin requests.
func WithTransport(rt http.RoundTripper) NetworkOption {
	return func(p *NetworkProvider) {
		p.transport = rt
	}
}

// WithDefaultTimeout sets the timeout of the client handed out by API.
func WithDefaultTimeout(d time.Duration) NetworkOption {
	return func(p *NetworkProvider) {
		p.timeout = d
	}
}

// WithRateLimit caps each plugin to max requests per window. Zero disables it.
func WithRateLimit(max int, window time.Duration) NetworkOption {
	return func(p *NetworkProvider) {
		p.rateMax = max
		p.rateWindow = window
	}
}

// WithNetworkLogger sets the logger.
func WithNetworkLogger(logger *slog.Logger) NetworkOption {
	return func(p *NetworkProvider) {
		p.logger = logger
	}
}

// WithNetworkMetrics records request counters.
func WithNetworkMetrics(m *metrics.Metrics) NetworkOption {
	return func(p *NetworkProvider) {
		p.metrics = m
	}
}

// NewNetworkProvider creates the network service.
func NewNetworkProvider(opts ...NetworkOption) *NetworkProvider {
	p := &NetworkProvider{
		transport:  http.DefaultTransport,
		timeout:    30 * time.Second,
		rateWindow: time.Minute,
		logger:     slog.Default(),
		limiters:   make(map[string]*rateLimiter),
		stats:      make(map[string]*NetworkStats),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config implements Provider.
func (p *NetworkProvider) Config() ServiceConfig {
	return ServiceConfig{Accessor: plugin.AccessorHTTP, ID: plugin.CapabilityHTTP}
}

// API implements Provider.
func (p *NetworkProvider) API(c Controller) any {
	return p.client(c.Name(), c.Config().AllowedURLs(), p.timeout)
}

// Stats returns traffic counters for a plugin.
func (p *NetworkProvider) Stats(pluginName string) NetworkSnapshot {
	s := p.statsFor(pluginName)
	return NetworkSnapshot{
		Plugin:   pluginName,
		Requests: s.Requests.Load(),
		Denied:   s.Denied.Load(),
		Errors:   s.Errors.Load(),
	}
}

func (p *NetworkProvider) client(pluginName string, allowed []string, timeout time.Duration) *httpAPI {
	h := &httpAPI{
		provider: p,
		plugin:   pluginName,
		allowed:  allowed,
	}
	h.client = &http.Client{Transport: p.transport, Timeout: timeout, CheckRedirect: h.checkRedirect}
	return h
}

func (p *NetworkProvider) statsFor(pluginName string) *NetworkStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stats[pluginName]
	if !ok {
		s = &NetworkStats{}
		p.stats[pluginName] = s
	}
	return s
}

// limiterFor returns the shared limiter for a plugin so that clients made with
// Create count against the same budget.
func (p *NetworkProvider) limiterFor(pluginName string) *rateLimiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[pluginName]
	if !ok {
		l = newRateLimiter(p.rateMax, p.rateWindow)
		p.limiters[pluginName] = l
	}
	return l
}

type httpAPI struct {
	provider *NetworkProvider
	plugin   string
	allowed  []string
	client   *http.Client
}

var _ plugin.HTTPAPI = (*httpAPI)(nil)

func (h *httpAPI) Get(ctx context.Context, target string) (*plugin.HTTPResponse, error) {
	return h.do(ctx, http.MethodGet, target, "", nil)
}

func (h *httpAPI) Post(ctx context.Context, target, contentType string, body []byte) (*plugin.HTTPResponse, error) {
	return h.do(ctx, http.MethodPost, target, contentType, body)
}

func (h *httpAPI) Create(timeout time.Duration) plugin.HTTPAPI {
	return h.provider.client(h.plugin, h.allowed, timeout)
}

// checkRedirect applies the allow-list to every hop of a redirect chain.
func (h *httpAPI) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	target := req.URL.String()
	if err := checkURLAccess(h.plugin, target, h.allowed); err != nil {
		h.denied("url")
		h.provider.logger.Warn("plugin redirect blocked", "plugin", h.plugin, "url", target)
		return err
	}
	return nil
}

func (h *httpAPI) denied(reason string) {
	h.provider.statsFor(h.plugin).Denied.Add(1)
	h.provider.metrics.HTTPDenied(h.plugin, reason)
}

func (h *httpAPI) do(ctx context.Context, method, target, contentType string, body []byte) (*plugin.HTTPResponse, error) {
	stats := h.provider.statsFor(h.plugin)

	if err := checkURLAccess(h.plugin, target, h.allowed); err != nil {
		h.denied("url")
		h.provider.logger.Warn("plugin request blocked", "plugin", h.plugin, "url", target)
		return nil, err
	}
	if l := h.provider.limiterFor(h.plugin); l.enabled() && !l.allow() {
		h.denied("rate")
		return nil, fmt.Errorf("plugin %q: %w", h.plugin, plugin.ErrRateLimited)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		stats.Errors.Add(1)
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "walletplug/"+h.plugin)

	stats.Requests.Add(1)
	h.provider.metrics.HTTPRequest(h.plugin, method)

	resp, err := h.client.Do(req)
	if err != nil {
		stats.Errors.Add(1)
		return nil, fmt.Errorf("plugin %q: %s %s: %w", h.plugin, method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		stats.Errors.Add(1)
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &plugin.HTTPResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

// checkURLAccess validates target against the allow-list. An empty list allows
// nothing.
func checkURLAccess(pluginName, target string, allowed []string) error {
	for _, pattern := range allowed {
		if matchURLPattern(pattern, target) {
			return nil
		}
	}
	return &plugin.URLNotAllowedError{Plugin: pluginName, URL: target, Allowed: allowed}
}

// matchURLPattern checks if a URL matches an allow-list pattern.
// Patterns: "https://api.example.com/v1" matches that origin and path prefix,
// "*.example.com" matches the host and its subdomains, "api.example.com" matches
// the exact host on any scheme and port.
func matchURLPattern(pattern, target string) bool {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	host, ok := normalizeHost(u.Hostname())
	if !ok {
		return false
	}

	pattern = strings.TrimSpace(pattern)
	if strings.Contains(pattern, "://") {
		pu, err := url.Parse(pattern)
		if err != nil || !strings.EqualFold(pu.Scheme, u.Scheme) {
			return false
		}
		phost, ok := normalizeHost(pu.Hostname())
		if !ok || phost != host || pu.Port() != u.Port() {
			return false
		}
		return matchPathPrefix(pu.EscapedPath(), u.EscapedPath())
	}

	if strings.HasPrefix(pattern, "*.") {
		base, ok := normalizeHost(pattern[2:])
		if !ok {
			return false
		}
		return host == base || strings.HasSuffix(host, "."+base)
	}

	phost, ok := normalizeHost(pattern)
	return ok && host == phost
}

func matchPathPrefix(prefix, path string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if path == prefix || strings.HasSuffix(prefix, "/") && strings.HasPrefix(path, prefix) {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// normalizeHost lowercases and converts internationalized names to their ASCII
// form so that equivalent spellings compare equal.
func normalizeHost(host string) (string, bool) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", false
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", false
	}
	return ascii, true
}

// --- Simple sliding window rate limiter ---

type rateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	tokens []time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	if max < 0 {
		max = 0
	}
	return &rateLimiter{
		max:    max,
		window: window,
		tokens: make([]time.Time, 0, max),
	}
}

func (r *rateLimiter) enabled() bool {
	return r.max > 0 && r.window > 0
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	valid := 0
	for _, t := range r.tokens {
		if t.After(cutoff) {
			r.tokens[valid] = t
			valid++
		}
	}
	r.tokens = r.tokens[:valid]

	if len(r.tokens) >= r.max {
		return false
	}
	r.tokens = append(r.tokens, now)
	return true
}
