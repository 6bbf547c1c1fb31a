package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/goatkit/walletplug/internal/config"
	"github.com/goatkit/walletplug/internal/plugin"
	"github.com/goatkit/walletplug/internal/plugin/loader"
	"github.com/goatkit/walletplug/internal/plugin/metrics"
	"github.com/goatkit/walletplug/internal/plugin/process"
	"github.com/goatkit/walletplug/internal/plugin/runtime"
	"github.com/goatkit/walletplug/internal/plugin/services"
	"github.com/goatkit/walletplug/internal/plugin/signing"
	"github.com/goatkit/walletplug/internal/plugin/store"
	"github.com/goatkit/walletplug/internal/plugin/wasm"
	"github.com/goatkit/walletplug/internal/profile"
)

// host wires one plugin manager from configuration.
type host struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *prometheus.Registry
	profiles *profile.Repository
	loader   *loader.Loader
	resolver *runtime.Resolver
	store    store.Store
	manager  *plugin.Manager
}

func newHost(ctx context.Context, cfg *config.Config, logger *slog.Logger, stderr io.Writer, presenter services.Presenter) (*host, error) {
	profiles, err := profile.NewRepository(cfg.Profiles)
	if err != nil {
		return nil, err
	}

	keys, err := signing.ParsePublicKeys(cfg.Plugins.TrustedKeys)
	if err != nil {
		return nil, fmt.Errorf("trusted keys: %w", err)
	}
	ld := loader.NewLoader(cfg.Plugins.Root, logger,
		loader.WithProfilePattern(cfg.Plugins.ProfilePattern),
		loader.WithTrustedKeys(keys...),
		loader.WithDebounce(cfg.Plugins.Debounce),
	)

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)

	registry := services.NewRegistry(logger, nil)
	err = registry.Register(
		services.NewNetworkProvider(
			services.WithDefaultTimeout(cfg.HTTP.Timeout),
			services.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateLimitWindow),
			services.WithNetworkLogger(logger),
			services.WithNetworkMetrics(mt),
		),
		services.NewMessageProvider(presenter, logger),
		services.NewProfileProvider(),
	)
	if err == nil {
		err = registry.Boot()
	}
	if err != nil {
		st.Close()
		return nil, err
	}

	resolver := runtime.NewResolver(
		runtime.WithLogger(logger),
		runtime.WithWASMOptions(
			wasm.WithMemoryLimit(cfg.Plugins.MemoryPages),
			wasm.WithCallTimeout(cfg.Plugins.CallTimeout),
		),
		runtime.WithProcessOptions(process.WithHCLogger(hclog.New(&hclog.LoggerOptions{
			Name:       "plugin",
			Level:      hclog.LevelFromString(cfg.Log.Level),
			Output:     stderr,
			JSONFormat: cfg.Log.Format == "json",
		}))),
	)

	mgr := plugin.NewManager(
		plugin.WithLoader(ld),
		plugin.WithResolver(resolver),
		plugin.WithStore(st),
		plugin.WithRegistry(registry),
		plugin.WithLogger(logger),
		plugin.WithMetrics(mt),
	)

	return &host{
		cfg:      cfg,
		logger:   logger,
		metrics:  reg,
		profiles: profiles,
		loader:   ld,
		resolver: resolver,
		store:    st,
		manager:  mgr,
	}, nil
}

// prepare loads the named profile's plugins and enablement.
func (h *host) prepare(ctx context.Context, profileID string) (*profile.Profile, error) {
	if profileID == "" {
		list := h.profiles.List()
		if len(list) == 0 {
			return nil, errors.New("no profiles configured")
		}
		profileID = list[0].ID()
	}
	p, err := h.profiles.Get(profileID)
	if err != nil {
		return nil, err
	}
	if err := h.manager.PrepareProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (h *host) Close(ctx context.Context) error {
	h.loader.StopWatch()
	h.manager.Shutdown()
	return errors.Join(h.resolver.Close(ctx), h.store.Close())
}
