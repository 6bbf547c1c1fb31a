package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/goatkit/walletplug/internal/api"
	"github.com/goatkit/walletplug/internal/plugin/services"
)

func (c *cli) newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host plugins for the active profile and serve the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = c.cfg.Server.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			signs := api.NewSignQueue()
			var presenter services.Presenter = signs
			if c.cfg.Server.SignPrompt {
				presenter = newPromptPresenter(c.in, c.out)
			}
			return c.withHost(ctx, presenter, func(h *host) error {
				return c.serve(ctx, h, signs, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func (c *cli) serve(ctx context.Context, h *host, signs *api.SignQueue, addr string) error {
	h.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if p, err := h.prepare(ctx, c.profileID); err == nil {
		failures, err := h.manager.ActivateProfile(ctx, p)
		if err != nil {
			return err
		}
		c.logger.Info("profile activated", "profile", p.ID(), "failed", len(failures))
	} else {
		c.logger.Warn("no profile activated", "error", err)
	}

	if c.cfg.Plugins.Watch {
		err := h.loader.Watch(ctx, func(profileID string) {
			if err := h.manager.Sync(ctx, profileID); err != nil {
				c.logger.Warn("plugin sync failed", "profile", profileID, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("watch plugins: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(h.manager, h.profiles, api.WithSignQueue(signs), api.WithGatherer(h.metrics), api.WithLogger(c.logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		c.logger.Info("🚀 control API listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
