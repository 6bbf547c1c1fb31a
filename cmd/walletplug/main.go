// Command walletplug manages and hosts wallet plugins per user profile.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/goatkit/walletplug/internal/config"
	_ "github.com/goatkit/walletplug/internal/plugin/example"
	"github.com/goatkit/walletplug/internal/plugin/services"
)

const version = "0.1.0"

// cli carries state shared by the subcommands.
type cli struct {
	in         io.Reader
	out, errw  io.Writer
	configPath string
	profileID  string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(in io.Reader, out, errw io.Writer) *cobra.Command {
	c := &cli{in: in, out: out, errw: errw}

	root := &cobra.Command{
		Use:           "walletplug",
		Short:         "Sandboxed plugin host for wallet profiles",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := config.New(c.configPath)
			if c.logLevel != "" {
				v.Set("log.level", c.logLevel)
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = cfg.Log.Logger(c.errw)
			slog.SetDefault(c.logger)
			return nil
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errw)

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "config file (default ./walletplug.yaml or ~/.walletplug/walletplug.yaml)")
	flags.StringVarP(&c.profileID, "profile", "p", "", "profile id (default: first configured profile)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug|info|warn|error")

	root.AddCommand(
		c.newListCmd(),
		c.newEnableCmd(),
		c.newDisableCmd(),
		c.newRunCmd(),
		c.newRemoveCmd(),
		c.newServeCmd(),
	)
	return root
}

// withHost builds a host for one command invocation and closes it afterwards.
func (c *cli) withHost(ctx context.Context, presenter services.Presenter, fn func(h *host) error) error {
	if presenter == nil {
		presenter = newPromptPresenter(c.in, c.out)
	}
	h, err := newHost(ctx, c.cfg, c.logger, c.errw, presenter)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			c.logger.Warn("shutdown", "error", err)
		}
	}()
	return fn(h)
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
