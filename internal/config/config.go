// Package config loads host configuration from a file and WALLETPLUG_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/goatkit/walletplug/internal/profile"
)

// EnvPrefix is prepended to every environment override, e.g.
// WALLETPLUG_STORE_DRIVER.
const EnvPrefix = "WALLETPLUG"

// Config is the host configuration.
type Config struct {
	Plugins  PluginsConfig     `mapstructure:"plugins"`
	Store    StoreConfig       `mapstructure:"store"`
	HTTP     HTTPConfig        `mapstructure:"http"`
	Log      LogConfig         `mapstructure:"log"`
	Server   ServerConfig      `mapstructure:"server"`
	Profiles []profile.Profile `mapstructure:"profiles"`
}

// PluginsConfig locates plugins on disk.
type PluginsConfig struct {
	Root           string        `mapstructure:"root"`
	ProfilePattern string        `mapstructure:"profile_pattern"`
	TrustedKeys    []string      `mapstructure:"trusted_keys"`
	Watch          bool          `mapstructure:"watch"`
	Debounce       time.Duration `mapstructure:"debounce"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MemoryPages    uint32        `mapstructure:"memory_pages"`
}

// StoreConfig selects the enablement store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// HTTPConfig tunes the network service exposed to plugins.
type HTTPConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

// LogConfig configures the host logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig configures the control API.
type ServerConfig struct {
	Addr       string `mapstructure:"addr"`
	SignPrompt bool   `mapstructure:"sign_prompt"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("plugins.root", "./profiles")
	v.SetDefault("plugins.profile_pattern", "{profile}/plugins/*")
	v.SetDefault("plugins.trusted_keys", []string{})
	v.SetDefault("plugins.watch", false)
	v.SetDefault("plugins.debounce", 500*time.Millisecond)
	v.SetDefault("plugins.call_timeout", 30*time.Second)
	v.SetDefault("plugins.memory_pages", 256)
	v.SetDefault("store.driver", "bolt")
	v.SetDefault("store.dsn", "./walletplug.db")
	v.SetDefault("http.timeout", 10*time.Second)
	v.SetDefault("http.rate_limit", 60)
	v.SetDefault("http.rate_limit_window", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.addr", ":8089")
	v.SetDefault("server.sign_prompt", false)
}

// New returns a viper instance with defaults and env overrides bound. path may
// be empty, in which case walletplug.{yaml,toml,json} is looked up in the
// working directory and $HOME/.walletplug.
func New(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("walletplug")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.walletplug")
		}
	}
	return v
}

// Load reads the configuration. A missing default config file is not an
// error; a missing explicit one is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Logger builds the host logger from the log section.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
