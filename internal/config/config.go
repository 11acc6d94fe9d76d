// Package config loads relay settings from defaults, an optional YAML file
// and CHAT_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/andy6609/budgetchat/internal/chat"
)

type Config struct {
	// Addr is the chat listen address.
	Addr string `yaml:"addr" env:"CHAT_ADDR"`

	// MetricsAddr serves /metrics; empty disables it.
	MetricsAddr string `yaml:"metrics_addr" env:"CHAT_METRICS_ADDR"`

	MaxLineLength    int `yaml:"max_line_length" env:"CHAT_MAX_LINE_LENGTH,strict"`
	SubscriberBuffer int `yaml:"subscriber_buffer" env:"CHAT_SUBSCRIBER_BUFFER,strict"`

	WriteTimeout    time.Duration `yaml:"write_timeout" env:"CHAT_WRITE_TIMEOUT,strict"`
	NameTimeout     time.Duration `yaml:"name_timeout" env:"CHAT_NAME_TIMEOUT,strict"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CHAT_SHUTDOWN_TIMEOUT,strict"`

	LogLevel  string `yaml:"log_level" env:"CHAT_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"CHAT_LOG_FORMAT"`
}

func Default() Config {
	return Config{
		Addr:             ":8000",
		MetricsAddr:      ":9090",
		MaxLineLength:    chat.DefaultMaxLineLength,
		SubscriberBuffer: chat.DefaultSubscriberBuffer,
		WriteTimeout:     10 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load builds a Config. path may be empty, in which case no file is read.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: env: %w", err)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must be set"))
	}
	if c.MaxLineLength <= 0 {
		errs = append(errs, fmt.Errorf("max_line_length must be positive (%d)", c.MaxLineLength))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("subscriber_buffer must be positive (%d)", c.SubscriberBuffer))
	}
	for name, d := range map[string]time.Duration{
		"write_timeout":    c.WriteTimeout,
		"name_timeout":     c.NameTimeout,
		"shutdown_timeout": c.ShutdownTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative (%v)", name, d))
		}
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return lvl, nil
}

// Logger returns a slog.Logger writing to w in the configured format.
func (c Config) Logger(w io.Writer) *slog.Logger {
	lvl, err := c.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ServerOptions maps the config onto chat.Server settings.
func (c Config) ServerOptions() chat.ServerOptions {
	return chat.ServerOptions{
		Addr:             c.Addr,
		SubscriberBuffer: c.SubscriberBuffer,
		ShutdownTimeout:  c.ShutdownTimeout,
		Session: chat.SessionOptions{
			MaxLineLength: c.MaxLineLength,
			WriteTimeout:  c.WriteTimeout,
			NameTimeout:   c.NameTimeout,
		},
	}
}
