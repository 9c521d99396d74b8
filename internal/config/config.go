// Package config loads provflow settings from a YAML file, PROVFLOW_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/provflow/internal/engine"
	"github.com/roach88/provflow/internal/transport"
)

// EnvPrefix prefixes every environment variable, e.g. PROVFLOW_DATABASE.
const EnvPrefix = "PROVFLOW"

// Keys as they appear in the config file. Nested keys use dots.
const (
	KeyDatabase      = "database"
	KeySandbox       = "sandbox"
	KeyUser          = "user"
	KeyWorkers       = "workers"
	KeyPollInterval  = "poll_interval"
	KeyLeaseTimeout  = "lease_timeout"
	KeyStepTimeout   = "step_timeout"
	KeyBackoffBase   = "backoff.base"
	KeyBackoffCap    = "backoff.cap"
	KeyBackoffJitter = "backoff.jitter"
	KeyMaxRetries    = "max_retries"
	KeyMaxSessions   = "transport.max_sessions"
	KeyOpenInterval  = "transport.open_interval"
	KeyMetricsAddr   = "metrics_addr"
	KeyLogLevel      = "log.level"
	KeyLogFormat     = "log.format"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database is the SQLite provenance store path.
	Database string `mapstructure:"database"`

	// Sandbox is the local staging and retrieval directory.
	Sandbox string `mapstructure:"sandbox"`

	// User is the email of the owner of nodes created from the CLI.
	User string `mapstructure:"user"`

	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
	StepTimeout  time.Duration `mapstructure:"step_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`

	Backoff   Backoff   `mapstructure:"backoff"`
	Transport Transport `mapstructure:"transport"`

	// MetricsAddr is where `provflow run` serves /metrics. Empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`

	Log Log `mapstructure:"log"`
}

// Backoff shapes the retry delay for transient remote errors.
type Backoff struct {
	Base   time.Duration `mapstructure:"base"`
	Cap    time.Duration `mapstructure:"cap"`
	Jitter float64       `mapstructure:"jitter"`
}

// Transport bounds connections per computer.
type Transport struct {
	MaxSessions  int           `mapstructure:"max_sessions"`
	OpenInterval time.Duration `mapstructure:"open_interval"`
}

// Log selects the slog handler.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	e := engine.DefaultConfig()
	return Config{
		Database:     defaultDatabase(),
		Sandbox:      e.Sandbox,
		User:         "provflow@localhost",
		Workers:      e.Workers,
		PollInterval: e.PollInterval,
		LeaseTimeout: e.LeaseTimeout,
		StepTimeout:  e.StepTimeout,
		MaxRetries:   e.Backoff.MaxRetries,
		Backoff: Backoff{
			Base:   e.Backoff.Base,
			Cap:    e.Backoff.Cap,
			Jitter: e.Backoff.Jitter,
		},
		Transport: Transport{
			MaxSessions:  4,
			OpenInterval: 5 * time.Second,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

func defaultDatabase() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "provflow.db"
	}
	return filepath.Join(dir, "provflow", "provflow.db")
}

// SetDefaults registers Defaults with v so that unset keys resolve and
// environment variables are discoverable by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault(KeyDatabase, d.Database)
	v.SetDefault(KeySandbox, d.Sandbox)
	v.SetDefault(KeyUser, d.User)
	v.SetDefault(KeyWorkers, d.Workers)
	v.SetDefault(KeyPollInterval, d.PollInterval)
	v.SetDefault(KeyLeaseTimeout, d.LeaseTimeout)
	v.SetDefault(KeyStepTimeout, d.StepTimeout)
	v.SetDefault(KeyMaxRetries, d.MaxRetries)
	v.SetDefault(KeyBackoffBase, d.Backoff.Base)
	v.SetDefault(KeyBackoffCap, d.Backoff.Cap)
	v.SetDefault(KeyBackoffJitter, d.Backoff.Jitter)
	v.SetDefault(KeyMaxSessions, d.Transport.MaxSessions)
	v.SetDefault(KeyOpenInterval, d.Transport.OpenInterval)
	v.SetDefault(KeyMetricsAddr, d.MetricsAddr)
	v.SetDefault(KeyLogLevel, d.Log.Level)
	v.SetDefault(KeyLogFormat, d.Log.Format)
}

// New returns a viper instance reading PROVFLOW_* variables, with defaults
// set. If file is non-empty it is read as the config file; a missing file is
// an error.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return v, nil
}

// BindFlags binds each flag in fs whose name is a config key, or whose name
// maps to one through aliases, so an explicitly set flag wins over file and
// environment.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, aliases map[string]string) error {
	known := make(map[string]bool)
	for _, k := range v.AllKeys() {
		known[k] = true
	}
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := aliases[f.Name]
		if !ok {
			key = strings.ReplaceAll(f.Name, "-", "_")
			if !known[key] {
				return
			}
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("bind flag --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Load unmarshals v and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if c.Sandbox == "" {
		errs = append(errs, errors.New("sandbox is required"))
	}
	if !strings.Contains(c.User, "@") {
		errs = append(errs, fmt.Errorf("user %q must be an email address", c.User))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{KeyPollInterval, c.PollInterval},
		{KeyLeaseTimeout, c.LeaseTimeout},
		{KeyStepTimeout, c.StepTimeout},
		{KeyBackoffBase, c.Backoff.Base},
		{KeyBackoffCap, c.Backoff.Cap},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, d.val))
		}
	}
	if c.Backoff.Cap < c.Backoff.Base {
		errs = append(errs, fmt.Errorf("backoff.cap %s is below backoff.base %s", c.Backoff.Cap, c.Backoff.Base))
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("backoff.jitter must be in [0, 1), got %g", c.Backoff.Jitter))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries))
	}
	if c.Transport.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("transport.max_sessions must be at least 1, got %d", c.Transport.MaxSessions))
	}
	if c.Transport.OpenInterval < 0 {
		errs = append(errs, fmt.Errorf("transport.open_interval must not be negative, got %s", c.Transport.OpenInterval))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Engine converts to the engine's configuration.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		Sandbox:      c.Sandbox,
		Workers:      c.Workers,
		PollInterval: c.PollInterval,
		LeaseTimeout: c.LeaseTimeout,
		StepTimeout:  c.StepTimeout,
		Backoff: engine.Backoff{
			Base:       c.Backoff.Base,
			Cap:        c.Backoff.Cap,
			Jitter:     c.Backoff.Jitter,
			MaxRetries: c.MaxRetries,
		},
	}
}

// Pool converts to the transport pool's configuration.
func (c *Config) Pool() transport.PoolConfig {
	return transport.PoolConfig{
		MaxSessions:  c.Transport.MaxSessions,
		OpenInterval: c.Transport.OpenInterval,
	}
}

// SlogLevel parses Level. Empty means info.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}
