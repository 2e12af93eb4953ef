package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/courier/internal/dkim"
	"github.com/foxzi/courier/internal/queue"
	"github.com/foxzi/courier/internal/relay"
)

// Config is the main configuration structure
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Pool    PoolConfig    `yaml:"pool"`
	Relay   RelayConfig   `yaml:"relay"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Driver    string          `yaml:"driver"` // bolt, sqlite, postgres
	Path      string          `yaml:"path"`   // File path, or connection URL for postgres
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig contains email retention settings
type RetentionConfig struct {
	CompleteMaxAge time.Duration `yaml:"complete_max_age"` // Delete complete emails older than this (0 = keep forever)
}

// PoolConfig contains worker pool settings
type PoolConfig struct {
	Workers       int           `yaml:"workers"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	PollJitter    float64       `yaml:"poll_jitter"`   // Fraction of poll_interval
	ClaimTimeout  time.Duration `yaml:"claim_timeout"` // Claims idle longer than this are reaped
	ReapInterval  time.Duration `yaml:"reap_interval"`
	MaxTries      int           `yaml:"max_tries"`
	RetryInterval *time.Duration `yaml:"retry_interval"` // Base of the requeue backoff, 0s retries right away
}

// Retry returns the requeue backoff base
func (p PoolConfig) Retry() time.Duration {
	if p.RetryInterval == nil {
		return 0
	}
	return *p.RetryInterval
}

// RelayConfig contains SMTP relay settings
type RelayConfig struct {
	Hostname string         `yaml:"hostname"` // EHLO name
	Timeout  time.Duration  `yaml:"timeout"`  // Per recipient send timeout
	Servers  []relay.Server `yaml:"servers"`  // Seeded into the store at startup
	DKIM     DKIMConfig     `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Domain   string   `yaml:"domain"`
	Selector string   `yaml:"selector"`
	KeyFile  string   `yaml:"key_file"`
	Headers  []string `yaml:"headers"`
}

// Signer returns the signing identity
func (d DKIMConfig) Signer() dkim.Config {
	return dkim.Config{
		Domain:   d.Domain,
		Selector: d.Selector,
		KeyFile:  d.KeyFile,
		Headers:  d.Headers,
	}
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`      // Default: :9090
	Path            string        `yaml:"path"`             // Default: /metrics
	CollectInterval time.Duration `yaml:"collect_interval"` // Default: 5s
	AllowedIPs      []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load builds the configuration from a YAML file, a .env file and
// COURIER_ environment variables, in increasing precedence. An empty path
// reads the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	envFile := ".env"
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		envFile = filepath.Join(filepath.Dir(path), ".env")
	}

	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadDotEnv exports the variables of file without overriding ones
// already set
func loadDotEnv(file string) error {
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(file); err != nil {
		return fmt.Errorf("failed to load %s: %w", file, err)
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = queue.DriverBolt
	}

	if c.Pool.Workers == 0 {
		c.Pool.Workers = 5
	}
	if c.Pool.PollInterval == 0 {
		c.Pool.PollInterval = 10 * time.Second
	}
	if c.Pool.PollJitter == 0 {
		c.Pool.PollJitter = 0.2
	}
	if c.Pool.ClaimTimeout == 0 {
		c.Pool.ClaimTimeout = 10 * time.Minute
	}
	if c.Pool.ReapInterval == 0 {
		c.Pool.ReapInterval = time.Minute
	}
	if c.Pool.MaxTries == 0 {
		c.Pool.MaxTries = 3
	}
	if c.Pool.RetryInterval == nil {
		retry := 10 * time.Minute
		c.Pool.RetryInterval = &retry
	}

	if c.Relay.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Relay.Hostname = hostname
	}
	if c.Relay.Timeout == 0 {
		c.Relay.Timeout = 30 * time.Second
	}
	for i := range c.Relay.Servers {
		if c.Relay.Servers[i].TLS == "" {
			c.Relay.Servers[i].TLS = relay.TLSStartTLS
		}
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return &KeyNotFoundError{Key: "storage.path"}
	}
	switch c.Storage.Driver {
	case queue.DriverBolt, queue.DriverSQLite, queue.DriverPostgres:
	default:
		return &ValueError{Key: "storage.driver", Value: c.Storage.Driver, Reason: "must be bolt, sqlite or postgres"}
	}
	if c.Storage.Retention.CompleteMaxAge < 0 {
		return &ValueError{Key: "storage.retention.complete_max_age", Value: c.Storage.Retention.CompleteMaxAge, Reason: "must not be negative"}
	}

	if err := c.validatePool(); err != nil {
		return err
	}

	if err := c.validateRelay(); err != nil {
		return err
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return &ValueError{Key: "metrics.path", Value: c.Metrics.Path, Reason: "must start with /"}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return &ValueError{Key: "logging.level", Value: c.Logging.Level, Reason: "must be debug, info, warn, or error"}
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return &ValueError{Key: "logging.format", Value: c.Logging.Format, Reason: "must be json or text"}
	}

	return nil
}

// validatePool validates worker pool settings
func (c *Config) validatePool() error {
	p := c.Pool
	if p.Workers < 1 {
		return &ValueError{Key: "pool.workers", Value: p.Workers, Reason: "must be at least 1"}
	}
	if p.PollInterval <= 0 {
		return &ValueError{Key: "pool.poll_interval", Value: p.PollInterval, Reason: "must be positive"}
	}
	if p.PollJitter < 0 || p.PollJitter >= 1 {
		return &ValueError{Key: "pool.poll_jitter", Value: p.PollJitter, Reason: "must be in [0, 1)"}
	}
	if p.MaxTries < 1 {
		return &ValueError{Key: "pool.max_tries", Value: p.MaxTries, Reason: "must be at least 1"}
	}
	if p.Retry() < 0 {
		return &ValueError{Key: "pool.retry_interval", Value: p.Retry(), Reason: "must not be negative"}
	}
	if p.ReapInterval <= 0 {
		return &ValueError{Key: "pool.reap_interval", Value: p.ReapInterval, Reason: "must be positive"}
	}

	// A live send must never look stuck
	if p.ClaimTimeout <= c.Relay.Timeout {
		return &ValueError{
			Key:    "pool.claim_timeout",
			Value:  p.ClaimTimeout,
			Reason: fmt.Sprintf("must exceed relay.timeout (%s)", c.Relay.Timeout),
		}
	}

	return nil
}

// validateRelay validates relay servers and DKIM
func (c *Config) validateRelay() error {
	if c.Relay.Timeout <= 0 {
		return &ValueError{Key: "relay.timeout", Value: c.Relay.Timeout, Reason: "must be positive"}
	}

	for i, srv := range c.Relay.Servers {
		key := fmt.Sprintf("relay.servers[%d]", i)
		if srv.Hostname == "" {
			return &KeyNotFoundError{Key: key + ".hostname"}
		}
		if srv.Port < 1 || srv.Port > 65535 {
			return &ValueError{Key: key + ".port", Value: srv.Port, Reason: "must be between 1 and 65535"}
		}
		if !srv.TLS.Valid() {
			return &ValueError{Key: key + ".tls", Value: srv.TLS, Reason: "must be none, starttls or tls"}
		}
		if (srv.Username == "") != (srv.Password == "") {
			return &ValueError{Key: key, Value: srv.Addr(), Reason: "username and password must be set together"}
		}
	}

	if c.Relay.DKIM.Enabled {
		if err := c.Relay.DKIM.Signer().Validate(); err != nil {
			return fmt.Errorf("relay.dkim: %w", err)
		}
	}

	return nil
}
