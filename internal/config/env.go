package config

import (
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "COURIER_"

// applyEnv overrides file values with COURIER_ environment variables
func (c *Config) applyEnv() error {
	envString("STORAGE_DRIVER", &c.Storage.Driver)
	envString("STORAGE_PATH", &c.Storage.Path)
	envString("RELAY_HOSTNAME", &c.Relay.Hostname)
	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
	envString("METRICS_ADDR", &c.Metrics.ListenAddr)

	parsers := []func() error{
		func() error { return envInt("WORKERS", &c.Pool.Workers) },
		func() error { return envInt("MAX_TRIES", &c.Pool.MaxTries) },
		func() error { return envFloat("POLL_JITTER", &c.Pool.PollJitter) },
		func() error { return envDuration("POLL_INTERVAL", &c.Pool.PollInterval) },
		func() error { return envDuration("CLAIM_TIMEOUT", &c.Pool.ClaimTimeout) },
		func() error { return envDuration("REAP_INTERVAL", &c.Pool.ReapInterval) },
		func() error { return envDurationPtr("RETRY_INTERVAL", &c.Pool.RetryInterval) },
		func() error { return envDuration("RELAY_TIMEOUT", &c.Relay.Timeout) },
		func() error { return envDuration("COMPLETE_MAX_AGE", &c.Storage.Retention.CompleteMaxAge) },
		func() error { return envBool("METRICS_ENABLED", &c.Metrics.Enabled) },
	}
	for _, parse := range parsers {
		if err := parse(); err != nil {
			return err
		}
	}

	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func envString(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &TypeError{Key: EnvPrefix + key, Type: "int", Err: err}
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return &TypeError{Key: EnvPrefix + key, Type: "float", Err: err}
	}
	*dst = f
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return &TypeError{Key: EnvPrefix + key, Type: "duration", Err: err}
	}
	*dst = d
	return nil
}

func envDurationPtr(key string, dst **time.Duration) error {
	if _, ok := lookup(key); !ok {
		return nil
	}
	var d time.Duration
	if err := envDuration(key, &d); err != nil {
		return err
	}
	*dst = &d
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return &TypeError{Key: EnvPrefix + key, Type: "bool", Err: err}
	}
	*dst = b
	return nil
}
