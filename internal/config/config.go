// Package config loads and validates client configuration from environment
// variables and an optional TOML file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all client configuration.
type Config struct {
	// Backend settings.
	BaseURL        string        // API root, e.g. "http://localhost:8080/api".
	RequestTimeout time.Duration // Per-request timeout for non-streaming calls.
	ConnectTimeout time.Duration // Bounds opening a stream; the stream itself is unbounded.

	// Credential settings.
	RefreshMargin   time.Duration // Tokens are treated as expired this long before they are.
	CredentialsPath string        // sqlite file; empty keeps credentials in memory.
	Profile         string        // Row in the credential store.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel           string
	HistoryConcurrency int // Session histories fetched in parallel by App.SessionHistories.
}

// fileConfig mirrors Config for TOML overrides. Absent keys leave the
// environment value in place.
type fileConfig struct {
	BaseURL         *string `toml:"base_url"`
	RequestTimeout  *string `toml:"request_timeout"`
	ConnectTimeout  *string `toml:"connect_timeout"`
	RefreshMargin   *string `toml:"refresh_margin"`
	CredentialsPath *string `toml:"credentials_path"`
	Profile         *string `toml:"profile"`
	LogLevel        *string `toml:"log_level"`

	HistoryConcurrency *int `toml:"history_concurrency"`

	Telemetry struct {
		Endpoint    *string `toml:"endpoint"`
		ServiceName *string `toml:"service_name"`
		Insecure    *bool   `toml:"insecure"`
	} `toml:"telemetry"`
}

// Load reads configuration from environment variables with sensible defaults,
// then applies the TOML file named by KAIWA_CONFIG, if any.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error
	cfg.BaseURL = envStr("KAIWA_BASE_URL", "http://localhost:8080/api")
	cfg.RequestTimeout, err = envDuration("KAIWA_REQUEST_TIMEOUT", 25*time.Minute)
	collect(err)
	cfg.ConnectTimeout, err = envDuration("KAIWA_CONNECT_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.RefreshMargin, err = envDuration("KAIWA_REFRESH_MARGIN", 30*time.Second)
	collect(err)
	cfg.CredentialsPath = envStr("KAIWA_CREDENTIALS_PATH", "")
	cfg.Profile = envStr("KAIWA_PROFILE", "default")
	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "kaiwa")
	cfg.OTELInsecure, err = envBool("KAIWA_OTEL_INSECURE", false)
	collect(err)
	cfg.LogLevel = envStr("KAIWA_LOG_LEVEL", "info")
	cfg.HistoryConcurrency, err = envInt("KAIWA_HISTORY_CONCURRENCY", 4)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if path := os.Getenv("KAIWA_CONFIG"); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyFile overrides c with the keys present in the TOML file at path.
func (c *Config) ApplyFile(path string) error {
	var f fileConfig
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var errs []error
	setStr := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setDur := func(key string, dst *time.Duration, v *string) {
		if v == nil {
			return
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q is not a valid duration", key, *v))
			return
		}
		*dst = d
	}

	setStr(&c.BaseURL, f.BaseURL)
	setDur("request_timeout", &c.RequestTimeout, f.RequestTimeout)
	setDur("connect_timeout", &c.ConnectTimeout, f.ConnectTimeout)
	setDur("refresh_margin", &c.RefreshMargin, f.RefreshMargin)
	setStr(&c.CredentialsPath, f.CredentialsPath)
	setStr(&c.Profile, f.Profile)
	setStr(&c.LogLevel, f.LogLevel)
	setStr(&c.OTELEndpoint, f.Telemetry.Endpoint)
	setStr(&c.ServiceName, f.Telemetry.ServiceName)
	if f.HistoryConcurrency != nil {
		c.HistoryConcurrency = *f.HistoryConcurrency
	}
	if f.Telemetry.Insecure != nil {
		c.OTELInsecure = *f.Telemetry.Insecure
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s: %w", path, errors.Join(errs...))
	}
	return nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("config: KAIWA_BASE_URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: KAIWA_BASE_URL=%q must be an absolute http(s) URL", c.BaseURL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: KAIWA_REQUEST_TIMEOUT must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("config: KAIWA_CONNECT_TIMEOUT must be positive")
	}
	if c.RefreshMargin < 0 {
		return fmt.Errorf("config: KAIWA_REFRESH_MARGIN must not be negative")
	}
	if c.Profile == "" {
		return fmt.Errorf("config: KAIWA_PROFILE is required")
	}
	if c.HistoryConcurrency <= 0 {
		return fmt.Errorf("config: KAIWA_HISTORY_CONCURRENCY must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: KAIWA_LOG_LEVEL=%q must be one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
