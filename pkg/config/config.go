// Package config loads the simgate server configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables. Command-line flags are applied last by the binary.
// The result is read-only once the server has started.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/Sternrassler/simgate/pkg/fetch"
	"github.com/Sternrassler/simgate/pkg/gateway"
	"github.com/Sternrassler/simgate/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv.
const (
	EnvBackendURL         = "SIMGATE_BACKEND_URL"
	EnvMaxRequestBytes    = "SIMGATE_MAX_REQUEST_BYTES"
	EnvMaxResponseBytes   = "SIMGATE_MAX_RESPONSE_BYTES"
	EnvUpstreamTimeoutMS  = "SIMGATE_UPSTREAM_TIMEOUT_MS"
	EnvLongRunningTimeout = "SIMGATE_LONG_RUNNING_TIMEOUT_MS"
	EnvRedisURL           = "REDIS_URL"
)

// Config is the top-level server configuration.
type Config struct {
	// ListenAddress is the TCP address of the HTTP server.
	ListenAddress string `yaml:"listen_address"`

	// BackendBaseURL is the simulation backend, e.g. "http://backend:8000".
	BackendBaseURL string `yaml:"backend_base_url"`

	// RoutePrefix is the inbound path the gateway is mounted on.
	RoutePrefix string `yaml:"route_prefix"`

	MaxRequestBodyBytes  int64 `yaml:"max_request_body_bytes"`
	MaxResponseBodyBytes int64 `yaml:"max_response_body_bytes"`

	// DefaultTimeout is the per-attempt upstream timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// LongRunningTimeout applies to endpoints matched by LongRunning.
	LongRunningTimeout time.Duration `yaml:"long_running_timeout"`

	// LongRunning replaces the built-in long-running endpoint rules.
	LongRunning []gateway.Rule `yaml:"long_running"`

	Retry RetryConfig `yaml:"retry"`
	Log   LogConfig   `yaml:"log"`

	// RedisURL names the shared cache tier used by orchestrator clients.
	// The gateway never reads or writes it; when set, /ready pings it so a
	// deployment is not reported ready without its shared tier.
	RedisURL string `yaml:"redis_url"`
}

// RetryConfig mirrors fetch.Policy.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`
	MaxTotalTime  time.Duration `yaml:"max_total_time"`
	RetryAfterCap time.Duration `yaml:"retry_after_cap"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration. BackendBaseURL has no
// default and must be supplied.
func Default() Config {
	policy := fetch.DefaultPolicy()
	return Config{
		ListenAddress:        ":8080",
		RoutePrefix:          gateway.DefaultPrefix,
		MaxRequestBodyBytes:  gateway.DefaultMaxBodyBytes,
		MaxResponseBodyBytes: gateway.DefaultMaxBodyBytes,
		DefaultTimeout:       gateway.DefaultTimeout,
		LongRunningTimeout:   gateway.DefaultLongRunningTimeout,
		LongRunning:          gateway.DefaultRules(),
		Retry: RetryConfig{
			MaxAttempts:   policy.MaxAttempts,
			BackoffBase:   policy.BackoffBase,
			BackoffCap:    policy.BackoffCap,
			MaxTotalTime:  policy.MaxTotalTime,
			RetryAfterCap: policy.RetryAfterCap,
		},
		Log: LogConfig{Level: string(logging.LevelInfo)},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if path
// is not empty) and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBackendURL); ok && v != "" {
		c.BackendBaseURL = v
	}
	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		c.RedisURL = v
	}

	var errs []error
	parseInt := func(name string, dst *int64) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = n
	}
	parseMillis := func(name string, dst *time.Duration) {
		var ms int64
		parseInt(name, &ms)
		if ms != 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}

	parseInt(EnvMaxRequestBytes, &c.MaxRequestBodyBytes)
	parseInt(EnvMaxResponseBytes, &c.MaxResponseBodyBytes)
	parseMillis(EnvUpstreamTimeoutMS, &c.DefaultTimeout)
	parseMillis(EnvLongRunningTimeout, &c.LongRunningTimeout)

	return errors.Join(errs...)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.BackendBaseURL == "" {
		return fmt.Errorf("backend_base_url is required (or set %s)", EnvBackendURL)
	}
	u, err := url.Parse(c.BackendBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend_base_url %q must be an absolute http(s) URL", c.BackendBaseURL)
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	if c.RoutePrefix == "" || c.RoutePrefix[0] != '/' || c.RoutePrefix[len(c.RoutePrefix)-1] != '/' {
		return fmt.Errorf("route_prefix %q must start and end with /", c.RoutePrefix)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("max_request_body_bytes must be positive")
	}
	if c.MaxResponseBodyBytes <= 0 {
		return fmt.Errorf("max_response_body_bytes must be positive")
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive")
	}
	if c.LongRunningTimeout <= 0 {
		return fmt.Errorf("long_running_timeout must be positive")
	}
	for i, rule := range c.LongRunning {
		if rule.Method == "" || rule.Pattern == "" {
			return fmt.Errorf("long_running[%d]: method and pattern are required", i)
		}
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	return nil
}

// Policy returns the retry policy for the fetch engine.
func (c *Config) Policy() fetch.Policy {
	return fetch.Policy{
		MaxAttempts:   c.Retry.MaxAttempts,
		BackoffBase:   c.Retry.BackoffBase,
		BackoffCap:    c.Retry.BackoffCap,
		MaxTotalTime:  c.Retry.MaxTotalTime,
		RetryAfterCap: c.Retry.RetryAfterCap,
	}
}

// Resolver returns the gateway resolver for this configuration.
func (c *Config) Resolver() (*gateway.Resolver, error) {
	res, err := gateway.NewResolver(c.BackendBaseURL)
	if err != nil {
		return nil, err
	}
	res.Prefix = c.RoutePrefix
	res.DefaultTimeout = c.DefaultTimeout
	res.LongRunningTimeout = c.LongRunningTimeout
	res.Rules = c.LongRunning
	return res, nil
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}
