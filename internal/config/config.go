package config

import (
	"time"
)

// Config represents the complete application configuration.
//
// Values resolve in this order: built-in defaults, the optional YAML config
// file, a .env file in the working directory, then environment variables.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" json:"server" yaml:"server"`
	Proxy   ProxyConfig   `mapstructure:"proxy" json:"proxy" yaml:"proxy"`
	Logging LoggingConfig `mapstructure:"logging" json:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" yaml:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" json:"host" yaml:"host"`
	Port            int           `mapstructure:"port" json:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// AdminToken enables the bearer-protected POST /admin/signal endpoint.
	AdminToken string `mapstructure:"admin_token" json:"admin_token,omitempty" yaml:"admin_token,omitempty"`
}

// ProxyConfig controls key rotation and upstream forwarding.
type ProxyConfig struct {
	// Keys are the upstream API keys rotated by the pool.
	Keys []string `mapstructure:"keys" json:"keys" yaml:"keys"`

	// MasterKey is the credential clients present instead of a pool key.
	MasterKey string `mapstructure:"master_key" json:"master_key,omitempty" yaml:"master_key,omitempty"`

	UpstreamURL string `mapstructure:"upstream_url" json:"upstream_url" yaml:"upstream_url"`

	// UpstreamTimeout bounds one upstream call; zero waits indefinitely.
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout" json:"upstream_timeout" yaml:"upstream_timeout"`

	RetryDelay time.Duration `mapstructure:"retry_delay" json:"retry_delay" yaml:"retry_delay"`

	// MaxRetries bounds 503 retries; zero or less retries without a bound.
	MaxRetries int `mapstructure:"max_retries" json:"max_retries" yaml:"max_retries"`

	StatusPath string `mapstructure:"status_path" json:"status_path" yaml:"status_path"`

	// TimeZone defines where a quota day starts and ends.
	TimeZone string `mapstructure:"time_zone" json:"time_zone" yaml:"time_zone"`

	RequestsPerMinute int    `mapstructure:"requests_per_minute" json:"requests_per_minute" yaml:"requests_per_minute"`
	RequestsPerDay    int    `mapstructure:"requests_per_day" json:"requests_per_day" yaml:"requests_per_day"`
	DayQuotaMarker    string `mapstructure:"day_quota_marker" json:"day_quota_marker" yaml:"day_quota_marker"`
	MaxBodyBytes      int64  `mapstructure:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`

	// ProbeModel is fetched by `keys probe` to validate each key.
	ProbeModel string `mapstructure:"probe_model" json:"probe_model" yaml:"probe_model"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level" json:"level" yaml:"level"`

	// Environment tags every server log record.
	Environment string `mapstructure:"environment" json:"environment" yaml:"environment"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether the Prometheus exporter starts
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`

	// Port is the dedicated exporter port; /metrics on the main port proxies it
	Port int `mapstructure:"port" json:"port" yaml:"port"`
}
