// Package config loads keyrelay settings through viper and decodes them into
// typed structs with mapstructure.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/keyrelay/keyrelay/internal/core"
	"github.com/keyrelay/keyrelay/internal/core/engine"
)

// DefaultProbeModel is used by `keys probe` when none is configured.
const DefaultProbeModel = "gemini-2.0-flash"

// legacyEnv maps config keys to the unprefixed variable names deployments of
// the proxy have always used.
var legacyEnv = map[string]string{
	"proxy.keys":         "GEMINI_API_KEYS",
	"proxy.master_key":   "AUTH_KEY",
	"proxy.retry_delay":  "RETRY_DELAY_SECONDS",
	"proxy.max_retries":  "MAX_RETRIES",
	"proxy.upstream_url": "UPSTREAM_URL",
	"proxy.status_path":  "REPORTING_PATH",
	"server.port":        "PORT",
}

// shortEnv maps config keys to short prefixed names, e.g. KEYRELAY_LOG_LEVEL.
var shortEnv = map[string]string{
	"logging.level":    "LOG_LEVEL",
	"metrics.port":     "METRICS_PORT",
	"proxy.keys":       "KEYS",
	"proxy.master_key": "MASTER_KEY",
}

// SetDefaults registers every config key with its default value. Keys must be
// known to viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.admin_token", "")

	v.SetDefault("proxy.keys", []string{})
	v.SetDefault("proxy.master_key", "")
	v.SetDefault("proxy.upstream_url", engine.DefaultUpstreamURL)
	v.SetDefault("proxy.upstream_timeout", time.Duration(0))
	v.SetDefault("proxy.retry_delay", engine.DefaultRetryDelay)
	v.SetDefault("proxy.max_retries", engine.DefaultMaxRetries)
	v.SetDefault("proxy.status_path", "/status")
	v.SetDefault("proxy.time_zone", engine.DefaultLocation)
	v.SetDefault("proxy.requests_per_minute", engine.DefaultQuotaLimits.PerMinute)
	v.SetDefault("proxy.requests_per_day", engine.DefaultQuotaLimits.PerDay)
	v.SetDefault("proxy.day_quota_marker", engine.DefaultDayQuotaMarker)
	v.SetDefault("proxy.max_body_bytes", int64(64<<20))
	v.SetDefault("proxy.probe_model", DefaultProbeModel)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.environment", "production")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
}

// BindEnv wires environment variables into v. Call SetDefaults first; only
// known keys are bound.
//
// Every key is reachable as
// {PREFIX}_{SECTION}_{KEY}; legacy and short names are bound as aliases.
func BindEnv(v *viper.Viper, envPrefix string) error {
	prefix := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(envPrefix)), "_")

	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range v.AllKeys() {
		if err := v.BindEnv(append([]string{key}, EnvNames(prefix, key)...)...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

// EnvNames lists the variables that can set key, in precedence order.
func EnvNames(envPrefix, key string) []string {
	prefix := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(envPrefix)), "_")
	names := []string{envName(prefix, key)}
	if short, ok := shortEnv[key]; ok && prefix != "" {
		names = append(names, prefix+"_"+short)
	}
	if legacy, ok := legacyEnv[key]; ok {
		names = append(names, legacy)
	}
	return names
}

func envName(prefix, key string) string {
	name := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// Load decodes the settings held by v into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			SecondsOrDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Proxy.Keys = core.NormalizeKeys(cfg.Proxy.Keys)
	cfg.Proxy.MasterKey = strings.TrimSpace(cfg.Proxy.MasterKey)

	return cfg, nil
}

// SecondsOrDurationHookFunc decodes durations from Go duration strings
// ("1m30s") or bare numbers, which count seconds ("10" or 10).
func SecondsOrDurationHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType || from == durationType {
			return data, nil
		}

		switch from.Kind() {
		case reflect.String:
			raw := strings.TrimSpace(data.(string))
			if raw == "" {
				return time.Duration(0), nil
			}
			if secs, err := strconv.ParseFloat(raw, 64); err == nil {
				return secondsToDuration(secs), nil
			}
			return time.ParseDuration(raw)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return secondsToDuration(float64(reflect.ValueOf(data).Int())), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return secondsToDuration(float64(reflect.ValueOf(data).Uint())), nil
		case reflect.Float32, reflect.Float64:
			return secondsToDuration(reflect.ValueOf(data).Float()), nil
		default:
			return data, nil
		}
	}
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Proxy.Keys) == 0 {
		errs = append(errs, errors.New("proxy.keys: at least one upstream key is required (GEMINI_API_KEYS)"))
	}
	if _, err := engine.ParseUpstreamURL(c.Proxy.UpstreamURL); err != nil {
		errs = append(errs, fmt.Errorf("proxy.upstream_url: %w", err))
	}
	if _, err := core.NormalizeRoutePath(c.Proxy.StatusPath, "/status"); err != nil {
		errs = append(errs, fmt.Errorf("proxy.status_path: %w", err))
	}
	if _, err := c.Proxy.Location(); err != nil {
		errs = append(errs, fmt.Errorf("proxy.time_zone: %w", err))
	}
	if c.Proxy.RetryDelay < 0 {
		errs = append(errs, errors.New("proxy.retry_delay: must not be negative"))
	}
	if c.Proxy.UpstreamTimeout < 0 {
		errs = append(errs, errors.New("proxy.upstream_timeout: must not be negative"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d is out of range", c.Server.Port))
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port: %d is out of range", c.Metrics.Port))
	}

	return errors.Join(errs...)
}

// Location loads the zone that bounds quota days.
func (p ProxyConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(p.TimeZone)
	if name == "" {
		name = engine.DefaultLocation
	}
	return time.LoadLocation(name)
}

// QuotaLimits returns the per-key ceilings.
func (p ProxyConfig) QuotaLimits() engine.QuotaLimits {
	return engine.QuotaLimits{PerMinute: p.RequestsPerMinute, PerDay: p.RequestsPerDay}
}

// RetryPolicy maps max_retries onto the engine's retry policy.
func (p ProxyConfig) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicyFromMax(p.MaxRetries)
}

// Redacted returns a copy safe to print: keys become fingerprints and
// secrets are masked.
func (c Config) Redacted() Config {
	out := c
	out.Proxy.Keys = make([]string, len(c.Proxy.Keys))
	for i, key := range c.Proxy.Keys {
		out.Proxy.Keys[i] = "fp:" + core.Fingerprint(key)
	}
	out.Proxy.MasterKey = mask(c.Proxy.MasterKey)
	out.Server.AdminToken = mask(c.Server.AdminToken)
	return out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath(configName string) string {
	if strings.TrimSpace(configName) == "" {
		configName = "keyrelay"
	}
	configDir := gfconfig.GetAppConfigDir(configName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}
