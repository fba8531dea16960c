// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultUserAgent identifies the service to remote hosts and robots.txt groups.
const DefaultUserAgent = "webscrape/1.0 (+https://github.com/JakeFAU/webscrape)"

// DefaultBlockedHosts keeps loopback targets out of reach unless explicitly overridden.
var DefaultBlockedHosts = []string{"localhost", "127.0.0.1", "0.0.0.0", "::1"}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Hosts     HostsConfig     `mapstructure:"hosts"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig governs outbound page fetches.
type FetchConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	TimeoutMs         int    `mapstructure:"timeout_ms"`
	MaxContentSize    int64  `mapstructure:"max_content_size"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

// CacheConfig sizes the in-memory content cache.
type CacheConfig struct {
	TTLSeconds     int `mapstructure:"ttl_seconds"`
	MaxEntries     int `mapstructure:"max_entries"`
	CleanupSeconds int `mapstructure:"cleanup_seconds"`
}

// RobotsConfig toggles robots.txt compliance.
type RobotsConfig struct {
	Respect   bool `mapstructure:"respect"`
	TimeoutMs int  `mapstructure:"timeout_ms"`
}

// HostsConfig holds host allow/deny lists. Entries may be exact hosts or *.suffix patterns.
type HostsConfig struct {
	Allowed []string `mapstructure:"allowed"`
	Blocked []string `mapstructure:"blocked"`
}

// BatchConfig controls multi-URL tool fan-out.
type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	DelayMs     int `mapstructure:"delay_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// envAliases maps config keys to the bare environment names operators already use.
var envAliases = map[string]string{
	"server.port":               "PORT",
	"server.host":               "HOST",
	"fetch.user_agent":          "USER_AGENT",
	"fetch.timeout_ms":          "REQUEST_TIMEOUT",
	"fetch.max_content_size":    "MAX_CONTENT_SIZE",
	"fetch.requests_per_minute": "RATE_LIMIT_REQUESTS_PER_MINUTE",
	"cache.ttl_seconds":         "CACHE_TTL",
	"cache.max_entries":         "MAX_CACHE_ENTRIES",
	"robots.respect":            "RESPECT_ROBOTS",
	"robots.timeout_ms":         "ROBOTS_TIMEOUT",
	"hosts.allowed":             "ALLOWED_HOSTS",
	"hosts.blocked":             "BLOCKED_HOSTS",
	"logging.level":             "LOG_LEVEL",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEBSCRAPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, alias := range envAliases {
		prefixed := "WEBSCRAPE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Hosts.Allowed = cleanList(cfg.Hosts.Allowed)
	cfg.Hosts.Blocked = cleanList(cfg.Hosts.Blocked)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("fetch.user_agent", DefaultUserAgent)
	v.SetDefault("fetch.timeout_ms", 10000)
	v.SetDefault("fetch.max_content_size", 5*1024*1024)
	v.SetDefault("fetch.requests_per_minute", 30)
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.cleanup_seconds", 300)
	v.SetDefault("robots.respect", true)
	v.SetDefault("robots.timeout_ms", 5000)
	v.SetDefault("hosts.allowed", []string{})
	v.SetDefault("hosts.blocked", DefaultBlockedHosts)
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.delay_ms", 0)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "webscrape")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if strings.TrimSpace(c.Fetch.UserAgent) == "" {
		return fmt.Errorf("fetch.user_agent must be set")
	}
	if c.Fetch.TimeoutMs <= 0 {
		return fmt.Errorf("fetch.timeout_ms must be > 0")
	}
	if c.Fetch.MaxContentSize <= 0 {
		return fmt.Errorf("fetch.max_content_size must be > 0")
	}
	if c.Fetch.RequestsPerMinute <= 0 {
		return fmt.Errorf("fetch.requests_per_minute must be > 0")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be > 0")
	}
	if c.Cache.CleanupSeconds < 0 {
		return fmt.Errorf("cache.cleanup_seconds must be >= 0")
	}
	if c.Robots.TimeoutMs <= 0 {
		return fmt.Errorf("robots.timeout_ms must be > 0")
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be > 0")
	}
	if c.Batch.DelayMs < 0 {
		return fmt.Errorf("batch.delay_ms must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RequestTimeout is the hard deadline for a single page fetch.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutMs) * time.Millisecond
}

// RobotsTimeout is the deadline for a robots.txt fetch.
func (c Config) RobotsTimeout() time.Duration {
	return time.Duration(c.Robots.TimeoutMs) * time.Millisecond
}

// CacheTTL is the content cache freshness window.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// CleanupInterval is how often the background sweep evicts expired entries.
// Zero disables the sweep.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cache.CleanupSeconds) * time.Second
}

// BatchDelay is the stagger between downstream requests in batch tools.
func (c Config) BatchDelay() time.Duration {
	return time.Duration(c.Batch.DelayMs) * time.Millisecond
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(strings.ToLower(part))
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
