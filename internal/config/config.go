// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	Redis      RedisConfig     `yaml:"redis"`
	Upstream   UpstreamConfig  `yaml:"upstream"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Breaker    BreakerConfig   `yaml:"circuit_breaker"`
	Quota      QuotaConfig     `yaml:"quota"`
	Security   SecurityConfig  `yaml:"security"`
	Logging    LoggingConfig   `yaml:"logging"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Bootstrap  BootstrapConfig `yaml:"bootstrap"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // must exceed the upstream request timeout for streams
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RedisConfig holds the shared rate-limit store settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// UpstreamConfig holds upstream dialect and timeout settings.
type UpstreamConfig struct {
	// Type selects the active key pool: "native" or "deployment-scoped".
	Type string `yaml:"type"`
	// BaseURL is the native-dialect API base.
	BaseURL string `yaml:"base_url"`
	// APIVersion is the default api-version for deployment-scoped keys.
	APIVersion     string        `yaml:"api_version"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// RateLimitConfig holds the per-key defaults and the pre-auth IP tier.
type RateLimitConfig struct {
	DefaultRPM int64 `yaml:"default_rpm"` // per proxy key, unless the key overrides
	DefaultTPM int64 `yaml:"default_tpm"`
	IPRPM      int64 `yaml:"ip_rpm"` // per client IP, before authentication
	IPTPM      int64 `yaml:"ip_tpm"`
}

// BreakerConfig tunes the upstream key failure breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	// RecoveryThreshold is parsed and reserved; recovery is currently a
	// single probe on cooldown expiry.
	RecoveryThreshold int `yaml:"recovery_threshold"`
}

// QuotaConfig holds defaults applied to bootstrapped users.
type QuotaConfig struct {
	DefaultMonthlyTokens int64   `yaml:"default_monthly_tokens"`
	DefaultMonthlyAmount float64 `yaml:"default_monthly_amount"` // stored, not enforced
}

// SecurityConfig holds secrets.
type SecurityConfig struct {
	// EncryptionKey seals upstream keys at rest. Minimum 32 bytes.
	EncryptionKey string `yaml:"encryption_key"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	// PromptBody captures full request bodies into usage records. Off by
	// default: prompts are sensitive.
	PromptBody bool `yaml:"prompt_body"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// BootstrapConfig seeds the database on first run.
type BootstrapConfig struct {
	AdminUsername string             `yaml:"admin_username"`
	UpstreamKeys  []UpstreamKeyEntry `yaml:"upstream_keys"`
}

// UpstreamKeyEntry is an upstream key seed in the config file. The plaintext
// key is sealed before it touches the database.
type UpstreamKeyEntry struct {
	Type       string `yaml:"type"` // "native" or "deployment-scoped"
	Key        string `yaml:"key"`  // plaintext, sealed on bootstrap
	Endpoint   string `yaml:"endpoint"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
	Weight     int    `yaml:"weight"`
	Notes      string `yaml:"notes"`
}

// UpstreamType returns the configured pool dialect as a domain value.
func (c *Config) UpstreamType() proxy.UpstreamType {
	if c.Upstream.Type == string(proxy.UpstreamDeployment) {
		return proxy.UpstreamDeployment
	}
	return proxy.UpstreamNative
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    330 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "bigmodel.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Upstream: UpstreamConfig{
			Type:           string(proxy.UpstreamNative),
			BaseURL:        "https://api.openai.com/v1",
			RequestTimeout: 300 * time.Second,
			ConnectTimeout: 30 * time.Second,
		},
		RateLimits: RateLimitConfig{
			DefaultRPM: 60,
			DefaultTPM: 90_000,
			IPRPM:      30,
			IPTPM:      45_000,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			Cooldown:          300 * time.Second,
			RecoveryThreshold: 2,
		},
		Quota: QuotaConfig{
			DefaultMonthlyTokens: 1_000_000,
			DefaultMonthlyAmount: 10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
