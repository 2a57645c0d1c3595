// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/quotagate/adapters/hasher"
	"github.com/artpar/quotagate/domain/action"
	"github.com/artpar/quotagate/domain/quota"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig    `yaml:"server"`
	Quota   QuotaConfig     `yaml:"quota"`
	Actions []action.Action `yaml:"actions"`
	Storage StorageConfig   `yaml:"storage"`
	Auth    AuthConfig      `yaml:"auth"`
	DemoAPI DemoAPIConfig   `yaml:"demo_api"`
	Logging LoggingConfig   `yaml:"logging"`
	Metrics MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig enables HTTPS. Certificate files win over ACME.
type TLSConfig struct {
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	Domains  []string `yaml:"acme_domains"`
	Email    string   `yaml:"acme_email"`
	CacheDir string   `yaml:"acme_cache_dir"`
	Staging  bool     `yaml:"acme_staging"`
	HTTPAddr string   `yaml:"http_addr"` // plain listener for ACME challenges and redirects
}

// Enabled reports whether HTTPS is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != "" || len(t.Domains) > 0
}

// QuotaConfig holds the limits and bucket handling.
// Settings saved through the admin API take precedence at startup.
type QuotaConfig struct {
	quota.Settings `yaml:",inline"`
	Retention      quota.Retention `yaml:"retention"`
	Timezone       string          `yaml:"timezone"` // IANA name, "Local" or "UTC"
}

// Location resolves the bucket timezone. Validation guarantees it loads.
func (q QuotaConfig) Location() *time.Location {
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// StorageConfig selects and configures the record store.
type StorageConfig struct {
	Driver        string        `yaml:"driver"` // "memory", "file", "sqlite" or "redis"
	Path          string        `yaml:"path"`   // file driver: JSON document path
	DSN           string        `yaml:"dsn"`    // sqlite driver: database path
	Redis         RedisConfig   `yaml:"redis"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// RedisConfig configures the redis driver.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AuthConfig configures caller identity and the admin login.
type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret,omitempty"` // HS256 secret shared with the login provider
	TokenTTL       time.Duration `yaml:"token_ttl"`
	Issuer         string        `yaml:"issuer"`
	RequireToken   bool          `yaml:"require_token"`             // reject anonymous callers
	FingerprintKey string        `yaml:"fingerprint_key,omitempty"` // BLAKE2b key for anonymous user keys
	AdminUser      string        `yaml:"admin_user"`
	AdminPassword  string        `yaml:"admin_password_hash,omitempty"` // bcrypt hash; empty disables /admin
}

// AdminEnabled reports whether the admin routes are served.
func (a AuthConfig) AdminEnabled() bool {
	return a.AdminPassword != ""
}

// DemoAPIConfig configures the outbound API called by call_api actions.
type DemoAPIConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{Metrics: MetricsConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration from defaults and environment variables.
//
// Environment variables:
//
//	QUOTAGATE_SERVER_HOST            - Server host (default: 0.0.0.0)
//	QUOTAGATE_SERVER_PORT            - Server port (default: 8080)
//	QUOTAGATE_TLS_CERT_FILE          - TLS certificate file
//	QUOTAGATE_TLS_KEY_FILE           - TLS key file
//	QUOTAGATE_TLS_ACME_DOMAINS       - Comma separated domains for Let's Encrypt
//	QUOTAGATE_TLS_ACME_EMAIL         - Let's Encrypt account email
//	QUOTAGATE_QUOTA_DAILY_LIMIT      - Daily limit (default: 10)
//	QUOTAGATE_QUOTA_HOURLY_LIMIT     - Hourly limit (default: 5)
//	QUOTAGATE_QUOTA_MONTHLY_LIMIT    - Lifetime limit (default: 100)
//	QUOTAGATE_QUOTA_PER_ACTION_LIMIT - Per-action limit (default: 8)
//	QUOTAGATE_QUOTA_COOLDOWN_MINUTES - Cooldown after a violation (default: 5)
//	QUOTAGATE_QUOTA_TIMEZONE         - Bucket timezone (default: Local)
//	QUOTAGATE_STORAGE_DRIVER         - memory, file, sqlite or redis (default: file)
//	QUOTAGATE_STORAGE_PATH           - JSON document for the file driver (default: quota.json)
//	QUOTAGATE_STORAGE_DSN            - Database for the sqlite driver (default: quotagate.db)
//	QUOTAGATE_REDIS_ADDR             - Redis address (default: localhost:6379)
//	QUOTAGATE_REDIS_PASSWORD         - Redis password
//	QUOTAGATE_JWT_SECRET             - HS256 secret for identity tokens
//	QUOTAGATE_REQUIRE_TOKEN          - Reject anonymous callers (default: false)
//	QUOTAGATE_FINGERPRINT_KEY        - Key for anonymous fingerprints
//	QUOTAGATE_ADMIN_PASSWORD_HASH    - bcrypt hash enabling /admin
//	QUOTAGATE_DEMO_API_URL           - Demo API URL (default: https://httpbin.org/get)
//	QUOTAGATE_LOG_LEVEL              - Log level: debug, info, warn, error (default: info)
//	QUOTAGATE_LOG_FORMAT             - Log format: json or console (default: json)
//	QUOTAGATE_METRICS_ENABLED        - Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	cfg := Config{Metrics: MetricsConfig{Enabled: true}}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback loads from path when the file exists and from the
// environment otherwise. Nothing in the config is mandatory, so the
// fallback always yields a runnable setup.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies QUOTAGATE_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("QUOTAGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("QUOTAGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("QUOTAGATE_TLS_CERT_FILE"); v != "" {
		cfg.Server.TLS.CertFile = v
	}
	if v := os.Getenv("QUOTAGATE_TLS_KEY_FILE"); v != "" {
		cfg.Server.TLS.KeyFile = v
	}
	if v := os.Getenv("QUOTAGATE_TLS_ACME_DOMAINS"); v != "" {
		cfg.Server.TLS.Domains = splitList(v)
	}
	if v := os.Getenv("QUOTAGATE_TLS_ACME_EMAIL"); v != "" {
		cfg.Server.TLS.Email = v
	}

	// Quota configuration
	envInt64("QUOTAGATE_QUOTA_DAILY_LIMIT", &cfg.Quota.DailyLimit)
	envInt64("QUOTAGATE_QUOTA_HOURLY_LIMIT", &cfg.Quota.HourlyLimit)
	envInt64("QUOTAGATE_QUOTA_MONTHLY_LIMIT", &cfg.Quota.MonthlyLimit)
	envInt64("QUOTAGATE_QUOTA_PER_ACTION_LIMIT", &cfg.Quota.PerActionLimit)
	envInt64("QUOTAGATE_QUOTA_COOLDOWN_MINUTES", &cfg.Quota.CooldownMinutes)
	if v := os.Getenv("QUOTAGATE_QUOTA_TIMEZONE"); v != "" {
		cfg.Quota.Timezone = v
	}

	// Storage configuration
	if v := os.Getenv("QUOTAGATE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("QUOTAGATE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("QUOTAGATE_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("QUOTAGATE_STORAGE_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Storage.FlushInterval = d
		}
	}
	if v := os.Getenv("QUOTAGATE_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("QUOTAGATE_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("QUOTAGATE_REDIS_PREFIX"); v != "" {
		cfg.Storage.Redis.Prefix = v
	}

	// Auth configuration
	if v := os.Getenv("QUOTAGATE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("QUOTAGATE_REQUIRE_TOKEN"); v != "" {
		cfg.Auth.RequireToken = parseBool(v)
	}
	if v := os.Getenv("QUOTAGATE_FINGERPRINT_KEY"); v != "" {
		cfg.Auth.FingerprintKey = v
	}
	if v := os.Getenv("QUOTAGATE_ADMIN_USER"); v != "" {
		cfg.Auth.AdminUser = v
	}
	if v := os.Getenv("QUOTAGATE_ADMIN_PASSWORD_HASH"); v != "" {
		cfg.Auth.AdminPassword = v
	}

	// Demo API configuration
	if v := os.Getenv("QUOTAGATE_DEMO_API_URL"); v != "" {
		cfg.DemoAPI.URL = v
	}

	// Logging configuration
	if v := os.Getenv("QUOTAGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QUOTAGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("QUOTAGATE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("QUOTAGATE_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// splitList splits a comma separated list and drops empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.TLS.Enabled() {
		if cfg.Server.TLS.HTTPAddr == "" {
			cfg.Server.TLS.HTTPAddr = ":80"
		}
		if cfg.Server.TLS.CacheDir == "" {
			cfg.Server.TLS.CacheDir = "certs"
		}
	}

	// Limits default as a whole; a partially written quota section is
	// left for validation to report.
	if cfg.Quota.Settings == (quota.Settings{}) {
		cfg.Quota.Settings = quota.DefaultSettings()
	}
	if cfg.Quota.Retention == (quota.Retention{}) {
		cfg.Quota.Retention = quota.DefaultRetention()
	}
	if cfg.Quota.Timezone == "" {
		cfg.Quota.Timezone = "Local"
	}

	if len(cfg.Actions) == 0 {
		cfg.Actions = action.Defaults()
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverFile
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "quota.json"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "quotagate.db"
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = "localhost:6379"
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = "quotagate:"
	}
	if cfg.Storage.Redis.Timeout == 0 {
		cfg.Storage.Redis.Timeout = 2 * time.Second
	}
	if cfg.Storage.FlushInterval == 0 {
		cfg.Storage.FlushInterval = 5 * time.Second
	}
	if cfg.Storage.PruneInterval == 0 {
		cfg.Storage.PruneInterval = time.Hour
	}

	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "quotagate"
	}
	if cfg.Auth.AdminUser == "" {
		cfg.Auth.AdminUser = "admin"
	}

	if cfg.DemoAPI.URL == "" {
		cfg.DemoAPI.URL = "https://httpbin.org/get"
	}
	if cfg.DemoAPI.Timeout == 0 {
		cfg.DemoAPI.Timeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if (cfg.Server.TLS.CertFile == "") != (cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file must be set together")
	}

	if err := cfg.Quota.Settings.Validate(); err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	if cfg.Quota.Retention.Days < 0 || cfg.Quota.Retention.Hours < 0 {
		return fmt.Errorf("quota.retention must not be negative")
	}
	if _, err := time.LoadLocation(cfg.Quota.Timezone); err != nil {
		return fmt.Errorf("quota.timezone: %w", err)
	}

	if _, err := action.NewCatalog(cfg.Actions); err != nil {
		return fmt.Errorf("actions: %w", err)
	}

	validDrivers := map[string]bool{
		DriverMemory: true, DriverFile: true, DriverSQLite: true, DriverRedis: true,
	}
	if !validDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("storage.driver must be one of: memory, file, sqlite, redis, got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.FlushInterval < 0 || cfg.Storage.PruneInterval < 0 {
		return fmt.Errorf("storage intervals must not be negative")
	}

	if len(cfg.Auth.FingerprintKey) > 64 {
		return fmt.Errorf("auth.fingerprint_key must be at most 64 bytes")
	}
	if cfg.Auth.AdminPassword != "" && !hasher.IsHash(cfg.Auth.AdminPassword) {
		return fmt.Errorf("auth.admin_password_hash must be a bcrypt hash (see 'quotagate hash-password')")
	}
	if cfg.Auth.RequireToken && cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.require_token is set")
	}

	u, err := url.Parse(cfg.DemoAPI.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("demo_api.url must be an absolute http(s) URL, got %q", cfg.DemoAPI.URL)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}
