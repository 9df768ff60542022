// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/tollgate/domain/pathrule"
	"github.com/artpar/tollgate/domain/pricing"
	"github.com/artpar/tollgate/domain/ratelimit"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "TOLLGATE_"

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Billing   BillingConfig   `yaml:"billing"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Database  DatabaseConfig  `yaml:"database"`
	Usage     UsageConfig     `yaml:"usage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	CORS      CORSConfig      `yaml:"cors"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// UpstreamConfig configures the prediction service requests are forwarded to.
type UpstreamConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// AuthConfig configures API key authentication.
type AuthConfig struct {
	KeyPrefix string        `yaml:"key_prefix"`
	KeySecret string        `yaml:"key_secret"` // keys the BLAKE2b hash of stored keys
	Rule      pathrule.Rule `yaml:"rule"`
}

// RateLimitConfig configures the per-identity window limits.
type RateLimitConfig struct {
	Store        string                      `yaml:"store"` // "database" or "redis"
	RedisURL     string                      `yaml:"redis_url"`
	RedisPrefix  string                      `yaml:"redis_prefix"`
	Rule         pathrule.Rule               `yaml:"rule"`
	Classes      map[string]ratelimit.Limits `yaml:"classes"`
	DefaultClass string                      `yaml:"default_class"`
}

// BillingConfig configures pricing and balances.
type BillingConfig struct {
	Rule         pathrule.Rule      `yaml:"rule"`
	TrialBalance int64              `yaml:"trial_balance"`
	MaxPurchase  int64              `yaml:"max_purchase"`
	DefaultCost  int64              `yaml:"default_cost"`
	Endpoints    []pricing.Endpoint `yaml:"endpoints"`
}

// Pricing returns the pricing table.
func (b BillingConfig) Pricing() pricing.Table {
	return pricing.Table{Default: b.DefaultCost, Endpoints: b.Endpoints}
}

// PipelineConfig configures retries.
type PipelineConfig struct {
	HandlerRetries int           `yaml:"handler_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	StoreRetries   int           `yaml:"store_retries"`
}

// DatabaseConfig configures the Account Store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "memory", "sqlite" (pure Go) or "sqlite3" (cgo)
	DSN    string `yaml:"dsn"`
}

// UsageConfig configures usage retention.
type UsageConfig struct {
	RetentionDays int    `yaml:"retention_days"` // 0 keeps entries forever
	PruneSchedule string `yaml:"prune_schedule"` // standard cron expression
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// CORSConfig configures cross-origin access.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// Database drivers.
const (
	DriverMemory  = "memory"
	DriverSQLite  = "sqlite"
	DriverSQLite3 = "sqlite3"
)

// Rate limit counter stores.
const (
	StoreDatabase = "database"
	StoreRedis    = "redis"
)

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	TOLLGATE_UPSTREAM_URL         - Prediction service URL (required)
//	TOLLGATE_AUTH_KEY_SECRET      - Secret keying stored key hashes (required)
//	TOLLGATE_DATABASE_DRIVER      - memory, sqlite or sqlite3 (default: sqlite)
//	TOLLGATE_DATABASE_DSN         - Database path (default: tollgate.db)
//	TOLLGATE_SERVER_PORT          - Server port (default: 8080)
//	TOLLGATE_RATELIMIT_STORE      - database or redis (default: database)
//	TOLLGATE_RATELIMIT_REDIS_URL  - redis:// URL for the redis store
//	TOLLGATE_BILLING_TRIAL        - Tokens granted to a new account (default: 100)
//	TOLLGATE_LOG_LEVEL            - debug, info, warn, error (default: info)
//	TOLLGATE_LOG_FORMAT           - json or console (default: json)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	if HasEnvConfig() {
		return LoadFromEnv()
	}

	return nil, fmt.Errorf("no configuration found: provide config file or set %sUPSTREAM_URL", EnvPrefix)
}

// HasEnvConfig returns true if essential environment variables are set.
func HasEnvConfig() bool {
	return os.Getenv(EnvPrefix+"UPSTREAM_URL") != ""
}

// LoadDotEnv loads the first existing .env file among paths into the
// process environment. Variables already set are not overwritten.
func LoadDotEnv(paths ...string) (string, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return "", fmt.Errorf("load %s: %w", p, err)
		}
		return p, nil
	}
	return "", nil
}

// envOverride applies one TOLLGATE_* variable when it is set.
type envOverride struct {
	name  string
	apply func(v string) error
}

// applyEnvOverrides applies TOLLGATE_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) error {
	overrides := []envOverride{
		{"SERVER_HOST", str(&cfg.Server.Host)},
		{"SERVER_PORT", integer(&cfg.Server.Port)},
		{"SERVER_READ_TIMEOUT", duration(&cfg.Server.ReadTimeout)},
		{"SERVER_WRITE_TIMEOUT", duration(&cfg.Server.WriteTimeout)},
		{"SERVER_REQUEST_TIMEOUT", duration(&cfg.Server.RequestTimeout)},

		{"UPSTREAM_URL", str(&cfg.Upstream.URL)},
		{"UPSTREAM_TIMEOUT", duration(&cfg.Upstream.Timeout)},

		{"AUTH_KEY_PREFIX", str(&cfg.Auth.KeyPrefix)},
		{"AUTH_KEY_SECRET", str(&cfg.Auth.KeySecret)},

		{"RATELIMIT_STORE", str(&cfg.RateLimit.Store)},
		{"RATELIMIT_REDIS_URL", str(&cfg.RateLimit.RedisURL)},
		{"RATELIMIT_DEFAULT_CLASS", str(&cfg.RateLimit.DefaultClass)},

		{"BILLING_TRIAL", int64Val(&cfg.Billing.TrialBalance)},
		{"BILLING_MAX_PURCHASE", int64Val(&cfg.Billing.MaxPurchase)},
		{"BILLING_DEFAULT_COST", int64Val(&cfg.Billing.DefaultCost)},

		{"PIPELINE_HANDLER_RETRIES", integer(&cfg.Pipeline.HandlerRetries)},
		{"PIPELINE_STORE_RETRIES", integer(&cfg.Pipeline.StoreRetries)},

		{"DATABASE_DRIVER", str(&cfg.Database.Driver)},
		{"DATABASE_DSN", str(&cfg.Database.DSN)},

		{"USAGE_RETENTION_DAYS", integer(&cfg.Usage.RetentionDays)},
		{"USAGE_PRUNE_SCHEDULE", str(&cfg.Usage.PruneSchedule)},

		{"LOG_LEVEL", str(&cfg.Logging.Level)},
		{"LOG_FORMAT", str(&cfg.Logging.Format)},

		{"METRICS_ENABLED", boolean(&cfg.Metrics.Enabled)},
		{"METRICS_PATH", str(&cfg.Metrics.Path)},

		{"CORS_ENABLED", boolean(&cfg.CORS.Enabled)},
		{"CORS_ALLOWED_ORIGINS", list(&cfg.CORS.AllowedOrigins)},
	}

	var errs []error
	for _, o := range overrides {
		v := os.Getenv(EnvPrefix + o.name)
		if v == "" {
			continue
		}
		if err := o.apply(v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, o.name, err))
		}
	}
	return errors.Join(errs...)
}

func str(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func int64Val(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		*dst = parseBool(v)
		return nil
	}
}

func list(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
		return nil
	}
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
		cfg.Server.RequestTimeout = 60 * time.Second
	}

	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 30 * time.Second
	}

	if cfg.Auth.KeyPrefix == "" {
		cfg.Auth.KeyPrefix = "tg_"
	}
	if len(cfg.Auth.Rule.Protected) == 0 {
		cfg.Auth.Rule.Protected = []string{"/api/", "/billing/"}
	}

	if cfg.RateLimit.Store == "" {
		cfg.RateLimit.Store = StoreDatabase
	}
	if len(cfg.RateLimit.Rule.Protected) == 0 {
		cfg.RateLimit.Rule.Protected = cfg.Auth.Rule.Protected
	}
	if len(cfg.RateLimit.Classes) == 0 {
		cfg.RateLimit.Classes = map[string]ratelimit.Limits{
			"default": {PerMinute: 10, PerHour: 100, PerDay: 1000},
		}
	}
	if cfg.RateLimit.DefaultClass == "" {
		cfg.RateLimit.DefaultClass = "default"
	}

	if len(cfg.Billing.Rule.Protected) == 0 {
		cfg.Billing.Rule.Protected = []string{"/api/"}
		if cfg.Billing.Rule.Unmatched == "" {
			cfg.Billing.Rule.Unmatched = pathrule.Skip
		}
	}
	if cfg.Billing.TrialBalance == 0 {
		cfg.Billing.TrialBalance = 100
	}
	if cfg.Billing.MaxPurchase == 0 {
		cfg.Billing.MaxPurchase = 10000
	}
	if cfg.Billing.DefaultCost == 0 {
		cfg.Billing.DefaultCost = 1
	}

	if cfg.Pipeline.RetryBackoff == 0 {
		cfg.Pipeline.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Pipeline.StoreRetries == 0 {
		cfg.Pipeline.StoreRetries = 5
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver != DriverMemory {
		cfg.Database.DSN = "tollgate.db"
	}

	if cfg.Usage.PruneSchedule == "" {
		cfg.Usage.PruneSchedule = "0 3 * * *"
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

	if len(cfg.CORS.AllowedMethods) == 0 {
		cfg.CORS.AllowedMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	if len(cfg.CORS.AllowedHeaders) == 0 {
		cfg.CORS.AllowedHeaders = []string{"Authorization", "Content-Type"}
	}
}

// Validate checks the configuration for errors.
func (cfg *Config) Validate() error {
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if u, err := url.Parse(cfg.Upstream.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.url %q must be an absolute URL", cfg.Upstream.URL)
	}

	if cfg.Auth.KeySecret == "" {
		return fmt.Errorf("auth.key_secret is required")
	}

	rules := map[string]pathrule.Rule{
		"auth.rule":       cfg.Auth.Rule,
		"rate_limit.rule": cfg.RateLimit.Rule,
		"billing.rule":    cfg.Billing.Rule,
	}
	for name, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	switch cfg.RateLimit.Store {
	case StoreDatabase:
	case StoreRedis:
		if cfg.RateLimit.RedisURL == "" {
			return fmt.Errorf("rate_limit.redis_url is required when rate_limit.store is 'redis'")
		}
	default:
		return fmt.Errorf("rate_limit.store must be 'database' or 'redis', got %q", cfg.RateLimit.Store)
	}
	if _, ok := cfg.RateLimit.Classes[cfg.RateLimit.DefaultClass]; !ok {
		return fmt.Errorf("rate_limit.default_class %q is not a configured class", cfg.RateLimit.DefaultClass)
	}

	if cfg.Billing.TrialBalance < 0 {
		return fmt.Errorf("billing.trial_balance must not be negative")
	}
	if cfg.Billing.MaxPurchase < 0 {
		return fmt.Errorf("billing.max_purchase must not be negative")
	}
	if cfg.Billing.DefaultCost < 0 {
		return fmt.Errorf("billing.default_cost must not be negative")
	}
	for i, e := range cfg.Billing.Endpoints {
		if !strings.HasPrefix(e.Path, "/") {
			return fmt.Errorf("billing.endpoints[%d].path %q must start with /", i, e.Path)
		}
		if e.Cost < 0 {
			return fmt.Errorf("billing.endpoints[%d].cost must not be negative", i)
		}
	}

	if cfg.Pipeline.HandlerRetries < 0 {
		return fmt.Errorf("pipeline.handler_retries must not be negative")
	}

	switch cfg.Database.Driver {
	case DriverMemory, DriverSQLite, DriverSQLite3:
	default:
		return fmt.Errorf("database.driver must be one of: memory, sqlite, sqlite3, got %q", cfg.Database.Driver)
	}

	if cfg.Usage.RetentionDays < 0 {
		return fmt.Errorf("usage.retention_days must not be negative")
	}
	if cfg.Usage.RetentionDays > 0 {
		if _, err := cron.ParseStandard(cfg.Usage.PruneSchedule); err != nil {
			return fmt.Errorf("usage.prune_schedule: %w", err)
		}
	}

	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}
