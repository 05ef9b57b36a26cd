// =============================================================================
// LLMLB Configuration Loader
// =============================================================================
// Unified config loading: defaults -> YAML file -> environment variables.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("LLMLB").
//	    Load()
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structure
// =============================================================================

// Config is the full LLMLB configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Router    RouterConfig    `yaml:"router" env:"ROUTER"`
	Health    HealthConfig    `yaml:"health" env:"HEALTH"`
	Audit     AuditConfig     `yaml:"audit" env:"AUDIT"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Auth      AuthConfig      `yaml:"auth" env:"AUTH"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// CORSAllowedOrigins lists origins allowed on client-facing routes.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// RateLimitRPS/RateLimitBurst bound the per-client token-bucket rate limit.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// APIKeys authenticates client-facing OpenAI-protocol routes (§6:
	// "Authorization: Bearer <api_key>" or "X-API-Key"). Distinct from
	// Auth.JWTSecret, which guards the management API.
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// AllowQueryAPIKey permits ?api_key= for clients that can't set headers
	// (e.g. browser-based audio/image endpoints).
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	// URL is a scheme-prefixed DSN: sqlite:///path/to.db, postgres://..., mysql://...
	URL             string        `yaml:"url" env:"URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	MigrationsPath  string        `yaml:"migrations_path" env:"MIGRATIONS_PATH"`
}

// RedisConfig configures the optional model-catalog accelerator cache.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// RouterConfig controls dispatcher selection, admission, and dispatch behavior.
type RouterConfig struct {
	// Mode selects the endpoint-selection strategy: "least_load" or "round_robin".
	Mode string `yaml:"mode" env:"MODE"`
	// QueueMax bounds the number of requests waiting for a free endpoint slot.
	QueueMax int `yaml:"queue_max" env:"QUEUE_MAX"`
	// QueueTimeout bounds how long a request may wait in the admission queue.
	QueueTimeout time.Duration `yaml:"queue_timeout" env:"QUEUE_TIMEOUT"`
	// UpstreamTimeout bounds a single upstream round trip (non-streaming).
	UpstreamTimeout time.Duration `yaml:"upstream_timeout" env:"UPSTREAM_TIMEOUT"`
	// MaxFailuresBeforeExclude marks an endpoint excluded for a model after this many
	// consecutive failures.
	MaxFailuresBeforeExclude int `yaml:"max_failures_before_exclude" env:"MAX_FAILURES_BEFORE_EXCLUDE"`
	// ExclusionCooldown is how long an excluded endpoint/model pair stays excluded.
	ExclusionCooldown time.Duration `yaml:"exclusion_cooldown" env:"EXCLUSION_COOLDOWN"`
	// BreakerFailureThreshold trips an endpoint's circuit breaker.
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" env:"BREAKER_FAILURE_THRESHOLD"`
	// BreakerResetTimeout is how long a tripped breaker stays open before probing half-open.
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" env:"BREAKER_RESET_TIMEOUT"`
}

// HealthConfig controls the background endpoint prober.
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval" env:"CHECK_INTERVAL"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
	// MaxConcurrentProbes bounds how many endpoints are probed at once per sweep.
	MaxConcurrentProbes int `yaml:"max_concurrent_probes" env:"MAX_CONCURRENT_PROBES"`
	// HistoryRetention is how long health-check rows are kept before purge.
	HistoryRetention time.Duration `yaml:"history_retention" env:"HISTORY_RETENTION"`
	// PurgeInterval is how often the retention purge runs.
	PurgeInterval time.Duration `yaml:"purge_interval" env:"PURGE_INTERVAL"`
}

// AuditConfig controls the hash-chained audit writer.
type AuditConfig struct {
	BufferCapacity int           `yaml:"buffer_capacity" env:"BUFFER_CAPACITY"`
	FlushInterval  time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BatchInterval  time.Duration `yaml:"batch_interval" env:"BATCH_INTERVAL"`
	BatchMaxSize   int           `yaml:"batch_max_size" env:"BATCH_MAX_SIZE"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// AuthConfig configures the management API's JWT middleware.
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	TokenTTL   time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	Issuer     string        `yaml:"issuer" env:"ISSUER"`
}

// =============================================================================
// Loader (builder pattern)
// =============================================================================

// Loader loads a Config by merging defaults, an optional YAML file, and
// environment variables, in that order of increasing precedence.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "LLMLB",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a config validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the final Config: defaults -> file -> env -> validators.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads config from the given path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads config from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the config for obviously invalid values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid server port")
	}
	if c.Router.QueueMax < 0 {
		errs = append(errs, "router.queue_max must not be negative")
	}
	if c.Router.QueueTimeout < 0 {
		errs = append(errs, "router.queue_timeout must not be negative")
	}
	if c.Health.CheckInterval <= 0 {
		errs = append(errs, "health.check_interval must be positive")
	}
	if c.Audit.BufferCapacity <= 0 {
		errs = append(errs, "audit.buffer_capacity must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
