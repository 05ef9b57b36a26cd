// =============================================================================
// LLMLB Default Configuration
// =============================================================================
package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Router:    DefaultRouterConfig(),
		Health:    DefaultHealthConfig(),
		Audit:     DefaultAuditConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Auth:      DefaultAuthConfig(),
	}
}

// DefaultServerConfig returns default server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		MetricsPort:     9090,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       0, // unbounded: streaming responses may run indefinitely
		ShutdownTimeout:    15 * time.Second,
		CORSAllowedOrigins: []string{"*"},
		RateLimitRPS:       50,
		RateLimitBurst:     100,
		APIKeys:            nil,
		AllowQueryAPIKey:   false,
	}
}

// DefaultDatabaseConfig returns default database settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             "sqlite://llmlb.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		MigrationsPath:  "internal/migration/sql",
	}
}

// DefaultRedisConfig returns default Redis settings. An empty Addr means
// catalog caching is disabled and the registry is read straight through.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultRouterConfig returns default dispatcher settings, matching the
// documented spec.md defaults for queue_max/queue_timeout_secs.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Mode:                     "least_load",
		QueueMax:                 100,
		QueueTimeout:             30 * time.Second,
		UpstreamTimeout:          60 * time.Second,
		MaxFailuresBeforeExclude: 3,
		ExclusionCooldown:        2 * time.Minute,
		BreakerFailureThreshold:  5,
		BreakerResetTimeout:      30 * time.Second,
	}
}

// DefaultHealthConfig returns default prober settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:       30 * time.Second,
		ProbeTimeout:        5 * time.Second,
		MaxConcurrentProbes: 16,
		HistoryRetention:    7 * 24 * time.Hour,
		PurgeInterval:       1 * time.Hour,
	}
}

// DefaultAuditConfig returns default audit-writer settings.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		BufferCapacity: 10000,
		FlushInterval:  5 * time.Second,
		BatchInterval:  60 * time.Second,
		BatchMaxSize:   500,
	}
}

// DefaultLogConfig returns default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns default tracing settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "llmlb",
		SampleRate:   0.1,
	}
}

// DefaultAuthConfig returns default management-API auth settings.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: "",
		TokenTTL:  24 * time.Hour,
		Issuer:    "llmlb",
	}
}
