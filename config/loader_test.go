// Config loader and defaults tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- default config ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "least_load", cfg.Router.Mode)
	assert.Equal(t, 100, cfg.Router.QueueMax)
	assert.Equal(t, 30*time.Second, cfg.Router.QueueTimeout)
	assert.Equal(t, 3, cfg.Router.MaxFailuresBeforeExclude)

	assert.Equal(t, 30*time.Second, cfg.Health.CheckInterval)

	assert.Equal(t, "", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "sqlite://llmlb.db", cfg.Database.URL)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

// --- Loader ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "least_load", cfg.Router.Mode)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 8888
  read_timeout: 60s

router:
  mode: "round_robin"
  queue_max: 250
  queue_timeout: 10s

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "round_robin", cfg.Router.Mode)
	assert.Equal(t, 250, cfg.Router.QueueMax)
	assert.Equal(t, 10*time.Second, cfg.Router.QueueTimeout)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	envVars := map[string]string{
		"LLMLB_SERVER_PORT":         "7777",
		"LLMLB_ROUTER_MODE":        "round_robin",
		"LLMLB_ROUTER_QUEUE_MAX":   "15",
		"LLMLB_REDIS_ADDR":         "env-redis:6379",
		"LLMLB_LOG_LEVEL":          "warn",
	}

	for k, v := range envVars {
		os.Setenv(k, v)
	}
	defer func() {
		for k := range envVars {
			os.Unsetenv(k)
		}
	}()

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "round_robin", cfg.Router.Mode)
	assert.Equal(t, 15, cfg.Router.QueueMax)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 8888
router:
  mode: "round_robin"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	os.Setenv("LLMLB_SERVER_PORT", "9999")
	os.Setenv("LLMLB_ROUTER_MODE", "least_load")
	defer func() {
		os.Unsetenv("LLMLB_SERVER_PORT")
		os.Unsetenv("LLMLB_ROUTER_MODE")
	}()

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "least_load", cfg.Router.Mode)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	os.Setenv("MYAPP_SERVER_PORT", "6666")
	os.Setenv("MYAPP_ROUTER_MODE", "round_robin")
	defer func() {
		os.Unsetenv("MYAPP_SERVER_PORT")
		os.Unsetenv("MYAPP_ROUTER_MODE")
	}()

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.Port)
	assert.Equal(t, "round_robin", cfg.Router.Mode)
}

func TestLoader_WithValidator(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.Server.Port < 1024 {
			return assert.AnError
		}
		return nil
	}

	os.Setenv("LLMLB_SERVER_PORT", "80")
	defer os.Unsetenv("LLMLB_SERVER_PORT")

	_, err := NewLoader().
		WithValidator(validator).
		Load()
	assert.Error(t, err)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
server:
  port: [invalid
  this is not valid yaml
`
	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err)

	_, err = NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

// --- Config.Validate ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid port (negative)",
			modify: func(c *Config) {
				c.Server.Port = -1
			},
			wantErr: true,
		},
		{
			name: "invalid port (too large)",
			modify: func(c *Config) {
				c.Server.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "invalid queue_max",
			modify: func(c *Config) {
				c.Router.QueueMax = -1
			},
			wantErr: true,
		},
		{
			name: "invalid queue_timeout",
			modify: func(c *Config) {
				c.Router.QueueTimeout = -1 * time.Second
			},
			wantErr: true,
		},
		{
			name: "invalid audit buffer capacity",
			modify: func(c *Config) {
				c.Audit.BufferCapacity = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// --- MustLoad ---

func TestMustLoad_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 8080
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		cfg := MustLoad(configPath)
		assert.Equal(t, 8080, cfg.Server.Port)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	err := os.WriteFile(configPath, []byte("invalid: [yaml"), 0644)
	require.NoError(t, err)

	assert.Panics(t, func() {
		MustLoad(configPath)
	})
}

func TestLoadFromEnv_Function(t *testing.T) {
	os.Setenv("LLMLB_ROUTER_MODE", "round_robin")
	defer os.Unsetenv("LLMLB_ROUTER_MODE")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "round_robin", cfg.Router.Mode)
}
