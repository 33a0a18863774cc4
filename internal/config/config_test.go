package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerDefaults(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)

	config := m.GetConfig()
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "memory", config.Store.Backend)
	assert.Equal(t, 4096, config.Evaluator.TraceCacheSize)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
	assert.False(t, config.Cache.Enabled)

	require.NoError(t, m.Validate())
}

func TestManagerEnvOverride(t *testing.T) {
	t.Setenv("QME_SERVER_PORT", "9090")
	t.Setenv("QME_STORE_BACKEND", "sqlite")
	t.Setenv("QME_LOGGING_LEVEL", "debug")

	m, err := NewManager()
	require.NoError(t, err)

	config := m.GetConfig()
	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, "sqlite", config.Store.Backend)
	assert.Equal(t, "debug", config.Logging.Level)
	require.NoError(t, m.Validate())
}

func TestManagerValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad backend", func(c *Config) { c.Store.Backend = "dynamo" }},
		{"sqlite without path", func(c *Config) {
			c.Store.Backend = "sqlite"
			c.Store.SQLitePath = ""
		}},
		{"postgres without host", func(c *Config) {
			c.Store.Backend = "postgres"
			c.Database.Host = ""
		}},
		{"zero trace cache", func(c *Config) { c.Evaluator.TraceCacheSize = 0 }},
		{"zero rate limit", func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager()
			require.NoError(t, err)
			tt.mutate(m.GetConfig())
			assert.Error(t, m.Validate())
		})
	}
}

func TestDatabaseConnectionMapping(t *testing.T) {
	t.Setenv("QME_DATABASE_HOST", "db.internal")
	t.Setenv("QME_DATABASE_PORT", "5433")

	m, err := NewManager()
	require.NoError(t, err)

	conn := m.DatabaseConnection()
	assert.Equal(t, "db.internal", conn.Host)
	assert.Equal(t, 5433, conn.Port)
	assert.Equal(t, int32(25), conn.MaxConns)
}

func TestLiteDefaults(t *testing.T) {
	lite := NewLite()
	assert.Equal(t, "warn", lite.LogLevel)
	assert.Equal(t, "memory", lite.Backend)
}

func TestLiteEnvOverride(t *testing.T) {
	t.Setenv("QME_LOG_LEVEL", "debug")
	t.Setenv("QME_STORE_BACKEND", "sqlite")

	lite := NewLite()
	assert.Equal(t, "debug", lite.LogLevel)
	assert.Equal(t, "sqlite", lite.Backend)
}
