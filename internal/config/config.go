// Package config loads engine configuration from file, environment and
// defaults, in that ascending order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quality-measure-engine/internal/database"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// CacheConfig holds the Redis artifact-cache settings.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// StoreConfig selects the override store backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite" or "postgres".
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// EvaluatorConfig holds evaluation settings.
type EvaluatorConfig struct {
	TraceCacheSize int `mapstructure:"trace_cache_size"`
}

// RateLimitConfig holds API rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete engine configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Store     StoreConfig     `mapstructure:"store"`
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Manager loads and validates the configuration via viper.
type Manager struct {
	v      *viper.Viper
	config *Config
}

// NewManager loads configuration from config.yaml (searched in ., ./config
// and /etc/quality-measure-engine) and QME_-prefixed environment variables.
func NewManager() (*Manager, error) {
	m := &Manager{v: viper.New()}
	if err := m.load(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

func (m *Manager) load() error {
	m.v.SetConfigName("config")
	m.v.SetConfigType("yaml")
	m.v.AddConfigPath(".")
	m.v.AddConfigPath("./config")
	m.v.AddConfigPath("/etc/quality-measure-engine/")

	m.v.SetEnvPrefix("QME")
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()

	m.setDefaults()

	if err := m.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}

	config := &Config{}
	if err := m.v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.config = config
	return nil
}

func (m *Manager) setDefaults() {
	m.v.SetDefault("server.host", "0.0.0.0")
	m.v.SetDefault("server.port", 8080)
	m.v.SetDefault("server.read_timeout", "30s")
	m.v.SetDefault("server.write_timeout", "30s")
	m.v.SetDefault("server.idle_timeout", "120s")

	m.v.SetDefault("database.host", "localhost")
	m.v.SetDefault("database.port", 5432)
	m.v.SetDefault("database.database", "quality_measures")
	m.v.SetDefault("database.username", "postgres")
	m.v.SetDefault("database.password", "")
	m.v.SetDefault("database.ssl_mode", "disable")
	m.v.SetDefault("database.max_conns", 25)
	m.v.SetDefault("database.min_conns", 5)
	m.v.SetDefault("database.conn_max_lifetime", "5m")
	m.v.SetDefault("database.conn_max_idle_time", "30m")
	m.v.SetDefault("database.migrations_path", "migrations")
	m.v.SetDefault("database.auto_migrate", false)

	m.v.SetDefault("cache.enabled", false)
	m.v.SetDefault("cache.addr", "localhost:6379")
	m.v.SetDefault("cache.password", "")
	m.v.SetDefault("cache.db", 0)
	m.v.SetDefault("cache.ttl", "24h")

	m.v.SetDefault("store.backend", "memory")
	m.v.SetDefault("store.sqlite_path", "data/overrides.db")

	m.v.SetDefault("evaluator.trace_cache_size", 4096)

	m.v.SetDefault("rate_limit.requests_per_second", 50)
	m.v.SetDefault("rate_limit.burst", 100)

	m.v.SetDefault("logging.level", "info")
	m.v.SetDefault("logging.format", "json")
}

// GetConfig returns the complete configuration.
func (m *Manager) GetConfig() *Config {
	return m.config
}

// DatabaseConnection maps the loaded settings onto the pool config.
func (m *Manager) DatabaseConnection() database.Config {
	db := m.config.Database
	return database.Config{
		Host:        db.Host,
		Port:        db.Port,
		Database:    db.Database,
		Username:    db.Username,
		Password:    db.Password,
		MaxConns:    db.MaxConns,
		MinConns:    db.MinConns,
		MaxConnLife: db.ConnMaxLifetime,
		MaxConnIdle: db.ConnMaxIdleTime,
		SSLMode:     db.SSLMode,
	}
}

// Validate checks the loaded configuration.
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Store.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid store backend: %s", config.Store.Backend)
	}
	if config.Store.Backend == "sqlite" && config.Store.SQLitePath == "" {
		return fmt.Errorf("sqlite store requires a path")
	}
	if config.Store.Backend == "postgres" {
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
	}

	if config.Evaluator.TraceCacheSize <= 0 {
		return fmt.Errorf("trace cache size must be positive")
	}
	if config.RateLimit.RequestsPerSecond <= 0 || config.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}
	if config.Logging.Format != "json" && config.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", config.Logging.Format)
	}

	return nil
}

// Lite is the minimal configuration the stdio server needs: it runs as a
// subprocess of an editor or agent and takes everything from the
// environment.
type Lite struct {
	LogLevel   string
	Backend    string
	SQLitePath string
}

// NewLite reads the stdio server configuration from QME_-prefixed
// environment variables.
func NewLite() Lite {
	v := viper.New()
	v.SetEnvPrefix("QME")
	v.AutomaticEnv()
	v.SetDefault("LOG_LEVEL", "warn")
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("STORE_SQLITE_PATH", "data/overrides.db")

	return Lite{
		LogLevel:   v.GetString("LOG_LEVEL"),
		Backend:    v.GetString("STORE_BACKEND"),
		SQLitePath: v.GetString("STORE_SQLITE_PATH"),
	}
}
