// Package config provides configuration management for the application
// server.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Spawning    SpawningConfig    `mapstructure:"spawning"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Events      EventsConfig      `mapstructure:"events"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds the Request Controller's listener configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	AdminPort    int    `mapstructure:"adminPort"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// PoolConfig holds the Application Pool's global tunables (spec.md §3 Pool)
// plus the single application this process fronts, since poold runs one
// Request Controller in front of one configured app rather than routing
// by request content.
type PoolConfig struct {
	Max            int `mapstructure:"max"`
	MaxIdleTimeSec int `mapstructure:"maxIdleTimeSec"`

	AppRoot     string `mapstructure:"appRoot"`
	AppType     string `mapstructure:"appType"`
	Environment string `mapstructure:"environment"`
}

// SpawningConfig holds Spawning Kit defaults, overridable per Group via
// request Options (spec.md §4.4).
type SpawningConfig struct {
	DefaultMethod       string `mapstructure:"defaultMethod"` // "direct" or "smart"
	StartTimeoutMsec    int    `mapstructure:"startTimeoutMsec"`
	MaxPreloaderIdleSec int    `mapstructure:"maxPreloaderIdleSec"`
	LoadShellEnv        bool   `mapstructure:"loadShellEnv"`
}

// DatabaseConfig configures the diagnostics audit sink (SPEC_FULL.md §9).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite", "postgres", or "memory"
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration; an empty URL selects the
// in-memory event bus instead (internal/events/provider.go).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// AuthConfig holds the admin API's bearer-token configuration.
type AuthConfig struct {
	AdminToken string `mapstructure:"adminToken"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// MaxIdleTime returns the Pool's maxIdleTime as a time.Duration. The Pool's
// idle-process GC scan runs every MaxIdleTime/2; the idle threshold a
// process is measured against is its Group's Options.IdleTimeout.
func (p *PoolConfig) MaxIdleTime() time.Duration {
	return time.Duration(p.MaxIdleTimeSec) * time.Second
}

// detectDefaultLogFormat mirrors the teacher's environment-aware default:
// structured JSON under Kubernetes or an explicit production environment,
// readable text otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("POOLD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.adminPort", 3001)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("pool.max", 6)
	v.SetDefault("pool.maxIdleTimeSec", 300)
	v.SetDefault("pool.appType", "rack")
	v.SetDefault("pool.environment", "production")

	v.SetDefault("spawning.defaultMethod", "smart")
	v.SetDefault("spawning.startTimeoutMsec", 10000)
	v.SetDefault("spawning.maxPreloaderIdleSec", 300)
	v.SetDefault("spawning.loadShellEnv", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./poold-diagnostics.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "poold")
	v.SetDefault("database.dbName", "poold")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "poold-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("auth.adminToken", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix POOLD_ with snake_case
// naming. The config file (config.yaml) is searched for in the current
// directory and /etc/poold/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "POOLD_LOG_LEVEL")
	_ = v.BindEnv("pool.max", "POOLD_POOL_MAX")
	_ = v.BindEnv("nats.url", "POOLD_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/poold/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.AdminPort <= 0 || cfg.Server.AdminPort > 65535 {
		errs = append(errs, "server.adminPort must be between 1 and 65535")
	}
	if cfg.Pool.Max <= 0 {
		errs = append(errs, "pool.max must be positive")
	}
	if cfg.Pool.AppRoot == "" {
		errs = append(errs, "pool.appRoot is required")
	}

	switch cfg.Spawning.DefaultMethod {
	case "direct", "smart":
	default:
		errs = append(errs, "spawning.defaultMethod must be one of: direct, smart")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the PostgreSQL connection string for the diagnostics sink.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
