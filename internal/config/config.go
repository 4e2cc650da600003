// Package config loads the bank engine configuration.
//
// Values come from an optional YAML file named by BANK_CONFIG_FILE (with
// ${VAR} expansion), then from environment variables, which win. Unset
// values get defaults; the result is validated before use.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// FileEnv names the variable holding the optional YAML config path.
const FileEnv = "BANK_CONFIG_FILE"

// Config is the server configuration.
type Config struct {
	Port   string `yaml:"port" env:"PORT"`
	APIKey string `yaml:"api_key" env:"BANK_API_KEY"`

	Store       string `yaml:"store" env:"BANK_STORE"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	DBMaxConns  int32  `yaml:"db_max_conns" env:"BANK_DB_MAX_CONNS"`
	SQLitePath  string `yaml:"sqlite_path" env:"BANK_SQLITE_PATH"`

	RedisURL string        `yaml:"redis_url" env:"REDIS_URL"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"BANK_CACHE_TTL"`

	// CompoundInterval is how often the background job runs; 0 disables it.
	CompoundInterval time.Duration `yaml:"compound_interval" env:"BANK_COMPOUND_INTERVAL"`
	// CompoundPeriod is the length of one interest period.
	CompoundPeriod time.Duration `yaml:"compound_period" env:"BANK_COMPOUND_PERIOD"`

	RequestTimeout time.Duration `yaml:"request_timeout" env:"BANK_REQUEST_TIMEOUT"`
	LogLevel       string        `yaml:"log_level" env:"BANK_LOG_LEVEL"`
	CORSOrigin     string        `yaml:"cors_origin" env:"BANK_CORS_ORIGIN"`
}

// Load reads the optional config file, overlays the environment, applies
// defaults, and validates.
func Load() (*Config, error) {
	var cfg Config
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8085"
	}
	if c.Store == "" {
		switch {
		case c.DatabaseURL != "":
			c.Store = StorePostgres
		case c.SQLitePath != "":
			c.Store = StoreSQLite
		default:
			c.Store = StoreMemory
		}
	}
	c.Store = strings.ToLower(c.Store)
	if c.DBMaxConns == 0 {
		c.DBMaxConns = 10
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.CompoundPeriod == 0 {
		c.CompoundPeriod = 24 * time.Hour
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CORSOrigin == "" {
		c.CORSOrigin = "*"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, errors.New("BANK_API_KEY is required"))
	}
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres store requires DATABASE_URL"))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite store requires BANK_SQLITE_PATH"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q (want postgres, sqlite or memory)", c.Store))
	}
	if c.DBMaxConns < 1 {
		errs = append(errs, fmt.Errorf("db_max_conns must be positive, got %d", c.DBMaxConns))
	}
	if c.CompoundInterval < 0 {
		errs = append(errs, errors.New("compound_interval must not be negative"))
	}
	if c.CompoundPeriod < time.Second {
		errs = append(errs, fmt.Errorf("compound_period must be at least 1s, got %s", c.CompoundPeriod))
	}
	if c.CacheTTL < 0 || c.RequestTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
