/*
Package config loads server configuration from the environment.

SOURCES (later wins):
  1. Defaults (envDefault tags)
  2. .env and .env.local in the working directory, if present
  3. Process environment
  4. Command-line flags (applied by cmd/server)

KEYS:
  OBELISK_PORT                        HTTP port (8080)
  OBELISK_DB_DRIVER                   sqlite | postgres (sqlite)
  OBELISK_DB_PATH                     SQLite file, ":memory:" allowed (./obelisk.db)
  DATABASE_URL                        PostgreSQL DSN, required for postgres
  OBELISK_LOG_LEVEL                   logrus level (info)
  OBELISK_LOG_FORMAT                  text | json (text)
  OBELISK_REQUIRE_TRANSITION_COMMENT  approve/reject/cancel need a comment (true)
  OBELISK_COMMENT_MAX_LENGTH          characters per comment (6000)
  OBELISK_CORS_ORIGINS                comma-separated origins
  OBELISK_METRICS_PATH                Prometheus endpoint (/metrics)
  OBELISK_BOOTSTRAP_ADMIN             email of an administrator created on start
  OBELISK_BACKLOG_INTERVAL            pending-request gauge refresh, 0 disables (1m)
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/warp/obelisk/changerequest"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	Port        string `env:"OBELISK_PORT" envDefault:"8080"`
	DBDriver    string `env:"OBELISK_DB_DRIVER" envDefault:"sqlite"`
	DBPath      string `env:"OBELISK_DB_PATH" envDefault:"./obelisk.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	LogLevel  string `env:"OBELISK_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"OBELISK_LOG_FORMAT" envDefault:"text"`

	RequireTransitionComment bool `env:"OBELISK_REQUIRE_TRANSITION_COMMENT" envDefault:"true"`
	CommentMaxLength         int  `env:"OBELISK_COMMENT_MAX_LENGTH" envDefault:"6000"`

	CORSOrigins    []string `env:"OBELISK_CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:8080"`
	MetricsPath    string   `env:"OBELISK_METRICS_PATH" envDefault:"/metrics"`
	BootstrapAdmin string   `env:"OBELISK_BOOTSTRAP_ADMIN"`

	BacklogInterval time.Duration `env:"OBELISK_BACKLOG_INTERVAL" envDefault:"1m"`
}

// LoadEnvFiles loads the given dotenv files that exist. Missing files are
// skipped; existing process variables are not overridden.
func LoadEnvFiles(files ...string) (int, error) {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load reads .env files and the process environment.
func Load() (*Config, error) {
	if _, err := LoadEnvFiles(".env", ".env.local"); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	return Parse(env.Options{})
}

// Parse builds a Config from opts. Tests pass opts.Environment to avoid
// touching the process environment.
func Parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("OBELISK_DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown OBELISK_DB_DRIVER %q", c.DBDriver)
	}
	if c.CommentMaxLength <= 0 {
		return fmt.Errorf("OBELISK_COMMENT_MAX_LENGTH must be positive, got %d", c.CommentMaxLength)
	}
	if c.BacklogInterval < 0 {
		return fmt.Errorf("OBELISK_BACKLOG_INTERVAL must not be negative, got %s", c.BacklogInterval)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid OBELISK_LOG_LEVEL: %w", err)
	}
	return nil
}

// CommentPolicy returns the workflow comment rules.
func (c *Config) CommentPolicy() changerequest.CommentPolicy {
	return changerequest.CommentPolicy{
		Required:  c.RequireTransitionComment,
		MaxLength: c.CommentMaxLength,
	}
}

// Logger builds a logrus logger with the configured level and format.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(c.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
