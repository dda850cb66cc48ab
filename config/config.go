/*
Package config loads the service configuration.

SOURCES (later wins):
  1. Defaults below
  2. YAML file: --config, or tilbakekreving.yaml in the working directory
  3. Environment: TILBAKEKREVING_ prefix, dots become underscores
     (TILBAKEKREVING_OPPDRAG_URL sets oppdrag.url)

KEYS:
  server.port              HTTP port (8080)
  server.allowed_origins   CORS origins for the caseworker frontend
  database.path            SQLite file, ":memory:" for tests (tilbakekreving.db)
  ingest.enabled           Run the ingestion scheduler (true)
  ingest.interval          Time between ingestion runs (1m)
  ingest.max_retries       Retries after a concurrent modification (3)
  oppdrag.url              Base URL of the financial system
  oppdrag.timeout          Bound on one settlement exchange (10s)
  oppdrag.enhet            Responsible unit sent with decisions (8020)
  log.level                logrus level (info)
  log.format               text or json (text)
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const EnvPrefix = "TILBAKEKREVING"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Oppdrag  OppdragConfig  `mapstructure:"oppdrag"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type IngestConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type OppdragConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Enhet   string        `mapstructure:"enhet"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("database.path", "tilbakekreving.db")
	v.SetDefault("ingest.enabled", true)
	v.SetDefault("ingest.interval", time.Minute)
	v.SetDefault("ingest.max_retries", 3)
	v.SetDefault("oppdrag.url", "")
	v.SetDefault("oppdrag.timeout", 10*time.Second)
	v.SetDefault("oppdrag.enhet", "8020")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. An empty path looks for tilbakekreving.yaml
// in the working directory and carries on without it if there is none; an
// explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tilbakekreving")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Ingest.Enabled && c.Ingest.Interval <= 0 {
		return fmt.Errorf("ingest.interval must be positive, got %s", c.Ingest.Interval)
	}
	if c.Ingest.MaxRetries < 0 {
		return fmt.Errorf("ingest.max_retries must not be negative, got %d", c.Ingest.MaxRetries)
	}
	if c.Oppdrag.Timeout <= 0 {
		return fmt.Errorf("oppdrag.timeout must be positive, got %s", c.Oppdrag.Timeout)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// NewLogger builds the process logger. Output goes to stderr.
func (c LogConfig) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	if c.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
