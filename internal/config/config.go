// Package config provides application configuration loading.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	CORS     CORSConfig     `koanf:"cors"`
	JWT      JWTConfig      `koanf:"jwt"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Posters  PostersConfig  `koanf:"posters"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// JWTConfig contains API token settings.
type JWTConfig struct {
	SecretKey     string        `koanf:"secret_key"`
	TokenDuration time.Duration `koanf:"token_duration"`
}

// DispatchConfig contains dispatcher, retry and rate-limit settings.
type DispatchConfig struct {
	Enabled           bool          `koanf:"enabled"`
	BatchSize         int           `koanf:"batch_size"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	NumWorkers        int           `koanf:"num_workers"`
	PostTimeout       time.Duration `koanf:"post_timeout"`
	ProcessingTimeout time.Duration `koanf:"processing_timeout"`
	Retry             RetryConfig   `koanf:"retry"`
	RateLimit         RateConfig    `koanf:"rate_limit"`
}

// RetryConfig contains backoff settings for failed posts.
type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

// RateConfig contains per-account posting limits.
type RateConfig struct {
	HourlyMax int `koanf:"hourly_max"`
	DailyMax  int `koanf:"daily_max"`
}

// PostersConfig contains platform poster settings.
type PostersConfig struct {
	UploadPost UploadPostConfig `koanf:"upload_post"`
}

// UploadPostConfig contains Upload-Post API settings.
type UploadPostConfig struct {
	Enabled        bool          `koanf:"enabled"`
	BaseURL        string        `koanf:"base_url"`
	APIKey         string        `koanf:"api_key"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	RateLimit      float64       `koanf:"rate_limit"`
}

// envPrefix is the prefix for environment variable overrides. Double
// underscore separates nesting levels, e.g. POSTFLOW_DATABASE__URL
// overrides database.url and POSTFLOW_JWT__SECRET_KEY overrides
// jwt.secret_key.
const envPrefix = "POSTFLOW_"

// Load reads configuration from an optional YAML file and environment
// variables. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(defaultsProvider(), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("jwt.secret_key is required")
	}
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch.batch_size must be positive")
	}
	if c.Dispatch.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.retry.max_attempts must be positive")
	}
	if c.Dispatch.RateLimit.HourlyMax <= 0 || c.Dispatch.RateLimit.DailyMax <= 0 {
		return fmt.Errorf("dispatch.rate_limit maxima must be positive")
	}
	return nil
}

// defaultsProvider supplies baseline settings. The file and env loads
// merge on top of these.
func defaultsProvider() koanf.Provider {
	return confmap.Provider(map[string]interface{}{
		"server.host":                 "0.0.0.0",
		"server.port":                 "8080",
		"server.metrics_port":         "9090",
		"server.read_timeout":         "15s",
		"server.read_header_timeout":  "5s",
		"server.write_timeout":        "15s",
		"server.idle_timeout":         "60s",
		"database.max_open_conns":     10,
		"database.max_idle_conns":     2,
		"database.conn_max_lifetime":  "30m",
		"database.connect_timeout":    "30s",
		"database.connect_attempts":   5,
		"log.level":                   "info",
		"log.format":                  "json",
		"cors.allowed_origins":        []string{},
		"jwt.token_duration":          "24h",
		"dispatch.enabled":            true,
		"dispatch.batch_size":         100,
		"dispatch.poll_interval":      "5s",
		"dispatch.num_workers":        5,
		"dispatch.post_timeout":       "60s",
		"dispatch.processing_timeout": "10m",
		"dispatch.retry.max_attempts": 3,
		"dispatch.retry.initial_backoff": "10m",
		"dispatch.retry.max_backoff":     "6h",
		"dispatch.rate_limit.hourly_max": 5,
		"dispatch.rate_limit.daily_max":  25,
		"posters.upload_post.enabled":         false,
		"posters.upload_post.base_url":        "https://api.upload-post.com",
		"posters.upload_post.request_timeout": "30s",
		"posters.upload_post.rate_limit":      2,
	}, ".")
}
