package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the full service configuration. Values come from an optional
// YAML file and may be overridden through KENNELWORKS_* environment variables.
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	HTTP struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		MaxBodyBytes    int64         `yaml:"max_body_bytes"`
		RateLimitPerSec int           `yaml:"rate_limit_per_sec"`
		RateLimitBurst  int           `yaml:"rate_limit_burst"`
	} `yaml:"http"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		OverrideSecret string        `yaml:"override_secret"`
	} `yaml:"auth"`
}

// Default returns the configuration used when no file or env overrides exist.
func Default() Config {
	var cfg Config
	cfg.Environment = "dev"
	cfg.LogLevel = "info"
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.ReadTimeout = 15 * time.Second
	cfg.HTTP.WriteTimeout = 15 * time.Second
	cfg.HTTP.IdleTimeout = 60 * time.Second
	cfg.HTTP.MaxBodyBytes = 1 << 20
	cfg.HTTP.RateLimitPerSec = 50
	cfg.HTTP.RateLimitBurst = 100
	cfg.Auth.TokenTTL = 15 * time.Minute
	return cfg
}

// Load reads the YAML file at path (if non-empty) on top of defaults, then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Environment, "KENNELWORKS_ENV")
	setString(&c.LogLevel, "KENNELWORKS_LOG_LEVEL")
	setString(&c.HTTP.Addr, "KENNELWORKS_HTTP_ADDR")
	setString(&c.Postgres.DSN, "KENNELWORKS_PG_DSN")
	setString(&c.Redis.Addr, "KENNELWORKS_REDIS_ADDR")
	setString(&c.Redis.Password, "KENNELWORKS_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "KENNELWORKS_REDIS_DB")
	setString(&c.Auth.JWTSecret, "KENNELWORKS_JWT_SECRET")
	setString(&c.Auth.OverrideSecret, "KENNELWORKS_OVERRIDE_SECRET")
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("config: http addr is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("config: auth token_ttl must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
