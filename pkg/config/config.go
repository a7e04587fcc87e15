// Package config loads client configuration.
//
// Sources, highest priority first:
//  1. environment variables (TEAMUP_*);
//  2. the YAML file passed explicitly or named by TEAMUP_CONFIG;
//  3. built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultAPIBaseURL is used when nothing else is configured.
const DefaultAPIBaseURL = "http://127.0.0.1:8000/api"

// Session backends.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ClientConfig holds runtime configuration for the teamup client and CLI.
type ClientConfig struct {
	APIBaseURL string        `yaml:"api_base_url" env:"TEAMUP_API_BASE_URL" env-default:"http://127.0.0.1:8000/api"`
	Timeout    time.Duration `yaml:"timeout" env:"TEAMUP_TIMEOUT" env-default:"0s"`
	Log        LogConfig     `yaml:"log"`
	Session    SessionConfig `yaml:"session"`
	Redis      RedisConfig   `yaml:"redis"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"TEAMUP_LOG_LEVEL" env-default:"warn"`
	Format string `yaml:"format" env:"TEAMUP_LOG_FORMAT" env-default:"text"`
}

// SessionConfig selects where the token pair is persisted.
type SessionConfig struct {
	Backend    string `yaml:"backend" env:"TEAMUP_SESSION_BACKEND" env-default:"file"`
	Path       string `yaml:"path" env:"TEAMUP_SESSION_PATH"`
	Passphrase string `yaml:"passphrase" env:"TEAMUP_SESSION_PASSPHRASE"`
}

// RedisConfig is used when Session.Backend is "redis".
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"TEAMUP_REDIS_ADDR" env-default:"127.0.0.1:6379"`
	Password string `yaml:"password" env:"TEAMUP_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"TEAMUP_REDIS_DB" env-default:"0"`
	Prefix   string `yaml:"prefix" env:"TEAMUP_REDIS_PREFIX" env-default:"teamup:"`
}

// Load reads configuration from path (or TEAMUP_CONFIG when path is empty) and the
// environment. A missing explicit file is an error; no file at all means env only.
func Load(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if strings.TrimSpace(path) == "" {
		path = os.Getenv("TEAMUP_CONFIG")
	}
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err != nil {
			return ClientConfig{}, fmt.Errorf("config file %q stat failed: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return ClientConfig{}, fmt.Errorf("read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// Validate checks the loaded values.
func (c ClientConfig) Validate() error {
	base := strings.TrimSpace(c.APIBaseURL)
	if base == "" {
		return errors.New("api base url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("invalid api base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid api base url scheme %q", u.Scheme)
	}
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	switch c.Session.Backend {
	case BackendFile, BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("redis session backend requires an address")
		}
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}
	return nil
}
