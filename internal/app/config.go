package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Cache backends.
const (
	CacheSQLite = "sqlite"
	CacheFile   = "file"
	CacheMemory = "memory"
)

// Config holds application configuration. Values come from DefaultConfig,
// then the YAML file, then RELSYNC_* environment variables.
type Config struct {
	BaseURL         string        `yaml:"base_url" env:"RELSYNC_BASE_URL"`
	UserID          string        `yaml:"user_id" env:"RELSYNC_USER_ID"`
	Token           string        `yaml:"token" env:"RELSYNC_TOKEN"`
	DataDir         string        `yaml:"data_dir" env:"RELSYNC_DATA_DIR"`
	CacheBackend    string        `yaml:"cache_backend" env:"RELSYNC_CACHE_BACKEND"`
	MutationTimeout time.Duration `yaml:"mutation_timeout" env:"RELSYNC_MUTATION_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"RELSYNC_REQUEST_TIMEOUT"`
	LogLevel        string        `yaml:"log_level" env:"RELSYNC_LOG_LEVEL"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://127.0.0.1:7070",
		DataDir:         "~/.relsync",
		CacheBackend:    CacheSQLite,
		MutationTimeout: 15 * time.Second,
		RequestTimeout:  30 * time.Second,
		LogLevel:        "info",
	}
}

// DefaultConfigPath returns ~/.relsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".relsync", "config.yaml")
	}
	return filepath.Join(home, ".relsync", "config.yaml")
}

// LoadConfig reads path over the defaults and applies environment
// overrides. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field values.
func (c Config) Validate() error {
	switch c.CacheBackend {
	case CacheSQLite, CacheFile, CacheMemory:
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	if c.BaseURL == "" {
		return errors.New("base url is empty")
	}
	if c.MutationTimeout < 0 {
		return errors.New("mutation timeout is negative")
	}
	return nil
}

// ResolvedDataDir returns DataDir with a leading ~ expanded.
func (c Config) ResolvedDataDir() (string, error) {
	dir := c.DataDir
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return dir, nil
}
