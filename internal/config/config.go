// Package config loads the service configuration from a YAML file with
// environment-variable overrides, read once at process start.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
)

// Config holds the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Instance InstanceConfig `yaml:"instance"`
	Sync     SyncConfig     `yaml:"sync"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds database connection settings. An empty URL runs the
// service on in-memory repositories.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// StorageConfig holds raw-file storage settings.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// InstanceConfig declares this instance's extraction capability.
type InstanceConfig struct {
	Tier kb.Tier `yaml:"tier"` // "cloud" or "local"
}

// SyncConfig holds the pairing with the other instance.
type SyncConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PeerURL      string        `yaml:"peer_url"`
	SharedSecret string        `yaml:"shared_secret"`
	Interval     time.Duration `yaml:"interval"`
	BatchSize    int           `yaml:"batch_size"`
	Parallelism  int           `yaml:"parallelism"`
	MaxAttempts  int           `yaml:"max_attempts"`
	ClaimTTL     time.Duration `yaml:"claim_ttl"`
}

// defaults returns a Config populated with sensible default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{Dir: "data/files"},
		Instance: InstanceConfig{
			Tier: kb.TierCloud,
		},
		Sync: SyncConfig{
			Interval:    30 * time.Minute,
			BatchSize:   20,
			Parallelism: 2,
			MaxAttempts: 5,
			ClaimTTL:    30 * time.Minute,
		},
	}
}

// Load reads a YAML configuration file at path, applies environment
// overrides, and returns a Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

// LoadDefault tries to load "config.yaml" from the current directory.
// If the file does not exist, defaults plus environment overrides are used.
// Any other error (e.g. permission denied, malformed YAML) is returned.
func LoadDefault() (*Config, error) {
	cfg, err := Load("config.yaml")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = defaults()
			if err := cfg.applyEnv(); err != nil {
				return nil, err
			}
			return cfg, cfg.validate()
		}
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from the environment. These are read once;
// no runtime reconfiguration.
func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("INSTANCE_TIER"); v != "" {
		c.Instance.Tier = kb.Tier(v)
	}
	if v := os.Getenv("SYNC_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid SYNC_ENABLED %q: %w", v, err)
		}
		c.Sync.Enabled = enabled
	}
	if v := os.Getenv("SYNC_PEER_URL"); v != "" {
		c.Sync.PeerURL = v
	}
	if v := os.Getenv("SYNC_SHARED_SECRET"); v != "" {
		c.Sync.SharedSecret = v
	}
	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SYNC_INTERVAL %q: %w", v, err)
		}
		c.Sync.Interval = d
	}
	return nil
}

func (c *Config) validate() error {
	if c.Instance.Tier != kb.TierCloud && c.Instance.Tier != kb.TierLocal {
		return fmt.Errorf("invalid instance tier %q: must be %q or %q", c.Instance.Tier, kb.TierCloud, kb.TierLocal)
	}
	if c.Sync.Enabled {
		if c.Sync.SharedSecret == "" {
			return errors.New("sync enabled but no shared secret configured")
		}
		if c.Instance.Tier == kb.TierLocal && c.Sync.PeerURL == "" {
			return errors.New("sync enabled on local tier but no peer URL configured")
		}
	}
	return nil
}
