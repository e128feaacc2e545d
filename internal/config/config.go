// Package config carries the engine tunables. Defaults match the wire
// contract; a YAML file can override operational knobs but never the
// protocol limits that callers depend on.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SecretEnvVar names the environment variable holding the shared HMAC
// secret. When unset the engine runs without signature verification.
const SecretEnvVar = "INDICATORD_SECRET"

type Config struct {
	DBPath          string        `yaml:"db_path"`
	MaxLineBytes    int           `yaml:"max_line_bytes"`
	RateLimit       int           `yaml:"rate_limit"`
	RateWindow      time.Duration `yaml:"rate_window"`
	QueueCap        int           `yaml:"queue_cap"`
	BatchSize       int           `yaml:"batch_size"`
	BatchInterval   time.Duration `yaml:"batch_interval"`
	ReplayWindow    time.Duration `yaml:"replay_window"`
	AuditTTL        time.Duration `yaml:"audit_ttl"`
	AuditPurgeEvery time.Duration `yaml:"audit_purge_every"`
	StrictRateLimit bool          `yaml:"strict_rate_limit"`
	AcceptLegacy    bool          `yaml:"accept_legacy"`
}

func DefaultConfig() Config {
	return Config{
		DBPath:          defaultDBPath(),
		MaxLineBytes:    8192,
		RateLimit:       100,
		RateWindow:      60 * time.Second,
		QueueCap:        100,
		BatchSize:       10,
		BatchInterval:   time.Millisecond,
		ReplayWindow:    30 * time.Second,
		AuditTTL:        7 * 24 * time.Hour,
		AuditPurgeEvery: time.Hour,
		StrictRateLimit: false,
		AcceptLegacy:    true,
	}
}

// Load reads a YAML override file on top of the defaults. A missing
// file is not an error; a present but malformed file is.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxLineBytes < 1 || c.MaxLineBytes > 8192 {
		return fmt.Errorf("max_line_bytes must be in [1, 8192], got %d", c.MaxLineBytes)
	}
	if c.RateLimit < 1 {
		return fmt.Errorf("rate_limit must be positive, got %d", c.RateLimit)
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("rate_window must be positive, got %s", c.RateWindow)
	}
	if c.QueueCap < 1 {
		return fmt.Errorf("queue_cap must be positive, got %d", c.QueueCap)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("batch_interval must be positive, got %s", c.BatchInterval)
	}
	if c.ReplayWindow <= 0 {
		return fmt.Errorf("replay_window must be positive, got %s", c.ReplayWindow)
	}
	if c.AuditTTL <= 0 {
		return fmt.Errorf("audit_ttl must be positive, got %s", c.AuditTTL)
	}
	if c.AuditPurgeEvery <= 0 {
		return fmt.Errorf("audit_purge_every must be positive, got %s", c.AuditPurgeEvery)
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "indicatord.db"
	}
	return filepath.Join(home, ".local", "state", "indicatord", "state.db")
}
