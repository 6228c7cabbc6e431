package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	yaml "gopkg.in/yaml.v3"
)

// Config holds the configuration recognized by StoreFacade. It carries no
// HTTP/gRPC listener, TLS, or proxy-backend settings, since those belong
// to the distributed/peer layer this core does not own.
type Config struct {
	RootPath string `yaml:"root_path"`

	HardCapBytes int64 `yaml:"hard_cap_bytes"`
	SoftCapBytes int64 `yaml:"soft_cap_bytes"`

	HardLinkingEnabled       bool `yaml:"hard_linking_enabled"`
	ApplyDenyWriteAttributes bool `yaml:"apply_deny_write_attributes"`
	UseHardLinks             bool `yaml:"use_hard_links"`

	// FastPathPinnedPuts skips hash-lock acquisition in IngestEngine.PutFile
	// when the caller-supplied hash is already known to be pinned: such
	// content cannot be removed by the normal quota-driven eviction path,
	// so re-confirming its presence and adding another pin doesn't need
	// the lock that serializes mutation. A forced Evict/Delete can still
	// race this path, which is why it defaults to off.
	FastPathPinnedPuts bool `yaml:"fast_path_pinned_puts"`

	SelfCheckOnStartup bool `yaml:"self_check_on_startup"`

	HistoryWindowSize  int    `yaml:"history_window_size"`
	PinSizeHistoryPath string `yaml:"pin_size_history_path"`

	HardLinkLimit int `yaml:"hard_link_limit"`

	MaxPinWaitMillis   int `yaml:"max_pin_wait_millis"`
	MaxQuotaWaitMillis int `yaml:"max_quota_wait_millis"`
}

// defaults seeds a Config with defaults, then yaml.Unmarshal runs on top
// of it, so unset keys keep sane values rather than zeroing out.
func defaults() Config {
	return Config{
		HardLinkingEnabled:       true,
		UseHardLinks:             true,
		ApplyDenyWriteAttributes: false,
		SelfCheckOnStartup:       false,
		HistoryWindowSize:        64,
		MaxPinWaitMillis:         30000,
		MaxQuotaWaitMillis:       30000,
	}
}

// NewFromYamlFile reads and validates a Config from a YAML file.
func NewFromYamlFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %q: %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	return NewFromYaml(data)
}

// NewFromYaml parses and validates a Config from in-memory YAML bytes.
func NewFromYaml(data []byte) (*Config, error) {
	c := defaults()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if c.PinSizeHistoryPath == "" && c.RootPath != "" {
		c.PinSizeHistoryPath = filepath.Join(c.RootPath, "pin-size-history")
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that a Config describes a usable store.
func (c *Config) Validate() error {
	if c.RootPath == "" {
		return errors.New("the 'root_path' key is required")
	}
	if !filepath.IsAbs(c.RootPath) {
		return errors.New("'root_path' must be an absolute path")
	}
	if c.HardCapBytes <= 0 {
		return errors.New("'hard_cap_bytes' must be set to a value > 0")
	}
	if c.SoftCapBytes <= 0 {
		return errors.New("'soft_cap_bytes' must be set to a value > 0")
	}
	if c.SoftCapBytes > c.HardCapBytes {
		return errors.New("'soft_cap_bytes' must be <= 'hard_cap_bytes'")
	}
	if c.HistoryWindowSize <= 0 {
		return errors.New("'history_window_size' must be > 0")
	}
	if c.MaxPinWaitMillis < 0 {
		return errors.New("'max_pin_wait_millis' must be >= 0")
	}
	if c.MaxQuotaWaitMillis < 0 {
		return errors.New("'max_quota_wait_millis' must be >= 0")
	}
	if c.HardLinkLimit < 0 {
		return errors.New("'hard_link_limit' must be >= 0")
	}
	return nil
}
