// Package config loads and saves the alice configuration file under
// ~/.alice/config.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/alicehq/alice/internal/models"
)

// NotificationConfig holds user preferences for outgoing notifications.
type NotificationConfig struct {
	Voice       bool `json:"voice"`
	QueueEvents bool `json:"queue_events"`
}

// Config is the persisted application configuration.
type Config struct {
	Notifications NotificationConfig      `json:"notifications"`
	AutoAction    models.AutoActionConfig `json:"auto_action"`

	path string
	mu   sync.Mutex
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Notifications: NotificationConfig{
			Voice:       false,
			QueueEvents: true,
		},
		AutoAction: models.AutoActionConfig{
			Enabled:      false,
			ActionType:   models.AutoActionNone,
			DelayMinutes: 30,
		},
	}
}

// Dir returns the alice home directory, ~/.alice.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".alice"
	}
	return filepath.Join(home, ".alice")
}

// DefaultPath returns the canonical config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads the config at path, filling unset fields with defaults. A
// missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config back to its file, creating the directory as
// needed.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	// Write-then-rename keeps a crash from leaving a half-written file.
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// SetAutoAction updates and persists the auto-action section.
func (c *Config) SetAutoAction(a models.AutoActionConfig) error {
	c.mu.Lock()
	c.AutoAction = a
	c.mu.Unlock()
	return c.Save()
}

// DisableAutoAction clears the persisted enabled flag.
func (c *Config) DisableAutoAction() error {
	c.mu.Lock()
	c.AutoAction.Enabled = false
	c.mu.Unlock()
	return c.Save()
}
