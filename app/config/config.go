// Package config loads the optional YAML configuration covering cleanup rules and
// status-change notifications. Server-level settings (addresses, paths, auth) come from
// flags and env, not from this file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// YamlConfig is the top-level structure of the optional config file
type YamlConfig struct {
	Cleanup CleanupConfig `yaml:"cleanup" json:"cleanup"`
	Notify  NotifyConfig  `yaml:"notify" json:"notify"`
}

// CleanupConfig describes the scheduled purge of finished jobs
type CleanupConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Schedule string        `yaml:"schedule" json:"schedule"`   // cron expression, e.g. "0 3 * * *"
	MaxAge   time.Duration `yaml:"max_age" json:"max_age"`     // purge jobs older than this
	Statuses []string      `yaml:"statuses" json:"statuses"`   // only jobs in these statuses are purged
}

// NotifyConfig describes status-change notifications
type NotifyConfig struct {
	Destinations []string      `yaml:"destinations" json:"destinations"` // notification URLs (webhook, telegram, slack, mailto)
	OnStatuses   []string      `yaml:"on_statuses" json:"on_statuses"`   // statuses triggering a notification
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`           // per-send timeout, default 10s
}

// Load reads and parses the YAML config file and verifies it
func Load(path string) (*YamlConfig, error) {
	data, err := os.ReadFile(path) // nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &YamlConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 10 * time.Second
	}

	if err := Verify(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Verify performs validation of config fields
func Verify(cfg *YamlConfig) error {
	if cfg.Cleanup.Enabled {
		if cfg.Cleanup.Schedule == "" {
			return fmt.Errorf("cleanup enabled but no schedule set")
		}
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(cfg.Cleanup.Schedule); err != nil {
			return fmt.Errorf("invalid cleanup schedule %q: %w", cfg.Cleanup.Schedule, err)
		}
		if len(cfg.Cleanup.Statuses) == 0 {
			return fmt.Errorf("cleanup enabled but no statuses set")
		}
		if cfg.Cleanup.MaxAge < 0 {
			return fmt.Errorf("cleanup max_age can't be negative")
		}
	}

	for i, dest := range cfg.Notify.Destinations {
		if !validDestination(dest) {
			return fmt.Errorf("notify destination %d: unsupported scheme in %q", i+1, dest)
		}
	}
	if len(cfg.Notify.Destinations) > 0 && len(cfg.Notify.OnStatuses) == 0 {
		return fmt.Errorf("notify destinations set but no on_statuses")
	}

	return nil
}

// validDestination checks the destination scheme against what the notification sender
// can dispatch on
func validDestination(dest string) bool {
	for _, prefix := range []string{"http://", "https://", "mailto:", "telegram:", "slack:"} {
		if strings.HasPrefix(dest, prefix) {
			return true
		}
	}
	return false
}

// GenerateSchema generates a JSON schema for the YamlConfig struct
func GenerateSchema() (*jsonschema.Schema, error) {
	return jsonschema.Reflect(&YamlConfig{}), nil
}
