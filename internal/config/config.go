// Package config loads coordbug settings from defaults and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taigrr/coordbug/internal/types"
	"github.com/taigrr/coordbug/internal/watcher"
	"gopkg.in/yaml.v3"
)

// AppName names the per-user data directory.
const AppName = "coordbug"

// Config holds every tunable setting. Zero durations disable the feature they
// control, except Debounce which falls back to the watcher default.
type Config struct {
	Root          string   `yaml:"root"`
	Debounce      Duration `yaml:"debounce"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
	NotifyTimeout Duration `yaml:"notify_timeout"`
	FailureMode   string   `yaml:"failure_mode"`
	Ignore        []string `yaml:"ignore"`
	LogLevel      string   `yaml:"log_level"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML accepts strings such as "250ms" or "2s".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Debounce:    Duration(100 * time.Millisecond),
		FailureMode: string(watcher.Silent),
		LogLevel:    "info",
	}
}

// DefaultRoot returns the per-user application data directory.
func DefaultRoot() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user data directory: %w", err)
	}
	return filepath.Join(dir, AppName), nil
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config file not found: %s", path)
		}
		return Config{}, fmt.Errorf("failed to read config: %s - %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks enumerated and non-negative fields.
func (c Config) Validate() error {
	if _, err := watcher.ParseFailureMode(c.FailureMode); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	for name, d := range map[string]Duration{
		"debounce":       c.Debounce,
		"probe_timeout":  c.ProbeTimeout,
		"notify_timeout": c.NotifyTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Layout resolves the managed directories, using DefaultRoot when Root is unset.
func (c Config) Layout() (types.Layout, error) {
	root := c.Root
	if root == "" {
		var err error
		if root, err = DefaultRoot(); err != nil {
			return types.Layout{}, err
		}
	}
	if strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return types.Layout{}, fmt.Errorf("failed to expand %s: %w", root, err)
		}
		root = filepath.Join(home, root[2:])
	}
	return types.NewLayout(root), nil
}

// PathFilter returns the filter settings for listings and watch events.
func (c Config) PathFilter() *types.PathFilterConfig {
	return &types.PathFilterConfig{IgnoredPatterns: c.Ignore}
}
