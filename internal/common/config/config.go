// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	// Root is the project root that owns bus/, state/, and decisions/.
	Root string `mapstructure:"root"`

	// ExpectedRoot, when set, must resolve to the same directory as Root.
	// Startup fails otherwise. Guards against launching against the wrong tree.
	ExpectedRoot string `mapstructure:"expected_root"`

	// Policy is the path to the policy document (JSON or YAML).
	Policy string `mapstructure:"policy"`

	// AutoManagerCycleSeconds enables the background manager-cycle daemon
	// when positive. The effective interval is clamped to [5, 300] seconds.
	AutoManagerCycleSeconds int `mapstructure:"auto_manager_cycle_seconds"`

	// StatusVerbosePaths toggles full filesystem paths in status output.
	StatusVerbosePaths bool `mapstructure:"status_verbose_paths"`

	Logging LoggingConfig `mapstructure:"log"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

const (
	// MinAutoCycleInterval and MaxAutoCycleInterval bound the daemon interval.
	MinAutoCycleInterval = 5 * time.Second
	MaxAutoCycleInterval = 300 * time.Second
)

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("root", "")
	v.SetDefault("expected_root", "")
	v.SetDefault("policy", "")
	v.SetDefault("auto_manager_cycle_seconds", 0)
	v.SetDefault("status_verbose_paths", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORCHESTRATOR_ with snake_case naming
// (ORCHESTRATOR_ROOT, ORCHESTRATOR_EXPECTED_ROOT, ORCHESTRATOR_POLICY,
// ORCHESTRATOR_AUTO_MANAGER_CYCLE_SECONDS, ORCHESTRATOR_STATUS_VERBOSE_PATHS).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("orchestrator")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := resolve(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// resolve normalizes paths and applies the derived defaults that depend on
// the resolved root.
func resolve(cfg *Config) error {
	if cfg.Root == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot derive default root: %w", err)
		}
		cfg.Root = filepath.Dir(exe)
	}
	cfg.Root = ResolvePath(cfg.Root)

	if cfg.ExpectedRoot != "" {
		expected := ResolvePath(cfg.ExpectedRoot)
		if cfg.Root != expected {
			return fmt.Errorf("ORCHESTRATOR_ROOT mismatch: got '%s', expected '%s'", cfg.Root, expected)
		}
		cfg.ExpectedRoot = expected
	}

	if cfg.Policy == "" {
		cfg.Policy = filepath.Join(cfg.Root, "config", "policy.codex-manager.json")
	}
	cfg.Policy = ResolvePath(cfg.Policy)

	return nil
}

// validate checks that all configuration fields hold usable values.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Root == "" {
		errs = append(errs, "root must not be empty")
	}

	if cfg.AutoManagerCycleSeconds < 0 {
		errs = append(errs, "auto_manager_cycle_seconds must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "log.format must be one of: json, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// AutoCycleEnabled reports whether the background manager cycle should run.
func (c *Config) AutoCycleEnabled() bool {
	return c.AutoManagerCycleSeconds > 0
}

// AutoCycleInterval returns the daemon interval clamped to [5, 300] seconds.
func (c *Config) AutoCycleInterval() time.Duration {
	interval := time.Duration(c.AutoManagerCycleSeconds) * time.Second
	if interval < MinAutoCycleInterval {
		return MinAutoCycleInterval
	}
	if interval > MaxAutoCycleInterval {
		return MaxAutoCycleInterval
	}
	return interval
}

// ResolvePath expands ~ and returns a cleaned absolute path with symlinks
// resolved where the filesystem allows it.
func ResolvePath(raw string) string {
	path := strings.TrimSpace(raw)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
