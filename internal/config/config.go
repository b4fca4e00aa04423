// Package config handles configuration loading for sessionctl. It
// supports XDG config paths, project-level overrides, and environment
// variables, layered lowest to highest precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/waypoint-labs/sessionctl/internal/gate"
	"github.com/waypoint-labs/sessionctl/internal/model"
)

// Config holds all configuration for a sessionctl process.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Store     StoreConfig     `mapstructure:"store"`
	Gate      GateConfig      `mapstructure:"gate"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	EventBus  EventBusConfig  `mapstructure:"eventbus"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// AnthropicConfig holds the credentials the runner uses to drive agents.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// StoreConfig bounds the database connection pool (spec: db_pool_max,
// db_pool_idle).
type StoreConfig struct {
	Path     string `mapstructure:"path"`
	PoolMax  int    `mapstructure:"db_pool_max"`
	PoolIdle int    `mapstructure:"db_pool_idle"`
}

// GateConfig controls the completion-gate policy.
type GateConfig struct {
	EpicTestingMode      model.EpicTestingMode `mapstructure:"epic_testing_mode"`
	AutoFailureTolerance int                   `mapstructure:"auto_failure_tolerance"`
	CriticalEpicKeywords []string              `mapstructure:"critical_epic_keywords"`
	RetestStride         int                   `mapstructure:"retest_stride"`
}

// ReaperConfig controls stale-session reclamation.
type ReaperConfig struct {
	IntervalSeconds         int `mapstructure:"reaper_interval_s"`
	InitStaleAfterSeconds   int `mapstructure:"init_stale_after_s"`
	CodingStaleAfterSeconds int `mapstructure:"coding_stale_after_s"`
}

// EventBusConfig controls per-subscriber buffering.
type EventBusConfig struct {
	BufferPerSubscriber int `mapstructure:"event_buffer_per_subscriber"`
}

// SchedulerConfig controls session cancellation behavior.
type SchedulerConfig struct {
	CancelGraceSeconds int    `mapstructure:"cancel_grace_s"`
	InitializerModel   string `mapstructure:"initializer_model"`
	CodingModel        string `mapstructure:"coding_model"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
//  1. Environment variables (ANTHROPIC_API_KEY, SESSIONCTL_*)
//  2. Project config (.sessionctl.yaml in current directory or a parent)
//  3. User config (~/.config/sessionctl/config.yaml)
//  4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("SESSIONCTL")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (used by tests).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("store.path", cfg.Store.Path)
	v.Set("store.db_pool_max", cfg.Store.PoolMax)
	v.Set("store.db_pool_idle", cfg.Store.PoolIdle)
	v.Set("gate.epic_testing_mode", string(cfg.Gate.EpicTestingMode))
	v.Set("gate.auto_failure_tolerance", cfg.Gate.AutoFailureTolerance)
	v.Set("gate.critical_epic_keywords", cfg.Gate.CriticalEpicKeywords)
	v.Set("gate.retest_stride", cfg.Gate.RetestStride)
	v.Set("reaper.reaper_interval_s", cfg.Reaper.IntervalSeconds)
	v.Set("reaper.init_stale_after_s", cfg.Reaper.InitStaleAfterSeconds)
	v.Set("reaper.coding_stale_after_s", cfg.Reaper.CodingStaleAfterSeconds)
	v.Set("eventbus.event_buffer_per_subscriber", cfg.EventBus.BufferPerSubscriber)
	v.Set("scheduler.cancel_grace_s", cfg.Scheduler.CancelGraceSeconds)
	v.Set("scheduler.initializer_model", cfg.Scheduler.InitializerModel)
	v.Set("scheduler.coding_model", cfg.Scheduler.CodingModel)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file, if any.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// InitStaleAfter returns the initializer staleness threshold as a
// time.Duration, for handing to reaper.New.
func (c *Config) InitStaleAfter() time.Duration {
	return time.Duration(c.Reaper.InitStaleAfterSeconds) * time.Second
}

// CodingStaleAfter returns the coding staleness threshold as a
// time.Duration, for handing to reaper.New.
func (c *Config) CodingStaleAfter() time.Duration {
	return time.Duration(c.Reaper.CodingStaleAfterSeconds) * time.Second
}

// ReaperInterval returns the sweep interval as a time.Duration.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")

	v.SetDefault("store.path", "")
	v.SetDefault("store.db_pool_max", 20)
	v.SetDefault("store.db_pool_idle", 10)

	v.SetDefault("gate.epic_testing_mode", string(model.ModeStrict))
	v.SetDefault("gate.auto_failure_tolerance", gate.DefaultAutoFailureTolerance)
	v.SetDefault("gate.critical_epic_keywords", gate.DefaultCriticalKeywords)
	v.SetDefault("gate.retest_stride", gate.DefaultRetestStride)

	v.SetDefault("reaper.reaper_interval_s", 60)
	v.SetDefault("reaper.init_stale_after_s", 7200)
	v.SetDefault("reaper.coding_stale_after_s", 1200)

	v.SetDefault("eventbus.event_buffer_per_subscriber", 64)

	v.SetDefault("scheduler.cancel_grace_s", 30)
	v.SetDefault("scheduler.initializer_model", "")
	v.SetDefault("scheduler.coding_model", "")
}

// getUserConfigDir returns the XDG config directory for sessionctl.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sessionctl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "sessionctl")
	}
	return filepath.Join(home, ".config", "sessionctl")
}

// findProjectConfig searches for .sessionctl.yaml in the current
// directory and its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".sessionctl.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config populated with built-in defaults, bypassing
// file/env discovery entirely (used by tests).
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			PoolMax:  20,
			PoolIdle: 10,
		},
		Gate: GateConfig{
			EpicTestingMode:      model.ModeStrict,
			AutoFailureTolerance: gate.DefaultAutoFailureTolerance,
			CriticalEpicKeywords: gate.DefaultCriticalKeywords,
			RetestStride:         gate.DefaultRetestStride,
		},
		Reaper: ReaperConfig{
			IntervalSeconds:         60,
			InitStaleAfterSeconds:   7200,
			CodingStaleAfterSeconds: 1200,
		},
		EventBus: EventBusConfig{
			BufferPerSubscriber: 64,
		},
		Scheduler: SchedulerConfig{
			CancelGraceSeconds: 30,
		},
	}
}
