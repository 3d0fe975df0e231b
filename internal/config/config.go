// Package config handles configuration loading for warden.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/driftline/warden/internal/store"
)

// Config holds all configuration for warden.
type Config struct {
	Anthropic AnthropicConfig  `mapstructure:"anthropic"`
	Engine    EngineConfig     `mapstructure:"engine"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Resources map[string]int64 `mapstructure:"resources"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	UseAWSBedrock bool   `mapstructure:"use_aws_bedrock"`
	AWSRegion     string `mapstructure:"aws_region"`
	AWSProfile    string `mapstructure:"aws_profile"`
}

// EngineConfig holds the scheduling and lease knobs.
type EngineConfig struct {
	// DatabasePath locates the SQLite database file.
	DatabasePath string `mapstructure:"database_path"`
	// LeaseDuration is the window granted on claim.
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	// RenewInterval is how often holders renew, strictly inside the lease window.
	RenewInterval time.Duration `mapstructure:"renew_interval"`
	// StallThreshold is how long a blocked item may sit with no stated needs.
	StallThreshold time.Duration `mapstructure:"stall_threshold"`
	// OrchestratorTimeout is how long without a heartbeat before revival.
	OrchestratorTimeout time.Duration `mapstructure:"orchestrator_timeout"`
	// SweepInterval is the cadence of the reclaim/stall/revival sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// MaxConcurrent caps the tasks running in one wave.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// RateLimitConfig holds the token bucket settings for task admission.
type RateLimitConfig struct {
	Capacity int           `mapstructure:"capacity"`
	Refill   int           `mapstructure:"refill"`
	Period   time.Duration `mapstructure:"period"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.warden.yaml in current directory or parent)
// 3. User config (~/.config/warden/config.yaml)
// 4. Built-in defaults
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

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, cfg.Validate()
}

// LoadFromPath loads configuration from a specific file.
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

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, cfg.Validate()
}

// Validate rejects knob combinations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.LeaseDuration <= 0 {
		return fmt.Errorf("engine.lease_duration must be positive")
	}
	if c.Engine.RenewInterval <= 0 || c.Engine.RenewInterval >= c.Engine.LeaseDuration {
		return fmt.Errorf("engine.renew_interval must be positive and shorter than the lease duration")
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be at least 1")
	}
	if c.RateLimit.Capacity < 1 || c.RateLimit.Refill < 1 || c.RateLimit.Period <= 0 {
		return fmt.Errorf("rate_limit capacity, refill, and period must be positive")
	}
	return nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_aws_bedrock", false)

	v.SetDefault("engine.database_path", store.DefaultPath())
	v.SetDefault("engine.lease_duration", "600s")
	v.SetDefault("engine.renew_interval", "180s")
	v.SetDefault("engine.stall_threshold", "10m")
	v.SetDefault("engine.orchestrator_timeout", "300s")
	v.SetDefault("engine.sweep_interval", "60s")
	v.SetDefault("engine.max_concurrent", 3)

	v.SetDefault("rate_limit.capacity", 10)
	v.SetDefault("rate_limit.refill", 10)
	v.SetDefault("rate_limit.period", "60s")

	v.SetDefault("resources", map[string]int64{
		"memory":  100,
		"threads": 8,
		"io":      4,
	})

	v.SetDefault("logging.level", "info")
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DatabasePath:        store.DefaultPath(),
			LeaseDuration:       600 * time.Second,
			RenewInterval:       180 * time.Second,
			StallThreshold:      10 * time.Minute,
			OrchestratorTimeout: 300 * time.Second,
			SweepInterval:       60 * time.Second,
			MaxConcurrent:       3,
		},
		RateLimit: RateLimitConfig{
			Capacity: 10,
			Refill:   10,
			Period:   60 * time.Second,
		},
		Resources: map[string]int64{
			"memory":  100,
			"threads": 8,
			"io":      4,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// getUserConfigDir returns the XDG config directory for warden.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "warden")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "warden")
	}
	return filepath.Join(home, ".config", "warden")
}

// findProjectConfig searches for .warden.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".warden.yaml")
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
