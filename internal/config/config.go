package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/raaihank/phi-sentinel/internal/core"
)

var (
	mu      sync.Mutex
	current *viper.Viper
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/phi-sentinel/")
	v.AddConfigPath("$HOME/.phi-sentinel/")

	// Environment variable overrides
	v.SetEnvPrefix("PHI_SENTINEL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnv(v)

	// Use specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read configuration
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, core.ConfigurationErr("failed to read config file", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, core.ConfigurationErr("failed to unmarshal config", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, core.ConfigurationErr("invalid configuration", err)
	}

	mu.Lock()
	current = v
	mu.Unlock()

	return config, nil
}

// bindEnv registers the keys that are commonly supplied as secrets so
// AutomaticEnv picks them up without a config file entry.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"encryption.key",
		"policy.api_key",
		"policy.base_url",
		"policy.app_id",
		"sessions.redis_url",
		"audit.database_url",
		"websocket.username",
		"websocket.password",
	} {
		_ = v.BindEnv(key)
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Detection.MinConfidence < 0 || config.Detection.MinConfidence > 1 {
		return fmt.Errorf("invalid min_confidence: %v (must be between 0 and 1)", config.Detection.MinConfidence)
	}

	if config.Detection.ContextWindow < 0 {
		return fmt.Errorf("invalid context_window: %d", config.Detection.ContextWindow)
	}

	for _, p := range config.Detection.CustomPatterns {
		if p.Name == "" || p.Pattern == "" {
			return fmt.Errorf("custom pattern requires name and pattern")
		}
	}

	if config.Policy.SyncInterval <= 0 {
		return fmt.Errorf("invalid policy sync_interval: %s", config.Policy.SyncInterval)
	}

	switch config.Policy.Snapshot.Backend {
	case "", "none", "file", "redis":
	default:
		return fmt.Errorf("invalid snapshot backend: %s (must be none, file, or redis)", config.Policy.Snapshot.Backend)
	}

	if config.Sessions.Backend != "memory" && config.Sessions.Backend != "redis" {
		return fmt.Errorf("invalid sessions backend: %s (must be memory or redis)", config.Sessions.Backend)
	}

	for kind, p := range config.Masking.Patterns {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("masking pattern %s: %w", kind, err)
		}
	}

	for role, perms := range config.Roles {
		for kind, p := range perms.MaskingOverride {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("role %s override %s: %w", role, kind, err)
			}
		}
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Mask pattern types understood by the character-masking engine.
const (
	MaskShowFirst     = "show_first"
	MaskShowLast      = "show_last"
	MaskShowFirstLast = "show_first_last"
	MaskFull          = "full_mask"
	MaskCustom        = "custom"
)

// Validate checks a mask pattern for unknown types, negative counts and
// multi-character mask chars.
func (p MaskPattern) Validate() error {
	switch p.Type {
	case MaskShowFirst, MaskShowLast, MaskShowFirstLast, MaskFull, MaskCustom:
	default:
		return fmt.Errorf("unknown mask type %q", p.Type)
	}
	if p.ShowFirst < 0 || p.ShowLast < 0 {
		return fmt.Errorf("show counts must not be negative")
	}
	if utf8.RuneCountInString(p.MaskChar) > 1 {
		return fmt.Errorf("mask char %q must be a single character", p.MaskChar)
	}
	return nil
}

// Watch starts watching the configuration file for changes. The callback
// only receives configurations that pass validation.
func Watch(callback func(*Config)) error {
	mu.Lock()
	v := current
	mu.Unlock()

	if v == nil {
		return core.ConfigurationErr("config not loaded", nil)
	}
	if v.ConfigFileUsed() == "" {
		return core.ConfigurationErr("no config file to watch", nil)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			return
		}

		if err := validateConfig(newConfig); err != nil {
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
