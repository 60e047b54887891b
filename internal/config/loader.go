// Package config provides configuration loading for LABYRINTH.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty it searches for labyrinth.yaml/.yml in
// the standard locations. The search requires an explicit YAML extension so
// the binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers handle gracefully (env-only configuration).
		viper.SetConfigName("labyrinth")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: LABYRINTH_SERVER_CONTROL_ADDR etc.
	viper.SetEnvPrefix("LABYRINTH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for labyrinth.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".labyrinth"),
		"/etc/labyrinth",
		"/app/configs",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "labyrinth"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable support.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.control_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.log_format")
	_ = viper.BindEnv("server.auth_token_hash")

	_ = viper.BindEnv("layer0.fail_mode")
	_ = viper.BindEnv("layer0.validate_on_startup")

	_ = viper.BindEnv("layer1.session_timeout")

	_ = viper.BindEnv("layer2.adaptive")
	_ = viper.BindEnv("layer2.contradiction_density")
	_ = viper.BindEnv("layer2.max_container_depth")

	_ = viper.BindEnv("layer3.activation")

	// LABYRINTH_L4_MODE is the documented override for the default mode;
	// bind it alongside the canonical nested key.
	_ = viper.BindEnv("layer4.default_mode", "LABYRINTH_LAYER4_DEFAULT_MODE", "LABYRINTH_L4_MODE")
	_ = viper.BindEnv("layer4.proxy_ip")
	_ = viper.BindEnv("layer4.proxy_port")
	_ = viper.BindEnv("layer4.metrics_addr")

	_ = viper.BindEnv("retention.credentials_days")
	_ = viper.BindEnv("retention.fingerprints_days")

	_ = viper.BindEnv("siem.enabled")
	_ = viper.BindEnv("siem.endpoint")
	_ = viper.BindEnv("siem.alert_prefix")

	_ = viper.BindEnv("telemetry.tracing")

	_ = viper.BindEnv("network_subnet")
	_ = viper.BindEnv("forensics_dir")
	_ = viper.BindEnv("session_template_image")
	_ = viper.BindEnv("session_id_prefix")
}

// viperIsSet reports whether a key was explicitly set in the config file or
// environment, distinguishing "not set" from an explicit zero value.
func viperIsSet(key string) bool {
	return viper.IsSet(key)
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates the result.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: continue with env vars and defaults only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// TestMode reports whether the explicit test-mode marker is set.
// Test mode forces Layer0 fail_mode=open.
func TestMode() bool {
	return strings.EqualFold(os.Getenv("LABYRINTH_MODE"), "test")
}

// ConfigFileUsed returns the path of the loaded config file, or "" when
// running on env vars and defaults only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
