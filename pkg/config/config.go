// Package config loads, defaults and validates the server
// configuration, and provides factories building the configured
// store backends.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete server configuration.
//
// Sources, in order of precedence:
//  1. Environment variables (STASHD_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// The accounts section follows a type-plus-options pattern: Type
// selects the backend, and only the matching options map is decoded
// by the factory.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains the listener and pipeline settings.
	Server ServerConfig `mapstructure:"server"`

	// Accounts selects and configures the account store backend.
	Accounts AccountsConfig `mapstructure:"accounts"`

	// Storage configures the file store.
	Storage StorageConfig `mapstructure:"storage"`

	// Sweeper configures the staging-directory cleanup.
	Sweeper SweeperConfig `mapstructure:"sweeper"`

	// Metrics configures the optional Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains the listener and pipeline settings.
type ServerConfig struct {
	// Listen is the TCP listen address.
	Listen string `mapstructure:"listen" validate:"required"`

	// SessionThreads is the session pool size: the maximum number of
	// concurrently served connections.
	SessionThreads int `mapstructure:"session_threads" validate:"required,gt=0"`

	// Workers is the dispatcher pool size.
	Workers int `mapstructure:"workers" validate:"required,gt=0"`

	// ResponseTimeout bounds each request's wait for its result.
	ResponseTimeout time.Duration `mapstructure:"response_timeout" validate:"required,gt=0"`

	// ShutdownTimeout bounds the graceful drain on shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// LargeFileThreshold is the declared-size limit above which
	// uploads from accounts below the High class are rejected.
	LargeFileThreshold int64 `mapstructure:"large_file_threshold" validate:"required,gt=0"`

	// AcceptRate and AcceptBurst throttle connection admission.
	// A zero rate disables throttling.
	AcceptRate  uint `mapstructure:"accept_rate"`
	AcceptBurst uint `mapstructure:"accept_burst"`
}

// AccountsConfig selects the account store backend.
type AccountsConfig struct {
	// Type is the backend: memory, sqlite or badger.
	Type string `mapstructure:"type" validate:"required,oneof=memory sqlite badger"`

	// DefaultQuotaBytes is assigned to new accounts at signup.
	DefaultQuotaBytes int64 `mapstructure:"default_quota_bytes" validate:"required,gt=0"`

	// Sqlite holds sqlite-specific options; used when Type = "sqlite".
	Sqlite map[string]any `mapstructure:"sqlite"`

	// Badger holds badger-specific options; used when Type = "badger".
	Badger map[string]any `mapstructure:"badger"`
}

// StorageConfig configures the file store.
type StorageConfig struct {
	// Root is the directory holding per-user namespaces.
	Root string `mapstructure:"root" validate:"required"`

	// StagingDir holds in-flight upload and download bodies.
	StagingDir string `mapstructure:"staging_dir" validate:"required"`

	// CodecKey keys the symmetric byte transform applied to stored
	// contents.
	CodecKey string `mapstructure:"codec_key" validate:"required"`
}

// SweeperConfig configures the background sweep of abandoned staged
// files.
type SweeperConfig struct {
	// Enabled turns the sweeper on.
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often to sweep.
	Interval time.Duration `mapstructure:"interval" validate:"required,gt=0"`

	// MaxAge is how old a staged file must be before removal.
	MaxAge time.Duration `mapstructure:"max_age" validate:"required,gt=0"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns metrics collection and the HTTP endpoint on.
	Enabled bool `mapstructure:"enabled"`

	// Listen is the metrics HTTP address; used when Enabled.
	Listen string `mapstructure:"listen"`
}

// Load reads configuration from file and environment, applies
// defaults and validates the result.
//
// An empty configPath falls back to the default location
// ($XDG_CONFIG_HOME/stashd/config.yaml); a missing file there is not
// an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variable support and the config
// file location. Environment variables use the STASHD_ prefix, e.g.
// STASHD_LOGGING_LEVEL=DEBUG or STASHD_SERVER_LISTEN=:9090.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("STASHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory: XDG_CONFIG_HOME
// if set, otherwise ~/.config, with the current directory as a last
// resort.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "stashd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "stashd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
