package config

import (
	"strings"
	"time"
)

// ApplyDefaults fills unset fields with sensible defaults. Zero
// values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyAccountsDefaults(&cfg.Accounts)
	applyStorageDefaults(&cfg.Storage)
	applySweeperDefaults(&cfg.Sweeper)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Listen == "" {
		cfg.Listen = ":9090"
	}
	if cfg.SessionThreads == 0 {
		cfg.SessionThreads = 8
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.LargeFileThreshold == 0 {
		cfg.LargeFileThreshold = 10 << 20 // 10 MiB
	}
	// AcceptRate defaults to 0 (unlimited).
}

func applyAccountsDefaults(cfg *AccountsConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.DefaultQuotaBytes == 0 {
		cfg.DefaultQuotaBytes = 100 << 20 // 100 MiB
	}

	if cfg.Sqlite == nil {
		cfg.Sqlite = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	if _, ok := cfg.Sqlite["path"]; !ok {
		cfg.Sqlite["path"] = "/tmp/stashd/users.db"
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "/tmp/stashd/badger"
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Root == "" {
		cfg.Root = "/tmp/stashd/data"
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = "/tmp/stashd/staging"
	}
	if cfg.CodecKey == "" {
		cfg.CodecKey = "stashd-dev-key"
	}
}

func applySweeperDefaults(cfg *SweeperConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = time.Hour
	}
	// Enabled defaults to false.
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Listen == "" {
		cfg.Listen = ":9100"
	}
	// Enabled defaults to false.
}

// GetDefaultConfig returns a Config with every default applied.
// Useful for generating sample configuration files and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
