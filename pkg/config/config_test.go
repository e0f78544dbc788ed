package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MinimalFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "DEBUG"

server:
  listen: ":7777"

accounts:
  type: "memory"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Explicit values preserved.
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level DEBUG, got %q", cfg.Logging.Level)
	}
	if cfg.Server.Listen != ":7777" {
		t.Errorf("Expected listen :7777, got %q", cfg.Server.Listen)
	}

	// Defaults applied to the rest.
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.ResponseTimeout != 5*time.Second {
		t.Errorf("Expected default response_timeout 5s, got %v", cfg.Server.ResponseTimeout)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Accounts.DefaultQuotaBytes != 100<<20 {
		t.Errorf("Expected default quota 100MiB, got %d", cfg.Accounts.DefaultQuotaBytes)
	}
	if cfg.Server.LargeFileThreshold != 10<<20 {
		t.Errorf("Expected default large_file_threshold 10MiB, got %d", cfg.Server.LargeFileThreshold)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// Point XDG_CONFIG_HOME at an empty directory so nothing on the
	// machine leaks into the test.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without config file should use defaults: %v", err)
	}

	if cfg.Accounts.Type != "memory" {
		t.Errorf("Expected default accounts type 'memory', got %q", cfg.Accounts.Type)
	}
	if cfg.Server.Listen != ":9090" {
		t.Errorf("Expected default listen :9090, got %q", cfg.Server.Listen)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("STASHD_LOGGING_LEVEL", "ERROR")
	t.Setenv("STASHD_SERVER_WORKERS", "16")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected env-overridden level ERROR, got %q", cfg.Logging.Level)
	}
	if cfg.Server.Workers != 16 {
		t.Errorf("Expected env-overridden workers 16, got %d", cfg.Server.Workers)
	}
}

func TestLoad_LowercaseLevelNormalized(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("STASHD_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized level DEBUG, got %q", cfg.Logging.Level)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("logging: ["), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Load should fail on malformed YAML")
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "bad log level",
			mutate: func(cfg *Config) { cfg.Logging.Level = "LOUD" },
		},
		{
			name:   "bad accounts type",
			mutate: func(cfg *Config) { cfg.Accounts.Type = "postgres" },
		},
		{
			name:   "zero workers",
			mutate: func(cfg *Config) { cfg.Server.Workers = -1 },
		},
		{
			name:   "negative response timeout",
			mutate: func(cfg *Config) { cfg.Server.ResponseTimeout = -time.Second },
		},
		{
			name:   "metrics enabled without listen",
			mutate: func(cfg *Config) { cfg.Metrics.Enabled = true; cfg.Metrics.Listen = "" },
		},
		{
			name: "staging dir equals root",
			mutate: func(cfg *Config) {
				cfg.Storage.StagingDir = cfg.Storage.Root
			},
		},
		{
			name: "burst without rate",
			mutate: func(cfg *Config) {
				cfg.Server.AcceptRate = 0
				cfg.Server.AcceptBurst = 100
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("Validate should have failed")
			}
		})
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}
