package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: "info"

store:
  type: "memory"

namespace:
  locking: "global"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Level is normalized, the rest comes from defaults
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected normalized level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Namespace.Locking != "global" {
		t.Errorf("Expected locking 'global', got %q", cfg.Namespace.Locking)
	}
	if cfg.Lease.SoftLimit != time.Minute {
		t.Errorf("Expected default soft limit 1m, got %v", cfg.Lease.SoftLimit)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// A missing explicit path must not fall back to the user's config
	nonExistentPath := filepath.Join(t.TempDir(), "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("Expected default store type 'memory', got %q", cfg.Store.Type)
	}
	if cfg.Namespace.Locking != "fine" {
		t.Errorf("Expected default locking 'fine', got %q", cfg.Namespace.Locking)
	}
}

func TestLoad_Durations(t *testing.T) {
	configPath := writeConfig(t, `
lease:
  soft_limit: 30s
  hard_limit: 10m
safemode:
  threshold: 0.95
  extension: 0s
  min_datanodes: 2
deletion:
  batch_size: 50
  blocks_per_second: 200
checkpoint:
  enabled: true
  interval: 15m
  retain: 5
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Lease.SoftLimit != 30*time.Second || cfg.Lease.HardLimit != 10*time.Minute {
		t.Errorf("Unexpected lease limits: %v / %v", cfg.Lease.SoftLimit, cfg.Lease.HardLimit)
	}
	if cfg.SafeMode.Threshold != 0.95 || cfg.SafeMode.MinDatanodes != 2 {
		t.Errorf("Unexpected safe mode config: %+v", cfg.SafeMode)
	}
	if cfg.Deletion.BatchSize != 50 || cfg.Deletion.BlocksPerSecond != 200 {
		t.Errorf("Unexpected deletion config: %+v", cfg.Deletion)
	}
	if !cfg.Checkpoint.Enabled || cfg.Checkpoint.Interval != 15*time.Minute || cfg.Checkpoint.Retain != 5 {
		t.Errorf("Unexpected checkpoint config: %+v", cfg.Checkpoint)
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: INFO
namespace:
  max_dir_items: 10
`)
	t.Setenv("DITTONS_LOGGING_LEVEL", "debug")
	t.Setenv("DITTONS_NAMESPACE_MAX_DIR_ITEMS", "64")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected env override 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Namespace.MaxDirItems != 64 {
		t.Errorf("Expected env override 64, got %d", cfg.Namespace.MaxDirItems)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "logging:\n  level: [unterminated\n")

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	configPath := writeConfig(t, `
store:
  type: "postgres"
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for unknown store type")
	}
}

func TestGetConfigDir(t *testing.T) {
	t.Run("XDG", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		if got := GetConfigDir(); got != filepath.Join("/xdg", "dittons") {
			t.Errorf("Expected /xdg/dittons, got %q", got)
		}
	})

	t.Run("home", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", home)
		if got := GetDefaultConfigPath(); got != filepath.Join(home, ".config", "dittons", "config.yaml") {
			t.Errorf("Unexpected default config path %q", got)
		}
		if ConfigExists() {
			t.Error("Expected no config in a fresh home directory")
		}
	})
}
