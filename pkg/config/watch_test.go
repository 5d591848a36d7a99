package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittons/pkg/namenode/lease"
)

func TestWatch_ReloadsOnChange(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("lease:\n  soft_limit: 1m\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	var latest atomic.Pointer[Config]
	if err := Watch(configPath, func(cfg *Config) { latest.Store(cfg) }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// give the watcher time to register before the first write
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(configPath, []byte("lease:\n  soft_limit: 5s\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cfg := latest.Load(); cfg != nil && cfg.Lease.SoftLimit == 5*time.Second {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Expected reloaded config with soft_limit 5s")
}

func TestWatch_MissingFile(t *testing.T) {
	if err := Watch(filepath.Join(t.TempDir(), "missing.yaml"), func(*Config) {}); err == nil {
		t.Fatal("Expected error watching a missing file")
	}
}

func TestApplyReloadable(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Lease.SoftLimit = 3 * time.Second
	cfg.Lease.HardLimit = 9 * time.Second

	leases := lease.NewManager(lease.Config{})
	ApplyReloadable(cfg, leases)

	if leases.SoftLimit() != 3*time.Second || leases.HardLimit() != 9*time.Second {
		t.Errorf("Expected limits 3s/9s, got %v/%v", leases.SoftLimit(), leases.HardLimit())
	}

	ApplyReloadable(cfg, nil)
}
