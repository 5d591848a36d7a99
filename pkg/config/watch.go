package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/lease"
	"github.com/spf13/viper"
)

// Watch reloads the configuration file whenever it changes on disk and
// hands every valid result to onChange. Invalid edits are logged and
// ignored, so the running configuration stays in effect.
//
// Only settings that are safe to change at runtime should be applied by
// onChange; see ApplyReloadable.
//
// Parameters:
//   - configPath: Path to the config file (empty string uses default location)
//   - onChange: Callback invoked with each reloaded configuration
//
// Returns an error if the file cannot be read initially.
func Watch(configPath string, onChange func(*Config)) error {
	v := viper.New()
	setupViper(v, configPath)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file for watching: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		cfg, err := decode(v)
		if err != nil {
			logger.Warn("Ignoring invalid config change in %s: %v", e.Name, err)
			return
		}

		logger.Info("Configuration reloaded from %s", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()

	return nil
}

// ApplyReloadable applies the runtime-tunable part of cfg: the log level
// and the lease limits. Everything else requires a restart.
func ApplyReloadable(cfg *Config, leases *lease.Manager) {
	logger.SetLevel(cfg.Logging.Level)
	if leases != nil {
		leases.SetLimits(cfg.Lease.SoftLimit, cfg.Lease.HardLimit)
	}
}
