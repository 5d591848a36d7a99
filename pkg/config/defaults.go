package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittons/pkg/checkpoint"
	"github.com/marmos91/dittons/pkg/namenode"
	"github.com/marmos91/dittons/pkg/namenode/deletion"
	"github.com/marmos91/dittons/pkg/namenode/lease"
	"github.com/marmos91/dittons/pkg/namenode/safemode"
	"github.com/marmos91/dittons/pkg/namenode/tx"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Store-specific defaults are handled by store implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyNamespaceDefaults(&cfg.Namespace)
	applyLeaseDefaults(&cfg.Lease)
	applySafeModeDefaults(&cfg.SafeMode)
	applyDeletionDefaults(&cfg.Deletion)
	applyCheckpointDefaults(&cfg.Checkpoint)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applyStoreDefaults sets record store defaults.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	// Filled for all types so generated config files show every option
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = filepath.Join(defaultDataDir(), "store")
	}
}

// applyNamespaceDefaults sets namespace defaults.
func applyNamespaceDefaults(cfg *NamespaceConfig) {
	if cfg.Locking == "" {
		cfg.Locking = "fine"
	}
	if cfg.TxRetries == 0 {
		cfg.TxRetries = tx.DefaultRetries
	}
	if cfg.TxBackoff == 0 {
		cfg.TxBackoff = 5 * time.Millisecond
	}
	if cfg.MaxComponentLength == 0 {
		cfg.MaxComponentLength = namenode.DefaultMaxComponentLength
	}
	if cfg.MinReplication == 0 {
		cfg.MinReplication = namenode.DefaultMinReplication
	}
	if cfg.MaxReplication == 0 {
		cfg.MaxReplication = namenode.DefaultMaxReplication
	}
	if cfg.MinBlockSize == 0 {
		cfg.MinBlockSize = 1024 * 1024
	}
	if cfg.ListingLimit == 0 {
		cfg.ListingLimit = namenode.DefaultListingLimit
	}
	if cfg.AccessTimePrecision == 0 {
		cfg.AccessTimePrecision = namenode.DefaultAccessTimePrecision
	}
	if cfg.Superuser == "" {
		cfg.Superuser = namenode.DefaultSuperuser
	}
	if cfg.Supergroup == "" {
		cfg.Supergroup = namenode.DefaultSupergroup
	}
	// PermissionsEnabled and AuditLog default to false
}

// applyLeaseDefaults sets lease defaults.
func applyLeaseDefaults(cfg *LeaseConfig) {
	if cfg.SoftLimit == 0 {
		cfg.SoftLimit = lease.DefaultSoftLimit
	}
	if cfg.HardLimit == 0 {
		cfg.HardLimit = lease.DefaultHardLimit
	}
	if cfg.RecheckInterval == 0 {
		cfg.RecheckInterval = lease.DefaultRecheckInterval
	}
}

// applySafeModeDefaults sets safe mode defaults.
func applySafeModeDefaults(cfg *SafeModeConfig) {
	if cfg.Threshold == 0 {
		cfg.Threshold = safemode.DefaultThreshold
	}
	if cfg.Extension == 0 {
		cfg.Extension = safemode.DefaultExtension
	}
	if cfg.RecheckInterval == 0 {
		cfg.RecheckInterval = safemode.DefaultRecheckInterval
	}
	// MinDatanodes defaults to 0, SafeReplication to namespace.min_replication
}

// applyDeletionDefaults sets deletion worker defaults.
func applyDeletionDefaults(cfg *DeletionConfig) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = deletion.DefaultBatchSize
	}
	if cfg.Interval == 0 {
		cfg.Interval = deletion.DefaultInterval
	}
}

// applyCheckpointDefaults sets checkpoint defaults.
func applyCheckpointDefaults(cfg *CheckpointConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = checkpoint.DefaultInterval
	}
	if cfg.Retain == 0 {
		cfg.Retain = checkpoint.DefaultRetain
	}
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}

	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	if _, ok := cfg.Filesystem["path"]; !ok {
		cfg.Filesystem["path"] = filepath.Join(defaultDataDir(), "images")
	}
}

// defaultDataDir returns the default directory for persistent data.
func defaultDataDir() string {
	return filepath.Join(getConfigDir(), "data")
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Metrics: MetricsConfig{Enabled: false},
		},
		Checkpoint: CheckpointConfig{
			Enabled:        true,
			RestoreOnStart: true,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
