package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete DittoNS configuration.
//
// This structure captures all configurable aspects of the namespace server:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics endpoint)
//   - Record store selection and configuration (store-specific)
//   - Namespace limits, permissions and locking
//   - Lease, safe mode and block deletion tuning
//   - Checkpoint (namespace image) scheduling and sink selection
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTONS_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each store and sink implementation defines its own configuration type. The
// Config struct contains type-specific sections (e.g., store.memory,
// store.badger) and only the section matching the selected type is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Store specifies the record store type and type-specific configuration
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Namespace contains namespace limits and permission settings
	Namespace NamespaceConfig `mapstructure:"namespace" yaml:"namespace"`

	// Lease configures write lease expiry
	Lease LeaseConfig `mapstructure:"lease" yaml:"lease"`

	// SafeMode configures the startup safe mode thresholds
	SafeMode SafeModeConfig `mapstructure:"safemode" yaml:"safemode"`

	// Deletion configures the deferred block deletion worker
	Deletion DeletionConfig `mapstructure:"deletion" yaml:"deletion"`

	// Checkpoint configures periodic namespace images
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// MetricsConfig configures the metrics HTTP server.
type MetricsConfig struct {
	// Enabled turns metrics collection and the HTTP endpoint on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the TCP port of the metrics endpoint
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// StoreConfig specifies the record store configuration.
//
// The Type field determines which store implementation is used.
// Only the corresponding type-specific configuration section is used.
type StoreConfig struct {
	// Type specifies which store implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`
}

// NamespaceConfig contains namespace limits and permission settings.
type NamespaceConfig struct {
	// Locking selects the lock manager
	// Valid values: global (one namespace lock), fine (per-path locks)
	Locking string `mapstructure:"locking" yaml:"locking" validate:"required,oneof=global fine"`

	// TxRetries is the number of attempts for transient store failures
	TxRetries int `mapstructure:"tx_retries" yaml:"tx_retries" validate:"gte=0"`

	// TxBackoff is the pause before the first retry
	TxBackoff time.Duration `mapstructure:"tx_backoff" yaml:"tx_backoff" validate:"gte=0"`

	// MaxComponentLength limits the length of one path component
	MaxComponentLength int `mapstructure:"max_component_length" yaml:"max_component_length" validate:"gte=0"`

	// MaxDirItems limits the children of one directory (0 = unlimited)
	MaxDirItems int `mapstructure:"max_dir_items" yaml:"max_dir_items" validate:"gte=0"`

	// MaxObjects limits inodes plus blocks (0 = unlimited)
	MaxObjects int64 `mapstructure:"max_objects" yaml:"max_objects" validate:"gte=0"`

	// MinReplication and MaxReplication bound file replication
	MinReplication int `mapstructure:"min_replication" yaml:"min_replication" validate:"gte=0"`
	MaxReplication int `mapstructure:"max_replication" yaml:"max_replication" validate:"gte=0,lte=32767"`

	// MinBlockSize is the smallest accepted preferred block size
	MinBlockSize int64 `mapstructure:"min_block_size" yaml:"min_block_size" validate:"gte=0"`

	// ListingLimit is the page size of directory listings
	ListingLimit int `mapstructure:"listing_limit" yaml:"listing_limit" validate:"gte=0"`

	// AccessTimePrecision is the access time granularity.
	// A negative value disables access time updates.
	AccessTimePrecision time.Duration `mapstructure:"access_time_precision" yaml:"access_time_precision"`

	// PermissionsEnabled turns permission checking on
	PermissionsEnabled bool `mapstructure:"permissions_enabled" yaml:"permissions_enabled"`

	// Superuser owns the root directory and bypasses permission checks
	Superuser string `mapstructure:"superuser" yaml:"superuser" validate:"required"`

	// Supergroup members are superusers too
	Supergroup string `mapstructure:"supergroup" yaml:"supergroup" validate:"required"`

	// AuditLog emits one audit record per successful client operation
	AuditLog bool `mapstructure:"audit_log" yaml:"audit_log"`
}

// LeaseConfig configures write lease expiry.
type LeaseConfig struct {
	// SoftLimit is the time after which another client may recover the lease
	SoftLimit time.Duration `mapstructure:"soft_limit" yaml:"soft_limit" validate:"gt=0"`

	// HardLimit is the time after which the lease monitor recovers the lease
	HardLimit time.Duration `mapstructure:"hard_limit" yaml:"hard_limit" validate:"gt=0"`

	// RecheckInterval is the lease monitor interval
	RecheckInterval time.Duration `mapstructure:"recheck_interval" yaml:"recheck_interval" validate:"gt=0"`
}

// SafeModeConfig configures the startup safe mode.
type SafeModeConfig struct {
	// Threshold is the fraction of blocks that must be reported before
	// leaving safe mode (0 disables the block condition, > 1 keeps safe
	// mode on until it is left manually)
	Threshold float64 `mapstructure:"threshold" yaml:"threshold" validate:"gte=0"`

	// MinDatanodes is the number of live datanodes required
	MinDatanodes int `mapstructure:"min_datanodes" yaml:"min_datanodes" validate:"gte=0"`

	// Extension is the time to stay in safe mode once thresholds are met
	Extension time.Duration `mapstructure:"extension" yaml:"extension" validate:"gte=0"`

	// SafeReplication is the replica count that makes a block safe
	// (default: namespace.min_replication)
	SafeReplication int `mapstructure:"safe_replication" yaml:"safe_replication" validate:"gte=0"`

	// RecheckInterval is the safe mode monitor interval
	RecheckInterval time.Duration `mapstructure:"recheck_interval" yaml:"recheck_interval" validate:"gt=0"`
}

// DeletionConfig configures the deferred block deletion worker.
type DeletionConfig struct {
	// BatchSize is how many blocks are removed per transaction
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0"`

	// Interval is the polling interval
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`

	// BlocksPerSecond throttles removal (0 = unlimited)
	BlocksPerSecond uint `mapstructure:"blocks_per_second" yaml:"blocks_per_second"`
}

// CheckpointConfig configures periodic namespace images.
//
// The Type field determines which sink implementation is used.
// Only the corresponding type-specific configuration section is used.
type CheckpointConfig struct {
	// Enabled turns periodic images on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// RestoreOnStart loads the newest image into an empty store at startup
	RestoreOnStart bool `mapstructure:"restore_on_start" yaml:"restore_on_start"`

	// Interval is the time between two images
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`

	// Retain is the number of images kept in the sink
	Retain int `mapstructure:"retain" yaml:"retain" validate:"gte=0"`

	// Type specifies which sink implementation to use
	// Valid values: filesystem, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=filesystem s3"`

	// Filesystem contains filesystem-specific configuration
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem" yaml:"filesystem"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTONS_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	return decode(v)
}

// decode unmarshals, defaults and validates the current viper state.
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use DITTONS_ prefix and underscores
	// Example: DITTONS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTONS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dittons/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// A missing file is acceptable - use defaults
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittons")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittons")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
