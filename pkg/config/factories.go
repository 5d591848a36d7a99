package config

import (
	"context"
	"fmt"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/checkpoint"
	checkpointFs "github.com/marmos91/dittons/pkg/checkpoint/fs"
	checkpointS3 "github.com/marmos91/dittons/pkg/checkpoint/s3"
	"github.com/marmos91/dittons/pkg/namenode"
	"github.com/marmos91/dittons/pkg/namenode/deletion"
	"github.com/marmos91/dittons/pkg/namenode/lease"
	"github.com/marmos91/dittons/pkg/namenode/safemode"
	"github.com/marmos91/dittons/pkg/store"
	"github.com/marmos91/dittons/pkg/store/badger"
	"github.com/marmos91/dittons/pkg/store/memory"
	"github.com/mitchellh/mapstructure"
)

// decodeOptions decodes a type-specific section into a store or sink config.
//
// Durations may be given as strings ("30s") and numbers may arrive as
// strings from environment variables, hence the weakly typed decoder.
func decodeOptions(options map[string]any, result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           result,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(options)
}

// CreateStore creates a record store based on configuration.
//
// This factory function uses the Type field to determine which store implementation
// to create, then decodes the type-specific configuration from the corresponding
// map and passes it to the store's constructor.
//
// Supported types:
//   - "memory": Uses pkg/store/memory (in-memory storage, ephemeral)
//   - "badger": Uses pkg/store/badger (BadgerDB storage, persistent)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Store configuration
//
// Returns:
//   - store.Store: Initialized record store
//   - error: Configuration or initialization error
func CreateStore(ctx context.Context, cfg *StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		return createMemoryStore(ctx, cfg.Memory)
	case "badger":
		return createBadgerStore(ctx, cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown store type: %q (supported: memory, badger)", cfg.Type)
	}
}

// createMemoryStore creates an in-memory record store.
func createMemoryStore(ctx context.Context, options map[string]any) (store.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var storeCfg memory.MemoryStoreConfig
	if err := decodeOptions(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode memory store options: %w", err)
	}

	logger.Warn("Using in-memory record store: the namespace is lost on restart unless checkpoints are restored")
	return memory.NewMemoryStore(storeCfg), nil
}

// createBadgerStore creates a BadgerDB-based persistent record store.
func createBadgerStore(ctx context.Context, options map[string]any) (store.Store, error) {
	var storeCfg badger.BadgerStoreConfig
	if err := decodeOptions(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger store options: %w", err)
	}

	if storeCfg.DBPath == "" && !storeCfg.InMemory {
		return nil, fmt.Errorf("badger store: db_path is required")
	}

	s, err := badger.NewBadgerStore(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger store: %w", err)
	}

	logger.Info("Badger record store opened: path=%s", storeCfg.DBPath)
	return s, nil
}

// CreateCheckpointSink creates the checkpoint sink based on configuration.
//
// Supported types:
//   - "filesystem": Uses pkg/checkpoint/fs (local directory)
//   - "s3": Uses pkg/checkpoint/s3 (Amazon S3 or compatible storage)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Checkpoint configuration
//
// Returns:
//   - checkpoint.Sink: Initialized sink
//   - error: Configuration or initialization error
func CreateCheckpointSink(ctx context.Context, cfg *CheckpointConfig) (checkpoint.Sink, error) {
	switch cfg.Type {
	case "filesystem":
		return createFilesystemSink(ctx, cfg.Filesystem)
	case "s3":
		return createS3Sink(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown checkpoint sink type: %q (supported: filesystem, s3)", cfg.Type)
	}
}

// createFilesystemSink creates a directory-backed checkpoint sink.
func createFilesystemSink(ctx context.Context, options map[string]any) (checkpoint.Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sinkCfg checkpointFs.Config
	if err := decodeOptions(options, &sinkCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem sink options: %w", err)
	}
	if err := validate.Struct(&sinkCfg); err != nil {
		return nil, fmt.Errorf("checkpoint.filesystem: %w", formatValidationError(err))
	}

	sink, err := checkpointFs.New(sinkCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem sink: %w", err)
	}

	logger.Info("Checkpoint sink: filesystem path=%s", sinkCfg.Path)
	return sink, nil
}

// createS3Sink creates an S3-backed checkpoint sink.
func createS3Sink(ctx context.Context, options map[string]any) (checkpoint.Sink, error) {
	var sinkCfg checkpointS3.Config
	if err := decodeOptions(options, &sinkCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 sink options: %w", err)
	}
	if err := validate.Struct(&sinkCfg); err != nil {
		return nil, fmt.Errorf("checkpoint.s3: %w", formatValidationError(err))
	}

	client, err := checkpointS3.NewClient(ctx, sinkCfg)
	if err != nil {
		return nil, err
	}

	sink, err := checkpointS3.New(ctx, client, sinkCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 sink: %w", err)
	}

	logger.Info("Checkpoint sink: s3 bucket=%s, region=%s, prefix=%s",
		sinkCfg.Bucket, sinkCfg.Region, sinkCfg.KeyPrefix)
	return sink, nil
}

// NamenodeConfig converts the loaded configuration into a namenode.Config.
func NamenodeConfig(cfg *Config) namenode.Config {
	ns := cfg.Namespace

	atime := ns.AccessTimePrecision
	if atime < 0 {
		atime = 0
	}

	return namenode.Config{
		Locking:             ns.Locking,
		TxRetries:           ns.TxRetries,
		TxBackoff:           ns.TxBackoff,
		MaxComponentLength:  ns.MaxComponentLength,
		MaxDirItems:         ns.MaxDirItems,
		MaxObjects:          ns.MaxObjects,
		MinReplication:      ns.MinReplication,
		MaxReplication:      ns.MaxReplication,
		MinBlockSize:        ns.MinBlockSize,
		ListingLimit:        ns.ListingLimit,
		AccessTimePrecision: atime,
		PermissionsEnabled:  ns.PermissionsEnabled,
		Superuser:           ns.Superuser,
		Supergroup:          ns.Supergroup,
		AuditLog:            ns.AuditLog,
		Lease: lease.Config{
			SoftLimit: cfg.Lease.SoftLimit,
			HardLimit: cfg.Lease.HardLimit,
		},
		LeaseRecheckInterval: cfg.Lease.RecheckInterval,
		SafeMode: safemode.Config{
			Threshold:       cfg.SafeMode.Threshold,
			MinDatanodes:    cfg.SafeMode.MinDatanodes,
			Extension:       cfg.SafeMode.Extension,
			SafeReplication: cfg.SafeMode.SafeReplication,
		},
		SafeModeRecheckInterval: cfg.SafeMode.RecheckInterval,
		Deletion: deletion.Config{
			BatchSize:       cfg.Deletion.BatchSize,
			Interval:        cfg.Deletion.Interval,
			BlocksPerSecond: cfg.Deletion.BlocksPerSecond,
		},
	}
}

// CheckpointerConfig converts the checkpoint section into a checkpoint.Config.
func CheckpointerConfig(cfg *CheckpointConfig) checkpoint.Config {
	return checkpoint.Config{
		Interval: cfg.Interval,
		Retain:   cfg.Retain,
	}
}
