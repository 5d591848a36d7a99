package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dittons/pkg/store"
)

// BadgerStoreConfig contains BadgerDB-specific configuration.
type BadgerStoreConfig struct {
	// DBPath is the directory where BadgerDB keeps its files
	DBPath string `mapstructure:"db_path"`

	// InMemory runs BadgerDB without touching disk (tests, ephemeral nodes)
	InMemory bool `mapstructure:"in_memory"`

	// SyncWrites fsyncs every commit (default: false, badger's own default)
	SyncWrites bool `mapstructure:"sync_writes"`

	// BlockCacheSizeMB is BadgerDB's block cache size in MB (default: 256)
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`

	// IndexCacheSizeMB is BadgerDB's index cache size in MB (default: 128)
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb"`
}

// BadgerStore implements store.Store on top of BadgerDB.
//
// BadgerDB already provides what the namespace needs from its record store:
// serializable snapshot transactions with optimistic conflict detection
// (badger.ErrConflict), ordered keys and prefix iteration that includes a
// transaction's pending writes.
//
// Thread Safety:
// Safe for concurrent use; BadgerDB handles its own MVCC.
type BadgerStore struct {
	db        *badger.DB
	closeOnce sync.Once
}

// NewBadgerStore opens (or creates) a BadgerDB database.
//
// Parameters:
//   - ctx: Context for cancellation
//   - config: Database location and cache sizing
//
// Returns:
//   - *BadgerStore: Opened store
//   - error: Error if the database cannot be opened
func NewBadgerStore(ctx context.Context, config BadgerStoreConfig) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if config.DBPath == "" && !config.InMemory {
		return nil, fmt.Errorf("badger store: db_path is required")
	}

	opts := badger.DefaultOptions(config.DBPath)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	// Namespace records are small and read-heavy
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)
	opts = opts.WithSyncWrites(config.SyncWrites)

	blockCacheMB := config.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 256
	}
	indexCacheMB := config.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 128
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)
	opts = opts.WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.DBPath, err)
	}

	return &BadgerStore{db: db}, nil
}

// Begin starts a BadgerDB transaction.
func (s *BadgerStore) Begin(ctx context.Context, update bool) (store.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.db.IsClosed() {
		return nil, store.ErrClosed
	}
	return &badgerTxn{txn: s.db.NewTransaction(update)}, nil
}

// Healthcheck performs a trivial read transaction.
func (s *BadgerStore) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return store.ErrClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(keyHealth)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

var keyHealth = []byte("!health")

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err != nil {
		return nil, translateError(err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, translateError(err)
	}
	return value, nil
}

func (t *badgerTxn) Set(key, value []byte) error {
	return translateError(t.txn.Set(key, value))
}

func (t *badgerTxn) Delete(key []byte) error {
	return translateError(t.txn.Delete(key))
}

// Scan materializes the prefix range before invoking fn: BadgerDB allows only
// one open iterator per read-write transaction, and fn may scan again.
func (t *badgerTxn) Scan(prefix []byte, fn store.ScanFunc) error {
	type kv struct{ key, value []byte }
	var items []kv

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			it.Close()
			return translateError(err)
		}
		items = append(items, kv{key: item.KeyCopy(nil), value: value})
	}
	it.Close()

	for _, item := range items {
		cont, err := fn(item.key, item.value)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (t *badgerTxn) Commit() error {
	return translateError(t.txn.Commit())
}

func (t *badgerTxn) Discard() {
	t.txn.Discard()
}

// translateError maps BadgerDB errors onto the store error set.
func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return store.ErrNotFound
	case errors.Is(err, badger.ErrConflict):
		return store.ErrConflict
	case errors.Is(err, badger.ErrDiscardedTxn):
		return store.ErrTxnDone
	case errors.Is(err, badger.ErrReadOnlyTxn):
		return store.ErrReadOnly
	case errors.Is(err, badger.ErrDBClosed):
		return store.ErrClosed
	case errors.Is(err, badger.ErrTxnTooBig), errors.Is(err, badger.ErrBlockedWrites):
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	default:
		return err
	}
}
