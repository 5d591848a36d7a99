package memory

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/dittons/pkg/store"
)

// MemoryStoreConfig configures the in-memory record store.
type MemoryStoreConfig struct {
	// MaxKeys caps the number of live keys (0 = unlimited). Writes beyond the
	// cap fail at commit time.
	MaxKeys int `mapstructure:"max_keys"`
}

// entry is a committed value. Deleted keys are kept as tombstones until no
// transaction that could have observed them is still open, so commit-time
// validation can see that they changed.
type entry struct {
	value   []byte
	version uint64
	deleted bool
}

// MemoryStore implements store.Store with process-local maps and optimistic
// concurrency control.
//
// Every committed write stamps its key with a new store version. A read-write
// transaction records the version at which it started together with the keys
// and prefixes it read; Commit fails with store.ErrConflict if any of them was
// written by a transaction that committed in the meantime.
//
// Thread Safety:
// The store is safe for concurrent use. Transactions are not.
type MemoryStore struct {
	mu      sync.RWMutex
	config  MemoryStoreConfig
	data    map[string]*entry
	keys    []string // sorted, includes tombstones
	live    int
	version uint64
	active  int
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(config MemoryStoreConfig) *MemoryStore {
	return &MemoryStore{
		config: config,
		data:   make(map[string]*entry),
	}
}

// Begin starts a transaction.
func (s *MemoryStore) Begin(ctx context.Context, update bool) (store.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	s.active++

	return &memTxn{
		s:       s,
		update:  update,
		start:   s.version,
		reads:   make(map[string]struct{}),
		writes:  make(map[string]pending),
		scanned: nil,
	}, nil
}

// Healthcheck reports whether the store is open.
func (s *MemoryStore) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Close discards all data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = make(map[string]*entry)
	s.keys = nil
	s.live = 0
	return nil
}

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// insertKey adds key to the sorted key index. Caller holds s.mu.
func (s *MemoryStore) insertKey(key string) {
	i := sort.SearchStrings(s.keys, key)
	if i < len(s.keys) && s.keys[i] == key {
		return
	}
	s.keys = append(s.keys, "")
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = key
}

// pruneTombstones drops deleted entries. Caller holds s.mu and has checked
// that no transaction is open.
func (s *MemoryStore) pruneTombstones() {
	if s.live == len(s.keys) {
		return
	}
	kept := s.keys[:0]
	for _, k := range s.keys {
		if s.data[k].deleted {
			delete(s.data, k)
			continue
		}
		kept = append(kept, k)
	}
	s.keys = kept
}

// prefixRange returns the index range of s.keys starting with prefix.
// Caller holds s.mu.
func (s *MemoryStore) prefixRange(prefix string) (int, int) {
	lo := sort.SearchStrings(s.keys, prefix)
	hi := lo
	for hi < len(s.keys) && strings.HasPrefix(s.keys[hi], prefix) {
		hi++
	}
	return lo, hi
}

type pending struct {
	value   []byte
	deleted bool
}

type memTxn struct {
	s       *MemoryStore
	update  bool
	start   uint64
	reads   map[string]struct{}
	writes  map[string]pending
	scanned []string
	done    bool
}

func (t *memTxn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, store.ErrTxnDone
	}
	k := string(key)

	if p, ok := t.writes[k]; ok {
		if p.deleted {
			return nil, store.ErrNotFound
		}
		return bytes.Clone(p.value), nil
	}

	t.reads[k] = struct{}{}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if t.s.closed {
		return nil, store.ErrClosed
	}
	e, ok := t.s.data[k]
	if !ok || e.deleted {
		return nil, store.ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

func (t *memTxn) Set(key, value []byte) error {
	if t.done {
		return store.ErrTxnDone
	}
	if !t.update {
		return store.ErrReadOnly
	}
	t.writes[string(key)] = pending{value: bytes.Clone(value)}
	return nil
}

func (t *memTxn) Delete(key []byte) error {
	if t.done {
		return store.ErrTxnDone
	}
	if !t.update {
		return store.ErrReadOnly
	}
	t.writes[string(key)] = pending{deleted: true}
	return nil
}

// Scan merges committed keys with the transaction's own pending writes.
func (t *memTxn) Scan(prefix []byte, fn store.ScanFunc) error {
	if t.done {
		return store.ErrTxnDone
	}
	p := string(prefix)
	t.scanned = append(t.scanned, p)

	type kv struct {
		key   string
		value []byte
	}

	t.s.mu.RLock()
	if t.s.closed {
		t.s.mu.RUnlock()
		return store.ErrClosed
	}
	lo, hi := t.s.prefixRange(p)
	committed := make([]kv, 0, hi-lo)
	for _, k := range t.s.keys[lo:hi] {
		e := t.s.data[k]
		if e.deleted {
			continue
		}
		committed = append(committed, kv{key: k, value: e.value})
	}
	t.s.mu.RUnlock()

	var own []string
	for k := range t.writes {
		if strings.HasPrefix(k, p) {
			own = append(own, k)
		}
	}
	sort.Strings(own)

	i, j := 0, 0
	for i < len(committed) || j < len(own) {
		var key string
		var value []byte

		switch {
		case j >= len(own) || (i < len(committed) && committed[i].key < own[j]):
			key, value = committed[i].key, committed[i].value
			i++
		default:
			if i < len(committed) && committed[i].key == own[j] {
				i++
			}
			w := t.writes[own[j]]
			j++
			if w.deleted {
				continue
			}
			key, value = own[j-1], w.value
		}

		cont, err := fn([]byte(key), bytes.Clone(value))
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (t *memTxn) Commit() error {
	if t.done {
		return store.ErrTxnDone
	}
	t.done = true

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--

	if s.closed {
		return store.ErrClosed
	}
	if !t.update || len(t.writes) == 0 {
		return nil
	}

	if t.conflicts() {
		return store.ErrConflict
	}

	if s.config.MaxKeys > 0 {
		added := 0
		for k, w := range t.writes {
			e, ok := s.data[k]
			exists := ok && !e.deleted
			switch {
			case w.deleted && exists:
				added--
			case !w.deleted && !exists:
				added++
			}
		}
		if s.live+added > s.config.MaxKeys {
			return store.ErrTransient
		}
	}

	s.version++
	for k, w := range t.writes {
		e, ok := s.data[k]
		if !ok {
			if w.deleted {
				continue
			}
			e = &entry{}
			s.data[k] = e
			s.insertKey(k)
		}
		wasLive := !e.deleted && ok
		e.version = s.version
		e.deleted = w.deleted
		e.value = w.value

		switch {
		case wasLive && w.deleted:
			s.live--
		case !wasLive && !w.deleted:
			s.live++
		}
	}

	if s.active == 0 {
		s.pruneTombstones()
	}
	return nil
}

// conflicts reports whether a key or prefix read by t changed after t
// started. Caller holds s.mu.
func (t *memTxn) conflicts() bool {
	s := t.s
	for k := range t.reads {
		if e, ok := s.data[k]; ok && e.version > t.start {
			return true
		}
	}
	for _, p := range t.scanned {
		lo, hi := s.prefixRange(p)
		for _, k := range s.keys[lo:hi] {
			if s.data[k].version > t.start {
				return true
			}
		}
	}
	return false
}

func (t *memTxn) Discard() {
	if t.done {
		return
	}
	t.done = true

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.active--
	if t.s.active == 0 && !t.s.closed {
		t.s.pruneTombstones()
	}
}
