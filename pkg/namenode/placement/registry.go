// Package placement tracks the storages of live datanodes and picks block
// targets among them.
//
// The policy is deliberately trivial (round-robin over live storages, honoring
// exclusions); rack awareness and load balancing belong to the datanode
// management layer, not to the namespace.
package placement

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namespace"
)

// Policy chooses the storages that will host a new block.
type Policy interface {
	// ChooseTargets returns up to replication storages, skipping excluded
	// storage ids. It may return fewer when not enough storages are live.
	ChooseTargets(path string, replication int, excluded []string, blockSize int64) []namespace.DatanodeStorage
}

// Datanode is a registered storage.
type Datanode struct {
	Storage      namespace.DatanodeStorage
	RegisteredAt time.Time
}

// Registry is the set of live storages. It implements Policy.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	storages map[string]*Datanode
	order    []string
	next     int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{storages: make(map[string]*Datanode)}
}

// Register adds or refreshes a storage. An empty storage id gets a fresh
// one. Returns the registered storage and whether it was already known.
//
// Errors: ErrInvalidArgument for a missing address or an id containing ':'.
func (r *Registry) Register(s namespace.DatanodeStorage) (namespace.DatanodeStorage, bool, error) {
	if s.Address == "" {
		return s, false, namespace.NewError(namespace.ErrInvalidArgument, "", "storage %q has no address", s.StorageID)
	}
	if s.StorageID == "" {
		s.StorageID = "DS-" + uuid.NewString()
	}
	if strings.ContainsAny(s.StorageID, ":/") {
		return s, false, namespace.NewError(namespace.ErrInvalidArgument, "", "invalid storage id %q", s.StorageID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if dn, ok := r.storages[s.StorageID]; ok {
		if dn.Storage.Address != s.Address {
			logger.Info("Storage %s re-registered from %s (was %s)", s.StorageID, s.Address, dn.Storage.Address)
		}
		dn.Storage = s
		return s, true, nil
	}

	r.storages[s.StorageID] = &Datanode{Storage: s, RegisteredAt: time.Now()}
	r.order = append(r.order, s.StorageID)
	sort.Strings(r.order)
	logger.Info("Registered storage %s at %s (%d live)", s.StorageID, s.Address, len(r.order))
	return s, false, nil
}

// Remove forgets a storage. Returns false if it was unknown.
func (r *Registry) Remove(storageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.storages[storageID]; !ok {
		return false
	}
	delete(r.storages, storageID)
	for i, id := range r.order {
		if id == storageID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	logger.Info("Removed storage %s (%d live)", storageID, len(r.order))
	return true
}

// Get returns a registered storage.
func (r *Registry) Get(storageID string) (namespace.DatanodeStorage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dn, ok := r.storages[storageID]
	if !ok {
		return namespace.DatanodeStorage{}, false
	}
	return dn.Storage, true
}

// LiveCount returns the number of registered storages.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// List returns every registered storage ordered by id.
func (r *Registry) List() []namespace.DatanodeStorage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]namespace.DatanodeStorage, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.storages[id].Storage)
	}
	return out
}

// ChooseTargets implements Policy.
func (r *Registry) ChooseTargets(path string, replication int, excluded []string, _ int64) []namespace.DatanodeStorage {
	r.mu.Lock()
	defer r.mu.Unlock()

	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}

	n := len(r.order)
	targets := make([]namespace.DatanodeStorage, 0, replication)
	for i := 0; i < n && len(targets) < replication; i++ {
		id := r.order[(r.next+i)%n]
		if _, ok := skip[id]; ok {
			continue
		}
		targets = append(targets, r.storages[id].Storage)
	}
	if n > 0 {
		r.next = (r.next + 1) % n
	}

	if len(targets) < replication {
		logger.Debug("Only %d of %d targets available for %s", len(targets), replication, path)
	}
	return targets
}
