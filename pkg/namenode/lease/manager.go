// Package lease tracks which client holds the write lease of which open
// file.
//
// Leases reference files by path only; the paths are re-resolved by the
// coordinator on every use. All Manager methods run inside the caller's
// transaction context.
package lease

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

const (
	// DefaultSoftLimit is how long a holder may stay silent before another
	// client can take its files over
	DefaultSoftLimit = 60 * time.Second

	// DefaultHardLimit is how long a holder may stay silent before the
	// namespace recovers its files on its own
	DefaultHardLimit = time.Hour
)

// Config configures a Manager.
type Config struct {
	SoftLimit time.Duration
	HardLimit time.Duration
}

// Manager is the lease table.
type Manager struct {
	softLimit atomic.Int64
	hardLimit atomic.Int64

	nextHolderID atomic.Int64

	// now is the clock, replaceable in tests
	now func() time.Time
}

// NewManager creates a lease manager.
func NewManager(config Config) *Manager {
	m := &Manager{now: time.Now}
	m.SetLimits(config.SoftLimit, config.HardLimit)
	return m
}

// SetLimits changes the expiry limits. Zero values select the defaults.
// Safe to call while the manager is in use.
func (m *Manager) SetLimits(soft, hard time.Duration) {
	if soft <= 0 {
		soft = DefaultSoftLimit
	}
	if hard <= 0 {
		hard = DefaultHardLimit
	}
	m.softLimit.Store(int64(soft))
	m.hardLimit.Store(int64(hard))
}

// SoftLimit returns the current soft limit.
func (m *Manager) SoftLimit() time.Duration {
	return time.Duration(m.softLimit.Load())
}

// HardLimit returns the current hard limit.
func (m *Manager) HardLimit() time.Duration {
	return time.Duration(m.hardLimit.Load())
}

// SetClock replaces the clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Load initializes the holder id allocator from the persisted leases.
func (m *Manager) Load(tc *tx.Context) error {
	leases, err := tc.Leases()
	if err != nil {
		return err
	}
	var maxID int64
	for _, l := range leases {
		maxID = max(maxID, l.HolderID)
	}
	m.nextHolderID.Store(maxID)
	logger.Debug("Loaded %d leases, next holder id %d", len(leases), maxID+1)
	return nil
}

// ============================================================================
// Lease table operations
// ============================================================================

// AddLease grants path to holder, creating the holder's lease or renewing
// it.
//
// Errors: ErrAlreadyBeingCreated if path is held by a different holder.
func (m *Manager) AddLease(tc *tx.Context, holder, path string) (*namespace.Lease, error) {
	path = namespace.Clean(path)

	l, err := tc.Lease(holder)
	if err != nil {
		return nil, err
	}

	existing, err := tc.LeasePath(path)
	if err != nil {
		return nil, err
	}
	if existing != nil && (l == nil || existing.HolderID != l.HolderID) {
		other, err := tc.LeaseHolder(existing.HolderID)
		if err != nil {
			return nil, err
		}
		return nil, namespace.NewError(namespace.ErrAlreadyBeingCreated, path,
			"file is already open for write by %s", other)
	}

	if l == nil {
		l = &namespace.Lease{Holder: holder, HolderID: m.nextHolderID.Add(1)}
	}
	l.LastUpdate = m.now().UnixMilli()
	if err := tc.PutLease(l); err != nil {
		return nil, err
	}
	if err := tc.PutLeasePath(&namespace.LeasePath{Path: path, HolderID: l.HolderID}); err != nil {
		return nil, err
	}
	return l, nil
}

// RenewLease refreshes holder's lease. Unknown holders are ignored.
func (m *Manager) RenewLease(tc *tx.Context, holder string) error {
	l, err := tc.Lease(holder)
	if err != nil || l == nil {
		return err
	}
	l.LastUpdate = m.now().UnixMilli()
	return tc.PutLease(l)
}

// RemoveLease detaches path from holder's lease and deletes the lease once
// it holds no path.
func (m *Manager) RemoveLease(tc *tx.Context, holder, path string) error {
	l, err := tc.Lease(holder)
	if err != nil {
		return err
	}
	if l == nil {
		logger.Warn("Removing path %s from unknown lease holder %s", path, holder)
		return nil
	}
	return m.removePath(tc, l, namespace.Clean(path))
}

// RemoveLeaseByPath detaches path from whichever lease holds it.
func (m *Manager) RemoveLeaseByPath(tc *tx.Context, path string) error {
	path = namespace.Clean(path)
	l, err := m.GetLeaseByPath(tc, path)
	if err != nil || l == nil {
		return err
	}
	return m.removePath(tc, l, path)
}

func (m *Manager) removePath(tc *tx.Context, l *namespace.Lease, path string) error {
	lp, err := tc.LeasePath(path)
	if err != nil {
		return err
	}
	if lp == nil || lp.HolderID != l.HolderID {
		logger.Warn("Lease of %s does not hold %s", l.Holder, path)
	} else if err := tc.DeleteLeasePath(lp); err != nil {
		return err
	}

	remaining, err := tc.LeasePathsOf(l.HolderID)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return tc.DeleteLease(l)
	}
	return nil
}

// ReassignLease moves path from lease l to newHolder, creating newHolder's
// lease if needed. Used when the namespace takes over a file for recovery.
func (m *Manager) ReassignLease(tc *tx.Context, l *namespace.Lease, path, newHolder string) (*namespace.Lease, error) {
	if l != nil && l.Holder == newHolder {
		return m.AddLease(tc, newHolder, path)
	}
	if l != nil {
		if err := m.removePath(tc, l, namespace.Clean(path)); err != nil {
			return nil, err
		}
	}
	return m.AddLease(tc, newHolder, path)
}

// GetLease returns holder's lease, or nil.
func (m *Manager) GetLease(tc *tx.Context, holder string) (*namespace.Lease, error) {
	return tc.Lease(holder)
}

// GetLeaseByPath returns the lease holding path, or nil.
func (m *Manager) GetLeaseByPath(tc *tx.Context, path string) (*namespace.Lease, error) {
	lp, err := tc.LeasePath(namespace.Clean(path))
	if err != nil || lp == nil {
		return nil, err
	}
	holder, err := tc.LeaseHolder(lp.HolderID)
	if err != nil {
		return nil, err
	}
	if holder == "" {
		logger.Error("Lease path %s references missing holder %d", path, lp.HolderID)
		return nil, namespace.NewError(namespace.ErrInconsistent, path, "lease holder %d is missing", lp.HolderID)
	}
	return tc.Lease(holder)
}

// Paths returns the paths held by l.
func (m *Manager) Paths(tc *tx.Context, l *namespace.Lease) ([]string, error) {
	return tc.LeasePathsOf(l.HolderID)
}

// ChangeLeasePaths rewrites every open path at or below src to live below
// dst. Called when a subtree is renamed.
func (m *Manager) ChangeLeasePaths(tc *tx.Context, src, dst string) error {
	under, err := tc.LeasePathsUnder(src)
	if err != nil {
		return err
	}
	for _, lp := range under {
		if err := tc.DeleteLeasePath(lp); err != nil {
			return err
		}
		moved := &namespace.LeasePath{Path: namespace.Rebase(lp.Path, src, dst), HolderID: lp.HolderID}
		if err := tc.PutLeasePath(moved); err != nil {
			return err
		}
		logger.Debug("Lease path %s moved to %s", lp.Path, moved.Path)
	}
	return nil
}

// RemoveLeasesUnder drops every open path at or below prefix. Called when a
// subtree is deleted.
func (m *Manager) RemoveLeasesUnder(tc *tx.Context, prefix string) error {
	under, err := tc.LeasePathsUnder(prefix)
	if err != nil {
		return err
	}
	for _, lp := range under {
		holder, err := tc.LeaseHolder(lp.HolderID)
		if err != nil {
			return err
		}
		l, err := tc.Lease(holder)
		if err != nil {
			return err
		}
		if l == nil {
			if err := tc.DeleteLeasePath(lp); err != nil {
				return err
			}
			continue
		}
		if err := m.removePath(tc, l, lp.Path); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Expiry
// ============================================================================

// ExpiredSoftLimit reports whether l has not been renewed within the soft
// limit.
func (m *Manager) ExpiredSoftLimit(l *namespace.Lease) bool {
	return m.now().UnixMilli()-l.LastUpdate > m.SoftLimit().Milliseconds()
}

// ExpiredHardLimit reports whether l has not been renewed within the hard
// limit.
func (m *Manager) ExpiredHardLimit(l *namespace.Lease) bool {
	return m.now().UnixMilli()-l.LastUpdate > m.HardLimit().Milliseconds()
}

// ExpiredHardLimitLeases returns every lease past the hard limit, oldest
// first.
func (m *Manager) ExpiredHardLimitLeases(tc *tx.Context) ([]*namespace.Lease, error) {
	leases, err := tc.Leases()
	if err != nil {
		return nil, err
	}
	var expired []*namespace.Lease
	for _, l := range leases {
		if m.ExpiredHardLimit(l) {
			expired = append(expired, l)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].LastUpdate < expired[j].LastUpdate })
	return expired, nil
}

// Count returns the number of leases and of open paths.
func (m *Manager) Count(tc *tx.Context) (leases, paths int, err error) {
	all, err := tc.Leases()
	if err != nil {
		return 0, 0, err
	}
	for _, l := range all {
		p, err := tc.LeasePathsOf(l.HolderID)
		if err != nil {
			return 0, 0, err
		}
		paths += len(p)
	}
	return len(all), paths, nil
}
