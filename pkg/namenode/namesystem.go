// Package namenode is the namespace mutation coordinator.
//
// A Namesystem owns the tree node store, the block ledger, the lease table
// and the safe-mode state machine, and exposes the client operation surface
// on top of them. Every operation follows the same shape:
//
//  1. declare the lock scope (before resolving anything)
//  2. acquire it
//  3. reject mutations while safe mode is on
//  4. resolve the path(s)
//  5. validate permissions, quota, object limits and lease ownership
//  6. mutate tree, ledger and leases in one transaction
//  7. commit, release, audit
//
// Steps 2-7 are run by tx.Runner, which retries the transaction on
// transient store failures while keeping the scope held.
package namenode

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/metrics"
	"github.com/marmos91/dittons/pkg/namenode/blocks"
	"github.com/marmos91/dittons/pkg/namenode/deletion"
	"github.com/marmos91/dittons/pkg/namenode/lease"
	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/placement"
	"github.com/marmos91/dittons/pkg/namenode/resolver"
	"github.com/marmos91/dittons/pkg/namenode/safemode"
	"github.com/marmos91/dittons/pkg/namenode/tree"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
	"github.com/marmos91/dittons/pkg/store"
)

// Namesystem is the namespace mutation coordinator.
//
// Thread Safety: Safe for concurrent use. Operations serialize through the
// configured lock manager.
type Namesystem struct {
	config Config

	store  store.Store
	locks  lock.Manager
	runner *tx.Runner

	dir       *tree.Directory
	gs        *blocks.GenerationStamp
	ledger    *blocks.Ledger
	leases    *lease.Manager
	safeMode  *safemode.SafeMode
	datanodes *placement.Registry
	policy    placement.Policy
	deleter   *deletion.Worker

	leaseMonitor    *lease.Monitor
	safeModeMonitor *safemode.Monitor

	metrics   metrics.NamespaceMetrics
	summaries singleflight.Group

	namespaceID string
	nextINodeID atomic.Int64
	inodes      atomic.Int64

	// now is the clock, replaceable in tests
	now func() time.Time

	startOnce sync.Once
	closeOnce sync.Once
}

// Open loads (or formats) the namespace held by s.
//
// An empty store is formatted with a fresh root owned by the superuser.
// Otherwise the generation stamp, id allocators, lease table and safe-mode
// counters are rebuilt from the stored records. Quota and limit checks are
// enabled only once loading is complete, right before Open returns.
//
// Background workers are not started; call Start.
//
// Parameters:
//   - ctx: cancellation for the initial load
//   - s: the record store
//   - config: namespace configuration
//   - m: metrics (nil = no-op)
func Open(ctx context.Context, s store.Store, config Config, m metrics.NamespaceMetrics) (*Namesystem, error) {
	config.applyDefaults()
	if m == nil {
		m = metrics.NewNamespaceMetrics()
	}

	ns := &Namesystem{
		config:  config,
		store:   s,
		locks:   lock.NewManager(config.Locking),
		dir:     tree.New(tree.Limits{MaxComponentLength: config.MaxComponentLength, MaxDirItems: config.MaxDirItems}),
		gs:      blocks.NewGenerationStamp(blocks.FirstGenerationStamp),
		leases:  lease.NewManager(config.Lease),
		metrics: m,
		now:     time.Now,
	}
	ns.runner = tx.NewRunner(s, ns.locks, tx.RunnerConfig{
		Retries:  config.TxRetries,
		Backoff:  config.TxBackoff,
		Observer: m,
	})
	ns.ledger = blocks.NewLedger(blocks.Config{MinReplication: config.MinReplication}, ns.gs)
	ns.datanodes = placement.NewRegistry()
	ns.policy = ns.datanodes
	ns.safeMode = safemode.New(config.SafeMode, ns.datanodes.LiveCount)
	ns.ledger.SetObserver(ns.safeMode)
	ns.deleter = deletion.New(ns.runner, ns.ledger, config.Deletion)
	ns.deleter.SetObserver(m)
	ns.leaseMonitor = lease.NewMonitor(ns, lease.MonitorConfig{Interval: config.LeaseRecheckInterval})
	ns.safeModeMonitor = safemode.NewMonitor(ns.safeMode, config.SafeModeRecheckInterval)

	start := time.Now()
	var safe, complete int64
	err := ns.runner.RunLocked(ctx, "load", true, func(tc *tx.Context) error {
		var err error
		safe, complete, err = ns.load(tc)
		return err
	})
	if err != nil {
		return nil, err
	}

	ns.safeMode.SetBlockTotal(complete)
	ns.safeMode.SetBlockSafe(safe)
	ns.metrics.SetSafeMode(ns.safeMode.IsOn())
	ns.dir.SetReady(true)

	logger.Info("Namespace %s loaded in %s: %d inodes, %d blocks, generation stamp %d, locking=%s",
		ns.namespaceID, time.Since(start).Round(time.Millisecond), ns.inodes.Load(), ns.ledger.Total(),
		ns.gs.Current(), ns.locks.Name())
	return ns, nil
}

// load formats an empty store or rebuilds the in-memory state from it.
// Returns the safe and total counts of complete blocks.
func (ns *Namesystem) load(tc *tx.Context) (safe, complete int64, err error) {
	root, err := tc.INode(namespace.RootID)
	if err != nil {
		return 0, 0, err
	}
	if root == nil {
		return 0, 0, ns.format(tc)
	}

	id, err := tc.Meta(tx.MetaNamespaceID)
	if err != nil {
		return 0, 0, err
	}
	ns.namespaceID = string(id)

	stamp, err := tc.MetaInt64(blocks.MetaGenerationStamp)
	if err != nil {
		return 0, 0, err
	}
	ns.gs.Observe(stamp)

	var maxID, count int64
	if err := tc.ForEachINode(func(n *namespace.INode) error {
		maxID = max(maxID, n.ID)
		count++
		return nil
	}); err != nil {
		return 0, 0, err
	}
	ns.nextINodeID.Store(maxID)
	ns.inodes.Store(count)

	var total int64
	if err := tc.ForEachBlock(func(b *namespace.Block) error {
		total++
		ns.gs.Observe(max(b.GenerationStamp, b.RecoveryID))
		if !b.IsComplete() {
			return nil
		}
		complete++
		live, err := ns.ledger.CountLiveReplicas(tc, b.ID)
		if err != nil {
			return err
		}
		if live >= ns.config.SafeMode.SafeReplication {
			safe++
		}
		return nil
	}); err != nil {
		return 0, 0, err
	}
	ns.ledger.SetTotal(total)

	if err := ns.leases.Load(tc); err != nil {
		return 0, 0, err
	}
	if err := ns.deleter.Load(tc); err != nil {
		return 0, 0, err
	}
	return safe, complete, nil
}

// format writes the root and the namespace identity into an empty store.
func (ns *Namesystem) format(tc *tx.Context) error {
	ns.namespaceID = uuid.NewString()
	root := namespace.NewRoot(namespace.Permission{
		User:  ns.config.Superuser,
		Group: ns.config.Supergroup,
		Mode:  0755,
	}, ns.nowMillis())

	if err := tc.PutINode(root); err != nil {
		return err
	}
	if err := tc.SetMeta(tx.MetaNamespaceID, []byte(ns.namespaceID)); err != nil {
		return err
	}
	if err := tc.SetMetaInt64(blocks.MetaGenerationStamp, ns.gs.Current()); err != nil {
		return err
	}
	ns.nextINodeID.Store(namespace.RootID)
	ns.inodes.Store(1)
	logger.Info("Formatted new namespace %s", ns.namespaceID)
	return nil
}

// Start launches the background workers: lease monitor, safe-mode monitor
// and block deletion. Subsequent calls are no-ops.
func (ns *Namesystem) Start() {
	ns.startOnce.Do(func() {
		ns.safeModeMonitor.Start()
		ns.leaseMonitor.Start()
		ns.deleter.Start()
	})
}

// Close stops the background workers. The store is owned by the caller.
func (ns *Namesystem) Close(ctx context.Context) error {
	var firstErr error
	ns.closeOnce.Do(func() {
		for _, stop := range []func(context.Context) error{
			ns.leaseMonitor.Stop,
			ns.safeModeMonitor.Stop,
			ns.deleter.Stop,
		} {
			if err := stop(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Healthcheck verifies the record store answers. Used by the /healthz
// endpoint.
func (ns *Namesystem) Healthcheck(ctx context.Context) error {
	return ns.store.Healthcheck(ctx)
}

// ============================================================================
// Accessors
// ============================================================================

// NamespaceID returns the identity generated when the namespace was
// formatted.
func (ns *Namesystem) NamespaceID() string {
	return ns.namespaceID
}

// SafeMode returns the safe-mode state machine.
func (ns *Namesystem) SafeMode() *safemode.SafeMode {
	return ns.safeMode
}

// Leases returns the lease manager. Its limits may be changed at runtime.
func (ns *Namesystem) Leases() *lease.Manager {
	return ns.leases
}

// Deleter returns the block deletion worker.
func (ns *Namesystem) Deleter() *deletion.Worker {
	return ns.deleter
}

// Datanodes returns the registry of live storages.
func (ns *Namesystem) Datanodes() *placement.Registry {
	return ns.datanodes
}

// SetPlacementPolicy replaces the target chooser (default: the datanode
// registry's round-robin).
func (ns *Namesystem) SetPlacementPolicy(p placement.Policy) {
	ns.policy = p
}

// SetClock replaces the clock of the namesystem and of the lease manager.
// Tests only.
func (ns *Namesystem) SetClock(now func() time.Time) {
	ns.now = now
	ns.leases.SetClock(now)
	ns.safeMode.SetClock(now)
}

// ============================================================================
// Operation helpers
// ============================================================================

func (ns *Namesystem) nowMillis() int64 {
	return ns.now().UnixMilli()
}

// allocINodeID returns a fresh inode id. Ids of discarded transactions are
// simply skipped.
func (ns *Namesystem) allocINodeID() int64 {
	return ns.nextINodeID.Add(1)
}

// track records metrics and the audit line of an operation. Use as
//
//	defer ns.track(auth, "mkdirs", src, "")(&err)
func (ns *Namesystem) track(auth *namespace.AuthContext, op, src, dst string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		err := *errp
		ns.metrics.RecordOperation(op, time.Since(start), err)
		if err != nil {
			logger.Debug("%s %s failed: %v", op, src, err)
			return
		}
		if ns.config.AuditLog {
			ns.audit(auth, op, src, dst)
		}
	}
}

func (ns *Namesystem) audit(auth *namespace.AuthContext, op, src, dst string) {
	user, addr := ns.config.Superuser, ""
	if auth != nil {
		user, addr = auth.User, auth.ClientAddr
	}
	if dst == "" {
		dst = "null"
	}
	logger.Audit("allowed=true ugi=%s ip=%s cmd=%s src=%s dst=%s", user, addr, op, src, dst)
}

// checkSafeMode rejects a mutation while safe mode is on.
func (ns *Namesystem) checkSafeMode(op, path string) error {
	if !ns.safeMode.IsOn() {
		return nil
	}
	st := ns.safeMode.Status()
	return namespace.NewError(namespace.ErrSafeMode, path,
		"cannot %s: name node is in safe mode (%d of %d blocks safe, manual=%v)", op, st.BlockSafe, st.BlockTotal, st.Manual)
}

// checkFsObjectLimit rejects the creation of n more objects past
// MaxObjects.
func (ns *Namesystem) checkFsObjectLimit(path string, n int64) error {
	limit := ns.config.MaxObjects
	if limit <= 0 {
		return nil
	}
	if total := ns.inodes.Load() + ns.ledger.Total(); total+n > limit {
		return namespace.NewError(namespace.ErrFsLimitExceeded, path,
			"exceeded the configured number of objects %d in the filesystem", limit)
	}
	return nil
}

// inodesAdded adjusts the inode count once tc commits.
func (ns *Namesystem) inodesAdded(tc *tx.Context, n int64) {
	if n != 0 {
		tc.AfterCommit(func() { ns.inodes.Add(n) })
	}
}

// resolveFor resolves path and fails with ErrNotDirectory when resolution
// stopped at a file with components left to resolve.
func resolveFor(tc *tx.Context, path string, resolveLink bool) (*resolver.Chain, error) {
	chain, err := resolver.Resolve(tc, path, resolveLink)
	if err != nil {
		return nil, err
	}
	if n := chain.ExistingCount(); n < chain.Len() {
		if last := chain.Nodes[n-1]; !last.IsDirectory() {
			return nil, namespace.NewError(namespace.ErrNotDirectory, chain.Path(n), "path component is not a directory")
		}
	}
	return chain, nil
}

// fileStatus builds the status of n at path.
func (ns *Namesystem) fileStatus(tc *tx.Context, n *namespace.INode, path string) (*namespace.FileStatus, error) {
	st := &namespace.FileStatus{
		Path:             path,
		Name:             n.Name,
		INodeID:          n.ID,
		Type:             n.Type,
		ModificationTime: n.ModificationTime,
		AccessTime:       n.AccessTime,
		Permission:       n.Permission,
	}
	switch {
	case n.IsFile():
		bs, err := tc.FileBlocks(n.ID)
		if err != nil {
			return nil, err
		}
		st.Length = tree.FileLength(bs)
		st.Replication = n.File.Replication
		st.BlockSize = n.File.PreferredBlockSize
	case n.IsSymlink():
		st.SymlinkTarget = n.Symlink.Target
	default:
		ids, err := tc.ChildIDs(n.ID)
		if err != nil {
			return nil, err
		}
		st.ChildrenCount = len(ids)
	}
	return st, nil
}
