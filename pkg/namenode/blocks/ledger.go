// Package blocks is the block and replica ledger: it maps files to their
// ordered blocks and blocks to the storages holding their replicas.
//
// The ledger references files by id only. Every method runs inside the
// caller's transaction context; counters and safe-mode notifications are
// deferred to after the commit.
package blocks

import (
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

// SafeModeObserver receives the block events the safe-mode state machine
// counts. Calls happen after the triggering transaction committed.
type SafeModeObserver interface {
	// IncrementSafeBlockCount is called when a complete block gains a live
	// replica; replication is the new live replica count
	IncrementSafeBlockCount(replication int)

	// DecrementSafeBlockCount is called when a complete block loses a live
	// replica; replication is the new live replica count
	DecrementSafeBlockCount(replication int)

	// AdjustBlockTotals is called when complete blocks appear or disappear
	AdjustBlockTotals(deltaSafe, deltaTotal int)
}

// Config configures a Ledger.
type Config struct {
	// MinReplication is the number of finalized replicas a block needs
	// before it can be completed
	MinReplication int
}

// Ledger is the block and replica ledger.
type Ledger struct {
	minReplication int
	gs             *GenerationStamp
	observer       SafeModeObserver

	// newID draws block id candidates
	newID func() int64

	total atomic.Int64
}

// NewLedger creates a ledger issuing stamps from gs.
func NewLedger(config Config, gs *GenerationStamp) *Ledger {
	if config.MinReplication <= 0 {
		config.MinReplication = 1
	}
	return &Ledger{
		minReplication: config.MinReplication,
		gs:             gs,
		newID:          func() int64 { return rand.Int63n(math.MaxInt64-1) + 1 },
	}
}

// SetObserver registers the safe-mode observer.
func (l *Ledger) SetObserver(o SafeModeObserver) {
	l.observer = o
}

// MinReplication returns the configured minimum replication.
func (l *Ledger) MinReplication() int {
	return l.minReplication
}

// GenerationStamp returns the injected stamp counter.
func (l *Ledger) GenerationStamp() *GenerationStamp {
	return l.gs
}

// Total returns the number of blocks in the ledger.
func (l *Ledger) Total() int64 {
	return l.total.Load()
}

// SetTotal initializes the block count after loading.
func (l *Ledger) SetTotal(n int64) {
	l.total.Store(n)
}

func (l *Ledger) notify(tc *tx.Context, fn func(SafeModeObserver)) {
	if l.observer == nil {
		return
	}
	o := l.observer
	tc.AfterCommit(func() { fn(o) })
}

// ============================================================================
// File block lists
// ============================================================================

// Blocks returns the blocks of file in order.
func (l *Ledger) Blocks(tc *tx.Context, file *namespace.INode) ([]*namespace.Block, error) {
	return tc.FileBlocks(file.ID)
}

// LastBlock returns the last block of file, or nil.
func (l *Ledger) LastBlock(tc *tx.Context, file *namespace.INode) (*namespace.Block, error) {
	blocks, err := tc.FileBlocks(file.ID)
	if err != nil || len(blocks) == 0 {
		return nil, err
	}
	return blocks[len(blocks)-1], nil
}

// PenultimateBlock returns the block before the last one, or nil.
func (l *Ledger) PenultimateBlock(tc *tx.Context, file *namespace.INode) (*namespace.Block, error) {
	blocks, err := tc.FileBlocks(file.ID)
	if err != nil || len(blocks) < 2 {
		return nil, err
	}
	return blocks[len(blocks)-2], nil
}

// GetStoredBlock returns the block with id, or nil.
func (l *Ledger) GetStoredBlock(tc *tx.Context, id int64) (*namespace.Block, error) {
	return tc.Block(id)
}

// AllocateBlock appends a new UNDER_CONSTRUCTION block to file, stamped
// with the current generation stamp, and records one expected replica per
// target.
//
// Errors: ErrLeaseExpired if file is not under construction.
func (l *Ledger) AllocateBlock(tc *tx.Context, file *namespace.INode, targets []namespace.DatanodeStorage) (*namespace.Block, error) {
	if !file.IsUnderConstruction() {
		return nil, namespace.NewError(namespace.ErrLeaseExpired, file.Name, "file is not under construction")
	}

	ids, err := tc.FileBlockIDs(file.ID)
	if err != nil {
		return nil, err
	}

	id, err := l.freshID(tc)
	if err != nil {
		return nil, err
	}

	b := &namespace.Block{
		ID:                  id,
		GenerationStamp:     l.gs.Current(),
		State:               namespace.BlockUnderConstruction,
		INodeID:             file.ID,
		Index:               len(ids),
		PrimaryReplicaIndex: -1,
	}
	if err := tc.PutBlock(b); err != nil {
		return nil, err
	}
	if err := tc.SetFileBlock(file.ID, b.Index, b.ID); err != nil {
		return nil, err
	}
	for _, target := range targets {
		if _, err := l.addReplica(tc, b.ID, target, namespace.ReplicaBeingWritten); err != nil {
			return nil, err
		}
	}

	tc.AfterCommit(func() { l.total.Add(1) })
	logger.Debug("Allocated block %d (gs=%d) as #%d of file %d on %d targets", b.ID, b.GenerationStamp, b.Index, file.ID, len(targets))
	return b, nil
}

func (l *Ledger) freshID(tc *tx.Context) (int64, error) {
	for {
		id := l.newID()
		existing, err := tc.Block(id)
		if err != nil {
			return 0, err
		}
		if existing == nil {
			return id, nil
		}
		logger.Debug("Block id %d already in use, drawing another", id)
	}
}

// RemoveLastBlock detaches the last block of file (which must be blockID)
// and removes it from the ledger. Used by abandonBlock.
func (l *Ledger) RemoveLastBlock(tc *tx.Context, file *namespace.INode, blockID int64) (*namespace.Block, error) {
	last, err := l.LastBlock(tc, file)
	if err != nil {
		return nil, err
	}
	if last == nil || last.ID != blockID {
		return nil, namespace.NewError(namespace.ErrInvalidArgument, file.Name, "block %d is not the last block of the file", blockID)
	}
	if err := tc.DeleteFileBlock(file.ID, last.Index); err != nil {
		return nil, err
	}
	if err := l.RemoveBlock(tc, blockID); err != nil {
		return nil, err
	}
	return last, nil
}

// AppendBlocks moves blocks to the end of target's block list, renumbering
// them. Used by concat; the source files' lists must be cleared by the
// caller.
func (l *Ledger) AppendBlocks(tc *tx.Context, target *namespace.INode, blocks []*namespace.Block) error {
	ids, err := tc.FileBlockIDs(target.ID)
	if err != nil {
		return err
	}
	next := len(ids)
	for _, b := range blocks {
		b.INodeID = target.ID
		b.Index = next
		if err := tc.PutBlock(b); err != nil {
			return err
		}
		if err := tc.SetFileBlock(target.ID, next, b.ID); err != nil {
			return err
		}
		next++
	}
	return nil
}

// ============================================================================
// Commit and completion
// ============================================================================

// CommitOrCompleteLastBlock commits the last block of file with the length
// and stamp reported by the client, and completes it when it already has
// MinReplication finalized replicas.
//
// Already COMPLETE blocks (and a nil commit) are a no-op. The returned delta
// is the disk-space change of the file caused by the block leaving the
// under-construction accounting (negative when the block is shorter than
// the preferred size).
func (l *Ledger) CommitOrCompleteLastBlock(tc *tx.Context, file *namespace.INode, commit *namespace.ExtendedBlock) (int64, error) {
	if commit == nil {
		return 0, nil
	}
	last, err := l.LastBlock(tc, file)
	if err != nil || last == nil {
		return 0, err
	}
	if last.IsComplete() {
		return 0, nil
	}
	if last.ID != commit.BlockID {
		return 0, namespace.NewError(namespace.ErrInvalidArgument, file.Name,
			"committed block %d differs from last block %d", commit.BlockID, last.ID)
	}

	var delta int64
	if last.State != namespace.BlockCommitted {
		if commit.GenerationStamp < last.GenerationStamp {
			return 0, namespace.NewError(namespace.ErrInvalidArgument, file.Name,
				"commit of block %d with stale generation stamp %d < %d", last.ID, commit.GenerationStamp, last.GenerationStamp)
		}
		delta = (commit.NumBytes - file.File.PreferredBlockSize) * int64(file.File.Replication)
		last.NumBytes = commit.NumBytes
		last.GenerationStamp = commit.GenerationStamp
		last.State = namespace.BlockCommitted
		if err := tc.PutBlock(last); err != nil {
			return 0, err
		}
	}

	live, err := l.CountLiveReplicas(tc, last.ID)
	if err != nil {
		return 0, err
	}
	if live >= l.minReplication {
		if err := l.completeBlock(tc, last, live); err != nil {
			return 0, err
		}
	}
	return delta, nil
}

func (l *Ledger) completeBlock(tc *tx.Context, b *namespace.Block, live int) error {
	if b.IsComplete() {
		return nil
	}
	if b.State != namespace.BlockCommitted {
		return namespace.NewError(namespace.ErrInconsistent, "", "cannot complete block %d in state %s", b.ID, b.State)
	}
	b.State = namespace.BlockComplete
	b.PrimaryReplicaIndex = -1
	b.RecoveryID = 0
	if err := tc.PutBlock(b); err != nil {
		return err
	}
	safe := min(live, l.minReplication)
	l.notify(tc, func(o SafeModeObserver) {
		o.AdjustBlockTotals(0, 1)
		o.IncrementSafeBlockCount(safe)
	})
	return nil
}

// CompleteBlocks reports whether every block of file is COMPLETE, trying to
// complete a COMMITTED last block on the way.
func (l *Ledger) CompleteBlocks(tc *tx.Context, file *namespace.INode) (bool, error) {
	blocks, err := tc.FileBlocks(file.ID)
	if err != nil {
		return false, err
	}
	for _, b := range blocks {
		if b.IsComplete() {
			continue
		}
		if b.State != namespace.BlockCommitted {
			return false, nil
		}
		live, err := l.CountLiveReplicas(tc, b.ID)
		if err != nil {
			return false, err
		}
		if live < l.minReplication {
			return false, nil
		}
		if err := l.completeBlock(tc, b, live); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ForceComplete marks a COMMITTED block COMPLETE regardless of its
// replication. Used when a file is finalized by lease recovery.
func (l *Ledger) ForceComplete(tc *tx.Context, b *namespace.Block) error {
	live, err := l.CountLiveReplicas(tc, b.ID)
	if err != nil {
		return err
	}
	if b.State != namespace.BlockCommitted && !b.IsComplete() {
		b.State = namespace.BlockCommitted
	}
	return l.completeBlock(tc, b, live)
}

// ConvertLastBlockToUnderConstruction reopens a partial COMPLETE last block
// for append. Full or missing last blocks are not reopened (nil result).
//
// The returned delta is the disk-space change of the file: the reopened
// block is accounted at the preferred block size again.
func (l *Ledger) ConvertLastBlockToUnderConstruction(tc *tx.Context, file *namespace.INode) (*namespace.Block, int64, error) {
	last, err := l.LastBlock(tc, file)
	if err != nil || last == nil {
		return nil, 0, err
	}
	if last.NumBytes == file.File.PreferredBlockSize {
		return nil, 0, nil
	}
	if !last.IsComplete() {
		return nil, 0, namespace.NewError(namespace.ErrInconsistent, file.Name, "last block %d is %s, expected COMPLETE", last.ID, last.State)
	}

	live, err := l.CountLiveReplicas(tc, last.ID)
	if err != nil {
		return nil, 0, err
	}

	delta := (file.File.PreferredBlockSize - last.NumBytes) * int64(file.File.Replication)
	last.State = namespace.BlockUnderConstruction
	last.PrimaryReplicaIndex = -1
	if err := tc.PutBlock(last); err != nil {
		return nil, 0, err
	}

	replicas, err := tc.Replicas(last.ID)
	if err != nil {
		return nil, 0, err
	}
	for _, r := range replicas {
		r.State = namespace.ReplicaBeingWritten
		if err := tc.PutReplica(r); err != nil {
			return nil, 0, err
		}
	}

	safe := 0
	if live >= l.minReplication {
		safe = -1
	}
	l.notify(tc, func(o SafeModeObserver) { o.AdjustBlockTotals(safe, -1) })
	return last, delta, nil
}

// UpdateLastBlockLength records the length of an under-construction last
// block as persisted by fsync.
func (l *Ledger) UpdateLastBlockLength(tc *tx.Context, file *namespace.INode, length int64) error {
	last, err := l.LastBlock(tc, file)
	if err != nil || last == nil {
		return err
	}
	if !last.IsUnderConstruction() {
		return nil
	}
	last.NumBytes = length
	return tc.PutBlock(last)
}

// ============================================================================
// Recovery
// ============================================================================

// InitializeBlockRecovery moves b to UNDER_RECOVERY under recoveryID and
// picks the replica that drives the recovery (round-robin over the known
// replicas, -1 when there are none).
func (l *Ledger) InitializeBlockRecovery(tc *tx.Context, b *namespace.Block, recoveryID int64) error {
	if b.IsComplete() {
		return namespace.NewError(namespace.ErrInconsistent, "", "cannot recover COMPLETE block %d", b.ID)
	}

	replicas, err := tc.Replicas(b.ID)
	if err != nil {
		return err
	}
	if len(replicas) == 0 {
		logger.Warn("Block %d has no known replicas, recovery %d cannot pick a primary", b.ID, recoveryID)
		b.PrimaryReplicaIndex = -1
	} else {
		b.PrimaryReplicaIndex = (b.PrimaryReplicaIndex + 1) % len(replicas)
	}

	b.State = namespace.BlockUnderRecovery
	b.RecoveryID = recoveryID
	return tc.PutBlock(b)
}

// ============================================================================
// Replicas
// ============================================================================

// Replicas returns the replicas of blockID ordered by index.
func (l *Ledger) Replicas(tc *tx.Context, blockID int64) ([]*namespace.Replica, error) {
	return tc.Replicas(blockID)
}

// addReplica records a replica of blockID on storage, or updates the
// existing one. New replicas take the next dense index.
func (l *Ledger) addReplica(tc *tx.Context, blockID int64, storage namespace.DatanodeStorage, state namespace.ReplicaState) (*namespace.Replica, error) {
	idx, err := l.FindDatanodeIndex(tc, storage, blockID)
	if err != nil {
		return nil, err
	}

	replicas, err := tc.Replicas(blockID)
	if err != nil {
		return nil, err
	}
	if idx >= 0 {
		r := replicas[idx]
		if r.State != state {
			r.State = state
			if err := tc.PutReplica(r); err != nil {
				return nil, err
			}
		}
		return r, nil
	}

	r := &namespace.Replica{
		BlockID:   blockID,
		Index:     len(replicas),
		StorageID: storage.StorageID,
		Address:   storage.Address,
		State:     state,
	}
	return r, tc.PutReplica(r)
}

// RemoveReplica drops the replica of blockID on storageID and renumbers the
// replicas above it so indices stay dense. Returns false if there was none.
func (l *Ledger) RemoveReplica(tc *tx.Context, blockID int64, storageID string) (bool, error) {
	idx, ok, err := tc.ReplicaIndexOn(storageID, blockID)
	if err != nil || !ok {
		return false, err
	}

	replicas, err := tc.Replicas(blockID)
	if err != nil {
		return false, err
	}
	if idx >= len(replicas) || replicas[idx].StorageID != storageID {
		logger.Error("Replica index of block %d on %s is %d but the replica list disagrees", blockID, storageID, idx)
		return false, namespace.NewError(namespace.ErrInconsistent, "", "replica index of block %d on %s is corrupt", blockID, storageID)
	}
	removed := replicas[idx]

	for i := idx; i < len(replicas)-1; i++ {
		moved := replicas[i+1]
		moved.Index = i
		if err := tc.PutReplica(moved); err != nil {
			return false, err
		}
	}
	if err := tc.DeleteReplicaRecord(blockID, len(replicas)-1); err != nil {
		return false, err
	}
	if err := tc.DeleteReplicaStorage(storageID, blockID); err != nil {
		return false, err
	}

	if removed.State == namespace.ReplicaFinalized {
		b, err := tc.Block(blockID)
		if err != nil {
			return false, err
		}
		if b != nil && b.IsComplete() {
			live := 0
			for _, r := range replicas {
				if r.State == namespace.ReplicaFinalized && r.StorageID != storageID {
					live++
				}
			}
			l.notify(tc, func(o SafeModeObserver) { o.DecrementSafeBlockCount(live) })
		}
	}
	return true, nil
}

// SetReplicas replaces the replica set of blockID with storages, all in
// state. Used when block synchronization reports the surviving pipeline.
func (l *Ledger) SetReplicas(tc *tx.Context, blockID int64, storages []namespace.DatanodeStorage, state namespace.ReplicaState) error {
	replicas, err := tc.Replicas(blockID)
	if err != nil {
		return err
	}
	for _, r := range replicas {
		if err := tc.DeleteReplicaRecord(blockID, r.Index); err != nil {
			return err
		}
		if err := tc.DeleteReplicaStorage(r.StorageID, blockID); err != nil {
			return err
		}
	}
	for i, s := range storages {
		r := &namespace.Replica{BlockID: blockID, Index: i, StorageID: s.StorageID, Address: s.Address, State: state}
		if err := tc.PutReplica(r); err != nil {
			return err
		}
	}
	return nil
}

// FindDatanodeIndex returns the replica index of blockID on storage, or -1.
// When the storage re-registered under a new address the stored address is
// updated in place; the index never changes.
func (l *Ledger) FindDatanodeIndex(tc *tx.Context, storage namespace.DatanodeStorage, blockID int64) (int, error) {
	idx, ok, err := tc.ReplicaIndexOn(storage.StorageID, blockID)
	if err != nil {
		return -1, err
	}
	if !ok {
		return -1, nil
	}

	replicas, err := tc.Replicas(blockID)
	if err != nil {
		return -1, err
	}
	if idx >= len(replicas) {
		return -1, namespace.NewError(namespace.ErrInconsistent, "", "replica index %d of block %d out of range", idx, blockID)
	}
	r := replicas[idx]
	if storage.Address != "" && r.Address != storage.Address {
		logger.Info("Storage %s moved from %s to %s, updating replica of block %d", storage.StorageID, r.Address, storage.Address, blockID)
		r.Address = storage.Address
		if err := tc.PutReplica(r); err != nil {
			return -1, err
		}
	}
	return idx, nil
}

// CountLiveReplicas returns the number of finalized replicas of blockID.
func (l *Ledger) CountLiveReplicas(tc *tx.Context, blockID int64) (int, error) {
	replicas, err := tc.Replicas(blockID)
	if err != nil {
		return 0, err
	}
	live := 0
	for _, r := range replicas {
		if r.State == namespace.ReplicaFinalized {
			live++
		}
	}
	return live, nil
}

// CheckMinReplication reports whether b has enough finalized replicas.
func (l *Ledger) CheckMinReplication(tc *tx.Context, b *namespace.Block) (bool, error) {
	live, err := l.CountLiveReplicas(tc, b.ID)
	if err != nil {
		return false, err
	}
	return live >= l.minReplication, nil
}

// Locations returns the storages serving b: every expected target while
// the block is under construction, only finalized replicas afterwards.
func (l *Ledger) Locations(tc *tx.Context, b *namespace.Block) ([]namespace.DatanodeStorage, error) {
	replicas, err := tc.Replicas(b.ID)
	if err != nil {
		return nil, err
	}
	locs := make([]namespace.DatanodeStorage, 0, len(replicas))
	for _, r := range replicas {
		if b.IsComplete() && r.State != namespace.ReplicaFinalized {
			continue
		}
		locs = append(locs, namespace.DatanodeStorage{StorageID: r.StorageID, Address: r.Address})
	}
	return locs, nil
}

// ============================================================================
// Datanode reports and removal
// ============================================================================

// AddStoredBlock records a finalized replica reported by storage. Reports
// for unknown blocks, or stale versions of complete blocks, are queued for
// invalidation on that storage and return false.
func (l *Ledger) AddStoredBlock(tc *tx.Context, storage namespace.DatanodeStorage, reported namespace.ExtendedBlock) (bool, error) {
	b, err := tc.Block(reported.BlockID)
	if err != nil {
		return false, err
	}
	if b == nil {
		logger.Info("Storage %s reported unknown block %d, invalidating", storage.StorageID, reported.BlockID)
		return false, l.invalidate(tc, storage.StorageID, reported)
	}
	if b.IsComplete() && reported.GenerationStamp < b.GenerationStamp {
		logger.Info("Storage %s reported stale block %d (gs %d < %d), invalidating",
			storage.StorageID, b.ID, reported.GenerationStamp, b.GenerationStamp)
		return false, l.invalidate(tc, storage.StorageID, reported)
	}

	before, err := l.CountLiveReplicas(tc, b.ID)
	if err != nil {
		return false, err
	}
	if _, err := l.addReplica(tc, b.ID, storage, namespace.ReplicaFinalized); err != nil {
		return false, err
	}
	live, err := l.CountLiveReplicas(tc, b.ID)
	if err != nil {
		return false, err
	}

	switch {
	case b.State == namespace.BlockCommitted && live >= l.minReplication:
		if err := l.completeBlock(tc, b, live); err != nil {
			return false, err
		}
	case b.IsComplete() && live > before:
		l.notify(tc, func(o SafeModeObserver) { o.IncrementSafeBlockCount(live) })
	}
	return true, nil
}

func (l *Ledger) invalidate(tc *tx.Context, storageID string, b namespace.ExtendedBlock) error {
	return tc.PutInvalidated(&namespace.InvalidatedBlock{
		StorageID:       storageID,
		BlockID:         b.BlockID,
		GenerationStamp: b.GenerationStamp,
	})
}

// RemoveBlock drops b and its replicas from the ledger and queues an
// invalidation for every storage that held a replica. The file's block list
// entry is the caller's business.
func (l *Ledger) RemoveBlock(tc *tx.Context, blockID int64) error {
	b, err := tc.Block(blockID)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}

	replicas, err := tc.Replicas(blockID)
	if err != nil {
		return err
	}
	live := 0
	for _, r := range replicas {
		if r.State == namespace.ReplicaFinalized {
			live++
		}
		if err := tc.PutInvalidated(&namespace.InvalidatedBlock{
			StorageID: r.StorageID, BlockID: blockID, GenerationStamp: b.GenerationStamp,
		}); err != nil {
			return err
		}
		if err := tc.DeleteReplicaRecord(blockID, r.Index); err != nil {
			return err
		}
		if err := tc.DeleteReplicaStorage(r.StorageID, blockID); err != nil {
			return err
		}
	}
	if err := tc.DeleteBlock(blockID); err != nil {
		return err
	}

	if b.IsComplete() {
		safe := 0
		if live >= l.minReplication {
			safe = -1
		}
		l.notify(tc, func(o SafeModeObserver) { o.AdjustBlockTotals(safe, -1) })
	}
	tc.AfterCommit(func() { l.total.Add(-1) })
	return nil
}

// RemoveStorage drops every replica hosted by storageID. Returns the number
// of replicas removed.
func (l *Ledger) RemoveStorage(tc *tx.Context, storageID string) (int, error) {
	ids, err := tc.BlocksOnStorage(storageID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		ok, err := l.RemoveReplica(tc, id, storageID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
