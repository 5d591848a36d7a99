package namenode

import (
	"context"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/lease"
	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/resolver"
	"github.com/marmos91/dittons/pkg/namenode/tree"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

// ============================================================================
// Lease operations
// ============================================================================

// RenewLease extends every lease of holder. A holder without a lease is a
// no-op.
func (ns *Namesystem) RenewLease(auth *namespace.AuthContext, holder string) (err error) {
	defer ns.track(auth, "renewLease", holder, "")(&err)

	scope := lock.NewScope().Lease(holder, lock.Write)
	return ns.run(auth.Ctx(), "renewLease", scope, func(tc *tx.Context) error {
		if err := ns.checkSafeMode("renew lease", holder); err != nil {
			return err
		}
		return ns.leases.RenewLease(tc, holder)
	})
}

// RecoverLease starts lease recovery of src on behalf of holder, regardless
// of the soft limit. Returns true when the file is closed (or was not open),
// false when block recovery was started and the caller should poll again.
func (ns *Namesystem) RecoverLease(auth *namespace.AuthContext, src, holder string) (closed bool, err error) {
	defer ns.track(auth, "recoverLease", src, "")(&err)

	err = ns.run(auth.Ctx(), "recoverLease", createScope(src), func(tc *tx.Context) error {
		closed = false
		if err := ns.checkSafeMode("recover lease", src); err != nil {
			return err
		}
		chain, err := resolveFor(tc, src, true)
		if err != nil {
			return err
		}
		file := chain.Last()
		if file == nil {
			return namespace.NewError(namespace.ErrNotFound, src, "file not found")
		}
		if !file.IsFile() {
			return namespace.NewError(namespace.ErrNotFound, src, "path is not a file")
		}
		if !file.IsUnderConstruction() {
			closed = true
			return nil
		}
		if err := ns.checkPermission(tc, auth, chain, accessCheck{target: namespace.AccessWrite}); err != nil {
			return err
		}

		if err := ns.recoverLeaseInternal(tc, chain, src, holder, true); err != nil {
			return err
		}
		closed = !chain.Last().IsUnderConstruction()
		return nil
	})
	if namespace.IsCode(err, namespace.ErrRecoveryInProgress) {
		// recovery started and committed; the caller polls again
		err = nil
	}
	if err != nil {
		return false, err
	}
	ns.metrics.RecordLeaseRecovery(closed)
	return closed, nil
}

// recoverLeaseInternal deals with a create, append or recoverLease call on
// a file that is under construction. Without force the call is rejected
// unless the current holder's soft limit expired.
//
// When the file could not be closed right away the returned error wraps
// ErrRecoveryInProgress in commitThen, so the started recovery persists.
func (ns *Namesystem) recoverLeaseInternal(tc *tx.Context, chain *resolver.Chain, src, holder string, force bool) error {
	file := chain.Last()
	current := file.File.ClientName

	if !force && current == holder {
		return namespace.NewError(namespace.ErrAlreadyBeingCreated, src,
			"failed to create file for %s: current leaseholder is trying to recreate file", holder)
	}

	l, err := ns.leases.GetLease(tc, current)
	if err != nil {
		return err
	}
	if l == nil {
		return namespace.NewError(namespace.ErrAlreadyBeingCreated, src,
			"failed to create file for %s: file is under construction but %s has no lease", holder, current)
	}

	if force || ns.leases.ExpiredSoftLimit(l) {
		logger.Info("Recovering lease of %s on %s for %s", current, src, holder)
		// a forced recovery hands the lease to the caller, an expired
		// soft limit keeps the current holder
		recoveryHolder := ""
		if force {
			recoveryHolder = holder
		}
		closed, err := ns.internalReleaseLease(tc, chain, l, src, recoveryHolder)
		if err != nil {
			return err
		}
		if !closed {
			return commitThen(namespace.NewError(namespace.ErrRecoveryInProgress, src,
				"lease recovery is in progress, try again later"))
		}
		return nil
	}

	last, err := ns.ledger.LastBlock(tc, file)
	if err != nil {
		return err
	}
	if last != nil && last.State == namespace.BlockUnderRecovery {
		return namespace.NewError(namespace.ErrRecoveryInProgress, src, "block recovery is in progress, try again later")
	}
	return namespace.NewError(namespace.ErrAlreadyBeingCreated, src,
		"failed to create file for %s: already being created by %s on %s", holder, current, file.File.ClientMachine)
}

// internalReleaseLease closes the file at the end of chain on behalf of
// lease l, or starts block recovery when its last block was never
// committed.
//
// The lease is reassigned to recoveryHolder while recovery runs (the
// current holder is kept when recoveryHolder is empty).
//
// Returns true when the file was closed.
func (ns *Namesystem) internalReleaseLease(tc *tx.Context, chain *resolver.Chain, l *namespace.Lease, src, recoveryHolder string) (bool, error) {
	file := chain.Last()
	bs, err := ns.ledger.Blocks(tc, file)
	if err != nil {
		return false, err
	}

	n := len(bs)
	complete := 0
	for complete < n && bs[complete].IsComplete() {
		complete++
	}
	if complete == n {
		if err := ns.finalizeFile(tc, chain, l.Holder, src); err != nil {
			return false, err
		}
		logger.Info("Lease of %s on %s released: all blocks complete, file closed", l.Holder, src)
		return true, nil
	}
	if n-complete > 2 {
		return false, namespace.NewError(namespace.ErrInconsistent, src,
			"%d blocks are not complete, at most the last two may be", n-complete)
	}

	penultimateOK := true
	if n >= 2 && !bs[n-2].IsComplete() {
		pen := bs[n-2]
		if pen.State != namespace.BlockCommitted {
			return false, namespace.NewError(namespace.ErrInconsistent, src,
				"penultimate block %d is %s", pen.ID, pen.State)
		}
		if penultimateOK, err = ns.ledger.CheckMinReplication(tc, pen); err != nil {
			return false, err
		}
	}

	last := bs[n-1]
	switch last.State {
	case namespace.BlockCommitted:
		lastOK, err := ns.ledger.CheckMinReplication(tc, last)
		if err != nil {
			return false, err
		}
		if !penultimateOK || !lastOK {
			return false, namespace.NewError(namespace.ErrAlreadyBeingCreated, src,
				"committed blocks are waiting to be minimally replicated, try again later")
		}
		if _, err := ns.ledger.CompleteBlocks(tc, file); err != nil {
			return false, err
		}
		if err := ns.finalizeFile(tc, chain, l.Holder, src); err != nil {
			return false, err
		}
		return true, nil

	case namespace.BlockUnderConstruction, namespace.BlockUnderRecovery:
		replicas, err := ns.ledger.Replicas(tc, last.ID)
		if err != nil {
			return false, err
		}
		if len(replicas) == 0 && last.NumBytes == 0 && penultimateOK {
			// nothing was ever written into the last block
			removed, err := ns.ledger.RemoveLastBlock(tc, file, last.ID)
			if err != nil {
				return false, err
			}
			space := tree.BlocksDiskspace(file, []*namespace.Block{removed})
			if err := ns.dir.UpdateCount(tc, chain, chain.Len()-1, 0, -space, false); err != nil {
				return false, err
			}
			if n >= 2 && !bs[n-2].IsComplete() {
				if _, err := ns.ledger.CompleteBlocks(tc, file); err != nil {
					return false, err
				}
			}
			if err := ns.finalizeFile(tc, chain, l.Holder, src); err != nil {
				return false, err
			}
			logger.Info("Lease of %s on %s released: empty last block %d removed", l.Holder, src, last.ID)
			return true, nil
		}

		recoveryID, err := ns.gs.Next(tc)
		if err != nil {
			return false, err
		}
		if err := ns.ledger.InitializeBlockRecovery(tc, last, recoveryID); err != nil {
			return false, err
		}
		newHolder := recoveryHolder
		if newHolder == "" {
			newHolder = l.Holder
		}
		if err := ns.reassignLease(tc, chain, l, src, newHolder); err != nil {
			return false, err
		}
		logger.Info("Recovery %d of block %d of %s started, lease reassigned from %s to %s",
			recoveryID, last.ID, src, l.Holder, newHolder)
		return false, nil
	}

	return false, namespace.NewError(namespace.ErrInconsistent, src, "last block %d is in state %s", last.ID, last.State)
}

// reassignLease moves the lease on src to newHolder and records the new
// holder on the file.
func (ns *Namesystem) reassignLease(tc *tx.Context, chain *resolver.Chain, l *namespace.Lease, src, newHolder string) error {
	file := chain.Last()
	if file.File.ClientName != newHolder {
		file.File.ClientName = newHolder
		if err := tc.PutINode(file); err != nil {
			return err
		}
	}
	_, err := ns.leases.ReassignLease(tc, l, src, newHolder)
	return err
}

// ============================================================================
// Block synchronization
// ============================================================================

// SyncOptions are the results of a block recovery, as reported by the
// primary datanode.
type SyncOptions struct {
	// NewGenerationStamp must match the recovery id issued by the namespace
	NewGenerationStamp int64

	// NewLength is the recovered block length
	NewLength int64

	// CloseFile finalizes the file when set
	CloseFile bool

	// DeleteBlock drops the block when no replica could be recovered
	DeleteBlock bool

	// NewTargets are the storages holding the recovered replica
	NewTargets []namespace.DatanodeStorage
}

// CommitBlockSynchronization applies the outcome of the recovery of
// lastBlock: the block is updated (or deleted) and, with CloseFile, the file
// is finalized and its lease released.
//
// A file that is already closed, or a block that is already complete, is a
// no-op (a late duplicate report).
func (ns *Namesystem) CommitBlockSynchronization(auth *namespace.AuthContext, lastBlock namespace.ExtendedBlock, opts SyncOptions) (err error) {
	defer ns.track(auth, "commitBlockSynchronization", "", "")(&err)

	scope := lock.NewScope().Path(namespace.Root, lock.Write).AllLeases(lock.Write).Blocks(lock.Write)
	return ns.run(auth.Ctx(), "commitBlockSynchronization", scope, func(tc *tx.Context) error {
		if err := ns.checkSafeMode("commit block synchronization", ""); err != nil {
			return err
		}

		b, err := ns.ledger.GetStoredBlock(tc, lastBlock.BlockID)
		if err != nil {
			return err
		}
		if b == nil {
			return namespace.NewError(namespace.ErrNotFound, "", "block %d not found", lastBlock.BlockID)
		}
		file, err := tc.INode(b.INodeID)
		if err != nil {
			return err
		}
		if file == nil || !file.IsUnderConstruction() || b.IsComplete() {
			logger.Info("commitBlockSynchronization: block %d is already closed, ignoring", b.ID)
			return nil
		}
		if b.RecoveryID != opts.NewGenerationStamp {
			return namespace.NewError(namespace.ErrInvalidArgument, "",
				"recovery id %d of block %d does not match new generation stamp %d", b.RecoveryID, b.ID, opts.NewGenerationStamp)
		}

		src, err := resolver.PathOf(tc, file)
		if err != nil {
			return err
		}
		chain, err := resolveFor(tc, src, false)
		if err != nil {
			return err
		}

		if opts.DeleteBlock {
			removed, err := ns.ledger.RemoveLastBlock(tc, file, b.ID)
			if err != nil {
				return err
			}
			space := tree.BlocksDiskspace(file, []*namespace.Block{removed})
			if err := ns.dir.UpdateCount(tc, chain, chain.Len()-1, 0, -space, false); err != nil {
				return err
			}
		} else {
			if err := ns.ledger.SetReplicas(tc, b.ID, opts.NewTargets, namespace.ReplicaFinalized); err != nil {
				return err
			}
		}

		if !opts.CloseFile {
			if !opts.DeleteBlock {
				b.GenerationStamp = opts.NewGenerationStamp
				b.NumBytes = opts.NewLength
				if err := tc.PutBlock(b); err != nil {
					return err
				}
			}
			logger.Info("commitBlockSynchronization: block %d of %s updated to gs %d, length %d",
				b.ID, src, opts.NewGenerationStamp, opts.NewLength)
			return nil
		}

		if !opts.DeleteBlock {
			delta, err := ns.ledger.CommitOrCompleteLastBlock(tc, file, &namespace.ExtendedBlock{
				BlockID:         b.ID,
				GenerationStamp: opts.NewGenerationStamp,
				NumBytes:        opts.NewLength,
			})
			if err != nil {
				return err
			}
			if err := ns.dir.UpdateCount(tc, chain, chain.Len()-1, 0, delta, false); err != nil {
				return err
			}
			if !b.IsComplete() {
				if err := ns.ledger.ForceComplete(tc, b); err != nil {
					return err
				}
			}
		}
		if err := ns.finalizeFile(tc, chain, file.File.ClientName, src); err != nil {
			return err
		}
		logger.Info("commitBlockSynchronization: %s closed after recovery of block %d (length %d)", src, b.ID, opts.NewLength)
		return nil
	})
}

// ============================================================================
// Lease monitor
// ============================================================================

var _ lease.Releaser = (*Namesystem)(nil)

// InSafeMode reports whether safe mode is on.
func (ns *Namesystem) InSafeMode() bool {
	return ns.safeMode.IsOn()
}

// ExpiredLeases lists the leases past their hard limit with their paths.
func (ns *Namesystem) ExpiredLeases(ctx context.Context) ([]lease.Expired, error) {
	var out []lease.Expired
	err := ns.read(ctx, "expiredLeases", lock.NewScope().AllLeases(lock.Read), func(tc *tx.Context) error {
		out = nil
		expired, err := ns.leases.ExpiredHardLimitLeases(tc)
		if err != nil {
			return err
		}
		for _, l := range expired {
			paths, err := ns.leases.Paths(tc, l)
			if err != nil {
				return err
			}
			out = append(out, lease.Expired{Holder: l.Holder, Paths: paths})
		}
		return nil
	})
	return out, err
}

// ReleaseLease force-releases holder's lease on path on behalf of the lease
// monitor. Paths whose file disappeared or is no longer open simply lose
// their lease.
func (ns *Namesystem) ReleaseLease(ctx context.Context, holder, path string) (closed bool, err error) {
	err = ns.run(ctx, "releaseLease", createScope(path), func(tc *tx.Context) error {
		closed = false
		l, err := ns.leases.GetLease(tc, holder)
		if err != nil {
			return err
		}
		if l == nil {
			closed = true
			return nil
		}

		chain, err := resolveFor(tc, path, false)
		if err != nil && !namespace.IsCode(err, namespace.ErrNotDirectory) {
			return err
		}
		if chain == nil || chain.Last() == nil || !chain.Last().IsUnderConstruction() ||
			chain.Last().File.ClientName != holder {
			logger.Warn("Lease of %s covers %s which is not open by it, removing", holder, path)
			closed = true
			return ns.leases.RemoveLease(tc, holder, path)
		}

		closed, err = ns.internalReleaseLease(tc, chain, l, path, namespace.RecoveryHolder)
		return err
	})
	if err != nil {
		return false, err
	}
	ns.metrics.RecordLeaseRecovery(closed)
	return closed, nil
}
