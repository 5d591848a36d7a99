package namenode

import (
	"context"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

// ============================================================================
// Datanode surface
// ============================================================================

// RegisterStorage adds (or refreshes) a storage. An empty storage id gets a
// fresh one. Returns the registered storage.
func (ns *Namesystem) RegisterStorage(ctx context.Context, s namespace.DatanodeStorage) (namespace.DatanodeStorage, error) {
	registered, known, err := ns.datanodes.Register(s)
	if err != nil {
		return s, err
	}
	if !known {
		// the datanode threshold may now be met
		ns.safeMode.CheckMode()
		ns.metrics.SetSafeMode(ns.safeMode.IsOn())
	}
	return registered, nil
}

// RemoveStorage forgets a storage and drops every replica it hosted.
// Removing an unknown storage is a no-op.
func (ns *Namesystem) RemoveStorage(ctx context.Context, storageID string) error {
	if !ns.datanodes.Remove(storageID) {
		return nil
	}
	var removed int
	err := ns.run(ctx, "removeStorage", lock.NewScope().Blocks(lock.Write), func(tc *tx.Context) error {
		var err error
		removed, err = ns.ledger.RemoveStorage(tc, storageID)
		return err
	})
	if err != nil {
		return err
	}
	logger.Info("BLOCK* removed %d replicas of storage %s", removed, storageID)
	return nil
}

// BlockReceived records finalized replicas reported by a storage. Reports
// that do not match a known block (unknown id, stale generation stamp) are
// queued for invalidation on that storage. Reports are accepted in safe
// mode: they are what gets the namespace out of it.
//
// Returns the number of accepted replicas.
//
// Errors: ErrInvalidArgument when the storage is not registered.
func (ns *Namesystem) BlockReceived(ctx context.Context, storageID string, reported []namespace.ExtendedBlock) (int, error) {
	storage, ok := ns.datanodes.Get(storageID)
	if !ok {
		return 0, namespace.NewError(namespace.ErrInvalidArgument, "", "block report from unregistered storage %s", storageID)
	}

	accepted := 0
	err := ns.run(ctx, "blockReceived", lock.NewScope().Blocks(lock.Write), func(tc *tx.Context) error {
		accepted = 0
		for _, b := range reported {
			ok, err := ns.ledger.AddStoredBlock(tc, storage, b)
			if err != nil {
				return err
			}
			if ok {
				accepted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	ns.metrics.SetSafeMode(ns.safeMode.IsOn())
	logger.Debug("BLOCK* %s reported %d blocks, %d accepted", storageID, len(reported), accepted)
	return accepted, nil
}

// GetInvalidatedBlocks returns (and forgets) up to limit replicas the
// storage must delete. limit <= 0 returns them all.
func (ns *Namesystem) GetInvalidatedBlocks(ctx context.Context, storageID string, limit int) ([]namespace.InvalidatedBlock, error) {
	var out []namespace.InvalidatedBlock
	err := ns.run(ctx, "getInvalidatedBlocks", lock.NewScope().Blocks(lock.Write), func(tc *tx.Context) error {
		out = out[:0]
		pending, err := tc.Invalidated(storageID, limit)
		if err != nil {
			return err
		}
		for _, ib := range pending {
			if err := tc.DeleteInvalidated(ib.StorageID, ib.BlockID); err != nil {
				return err
			}
			out = append(out, *ib)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
