package namenode

import (
	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/resolver"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

// Delete removes src. A non-empty directory requires recursive. Blocks of
// removed files are queued for the deletion worker and leave the ledger
// after the commit.
//
// Returns false when src does not exist.
//
// Errors: ErrInvalidArgument for the root, ErrNotEmpty, ErrSafeMode,
// permission errors.
func (ns *Namesystem) Delete(auth *namespace.AuthContext, src string, recursive bool) (deleted bool, err error) {
	defer ns.track(auth, "delete", src, "")(&err)

	scope := lock.NewScope().Path(src, lock.Write).AllLeases(lock.Write)
	err = ns.run(auth.Ctx(), "delete", scope, func(tc *tx.Context) error {
		deleted = false
		if err := ns.checkSafeMode("delete", src); err != nil {
			return err
		}
		chain, err := resolveFor(tc, src, false)
		if err != nil {
			return err
		}
		if chain.Len() == 1 {
			return namespace.NewError(namespace.ErrInvalidArgument, src, "cannot delete the root")
		}
		node := chain.Last()
		if node == nil {
			return nil
		}

		if node.IsDirectory() && !recursive {
			nonEmpty, err := tc.HasChildren(node.ID)
			if err != nil {
				return err
			}
			if nonEmpty {
				return namespace.NewError(namespace.ErrNotEmpty, src, "directory is not empty")
			}
		}

		check := accessCheck{parent: namespace.AccessWrite}
		if recursive {
			check.sub = namespace.AccessRead | namespace.AccessWrite | namespace.AccessExecute
		}
		if err := ns.checkPermission(tc, auth, chain, check); err != nil {
			return err
		}

		if err := ns.removeSubtree(tc, chain, chain.Len()-1); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// removeSubtree detaches the node at chain slot pos and discards its
// subtree.
func (ns *Namesystem) removeSubtree(tc *tx.Context, chain *resolver.Chain, pos int) error {
	path := chain.Path(pos + 1)
	count, _, err := ns.dir.Counts(tc, chain.Nodes[pos])
	if err != nil {
		return err
	}
	removed, err := ns.dir.RemoveChild(tc, chain, pos)
	if err != nil {
		return err
	}

	parent := chain.Nodes[pos-1]
	parent.ModificationTime = ns.nowMillis()
	if err := tc.PutINode(parent); err != nil {
		return err
	}
	return ns.discard(tc, path, removed, count)
}

// discard deletes the records of a detached subtree previously at path,
// drops the leases under it and queues its blocks for deletion. count is
// the subtree's namespace usage.
func (ns *Namesystem) discard(tc *tx.Context, path string, node *namespace.INode, count int64) error {
	if err := ns.leases.RemoveLeasesUnder(tc, path); err != nil {
		return err
	}
	collected, err := ns.dir.CollectSubtree(tc, node)
	if err != nil {
		return err
	}
	for i := range collected.Blocks {
		if err := tc.PutPendingDeletion(&collected.Blocks[i]); err != nil {
			return err
		}
	}

	ns.inodesAdded(tc, -count)
	queued := len(collected.Blocks)
	if queued > 0 {
		tc.AfterCommit(func() { ns.deleter.Enqueued(queued) })
	}
	logger.Debug("DIR* delete %s: %d files, %d directories, %d blocks queued for deletion",
		path, collected.Files, collected.Dirs, queued)
	return nil
}
