package namenode

import (
	"context"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/checkpoint"
	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/tree"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

// wholeNamespace reads (or writes) every record family.
func wholeNamespace(mode lock.Mode) lock.Scope {
	return lock.NewScope().
		Path(namespace.Root, mode).
		AllLeases(mode).
		Blocks(mode)
}

// ============================================================================
// Safe mode
// ============================================================================

// SetSafeMode enters, leaves or queries safe mode. Entering is manual: the
// namespace stays in safe mode until told to leave. Enter and leave are
// superuser only. Returns whether safe mode is on afterwards.
func (ns *Namesystem) SetSafeMode(auth *namespace.AuthContext, action namespace.SafeModeAction) (on bool, err error) {
	switch action {
	case namespace.SafeModeGet:
		return ns.safeMode.IsOn(), nil
	case namespace.SafeModeEnter, namespace.SafeModeLeave:
	default:
		return false, namespace.NewError(namespace.ErrInvalidArgument, "", "unknown safe mode action %d", action)
	}

	defer ns.track(auth, "setSafeMode", namespace.Root, "")(&err)
	if err := ns.checkSuperuser(auth, namespace.Root); err != nil {
		return ns.safeMode.IsOn(), err
	}

	if action == namespace.SafeModeEnter {
		ns.safeMode.Enter(true)
	} else {
		ns.safeMode.Leave()
	}
	on = ns.safeMode.IsOn()
	ns.metrics.SetSafeMode(on)
	return on, nil
}

// SafeModeStatus returns a snapshot of the safe-mode state machine.
func (ns *Namesystem) SafeModeStatus() namespace.SafeModeStatus {
	return ns.safeMode.Status()
}

// ============================================================================
// Checkpoint
// ============================================================================

// ExportImage takes a consistent image of the whole namespace. It
// implements checkpoint.Source.
func (ns *Namesystem) ExportImage(ctx context.Context) (*checkpoint.Image, error) {
	var img *checkpoint.Image
	err := ns.read(ctx, "exportImage", wholeNamespace(lock.Read), func(tc *tx.Context) error {
		var err error
		img, err = checkpoint.Export(tc, ns.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// SaveNamespace writes an image of the namespace to sink. The caller must
// be the superuser and safe mode must be on, so the image is not raced by
// client mutations. Returns the image name.
func (ns *Namesystem) SaveNamespace(auth *namespace.AuthContext, sink checkpoint.Sink) (name string, err error) {
	defer ns.track(auth, "saveNamespace", namespace.Root, "")(&err)

	if err := ns.checkSuperuser(auth, namespace.Root); err != nil {
		return "", err
	}
	if !ns.safeMode.IsOn() {
		return "", namespace.NewError(namespace.ErrInvalidArgument, namespace.Root, "safe mode should be turned on in order to save the namespace")
	}

	img, err := ns.ExportImage(auth.Ctx())
	if err != nil {
		return "", err
	}
	return checkpoint.Save(auth.Ctx(), sink, img)
}

// ============================================================================
// Statistics and audits
// ============================================================================

// Stats returns namespace-wide counters and publishes them as metrics.
func (ns *Namesystem) Stats(ctx context.Context) (*namespace.Stats, error) {
	st := &namespace.Stats{
		FilesTotal:      ns.inodes.Load(),
		BlocksTotal:     ns.ledger.Total(),
		PendingDeletion: ns.deleter.Pending(),
		GenerationStamp: ns.gs.Current(),
		LiveDatanodes:   ns.datanodes.LiveCount(),
		SafeMode:        ns.safeMode.IsOn(),
	}

	scope := lock.NewScope().Path(namespace.Root, lock.Read).AllLeases(lock.Read)
	err := ns.read(ctx, "stats", scope, func(tc *tx.Context) error {
		leases, _, err := ns.leases.Count(tc)
		if err != nil {
			return err
		}
		st.LeasesTotal = leases

		root, err := tc.INode(namespace.RootID)
		if err != nil {
			return err
		}
		_, st.CapacityUsed, err = ns.dir.Counts(tc, root)
		return err
	})
	if err != nil {
		return nil, err
	}

	ns.metrics.SetNamespaceStats(st.FilesTotal, st.BlocksTotal, st.LeasesTotal, st.PendingDeletion)
	ns.metrics.SetSafeMode(st.SafeMode)
	return st, nil
}

// RecountQuotas recomputes the usage of every quota-bearing directory from
// scratch and repairs counters that drifted. Returns the number of
// directories repaired.
func (ns *Namesystem) RecountQuotas(ctx context.Context) (int, error) {
	repaired := 0
	scope := lock.NewScope().Path(namespace.Root, lock.Write).Blocks(lock.Read)
	err := ns.run(ctx, "recountQuotas", scope, func(tc *tx.Context) error {
		repaired = 0

		var ids []int64
		if err := tc.ForEachINode(func(n *namespace.INode) error {
			if n.IsQuotaSet() {
				ids = append(ids, n.ID)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, id := range ids {
			dir, err := tc.INode(id)
			if err != nil {
				return err
			}
			count, space, err := tree.ComputeCounts(tc, dir)
			if err != nil {
				return err
			}
			if count == dir.Dir.NsCount && space == dir.Dir.DsCount {
				continue
			}
			logger.Warn("Quota counters of inode %d (%s) drifted: ns %d -> %d, ds %d -> %d",
				dir.ID, dir.Name, dir.Dir.NsCount, count, dir.Dir.DsCount, space)
			dir.Dir.NsCount, dir.Dir.DsCount = count, space
			if err := tc.PutINode(dir); err != nil {
				return err
			}
			repaired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return repaired, nil
}
