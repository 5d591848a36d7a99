package namenode

import (
	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/resolver"
	"github.com/marmos91/dittons/pkg/namenode/tree"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

// Concat moves the blocks of srcs, in order, to the end of target and
// deletes srcs.
//
// All files must be closed, live in the same directory, share replication
// and preferred block size and have at least one block. Every block must be
// full except the last block of the last source.
func (ns *Namesystem) Concat(auth *namespace.AuthContext, target string, srcs []string) (err error) {
	defer ns.track(auth, "concat", target, "")(&err)

	if len(srcs) == 0 {
		return namespace.NewError(namespace.ErrInvalidArgument, target, "concat needs at least one source")
	}
	seen := map[string]bool{namespace.Clean(target): true}
	for _, s := range srcs {
		c := namespace.Clean(s)
		if seen[c] {
			return namespace.NewError(namespace.ErrInvalidArgument, s, "concat source is given twice or is the target")
		}
		seen[c] = true
	}

	scope := lock.NewScope().Path(target, lock.Write)
	for _, s := range srcs {
		scope = scope.Path(s, lock.Write)
	}
	scope = scope.Blocks(lock.Write)

	return ns.run(auth.Ctx(), "concat", scope, func(tc *tx.Context) error {
		if err := ns.checkSafeMode("concat", target); err != nil {
			return err
		}

		tchain, trg, trgBlocks, err := ns.concatInput(tc, target)
		if err != nil {
			return err
		}
		if err := ns.checkPermission(tc, auth, tchain, accessCheck{target: namespace.AccessWrite}); err != nil {
			return err
		}
		if last := trgBlocks[len(trgBlocks)-1]; last.NumBytes != trg.File.PreferredBlockSize {
			return namespace.NewError(namespace.ErrInvalidArgument, target, "last block of the target is not full")
		}

		chains := make([]*resolver.Chain, len(srcs))
		inputs := make([][]*namespace.Block, len(srcs))
		for i, s := range srcs {
			chain, file, bs, err := ns.concatInput(tc, s)
			if err != nil {
				return err
			}
			if err := ns.checkPermission(tc, auth, chain, accessCheck{parent: namespace.AccessWrite, target: namespace.AccessRead}); err != nil {
				return err
			}
			if file.ID == trg.ID {
				return namespace.NewError(namespace.ErrInvalidArgument, s, "concat source is the target")
			}
			if file.ParentID != trg.ParentID {
				return namespace.NewError(namespace.ErrInvalidArgument, s, "concat source and target must be in the same directory")
			}
			if file.File.Replication != trg.File.Replication {
				return namespace.NewError(namespace.ErrInvalidArgument, s,
					"replication %d differs from target replication %d", file.File.Replication, trg.File.Replication)
			}
			if file.File.PreferredBlockSize != trg.File.PreferredBlockSize {
				return namespace.NewError(namespace.ErrInvalidArgument, s,
					"block size %d differs from target block size %d", file.File.PreferredBlockSize, trg.File.PreferredBlockSize)
			}
			for j, b := range bs {
				lastOfAll := i == len(srcs)-1 && j == len(bs)-1
				if !lastOfAll && b.NumBytes != file.File.PreferredBlockSize {
					return namespace.NewError(namespace.ErrInvalidArgument, s, "block %d is not full", b.ID)
				}
			}
			chains[i], inputs[i] = chain, bs
		}

		now := ns.nowMillis()
		for i, chain := range chains {
			file := chain.Last()
			space := tree.BlocksDiskspace(file, inputs[i])
			if _, err := ns.dir.RemoveChild(tc, chain, chain.Len()-1); err != nil {
				return err
			}
			if err := ns.ledger.AppendBlocks(tc, trg, inputs[i]); err != nil {
				return err
			}
			for j := range inputs[i] {
				if err := tc.DeleteFileBlock(file.ID, j); err != nil {
					return err
				}
			}
			if err := tc.DeleteINode(file.ID); err != nil {
				return err
			}
			if err := ns.dir.UpdateCount(tc, tchain, tchain.Len()-1, 0, space, false); err != nil {
				return err
			}
		}

		trg.ModificationTime = now
		if err := tc.PutINode(trg); err != nil {
			return err
		}
		parent := tchain.Parent()
		parent.ModificationTime = now
		if err := tc.PutINode(parent); err != nil {
			return err
		}
		ns.inodesAdded(tc, -int64(len(srcs)))
		logger.Debug("DIR* concat %v to %s", srcs, target)
		return nil
	})
}

// concatInput resolves one closed, non-empty file taking part in a concat.
func (ns *Namesystem) concatInput(tc *tx.Context, src string) (*resolver.Chain, *namespace.INode, []*namespace.Block, error) {
	chain, err := resolveExisting(tc, src)
	if err != nil {
		return nil, nil, nil, err
	}
	file := chain.Last()
	if !file.IsFile() {
		return nil, nil, nil, namespace.NewError(namespace.ErrInvalidArgument, src, "concat input is not a file")
	}
	if file.IsUnderConstruction() {
		return nil, nil, nil, namespace.NewError(namespace.ErrInvalidArgument, src, "concat input is under construction")
	}
	bs, err := ns.ledger.Blocks(tc, file)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(bs) == 0 {
		return nil, nil, nil, namespace.NewError(namespace.ErrInvalidArgument, src, "concat input has no blocks")
	}
	return chain, file, bs, nil
}
