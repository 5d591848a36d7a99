package namenode

import (
	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/resolver"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

func renameScope(src, dst string) lock.Scope {
	return lock.NewScope().
		Path(src, lock.Write).
		Path(dst, lock.Write).
		AllLeases(lock.Write).
		Blocks(lock.Read)
}

// Rename moves src to dst with the legacy semantics: when dst is an
// existing directory src is moved into it, and validation failures return
// false instead of an error.
//
// Quota, limit and permission violations are still errors.
func (ns *Namesystem) Rename(auth *namespace.AuthContext, src, dst string) (renamed bool, err error) {
	defer ns.track(auth, "rename", src, dst)(&err)

	err = ns.run(auth.Ctx(), "rename", renameScope(src, dst), func(tc *tx.Context) error {
		renamed = false
		if err := ns.checkSafeMode("rename", src); err != nil {
			return err
		}

		srcChain, err := resolveFor(tc, src, false)
		if err != nil {
			return err
		}
		if srcChain.Len() == 1 {
			logger.Warn("DIR* rename %s to %s failed: cannot rename the root", src, dst)
			return nil
		}
		srcNode := srcChain.Last()
		if srcNode == nil {
			logger.Warn("DIR* rename %s to %s failed: source does not exist", src, dst)
			return nil
		}

		dstChain, err := resolveFor(tc, dst, false)
		if err != nil {
			if namespace.IsCode(err, namespace.ErrNotDirectory) {
				logger.Warn("DIR* rename %s to %s failed: destination parent is not a directory", src, dst)
				return nil
			}
			return err
		}
		if d := dstChain.Last(); d != nil && d.IsDirectory() {
			comps := append(append([]string(nil), dstChain.Components...), srcNode.Name)
			if dstChain, err = resolver.ResolveComponents(tc, comps, false); err != nil {
				return err
			}
		}
		actual := dstChain.FullPath()

		if err := ns.checkPermission(tc, auth, srcChain, accessCheck{parent: namespace.AccessWrite}); err != nil {
			return err
		}
		if err := ns.checkPermission(tc, auth, dstChain, accessCheck{ancestor: namespace.AccessWrite}); err != nil {
			return err
		}

		if actual == srcChain.FullPath() {
			renamed = true
			return nil
		}
		if namespace.IsDescendant(actual, src) {
			logger.Warn("DIR* rename %s to %s failed: destination is a subdirectory of the source", src, actual)
			return nil
		}
		if dstChain.Exists() {
			logger.Warn("DIR* rename %s to %s failed: destination already exists", src, actual)
			return nil
		}
		if p := dstChain.Parent(); p == nil || !p.IsDirectory() {
			logger.Warn("DIR* rename %s to %s failed: destination parent does not exist", src, actual)
			return nil
		}

		srcNs, srcDs, err := ns.dir.Counts(tc, srcNode)
		if err != nil {
			return err
		}
		if err := ns.dir.VerifyQuota(dstChain, dstChain.Len()-1, srcNs, srcDs, commonAncestor(srcChain, dstChain)); err != nil {
			return err
		}

		moved, err := ns.dir.RemoveChild(tc, srcChain, srcChain.Len()-1)
		if err != nil {
			return err
		}
		if err := ns.dir.AddChild(tc, dstChain, dstChain.Len()-1, moved, false); err != nil {
			if rerr := ns.dir.AddChild(tc, srcChain, srcChain.Len()-1, moved, false); rerr != nil {
				logger.Error("DIR* rename %s to %s: cannot restore source: %v", src, actual, rerr)
				return namespace.NewError(namespace.ErrInconsistent, src, "failed to restore source after failed rename: %v", rerr)
			}
			switch namespace.CodeOf(err) {
			case namespace.ErrPathComponentTooLong, namespace.ErrMaxDirectoryItems:
				return err
			}
			logger.Warn("DIR* rename %s to %s failed: %v", src, actual, err)
			return nil
		}

		if err := ns.touchParents(tc, srcChain, dstChain); err != nil {
			return err
		}
		if err := ns.leases.ChangeLeasePaths(tc, srcChain.FullPath(), actual); err != nil {
			return err
		}
		logger.Debug("DIR* rename %s is renamed to %s", src, actual)
		renamed = true
		return nil
	})
	return renamed, err
}

// RenameWithOptions moves src to dst. With RenameOverwrite an existing dst
// of the same kind (and empty, when a directory) is replaced and its
// subtree deleted.
//
// Errors: ErrNotFound, ErrAlreadyExists, ErrInvalidArgument (root, moving
// into own subtree, kind mismatch), ErrNotEmpty, ErrNotDirectory, quota,
// limit and permission errors.
func (ns *Namesystem) RenameWithOptions(auth *namespace.AuthContext, src, dst string, opt namespace.RenameOption) (err error) {
	defer ns.track(auth, "rename", src, dst)(&err)

	return ns.run(auth.Ctx(), "rename", renameScope(src, dst), func(tc *tx.Context) error {
		if err := ns.checkSafeMode("rename", src); err != nil {
			return err
		}

		srcChain, err := resolveFor(tc, src, false)
		if err != nil {
			return err
		}
		srcNode := srcChain.Last()
		if srcNode == nil {
			return namespace.NewError(namespace.ErrNotFound, src, "rename source does not exist")
		}
		if srcChain.Len() == 1 {
			return namespace.NewError(namespace.ErrInvalidArgument, src, "cannot rename the root")
		}
		src := srcChain.FullPath()
		if namespace.Clean(dst) == src {
			return namespace.NewError(namespace.ErrAlreadyExists, dst, "source and destination are the same")
		}
		if namespace.IsDescendant(dst, src) {
			return namespace.NewError(namespace.ErrInvalidArgument, dst, "destination is a subdirectory of source %s", src)
		}

		dstChain, err := resolveFor(tc, dst, false)
		if err != nil {
			return err
		}
		if dstChain.Len() == 1 {
			return namespace.NewError(namespace.ErrInvalidArgument, dst, "destination cannot be the root")
		}
		dst := dstChain.FullPath()

		if err := ns.checkPermission(tc, auth, srcChain, accessCheck{parent: namespace.AccessWrite}); err != nil {
			return err
		}
		if err := ns.checkPermission(tc, auth, dstChain, accessCheck{ancestor: namespace.AccessWrite}); err != nil {
			return err
		}

		dstNode := dstChain.Last()
		if dstNode != nil {
			if dstNode.IsDirectory() != srcNode.IsDirectory() {
				return namespace.NewError(namespace.ErrInvalidArgument, dst,
					"source %s and destination must both be directories or both be files", src)
			}
			if opt != namespace.RenameOverwrite {
				return namespace.NewError(namespace.ErrAlreadyExists, dst, "rename destination already exists")
			}
			if dstNode.IsDirectory() {
				nonEmpty, err := tc.HasChildren(dstNode.ID)
				if err != nil {
					return err
				}
				if nonEmpty {
					return namespace.NewError(namespace.ErrNotEmpty, dst, "rename destination directory is not empty")
				}
			}
		}
		parent := dstChain.Parent()
		if parent == nil {
			return namespace.NewError(namespace.ErrNotFound, dst, "rename destination parent does not exist")
		}
		if !parent.IsDirectory() {
			return namespace.NewError(namespace.ErrNotDirectory, dst, "rename destination parent is not a directory")
		}

		srcNs, srcDs, err := ns.dir.Counts(tc, srcNode)
		if err != nil {
			return err
		}
		var dstNs, dstDs int64
		if dstNode != nil {
			if dstNs, dstDs, err = ns.dir.Counts(tc, dstNode); err != nil {
				return err
			}
		}
		if err := ns.dir.VerifyQuota(dstChain, dstChain.Len()-1, srcNs-dstNs, srcDs-dstDs, commonAncestor(srcChain, dstChain)); err != nil {
			return err
		}

		srcPos, dstPos := srcChain.Len()-1, dstChain.Len()-1
		moved, err := ns.dir.RemoveChild(tc, srcChain, srcPos)
		if err != nil {
			return err
		}
		var replaced *namespace.INode
		if dstNode != nil {
			if replaced, err = ns.dir.RemoveChild(tc, dstChain, dstPos); err != nil {
				return err
			}
		}
		if err := ns.dir.AddChild(tc, dstChain, dstPos, moved, false); err != nil {
			if replaced != nil {
				if rerr := ns.dir.AddChild(tc, dstChain, dstPos, replaced, false); rerr != nil {
					logger.Error("DIR* rename %s to %s: cannot restore destination: %v", src, dst, rerr)
				}
			}
			if rerr := ns.dir.AddChild(tc, srcChain, srcPos, moved, false); rerr != nil {
				logger.Error("DIR* rename %s to %s: cannot restore source: %v", src, dst, rerr)
			}
			return err
		}

		if err := ns.touchParents(tc, srcChain, dstChain); err != nil {
			return err
		}
		if replaced != nil {
			if err := ns.discard(tc, dst, replaced, dstNs); err != nil {
				return err
			}
		}
		if err := ns.leases.ChangeLeasePaths(tc, src, dst); err != nil {
			return err
		}
		logger.Debug("DIR* rename %s is renamed to %s (overwrite=%v)", src, dst, replaced != nil)
		return nil
	})
}

// touchParents sets the modification time of both parents of a rename.
func (ns *Namesystem) touchParents(tc *tx.Context, srcChain, dstChain *resolver.Chain) error {
	now := ns.nowMillis()
	for _, p := range []*namespace.INode{srcChain.Parent(), dstChain.Parent()} {
		p.ModificationTime = now
		if err := tc.PutINode(p); err != nil {
			return err
		}
	}
	return nil
}
