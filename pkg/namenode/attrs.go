package namenode

import (
	"slices"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/resolver"
	"github.com/marmos91/dittons/pkg/namenode/tree"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

// ============================================================================
// Directories and links
// ============================================================================

// Mkdirs creates the directory src. Missing parents are created when
// createParent is set. An existing directory is not an error.
//
// New directories are owned by the caller, inherit the group of their
// parent and get mode (intermediate ones additionally u+wx).
func (ns *Namesystem) Mkdirs(auth *namespace.AuthContext, src string, mode uint16, createParent bool) (err error) {
	defer ns.track(auth, "mkdirs", src, "")(&err)

	return ns.run(auth.Ctx(), "mkdirs", lock.NewScope().Path(src, lock.Write), func(tc *tx.Context) error {
		if err := ns.checkSafeMode("create directory", src); err != nil {
			return err
		}
		chain, err := resolveFor(tc, src, false)
		if err != nil {
			return err
		}
		if n := chain.Last(); n != nil {
			if n.IsDirectory() {
				return nil
			}
			return namespace.NewError(namespace.ErrAlreadyExists, src, "path exists and is not a directory")
		}
		if err := ns.checkPermission(tc, auth, chain, accessCheck{ancestor: namespace.AccessWrite}); err != nil {
			return err
		}
		if !createParent && chain.Parent() == nil {
			return namespace.NewError(namespace.ErrNotFound, src, "parent directory does not exist")
		}

		existing := chain.ExistingCount()
		if err := ns.checkFsObjectLimit(src, int64(chain.Len()-existing)); err != nil {
			return err
		}
		perm := namespace.Permission{
			User:  ns.checker(auth).user,
			Group: chain.Nodes[existing-1].Permission.Group,
			Mode:  mode & 07777,
		}
		created, err := ns.dir.Mkdirs(tc, chain, ns.allocINodeID, perm, false, ns.nowMillis())
		if err != nil {
			return err
		}
		ns.inodesAdded(tc, int64(created))
		logger.Debug("DIR* mkdirs %s: %d directories created", src, created)
		return nil
	})
}

// CreateSymlink creates link pointing at target. The target is stored
// verbatim and never checked.
func (ns *Namesystem) CreateSymlink(auth *namespace.AuthContext, target, link string, mode uint16, createParent bool) (err error) {
	defer ns.track(auth, "createSymlink", link, target)(&err)

	if target == "" {
		return namespace.NewError(namespace.ErrInvalidArgument, link, "symlink target is empty")
	}

	return ns.run(auth.Ctx(), "createSymlink", lock.NewScope().Path(link, lock.Write), func(tc *tx.Context) error {
		if err := ns.checkSafeMode("create symlink", link); err != nil {
			return err
		}
		chain, err := resolveFor(tc, link, false)
		if err != nil {
			return err
		}
		if chain.Exists() {
			return namespace.NewError(namespace.ErrAlreadyExists, link, "path already exists")
		}
		if err := ns.checkPermission(tc, auth, chain, accessCheck{ancestor: namespace.AccessWrite}); err != nil {
			return err
		}

		caller := ns.checker(auth).user
		created := 0
		if chain.Parent() == nil {
			if !createParent {
				return namespace.NewError(namespace.ErrNotFound, link, "parent directory does not exist")
			}
			missing := int64(chain.Len() - chain.ExistingCount())
			if err := ns.checkFsObjectLimit(link, missing); err != nil {
				return err
			}
			anc := chain.Nodes[chain.ExistingCount()-1]
			perm := namespace.Permission{User: caller, Group: anc.Permission.Group}
			if created, err = ns.dir.Mkdirs(tc, parentChain(chain), ns.allocINodeID, perm, true, ns.nowMillis()); err != nil {
				return err
			}
		} else if err := ns.checkFsObjectLimit(link, 1); err != nil {
			return err
		}

		last := chain.Len() - 1
		perm := namespace.Permission{User: caller, Group: chain.Parent().Permission.Group, Mode: mode & 07777}
		node := namespace.NewSymlink(ns.allocINodeID(), chain.Components[last], target, perm, ns.nowMillis())
		if err := ns.dir.AddChild(tc, chain, last, node, true); err != nil {
			return err
		}
		ns.inodesAdded(tc, int64(created+1))
		return nil
	})
}

// ============================================================================
// Attributes
// ============================================================================

// resolveExisting resolves src (following a terminal link) and fails with
// ErrNotFound when it does not exist.
func resolveExisting(tc *tx.Context, src string) (*resolver.Chain, error) {
	chain, err := resolveFor(tc, src, true)
	if err != nil {
		return nil, err
	}
	if !chain.Exists() {
		return nil, namespace.NewError(namespace.ErrNotFound, src, "file does not exist")
	}
	return chain, nil
}

// SetPermission replaces the mode of src. Owner only.
func (ns *Namesystem) SetPermission(auth *namespace.AuthContext, src string, mode uint16) (err error) {
	defer ns.track(auth, "setPermission", src, "")(&err)

	return ns.run(auth.Ctx(), "setPermission", lock.NewScope().Path(src, lock.Write), func(tc *tx.Context) error {
		if err := ns.checkSafeMode("set permission", src); err != nil {
			return err
		}
		chain, err := resolveExisting(tc, src)
		if err != nil {
			return err
		}
		if err := ns.checkPermission(tc, auth, chain, accessCheck{owner: true}); err != nil {
			return err
		}
		n := chain.Last()
		n.Permission.Mode = mode & 07777
		return tc.PutINode(n)
	})
}

// SetOwner changes the owner and/or group of src (an empty value is left
// unchanged). Only a superuser may change the owner; the owner may change
// the group to one it belongs to.
func (ns *Namesystem) SetOwner(auth *namespace.AuthContext, src, user, group string) (err error) {
	defer ns.track(auth, "setOwner", src, "")(&err)

	if user == "" && group == "" {
		return namespace.NewError(namespace.ErrInvalidArgument, src, "user and group are both empty")
	}

	return ns.run(auth.Ctx(), "setOwner", lock.NewScope().Path(src, lock.Write), func(tc *tx.Context) error {
		if err := ns.checkSafeMode("set owner", src); err != nil {
			return err
		}
		chain, err := resolveExisting(tc, src)
		if err != nil {
			return err
		}
		if err := ns.checkPermission(tc, auth, chain, accessCheck{owner: true}); err != nil {
			return err
		}
		n := chain.Last()

		if pc := ns.checker(auth); ns.config.PermissionsEnabled && !pc.superuser {
			if user != "" && user != n.Permission.User {
				return namespace.NewError(namespace.ErrPermissionDenied, src, "non-super user %s cannot change owner", pc.user)
			}
			if group != "" && !slices.Contains(pc.groups, group) {
				return namespace.NewError(namespace.ErrPermissionDenied, src, "user %s does not belong to %s", pc.user, group)
			}
		}

		if user != "" {
			n.Permission.User = user
		}
		if group != "" {
			n.Permission.Group = group
		}
		return tc.PutINode(n)
	})
}

// SetTimes sets the modification and access times of src (unix millis).
// -1 leaves a time unchanged.
func (ns *Namesystem) SetTimes(auth *namespace.AuthContext, src string, mtime, atime int64) (err error) {
	defer ns.track(auth, "setTimes", src, "")(&err)

	if atime != -1 && ns.config.AccessTimePrecision <= 0 {
		return namespace.NewError(namespace.ErrUnsupported, src, "access time is disabled")
	}

	return ns.run(auth.Ctx(), "setTimes", lock.NewScope().Path(src, lock.Write), func(tc *tx.Context) error {
		if err := ns.checkSafeMode("set times", src); err != nil {
			return err
		}
		chain, err := resolveExisting(tc, src)
		if err != nil {
			return err
		}
		if err := ns.checkPermission(tc, auth, chain, accessCheck{owner: true}); err != nil {
			return err
		}
		n := chain.Last()
		if mtime != -1 {
			n.ModificationTime = mtime
		}
		if atime != -1 {
			n.AccessTime = atime
		}
		return tc.PutINode(n)
	})
}

// SetReplication changes the replication of the file src and adjusts the
// disk-space counters of its ancestors. Returns false when src is missing
// or not a file.
func (ns *Namesystem) SetReplication(auth *namespace.AuthContext, src string, replication int16) (changed bool, err error) {
	defer ns.track(auth, "setReplication", src, "")(&err)

	if err := ns.verifyReplication(src, replication); err != nil {
		return false, err
	}

	scope := lock.NewScope().Path(src, lock.Write).Blocks(lock.Read)
	err = ns.run(auth.Ctx(), "setReplication", scope, func(tc *tx.Context) error {
		changed = false
		if err := ns.checkSafeMode("set replication", src); err != nil {
			return err
		}
		chain, err := resolveFor(tc, src, true)
		if err != nil {
			return err
		}
		file := chain.Last()
		if file == nil || !file.IsFile() {
			return nil
		}
		if err := ns.checkPermission(tc, auth, chain, accessCheck{target: namespace.AccessWrite}); err != nil {
			return err
		}

		bs, err := tc.FileBlocks(file.ID)
		if err != nil {
			return err
		}
		old := file.File.Replication
		updated := file.Clone()
		updated.File.Replication = replication
		delta := tree.BlocksDiskspace(updated, bs) - tree.BlocksDiskspace(file, bs)
		if err := ns.dir.UpdateCount(tc, chain, chain.Len()-1, 0, delta, true); err != nil {
			return err
		}

		file.File.Replication = replication
		if err := tc.PutINode(file); err != nil {
			return err
		}
		logger.Info("Replication of %s changed from %d to %d", src, old, replication)
		changed = true
		return nil
	})
	return changed, err
}

// SetQuota sets the namespace and disk-space quotas of the directory src.
// QuotaDontSet leaves a quota unchanged and QuotaReset clears it. A
// directory left without any quota goes back to the plain variant.
// Superuser only.
func (ns *Namesystem) SetQuota(auth *namespace.AuthContext, src string, nsQuota, dsQuota int64) (err error) {
	defer ns.track(auth, "setQuota", src, "")(&err)

	if err := ns.checkSuperuser(auth, src); err != nil {
		return err
	}
	if nsQuota <= 0 && nsQuota != namespace.QuotaDontSet && nsQuota != namespace.QuotaReset {
		return namespace.NewError(namespace.ErrInvalidArgument, src, "illegal namespace quota %d", nsQuota)
	}
	if dsQuota < 0 && dsQuota != namespace.QuotaDontSet && dsQuota != namespace.QuotaReset {
		return namespace.NewError(namespace.ErrInvalidArgument, src, "illegal disk space quota %d", dsQuota)
	}

	scope := lock.NewScope().Path(src, lock.Write).Blocks(lock.Read)
	return ns.run(auth.Ctx(), "setQuota", scope, func(tc *tx.Context) error {
		if err := ns.checkSafeMode("set quota", src); err != nil {
			return err
		}
		chain, err := resolveExisting(tc, src)
		if err != nil {
			return err
		}
		dir := chain.Last()
		if !dir.IsDirectory() {
			return namespace.NewError(namespace.ErrNotDirectory, src, "cannot set quota on a file")
		}
		if dir.IsRoot() && nsQuota == namespace.QuotaReset {
			return namespace.NewError(namespace.ErrInvalidArgument, src, "cannot clear the namespace quota of the root")
		}

		oldNs, oldDs := namespace.QuotaUnset, namespace.QuotaUnset
		if dir.IsQuotaSet() {
			oldNs, oldDs = dir.Dir.NsQuota, dir.Dir.DsQuota
		}
		newNs, newDs := nsQuota, dsQuota
		if newNs == namespace.QuotaDontSet {
			newNs = oldNs
		}
		if newDs == namespace.QuotaDontSet {
			newDs = oldDs
		}
		if newNs == oldNs && newDs == oldDs {
			return nil
		}

		repl := dir.Clone()
		switch {
		case newNs == namespace.QuotaUnset && newDs == namespace.QuotaUnset:
			repl.Type = namespace.TypeDirectory
			repl.Dir = &namespace.DirectoryPayload{NsQuota: namespace.QuotaUnset, DsQuota: namespace.QuotaUnset}
		case dir.IsQuotaSet():
			repl.Dir.NsQuota, repl.Dir.DsQuota = newNs, newDs
		default:
			count, space, err := ns.dir.SpaceConsumedInTree(tc, dir)
			if err != nil {
				return err
			}
			repl.Type = namespace.TypeDirectoryWithQuota
			repl.Dir = &namespace.DirectoryPayload{NsCount: count, DsCount: space, NsQuota: newNs, DsQuota: newDs}
		}
		if err := ns.dir.ReplaceChild(tc, chain, chain.Len()-1, repl); err != nil {
			return err
		}
		logger.Info("Quota of %s set to ns=%d ds=%d", src, newNs, newDs)
		return nil
	})
}
