package namenode

import (
	"slices"

	"github.com/marmos91/dittons/pkg/namenode/resolver"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

// accessCheck describes the checks of one operation on a resolved chain.
// Zero access values are skipped.
type accessCheck struct {
	// ancestor is checked on the deepest existing node above the target
	ancestor namespace.Access

	// parent is checked on the target's parent directory
	parent namespace.Access

	// target is checked on the target itself
	target namespace.Access

	// sub is checked on every directory of the target's subtree
	sub namespace.Access

	// owner requires the caller to own the target
	owner bool
}

// permissionChecker evaluates POSIX-style permissions for one caller.
type permissionChecker struct {
	user      string
	groups    []string
	superuser bool
}

// checker returns the permission checker of auth. A nil auth is the
// namespace itself and has every right.
func (ns *Namesystem) checker(auth *namespace.AuthContext) *permissionChecker {
	if auth == nil {
		return &permissionChecker{user: ns.config.Superuser, superuser: true}
	}
	return &permissionChecker{
		user:      auth.User,
		groups:    auth.Groups,
		superuser: auth.User == ns.config.Superuser || slices.Contains(auth.Groups, ns.config.Supergroup),
	}
}

// checkSuperuser fails unless auth is privileged.
func (ns *Namesystem) checkSuperuser(auth *namespace.AuthContext, path string) error {
	if !ns.config.PermissionsEnabled || ns.checker(auth).superuser {
		return nil
	}
	return namespace.NewError(namespace.ErrPermissionDenied, path, "access denied for user %s: superuser privilege is required", auth.User)
}

// checkPermission applies c to chain. Every existing directory above the
// target must be traversable.
func (ns *Namesystem) checkPermission(tc *tx.Context, auth *namespace.AuthContext, chain *resolver.Chain, c accessCheck) error {
	if !ns.config.PermissionsEnabled {
		return nil
	}
	pc := ns.checker(auth)
	if pc.superuser {
		return nil
	}

	last := chain.Len() - 1
	existing := chain.ExistingCount()

	// traverse: every existing ancestor of the target
	for i := 0; i < min(existing, last); i++ {
		if err := pc.check(chain.Nodes[i], chain.Path(i+1), namespace.AccessExecute); err != nil {
			return err
		}
	}

	if c.ancestor != 0 {
		i := min(existing, last) - 1
		if i < 0 {
			i = 0
		}
		if err := pc.check(chain.Nodes[i], chain.Path(i+1), c.ancestor); err != nil {
			return err
		}
	}
	if c.parent != 0 && last >= 1 {
		if p := chain.Nodes[last-1]; p != nil {
			if err := pc.check(p, chain.Path(last), c.parent); err != nil {
				return err
			}
		}
	}

	target := chain.Nodes[last]
	if target == nil {
		return nil
	}
	if c.owner && target.Permission.User != pc.user {
		return namespace.NewError(namespace.ErrPermissionDenied, chain.FullPath(), "permission denied: user %s is not the owner", pc.user)
	}
	if c.target != 0 {
		if err := pc.check(target, chain.FullPath(), c.target); err != nil {
			return err
		}
	}
	if c.sub != 0 {
		return pc.checkSubtree(tc, target, chain.FullPath(), c.sub)
	}
	return nil
}

func (pc *permissionChecker) check(n *namespace.INode, path string, access namespace.Access) error {
	if n.Permission.Allows(pc.user, pc.groups, access) {
		return nil
	}
	return namespace.NewError(namespace.ErrPermissionDenied, path,
		"permission denied: user=%s, access=%s, inode=%s", pc.user, accessString(access), n.Permission)
}

func (pc *permissionChecker) checkSubtree(tc *tx.Context, n *namespace.INode, path string, access namespace.Access) error {
	if !n.IsDirectory() {
		return nil
	}
	if err := pc.check(n, path, access); err != nil {
		return err
	}
	children, err := tc.Children(n.ID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := pc.checkSubtree(tc, c, namespace.Join(path, c.Name), access); err != nil {
			return err
		}
	}
	return nil
}

func accessString(a namespace.Access) string {
	b := []byte("---")
	if a&namespace.AccessRead != 0 {
		b[0] = 'r'
	}
	if a&namespace.AccessWrite != 0 {
		b[1] = 'w'
	}
	if a&namespace.AccessExecute != 0 {
		b[2] = 'x'
	}
	return string(b)
}
