// Package resolver maps path components to the chain of tree nodes they
// name.
package resolver

import (
	"strings"

	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

// Chain is the result of a resolution: one slot per path component, root
// first. Slots past the first missing component are nil.
type Chain struct {
	Components []string
	Nodes      []*namespace.INode
}

// Len is the number of components (root included).
func (c *Chain) Len() int {
	return len(c.Nodes)
}

// Last returns the node named by the full path, or nil if it does not exist.
func (c *Chain) Last() *namespace.INode {
	return c.Nodes[len(c.Nodes)-1]
}

// Parent returns the node of the parent directory, or nil.
func (c *Chain) Parent() *namespace.INode {
	if len(c.Nodes) < 2 {
		return nil
	}
	return c.Nodes[len(c.Nodes)-2]
}

// Exists reports whether every component resolved.
func (c *Chain) Exists() bool {
	return c.Last() != nil
}

// Path returns the path of the first n components.
func (c *Chain) Path(n int) string {
	return namespace.FromComponents(c.Components, n)
}

// FullPath returns the resolved path.
func (c *Chain) FullPath() string {
	return c.Path(len(c.Components))
}

// ExistingCount returns how many leading components resolved.
func (c *Chain) ExistingCount() int {
	for i, n := range c.Nodes {
		if n == nil {
			return i
		}
	}
	return len(c.Nodes)
}

// Resolve splits path and resolves it. See ResolveComponents.
func Resolve(tc *tx.Context, path string, resolveLink bool) (*Chain, error) {
	comps, err := namespace.Components(path)
	if err != nil {
		return nil, err
	}
	return ResolveComponents(tc, comps, resolveLink)
}

// ResolveComponents resolves the existing prefix of comps.
//
// Resolution stops at the end of the path, at the first missing child, or at
// the first non-directory before the last component (the chain then ends
// there and the remaining slots stay nil). A symlink at a non-terminal
// position always yields an *UnresolvedLinkError; at the terminal position
// only when resolveLink is set.
//
// The chain is returned together with an error when the error is an
// unresolved link, so callers can still inspect the resolved prefix.
func ResolveComponents(tc *tx.Context, comps []string, resolveLink bool) (*Chain, error) {
	chain := &Chain{
		Components: comps,
		Nodes:      make([]*namespace.INode, len(comps)),
	}

	cur, err := tc.INode(namespace.RootID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, namespace.NewError(namespace.ErrInconsistent, namespace.Root, "namespace root is missing")
	}
	chain.Nodes[0] = cur

	for i := 1; i < len(comps); i++ {
		if !cur.IsDirectory() {
			break
		}

		child, err := lookup(tc, cur, comps[i])
		if err != nil {
			return nil, err
		}
		if child == nil {
			break
		}
		chain.Nodes[i] = child

		last := i == len(comps)-1
		if child.IsSymlink() && (!last || resolveLink) {
			return chain, &namespace.UnresolvedLinkError{
				Preceding: chain.Path(i + 1),
				Target:    child.Symlink.Target,
				Remainder: strings.Join(comps[i+1:], namespace.Separator),
			}
		}
		cur = child
	}

	return chain, nil
}

// lookup finds the child of dir named name with a point read of its
// (parent id, name) key in the ordered child index.
func lookup(tc *tx.Context, dir *namespace.INode, name string) (*namespace.INode, error) {
	return tc.Child(dir.ID, name)
}

// SearchChildren returns the position of name in children (sorted by name)
// and whether it is present. When absent the position is where name would
// be inserted.
func SearchChildren(children []*namespace.INode, name string) (int, bool) {
	lo, hi := 0, len(children)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if children[mid].Name < name {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(children) && children[lo].Name == name
}

// ListFrom returns the children of dir whose names sort strictly after
// startAfter, in name order.
func ListFrom(tc *tx.Context, dir *namespace.INode, startAfter string) ([]*namespace.INode, error) {
	children, err := tc.Children(dir.ID)
	if err != nil {
		return nil, err
	}
	if startAfter == "" {
		return children, nil
	}
	pos, found := SearchChildren(children, startAfter)
	if found {
		pos++
	}
	return children[pos:], nil
}

// PathOf rebuilds the absolute path of n by walking parent ids.
func PathOf(tc *tx.Context, n *namespace.INode) (string, error) {
	var names []string
	for cur := n; !cur.IsRoot(); {
		names = append(names, cur.Name)
		parent, err := tc.INode(cur.ParentID)
		if err != nil {
			return "", err
		}
		if parent == nil {
			return "", namespace.NewError(namespace.ErrInconsistent, cur.Name, "node %d has no parent %d", cur.ID, cur.ParentID)
		}
		cur = parent
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return namespace.Separator + strings.Join(names, namespace.Separator), nil
}
