// Package tree maintains the namespace tree: child insertion and removal,
// node variant replacement, and quota accounting on quota-bearing
// directories.
//
// Every function operates inside the caller's transaction context and on a
// resolver.Chain, whose slot i holds the node of path component i. "pos" is
// the slot of the node being added or removed; its ancestors are slots
// 0..pos-1.
package tree

import (
	"sync/atomic"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/resolver"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

// Limits are the structural limits enforced once the namespace is ready.
type Limits struct {
	// MaxComponentLength is the maximum name length in bytes (0 = unlimited)
	MaxComponentLength int

	// MaxDirItems is the maximum number of children per directory (0 = unlimited)
	MaxDirItems int
}

// Directory is the tree node store.
//
// Until SetReady(true) is called (end of the initial load), quota and limit
// checks are skipped: the loaded image is trusted.
type Directory struct {
	limits Limits
	ready  atomic.Bool
}

// New creates a tree node store.
func New(limits Limits) *Directory {
	return &Directory{limits: limits}
}

// SetReady enables quota and limit enforcement.
func (d *Directory) SetReady(ready bool) {
	d.ready.Store(ready)
}

// Ready reports whether enforcement is enabled.
func (d *Directory) Ready() bool {
	return d.ready.Load()
}

// Limits returns the configured limits.
func (d *Directory) Limits() Limits {
	return d.limits
}

// ============================================================================
// Quota accounting
// ============================================================================

// VerifyQuota checks that adding nsDelta nodes and dsDelta bytes under
// chain slot pos does not exceed any quota of slots pos-1 down to 0.
//
// The walk stops at commonAncestor (exclusive) when it is non-nil: a move
// within that ancestor's subtree does not change its totals.
//
// Skipped entirely while not ready, and when neither delta is positive.
func (d *Directory) VerifyQuota(chain *resolver.Chain, pos int, nsDelta, dsDelta int64, commonAncestor *namespace.INode) error {
	if !d.Ready() {
		return nil
	}
	if nsDelta <= 0 && dsDelta <= 0 {
		return nil
	}

	if pos > chain.Len() {
		pos = chain.Len()
	}
	for i := pos - 1; i >= 0; i-- {
		n := chain.Nodes[i]
		if n == nil {
			continue
		}
		if commonAncestor != nil && n.ID == commonAncestor.ID {
			break
		}
		if !n.IsQuotaSet() {
			continue
		}
		if err := checkQuota(n, chain.Path(i+1), nsDelta, dsDelta); err != nil {
			return err
		}
	}
	return nil
}

func checkQuota(n *namespace.INode, path string, nsDelta, dsDelta int64) error {
	q := n.Dir
	if q.NsQuota >= 0 && nsDelta > 0 && q.NsCount+nsDelta > q.NsQuota {
		return namespace.NewQuotaError(&namespace.QuotaExceededError{
			Path: path, Quota: q.NsQuota, Consumed: q.NsCount, Delta: nsDelta,
		})
	}
	if q.DsQuota >= 0 && dsDelta > 0 && q.DsCount+dsDelta > q.DsQuota {
		return namespace.NewQuotaError(&namespace.QuotaExceededError{
			Path: path, Quota: q.DsQuota, Consumed: q.DsCount, Delta: dsDelta, DiskSpace: true,
		})
	}
	return nil
}

// UpdateCount adds nsDelta/dsDelta to every quota-bearing directory among
// chain slots 0..pos-1, after verifying quota when checkQuota is set.
func (d *Directory) UpdateCount(tc *tx.Context, chain *resolver.Chain, pos int, nsDelta, dsDelta int64, checkQuota bool) error {
	if nsDelta == 0 && dsDelta == 0 {
		return nil
	}
	if checkQuota {
		if err := d.VerifyQuota(chain, pos, nsDelta, dsDelta, nil); err != nil {
			return err
		}
	}
	if pos > chain.Len() {
		pos = chain.Len()
	}
	for i := 0; i < pos; i++ {
		n := chain.Nodes[i]
		if n == nil || !n.IsQuotaSet() {
			continue
		}
		n.Dir.NsCount += nsDelta
		n.Dir.DsCount += dsDelta
		if n.Dir.NsCount < 0 || n.Dir.DsCount < 0 {
			logger.Error("Quota counters of %s went negative: ns=%d ds=%d", chain.Path(i+1), n.Dir.NsCount, n.Dir.DsCount)
		}
		if err := tc.PutINode(n); err != nil {
			return err
		}
	}
	return nil
}

// UpdateSpaceConsumed charges a disk-space delta to the ancestors of the
// node at the end of chain.
func (d *Directory) UpdateSpaceConsumed(tc *tx.Context, chain *resolver.Chain, nsDelta, dsDelta int64) error {
	return d.UpdateCount(tc, chain, chain.Len()-1, nsDelta, dsDelta, true)
}

// ============================================================================
// Structural mutations
// ============================================================================

// verifyFsLimits checks name length and directory size for a new child of
// parent.
func (d *Directory) verifyFsLimits(tc *tx.Context, chain *resolver.Chain, pos int, child *namespace.INode) error {
	if !d.Ready() {
		return nil
	}
	if max := d.limits.MaxComponentLength; max > 0 && len(child.Name) > max {
		return namespace.NewError(namespace.ErrPathComponentTooLong, chain.Path(pos),
			"component %q of length %d exceeds the limit of %d", child.Name, len(child.Name), max)
	}
	if max := d.limits.MaxDirItems; max > 0 {
		ids, err := tc.ChildIDs(chain.Nodes[pos-1].ID)
		if err != nil {
			return err
		}
		if len(ids) >= max {
			return namespace.NewError(namespace.ErrMaxDirectoryItems, chain.Path(pos),
				"directory item limit of %d reached", max)
		}
	}
	return nil
}

// AddChild inserts child at chain slot pos, under the directory at pos-1.
//
// The subtree's counts are charged to the ancestors first (verified against
// quota when checkQuota is set) and rolled back if the insertion fails. The
// parent's modification time follows the child's.
//
// Errors: ErrNotDirectory (parent missing or not a directory),
// ErrAlreadyExists, quota and limit errors.
func (d *Directory) AddChild(tc *tx.Context, chain *resolver.Chain, pos int, child *namespace.INode, checkQuota bool) error {
	if pos < 1 || pos >= chain.Len() {
		return namespace.NewError(namespace.ErrInvalidArgument, chain.FullPath(), "invalid child position %d", pos)
	}
	parent := chain.Nodes[pos-1]
	if parent == nil || !parent.IsDirectory() {
		return namespace.NewError(namespace.ErrNotDirectory, chain.Path(pos), "parent path is not a directory")
	}
	child.Name = chain.Components[pos]

	if err := d.verifyFsLimits(tc, chain, pos, child); err != nil {
		return err
	}

	ns, ds, err := d.Counts(tc, child)
	if err != nil {
		return err
	}
	if err := d.UpdateCount(tc, chain, pos, ns, ds, checkQuota); err != nil {
		return err
	}

	existing, err := tc.Child(parent.ID, child.Name)
	if err == nil && existing != nil && existing.ID != child.ID {
		if rbErr := d.UpdateCount(tc, chain, pos, -ns, -ds, false); rbErr != nil {
			return rbErr
		}
		return namespace.NewError(namespace.ErrAlreadyExists, chain.Path(pos+1), "path already exists")
	}
	if err != nil {
		_ = d.UpdateCount(tc, chain, pos, -ns, -ds, false)
		return err
	}

	child.ParentID = parent.ID
	if err := tc.PutINode(child); err != nil {
		return err
	}
	if err := tc.LinkChild(child); err != nil {
		return err
	}

	if child.ModificationTime > parent.ModificationTime {
		parent.ModificationTime = child.ModificationTime
	}
	if err := tc.PutINode(parent); err != nil {
		return err
	}

	chain.Nodes[pos] = child
	return nil
}

// RemoveChild detaches the node at chain slot pos from its parent and
// uncharges its counts. The node record itself is left in place: callers
// either re-attach it (rename) or delete the subtree (delete).
func (d *Directory) RemoveChild(tc *tx.Context, chain *resolver.Chain, pos int) (*namespace.INode, error) {
	if pos < 1 || pos >= chain.Len() || chain.Nodes[pos] == nil {
		return nil, namespace.NewError(namespace.ErrNotFound, chain.Path(pos+1), "no such node to remove")
	}
	node := chain.Nodes[pos]
	parent := chain.Nodes[pos-1]

	if err := tc.UnlinkChild(parent.ID, node.Name); err != nil {
		return nil, err
	}

	ns, ds, err := d.Counts(tc, node)
	if err != nil {
		return nil, err
	}
	if err := d.UpdateCount(tc, chain, pos, -ns, -ds, false); err != nil {
		return nil, err
	}

	chain.Nodes[pos] = nil
	return node, nil
}

// ReplaceChild swaps the persisted variant of a node, keeping its identity,
// position and children. Used for File <-> FileUnderConstruction and
// Directory <-> DirectoryWithQuota conversions.
func (d *Directory) ReplaceChild(tc *tx.Context, chain *resolver.Chain, pos int, replacement *namespace.INode) error {
	old := chain.Nodes[pos]
	if old == nil {
		return namespace.NewError(namespace.ErrNotFound, chain.Path(pos+1), "no such node to replace")
	}
	replacement.ID = old.ID
	replacement.ParentID = old.ParentID
	replacement.Name = old.Name

	if err := tc.PutINode(replacement); err != nil {
		return err
	}
	chain.Nodes[pos] = replacement
	return nil
}

// Mkdirs creates every missing directory of chain. Intermediate directories
// always get u+wx so the creator can continue below them; the last one gets
// perm as given. With inherit set, both start from the nearest existing
// ancestor's mode instead.
//
// Returns the number of directories created.
func (d *Directory) Mkdirs(tc *tx.Context, chain *resolver.Chain, ids func() int64, perm namespace.Permission, inherit bool, now int64) (int, error) {
	existing := chain.ExistingCount()
	if existing == chain.Len() {
		return 0, nil
	}
	if last := chain.Nodes[existing-1]; !last.IsDirectory() {
		return 0, namespace.NewError(namespace.ErrNotDirectory, chain.Path(existing), "parent path is not a directory")
	}

	base := perm
	if inherit {
		base.Mode = chain.Nodes[existing-1].Permission.Mode
	}

	created := 0
	for i := existing; i < chain.Len(); i++ {
		p := base
		if i < chain.Len()-1 {
			p.Mode |= 0300
		}
		dir := namespace.NewDirectory(ids(), chain.Components[i], p, now)
		if err := d.AddChild(tc, chain, i, dir, true); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// ============================================================================
// Subtree queries
// ============================================================================

// Counts returns the namespace and disk-space usage of n's subtree. Nested
// quota-bearing directories contribute their maintained counters.
func (d *Directory) Counts(tc *tx.Context, n *namespace.INode) (ns, ds int64, err error) {
	if n.IsQuotaSet() {
		return n.Dir.NsCount, n.Dir.DsCount, nil
	}
	return d.SpaceConsumedInTree(tc, n)
}

// SpaceConsumedInTree computes n's usage from its children (n itself
// included), using the counters of nested quota-bearing directories.
func (d *Directory) SpaceConsumedInTree(tc *tx.Context, n *namespace.INode) (ns, ds int64, err error) {
	switch n.Type {
	case namespace.TypeFile, namespace.TypeFileUnderConstruction:
		ds, err = DiskspaceConsumed(tc, n)
		return 1, ds, err
	case namespace.TypeSymlink:
		return 1, 0, nil
	}

	ns = 1
	children, err := tc.Children(n.ID)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range children {
		cns, cds, err := d.Counts(tc, c)
		if err != nil {
			return 0, 0, err
		}
		ns += cns
		ds += cds
	}
	return ns, ds, nil
}

// ComputeCounts recomputes n's usage from scratch, ignoring every
// maintained counter. Used to audit the counters.
func ComputeCounts(tc *tx.Context, n *namespace.INode) (ns, ds int64, err error) {
	switch n.Type {
	case namespace.TypeFile, namespace.TypeFileUnderConstruction:
		ds, err = DiskspaceConsumed(tc, n)
		return 1, ds, err
	case namespace.TypeSymlink:
		return 1, 0, nil
	}

	ns = 1
	children, err := tc.Children(n.ID)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range children {
		cns, cds, err := ComputeCounts(tc, c)
		if err != nil {
			return 0, 0, err
		}
		ns += cns
		ds += cds
	}
	return ns, ds, nil
}

// DiskspaceConsumed is the replicated size of a file. Blocks still being
// written (or recovered) are counted at the preferred block size.
func DiskspaceConsumed(tc *tx.Context, file *namespace.INode) (int64, error) {
	blocks, err := tc.FileBlocks(file.ID)
	if err != nil {
		return 0, err
	}
	return BlocksDiskspace(file, blocks), nil
}

// BlocksDiskspace computes DiskspaceConsumed from an already loaded block
// list.
func BlocksDiskspace(file *namespace.INode, blocks []*namespace.Block) int64 {
	var size int64
	for _, b := range blocks {
		if b.IsUnderConstruction() {
			size += file.File.PreferredBlockSize
		} else {
			size += b.NumBytes
		}
	}
	return size * int64(file.File.Replication)
}

// FileLength is the sum of the block lengths of a file.
func FileLength(blocks []*namespace.Block) int64 {
	var n int64
	for _, b := range blocks {
		n += b.NumBytes
	}
	return n
}

// Collected is what CollectSubtree removed.
type Collected struct {
	Blocks []namespace.PendingDeletion
	Files  int
	Dirs   int
}

// CollectSubtree deletes the records of a detached subtree rooted at n (n
// included) and returns the blocks that now need to leave the ledger.
// n must already be unlinked from its parent.
func (d *Directory) CollectSubtree(tc *tx.Context, n *namespace.INode) (*Collected, error) {
	out := &Collected{}
	if err := d.collect(tc, n, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Directory) collect(tc *tx.Context, n *namespace.INode, out *Collected) error {
	switch {
	case n.IsDirectory():
		children, err := tc.Children(n.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := tc.UnlinkChild(n.ID, c.Name); err != nil {
				return err
			}
			if err := d.collect(tc, c, out); err != nil {
				return err
			}
		}
		out.Dirs++
	case n.IsFile():
		ids, err := tc.FileBlockIDs(n.ID)
		if err != nil {
			return err
		}
		for i, id := range ids {
			if err := tc.DeleteFileBlock(n.ID, i); err != nil {
				return err
			}
			out.Blocks = append(out.Blocks, namespace.PendingDeletion{BlockID: id, INodeID: n.ID})
		}
		out.Files++
	}
	return tc.DeleteINode(n.ID)
}

// ContentSummary aggregates the subtree rooted at n.
func (d *Directory) ContentSummary(tc *tx.Context, n *namespace.INode) (*namespace.ContentSummary, error) {
	cs := &namespace.ContentSummary{Quota: namespace.QuotaUnset, SpaceQuota: namespace.QuotaUnset}
	if n.IsQuotaSet() {
		cs.Quota = n.Dir.NsQuota
		cs.SpaceQuota = n.Dir.DsQuota
	}
	if err := summarize(tc, n, cs); err != nil {
		return nil, err
	}
	return cs, nil
}

func summarize(tc *tx.Context, n *namespace.INode, cs *namespace.ContentSummary) error {
	switch {
	case n.IsFile():
		blocks, err := tc.FileBlocks(n.ID)
		if err != nil {
			return err
		}
		cs.FileCount++
		cs.Length += FileLength(blocks)
		cs.SpaceConsumed += BlocksDiskspace(n, blocks)
	case n.IsSymlink():
		cs.SymlinkCount++
	default:
		cs.DirectoryCount++
		children, err := tc.Children(n.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := summarize(tc, c, cs); err != nil {
				return err
			}
		}
	}
	return nil
}
