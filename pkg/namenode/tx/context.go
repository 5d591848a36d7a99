// Package tx runs namespace operations as store transactions.
//
// A Context wraps one store transaction and exposes the namespace record
// families (nodes, children, blocks, replicas, leases, ...) as typed
// reads and writes. Writes go straight to the transaction; nothing is
// visible to other operations until the Runner commits it.
package tx

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/marmos91/dittons/pkg/namespace"
	"github.com/marmos91/dittons/pkg/store"
)

// Context is the per-attempt transaction context of one operation.
//
// Nodes and blocks loaded through a Context are cached by id, so every
// component working on the same operation sees the same *INode / *Block and
// in-memory mutations compose. Mutations must still be persisted with the
// matching Put method.
//
// A Context belongs to a single goroutine.
type Context struct {
	txn    store.Txn
	update bool

	inodes map[int64]*namespace.INode
	blocks map[int64]*namespace.Block

	afterCommit []func()
}

// NewContext wraps txn. Exposed for tools (checkpoint import) and tests;
// operations obtain their Context from the Runner.
func NewContext(txn store.Txn, update bool) *Context {
	return &Context{
		txn:    txn,
		update: update,
		inodes: make(map[int64]*namespace.INode),
		blocks: make(map[int64]*namespace.Block),
	}
}

// Writable reports whether the context may mutate records.
func (c *Context) Writable() bool {
	return c.update
}

// AfterCommit registers fn to run once the transaction committed. Hooks of
// attempts that are retried or fail are dropped.
func (c *Context) AfterCommit(fn func()) {
	c.afterCommit = append(c.afterCommit, fn)
}

func (c *Context) get(key []byte) ([]byte, error) {
	data, err := c.txn.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (c *Context) put(kind string, key []byte, v any) error {
	data, err := encode(kind, v)
	if err != nil {
		return err
	}
	return c.txn.Set(key, data)
}

// ============================================================================
// Nodes and children
// ============================================================================

// INode returns the node with id, or nil if it does not exist.
func (c *Context) INode(id int64) (*namespace.INode, error) {
	if n, ok := c.inodes[id]; ok {
		return n, nil
	}
	data, err := c.get(keyINode(id))
	if err != nil || data == nil {
		return nil, err
	}
	n, err := decodeINode(data)
	if err != nil {
		return nil, err
	}
	c.inodes[id] = n
	return n, nil
}

// PutINode persists n. It does not touch the child link.
func (c *Context) PutINode(n *namespace.INode) error {
	c.inodes[n.ID] = n
	return c.put("inode", keyINode(n.ID), n)
}

// DeleteINode removes the node record. It does not touch the child link.
func (c *Context) DeleteINode(id int64) error {
	delete(c.inodes, id)
	return c.txn.Delete(keyINode(id))
}

// Child returns the child of parentID named name, or nil.
func (c *Context) Child(parentID int64, name string) (*namespace.INode, error) {
	data, err := c.get(keyChild(parentID, name))
	if err != nil || data == nil {
		return nil, err
	}
	id, err := decodeInt64(data)
	if err != nil {
		return nil, err
	}
	n, err := c.INode(id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("dangling child link %d/%s -> %d", parentID, name, id)
	}
	return n, nil
}

// ChildIDs returns the ids of the children of parentID in name order.
func (c *Context) ChildIDs(parentID int64) ([]int64, error) {
	var ids []int64
	err := c.txn.Scan(keyChildPrefix(parentID), func(_, value []byte) (bool, error) {
		id, err := decodeInt64(value)
		if err != nil {
			return false, err
		}
		ids = append(ids, id)
		return true, nil
	})
	return ids, err
}

// Children returns the children of parentID ordered by name.
func (c *Context) Children(parentID int64) ([]*namespace.INode, error) {
	ids, err := c.ChildIDs(parentID)
	if err != nil {
		return nil, err
	}
	out := make([]*namespace.INode, 0, len(ids))
	for _, id := range ids {
		n, err := c.INode(id)
		if err != nil {
			return nil, err
		}
		if n == nil {
			return nil, fmt.Errorf("dangling child link under %d -> %d", parentID, id)
		}
		out = append(out, n)
	}
	return out, nil
}

// HasChildren reports whether parentID has at least one child.
func (c *Context) HasChildren(parentID int64) (bool, error) {
	found := false
	err := c.txn.Scan(keyChildPrefix(parentID), func(_, _ []byte) (bool, error) {
		found = true
		return false, nil
	})
	return found, err
}

// LinkChild records n under n.ParentID / n.Name.
func (c *Context) LinkChild(n *namespace.INode) error {
	return c.txn.Set(keyChild(n.ParentID, n.Name), encodeInt64(n.ID))
}

// UnlinkChild removes the child link parentID / name.
func (c *Context) UnlinkChild(parentID int64, name string) error {
	return c.txn.Delete(keyChild(parentID, name))
}

// ============================================================================
// Blocks
// ============================================================================

// Block returns the block with id, or nil.
func (c *Context) Block(id int64) (*namespace.Block, error) {
	if b, ok := c.blocks[id]; ok {
		return b, nil
	}
	data, err := c.get(keyBlock(id))
	if err != nil || data == nil {
		return nil, err
	}
	b, err := decodeBlock(data)
	if err != nil {
		return nil, err
	}
	c.blocks[id] = b
	return b, nil
}

// PutBlock persists b.
func (c *Context) PutBlock(b *namespace.Block) error {
	c.blocks[b.ID] = b
	return c.put("block", keyBlock(b.ID), b)
}

// DeleteBlock removes the block record.
func (c *Context) DeleteBlock(id int64) error {
	delete(c.blocks, id)
	return c.txn.Delete(keyBlock(id))
}

// FileBlockIDs returns the block ids of a file in index order.
func (c *Context) FileBlockIDs(inodeID int64) ([]int64, error) {
	var ids []int64
	err := c.txn.Scan(keyFileBlockPrefix(inodeID), func(_, value []byte) (bool, error) {
		id, err := decodeInt64(value)
		if err != nil {
			return false, err
		}
		ids = append(ids, id)
		return true, nil
	})
	return ids, err
}

// FileBlocks returns the blocks of a file in index order.
func (c *Context) FileBlocks(inodeID int64) ([]*namespace.Block, error) {
	ids, err := c.FileBlockIDs(inodeID)
	if err != nil {
		return nil, err
	}
	out := make([]*namespace.Block, 0, len(ids))
	for _, id := range ids {
		b, err := c.Block(id)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, fmt.Errorf("file %d references missing block %d", inodeID, id)
		}
		out = append(out, b)
	}
	return out, nil
}

// SetFileBlock places blockID at index in the file's block list.
func (c *Context) SetFileBlock(inodeID int64, index int, blockID int64) error {
	return c.txn.Set(keyFileBlock(inodeID, index), encodeInt64(blockID))
}

// DeleteFileBlock removes the entry at index from the file's block list.
func (c *Context) DeleteFileBlock(inodeID int64, index int) error {
	return c.txn.Delete(keyFileBlock(inodeID, index))
}

// ============================================================================
// Replicas
// ============================================================================

// Replicas returns the replicas of blockID ordered by index.
func (c *Context) Replicas(blockID int64) ([]*namespace.Replica, error) {
	var out []*namespace.Replica
	err := c.txn.Scan(keyReplicaPrefix(blockID), func(_, value []byte) (bool, error) {
		r, err := decodeReplica(value)
		if err != nil {
			return false, err
		}
		out = append(out, r)
		return true, nil
	})
	return out, err
}

// PutReplica persists r and its storage index.
func (c *Context) PutReplica(r *namespace.Replica) error {
	if err := c.put("replica", keyReplica(r.BlockID, r.Index), r); err != nil {
		return err
	}
	return c.txn.Set(keyReplicaStorage(r.StorageID, r.BlockID), encodeInt64(int64(r.Index)))
}

// DeleteReplicaRecord removes the replica row at (blockID, index) without
// touching the storage index.
func (c *Context) DeleteReplicaRecord(blockID int64, index int) error {
	return c.txn.Delete(keyReplica(blockID, index))
}

// DeleteReplicaStorage removes the storage index entry of a replica.
func (c *Context) DeleteReplicaStorage(storageID string, blockID int64) error {
	return c.txn.Delete(keyReplicaStorage(storageID, blockID))
}

// ReplicaIndexOn returns the replica index of blockID on storageID.
func (c *Context) ReplicaIndexOn(storageID string, blockID int64) (int, bool, error) {
	data, err := c.get(keyReplicaStorage(storageID, blockID))
	if err != nil || data == nil {
		return 0, false, err
	}
	idx, err := decodeInt64(data)
	if err != nil {
		return 0, false, err
	}
	return int(idx), true, nil
}

// BlocksOnStorage returns the ids of every block with a replica on storageID.
func (c *Context) BlocksOnStorage(storageID string) ([]int64, error) {
	prefix := keyReplicaStoragePrefix(storageID)
	var ids []int64
	err := c.txn.Scan(prefix, func(key, _ []byte) (bool, error) {
		id, err := parseHexID(string(key[len(prefix):]))
		if err != nil {
			return false, err
		}
		ids = append(ids, id)
		return true, nil
	})
	return ids, err
}

// ============================================================================
// Leases
// ============================================================================

// Lease returns the lease of holder, or nil.
func (c *Context) Lease(holder string) (*namespace.Lease, error) {
	data, err := c.get(keyLease(holder))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeLease(data)
}

// LeaseHolder returns the holder name for holderID, or "".
func (c *Context) LeaseHolder(holderID int64) (string, error) {
	data, err := c.get(keyLeaseHolder(holderID))
	if err != nil || data == nil {
		return "", err
	}
	return string(data), nil
}

// PutLease persists l and its holder-id index.
func (c *Context) PutLease(l *namespace.Lease) error {
	if err := c.put("lease", keyLease(l.Holder), l); err != nil {
		return err
	}
	return c.txn.Set(keyLeaseHolder(l.HolderID), []byte(l.Holder))
}

// DeleteLease removes l and its holder-id index.
func (c *Context) DeleteLease(l *namespace.Lease) error {
	if err := c.txn.Delete(keyLease(l.Holder)); err != nil {
		return err
	}
	return c.txn.Delete(keyLeaseHolder(l.HolderID))
}

// Leases returns every lease.
func (c *Context) Leases() ([]*namespace.Lease, error) {
	var out []*namespace.Lease
	err := c.txn.Scan([]byte(prefixLease), func(_, value []byte) (bool, error) {
		l, err := decodeLease(value)
		if err != nil {
			return false, err
		}
		out = append(out, l)
		return true, nil
	})
	return out, err
}

// LeasePath returns the lease binding of path, or nil.
func (c *Context) LeasePath(path string) (*namespace.LeasePath, error) {
	data, err := c.get(keyLeasePath(path))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeLeasePath(data)
}

// PutLeasePath persists lp and its per-holder index.
func (c *Context) PutLeasePath(lp *namespace.LeasePath) error {
	if err := c.put("lease path", keyLeasePath(lp.Path), lp); err != nil {
		return err
	}
	return c.txn.Set(keyLeaseOwned(lp.HolderID, lp.Path), nil)
}

// DeleteLeasePath removes lp and its per-holder index.
func (c *Context) DeleteLeasePath(lp *namespace.LeasePath) error {
	if err := c.txn.Delete(keyLeasePath(lp.Path)); err != nil {
		return err
	}
	return c.txn.Delete(keyLeaseOwned(lp.HolderID, lp.Path))
}

// LeasePathsOf returns the paths held by holderID in path order.
func (c *Context) LeasePathsOf(holderID int64) ([]string, error) {
	prefix := keyLeaseOwnedPrefix(holderID)
	var out []string
	err := c.txn.Scan(prefix, func(key, _ []byte) (bool, error) {
		out = append(out, string(key[len(prefix):]))
		return true, nil
	})
	return out, err
}

// LeasePathsUnder returns every lease binding at or beneath prefix.
func (c *Context) LeasePathsUnder(prefix string) ([]*namespace.LeasePath, error) {
	prefix = namespace.Clean(prefix)
	var out []*namespace.LeasePath
	err := c.txn.Scan(keyLeasePath(prefix), func(_, value []byte) (bool, error) {
		lp, err := decodeLeasePath(value)
		if err != nil {
			return false, err
		}
		if namespace.IsDescendant(lp.Path, prefix) {
			out = append(out, lp)
		}
		return true, nil
	})
	return out, err
}

// ============================================================================
// Deferred deletion and invalidation
// ============================================================================

// PutPendingDeletion queues a block for removal from the ledger.
func (c *Context) PutPendingDeletion(p *namespace.PendingDeletion) error {
	return c.put("pending deletion", keyPending(p.BlockID), p)
}

// DeletePendingDeletion dequeues a block.
func (c *Context) DeletePendingDeletion(blockID int64) error {
	return c.txn.Delete(keyPending(blockID))
}

// PendingDeletions returns up to limit queued blocks (0 = all).
func (c *Context) PendingDeletions(limit int) ([]*namespace.PendingDeletion, error) {
	var out []*namespace.PendingDeletion
	err := c.txn.Scan([]byte(prefixPending), func(_, value []byte) (bool, error) {
		p, err := decodePending(value)
		if err != nil {
			return false, err
		}
		out = append(out, p)
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// PutInvalidated records that a storage must drop a block.
func (c *Context) PutInvalidated(ib *namespace.InvalidatedBlock) error {
	return c.put("invalidated block", keyInvalidated(ib.StorageID, ib.BlockID), ib)
}

// DeleteInvalidated forgets an invalidation.
func (c *Context) DeleteInvalidated(storageID string, blockID int64) error {
	return c.txn.Delete(keyInvalidated(storageID, blockID))
}

// Invalidated returns up to limit invalidations for storageID (0 = all).
func (c *Context) Invalidated(storageID string, limit int) ([]*namespace.InvalidatedBlock, error) {
	var out []*namespace.InvalidatedBlock
	err := c.txn.Scan(keyInvalidatedPrefix(storageID), func(_, value []byte) (bool, error) {
		ib, err := decodeInvalidated(value)
		if err != nil {
			return false, err
		}
		out = append(out, ib)
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// ============================================================================
// Metadata and bulk access
// ============================================================================

// Meta returns the metadata value name, or nil.
func (c *Context) Meta(name string) ([]byte, error) {
	return c.get(keyMeta(name))
}

// SetMeta stores a metadata value.
func (c *Context) SetMeta(name string, value []byte) error {
	return c.txn.Set(keyMeta(name), value)
}

// MetaInt64 returns an int64 metadata value, or 0.
func (c *Context) MetaInt64(name string) (int64, error) {
	data, err := c.Meta(name)
	if err != nil || data == nil {
		return 0, err
	}
	return decodeInt64(data)
}

// SetMetaInt64 stores an int64 metadata value.
func (c *Context) SetMetaInt64(name string, v int64) error {
	return c.SetMeta(name, encodeInt64(v))
}

// ForEachINode visits every node record.
func (c *Context) ForEachINode(fn func(*namespace.INode) error) error {
	return c.txn.Scan([]byte(prefixINode), func(_, value []byte) (bool, error) {
		n, err := decodeINode(value)
		if err != nil {
			return false, err
		}
		return true, fn(n)
	})
}

// ForEachBlock visits every block record.
func (c *Context) ForEachBlock(fn func(*namespace.Block) error) error {
	return c.txn.Scan([]byte(prefixBlock), func(_, value []byte) (bool, error) {
		b, err := decodeBlock(value)
		if err != nil {
			return false, err
		}
		return true, fn(b)
	})
}

// ForEachRaw visits every raw record under prefix. Used by checkpoints.
func (c *Context) ForEachRaw(prefix string, fn func(key, value []byte) error) error {
	return c.txn.Scan([]byte(prefix), func(key, value []byte) (bool, error) {
		return true, fn(key, value)
	})
}

// PutRaw writes a raw record. Used by checkpoint import.
func (c *Context) PutRaw(key, value []byte) error {
	if !knownPrefix(string(key)) {
		return fmt.Errorf("refusing to import key with unknown prefix: %q", key)
	}
	return c.txn.Set(key, value)
}

func knownPrefix(key string) bool {
	for _, p := range Prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// SortByName orders nodes by name bytes, the order child keys use.
func SortByName(nodes []*namespace.INode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
}
