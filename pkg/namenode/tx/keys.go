package tx

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// Record Key Namespace Design
// ===========================
//
// The namespace is stored in an ordered key-value store, so every record
// family lives under its own prefix. Numeric ids are rendered as fixed-width
// hex, which makes byte order equal numeric order; child keys end with the raw
// name bytes, which makes a prefix scan of a directory return its children
// already sorted by name.
//
// Family              Prefix  Key Format                      Value
// =====================================================================
// Tree nodes          "i:"    i:<inodeID>                     INode (JSON)
// Children            "c:"    c:<parentID>:<name>             child inode id (8 bytes)
// Blocks              "b:"    b:<blockID>                     Block (JSON)
// File block list     "fb:"   fb:<inodeID>:<index>            block id (8 bytes)
// Replicas            "r:"    r:<blockID>:<index>             Replica (JSON)
// Replicas by storage "rs:"   rs:<storageID>:<blockID>        replica index (8 bytes)
// Leases              "l:"    l:<holder>                      Lease (JSON)
// Lease by holder id  "lh:"   lh:<holderID>                   holder (bytes)
// Lease paths         "lp:"   lp:<path>                       LeasePath (JSON)
// Paths by holder id  "lph:"  lph:<holderID>:<path>           empty
// Pending deletions   "pd:"   pd:<blockID>                    PendingDeletion (JSON)
// Invalidated blocks  "iv:"   iv:<storageID>:<blockID>        InvalidatedBlock (JSON)
// Metadata            "m:"    m:<name>                        varies
//
// Storage ids and holder names must not contain ':'; they are generated by
// the namespace (uuid) or validated on entry.

// MetaNamespaceID is the metadata key holding the namespace identity.
const MetaNamespaceID = "nsinfo"

const (
	prefixINode       = "i:"
	prefixChild       = "c:"
	prefixBlock       = "b:"
	prefixFileBlock   = "fb:"
	prefixReplica     = "r:"
	prefixReplicaSto  = "rs:"
	prefixLease       = "l:"
	prefixLeaseHolder = "lh:"
	prefixLeasePath   = "lp:"
	prefixLeaseOwned  = "lph:"
	prefixPending     = "pd:"
	prefixInvalidated = "iv:"
	prefixMeta        = "m:"
)

// Prefixes lists every record family, in the order a checkpoint writes them.
var Prefixes = []string{
	prefixMeta, prefixINode, prefixChild, prefixBlock, prefixFileBlock,
	prefixReplica, prefixReplicaSto, prefixLease, prefixLeaseHolder,
	prefixLeasePath, prefixLeaseOwned, prefixPending, prefixInvalidated,
}

func hexID(id int64) string {
	return fmt.Sprintf("%016x", uint64(id))
}

func parseHexID(s string) (int64, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	return int64(v), err
}

func keyINode(id int64) []byte {
	return []byte(prefixINode + hexID(id))
}

func keyChildPrefix(parentID int64) []byte {
	return []byte(prefixChild + hexID(parentID) + ":")
}

func keyChild(parentID int64, name string) []byte {
	return append(keyChildPrefix(parentID), name...)
}

func keyBlock(id int64) []byte {
	return []byte(prefixBlock + hexID(id))
}

func keyFileBlockPrefix(inodeID int64) []byte {
	return []byte(prefixFileBlock + hexID(inodeID) + ":")
}

func keyFileBlock(inodeID int64, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%08x", prefixFileBlock, hexID(inodeID), index))
}

func keyReplicaPrefix(blockID int64) []byte {
	return []byte(prefixReplica + hexID(blockID) + ":")
}

func keyReplica(blockID int64, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%04x", prefixReplica, hexID(blockID), index))
}

func keyReplicaStoragePrefix(storageID string) []byte {
	return []byte(prefixReplicaSto + storageID + ":")
}

func keyReplicaStorage(storageID string, blockID int64) []byte {
	return append(keyReplicaStoragePrefix(storageID), hexID(blockID)...)
}

func keyLease(holder string) []byte {
	return []byte(prefixLease + holder)
}

func keyLeaseHolder(holderID int64) []byte {
	return []byte(prefixLeaseHolder + hexID(holderID))
}

func keyLeasePath(path string) []byte {
	return []byte(prefixLeasePath + path)
}

func keyLeaseOwnedPrefix(holderID int64) []byte {
	return []byte(prefixLeaseOwned + hexID(holderID) + ":")
}

func keyLeaseOwned(holderID int64, path string) []byte {
	return append(keyLeaseOwnedPrefix(holderID), path...)
}

func keyPending(blockID int64) []byte {
	return []byte(prefixPending + hexID(blockID))
}

func keyInvalidatedPrefix(storageID string) []byte {
	return []byte(prefixInvalidated + storageID + ":")
}

func keyInvalidated(storageID string, blockID int64) []byte {
	return append(keyInvalidatedPrefix(storageID), hexID(blockID)...)
}

func keyMeta(name string) []byte {
	return []byte(prefixMeta + name)
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid int64 record: %d bytes", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
