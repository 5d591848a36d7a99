// Package namespace holds the domain model of the namespace service: tree
// nodes, blocks, replicas, leases, the error taxonomy and path helpers.
//
// The types here are plain data. All behaviour that mutates them (quota
// accounting, block state transitions, lease bookkeeping) lives in the
// pkg/namenode packages.
package namespace

import (
	"math"
)

const (
	// RootID is the inode id of the namespace root
	RootID int64 = 1

	// RootParentID is the parent id recorded for the root
	RootParentID int64 = -1

	// QuotaUnset marks a quota that is not enforced
	QuotaUnset int64 = -1

	// QuotaReset clears a quota in SetQuota
	QuotaReset int64 = -1

	// QuotaDontSet leaves a quota unchanged in SetQuota
	QuotaDontSet int64 = math.MaxInt64

	// DefaultRootNsQuota is the namespace quota carried by the root
	DefaultRootNsQuota int64 = math.MaxInt32
)

// INodeType discriminates the node variants.
type INodeType uint8

const (
	TypeDirectory INodeType = iota + 1
	TypeDirectoryWithQuota
	TypeFile
	TypeFileUnderConstruction
	TypeSymlink
)

func (t INodeType) String() string {
	switch t {
	case TypeDirectory:
		return "Directory"
	case TypeDirectoryWithQuota:
		return "DirectoryWithQuota"
	case TypeFile:
		return "File"
	case TypeFileUnderConstruction:
		return "FileUnderConstruction"
	case TypeSymlink:
		return "Symlink"
	default:
		return "Unknown"
	}
}

// INode is a node of the namespace tree.
//
// It is a tagged union: Type selects the variant and exactly one payload
// pointer matching it is non-nil (Dir for both directory variants, File for
// both file variants, Symlink for links).
//
// Children are not stored on the node. They are keyed by (ParentID, Name)
// in the record store and listed in name order.
type INode struct {
	ID       int64     `json:"id"`
	ParentID int64     `json:"parent_id"`
	Name     string    `json:"name"`
	Type     INodeType `json:"type"`

	Permission       Permission `json:"permission"`
	ModificationTime int64      `json:"mtime"`
	AccessTime       int64      `json:"atime"`

	Dir     *DirectoryPayload `json:"dir,omitempty"`
	File    *FilePayload      `json:"file,omitempty"`
	Symlink *SymlinkPayload   `json:"symlink,omitempty"`
}

// DirectoryPayload carries the directory quota state. NsCount and DsCount
// are maintained only for DirectoryWithQuota nodes; NsCount includes the
// directory itself.
type DirectoryPayload struct {
	NsCount int64 `json:"ns_count"`
	DsCount int64 `json:"ds_count"`
	NsQuota int64 `json:"ns_quota"`
	DsQuota int64 `json:"ds_quota"`
}

// FilePayload carries file attributes. The client fields are set only while
// the file is under construction.
type FilePayload struct {
	Replication        int16  `json:"replication"`
	PreferredBlockSize int64  `json:"preferred_block_size"`
	ClientName         string `json:"client_name,omitempty"`
	ClientMachine      string `json:"client_machine,omitempty"`
	ClientNode         string `json:"client_node,omitempty"`
}

// Header packs replication and preferred block size the way legacy images
// store them.
func (f *FilePayload) Header() int64 {
	return int64(f.Replication)<<48 | (f.PreferredBlockSize & (1<<48 - 1))
}

// SymlinkPayload carries the link target.
type SymlinkPayload struct {
	Target string `json:"target"`
}

// IsDirectory reports whether the node is a directory variant.
func (n *INode) IsDirectory() bool {
	return n.Type == TypeDirectory || n.Type == TypeDirectoryWithQuota
}

// IsFile reports whether the node is a file variant.
func (n *INode) IsFile() bool {
	return n.Type == TypeFile || n.Type == TypeFileUnderConstruction
}

// IsUnderConstruction reports whether the file is open for write.
func (n *INode) IsUnderConstruction() bool {
	return n.Type == TypeFileUnderConstruction
}

// IsSymlink reports whether the node is a symbolic link.
func (n *INode) IsSymlink() bool {
	return n.Type == TypeSymlink
}

// IsRoot reports whether the node is the namespace root.
func (n *INode) IsRoot() bool {
	return n.ID == RootID
}

// IsQuotaSet reports whether counters are maintained for this directory.
func (n *INode) IsQuotaSet() bool {
	return n.Type == TypeDirectoryWithQuota
}

// Clone returns a deep copy.
func (n *INode) Clone() *INode {
	c := *n
	if n.Dir != nil {
		d := *n.Dir
		c.Dir = &d
	}
	if n.File != nil {
		f := *n.File
		c.File = &f
	}
	if n.Symlink != nil {
		s := *n.Symlink
		c.Symlink = &s
	}
	return &c
}

// NewDirectory builds a plain directory node.
func NewDirectory(id int64, name string, perm Permission, mtime int64) *INode {
	return &INode{
		ID:               id,
		Name:             name,
		Type:             TypeDirectory,
		Permission:       perm,
		ModificationTime: mtime,
		AccessTime:       mtime,
		Dir:              &DirectoryPayload{NsQuota: QuotaUnset, DsQuota: QuotaUnset},
	}
}

// NewRoot builds the root directory.
func NewRoot(perm Permission, mtime int64) *INode {
	root := NewDirectory(RootID, "", perm, mtime)
	root.ParentID = RootParentID
	root.Type = TypeDirectoryWithQuota
	root.Dir.NsQuota = DefaultRootNsQuota
	root.Dir.NsCount = 1
	return root
}

// NewFileUnderConstruction builds a file node open for write by client.
func NewFileUnderConstruction(id int64, name string, perm Permission, replication int16, blockSize int64,
	clientName, clientMachine, clientNode string, mtime int64) *INode {
	return &INode{
		ID:               id,
		Name:             name,
		Type:             TypeFileUnderConstruction,
		Permission:       perm,
		ModificationTime: mtime,
		AccessTime:       mtime,
		File: &FilePayload{
			Replication:        replication,
			PreferredBlockSize: blockSize,
			ClientName:         clientName,
			ClientMachine:      clientMachine,
			ClientNode:         clientNode,
		},
	}
}

// NewSymlink builds a symlink node.
func NewSymlink(id int64, name, target string, perm Permission, mtime int64) *INode {
	return &INode{
		ID:               id,
		Name:             name,
		Type:             TypeSymlink,
		Permission:       perm,
		ModificationTime: mtime,
		AccessTime:       mtime,
		Symlink:          &SymlinkPayload{Target: target},
	}
}
