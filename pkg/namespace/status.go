package namespace

// CreateFlag selects create semantics. Flags combine with |.
type CreateFlag uint8

const (
	CreateFlagCreate CreateFlag = 1 << iota
	CreateFlagOverwrite
	CreateFlagAppend
)

func (f CreateFlag) Has(flag CreateFlag) bool {
	return f&flag != 0
}

// RenameOption selects rename semantics.
type RenameOption uint8

const (
	RenameNone RenameOption = iota
	RenameOverwrite
)

// SafeModeAction is the admin action for SetSafeMode.
type SafeModeAction uint8

const (
	SafeModeGet SafeModeAction = iota
	SafeModeEnter
	SafeModeLeave
)

// FileStatus describes a node as returned by stat and listing calls.
type FileStatus struct {
	Path             string     `json:"path"`
	Name             string     `json:"name"`
	INodeID          int64      `json:"inode_id"`
	Type             INodeType  `json:"type"`
	Length           int64      `json:"length"`
	Replication      int16      `json:"replication"`
	BlockSize        int64      `json:"block_size"`
	ModificationTime int64      `json:"mtime"`
	AccessTime       int64      `json:"atime"`
	Permission       Permission `json:"permission"`
	SymlinkTarget    string     `json:"symlink_target,omitempty"`
	ChildrenCount    int        `json:"children_count"`

	// Locations is filled by listings that request block locations
	Locations *LocatedBlocks `json:"locations,omitempty"`
}

// IsDir reports whether the status describes a directory.
func (s *FileStatus) IsDir() bool {
	return s.Type == TypeDirectory || s.Type == TypeDirectoryWithQuota
}

// DirectoryListing is one page of a directory listing.
type DirectoryListing struct {
	Entries        []FileStatus `json:"entries"`
	RemainingCount int          `json:"remaining_count"`
}

// HasMore reports whether another page follows.
func (l *DirectoryListing) HasMore() bool {
	return l.RemainingCount > 0
}

// LastName returns the name to pass as startAfter for the next page.
func (l *DirectoryListing) LastName() string {
	if len(l.Entries) == 0 {
		return ""
	}
	return l.Entries[len(l.Entries)-1].Name
}

// ContentSummary aggregates a subtree.
type ContentSummary struct {
	Length         int64 `json:"length"`
	FileCount      int64 `json:"file_count"`
	DirectoryCount int64 `json:"directory_count"`
	SymlinkCount   int64 `json:"symlink_count"`
	Quota          int64 `json:"quota"`
	SpaceConsumed  int64 `json:"space_consumed"`
	SpaceQuota     int64 `json:"space_quota"`
}

// SafeModeStatus is a snapshot of the safe-mode state machine.
type SafeModeStatus struct {
	On                bool    `json:"on"`
	Manual            bool    `json:"manual"`
	BlockSafe         int64   `json:"block_safe"`
	BlockTotal        int64   `json:"block_total"`
	BlockThreshold    int64   `json:"block_threshold"`
	Threshold         float64 `json:"threshold"`
	DatanodeThreshold int     `json:"datanode_threshold"`
	LiveDatanodes     int     `json:"live_datanodes"`
	ExtensionMillis   int64   `json:"extension_millis"`

	// Reached is -1 when off, 0 while the threshold is not reached, and the
	// unix millis at which it was reached otherwise
	Reached int64 `json:"reached"`
}

// Stats summarizes the namespace.
type Stats struct {
	FilesTotal      int64 `json:"files_total"`
	BlocksTotal     int64 `json:"blocks_total"`
	LeasesTotal     int   `json:"leases_total"`
	PendingDeletion int64 `json:"pending_deletion"`
	GenerationStamp int64 `json:"generation_stamp"`
	CapacityUsed    int64 `json:"capacity_used"`
	LiveDatanodes   int   `json:"live_datanodes"`
	SafeMode        bool  `json:"safe_mode"`
}
