package namespace

// BlockState is the lifecycle state of a block.
//
//	UNDER_CONSTRUCTION -> COMMITTED -> COMPLETE
//	UNDER_CONSTRUCTION <-> UNDER_RECOVERY
//	COMPLETE -> UNDER_CONSTRUCTION (append reopens the last block)
type BlockState uint8

const (
	BlockUnderConstruction BlockState = iota + 1
	BlockUnderRecovery
	BlockCommitted
	BlockComplete
)

func (s BlockState) String() string {
	switch s {
	case BlockUnderConstruction:
		return "UNDER_CONSTRUCTION"
	case BlockUnderRecovery:
		return "UNDER_RECOVERY"
	case BlockCommitted:
		return "COMMITTED"
	case BlockComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Block is a unit of file data tracked by the namespace.
type Block struct {
	ID              int64      `json:"id"`
	GenerationStamp int64      `json:"gs"`
	NumBytes        int64      `json:"num_bytes"`
	State           BlockState `json:"state"`

	// INodeID is the owning file
	INodeID int64 `json:"inode_id"`

	// Index is the position of the block within the file
	Index int `json:"index"`

	// PrimaryReplicaIndex is the replica chosen to drive recovery (-1 if none)
	PrimaryReplicaIndex int `json:"primary_replica_index"`

	// RecoveryID is the generation stamp issued for the current recovery
	RecoveryID int64 `json:"recovery_id,omitempty"`
}

// IsComplete reports whether the block reached its final state.
func (b *Block) IsComplete() bool {
	return b.State == BlockComplete
}

// IsUnderConstruction reports whether the block is still being written or
// recovered.
func (b *Block) IsUnderConstruction() bool {
	return b.State == BlockUnderConstruction || b.State == BlockUnderRecovery
}

// ExtendedBlock identifies a specific version of a block, as reported by
// clients and datanodes.
type ExtendedBlock struct {
	BlockID         int64 `json:"block_id"`
	GenerationStamp int64 `json:"gs"`
	NumBytes        int64 `json:"num_bytes"`
}

// ReplicaState is the state of one replica of a block.
type ReplicaState uint8

const (
	// ReplicaBeingWritten is an expected pipeline target not yet finalized
	ReplicaBeingWritten ReplicaState = iota + 1

	// ReplicaFinalized has been reported by its datanode
	ReplicaFinalized
)

// Replica records that a storage holds (or is expected to hold) a block.
// Indices of a block's replicas are always dense: 0..n-1.
type Replica struct {
	BlockID   int64        `json:"block_id"`
	Index     int          `json:"index"`
	StorageID string       `json:"storage_id"`
	Address   string       `json:"address"`
	State     ReplicaState `json:"state"`
}

// DatanodeStorage identifies a storage and where it can be reached.
type DatanodeStorage struct {
	StorageID string `json:"storage_id"`
	Address   string `json:"address"`
}

// LocatedBlock is a block together with the storages serving it.
type LocatedBlock struct {
	Block     ExtendedBlock     `json:"block"`
	Offset    int64             `json:"offset"`
	Locations []DatanodeStorage `json:"locations"`
	Corrupt   bool              `json:"corrupt"`
}

// LocatedBlocks is the answer to a block location query.
type LocatedBlocks struct {
	FileLength          int64          `json:"file_length"`
	UnderConstruction   bool           `json:"under_construction"`
	Blocks              []LocatedBlock `json:"blocks"`
	LastLocatedBlock    *LocatedBlock  `json:"last_located_block,omitempty"`
	IsLastBlockComplete bool           `json:"is_last_block_complete"`
}

// PendingDeletion is a block removed from the namespace whose ledger entry
// has not been dropped yet.
type PendingDeletion struct {
	BlockID int64 `json:"block_id"`
	INodeID int64 `json:"inode_id"`
}

// InvalidatedBlock is a block a storage must delete.
type InvalidatedBlock struct {
	StorageID       string `json:"storage_id"`
	BlockID         int64  `json:"block_id"`
	GenerationStamp int64  `json:"gs"`
}
