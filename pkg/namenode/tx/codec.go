package tx

import (
	"encoding/json"
	"fmt"

	"github.com/marmos91/dittons/pkg/namespace"
)

// Records are stored as JSON. It keeps the database human-inspectable and
// tolerates added fields across versions.

func encode(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	return data, nil
}

func decodeINode(data []byte) (*namespace.INode, error) {
	var n namespace.INode
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to decode inode: %w", err)
	}
	switch n.Type {
	case namespace.TypeDirectory, namespace.TypeDirectoryWithQuota:
		if n.Dir == nil {
			return nil, fmt.Errorf("inode %d: directory without payload", n.ID)
		}
	case namespace.TypeFile, namespace.TypeFileUnderConstruction:
		if n.File == nil {
			return nil, fmt.Errorf("inode %d: file without payload", n.ID)
		}
	case namespace.TypeSymlink:
		if n.Symlink == nil {
			return nil, fmt.Errorf("inode %d: symlink without payload", n.ID)
		}
	default:
		return nil, fmt.Errorf("inode %d: unknown type %d", n.ID, n.Type)
	}
	return &n, nil
}

func decodeBlock(data []byte) (*namespace.Block, error) {
	var b namespace.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode block: %w", err)
	}
	return &b, nil
}

func decodeReplica(data []byte) (*namespace.Replica, error) {
	var r namespace.Replica
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode replica: %w", err)
	}
	return &r, nil
}

func decodeLease(data []byte) (*namespace.Lease, error) {
	var l namespace.Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to decode lease: %w", err)
	}
	return &l, nil
}

func decodeLeasePath(data []byte) (*namespace.LeasePath, error) {
	var lp namespace.LeasePath
	if err := json.Unmarshal(data, &lp); err != nil {
		return nil, fmt.Errorf("failed to decode lease path: %w", err)
	}
	return &lp, nil
}

func decodePending(data []byte) (*namespace.PendingDeletion, error) {
	var p namespace.PendingDeletion
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending deletion: %w", err)
	}
	return &p, nil
}

func decodeInvalidated(data []byte) (*namespace.InvalidatedBlock, error) {
	var ib namespace.InvalidatedBlock
	if err := json.Unmarshal(data, &ib); err != nil {
		return nil, fmt.Errorf("failed to decode invalidated block: %w", err)
	}
	return &ib, nil
}
