package namenode

import (
	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/resolver"
	"github.com/marmos91/dittons/pkg/namenode/tree"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

// CreateOptions are the parameters of Create.
type CreateOptions struct {
	// Mode is the permission of the new file. The owner is the caller and
	// the group is inherited from the parent directory.
	Mode uint16

	// Holder is the client that will hold the write lease
	Holder string

	// ClientMachine is the client's host, kept for lease diagnostics
	ClientMachine string

	// Flag combines CREATE, OVERWRITE and APPEND
	Flag namespace.CreateFlag

	// CreateParent creates missing parent directories
	CreateParent bool

	Replication int16
	BlockSize   int64
}

// createScope is the lock scope of operations that open a file for write:
// recovering another holder's lease may touch any lease.
func createScope(src string) lock.Scope {
	return lock.NewScope().Path(src, lock.Write).AllLeases(lock.Write).Blocks(lock.Write)
}

// writerScope is the lock scope of operations by the current lease holder.
func writerScope(src, holder string) lock.Scope {
	return lock.NewScope().Path(src, lock.Write).Lease(holder, lock.Write).Blocks(lock.Write)
}

// verifyReplication checks a requested replication against the configured
// bounds.
func (ns *Namesystem) verifyReplication(src string, replication int16) error {
	if int(replication) < ns.config.MinReplication {
		return namespace.NewError(namespace.ErrInvalidArgument, src,
			"requested replication %d is less than the required minimum %d", replication, ns.config.MinReplication)
	}
	if int(replication) > ns.config.MaxReplication {
		return namespace.NewError(namespace.ErrInvalidArgument, src,
			"requested replication %d exceeds maximum %d", replication, ns.config.MaxReplication)
	}
	return nil
}

// ============================================================================
// Create and append
// ============================================================================

// Create opens src for write by opts.Holder.
//
// With CREATE a missing file is created (and its parents when CreateParent
// is set); with OVERWRITE an existing file is deleted first; with APPEND an
// existing file is reopened. An existing file under construction by another
// holder whose soft limit expired is recovered first: if it cannot be closed
// right away ErrRecoveryInProgress is returned and the caller retries.
//
// Errors: ErrAlreadyExists, ErrNotFound, ErrIsDirectory,
// ErrAlreadyBeingCreated, ErrRecoveryInProgress, quota, limit and
// permission errors.
func (ns *Namesystem) Create(auth *namespace.AuthContext, src string, opts CreateOptions) (st *namespace.FileStatus, err error) {
	defer ns.track(auth, "create", src, "")(&err)

	if opts.Holder == "" {
		return nil, namespace.NewError(namespace.ErrInvalidArgument, src, "client name is empty")
	}
	if !opts.Flag.Has(namespace.CreateFlagCreate) && !opts.Flag.Has(namespace.CreateFlagAppend) {
		return nil, namespace.NewError(namespace.ErrInvalidArgument, src, "create flag must include CREATE or APPEND")
	}
	if err := ns.verifyReplication(src, opts.Replication); err != nil {
		return nil, err
	}
	if opts.BlockSize < ns.config.MinBlockSize || opts.BlockSize <= 0 {
		return nil, namespace.NewError(namespace.ErrInvalidArgument, src,
			"specified block size %d is less than the configured minimum %d", opts.BlockSize, ns.config.MinBlockSize)
	}

	err = ns.run(auth.Ctx(), "create", createScope(src), func(tc *tx.Context) error {
		if err := ns.checkSafeMode("create", src); err != nil {
			return err
		}
		chain, _, err := ns.startFile(tc, auth, src, opts)
		if err != nil {
			return err
		}
		st, err = ns.fileStatus(tc, chain.Last(), chain.FullPath())
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Append reopens the complete file src for write by holder. Returns the
// partial last block to continue writing into, or nil when the last block
// is full (the client then asks for a new block).
func (ns *Namesystem) Append(auth *namespace.AuthContext, src, holder, clientMachine string) (lb *namespace.LocatedBlock, err error) {
	defer ns.track(auth, "append", src, "")(&err)

	if holder == "" {
		return nil, namespace.NewError(namespace.ErrInvalidArgument, src, "client name is empty")
	}

	opts := CreateOptions{Holder: holder, ClientMachine: clientMachine, Flag: namespace.CreateFlagAppend}
	err = ns.run(auth.Ctx(), "append", createScope(src), func(tc *tx.Context) error {
		if err := ns.checkSafeMode("append", src); err != nil {
			return err
		}
		var err error
		_, lb, err = ns.startFile(tc, auth, src, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lb, nil
}

// startFile implements Create and Append.
func (ns *Namesystem) startFile(tc *tx.Context, auth *namespace.AuthContext, src string, opts CreateOptions) (*resolver.Chain, *namespace.LocatedBlock, error) {
	chain, err := resolveFor(tc, src, true)
	if err != nil {
		return nil, nil, err
	}
	last := chain.Len() - 1
	existing := chain.Last()
	if existing != nil && existing.IsDirectory() {
		return nil, nil, namespace.NewError(namespace.ErrIsDirectory, src, "cannot create file: path is a directory")
	}

	appending := opts.Flag.Has(namespace.CreateFlagAppend)
	overwrite := opts.Flag.Has(namespace.CreateFlagOverwrite)

	check := accessCheck{ancestor: namespace.AccessWrite}
	if existing != nil && (appending || overwrite) {
		check = accessCheck{target: namespace.AccessWrite}
	}
	if err := ns.checkPermission(tc, auth, chain, check); err != nil {
		return nil, nil, err
	}

	if existing != nil && existing.IsUnderConstruction() {
		if err := ns.recoverLeaseInternal(tc, chain, src, opts.Holder, false); err != nil {
			return nil, nil, err
		}
		existing = chain.Last()
	}

	if existing != nil {
		if appending {
			lb, err := ns.prepareAppend(tc, chain, src, opts)
			return chain, lb, err
		}
		if !overwrite {
			return nil, nil, namespace.NewError(namespace.ErrAlreadyExists, src, "file already exists")
		}
		if err := ns.removeSubtree(tc, chain, last); err != nil {
			return nil, nil, err
		}
	} else if !opts.Flag.Has(namespace.CreateFlagCreate) {
		return nil, nil, namespace.NewError(namespace.ErrNotFound, src, "failed to append to non-existent file")
	}

	caller := ns.checker(auth).user
	created := 0
	if chain.Parent() == nil {
		if !opts.CreateParent {
			return nil, nil, namespace.NewError(namespace.ErrNotFound, src, "parent directory does not exist")
		}
		missing := int64(chain.Len() - chain.ExistingCount() - 1)
		if err := ns.checkFsObjectLimit(src, missing+1); err != nil {
			return nil, nil, err
		}
		anc := chain.Nodes[chain.ExistingCount()-1]
		perm := namespace.Permission{User: caller, Group: anc.Permission.Group}
		created, err = ns.dir.Mkdirs(tc, parentChain(chain), ns.allocINodeID, perm, true, ns.nowMillis())
		if err != nil {
			return nil, nil, err
		}
	} else if err := ns.checkFsObjectLimit(src, 1); err != nil {
		return nil, nil, err
	}

	parent := chain.Parent()
	perm := namespace.Permission{User: caller, Group: parent.Permission.Group, Mode: opts.Mode & 07777}
	file := namespace.NewFileUnderConstruction(ns.allocINodeID(), chain.Components[last], perm,
		opts.Replication, opts.BlockSize, opts.Holder, opts.ClientMachine, "", ns.nowMillis())
	if err := ns.dir.AddChild(tc, chain, last, file, true); err != nil {
		return nil, nil, err
	}
	if _, err := ns.leases.AddLease(tc, opts.Holder, src); err != nil {
		return nil, nil, err
	}
	ns.inodesAdded(tc, int64(created+1))

	logger.Debug("DIR* create %s for %s on %s (replication %d, block size %d)",
		src, opts.Holder, opts.ClientMachine, opts.Replication, opts.BlockSize)
	return chain, nil, nil
}

// prepareAppend converts the file at the end of chain back to under
// construction and reopens its last block if it is partial.
func (ns *Namesystem) prepareAppend(tc *tx.Context, chain *resolver.Chain, src string, opts CreateOptions) (*namespace.LocatedBlock, error) {
	file := chain.Last()
	if !file.IsFile() {
		return nil, namespace.NewError(namespace.ErrNotFound, src, "cannot append: path is not a file")
	}

	uc := file.Clone()
	uc.Type = namespace.TypeFileUnderConstruction
	uc.File.ClientName = opts.Holder
	uc.File.ClientMachine = opts.ClientMachine
	uc.File.ClientNode = ""
	if err := ns.dir.ReplaceChild(tc, chain, chain.Len()-1, uc); err != nil {
		return nil, err
	}

	b, delta, err := ns.ledger.ConvertLastBlockToUnderConstruction(tc, uc)
	if err != nil {
		return nil, err
	}
	if err := ns.dir.UpdateSpaceConsumed(tc, chain, 0, delta); err != nil {
		return nil, err
	}
	if _, err := ns.leases.AddLease(tc, opts.Holder, src); err != nil {
		return nil, err
	}
	logger.Debug("DIR* append %s for %s (last block reopened: %v)", src, opts.Holder, b != nil)

	if b == nil {
		return nil, nil
	}
	return ns.locatedBlock(tc, uc, b)
}

// locatedBlock locates b, a block of file.
func (ns *Namesystem) locatedBlock(tc *tx.Context, file *namespace.INode, b *namespace.Block) (*namespace.LocatedBlock, error) {
	bs, err := ns.ledger.Blocks(tc, file)
	if err != nil {
		return nil, err
	}
	var offset int64
	for _, x := range bs {
		if x.ID == b.ID {
			break
		}
		offset += x.NumBytes
	}
	locs, err := ns.ledger.Locations(tc, b)
	if err != nil {
		return nil, err
	}
	return &namespace.LocatedBlock{Block: extended(b), Offset: offset, Locations: locs}, nil
}

// ============================================================================
// Writing blocks
// ============================================================================

// checkLease verifies that holder holds the lease of the file at src and
// returns its chain.
func (ns *Namesystem) checkLease(tc *tx.Context, src, holder string) (*resolver.Chain, error) {
	chain, err := resolveFor(tc, src, true)
	if err != nil {
		return nil, err
	}
	file := chain.Last()
	if file == nil {
		return nil, namespace.NewError(namespace.ErrLeaseExpired, src, "no lease for %s: file does not exist", holder)
	}
	if !file.IsUnderConstruction() {
		return nil, namespace.NewError(namespace.ErrLeaseExpired, src, "no lease for %s: file is not open for writing", holder)
	}
	if file.File.ClientName != holder {
		return nil, namespace.NewError(namespace.ErrLeaseMismatch, src,
			"lease mismatch: owned by %s but accessed by %s", file.File.ClientName, holder)
	}
	l, err := ns.leases.GetLease(tc, holder)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, namespace.NewError(namespace.ErrLeaseExpired, src, "no lease for %s", holder)
	}
	return chain, nil
}

// GetAdditionalBlock commits previous (the block the client just finished)
// and allocates the next block of src on targets chosen by the placement
// policy.
//
// A retry of a call that already succeeded returns the same block.
//
// Errors: ErrLeaseExpired/ErrLeaseMismatch, ErrNotReplicatedYet when the
// block before previous is not complete yet, quota errors, ErrIO when not
// enough datanodes are available.
func (ns *Namesystem) GetAdditionalBlock(auth *namespace.AuthContext, src, holder string, previous *namespace.ExtendedBlock, excluded []string) (lb *namespace.LocatedBlock, err error) {
	defer ns.track(auth, "addBlock", src, "")(&err)

	err = ns.run(auth.Ctx(), "addBlock", writerScope(src, holder), func(tc *tx.Context) error {
		lb = nil
		if err := ns.checkSafeMode("add block to", src); err != nil {
			return err
		}
		chain, err := ns.checkLease(tc, src, holder)
		if err != nil {
			return err
		}
		file := chain.Last()

		bs, err := ns.ledger.Blocks(tc, file)
		if err != nil {
			return err
		}
		if n := len(bs); previous != nil && n >= 2 && bs[n-2].ID == previous.BlockID &&
			bs[n-1].IsUnderConstruction() && bs[n-1].NumBytes == 0 {
			logger.Info("BLOCK* allocateBlock: retried request for %s, returning block %d", src, bs[n-1].ID)
			lb, err = ns.locatedBlock(tc, file, bs[n-1])
			return err
		}
		if n := len(bs); previous == nil && n > 0 && !bs[n-1].IsComplete() {
			return namespace.NewError(namespace.ErrInvalidArgument, src,
				"previous block is not given but last block %d is %s", bs[n-1].ID, bs[n-1].State)
		}

		if err := ns.checkFsObjectLimit(src, 1); err != nil {
			return err
		}

		delta, err := ns.ledger.CommitOrCompleteLastBlock(tc, file, previous)
		if err != nil {
			return err
		}
		if err := ns.dir.UpdateCount(tc, chain, chain.Len()-1, 0, delta, false); err != nil {
			return err
		}

		if pen, err := ns.ledger.PenultimateBlock(tc, file); err != nil {
			return err
		} else if pen != nil && !pen.IsComplete() {
			return namespace.NewError(namespace.ErrNotReplicatedYet, src, "block %d is not replicated yet", pen.ID)
		}

		space := file.File.PreferredBlockSize * int64(file.File.Replication)
		if err := ns.dir.UpdateCount(tc, chain, chain.Len()-1, 0, space, true); err != nil {
			return err
		}

		targets := ns.policy.ChooseTargets(src, int(file.File.Replication), excluded, file.File.PreferredBlockSize)
		if len(targets) < ns.ledger.MinReplication() {
			return namespace.NewError(namespace.ErrIO, src,
				"could only be replicated to %d nodes instead of minReplication (=%d)", len(targets), ns.ledger.MinReplication())
		}

		b, err := ns.ledger.AllocateBlock(tc, file, targets)
		if err != nil {
			return err
		}
		lb, err = ns.locatedBlock(tc, file, b)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lb, nil
}

// AbandonBlock drops the last block of src, which the client failed to
// write.
func (ns *Namesystem) AbandonBlock(auth *namespace.AuthContext, src, holder string, b namespace.ExtendedBlock) (err error) {
	defer ns.track(auth, "abandonBlock", src, "")(&err)

	return ns.run(auth.Ctx(), "abandonBlock", writerScope(src, holder), func(tc *tx.Context) error {
		if err := ns.checkSafeMode("abandon block", src); err != nil {
			return err
		}
		chain, err := ns.checkLease(tc, src, holder)
		if err != nil {
			return err
		}
		file := chain.Last()

		removed, err := ns.ledger.RemoveLastBlock(tc, file, b.BlockID)
		if err != nil {
			return err
		}
		space := tree.BlocksDiskspace(file, []*namespace.Block{removed})
		if err := ns.dir.UpdateCount(tc, chain, chain.Len()-1, 0, -space, false); err != nil {
			return err
		}
		logger.Debug("BLOCK* abandonBlock: block %d of %s abandoned by %s", b.BlockID, src, holder)
		return nil
	})
}

// Complete commits last and closes src once every block is complete.
// Returns false while blocks still wait for their minimum replication; the
// caller retries later.
func (ns *Namesystem) Complete(auth *namespace.AuthContext, src, holder string, last *namespace.ExtendedBlock) (closed bool, err error) {
	defer ns.track(auth, "complete", src, "")(&err)

	err = ns.run(auth.Ctx(), "complete", writerScope(src, holder), func(tc *tx.Context) error {
		closed = false
		if err := ns.checkSafeMode("complete", src); err != nil {
			return err
		}
		chain, err := ns.checkLease(tc, src, holder)
		if err != nil {
			return err
		}
		file := chain.Last()

		delta, err := ns.ledger.CommitOrCompleteLastBlock(tc, file, last)
		if err != nil {
			return err
		}
		if err := ns.dir.UpdateCount(tc, chain, chain.Len()-1, 0, delta, false); err != nil {
			return err
		}

		done, err := ns.ledger.CompleteBlocks(tc, file)
		if err != nil {
			return err
		}
		if !done {
			logger.Info("DIR* completeFile: %s is not minimally replicated yet", src)
			return nil
		}
		if err := ns.finalizeFile(tc, chain, holder, src); err != nil {
			return err
		}
		closed = true
		return nil
	})
	return closed, err
}

// Fsync persists the length of the last block as known by the client.
func (ns *Namesystem) Fsync(auth *namespace.AuthContext, src, holder string, lastBlockLength int64) (err error) {
	defer ns.track(auth, "fsync", src, "")(&err)

	return ns.run(auth.Ctx(), "fsync", writerScope(src, holder), func(tc *tx.Context) error {
		if err := ns.checkSafeMode("fsync", src); err != nil {
			return err
		}
		chain, err := ns.checkLease(tc, src, holder)
		if err != nil {
			return err
		}
		if lastBlockLength <= 0 {
			return nil
		}
		return ns.ledger.UpdateLastBlockLength(tc, chain.Last(), lastBlockLength)
	})
}

// finalizeFile closes the under-construction file at the end of chain and
// releases holder's lease on it.
func (ns *Namesystem) finalizeFile(tc *tx.Context, chain *resolver.Chain, holder, src string) error {
	if err := ns.leases.RemoveLease(tc, holder, src); err != nil {
		return err
	}

	done := chain.Last().Clone()
	done.Type = namespace.TypeFile
	done.File.ClientName = ""
	done.File.ClientMachine = ""
	done.File.ClientNode = ""
	done.ModificationTime = ns.nowMillis()
	if err := ns.dir.ReplaceChild(tc, chain, chain.Len()-1, done); err != nil {
		return err
	}
	logger.Debug("DIR* completeFile: %s is closed by %s", src, holder)
	return nil
}
