package namenode

import (
	"math"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/resolver"
	"github.com/marmos91/dittons/pkg/namenode/tree"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

func readScope(src string) lock.Scope {
	return lock.NewScope().Path(src, lock.Read).Blocks(lock.Read)
}

// GetFileInfo returns the status of src, following a terminal symlink.
// Returns nil when src does not exist.
func (ns *Namesystem) GetFileInfo(auth *namespace.AuthContext, src string) (*namespace.FileStatus, error) {
	return ns.getFileInfo(auth, "getFileInfo", src, true)
}

// GetFileLinkInfo is GetFileInfo without following a terminal symlink.
func (ns *Namesystem) GetFileLinkInfo(auth *namespace.AuthContext, src string) (*namespace.FileStatus, error) {
	return ns.getFileInfo(auth, "getFileLinkInfo", src, false)
}

func (ns *Namesystem) getFileInfo(auth *namespace.AuthContext, op, src string, resolveLink bool) (st *namespace.FileStatus, err error) {
	defer ns.track(auth, op, src, "")(&err)

	err = ns.read(auth.Ctx(), op, readScope(src), func(tc *tx.Context) error {
		st = nil
		chain, err := resolveFor(tc, src, resolveLink)
		if err != nil {
			return err
		}
		if err := ns.checkPermission(tc, auth, chain, accessCheck{}); err != nil {
			return err
		}
		if !chain.Exists() {
			return nil
		}
		st, err = ns.fileStatus(tc, chain.Last(), chain.FullPath())
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// GetListing lists the children of src whose names sort after startAfter,
// at most ListingLimit entries per page. A file lists as itself.
//
// With needLocation, file entries carry their block locations.
func (ns *Namesystem) GetListing(auth *namespace.AuthContext, src, startAfter string, needLocation bool) (listing *namespace.DirectoryListing, err error) {
	defer ns.track(auth, "listStatus", src, "")(&err)

	err = ns.read(auth.Ctx(), "listStatus", readScope(src), func(tc *tx.Context) error {
		listing = nil
		chain, err := resolveExisting(tc, src)
		if err != nil {
			return err
		}
		n := chain.Last()
		path := chain.FullPath()

		if !n.IsDirectory() {
			if err := ns.checkPermission(tc, auth, chain, accessCheck{}); err != nil {
				return err
			}
			st, err := ns.fileStatus(tc, n, path)
			if err != nil {
				return err
			}
			listing = &namespace.DirectoryListing{Entries: []namespace.FileStatus{*st}}
			return nil
		}
		check := accessCheck{target: namespace.AccessRead | namespace.AccessExecute}
		if err := ns.checkPermission(tc, auth, chain, check); err != nil {
			return err
		}

		children, err := resolver.ListFrom(tc, n, startAfter)
		if err != nil {
			return err
		}
		page := children[:min(len(children), ns.config.ListingLimit)]
		listing = &namespace.DirectoryListing{
			Entries:        make([]namespace.FileStatus, 0, len(page)),
			RemainingCount: len(children) - len(page),
		}
		for _, c := range page {
			st, err := ns.fileStatus(tc, c, namespace.Join(path, c.Name))
			if err != nil {
				return err
			}
			if needLocation && c.IsFile() {
				if st.Locations, err = ns.locatedBlocks(tc, c, 0, math.MaxInt64); err != nil {
					return err
				}
			}
			listing.Entries = append(listing.Entries, *st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// GetBlockLocations returns the blocks of src overlapping [offset,
// offset+length) with the storages serving them.
//
// The access time of the file is refreshed afterwards, in its own
// transaction, when it is older than AccessTimePrecision. A failed refresh
// is only logged.
func (ns *Namesystem) GetBlockLocations(auth *namespace.AuthContext, src string, offset, length int64) (lbs *namespace.LocatedBlocks, err error) {
	defer ns.track(auth, "open", src, "")(&err)

	if offset < 0 {
		return nil, namespace.NewError(namespace.ErrInvalidArgument, src, "negative offset %d", offset)
	}
	if length < 0 {
		return nil, namespace.NewError(namespace.ErrInvalidArgument, src, "negative length %d", length)
	}

	var atime int64
	err = ns.read(auth.Ctx(), "open", readScope(src), func(tc *tx.Context) error {
		lbs = nil
		chain, err := resolveExisting(tc, src)
		if err != nil {
			return err
		}
		file := chain.Last()
		if !file.IsFile() {
			return namespace.NewError(namespace.ErrIsDirectory, src, "path is not a file")
		}
		if err := ns.checkPermission(tc, auth, chain, accessCheck{target: namespace.AccessRead}); err != nil {
			return err
		}
		atime = file.AccessTime
		lbs, err = ns.locatedBlocks(tc, file, offset, length)
		return err
	})
	if err != nil {
		return nil, err
	}

	if ns.accessTimeStale(atime) {
		ns.touchAccessTime(auth, src)
	}
	return lbs, nil
}

func (ns *Namesystem) accessTimeStale(atime int64) bool {
	precision := ns.config.AccessTimePrecision.Milliseconds()
	if precision <= 0 || ns.safeMode.IsOn() {
		return false
	}
	return ns.nowMillis() > atime+precision
}

// touchAccessTime sets the access time of src to now.
func (ns *Namesystem) touchAccessTime(auth *namespace.AuthContext, src string) {
	err := ns.run(auth.Ctx(), "setAccessTime", lock.NewScope().Path(src, lock.Write), func(tc *tx.Context) error {
		if ns.safeMode.IsOn() {
			return nil
		}
		chain, err := resolveFor(tc, src, true)
		if err != nil || !chain.Exists() {
			return err
		}
		n := chain.Last()
		if !ns.accessTimeStale(n.AccessTime) {
			return nil
		}
		n.AccessTime = ns.nowMillis()
		return tc.PutINode(n)
	})
	if err != nil {
		logger.Warn("Cannot update access time of %s: %v", src, err)
	}
}

// locatedBlocks builds the located blocks of file overlapping [offset,
// offset+length).
func (ns *Namesystem) locatedBlocks(tc *tx.Context, file *namespace.INode, offset, length int64) (*namespace.LocatedBlocks, error) {
	bs, err := ns.ledger.Blocks(tc, file)
	if err != nil {
		return nil, err
	}
	out := &namespace.LocatedBlocks{
		FileLength:        tree.FileLength(bs),
		UnderConstruction: file.IsUnderConstruction(),
		Blocks:            []namespace.LocatedBlock{},
	}

	end := int64(math.MaxInt64)
	if length < math.MaxInt64-offset {
		end = offset + length
	}

	var pos int64
	for _, b := range bs {
		bend := pos + b.NumBytes
		overlaps := pos < end && (bend > offset || (b.NumBytes == 0 && pos >= offset))
		if overlaps {
			locs, err := ns.ledger.Locations(tc, b)
			if err != nil {
				return nil, err
			}
			out.Blocks = append(out.Blocks, namespace.LocatedBlock{Block: extended(b), Offset: pos, Locations: locs})
		}
		pos = bend
	}

	if n := len(bs); n > 0 {
		last := bs[n-1]
		locs, err := ns.ledger.Locations(tc, last)
		if err != nil {
			return nil, err
		}
		out.LastLocatedBlock = &namespace.LocatedBlock{
			Block:     extended(last),
			Offset:    out.FileLength - last.NumBytes,
			Locations: locs,
		}
		out.IsLastBlockComplete = last.IsComplete()
	}
	return out, nil
}

// GetContentSummary aggregates the subtree of src. Concurrent requests for
// the same path by the same user share one walk.
func (ns *Namesystem) GetContentSummary(auth *namespace.AuthContext, src string) (cs *namespace.ContentSummary, err error) {
	defer ns.track(auth, "contentSummary", src, "")(&err)

	key := ns.checker(auth).user + "\x00" + namespace.Clean(src)
	v, err, shared := ns.summaries.Do(key, func() (any, error) {
		var out *namespace.ContentSummary
		err := ns.read(auth.Ctx(), "contentSummary", readScope(src), func(tc *tx.Context) error {
			chain, err := resolveExisting(tc, src)
			if err != nil {
				return err
			}
			check := accessCheck{sub: namespace.AccessRead | namespace.AccessExecute}
			if err := ns.checkPermission(tc, auth, chain, check); err != nil {
				return err
			}
			out, err = ns.dir.ContentSummary(tc, chain.Last())
			return err
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug("Content summary of %s shared with a concurrent request", src)
	}
	summary := *v.(*namespace.ContentSummary)
	return &summary, nil
}
