package namenode

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittons/pkg/namenode/lease"
	"github.com/marmos91/dittons/pkg/namenode/resolver"
	"github.com/marmos91/dittons/pkg/namenode/safemode"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
	"github.com/marmos91/dittons/pkg/store"
	"github.com/marmos91/dittons/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 1024

var superuser = &namespace.AuthContext{User: DefaultSuperuser}

// ============================================================================
// Test environment
// ============================================================================

type testEnv struct {
	t     *testing.T
	store store.Store
	ns    *Namesystem

	mu  sync.Mutex
	now time.Time
}

func testConfig() Config {
	return Config{
		Locking:      "fine",
		MinBlockSize: 1,
		SafeMode:     safemode.Config{Threshold: 0.999},
		Lease:        lease.Config{SoftLimit: time.Minute, HardLimit: time.Hour},
	}
}

func newEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	s := memory.NewMemoryStore(memory.MemoryStoreConfig{})
	t.Cleanup(func() { _ = s.Close() })
	return openEnv(t, s, mutate...)
}

func openEnv(t *testing.T, s store.Store, mutate ...func(*Config)) *testEnv {
	t.Helper()
	config := testConfig()
	for _, m := range mutate {
		m(&config)
	}

	ns, err := Open(context.Background(), s, config, nil)
	require.NoError(t, err)

	e := &testEnv{t: t, store: s, ns: ns, now: time.UnixMilli(1_700_000_000_000)}
	ns.SetClock(e.clock)
	return e
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

// datanodes registers n storages DS-1..DS-n.
func (e *testEnv) datanodes(n int) []namespace.DatanodeStorage {
	e.t.Helper()
	out := make([]namespace.DatanodeStorage, 0, n)
	for i := 1; i <= n; i++ {
		s, err := e.ns.RegisterStorage(context.Background(), namespace.DatanodeStorage{
			StorageID: fmt.Sprintf("DS-%d", i),
			Address:   fmt.Sprintf("10.0.0.%d:9866", i),
		})
		require.NoError(e.t, err)
		out = append(out, s)
	}
	return out
}

func (e *testEnv) mkdirs(path string) {
	e.t.Helper()
	require.NoError(e.t, e.ns.Mkdirs(superuser, path, 0755, true))
}

func (e *testEnv) create(path, holder string, replication int16) *namespace.FileStatus {
	e.t.Helper()
	st, err := e.ns.Create(superuser, path, CreateOptions{
		Mode:         0644,
		Holder:       holder,
		Flag:         namespace.CreateFlagCreate,
		CreateParent: true,
		Replication:  replication,
		BlockSize:    testBlockSize,
	})
	require.NoError(e.t, err)
	return st
}

func (e *testEnv) addBlock(path, holder string, previous *namespace.ExtendedBlock) *namespace.LocatedBlock {
	e.t.Helper()
	lb, err := e.ns.GetAdditionalBlock(superuser, path, holder, previous, nil)
	require.NoError(e.t, err)
	require.NotNil(e.t, lb)
	return lb
}

// report makes every location of lb report a finalized replica of length
// bytes. Returns the block as the client would commit it.
func (e *testEnv) report(lb *namespace.LocatedBlock, length int64) namespace.ExtendedBlock {
	e.t.Helper()
	eb := lb.Block
	eb.NumBytes = length
	for _, loc := range lb.Locations {
		accepted, err := e.ns.BlockReceived(context.Background(), loc.StorageID, []namespace.ExtendedBlock{eb})
		require.NoError(e.t, err)
		require.Equal(e.t, 1, accepted)
	}
	return eb
}

// writeFile creates path with replication 3 and one fully reported block
// per size, then closes it.
func (e *testEnv) writeFile(path, holder string, sizes ...int64) {
	e.t.Helper()
	e.create(path, holder, 3)
	var previous *namespace.ExtendedBlock
	for _, size := range sizes {
		lb := e.addBlock(path, holder, previous)
		eb := e.report(lb, size)
		previous = &eb
	}
	closed, err := e.ns.Complete(superuser, path, holder, previous)
	require.NoError(e.t, err)
	require.True(e.t, closed)
}

// view runs body in a read-only transaction.
func (e *testEnv) view(body func(tc *tx.Context)) {
	e.t.Helper()
	require.NoError(e.t, e.ns.runner.RunLocked(context.Background(), "test", false, func(tc *tx.Context) error {
		body(tc)
		return nil
	}))
}

func (e *testEnv) inode(path string) *namespace.INode {
	e.t.Helper()
	var n *namespace.INode
	e.view(func(tc *tx.Context) {
		chain, err := resolver.Resolve(tc, path, false)
		require.NoError(e.t, err)
		n = chain.Last()
	})
	return n
}

func (e *testEnv) blocks(path string) []*namespace.Block {
	e.t.Helper()
	var out []*namespace.Block
	e.view(func(tc *tx.Context) {
		chain, err := resolver.Resolve(tc, path, false)
		require.NoError(e.t, err)
		require.NotNil(e.t, chain.Last())
		out, err = tc.FileBlocks(chain.Last().ID)
		require.NoError(e.t, err)
	})
	return out
}

func (e *testEnv) leaseOf(path string) *namespace.Lease {
	e.t.Helper()
	var l *namespace.Lease
	e.view(func(tc *tx.Context) {
		var err error
		l, err = e.ns.leases.GetLeaseByPath(tc, path)
		require.NoError(e.t, err)
	})
	return l
}

// requireCountsConsistent fails when a maintained quota counter differs
// from a full recount.
func (e *testEnv) requireCountsConsistent() {
	e.t.Helper()
	repaired, err := e.ns.RecountQuotas(context.Background())
	require.NoError(e.t, err)
	require.Zero(e.t, repaired, "quota counters drifted")
}

// ============================================================================
// Open
// ============================================================================

func TestOpen_FormatsEmptyStore(t *testing.T) {
	e := newEnv(t)

	assert.NotEmpty(t, e.ns.NamespaceID())
	assert.False(t, e.ns.SafeMode().IsOn(), "empty namespace leaves startup safe mode at once")

	root := e.inode("/")
	require.NotNil(t, root)
	assert.True(t, root.IsRoot())
	assert.Equal(t, namespace.TypeDirectoryWithQuota, root.Type)
	assert.Equal(t, int64(1), root.Dir.NsCount)
	assert.Equal(t, DefaultSuperuser, root.Permission.User)
}

func TestOpen_ReloadsExistingNamespace(t *testing.T) {
	e := newEnv(t)
	e.datanodes(3)
	e.writeFile("/data/f", "client1", 100)
	e.create("/data/open", "client2", 3)
	id := e.ns.NamespaceID()
	stamp := e.ns.gs.Current()
	require.NoError(t, e.ns.Close(context.Background()))

	r := openEnv(t, e.store)

	assert.Equal(t, id, r.ns.NamespaceID())
	assert.Equal(t, stamp, r.ns.gs.Current())
	assert.Equal(t, int64(1), r.ns.ledger.Total())
	assert.Equal(t, int64(4), r.ns.inodes.Load())

	st, err := r.ns.GetFileInfo(superuser, "/data/f")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, int64(100), st.Length)

	l := r.leaseOf("/data/open")
	require.NotNil(t, l)
	assert.Equal(t, "client2", l.Holder)

	// the only complete block has persisted live replicas
	assert.False(t, r.ns.SafeMode().IsOn())
}

func TestOpen_IdAllocationContinues(t *testing.T) {
	e := newEnv(t)
	e.mkdirs("/a/b")
	before := e.inode("/a/b").ID

	r := openEnv(t, e.store)
	r.mkdirs("/c")
	assert.Greater(t, r.inode("/c").ID, before)
}

// ============================================================================
// Scenarios
// ============================================================================

func TestScenario_CreateWithImplicitParents(t *testing.T) {
	e := newEnv(t)

	st := e.create("/a/b/c.txt", "client1", 3)
	assert.Equal(t, "c.txt", st.Name)
	assert.Equal(t, "/a/b/c.txt", st.Path)
	assert.Equal(t, namespace.TypeFileUnderConstruction, st.Type)

	a, b := e.inode("/a"), e.inode("/a/b")
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.True(t, a.IsDirectory())
	assert.True(t, b.IsDirectory())
	assert.Equal(t, b.ID, e.inode("/a/b/c.txt").ParentID)

	// the root counts itself
	assert.Equal(t, int64(4), e.inode("/").Dir.NsCount)
	e.requireCountsConsistent()
}

func TestScenario_RenameDirectory(t *testing.T) {
	e := newEnv(t)
	e.mkdirs("/a/b/x")
	e.mkdirs("/a/b/y/z")

	ok, err := e.ns.Rename(superuser, "/a/b", "/a/c")
	require.NoError(t, err)
	assert.True(t, ok)

	listing, err := e.ns.GetListing(superuser, "/a", "", false)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "c", listing.Entries[0].Name)

	for _, p := range []string{"/a/c/x", "/a/c/y", "/a/c/y/z"} {
		st, err := e.ns.GetFileInfo(superuser, p)
		require.NoError(t, err)
		assert.NotNil(t, st, p)
	}
	st, err := e.ns.GetFileInfo(superuser, "/a/b")
	require.NoError(t, err)
	assert.Nil(t, st)
	e.requireCountsConsistent()
}

func TestScenario_DeleteNonEmptyWithoutRecursive(t *testing.T) {
	e := newEnv(t)
	e.mkdirs("/a/child")
	count := e.inode("/").Dir.NsCount

	_, err := e.ns.Delete(superuser, "/a", false)
	require.Error(t, err)
	assert.True(t, namespace.IsCode(err, namespace.ErrNotEmpty))

	assert.NotNil(t, e.inode("/a/child"))
	assert.Equal(t, count, e.inode("/").Dir.NsCount)
}

func TestScenario_ConcurrentCreateSingleWriter(t *testing.T) {
	e := newEnv(t)

	holders := []string{"client1", "client2", "client3", "client4"}
	errs := make([]error, len(holders))
	var wg sync.WaitGroup
	for i, h := range holders {
		wg.Add(1)
		go func(i int, h string) {
			defer wg.Done()
			_, errs[i] = e.ns.Create(superuser, "/f", CreateOptions{
				Holder: h, Flag: namespace.CreateFlagCreate, Replication: 3, BlockSize: testBlockSize,
			})
		}(i, h)
	}
	wg.Wait()

	winner := ""
	for i, err := range errs {
		if err == nil {
			require.Empty(t, winner, "two writers opened /f")
			winner = holders[i]
			continue
		}
		assert.True(t, namespace.IsCode(err, namespace.ErrAlreadyBeingCreated), "unexpected error: %v", err)
	}
	require.NotEmpty(t, winner)

	l := e.leaseOf("/f")
	require.NotNil(t, l)
	assert.Equal(t, winner, l.Holder)
	assert.Equal(t, winner, e.inode("/f").File.ClientName)

	// losers cannot write into the winner's file
	for _, h := range holders {
		if h == winner {
			continue
		}
		_, err := e.ns.GetAdditionalBlock(superuser, "/f", h, nil, nil)
		assert.True(t, namespace.IsCode(err, namespace.ErrLeaseMismatch), "unexpected error: %v", err)
	}
}

func TestScenario_CommitCompletesBlockFileStaysOpen(t *testing.T) {
	e := newEnv(t)
	e.datanodes(3)
	e.create("/f", "client1", 3)
	lb := e.addBlock("/f", "client1", nil)
	eb := e.report(lb, 512)

	err := e.ns.run(context.Background(), "commit", writerScope("/f", "client1"), func(tc *tx.Context) error {
		chain, err := e.ns.checkLease(tc, "/f", "client1")
		if err != nil {
			return err
		}
		_, err = e.ns.ledger.CommitOrCompleteLastBlock(tc, chain.Last(), &eb)
		return err
	})
	require.NoError(t, err)

	bs := e.blocks("/f")
	require.Len(t, bs, 1)
	assert.Equal(t, namespace.BlockComplete, bs[0].State)
	assert.Equal(t, int64(512), bs[0].NumBytes)
	assert.True(t, e.inode("/f").IsUnderConstruction())

	closed, err := e.ns.Complete(superuser, "/f", "client1", &eb)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.False(t, e.inode("/f").IsUnderConstruction())
	assert.Nil(t, e.leaseOf("/f"))
}

func TestScenario_HardLimitTriggersBlockRecovery(t *testing.T) {
	e := newEnv(t)
	storages := e.datanodes(3)
	e.create("/f", "client1", 3)
	lb := e.addBlock("/f", "client1", nil)
	before := e.ns.gs.Current()

	e.advance(2 * time.Hour)
	stats, err := e.ns.leaseMonitor.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Leases)
	assert.Equal(t, 1, stats.Recovering)

	bs := e.blocks("/f")
	require.Len(t, bs, 1)
	b := bs[0]
	assert.Equal(t, namespace.BlockUnderRecovery, b.State)
	assert.Greater(t, b.RecoveryID, before)
	assert.Greater(t, e.ns.gs.Current(), before)

	l := e.leaseOf("/f")
	require.NotNil(t, l, "lease survives until the file is finalized")
	assert.Equal(t, namespace.RecoveryHolder, l.Holder)
	assert.Equal(t, namespace.RecoveryHolder, e.inode("/f").File.ClientName)
	assert.True(t, e.inode("/f").IsUnderConstruction())

	err = e.ns.CommitBlockSynchronization(nil, lb.Block, SyncOptions{
		NewGenerationStamp: b.RecoveryID,
		NewLength:          300,
		CloseFile:          true,
		NewTargets:         storages[:2],
	})
	require.NoError(t, err)

	assert.Nil(t, e.leaseOf("/f"))
	assert.False(t, e.inode("/f").IsUnderConstruction())
	bs = e.blocks("/f")
	assert.Equal(t, namespace.BlockComplete, bs[0].State)
	assert.Equal(t, b.RecoveryID, bs[0].GenerationStamp)
	assert.Equal(t, int64(300), bs[0].NumBytes)
	e.requireCountsConsistent()
}
