package blocks

import (
	"context"
	"fmt"
	"testing"

	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
	"github.com/marmos91/dittons/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	safe, total int
	increments  []int
	decrements  []int
}

func (o *recordingObserver) IncrementSafeBlockCount(r int) { o.increments = append(o.increments, r) }
func (o *recordingObserver) DecrementSafeBlockCount(r int) { o.decrements = append(o.decrements, r) }
func (o *recordingObserver) AdjustBlockTotals(ds, dt int) {
	o.safe += ds
	o.total += dt
}

type fixture struct {
	t      *testing.T
	runner *tx.Runner
	ledger *Ledger
	obs    *recordingObserver
	file   *namespace.INode
}

func newFixture(t *testing.T, minReplication int) *fixture {
	t.Helper()
	s := memory.NewMemoryStore(memory.MemoryStoreConfig{})
	t.Cleanup(func() { _ = s.Close() })

	l := NewLedger(Config{MinReplication: minReplication}, NewGenerationStamp(0))
	next := int64(100)
	l.newID = func() int64 { next++; return next }
	obs := &recordingObserver{}
	l.SetObserver(obs)

	f := &fixture{
		t:      t,
		runner: tx.NewRunner(s, lock.NewGlobalManager(), tx.RunnerConfig{}),
		ledger: l,
		obs:    obs,
		file:   namespace.NewFileUnderConstruction(7, "f", namespace.Permission{Mode: 0644}, 3, 64, "c", "m", "", 1),
	}
	f.run(func(tc *tx.Context) error { return tc.PutINode(f.file) })
	return f
}

func (f *fixture) run(body func(tc *tx.Context) error) {
	f.t.Helper()
	require.NoError(f.t, f.runner.Run(context.Background(), "test", lock.NewScope().Path("/", lock.Write), body))
}

func storages(n int) []namespace.DatanodeStorage {
	out := make([]namespace.DatanodeStorage, n)
	for i := range out {
		out[i] = namespace.DatanodeStorage{StorageID: fmt.Sprintf("DS-%d", i), Address: fmt.Sprintf("10.0.0.%d:9866", i)}
	}
	return out
}

func (f *fixture) allocate(targets int) *namespace.Block {
	var b *namespace.Block
	f.run(func(tc *tx.Context) error {
		var err error
		b, err = f.ledger.AllocateBlock(tc, f.file, storages(targets))
		return err
	})
	return b
}

func (f *fixture) report(storage namespace.DatanodeStorage, b namespace.ExtendedBlock) bool {
	var ok bool
	f.run(func(tc *tx.Context) error {
		var err error
		ok, err = f.ledger.AddStoredBlock(tc, storage, b)
		return err
	})
	return ok
}

func (f *fixture) assertDense(blockID int64) {
	f.t.Helper()
	f.run(func(tc *tx.Context) error {
		replicas, err := tc.Replicas(blockID)
		require.NoError(f.t, err)
		for i, r := range replicas {
			assert.Equal(f.t, i, r.Index)
			idx, ok, err := tc.ReplicaIndexOn(r.StorageID, blockID)
			require.NoError(f.t, err)
			assert.True(f.t, ok)
			assert.Equal(f.t, i, idx, "storage index of %s", r.StorageID)
		}
		return nil
	})
}

func TestAllocateBlock(t *testing.T) {
	f := newFixture(t, 1)

	b := f.allocate(3)
	assert.Equal(t, namespace.BlockUnderConstruction, b.State)
	assert.Equal(t, FirstGenerationStamp, b.GenerationStamp)
	assert.Equal(t, 0, b.Index)
	assert.Equal(t, int64(1), f.ledger.Total())

	b2 := f.allocate(2)
	assert.Equal(t, 1, b2.Index)
	assert.NotEqual(t, b.ID, b2.ID)

	f.run(func(tc *tx.Context) error {
		replicas, err := f.ledger.Replicas(tc, b.ID)
		require.NoError(t, err)
		assert.Len(t, replicas, 3)
		last, err := f.ledger.LastBlock(tc, f.file)
		require.NoError(t, err)
		assert.Equal(t, b2.ID, last.ID)
		pen, err := f.ledger.PenultimateBlock(tc, f.file)
		require.NoError(t, err)
		assert.Equal(t, b.ID, pen.ID)
		return nil
	})
}

func TestAllocateBlock_RequiresUnderConstruction(t *testing.T) {
	f := newFixture(t, 1)
	f.file.Type = namespace.TypeFile

	err := f.runner.Run(context.Background(), "test", lock.NewScope().Path("/", lock.Write), func(tc *tx.Context) error {
		_, err := f.ledger.AllocateBlock(tc, f.file, storages(1))
		return err
	})
	assert.True(t, namespace.IsCode(err, namespace.ErrLeaseExpired))
}

func TestAllocateBlock_RedrawsCollidingIDs(t *testing.T) {
	f := newFixture(t, 1)
	first := f.allocate(1)

	draws := []int64{first.ID, first.ID, 555}
	f.ledger.newID = func() int64 {
		id := draws[0]
		draws = draws[1:]
		return id
	}
	b := f.allocate(1)
	assert.Equal(t, int64(555), b.ID)
}

func TestCommitOrCompleteLastBlock(t *testing.T) {
	f := newFixture(t, 2)
	b := f.allocate(3)
	targets := storages(3)

	// One finalized replica is below min replication: commit only.
	require.True(t, f.report(targets[0], namespace.ExtendedBlock{BlockID: b.ID, GenerationStamp: b.GenerationStamp}))

	commit := &namespace.ExtendedBlock{BlockID: b.ID, GenerationStamp: b.GenerationStamp, NumBytes: 40}
	f.run(func(tc *tx.Context) error {
		delta, err := f.ledger.CommitOrCompleteLastBlock(tc, f.file, commit)
		require.NoError(t, err)
		assert.Equal(t, int64((40-64)*3), delta)
		stored, err := tc.Block(b.ID)
		require.NoError(t, err)
		assert.Equal(t, namespace.BlockCommitted, stored.State)
		assert.Equal(t, int64(40), stored.NumBytes)
		return nil
	})

	// The second replica report completes the committed block.
	require.True(t, f.report(targets[1], namespace.ExtendedBlock{BlockID: b.ID, GenerationStamp: b.GenerationStamp, NumBytes: 40}))
	f.run(func(tc *tx.Context) error {
		stored, err := tc.Block(b.ID)
		require.NoError(t, err)
		assert.Equal(t, namespace.BlockComplete, stored.State)
		return nil
	})
	assert.Equal(t, 1, f.obs.total)
	assert.Equal(t, []int{2}, f.obs.increments)

	// Committing a COMPLETE block again is a no-op.
	f.run(func(tc *tx.Context) error {
		delta, err := f.ledger.CommitOrCompleteLastBlock(tc, f.file, commit)
		require.NoError(t, err)
		assert.Zero(t, delta)
		delta, err = f.ledger.CommitOrCompleteLastBlock(tc, f.file, commit)
		require.NoError(t, err)
		assert.Zero(t, delta)
		stored, err := tc.Block(b.ID)
		require.NoError(t, err)
		assert.Equal(t, namespace.BlockComplete, stored.State)
		assert.Equal(t, int64(40), stored.NumBytes)
		return nil
	})
	assert.Equal(t, 1, f.obs.total)
}

func TestCommitOrCompleteLastBlock_CompletesWhenReplicated(t *testing.T) {
	f := newFixture(t, 1)
	b := f.allocate(1)
	require.True(t, f.report(storages(1)[0], namespace.ExtendedBlock{BlockID: b.ID, GenerationStamp: b.GenerationStamp}))

	f.run(func(tc *tx.Context) error {
		_, err := f.ledger.CommitOrCompleteLastBlock(tc, f.file, &namespace.ExtendedBlock{BlockID: b.ID, GenerationStamp: b.GenerationStamp, NumBytes: 64})
		require.NoError(t, err)
		done, err := f.ledger.CompleteBlocks(tc, f.file)
		require.NoError(t, err)
		assert.True(t, done)
		return nil
	})
}

func TestCommitOrCompleteLastBlock_RejectsMismatch(t *testing.T) {
	f := newFixture(t, 1)
	b := f.allocate(1)

	err := f.runner.Run(context.Background(), "test", lock.NewScope().Path("/", lock.Write), func(tc *tx.Context) error {
		_, err := f.ledger.CommitOrCompleteLastBlock(tc, f.file, &namespace.ExtendedBlock{BlockID: b.ID + 1})
		return err
	})
	assert.True(t, namespace.IsCode(err, namespace.ErrInvalidArgument))
}

func TestRemoveReplica_KeepsIndicesDense(t *testing.T) {
	f := newFixture(t, 1)
	b := f.allocate(5)
	targets := storages(5)

	for _, victim := range []string{"DS-1", "DS-4", "DS-0"} {
		f.run(func(tc *tx.Context) error {
			ok, err := f.ledger.RemoveReplica(tc, b.ID, victim)
			require.NoError(t, err)
			assert.True(t, ok)
			return nil
		})
		f.assertDense(b.ID)
	}

	f.run(func(tc *tx.Context) error {
		replicas, err := tc.Replicas(b.ID)
		require.NoError(t, err)
		require.Len(t, replicas, 2)
		assert.Equal(t, "DS-2", replicas[0].StorageID)
		assert.Equal(t, "DS-3", replicas[1].StorageID)

		ok, err := f.ledger.RemoveReplica(tc, b.ID, "DS-1")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})

	// Re-adding takes the next dense index.
	require.True(t, f.report(targets[4], namespace.ExtendedBlock{BlockID: b.ID, GenerationStamp: b.GenerationStamp}))
	f.assertDense(b.ID)
}

func TestFindDatanodeIndex_UpdatesAddress(t *testing.T) {
	f := newFixture(t, 1)
	b := f.allocate(3)

	f.run(func(tc *tx.Context) error {
		moved := namespace.DatanodeStorage{StorageID: "DS-1", Address: "10.9.9.9:9866"}
		idx, err := f.ledger.FindDatanodeIndex(tc, moved, b.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, idx)

		replicas, err := tc.Replicas(b.ID)
		require.NoError(t, err)
		assert.Equal(t, "10.9.9.9:9866", replicas[1].Address)

		idx, err = f.ledger.FindDatanodeIndex(tc, namespace.DatanodeStorage{StorageID: "DS-9"}, b.ID)
		require.NoError(t, err)
		assert.Equal(t, -1, idx)
		return nil
	})
	f.assertDense(b.ID)
}

func TestAddStoredBlock_UnknownBlockIsInvalidated(t *testing.T) {
	f := newFixture(t, 1)
	s := storages(1)[0]

	assert.False(t, f.report(s, namespace.ExtendedBlock{BlockID: 4242, GenerationStamp: 1}))
	f.run(func(tc *tx.Context) error {
		inv, err := tc.Invalidated(s.StorageID, 0)
		require.NoError(t, err)
		require.Len(t, inv, 1)
		assert.Equal(t, int64(4242), inv[0].BlockID)
		return nil
	})
}

func TestInitializeBlockRecovery(t *testing.T) {
	f := newFixture(t, 1)
	b := f.allocate(2)

	f.run(func(tc *tx.Context) error {
		stored, err := tc.Block(b.ID)
		require.NoError(t, err)
		gs, err := f.ledger.GenerationStamp().Next(tc)
		require.NoError(t, err)
		require.NoError(t, f.ledger.InitializeBlockRecovery(tc, stored, gs))
		assert.Equal(t, namespace.BlockUnderRecovery, stored.State)
		assert.Equal(t, gs, stored.RecoveryID)
		assert.Equal(t, 0, stored.PrimaryReplicaIndex)

		require.NoError(t, f.ledger.InitializeBlockRecovery(tc, stored, gs+1))
		assert.Equal(t, 1, stored.PrimaryReplicaIndex)

		persisted, err := tc.MetaInt64(MetaGenerationStamp)
		require.NoError(t, err)
		assert.Equal(t, gs, persisted)
		return nil
	})
	assert.Greater(t, f.ledger.GenerationStamp().Current(), FirstGenerationStamp)
}

func TestConvertLastBlockToUnderConstruction(t *testing.T) {
	f := newFixture(t, 1)
	b := f.allocate(1)
	require.True(t, f.report(storages(1)[0], namespace.ExtendedBlock{BlockID: b.ID, GenerationStamp: b.GenerationStamp}))
	f.run(func(tc *tx.Context) error {
		_, err := f.ledger.CommitOrCompleteLastBlock(tc, f.file, &namespace.ExtendedBlock{BlockID: b.ID, GenerationStamp: b.GenerationStamp, NumBytes: 10})
		return err
	})

	f.run(func(tc *tx.Context) error {
		reopened, delta, err := f.ledger.ConvertLastBlockToUnderConstruction(tc, f.file)
		require.NoError(t, err)
		require.NotNil(t, reopened)
		assert.Equal(t, namespace.BlockUnderConstruction, reopened.State)
		assert.Equal(t, int64((64-10)*3), delta)

		locs, err := f.ledger.Locations(tc, reopened)
		require.NoError(t, err)
		assert.Len(t, locs, 1)
		return nil
	})
	// The block left the complete set, taking its safe contribution along.
	assert.Equal(t, 0, f.obs.total)
	assert.Equal(t, -1, f.obs.safe)
	assert.Equal(t, []int{1}, f.obs.increments)
}

func TestRemoveBlock_QueuesInvalidations(t *testing.T) {
	f := newFixture(t, 1)
	b := f.allocate(2)

	f.run(func(tc *tx.Context) error {
		removed, err := f.ledger.RemoveLastBlock(tc, f.file, b.ID)
		require.NoError(t, err)
		assert.Equal(t, b.ID, removed.ID)
		return nil
	})
	assert.Equal(t, int64(0), f.ledger.Total())

	f.run(func(tc *tx.Context) error {
		gone, err := tc.Block(b.ID)
		require.NoError(t, err)
		assert.Nil(t, gone)
		ids, err := tc.FileBlockIDs(f.file.ID)
		require.NoError(t, err)
		assert.Empty(t, ids)
		for _, s := range storages(2) {
			inv, err := tc.Invalidated(s.StorageID, 0)
			require.NoError(t, err)
			assert.Len(t, inv, 1)
			onStorage, err := tc.BlocksOnStorage(s.StorageID)
			require.NoError(t, err)
			assert.Empty(t, onStorage)
		}
		return nil
	})
}

func TestGenerationStamp_Observe(t *testing.T) {
	g := NewGenerationStamp(5)
	assert.Equal(t, FirstGenerationStamp, g.Current())
	g.Observe(2000)
	g.Observe(1500)
	assert.Equal(t, int64(2000), g.Current())
}
