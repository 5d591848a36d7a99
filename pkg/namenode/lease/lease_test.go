package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
	"github.com/marmos91/dittons/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t      *testing.T
	runner *tx.Runner
	m      *Manager
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.NewMemoryStore(memory.MemoryStoreConfig{})
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		t:      t,
		runner: tx.NewRunner(s, lock.NewGlobalManager(), tx.RunnerConfig{}),
		m:      NewManager(Config{SoftLimit: time.Minute, HardLimit: time.Hour}),
		now:    time.Unix(1_700_000_000, 0),
	}
	f.m.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) run(body func(tc *tx.Context) error) error {
	return f.runner.Run(context.Background(), "test", lock.NewScope().AllLeases(lock.Write), body)
}

func (f *fixture) mustRun(body func(tc *tx.Context) error) {
	f.t.Helper()
	require.NoError(f.t, f.run(body))
}

func TestAddLease_PathHasSingleHolder(t *testing.T) {
	f := newFixture(t)

	f.mustRun(func(tc *tx.Context) error {
		_, err := f.m.AddLease(tc, "client1", "/f")
		return err
	})

	err := f.run(func(tc *tx.Context) error {
		_, err := f.m.AddLease(tc, "client2", "/f")
		return err
	})
	assert.True(t, namespace.IsCode(err, namespace.ErrAlreadyBeingCreated))

	f.mustRun(func(tc *tx.Context) error {
		l, err := f.m.GetLeaseByPath(tc, "/f")
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.Equal(t, "client1", l.Holder)

		missing, err := f.m.GetLease(tc, "client2")
		require.NoError(t, err)
		assert.Nil(t, missing)

		// Re-adding for the same holder renews.
		again, err := f.m.AddLease(tc, "client1", "/f")
		require.NoError(t, err)
		assert.Equal(t, l.HolderID, again.HolderID)
		return nil
	})
}

func TestRemoveLease_DeletesEmptyLease(t *testing.T) {
	f := newFixture(t)

	f.mustRun(func(tc *tx.Context) error {
		for _, p := range []string{"/a", "/b"} {
			if _, err := f.m.AddLease(tc, "c", p); err != nil {
				return err
			}
		}
		return nil
	})

	f.mustRun(func(tc *tx.Context) error {
		require.NoError(t, f.m.RemoveLease(tc, "c", "/a"))
		l, err := f.m.GetLease(tc, "c")
		require.NoError(t, err)
		require.NotNil(t, l)
		paths, err := f.m.Paths(tc, l)
		require.NoError(t, err)
		assert.Equal(t, []string{"/b"}, paths)

		require.NoError(t, f.m.RemoveLeaseByPath(tc, "/b"))
		l, err = f.m.GetLease(tc, "c")
		require.NoError(t, err)
		assert.Nil(t, l)

		// Unknown holders are tolerated.
		return f.m.RemoveLease(tc, "ghost", "/x")
	})
}

func TestReassignLease(t *testing.T) {
	f := newFixture(t)

	f.mustRun(func(tc *tx.Context) error {
		l, err := f.m.AddLease(tc, "client1", "/f")
		require.NoError(t, err)

		nl, err := f.m.ReassignLease(tc, l, "/f", namespace.RecoveryHolder)
		require.NoError(t, err)
		assert.Equal(t, namespace.RecoveryHolder, nl.Holder)

		old, err := f.m.GetLease(tc, "client1")
		require.NoError(t, err)
		assert.Nil(t, old)

		holder, err := f.m.GetLeaseByPath(tc, "/f")
		require.NoError(t, err)
		assert.Equal(t, namespace.RecoveryHolder, holder.Holder)
		return nil
	})
}

func TestReassignLease_SameHolder(t *testing.T) {
	f := newFixture(t)

	f.mustRun(func(tc *tx.Context) error {
		l, err := f.m.AddLease(tc, "client2", "/f")
		require.NoError(t, err)

		nl, err := f.m.ReassignLease(tc, l, "/f", "client2")
		require.NoError(t, err)
		assert.Equal(t, l.HolderID, nl.HolderID)

		holder, err := f.m.GetLeaseByPath(tc, "/f")
		require.NoError(t, err)
		require.NotNil(t, holder)
		assert.Equal(t, "client2", holder.Holder)
		return nil
	})
}

func TestChangeLeasePathsAndRemoveUnder(t *testing.T) {
	f := newFixture(t)

	f.mustRun(func(tc *tx.Context) error {
		for _, p := range []string{"/src/f1", "/src/d/f2", "/srcx/f3"} {
			if _, err := f.m.AddLease(tc, "c", p); err != nil {
				return err
			}
		}
		return nil
	})

	f.mustRun(func(tc *tx.Context) error {
		require.NoError(t, f.m.ChangeLeasePaths(tc, "/src", "/dst"))
		l, err := f.m.GetLease(tc, "c")
		require.NoError(t, err)
		paths, err := f.m.Paths(tc, l)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"/dst/f1", "/dst/d/f2", "/srcx/f3"}, paths)

		require.NoError(t, f.m.RemoveLeasesUnder(tc, "/dst"))
		paths, err = f.m.Paths(tc, l)
		require.NoError(t, err)
		assert.Equal(t, []string{"/srcx/f3"}, paths)

		leases, open, err := f.m.Count(tc)
		require.NoError(t, err)
		assert.Equal(t, 1, leases)
		assert.Equal(t, 1, open)
		return nil
	})
}

func TestExpiry(t *testing.T) {
	f := newFixture(t)

	f.mustRun(func(tc *tx.Context) error {
		_, err := f.m.AddLease(tc, "old", "/o")
		return err
	})
	f.now = f.now.Add(30 * time.Minute)
	f.mustRun(func(tc *tx.Context) error {
		_, err := f.m.AddLease(tc, "young", "/y")
		return err
	})
	f.now = f.now.Add(45 * time.Minute)

	f.mustRun(func(tc *tx.Context) error {
		old, err := f.m.GetLease(tc, "old")
		require.NoError(t, err)
		young, err := f.m.GetLease(tc, "young")
		require.NoError(t, err)

		assert.True(t, f.m.ExpiredSoftLimit(old))
		assert.True(t, f.m.ExpiredHardLimit(old))
		assert.True(t, f.m.ExpiredSoftLimit(young))
		assert.False(t, f.m.ExpiredHardLimit(young))

		expired, err := f.m.ExpiredHardLimitLeases(tc)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "old", expired[0].Holder)

		require.NoError(t, f.m.RenewLease(tc, "old"))
		require.NoError(t, f.m.RenewLease(tc, "ghost"))
		return nil
	})

	f.mustRun(func(tc *tx.Context) error {
		expired, err := f.m.ExpiredHardLimitLeases(tc)
		require.NoError(t, err)
		assert.Empty(t, expired)
		return nil
	})
}

func TestLoad_ContinuesHolderIDs(t *testing.T) {
	f := newFixture(t)
	f.mustRun(func(tc *tx.Context) error {
		_, err := f.m.AddLease(tc, "a", "/a")
		return err
	})

	fresh := NewManager(Config{})
	assert.Equal(t, DefaultSoftLimit, fresh.SoftLimit())
	assert.Equal(t, DefaultHardLimit, fresh.HardLimit())
	f.mustRun(func(tc *tx.Context) error {
		require.NoError(t, fresh.Load(tc))
		l, err := fresh.AddLease(tc, "b", "/b")
		require.NoError(t, err)
		assert.Equal(t, int64(2), l.HolderID)
		return nil
	})
}

// ============================================================================
// Monitor
// ============================================================================

type fakeReleaser struct {
	safeMode bool
	expired  []Expired
	closed   map[string]bool
	failing  map[string]bool
	released []string
}

func (r *fakeReleaser) InSafeMode() bool { return r.safeMode }

func (r *fakeReleaser) ExpiredLeases(context.Context) ([]Expired, error) {
	return r.expired, nil
}

func (r *fakeReleaser) ReleaseLease(_ context.Context, holder, path string) (bool, error) {
	r.released = append(r.released, holder+":"+path)
	if r.failing[path] {
		return false, errors.New("boom")
	}
	return r.closed[path], nil
}

func TestMonitor_ReleasesExpiredPaths(t *testing.T) {
	r := &fakeReleaser{
		expired: []Expired{
			{Holder: "c1", Paths: []string{"/done", "/partial"}},
			{Holder: "c2", Paths: []string{"/broken"}},
		},
		closed:  map[string]bool{"/done": true},
		failing: map[string]bool{"/broken": true},
	}
	m := NewMonitor(r, MonitorConfig{})

	stats, err := m.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Leases)
	assert.Equal(t, 3, stats.Paths)
	assert.Equal(t, 1, stats.Closed)
	assert.Equal(t, 1, stats.Recovering)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, []string{"c1:/done", "c1:/partial", "c2:/broken"}, r.released)
}

func TestMonitor_SkipsInSafeMode(t *testing.T) {
	r := &fakeReleaser{safeMode: true, expired: []Expired{{Holder: "c", Paths: []string{"/f"}}}}
	m := NewMonitor(r, MonitorConfig{})

	stats, err := m.RunNow(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.SkippedSafeMode)
	assert.Empty(t, r.released)
}

func TestMonitor_StartStop(t *testing.T) {
	m := NewMonitor(&fakeReleaser{}, MonitorConfig{Interval: 5 * time.Millisecond})
	m.Start()
	m.Start()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))

	unstarted := NewMonitor(&fakeReleaser{}, MonitorConfig{})
	assert.NoError(t, unstarted.Stop(ctx))
}
