package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_Normalize(t *testing.T) {
	scope := NewScope().
		Path("/a/b", Write).
		Path("/a/c", Read).
		Lease("client-1", Write).
		Blocks(Read)

	got := scope.normalize()

	want := []Resource{
		{Kind: KindPath, Key: "/", Mode: Read},
		{Kind: KindPath, Key: "/a", Mode: Read},
		{Kind: KindPath, Key: "/a/b", Mode: Write},
		{Kind: KindPath, Key: "/a/c", Mode: Read},
		{Kind: KindLease, Key: "", Mode: Read},
		{Kind: KindLease, Key: "client-1", Mode: Write},
		{Kind: KindBlocks, Key: "", Mode: Read},
	}
	assert.Equal(t, want, got)
	assert.True(t, scope.Writes())
	assert.False(t, NewScope().Path("/x", Read).Writes())
}

func TestScope_WriteWins(t *testing.T) {
	got := NewScope().Path("/a/b", Read).Path("/a", Write).normalize()
	require.Len(t, got, 3)
	assert.Equal(t, Resource{Kind: KindPath, Key: "/a", Mode: Write}, got[1])
}

func TestScope_Immutable(t *testing.T) {
	base := NewScope().Path("/a", Read)
	_ = base.Path("/b", Write)
	assert.Len(t, base.Resources(), 1)
}

func TestGlobalManager_WriterExcludesReaders(t *testing.T) {
	m := NewGlobalManager()
	ctx := context.Background()

	release, err := m.Acquire(ctx, NewScope().Path("/a", Write))
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := m.Acquire(ctx, NewScope().Path("/b", Read))
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired while writer held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("reader never acquired the lock")
	}
}

func TestFineManager_DisjointPathsRunConcurrently(t *testing.T) {
	m := NewFineManager()
	ctx := context.Background()

	releaseA, err := m.Acquire(ctx, NewScope().Path("/a/f", Write))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r, err := m.Acquire(ctx, NewScope().Path("/b/f", Write))
		if err == nil {
			r()
			close(done)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disjoint write scopes blocked each other")
	}
	releaseA()
	assert.Equal(t, 0, m.Held())
}

func TestFineManager_SubtreeExclusion(t *testing.T) {
	m := NewFineManager()
	ctx := context.Background()

	release, err := m.Acquire(ctx, NewScope().Path("/a", Write))
	require.NoError(t, err)

	var entered atomic.Bool
	done := make(chan struct{})
	go func() {
		r, err := m.Acquire(ctx, NewScope().Path("/a/deep/file", Read))
		if err == nil {
			entered.Store(true)
			r()
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, entered.Load())

	release()
	<-done
	assert.True(t, entered.Load())
}

func TestFineManager_NoDeadlockOnCrossedRenames(t *testing.T) {
	m := NewFineManager()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r, err := m.Acquire(ctx, NewScope().Path("/x/src", Write).Path("/y/dst", Write))
			if err == nil {
				r()
			}
		}()
		go func() {
			defer wg.Done()
			r, err := m.Acquire(ctx, NewScope().Path("/y/dst", Write).Path("/x/src", Write))
			if err == nil {
				r()
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("crossed scopes deadlocked")
	}
}

func TestManager_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, m := range []Manager{NewGlobalManager(), NewFineManager()} {
		_, err := m.Acquire(ctx, NewScope().Path("/", Read))
		assert.ErrorIs(t, err, context.Canceled, m.Name())
	}
}

func TestNewManager(t *testing.T) {
	assert.Equal(t, "fine", NewManager("fine").Name())
	assert.Equal(t, "global", NewManager("global").Name())
	assert.Equal(t, "global", NewManager("").Name())
}
