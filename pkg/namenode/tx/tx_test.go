package tx

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namespace"
	"github.com/marmos91/dittons/pkg/store"
	"github.com/marmos91/dittons/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first N commits with a transient error.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

type flakyTxn struct {
	store.Txn
	s *flakyStore
}

func (f *flakyStore) Begin(ctx context.Context, update bool) (store.Txn, error) {
	txn, err := f.Store.Begin(ctx, update)
	if err != nil {
		return nil, err
	}
	return &flakyTxn{Txn: txn, s: f}, nil
}

func (t *flakyTxn) Commit() error {
	if t.s.failures.Add(-1) >= 0 {
		t.Txn.Discard()
		return store.ErrConflict
	}
	return t.Txn.Commit()
}

func newRunner(s store.Store) *Runner {
	return NewRunner(s, lock.NewGlobalManager(), RunnerConfig{})
}

func TestRunner_RetriesTransientFailures(t *testing.T) {
	flaky := &flakyStore{Store: memory.NewMemoryStore(memory.MemoryStoreConfig{})}
	flaky.failures.Store(2)
	r := newRunner(flaky)

	attempts := 0
	hooks := 0
	err := r.Run(context.Background(), "mkdirs", lock.NewScope().Path("/a", lock.Write), func(tc *Context) error {
		attempts++
		tc.AfterCommit(func() { hooks++ })
		return tc.SetMetaInt64("gs", 1001)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, hooks)

	err = r.Run(context.Background(), "read", lock.NewScope().Path("/", lock.Read), func(tc *Context) error {
		v, err := tc.MetaInt64("gs")
		require.NoError(t, err)
		assert.Equal(t, int64(1001), v)
		return nil
	})
	require.NoError(t, err)
}

func TestRunner_ExhaustedRetriesSurfaceIOError(t *testing.T) {
	flaky := &flakyStore{Store: memory.NewMemoryStore(memory.MemoryStoreConfig{})}
	flaky.failures.Store(10)
	r := newRunner(flaky)

	attempts := 0
	err := r.Run(context.Background(), "create", lock.NewScope().Path("/f", lock.Write), func(tc *Context) error {
		attempts++
		return tc.SetMetaInt64("x", 1)
	})
	require.Error(t, err)
	assert.True(t, namespace.IsCode(err, namespace.ErrIO))
	assert.Equal(t, DefaultRetries, attempts)
}

func TestRunner_DomainErrorsAreNotRetried(t *testing.T) {
	r := newRunner(memory.NewMemoryStore(memory.MemoryStoreConfig{}))

	attempts := 0
	err := r.Run(context.Background(), "delete", lock.NewScope().Path("/d", lock.Write), func(tc *Context) error {
		attempts++
		require.NoError(t, tc.SetMetaInt64("leaked", 1))
		return namespace.NewError(namespace.ErrNotEmpty, "/d", "directory is not empty")
	})
	assert.True(t, namespace.IsCode(err, namespace.ErrNotEmpty))
	assert.Equal(t, 1, attempts)

	err = r.Run(context.Background(), "read", lock.NewScope(), func(tc *Context) error {
		v, err := tc.Meta("leaked")
		assert.Nil(t, v)
		return err
	})
	require.NoError(t, err)
}

func TestRunner_StorageErrorsBecomeIO(t *testing.T) {
	r := newRunner(memory.NewMemoryStore(memory.MemoryStoreConfig{}))
	err := r.Run(context.Background(), "op", lock.NewScope().Path("/", lock.Write), func(tc *Context) error {
		return fmt.Errorf("disk on fire")
	})
	assert.True(t, namespace.IsCode(err, namespace.ErrIO))
}

func TestContext_ChildrenOrderedByName(t *testing.T) {
	r := newRunner(memory.NewMemoryStore(memory.MemoryStoreConfig{}))
	perm := namespace.Permission{User: "u", Group: "g", Mode: 0755}

	err := r.Run(context.Background(), "setup", lock.NewScope().Path("/", lock.Write), func(tc *Context) error {
		root := namespace.NewRoot(perm, 1)
		if err := tc.PutINode(root); err != nil {
			return err
		}
		for i, name := range []string{"zeta", "alpha", "Mid", "beta"} {
			d := namespace.NewDirectory(int64(10+i), name, perm, 1)
			d.ParentID = root.ID
			if err := tc.PutINode(d); err != nil {
				return err
			}
			if err := tc.LinkChild(d); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = r.Run(context.Background(), "list", lock.NewScope().Path("/", lock.Read), func(tc *Context) error {
		children, err := tc.Children(namespace.RootID)
		require.NoError(t, err)
		var names []string
		for _, c := range children {
			names = append(names, c.Name)
		}
		assert.Equal(t, []string{"Mid", "alpha", "beta", "zeta"}, names)

		c, err := tc.Child(namespace.RootID, "beta")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, int64(13), c.ID)

		missing, err := tc.Child(namespace.RootID, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		// Same pointer for repeated loads within one context.
		again, err := tc.INode(13)
		require.NoError(t, err)
		assert.Same(t, c, again)
		return nil
	})
	require.NoError(t, err)
}

func TestContext_LeasePathsUnder(t *testing.T) {
	r := newRunner(memory.NewMemoryStore(memory.MemoryStoreConfig{}))

	err := r.Run(context.Background(), "leases", lock.NewScope().AllLeases(lock.Write), func(tc *Context) error {
		for _, p := range []string{"/a/f1", "/a/sub/f2", "/ab/f3"} {
			if err := tc.PutLeasePath(&namespace.LeasePath{Path: p, HolderID: 7}); err != nil {
				return err
			}
		}

		under, err := tc.LeasePathsUnder("/a")
		require.NoError(t, err)
		var paths []string
		for _, lp := range under {
			paths = append(paths, lp.Path)
		}
		assert.Equal(t, []string{"/a/f1", "/a/sub/f2"}, paths)

		owned, err := tc.LeasePathsOf(7)
		require.NoError(t, err)
		assert.Equal(t, []string{"/a/f1", "/a/sub/f2", "/ab/f3"}, owned)
		return nil
	})
	require.NoError(t, err)
}

func TestContext_PutRawRejectsUnknownPrefix(t *testing.T) {
	r := newRunner(memory.NewMemoryStore(memory.MemoryStoreConfig{}))
	err := r.Run(context.Background(), "import", lock.NewScope().Path("/", lock.Write), func(tc *Context) error {
		return tc.PutRaw([]byte("zz:1"), []byte("x"))
	})
	assert.True(t, namespace.IsCode(err, namespace.ErrIO))
}
