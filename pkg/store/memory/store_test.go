package memory

import (
	"context"
	"testing"

	"github.com/marmos91/dittons/pkg/store"
	storetesting "github.com/marmos91/dittons/pkg/store/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	suite := &storetesting.StoreTestSuite{
		NewStore: func(t *testing.T) store.Store {
			return NewMemoryStore(MemoryStoreConfig{})
		},
	}
	suite.Run(t)
}

func TestMemoryStore_PhantomConflict(t *testing.T) {
	s := NewMemoryStore(MemoryStoreConfig{})
	ctx := context.Background()

	scanner, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, scanner.Scan([]byte("c:1:"), func(_, _ []byte) (bool, error) {
		return true, nil
	}))
	require.NoError(t, scanner.Set([]byte("i:1"), []byte("empty dir removed")))

	inserter, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, inserter.Set([]byte("c:1:new"), []byte("2")))
	require.NoError(t, inserter.Commit())

	assert.ErrorIs(t, scanner.Commit(), store.ErrConflict)
}

func TestMemoryStore_MaxKeys(t *testing.T) {
	s := NewMemoryStore(MemoryStoreConfig{MaxKeys: 1})
	ctx := context.Background()

	txn, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("a"), []byte("1")))
	require.NoError(t, txn.Set([]byte("b"), []byte("2")))
	assert.ErrorIs(t, txn.Commit(), store.ErrTransient)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStore_TombstonesPruned(t *testing.T) {
	s := NewMemoryStore(MemoryStoreConfig{})
	ctx := context.Background()

	txn, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("a"), []byte("1")))
	require.NoError(t, txn.Commit())

	txn, err = s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, txn.Delete([]byte("a")))
	require.NoError(t, txn.Commit())

	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.keys)
}
