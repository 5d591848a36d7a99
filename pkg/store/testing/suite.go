// Package testing provides a backend-agnostic conformance suite for
// store.Store implementations.
//
// Usage:
//
//	func TestMemoryStore(t *testing.T) {
//	    suite := &storetesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) store.Store { return memory.NewMemoryStore(memory.MemoryStoreConfig{}) },
//	    }
//	    suite.Run(t)
//	}
package testing

import (
	"context"
	"fmt"
	"testing"

	"github.com/marmos91/dittons/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite runs the same behavioural tests against any backend.
type StoreTestSuite struct {
	// NewStore returns a fresh, empty store. The suite closes it.
	NewStore func(t *testing.T) store.Store
}

// Run executes every test in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("GetSetDelete", suite.testGetSetDelete)
	t.Run("ReadYourWrites", suite.testReadYourWrites)
	t.Run("Scan", suite.testScan)
	t.Run("NestedScan", suite.testNestedScan)
	t.Run("Discard", suite.testDiscard)
	t.Run("ReadOnly", suite.testReadOnly)
	t.Run("Conflict", suite.testConflict)
	t.Run("Healthcheck", suite.testHealthcheck)
}

func (suite *StoreTestSuite) open(t *testing.T) store.Store {
	s := suite.NewStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func put(t *testing.T, s store.Store, kvs ...string) {
	t.Helper()
	txn, err := s.Begin(context.Background(), true)
	require.NoError(t, err)
	for i := 0; i+1 < len(kvs); i += 2 {
		require.NoError(t, txn.Set([]byte(kvs[i]), []byte(kvs[i+1])))
	}
	require.NoError(t, txn.Commit())
}

func (suite *StoreTestSuite) testGetSetDelete(t *testing.T) {
	s := suite.open(t)
	ctx := context.Background()

	put(t, s, "a", "1")

	txn, err := s.Begin(ctx, true)
	require.NoError(t, err)
	v, err := txn.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	_, err = txn.Get([]byte("missing"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, txn.Delete([]byte("a")))
	require.NoError(t, txn.Delete([]byte("never-existed")))
	require.NoError(t, txn.Commit())

	txn, err = s.Begin(ctx, false)
	require.NoError(t, err)
	defer txn.Discard()
	_, err = txn.Get([]byte("a"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func (suite *StoreTestSuite) testReadYourWrites(t *testing.T) {
	s := suite.open(t)
	put(t, s, "p:1", "old", "p:2", "two")

	txn, err := s.Begin(context.Background(), true)
	require.NoError(t, err)
	defer txn.Discard()

	require.NoError(t, txn.Set([]byte("p:1"), []byte("new")))
	require.NoError(t, txn.Set([]byte("p:0"), []byte("zero")))
	require.NoError(t, txn.Delete([]byte("p:2")))

	v, err := txn.Get([]byte("p:1"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(v))

	var seen []string
	require.NoError(t, txn.Scan([]byte("p:"), func(k, v []byte) (bool, error) {
		seen = append(seen, string(k)+"="+string(v))
		return true, nil
	}))
	assert.Equal(t, []string{"p:0=zero", "p:1=new"}, seen)
}

func (suite *StoreTestSuite) testScan(t *testing.T) {
	s := suite.open(t)
	put(t, s, "c:1:b", "B", "c:1:a", "A", "c:10:x", "X", "c:2:z", "Z", "d:1", "D")

	txn, err := s.Begin(context.Background(), false)
	require.NoError(t, err)
	defer txn.Discard()

	t.Run("PrefixOrdered", func(t *testing.T) {
		var keys []string
		require.NoError(t, txn.Scan([]byte("c:1:"), func(k, _ []byte) (bool, error) {
			keys = append(keys, string(k))
			return true, nil
		}))
		assert.Equal(t, []string{"c:1:a", "c:1:b"}, keys)
	})

	t.Run("EarlyStop", func(t *testing.T) {
		count := 0
		require.NoError(t, txn.Scan([]byte("c:"), func(_, _ []byte) (bool, error) {
			count++
			return count < 2, nil
		}))
		assert.Equal(t, 2, count)
	})

	t.Run("CallbackError", func(t *testing.T) {
		boom := fmt.Errorf("boom")
		err := txn.Scan([]byte("c:"), func(_, _ []byte) (bool, error) {
			return false, boom
		})
		assert.ErrorIs(t, err, boom)
	})
}

func (suite *StoreTestSuite) testNestedScan(t *testing.T) {
	s := suite.open(t)
	put(t, s, "x:1", "a", "y:1", "b")

	txn, err := s.Begin(context.Background(), true)
	require.NoError(t, err)
	defer txn.Discard()

	inner := 0
	require.NoError(t, txn.Scan([]byte("x:"), func(_, _ []byte) (bool, error) {
		return true, txn.Scan([]byte("y:"), func(_, _ []byte) (bool, error) {
			inner++
			return true, nil
		})
	}))
	assert.Equal(t, 1, inner)
}

func (suite *StoreTestSuite) testDiscard(t *testing.T) {
	s := suite.open(t)

	txn, err := s.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("k"), []byte("v")))
	txn.Discard()
	txn.Discard()

	txn, err = s.Begin(context.Background(), false)
	require.NoError(t, err)
	defer txn.Discard()
	_, err = txn.Get([]byte("k"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func (suite *StoreTestSuite) testReadOnly(t *testing.T) {
	s := suite.open(t)

	txn, err := s.Begin(context.Background(), false)
	require.NoError(t, err)
	defer txn.Discard()
	assert.ErrorIs(t, txn.Set([]byte("k"), []byte("v")), store.ErrReadOnly)
}

func (suite *StoreTestSuite) testConflict(t *testing.T) {
	s := suite.open(t)
	ctx := context.Background()
	put(t, s, "counter", "0")

	first, err := s.Begin(ctx, true)
	require.NoError(t, err)
	second, err := s.Begin(ctx, true)
	require.NoError(t, err)

	_, err = first.Get([]byte("counter"))
	require.NoError(t, err)
	_, err = second.Get([]byte("counter"))
	require.NoError(t, err)

	require.NoError(t, first.Set([]byte("counter"), []byte("1")))
	require.NoError(t, second.Set([]byte("counter"), []byte("2")))

	require.NoError(t, first.Commit())
	err = second.Commit()
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.True(t, store.IsTransient(err))

	txn, err := s.Begin(ctx, false)
	require.NoError(t, err)
	defer txn.Discard()
	v, err := txn.Get([]byte("counter"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
}

func (suite *StoreTestSuite) testHealthcheck(t *testing.T) {
	s := suite.NewStore(t)
	require.NoError(t, s.Healthcheck(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Healthcheck(context.Background()))
}
