// Package sinktest provides a reusable test suite for checkpoint.Sink
// implementations.
package sinktest

import (
	"context"
	"testing"

	"github.com/marmos91/dittons/pkg/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SinkTestSuite tests the checkpoint.Sink contract, not implementation
// details, so it runs unchanged against the filesystem and S3 sinks.
//
// Usage:
//
//	func TestMySink(t *testing.T) {
//	    suite := &sinktest.SinkTestSuite{
//	        NewSink: func(t *testing.T) checkpoint.Sink {
//	            return mysink.New(t.TempDir())
//	        },
//	    }
//	    suite.Run(t)
//	}
type SinkTestSuite struct {
	// NewSink creates a fresh, empty sink for each test
	NewSink func(t *testing.T) checkpoint.Sink
}

// Run executes all tests in the suite.
func (suite *SinkTestSuite) Run(t *testing.T) {
	t.Run("PutGet", suite.testPutGet)
	t.Run("Overwrite", suite.testOverwrite)
	t.Run("List", suite.testList)
	t.Run("Delete", suite.testDelete)
	t.Run("Images", suite.testImages)
	t.Run("Prune", suite.testPrune)
}

func testContext() context.Context {
	return context.Background()
}

func (suite *SinkTestSuite) testPutGet(t *testing.T) {
	sink := suite.NewSink(t)
	ctx := testContext()

	require.NoError(t, sink.Put(ctx, "fsimage_1", []byte("hello")))
	data, err := sink.Get(ctx, "fsimage_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = sink.Get(ctx, "fsimage_missing")
	assert.Error(t, err)
}

func (suite *SinkTestSuite) testOverwrite(t *testing.T) {
	sink := suite.NewSink(t)
	ctx := testContext()

	require.NoError(t, sink.Put(ctx, "fsimage_1", []byte("first")))
	require.NoError(t, sink.Put(ctx, "fsimage_1", []byte("second")))

	data, err := sink.Get(ctx, "fsimage_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func (suite *SinkTestSuite) testList(t *testing.T) {
	sink := suite.NewSink(t)
	ctx := testContext()

	names, err := sink.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	for _, n := range []string{"fsimage_3", "fsimage_1", "fsimage_2"} {
		require.NoError(t, sink.Put(ctx, n, []byte(n)))
	}
	names, err = sink.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fsimage_1", "fsimage_2", "fsimage_3"}, names)
}

func (suite *SinkTestSuite) testDelete(t *testing.T) {
	sink := suite.NewSink(t)
	ctx := testContext()

	require.NoError(t, sink.Put(ctx, "fsimage_1", []byte("x")))
	require.NoError(t, sink.Delete(ctx, "fsimage_1"))
	require.NoError(t, sink.Delete(ctx, "fsimage_1"), "deleting a missing image is not an error")

	names, err := sink.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func (suite *SinkTestSuite) testImages(t *testing.T) {
	sink := suite.NewSink(t)
	ctx := testContext()

	_, err := checkpoint.Latest(ctx, sink)
	require.ErrorIs(t, err, checkpoint.ErrNoImage)

	require.NoError(t, sink.Put(ctx, checkpoint.Name(2000), []byte("b")))
	require.NoError(t, sink.Put(ctx, checkpoint.Name(1000), []byte("a")))
	require.NoError(t, sink.Put(ctx, "unrelated", []byte("z")))

	names, err := checkpoint.Images(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, []string{checkpoint.Name(1000), checkpoint.Name(2000)}, names)

	latest, err := checkpoint.Latest(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Name(2000), latest)
}

func (suite *SinkTestSuite) testPrune(t *testing.T) {
	sink := suite.NewSink(t)
	ctx := testContext()

	for _, ts := range []int64{1000, 2000, 3000, 4000} {
		require.NoError(t, sink.Put(ctx, checkpoint.Name(ts), []byte("x")))
	}

	deleted, err := checkpoint.Prune(ctx, sink, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	names, err := checkpoint.Images(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, []string{checkpoint.Name(3000), checkpoint.Name(4000)}, names)

	deleted, err = checkpoint.Prune(ctx, sink, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted, "retain 0 keeps everything")
}
