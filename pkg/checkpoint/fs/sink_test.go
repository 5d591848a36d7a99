package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/dittons/pkg/checkpoint"
	"github.com/marmos91/dittons/pkg/checkpoint/sinktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink(t *testing.T) {
	suite := &sinktest.SinkTestSuite{
		NewSink: func(t *testing.T) checkpoint.Sink {
			s, err := New(Config{Path: t.TempDir(), Fsync: true})
			require.NoError(t, err)
			return s
		},
	}
	suite.Run(t)
}

func TestNew_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "images", "nested")

	_, err := New(Config{Path: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestSink_RejectsInvalidNames(t *testing.T) {
	s, err := New(Config{Path: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "../escape"} {
		assert.Error(t, s.Put(ctx, name, []byte("x")), "name %q", name)
		_, err := s.Get(ctx, name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestSink_ListSkipsTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Path: dir})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "fsimage_1", []byte("x")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fsimage_2"+tmpSuffix), []byte("partial"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0755))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fsimage_1"}, names)
}

func TestSink_CancelledContext(t *testing.T) {
	s, err := New(Config{Path: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Put(ctx, "fsimage_1", []byte("x")), context.Canceled)
	_, err = s.List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
