package resolver

import (
	"context"
	"testing"

	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
	"github.com/marmos91/dittons/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var perm = namespace.Permission{User: "alice", Group: "staff", Mode: 0755}

// newTree builds:
//
//	/
//	├── a/
//	│   ├── b/
//	│   └── f
//	└── ln -> /a/b
func newTree(t *testing.T) *tx.Context {
	t.Helper()
	s := memory.NewMemoryStore(memory.MemoryStoreConfig{})
	t.Cleanup(func() { _ = s.Close() })

	txn, err := s.Begin(context.Background(), true)
	require.NoError(t, err)
	tc := tx.NewContext(txn, true)

	require.NoError(t, tc.PutINode(namespace.NewRoot(perm, 1)))
	add := func(n *namespace.INode, parent int64) {
		n.ParentID = parent
		require.NoError(t, tc.PutINode(n))
		require.NoError(t, tc.LinkChild(n))
	}
	add(namespace.NewDirectory(2, "a", perm, 1), namespace.RootID)
	add(namespace.NewDirectory(3, "b", perm, 1), 2)
	add(namespace.NewFileUnderConstruction(4, "f", perm, 3, 1024, "c1", "m1", "", 1), 2)
	add(namespace.NewSymlink(5, "ln", "/a/b", perm, 1), namespace.RootID)
	return tc
}

func TestResolve_ExistingPath(t *testing.T) {
	tc := newTree(t)

	chain, err := Resolve(tc, "/a/b", false)
	require.NoError(t, err)
	require.Equal(t, 3, chain.Len())
	assert.True(t, chain.Exists())
	assert.Equal(t, int64(3), chain.Last().ID)
	assert.Equal(t, int64(2), chain.Parent().ID)
	assert.Equal(t, "/a/b", chain.FullPath())
}

func TestResolve_Root(t *testing.T) {
	tc := newTree(t)

	chain, err := Resolve(tc, "/", false)
	require.NoError(t, err)
	assert.Equal(t, 1, chain.Len())
	assert.True(t, chain.Last().IsRoot())
	assert.Nil(t, chain.Parent())
}

func TestResolve_MissingSuffixLeavesNilSlots(t *testing.T) {
	tc := newTree(t)

	chain, err := Resolve(tc, "/a/x/y", false)
	require.NoError(t, err)
	require.Equal(t, 4, chain.Len())
	assert.False(t, chain.Exists())
	assert.Equal(t, 2, chain.ExistingCount())
	assert.Nil(t, chain.Nodes[2])
	assert.Nil(t, chain.Nodes[3])
	assert.Equal(t, "/a/x", chain.Path(3))
}

func TestResolve_StopsAtFile(t *testing.T) {
	tc := newTree(t)

	chain, err := Resolve(tc, "/a/f/g", false)
	require.NoError(t, err)
	assert.Equal(t, 3, chain.ExistingCount())
	assert.True(t, chain.Nodes[2].IsFile())
	assert.Nil(t, chain.Last())
}

func TestResolve_Symlinks(t *testing.T) {
	tc := newTree(t)

	t.Run("TerminalNotFollowed", func(t *testing.T) {
		chain, err := Resolve(tc, "/ln", false)
		require.NoError(t, err)
		assert.True(t, chain.Last().IsSymlink())
	})

	t.Run("TerminalFollowed", func(t *testing.T) {
		chain, err := Resolve(tc, "/ln", true)
		var linkErr *namespace.UnresolvedLinkError
		require.ErrorAs(t, err, &linkErr)
		require.NotNil(t, chain)
		assert.Equal(t, "/ln", linkErr.Preceding)
		assert.Equal(t, "/a/b", linkErr.Target)
		assert.Equal(t, "", linkErr.Remainder)
		assert.Equal(t, "/a/b", linkErr.ExpandedPath())
	})

	t.Run("NonTerminal", func(t *testing.T) {
		_, err := Resolve(tc, "/ln/x/y", false)
		var linkErr *namespace.UnresolvedLinkError
		require.ErrorAs(t, err, &linkErr)
		assert.Equal(t, "x/y", linkErr.Remainder)
		assert.Equal(t, "/a/b/x/y", linkErr.ExpandedPath())
	})
}

func TestResolve_SimilarSiblingNames(t *testing.T) {
	tc := newTree(t)

	// siblings whose names share a prefix with "b" sort around it in the
	// child index
	names := map[string]int64{"b0": 10, "b.txt": 11, "ba": 12, "B": 13}
	for name, id := range names {
		n := namespace.NewDirectory(id, name, perm, 1)
		n.ParentID = 2
		require.NoError(t, tc.PutINode(n))
		require.NoError(t, tc.LinkChild(n))
	}
	names["b"] = 3

	for name, id := range names {
		chain, err := Resolve(tc, "/a/"+name, false)
		require.NoError(t, err, name)
		require.True(t, chain.Exists(), name)
		assert.Equal(t, id, chain.Last().ID, name)
	}

	chain, err := Resolve(tc, "/a/bb", false)
	require.NoError(t, err)
	assert.False(t, chain.Exists())
}

func TestResolve_InvalidPath(t *testing.T) {
	tc := newTree(t)

	for _, p := range []string{"relative", "/a/../b", "/a/b:c"} {
		_, err := Resolve(tc, p, false)
		assert.True(t, namespace.IsCode(err, namespace.ErrInvalidPath), p)
	}
}

func TestSearchChildren(t *testing.T) {
	children := []*namespace.INode{{Name: "b"}, {Name: "d"}, {Name: "f"}}

	tests := []struct {
		name  string
		pos   int
		found bool
	}{
		{"a", 0, false},
		{"b", 0, true},
		{"c", 1, false},
		{"f", 2, true},
		{"z", 3, false},
	}
	for _, tt := range tests {
		pos, found := SearchChildren(children, tt.name)
		assert.Equal(t, tt.pos, pos, tt.name)
		assert.Equal(t, tt.found, found, tt.name)
	}
}

func TestListFrom(t *testing.T) {
	tc := newTree(t)
	a, err := tc.INode(2)
	require.NoError(t, err)

	all, err := ListFrom(tc, a, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	after, err := ListFrom(tc, a, "b")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "f", after[0].Name)

	none, err := ListFrom(tc, a, "zzz")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPathOf(t *testing.T) {
	tc := newTree(t)
	b, err := tc.INode(3)
	require.NoError(t, err)

	p, err := PathOf(tc, b)
	require.NoError(t, err)
	assert.Equal(t, "/a/b", p)

	root, err := tc.INode(namespace.RootID)
	require.NoError(t, err)
	p, err = PathOf(tc, root)
	require.NoError(t, err)
	assert.Equal(t, "/", p)
}
