// Package lock declares and acquires the lock scope of namespace operations.
//
// Every operation builds a Scope naming the resources it will touch and the
// mode it needs on each, before resolving anything. A Manager then acquires
// the whole scope at once, in a canonical order, so two operations can never
// wait on each other in a cycle.
package lock

import (
	"sort"

	"github.com/marmos91/dittons/pkg/namespace"
)

// Mode is the access mode requested on a resource.
type Mode uint8

const (
	Read Mode = iota + 1
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// Kind is the resource family. Kinds are acquired in declaration order:
// paths first, then leases, then the block map.
type Kind uint8

const (
	KindPath Kind = iota + 1
	KindLease
	KindBlocks
)

// Resource is one lockable item.
type Resource struct {
	Kind Kind
	Key  string
	Mode Mode
}

// Scope is the set of resources an operation declares up front.
//
// Scope values are immutable; builder methods return a new Scope.
type Scope struct {
	resources []Resource
}

// NewScope returns an empty scope.
func NewScope() Scope {
	return Scope{}
}

func (s Scope) with(r Resource) Scope {
	out := make([]Resource, len(s.resources), len(s.resources)+1)
	copy(out, s.resources)
	return Scope{resources: append(out, r)}
}

// Path adds a namespace path (and, implicitly, its subtree).
func (s Scope) Path(p string, mode Mode) Scope {
	return s.with(Resource{Kind: KindPath, Key: namespace.Clean(p), Mode: mode})
}

// Lease adds the lease of holder.
func (s Scope) Lease(holder string, mode Mode) Scope {
	return s.with(Resource{Kind: KindLease, Key: holder, Mode: mode})
}

// AllLeases adds the whole lease table.
func (s Scope) AllLeases(mode Mode) Scope {
	return s.with(Resource{Kind: KindLease, Key: "", Mode: mode})
}

// Blocks adds the block/replica ledger.
func (s Scope) Blocks(mode Mode) Scope {
	return s.with(Resource{Kind: KindBlocks, Key: "", Mode: mode})
}

// Resources returns the declared resources in declaration order.
func (s Scope) Resources() []Resource {
	out := make([]Resource, len(s.resources))
	copy(out, s.resources)
	return out
}

// Writes reports whether any resource is requested in write mode.
func (s Scope) Writes() bool {
	for _, r := range s.resources {
		if r.Mode == Write {
			return true
		}
	}
	return false
}

// Empty reports whether nothing was declared.
func (s Scope) Empty() bool {
	return len(s.resources) == 0
}

// normalize expands every path to read locks on its ancestors, merges
// duplicates (write wins) and sorts into acquisition order.
//
// A specific lease holder implies a read lock on the whole lease table
// (key ""), which sorts before every holder.
func (s Scope) normalize() []Resource {
	type id struct {
		kind Kind
		key  string
	}
	merged := make(map[id]Resource)
	add := func(r Resource) {
		k := id{kind: r.Kind, key: r.Key}
		if prev, ok := merged[k]; ok && prev.Mode == Write {
			return
		}
		merged[k] = r
	}

	for _, r := range s.resources {
		if r.Kind == KindPath {
			for _, a := range ancestors(r.Key) {
				add(Resource{Kind: KindPath, Key: a, Mode: Read})
			}
		}
		if r.Kind == KindLease && r.Key != "" {
			add(Resource{Kind: KindLease, Key: "", Mode: Read})
		}
		add(r)
	}

	out := make([]Resource, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// ancestors returns the proper ancestors of p, root first.
func ancestors(p string) []string {
	if p == namespace.Root {
		return nil
	}
	var out []string
	for a := namespace.Parent(p); ; a = namespace.Parent(a) {
		out = append(out, a)
		if a == namespace.Root {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
