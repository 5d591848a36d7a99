package lock

import (
	"context"
	"sync"
)

// Manager acquires declared scopes.
type Manager interface {
	// Acquire blocks until every resource of scope is held in its mode and
	// returns the function that releases them. The context is checked before
	// blocking; a lock wait itself is not interruptible.
	Acquire(ctx context.Context, scope Scope) (release func(), err error)

	// Name identifies the strategy ("global" or "fine").
	Name() string
}

// NewManager returns the manager for mode: "fine" selects per-resource locks,
// anything else the single namespace lock.
func NewManager(mode string) Manager {
	if mode == "fine" {
		return NewFineManager()
	}
	return NewGlobalManager()
}

// GlobalManager serializes every mutation behind one reader/writer lock.
// Scopes with at least one write resource take it exclusively; read-only
// scopes share it.
//
// sync.RWMutex blocks new readers once a writer is waiting, so writers do
// not starve behind a stream of readers.
type GlobalManager struct {
	mu sync.RWMutex
}

// NewGlobalManager creates the single-lock manager.
func NewGlobalManager() *GlobalManager {
	return &GlobalManager{}
}

func (m *GlobalManager) Name() string {
	return "global"
}

func (m *GlobalManager) Acquire(ctx context.Context, scope Scope) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scope.Writes() {
		m.mu.Lock()
		return onceFunc(m.mu.Unlock), nil
	}
	m.mu.RLock()
	return onceFunc(m.mu.RUnlock), nil
}

// FineManager keeps one reader/writer lock per resource, created on demand
// and dropped when no longer referenced.
//
// A path lock covers the path's subtree: acquiring a path also read-locks all
// its ancestors, so an operation writing /a excludes anything under /a while
// operations on /b proceed concurrently. Resources are acquired in a single
// global order (kind, then key) which rules out deadlock.
type FineManager struct {
	mu    sync.Mutex
	locks map[Resource]*refLock
}

type refLock struct {
	sync.RWMutex
	refs int
}

// NewFineManager creates the per-resource manager.
func NewFineManager() *FineManager {
	return &FineManager{locks: make(map[Resource]*refLock)}
}

func (m *FineManager) Name() string {
	return "fine"
}

func (m *FineManager) Acquire(ctx context.Context, scope Scope) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resources := scope.normalize()
	held := make([]func(), 0, len(resources))
	for _, r := range resources {
		l := m.ref(r)
		if r.Mode == Write {
			l.Lock()
			held = append(held, m.unref(r, l, l.Unlock))
		} else {
			l.RLock()
			held = append(held, m.unref(r, l, l.RUnlock))
		}
	}

	return onceFunc(func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}), nil
}

// Held returns the number of resource locks currently referenced.
func (m *FineManager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func lockKey(r Resource) Resource {
	return Resource{Kind: r.Kind, Key: r.Key}
}

func (m *FineManager) ref(r Resource) *refLock {
	k := lockKey(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &refLock{}
		m.locks[k] = l
	}
	l.refs++
	return l
}

func (m *FineManager) unref(r Resource, l *refLock, unlock func()) func() {
	k := lockKey(r)
	return func() {
		unlock()
		m.mu.Lock()
		defer m.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, k)
		}
	}
}

func onceFunc(f func()) func() {
	var once sync.Once
	return func() { once.Do(f) }
}
