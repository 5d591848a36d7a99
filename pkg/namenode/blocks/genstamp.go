package blocks

import (
	"sync/atomic"

	"github.com/marmos91/dittons/pkg/namenode/tx"
)

// FirstGenerationStamp is the first stamp issued by a fresh namespace.
const FirstGenerationStamp int64 = 1000

// MetaGenerationStamp is the metadata key the stamp is persisted under.
const MetaGenerationStamp = "gs"

// GenerationStamp is the process-wide, strictly increasing generation stamp
// counter. It is created at startup from the persisted value and injected
// into every component that issues stamps.
type GenerationStamp struct {
	v atomic.Int64
}

// NewGenerationStamp creates a counter starting at initial (or
// FirstGenerationStamp when initial is lower).
func NewGenerationStamp(initial int64) *GenerationStamp {
	g := &GenerationStamp{}
	if initial < FirstGenerationStamp {
		initial = FirstGenerationStamp
	}
	g.v.Store(initial)
	return g
}

// Current returns the last issued stamp.
func (g *GenerationStamp) Current() int64 {
	return g.v.Load()
}

// Observe raises the counter to at least v. Used while loading persisted
// blocks.
func (g *GenerationStamp) Observe(v int64) {
	for {
		cur := g.v.Load()
		if v <= cur || g.v.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Next issues a new stamp and records it in tc.
//
// The in-memory counter never goes backwards, even when tc is later
// discarded: a skipped stamp is harmless, a reused one is not.
func (g *GenerationStamp) Next(tc *tx.Context) (int64, error) {
	v := g.v.Add(1)
	if err := tc.SetMetaInt64(MetaGenerationStamp, v); err != nil {
		return 0, err
	}
	return v, nil
}
