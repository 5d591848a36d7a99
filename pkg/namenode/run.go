package namenode

import (
	"context"
	"errors"

	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/resolver"
	"github.com/marmos91/dittons/pkg/namenode/tx"
	"github.com/marmos91/dittons/pkg/namespace"
)

// commitError makes run commit the transaction and return err afterwards.
// Used when an operation fails for the caller but its side effects (a
// started lease recovery, a committed block) must persist.
type commitError struct {
	err error
}

func (e *commitError) Error() string { return e.err.Error() }
func (e *commitError) Unwrap() error { return e.err }

func commitThen(err error) error {
	return &commitError{err: err}
}

// run executes body under scope through the transaction runner.
func (ns *Namesystem) run(ctx context.Context, op string, scope lock.Scope, body func(tc *tx.Context) error) error {
	var after error
	err := ns.runner.Run(ctx, op, scope, func(tc *tx.Context) error {
		after = nil
		err := body(tc)
		var ce *commitError
		if errors.As(err, &ce) {
			after = ce.err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return after
}

// read executes a read-only body.
func (ns *Namesystem) read(ctx context.Context, op string, scope lock.Scope, body func(tc *tx.Context) error) error {
	return ns.runner.Run(ctx, op, scope, body)
}

// commonAncestor returns the deepest node shared by both chains.
func commonAncestor(a, b *resolver.Chain) *namespace.INode {
	var common *namespace.INode
	for i := 0; i < a.Len() && i < b.Len(); i++ {
		x, y := a.Nodes[i], b.Nodes[i]
		if x == nil || y == nil || x.ID != y.ID {
			break
		}
		common = x
	}
	return common
}

// parentChain returns the chain of the parent of chain's last component.
// It shares chain's slots, so nodes created through it show up in chain.
func parentChain(chain *resolver.Chain) *resolver.Chain {
	n := chain.Len() - 1
	return &resolver.Chain{Components: chain.Components[:n], Nodes: chain.Nodes[:n]}
}

// extended converts a stored block to its client form.
func extended(b *namespace.Block) namespace.ExtendedBlock {
	return namespace.ExtendedBlock{BlockID: b.ID, GenerationStamp: b.GenerationStamp, NumBytes: b.NumBytes}
}
