package tx

import (
	"context"
	"errors"
	"time"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namespace"
	"github.com/marmos91/dittons/pkg/store"
)

// DefaultRetries is the number of attempts made for a transient failure.
const DefaultRetries = 3

// RetryObserver is notified of every retried attempt.
type RetryObserver interface {
	RecordTransactionRetry(operation string)
}

// Runner executes operation bodies inside store transactions under a
// declared lock scope.
//
// The scope is acquired once, before the first attempt, and held across all
// retries: no other conflicting operation can interleave between a failed
// attempt and its retry.
type Runner struct {
	store    store.Store
	locks    lock.Manager
	retries  int
	backoff  time.Duration
	observer RetryObserver
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Retries is the number of attempts (default: DefaultRetries)
	Retries int

	// Backoff is the pause before a retry, doubled on each attempt
	// (default: 0, retry immediately)
	Backoff time.Duration

	// Observer receives retry notifications (optional)
	Observer RetryObserver
}

// NewRunner creates a Runner.
func NewRunner(s store.Store, locks lock.Manager, config RunnerConfig) *Runner {
	if config.Retries <= 0 {
		config.Retries = DefaultRetries
	}
	return &Runner{
		store:    s,
		locks:    locks,
		retries:  config.Retries,
		backoff:  config.Backoff,
		observer: config.Observer,
	}
}

// Store returns the underlying record store.
func (r *Runner) Store() store.Store {
	return r.store
}

// Run executes body in a read-write transaction if scope declares any write
// resource, read-only otherwise.
//
// Parameters:
//   - ctx: cancellation; checked before acquiring and between attempts
//   - op: operation name for logs and metrics
//   - scope: lock scope, declared before anything is resolved
//   - body: the operation; returns nil to commit
//
// Returns:
//   - nil once committed; after-commit hooks have run
//   - the body's error unchanged when it is a namespace error or an
//     unresolved link signal
//   - a namespace.ErrIO error when storage failed or retries are exhausted
func (r *Runner) Run(ctx context.Context, op string, scope lock.Scope, body func(*Context) error) error {
	release, err := r.locks.Acquire(ctx, scope)
	if err != nil {
		return err
	}
	defer release()

	return r.attempt(ctx, op, scope.Writes(), body)
}

// RunLocked executes body without acquiring locks. The caller must already
// hold a scope covering everything body touches.
func (r *Runner) RunLocked(ctx context.Context, op string, update bool, body func(*Context) error) error {
	return r.attempt(ctx, op, update, body)
}

func (r *Runner) attempt(ctx context.Context, op string, update bool, body func(*Context) error) error {
	var lastErr error
	backoff := r.backoff

	for attempt := 1; attempt <= r.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.once(ctx, update, body)
		if err == nil {
			return nil
		}
		if !store.IsTransient(err) {
			return classify(op, err)
		}

		lastErr = err
		if attempt < r.retries {
			logger.Debug("Transaction %s attempt %d/%d failed, retrying: %v", op, attempt, r.retries, err)
			if r.observer != nil {
				r.observer.RecordTransactionRetry(op)
			}
			if backoff > 0 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
				backoff *= 2
			}
		}
	}

	logger.Warn("Transaction %s failed after %d attempts: %v", op, r.retries, lastErr)
	return namespace.NewError(namespace.ErrIO, "", "%s: transaction failed after %d attempts: %v", op, r.retries, lastErr)
}

func (r *Runner) once(ctx context.Context, update bool, body func(*Context) error) error {
	txn, err := r.store.Begin(ctx, update)
	if err != nil {
		return err
	}

	tc := NewContext(txn, update)
	if err := body(tc); err != nil {
		txn.Discard()
		return err
	}
	if err := txn.Commit(); err != nil {
		txn.Discard()
		return err
	}

	for _, fn := range tc.afterCommit {
		fn()
	}
	return nil
}

// classify passes domain errors through and wraps everything else as I/O.
func classify(op string, err error) error {
	var nsErr *namespace.Error
	var linkErr *namespace.UnresolvedLinkError
	switch {
	case errors.As(err, &nsErr), errors.As(err, &linkErr):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		logger.Error("Transaction %s failed: %v", op, err)
		return namespace.NewError(namespace.ErrIO, "", "%s: %v", op, err)
	}
}
