// Package deletion drains the deferred block deletion queue.
//
// Deleting a subtree only detaches it and queues its blocks (pending
// deletion records written in the same transaction). The worker removes the
// queued blocks from the ledger afterwards, in bounded batches, each batch
// its own transaction holding only the block map lock, so a huge delete
// never keeps the namespace locked for long. The queue is persisted: work
// left over by a crash resumes on the next start.
package deletion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/internal/ratelimiter"
	"github.com/marmos91/dittons/pkg/namenode/blocks"
	"github.com/marmos91/dittons/pkg/namenode/lock"
	"github.com/marmos91/dittons/pkg/namenode/tx"
)

const (
	// DefaultBatchSize is the number of blocks removed per transaction
	DefaultBatchSize = 1000

	// DefaultInterval is how often the queue is polled when nobody wakes
	// the worker up
	DefaultInterval = 3 * time.Second
)

// Config contains configuration for the deletion worker.
type Config struct {
	// BatchSize is how many blocks to remove per transaction (default: 1000)
	BatchSize int

	// Interval is the polling interval (default: 3s)
	Interval time.Duration

	// BlocksPerSecond throttles removal (0 = unlimited)
	BlocksPerSecond uint
}

// Observer is notified of removed blocks.
type Observer interface {
	RecordBlocksDeleted(n int)
}

// Worker drains the pending deletion queue in the background.
//
// Thread Safety: Safe for concurrent use.
type Worker struct {
	runner   *tx.Runner
	ledger   *blocks.Ledger
	limiter  *ratelimiter.RateLimiter
	config   Config
	observer Observer

	pending atomic.Int64

	// mu serializes drains between the worker and RunNow
	mu sync.Mutex

	wakeCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a deletion worker (not started).
//
// Parameters:
//   - runner: transaction runner of the namespace
//   - ledger: block ledger the queued blocks are removed from
//   - config: batching and throttling configuration
func New(runner *tx.Runner, ledger *blocks.Ledger, config Config) *Worker {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	return &Worker{
		runner:  runner,
		ledger:  ledger,
		limiter: ratelimiter.New(config.BlocksPerSecond, uint(config.BatchSize)),
		config:  config,
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetObserver registers an observer (optional).
func (w *Worker) SetObserver(o Observer) {
	w.observer = o
}

// SetRate changes the throttle. Safe to call while running.
func (w *Worker) SetRate(blocksPerSecond uint) {
	w.limiter.SetLimit(blocksPerSecond)
}

// Load counts the queue left by a previous run.
func (w *Worker) Load(tc *tx.Context) error {
	queued, err := tc.PendingDeletions(0)
	if err != nil {
		return err
	}
	w.pending.Store(int64(len(queued)))
	if len(queued) > 0 {
		logger.Info("Resuming deletion of %d queued blocks", len(queued))
	}
	return nil
}

// Pending returns the number of queued blocks.
func (w *Worker) Pending() int64 {
	return w.pending.Load()
}

// Enqueued records that n blocks were queued by a committed transaction and
// wakes the worker.
func (w *Worker) Enqueued(n int) {
	if n <= 0 {
		return
	}
	w.pending.Add(int64(n))
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Start begins background draining. Subsequent calls are no-ops.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	logger.Info("Starting block deletion worker: batch_size=%d interval=%s blocks_per_second=%d",
		w.config.BatchSize, w.config.Interval, w.config.BlocksPerSecond)
	go w.worker()
}

// Stop stops the worker and waits for the current batch to finish.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if !w.started.Load() {
		return nil
	}

	select {
	case <-w.doneCh:
		logger.Info("Block deletion worker stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Block deletion worker shutdown timeout")
		return ctx.Err()
	}
}

// RunNow drains the whole queue synchronously.
func (w *Worker) RunNow(ctx context.Context) (*Stats, error) {
	return w.drain(ctx)
}

func (w *Worker) worker() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	// ctx is cancelled on stop so a throttled drain does not hold shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
		case <-w.wakeCh:
		case <-w.stopCh:
			return
		}

		stats, err := w.drain(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("Block deletion failed: %v", err)
		} else if stats.Deleted > 0 {
			logger.Info("Block deletion completed: %s", stats.Summary())
		}
	}
}

// drain removes queued blocks batch by batch until the queue is empty.
func (w *Worker) drain(ctx context.Context) (*Stats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := &Stats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		var n int
		err := w.runner.Run(ctx, "deleteBlocks", lock.NewScope().Blocks(lock.Write), func(tc *tx.Context) error {
			batch, err := tc.PendingDeletions(w.config.BatchSize)
			if err != nil {
				return err
			}
			for _, p := range batch {
				if err := w.ledger.RemoveBlock(tc, p.BlockID); err != nil {
					return err
				}
				if err := tc.DeletePendingDeletion(p.BlockID); err != nil {
					return err
				}
			}
			n = len(batch)
			return nil
		})
		if err != nil {
			return stats, err
		}
		if n == 0 {
			return stats, nil
		}

		stats.Batches++
		stats.Deleted += n
		if w.pending.Add(int64(-n)) < 0 {
			w.pending.Store(0)
		}
		if w.observer != nil {
			w.observer.RecordBlocksDeleted(n)
		}
		logger.Debug("Removed batch of %d blocks (%d still queued)", n, w.pending.Load())

		if err := w.limiter.WaitN(ctx, n); err != nil {
			return stats, err
		}
	}
}

// Stats contains statistics from a drain.
type Stats struct {
	StartTime time.Time // When the drain started
	EndTime   time.Time // When the drain ended
	Batches   int       // Transactions committed
	Deleted   int       // Blocks removed from the ledger
}

// Duration returns the drain duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the drain.
func (s *Stats) Summary() string {
	return fmt.Sprintf("batches=%d deleted=%d duration=%s", s.Batches, s.Deleted, s.Duration())
}
