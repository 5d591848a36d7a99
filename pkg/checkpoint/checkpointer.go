package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittons/internal/logger"
)

const (
	// DefaultInterval is the default time between two images
	DefaultInterval = time.Hour

	// DefaultRetain is the default number of images kept
	DefaultRetain = 2
)

// Source produces images. The namesystem implements it.
type Source interface {
	ExportImage(ctx context.Context) (*Image, error)
}

// Config contains configuration for the checkpointer.
type Config struct {
	// Interval is the time between two images (default: 1h)
	Interval time.Duration

	// Retain is the number of images kept in the sink (default: 2)
	Retain int
}

// Checkpointer periodically saves an image of the namespace to a sink and
// prunes old ones.
//
// Thread Safety: Safe for concurrent use.
type Checkpointer struct {
	source Source
	sink   Sink
	config Config

	// mu serializes runs between the worker and RunNow
	mu sync.Mutex

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a checkpointer (not started).
func New(source Source, sink Sink, config Config) *Checkpointer {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Retain <= 0 {
		config.Retain = DefaultRetain
	}
	return &Checkpointer{
		source: source,
		sink:   sink,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins periodic checkpointing. Subsequent calls are no-ops.
func (c *Checkpointer) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	logger.Info("Starting checkpointer: interval=%s retain=%d", c.config.Interval, c.config.Retain)
	go c.worker()
}

// Stop stops the checkpointer and waits for a running checkpoint to
// finish.
func (c *Checkpointer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if !c.started.Load() {
		return nil
	}

	select {
	case <-c.doneCh:
		logger.Info("Checkpointer stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Checkpointer shutdown timeout")
		return ctx.Err()
	}
}

// RunNow takes a checkpoint synchronously.
func (c *Checkpointer) RunNow(ctx context.Context) (*Stats, error) {
	return c.run(ctx)
}

func (c *Checkpointer) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Interval)
			stats, err := c.run(ctx)
			cancel()
			if err != nil {
				logger.Error("Checkpoint failed: %v", err)
				continue
			}
			logger.Info("Checkpoint completed: %s", stats.Summary())
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checkpointer) run(ctx context.Context) (*Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := &Stats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	img, err := c.source.ExportImage(ctx)
	if err != nil {
		return stats, err
	}
	stats.Records = len(img.Records)

	if stats.Name, err = Save(ctx, c.sink, img); err != nil {
		return stats, err
	}
	if stats.Pruned, err = Prune(ctx, c.sink, c.config.Retain); err != nil {
		return stats, fmt.Errorf("prune: %w", err)
	}
	return stats, nil
}

// Stats contains the outcome of one checkpoint.
type Stats struct {
	StartTime time.Time
	EndTime   time.Time
	Name      string
	Records   int
	Pruned    int
}

// Duration returns how long the checkpoint took.
func (s *Stats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a one-line description.
func (s *Stats) Summary() string {
	return fmt.Sprintf("image=%s records=%d pruned=%d duration=%s", s.Name, s.Records, s.Pruned, s.Duration())
}
