package lease

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittons/internal/logger"
)

// DefaultRecheckInterval is how often the monitor looks for expired leases.
const DefaultRecheckInterval = 2 * time.Second

// Expired is a lease past its hard limit together with its open paths.
type Expired struct {
	Holder string
	Paths  []string
}

// Releaser is the part of the coordinator the monitor drives. The monitor
// never touches the lease table directly.
type Releaser interface {
	// InSafeMode reports whether recovery must be skipped
	InSafeMode() bool

	// ExpiredLeases lists the leases past their hard limit
	ExpiredLeases(ctx context.Context) ([]Expired, error)

	// ReleaseLease force-releases holder's lease on path. closed is true
	// when the file was finalized right away, false when block recovery
	// was started.
	ReleaseLease(ctx context.Context, holder, path string) (closed bool, err error)
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Interval is the recheck interval (default: DefaultRecheckInterval)
	Interval time.Duration
}

// Monitor periodically force-releases leases past their hard limit.
//
// Thread Safety: Safe for concurrent use.
type Monitor struct {
	releaser Releaser
	config   MonitorConfig

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor creates a lease monitor (not started).
func NewMonitor(releaser Releaser, config MonitorConfig) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultRecheckInterval
	}
	return &Monitor{
		releaser: releaser,
		config:   config,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background monitoring. Subsequent calls are no-ops.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	logger.Info("Starting lease monitor: interval=%s", m.config.Interval)
	go m.worker()
}

// Stop stops the monitor and waits for an in-progress check to finish.
//
// Returns ctx.Err() if ctx expires first.
func (m *Monitor) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if !m.started.Load() {
		return nil
	}

	select {
	case <-m.doneCh:
		logger.Info("Lease monitor stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Lease monitor shutdown timeout")
		return ctx.Err()
	}
}

// RunNow performs one check synchronously.
func (m *Monitor) RunNow(ctx context.Context) (*Stats, error) {
	return m.check(ctx)
}

func (m *Monitor) worker() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := m.check(context.Background())
			if err != nil {
				logger.Error("Lease check failed: %v", err)
			} else if stats.Paths > 0 {
				logger.Info("Lease check completed: %s", stats.Summary())
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	if m.releaser.InSafeMode() {
		stats.SkippedSafeMode = true
		return stats, nil
	}

	expired, err := m.releaser.ExpiredLeases(ctx)
	if err != nil {
		return stats, err
	}

	for _, e := range expired {
		stats.Leases++
		for _, p := range e.Paths {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			stats.Paths++

			logger.Info("Lease of %s on %s passed the hard limit, releasing", e.Holder, p)
			closed, err := m.releaser.ReleaseLease(ctx, e.Holder, p)
			switch {
			case err != nil:
				stats.Failed++
				logger.Warn("Cannot release lease of %s on %s: %v", e.Holder, p, err)
			case closed:
				stats.Closed++
			default:
				stats.Recovering++
			}
		}
	}
	return stats, nil
}

// Stats contains the outcome of one check.
type Stats struct {
	SkippedSafeMode bool
	Leases          int // Expired leases found
	Paths           int // Open paths of those leases
	Closed          int // Files finalized immediately
	Recovering      int // Files left under block recovery
	Failed          int // Release attempts that failed
}

// Summary returns a human-readable summary of the check.
func (s *Stats) Summary() string {
	return fmt.Sprintf("leases=%d paths=%d closed=%d recovering=%d failed=%d",
		s.Leases, s.Paths, s.Closed, s.Recovering, s.Failed)
}
