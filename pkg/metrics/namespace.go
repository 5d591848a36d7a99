package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NamespaceMetrics provides observability for the namespace service.
//
// The coordinator records every client operation, the transaction runner
// every retried attempt, and the background workers their progress.
//
// This interface is optional - if metrics are not enabled, the no-op
// implementation is used (zero overhead).
//
// Example usage:
//
//	metrics.InitRegistry()
//	m := metrics.NewNamespaceMetrics()
//	ns, err := namenode.Open(ctx, store, config, m)
type NamespaceMetrics interface {
	// RecordOperation records a completed namespace operation.
	//
	// Parameters:
	//   - operation: Operation name (e.g., "create", "rename", "getListing")
	//   - duration: Time taken, lock wait included
	//   - err: Error if the operation failed, nil if successful
	RecordOperation(operation string, duration time.Duration, err error)

	// RecordTransactionRetry records a transaction attempt retried after a
	// transient store failure.
	RecordTransactionRetry(operation string)

	// RecordBlocksDeleted records blocks removed by the deletion worker.
	RecordBlocksDeleted(n int)

	// RecordLeaseRecovery records a forced lease release.
	//
	// Parameters:
	//   - closed: true if the file was finalized, false if block recovery
	//     was started
	RecordLeaseRecovery(closed bool)

	// SetSafeMode updates the safe mode gauge.
	SetSafeMode(on bool)

	// SetNamespaceStats updates the namespace size gauges.
	SetNamespaceStats(files, blocks int64, leases int, pendingDeletion int64)
}

// namespaceMetrics is the Prometheus implementation of NamespaceMetrics.
type namespaceMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	retriesTotal      *prometheus.CounterVec
	blocksDeleted     prometheus.Counter
	leaseRecoveries   *prometheus.CounterVec
	safeMode          prometheus.Gauge
	files             prometheus.Gauge
	blocks            prometheus.Gauge
	leases            prometheus.Gauge
	pendingDeletion   prometheus.Gauge
}

// NewNamespaceMetrics creates a new Prometheus-backed NamespaceMetrics
// instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry
// not called).
func NewNamespaceMetrics() NamespaceMetrics {
	if !IsEnabled() {
		return NewNoopNamespaceMetrics()
	}

	reg := GetRegistry()

	return &namespaceMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittons_operations_total",
				Help: "Total number of namespace operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittons_operation_duration_seconds",
				Help: "Duration of namespace operations in seconds",
				Buckets: []float64{
					0.0001, // 100µs
					0.0005, // 500µs
					0.001,  // 1ms
					0.005,  // 5ms
					0.01,   // 10ms
					0.025,  // 25ms
					0.05,   // 50ms
					0.1,    // 100ms
					0.25,   // 250ms
					0.5,    // 500ms
					1.0,    // 1s
				},
			},
			[]string{"operation"},
		),
		retriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittons_transaction_retries_total",
				Help: "Total number of transaction attempts retried after a transient store failure",
			},
			[]string{"operation"},
		),
		blocksDeleted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittons_blocks_deleted_total",
				Help: "Total number of blocks removed by the deletion worker",
			},
		),
		leaseRecoveries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittons_lease_recoveries_total",
				Help: "Total number of forced lease releases by outcome",
			},
			[]string{"outcome"},
		),
		safeMode: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittons_safe_mode",
				Help: "1 while the namespace is in safe mode",
			},
		),
		files: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittons_files_total",
				Help: "Current number of files and directories",
			},
		),
		blocks: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittons_blocks_total",
				Help: "Current number of blocks in the ledger",
			},
		),
		leases: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittons_leases_total",
				Help: "Current number of write leases",
			},
		),
		pendingDeletion: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittons_pending_deletion_blocks",
				Help: "Current number of blocks queued for deletion",
			},
		),
	}
}

func (m *namespaceMetrics) RecordOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *namespaceMetrics) RecordTransactionRetry(operation string) {
	m.retriesTotal.WithLabelValues(operation).Inc()
}

func (m *namespaceMetrics) RecordBlocksDeleted(n int) {
	m.blocksDeleted.Add(float64(n))
}

func (m *namespaceMetrics) RecordLeaseRecovery(closed bool) {
	outcome := "recovering"
	if closed {
		outcome = "closed"
	}
	m.leaseRecoveries.WithLabelValues(outcome).Inc()
}

func (m *namespaceMetrics) SetSafeMode(on bool) {
	if on {
		m.safeMode.Set(1)
	} else {
		m.safeMode.Set(0)
	}
}

func (m *namespaceMetrics) SetNamespaceStats(files, blocks int64, leases int, pendingDeletion int64) {
	m.files.Set(float64(files))
	m.blocks.Set(float64(blocks))
	m.leases.Set(float64(leases))
	m.pendingDeletion.Set(float64(pendingDeletion))
}

// NewNoopNamespaceMetrics returns a NamespaceMetrics that records nothing.
func NewNoopNamespaceMetrics() NamespaceMetrics {
	return &noopNamespaceMetrics{}
}

// noopNamespaceMetrics is a no-op implementation of NamespaceMetrics with zero overhead.
type noopNamespaceMetrics struct{}

func (noopNamespaceMetrics) RecordOperation(operation string, duration time.Duration, err error) {}
func (noopNamespaceMetrics) RecordTransactionRetry(operation string)                             {}
func (noopNamespaceMetrics) RecordBlocksDeleted(n int)                                           {}
func (noopNamespaceMetrics) RecordLeaseRecovery(closed bool)                                     {}
func (noopNamespaceMetrics) SetSafeMode(on bool)                                                 {}
func (noopNamespaceMetrics) SetNamespaceStats(files, blocks int64, leases int, pendingDeletion int64) {
}
