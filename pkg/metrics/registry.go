// Package metrics exposes namespace server metrics to Prometheus.
//
// Three groups of series live in one registry:
//   - dittons_operations_total / dittons_operation_duration_seconds: every
//     client operation, labelled by operation name and outcome
//   - dittons_transaction_retries_total, dittons_blocks_deleted_total,
//     dittons_lease_recoveries_total: work done by the transaction runner
//     and the background workers
//   - dittons_safe_mode, dittons_files_total, dittons_blocks_total,
//     dittons_leases_total, dittons_pending_deletion_blocks: namespace
//     gauges refreshed after mutations
//
// The Go runtime and process collectors are registered alongside them.
//
// Metrics stay off until InitRegistry is called. Until then
// NewNamespaceMetrics returns the no-op collector and the server answers
// /metrics with 503:
//
//	metrics.InitRegistry()
//	ns, err := namenode.Open(ctx, store, config, metrics.NewNamespaceMetrics())
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the registry shared by the namespace collectors and
// the metrics server. Later calls are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		r := prometheus.NewRegistry()
		r.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = r
	})
}

// GetRegistry returns the shared registry, or nil while metrics are off.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
