package config

import (
	"github.com/marmos91/dittons/pkg/metrics"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// NamespaceMetrics is the collector passed to namenode.Open (never nil, uses noop if disabled)
	NamespaceMetrics metrics.NamespaceMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
//
// Parameters:
//   - cfg: The complete DittoNS configuration
//   - health: Probe served at /healthz (nil = always healthy)
//
// Returns:
//   - MetricsResult containing all metrics components
func InitializeMetrics(cfg *Config, health metrics.HealthFunc) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			Server:           nil,
			NamespaceMetrics: metrics.NewNoopNamespaceMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port:   cfg.Server.Metrics.Port,
		Health: health,
	})

	return &MetricsResult{
		Server:           server,
		NamespaceMetrics: metrics.NewNamespaceMetrics(),
	}
}
