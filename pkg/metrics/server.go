package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the namespace server can serve requests.
type HealthFunc func(ctx context.Context) error

// Server provides an HTTP server for exposing Prometheus metrics.
//
// The server exposes the following endpoints:
//   - GET /metrics: Prometheus metrics in text format
//   - GET /healthz: 200 when the health function succeeds, 503 otherwise
//
// The server supports graceful shutdown with configurable timeout.
type Server struct {
	server       *http.Server
	port         int
	shutdownOnce sync.Once

	mu       sync.Mutex
	listener net.Listener
}

// ServerConfig configures the metrics HTTP server.
type ServerConfig struct {
	// Port to listen on for HTTP requests.
	// Default: 9090
	Port int

	// Health backs /healthz (nil = always healthy)
	Health HealthFunc

	// HealthTimeout bounds one health probe.
	// Default: 5s
	HealthTimeout time.Duration
}

// applyDefaults fills in zero values with sensible defaults.
func (c *ServerConfig) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 9090
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
}

// NewServer creates a new metrics HTTP server.
//
// The server is created in a stopped state. Call Start() to begin serving requests.
//
// Parameters:
//   - config: Server configuration (port, health probe)
//
// Returns a configured but not yet started Server.
func NewServer(config ServerConfig) *Server {
	config.applyDefaults()

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      newHandler(config),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		port: config.Port,
	}
}

// newHandler builds the endpoint mux.
func newHandler(config ServerConfig) http.Handler {
	mux := http.NewServeMux()

	if registry := GetRegistry(); registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
		logger.Debug("Metrics endpoint registered at /metrics")
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "Metrics collection is disabled\n")
		})
		logger.Debug("Metrics collection disabled")
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if config.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), config.HealthTimeout)
			defer cancel()
			if err := config.Health(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = fmt.Fprintf(w, "unhealthy: %v\n", err)
				return
			}
		}
		_, _ = fmt.Fprintf(w, "ok\n")
	})

	return mux
}

// Handler returns the HTTP handler serving the endpoints.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics HTTP server and blocks until the context is cancelled
// or an error occurs.
//
// When the context is cancelled, Start initiates graceful shutdown and returns.
//
// Parameters:
//   - ctx: Controls the server lifecycle. Cancellation triggers graceful shutdown.
//
// Returns:
//   - nil on graceful shutdown
//   - error if the server fails to start or shutdown encounters an error
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Metrics server shutdown signal received")
		// The cancelled ctx would abort the shutdown immediately
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop initiates graceful shutdown of the metrics server.
//
// Stop is safe to call multiple times and safe to call concurrently with Start().
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("Metrics server shutdown initiated")

		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
			logger.Error("Metrics server shutdown error: %v", err)
		} else {
			logger.Info("Metrics server stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the configured TCP port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bound address once Start is listening, nil before.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
