package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultAddress is where the telemetry endpoint listens unless configured
const DefaultAddress = ":9419"

// ServerOptions configures the telemetry HTTP server
type ServerOptions struct {
	Address  string
	Gatherer prometheus.Gatherer
	Queues   QueueSampler
	// Health reports readiness; nil means always healthy
	Health func() error
	// Traced wraps the handler with OpenTelemetry instrumentation
	Traced bool
}

// Server provides an HTTP server for Prometheus metrics and queue listings
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// NewServer creates a new telemetry HTTP server
func NewServer(opts ServerOptions) *Server {
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health != nil {
			if err := opts.Health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Live queue lengths as JSON
	mux.HandleFunc("/queues", func(w http.ResponseWriter, r *http.Request) {
		samples := []QueueSample{}
		if opts.Queues != nil {
			samples = append(samples, opts.Queues.QueueLengths()...)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(samples)
	})

	var handler http.Handler = mux
	if opts.Traced {
		handler = otelhttp.NewHandler(mux, "mswitch.telemetry")
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         opts.Address,
			Handler:      handler,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		handler: handler,
	}
}

// Handler exposes the mux, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves until Stop. It returns nil after a
// graceful stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the telemetry HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
