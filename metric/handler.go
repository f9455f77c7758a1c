package metric

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dwerrors "github.com/chazwilder/iqx-dockmonitor/errors"
)

// Server is the operations HTTP server. It always serves Prometheus
// metrics; other packages mount health and feed routes on Router().
type Server struct {
	addr     string
	path     string
	registry *MetricsRegistry
	router   *mux.Router
	logger   *slog.Logger
	tls      *tls.Config

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates an ops server bound to addr (":9090" when empty).
func NewServer(addr, path string, registry *MetricsRegistry, logger *slog.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9090"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
		router:   mux.NewRouter(),
		logger:   logger.With("component", "ops-server"),
	}
}

// Router exposes the mux so callers can mount additional routes before Start.
func (s *Server) Router() *mux.Router {
	return s.router
}

// SetTLS serves HTTPS with cfg. Call before Start; nil keeps plain HTTP.
func (s *Server) SetTLS(cfg *tls.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tls = cfg
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return dwerrors.WrapInvalid(dwerrors.ErrAlreadyStarted, "Server", "Start", "start ops server")
	}
	if s.registry == nil {
		return dwerrors.WrapFatal(fmt.Errorf("nil registry"), "Server", "Start", "metrics registry not provided")
	}

	s.router.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)).Methods(http.MethodGet)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return dwerrors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server stopped", "error", err)
		}
	}(s.server)

	s.logger.Info("ops server listening", "addr", ln.Addr().String(), "metrics_path", s.path, "tls", s.tls != nil)
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return dwerrors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
