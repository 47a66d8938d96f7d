package metric

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/udpkit/errors"
)

// Server exposes a metrics registry over HTTP.
type Server struct {
	port     int
	path     string
	server   *http.Server
	listener net.Listener
	registry *Registry
	errCh    chan error
	mu       sync.Mutex // protects server and listener fields
}

// NewServer creates a new metrics server for the provided registry.
func NewServer(port int, path string, registry *Registry) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}

	return &Server{
		port:     port,
		path:     path,
		registry: registry,
		errCh:    make(chan error, 1),
	}
}

// Err reports a serve failure after Start returned. A graceful Stop never
// sends on it.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start begins serving the metrics endpoint. It returns once the listener is
// bound; serving continues in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: metrics server already running on port %d", errors.ErrState, s.port),
			"metric", "Start", "state check")
	}
	if s.registry == nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: metrics registry", errors.ErrMissingConfig),
			"metric", "Start", "registry check")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry.Prometheus(), promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrBind, err),
			"metric", "Start", fmt.Sprintf("listen :%d", s.port))
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(srv *http.Server) {
		if serveErr := srv.Serve(listener); serveErr != nil && !stderrors.Is(serveErr, http.ErrServerClosed) {
			select {
			case s.errCh <- errors.WrapFatal(serveErr, "metric", "Serve", "http serve"):
			default:
			}
		}
	}(s.server)

	return nil
}

// Stop gracefully shuts down the metrics server.
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
	return err
}
