package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server exposes the monitor over HTTP: GET /healthz returns the aggregate
// summary (503 when any component is unhealthy), GET /healthz/{name} one
// component.
type Server struct {
	monitor *Monitor
	logger  *slog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	port     int
	errCh    chan error
}

// NewServer creates a health server on the given port.
func NewServer(port int, monitor *Monitor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		monitor: monitor,
		logger:  logger.With("component", "health-server"),
		port:    port,
		errCh:   make(chan error, 1),
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

// Start binds the listener and serves in the background. Idempotent.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleSummary)
	mux.HandleFunc("/healthz/", s.handleComponent)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("health server listen :%d: %w", s.port, err)
	}

	s.listener = listener
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func(srv *http.Server) {
		if serveErr := srv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("health server exited", "error", serveErr)
			select {
			case s.errCh <- serveErr:
			default:
			}
		}
	}(s.srv)

	s.logger.Info("health server started", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down gracefully. Idempotent.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summary := s.monitor.Snapshot()
	code := http.StatusOK
	if !summary.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, summary)
}

func (s *Server) handleComponent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Path[len("/healthz/"):]
	status, ok := s.monitor.Get(name)
	if !ok {
		http.Error(w, "unknown component", http.StatusNotFound)
		return
	}

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
