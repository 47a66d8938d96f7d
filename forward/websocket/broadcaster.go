// Package websocket streams received datagrams to WebSocket subscribers.
// Every datagram drained from the source endpoint is broadcast as JSON to
// all connected clients; a client that cannot keep up is disconnected
// rather than allowed to stall the fan-out.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/udpkit/component"
	"github.com/c360/udpkit/datagram"
	"github.com/c360/udpkit/errors"
	"github.com/c360/udpkit/metric"
)

const (
	drainBatchSize = 64

	// pingPeriod keeps idle connections from being reaped by proxies.
	pingPeriod = 30 * time.Second
)

// Source is the slice of the endpoint surface the broadcaster consumes.
type Source interface {
	Name() string
	Notifications() <-chan struct{}
	ReceiveBatch(max int) []datagram.Datagram
}

// Config holds the listener and per-client settings.
type Config struct {
	Port int
	Path string

	// WriteTimeout bounds each client write.
	WriteTimeout time.Duration

	// SendBacklog is the per-client queue depth. A client whose queue
	// is full gets disconnected.
	SendBacklog int
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = "/stream"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBacklog <= 0 {
		c.SendBacklog = 64
	}
}

// Deps carries the broadcaster's construction dependencies.
type Deps struct {
	Name   string
	Config Config
	Source Source

	// MetricsRegistry is optional.
	MetricsRegistry *metric.Registry

	// Logger is optional and defaults to slog.Default.
	Logger *slog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Broadcaster serves a WebSocket endpoint and fans received datagrams out
// to every connected client.
type Broadcaster struct {
	name     string
	config   Config
	source   Source
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	clients  map[*client]struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	state    component.State
	errCh    chan error
	errCount int
	lastErr  string
	started  time.Time

	registry    *metric.Registry
	broadcasts  prometheus.Counter
	clientGauge prometheus.Gauge
	slowDrops   prometheus.Counter

	sentCount atomic.Int64
	sentBytes atomic.Int64
	lastSent  atomic.Int64 // unix nanos
}

// New assembles a broadcaster. Nothing listens until Start.
func New(deps Deps) (*Broadcaster, error) {
	if deps.Source == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: source endpoint is required", errors.ErrMissingConfig),
			"broadcaster", "New", "source check")
	}

	cfg := deps.Config
	cfg.applyDefaults()
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: port %d", errors.ErrInvalidConfig, cfg.Port),
			"broadcaster", "New", "port validation")
	}

	name := deps.Name
	if name == "" {
		name = "ws-forward-" + deps.Source.Name()
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ws-broadcaster", "broadcaster", name)

	b := &Broadcaster{
		name:   name,
		config: cfg,
		source: deps.Source,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:  make(map[*client]struct{}),
		errCh:    make(chan error, 1),
		registry: deps.MetricsRegistry,
	}

	if deps.MetricsRegistry != nil {
		labels := prometheus.Labels{"broadcaster": name}
		b.broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "udpkit",
			Subsystem:   "forward_ws",
			Name:        "datagrams_broadcast_total",
			ConstLabels: labels,
			Help:        "Datagrams fanned out to WebSocket clients",
		})
		b.clientGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "udpkit",
			Subsystem:   "forward_ws",
			Name:        "connected_clients",
			ConstLabels: labels,
			Help:        "Currently connected WebSocket clients",
		})
		b.slowDrops = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "udpkit",
			Subsystem:   "forward_ws",
			Name:        "slow_client_disconnects_total",
			ConstLabels: labels,
			Help:        "Clients disconnected because their send queue filled",
		})
		if err := deps.MetricsRegistry.RegisterCounter(name, "datagrams_broadcast", b.broadcasts); err != nil {
			return nil, err
		}
		if err := deps.MetricsRegistry.RegisterGauge(name, "connected_clients", b.clientGauge); err != nil {
			return nil, err
		}
		if err := deps.MetricsRegistry.RegisterCounter(name, "slow_client_disconnects", b.slowDrops); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// Addr returns the bound listener address, or nil before Start.
func (b *Broadcaster) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Err reports a serve failure after Start returned. A graceful Stop never
// sends on it.
func (b *Broadcaster) Err() <-chan error {
	return b.errCh
}

// Initialize validates configuration without binding.
func (b *Broadcaster) Initialize() error {
	if b.config.Path == "" || b.config.Path[0] != '/' {
		return errors.WrapInvalid(
			fmt.Errorf("%w: path %q", errors.ErrInvalidConfig, b.config.Path),
			"broadcaster", "Initialize", "path check")
	}
	b.mu.Lock()
	b.state = component.StateInitialized
	b.mu.Unlock()
	return nil
}

// Start binds the HTTP listener and launches the drain loop. Idempotent.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.server != nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(b.config.Path, b.handleConnection)

	addr := fmt.Sprintf(":%d", b.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrBind, err),
			"broadcaster", "Start", fmt.Sprintf("listen %s", addr))
	}

	b.listener = listener
	b.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.started = time.Now()
	b.state = component.StateStarted

	go func(srv *http.Server) {
		if serveErr := srv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			b.logger.Error("websocket server exited", "error", serveErr)
			select {
			case b.errCh <- errors.WrapFatal(serveErr, "broadcaster", "Serve", "http serve"):
			default:
			}
		}
	}(b.server)
	go b.run(ctx, b.stopCh, b.doneCh)

	b.logger.Info("broadcaster started", "addr", listener.Addr().String(), "path", b.config.Path)
	return nil
}

// Stop halts the drain loop, disconnects all clients, and shuts the HTTP
// server down. Idempotent.
func (b *Broadcaster) Stop(timeout time.Duration) error {
	b.mu.Lock()
	server := b.server
	stopCh, doneCh := b.stopCh, b.doneCh
	b.server = nil
	b.listener = nil
	b.stopCh, b.doneCh = nil, nil
	if server != nil {
		b.state = component.StateStopped
	}
	b.mu.Unlock()

	if server == nil {
		return nil
	}

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(timeout):
	}

	b.closeAllClients()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "broadcaster", "Stop", "server shutdown")
	}
	b.logger.Info("broadcaster stopped")
	return nil
}

func (b *Broadcaster) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-b.source.Notifications():
			b.drain()
		}
	}
}

func (b *Broadcaster) drain() {
	for {
		batch := b.source.ReceiveBatch(drainBatchSize)
		if len(batch) == 0 {
			return
		}
		for _, dg := range batch {
			data, err := dg.MarshalJSON()
			if err != nil {
				b.recordError(err)
				continue
			}
			b.broadcast(data)
		}
	}
}

// broadcast enqueues to every client without blocking; full queues get the
// client disconnected so one stalled reader cannot back up the fan-out.
func (b *Broadcaster) broadcast(data []byte) {
	b.mu.Lock()
	var slow []*client
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()

	for range slow {
		if b.slowDrops != nil {
			b.slowDrops.Inc()
		}
		b.logger.Warn("disconnecting slow websocket client")
	}
	b.sentCount.Add(1)
	b.sentBytes.Add(int64(len(data)))
	b.lastSent.Store(time.Now().UnixNano())
	if b.broadcasts != nil {
		b.broadcasts.Inc()
	}
	b.updateClientGauge()
}

func (b *Broadcaster) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.recordError(err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, b.config.SendBacklog),
	}

	b.mu.Lock()
	if b.server == nil {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug("websocket client connected", "remote", conn.RemoteAddr().String())
	b.updateClientGauge()

	go b.writeLoop(c)
	go b.readLoop(c)
}

// writeLoop is the only goroutine writing to the connection. It exits when
// the send channel closes (slow-client eviction or shutdown).
func (b *Broadcaster) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(b.config.WriteTimeout))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(b.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.removeClient(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(b.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.removeClient(c)
				return
			}
		}
	}
}

// readLoop discards inbound frames; it exists to detect closes and service
// control messages.
func (b *Broadcaster) readLoop(c *client) {
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			b.removeClient(c)
			return
		}
	}
}

func (b *Broadcaster) removeClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
	b.updateClientGauge()
}

func (b *Broadcaster) closeAllClients() {
	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
	b.updateClientGauge()
}

func (b *Broadcaster) updateClientGauge() {
	if b.clientGauge == nil {
		return
	}
	b.clientGauge.Set(float64(b.ClientCount()))
}

func (b *Broadcaster) recordError(err error) {
	b.mu.Lock()
	b.errCount++
	b.lastErr = err.Error()
	b.mu.Unlock()

	if b.registry != nil {
		b.registry.Core.ErrorsTotal.WithLabelValues(b.name, errors.Classify(err).String()).Inc()
	}
}

// Meta implements component.Discoverable.
func (b *Broadcaster) Meta() component.Metadata {
	b.mu.Lock()
	state := b.state
	b.mu.Unlock()
	return component.Metadata{
		Name:        b.name,
		Type:        "forwarder",
		Description: fmt.Sprintf("WebSocket broadcaster on %s", b.config.Path),
		Version:     "1.0.0",
		State:       state.String(),
	}
}

// Health implements component.Discoverable.
func (b *Broadcaster) Health() component.HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	var uptime time.Duration
	if b.server != nil && !b.started.IsZero() {
		uptime = time.Since(b.started)
	}
	return component.HealthStatus{
		Healthy:    true,
		LastCheck:  time.Now(),
		ErrorCount: b.errCount,
		LastError:  b.lastErr,
		Uptime:     uptime,
	}
}

// DataFlow implements component.Discoverable.
func (b *Broadcaster) DataFlow() component.FlowMetrics {
	b.mu.Lock()
	start := b.started
	running := b.server != nil
	errCount := b.errCount
	b.mu.Unlock()

	var perSec, bytesPerSec, errRate float64
	if running && !start.IsZero() {
		elapsed := time.Since(start).Seconds()
		if elapsed > 0 {
			perSec = float64(b.sentCount.Load()) / elapsed
			bytesPerSec = float64(b.sentBytes.Load()) / elapsed
			errRate = float64(errCount) / elapsed
		}
	}

	var last time.Time
	if ns := b.lastSent.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return component.FlowMetrics{
		MessagesPerSecond: perSec,
		BytesPerSecond:    bytesPerSec,
		ErrorRate:         errRate,
		LastActivity:      last,
	}
}
