package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/udpkit/component"
	"github.com/c360/udpkit/datagram"
	"github.com/c360/udpkit/errors"
	"github.com/c360/udpkit/metric"
	"github.com/c360/udpkit/pkg/buffer"
	"github.com/c360/udpkit/resolver"
)

const (
	// DefaultTimerInterval is the poll interval used when the config
	// leaves it zero.
	DefaultTimerInterval = 20 * time.Millisecond

	// DefaultReadTimeout bounds the blocking read inside a single tick.
	// It must stay well under the tick interval so a quiet socket never
	// delays shutdown by more than one tick.
	DefaultReadTimeout = 5 * time.Millisecond

	// DefaultMaxPayloadSize is the receive buffer size per datagram.
	// Payloads longer than this are truncated by the kernel.
	DefaultMaxPayloadSize = 1500

	// DefaultBufferCapacity is the receive queue depth. When full, the
	// oldest datagram is evicted to make room for the newest.
	DefaultBufferCapacity = 20

	// DefaultStopTimeout bounds how long Stop waits for the poll loop.
	DefaultStopTimeout = 2 * time.Second
)

// Role distinguishes how an endpoint is meant to be used. Both roles share
// the same socket mechanics; the role is carried in metadata and logs.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Config holds the static configuration of an endpoint. The zero value is
// usable: it binds the wildcard address on an ephemeral port with defaults
// applied everywhere.
type Config struct {
	// Interface is a local network interface name. Takes precedence
	// over IP when both are set.
	Interface string `json:"interface,omitempty"`

	// IP is a literal local IPv4 or IPv6 address.
	IP string `json:"ip,omitempty"`

	// Port is the local UDP port. Zero selects a free port by probing.
	Port int `json:"port"`

	// Role tags the endpoint as client or server. Defaults to client.
	Role Role `json:"role,omitempty"`

	// TimerInterval is the poll period. Clamped to MinTimerInterval.
	TimerInterval time.Duration `json:"timer_interval,omitempty"`

	// ReadTimeout bounds the socket read inside one tick.
	ReadTimeout time.Duration `json:"read_timeout,omitempty"`

	// MaxPayloadSize is the per-datagram receive buffer size in bytes.
	MaxPayloadSize int `json:"max_payload_size,omitempty"`

	// PayloadSizeCeiling caps MaxPayloadSize. Defaults to 1500; raise it
	// for jumbo-frame networks.
	PayloadSizeCeiling int `json:"payload_size_ceiling,omitempty"`

	// BufferCapacity is the receive queue depth.
	BufferCapacity int `json:"buffer_capacity,omitempty"`
}

func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = RoleClient
	}
	if c.TimerInterval <= 0 {
		c.TimerInterval = DefaultTimerInterval
	}
	if c.TimerInterval < MinTimerInterval {
		c.TimerInterval = MinTimerInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.PayloadSizeCeiling <= 0 {
		c.PayloadSizeCeiling = DefaultMaxPayloadSize
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = DefaultBufferCapacity
	}
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: port %d", errors.ErrAddress, c.Port),
			"endpoint", "validate", "port range")
	}
	if c.Role != RoleClient && c.Role != RoleServer {
		return errors.WrapInvalid(
			fmt.Errorf("%w: role %q", errors.ErrInvalidConfig, c.Role),
			"endpoint", "validate", "role")
	}
	if c.MaxPayloadSize < 1 || c.MaxPayloadSize > c.PayloadSizeCeiling {
		return errors.WrapInvalid(
			fmt.Errorf("%w: max payload size %d outside 1..%d",
				errors.ErrInvalidConfig, c.MaxPayloadSize, c.PayloadSizeCeiling),
			"endpoint", "validate", "payload size")
	}
	return nil
}

// DataHandler is invoked synchronously from the poll goroutine for every
// datagram pushed into the receive buffer. Handlers must be quick; a slow
// handler delays subsequent ticks.
type DataHandler func(dg datagram.Datagram)

// Deps carries everything an Endpoint needs at construction.
type Deps struct {
	// Name identifies the endpoint in logs and metrics. Defaults to
	// "udp-<port>" after resolution.
	Name string

	Config Config

	// MetricsRegistry is optional; without it the endpoint keeps only
	// its internal atomic counters.
	MetricsRegistry *metric.Registry

	// Logger is optional and defaults to slog.Default.
	Logger *slog.Logger
}

// Endpoint binds a UDP socket and polls it on a timer, queueing inbound
// datagrams in a bounded buffer and notifying registered handlers. It
// implements component.LifecycleComponent and component.Discoverable.
type Endpoint struct {
	id     string
	name   string
	config Config
	laddr  *net.UDPAddr

	sock *socket
	poll *poller
	buf  buffer.Buffer[datagram.Datagram]

	logger   *slog.Logger
	metrics  *Metrics
	registry *metric.Registry

	handlersMu sync.RWMutex
	handlers   []DataHandler
	notifyCh   chan struct{}

	mu        sync.Mutex
	destroyed bool
	startTime time.Time

	// Lifecycle state, stored atomically so the poll goroutine can fail
	// the endpoint without taking e.mu.
	state atomic.Int32 // component.State

	received      atomic.Int64
	receivedBytes atomic.Int64
	sent          atomic.Int64
	sentBytes     atomic.Int64
	errCount      atomic.Int64
	lastErr       atomic.Value // string
	lastActivity  atomic.Int64 // unix nanos
}

// New resolves the local address, probes for a free port when none was
// given, and assembles the endpoint. Any failure here aborts construction;
// nothing is bound yet.
func New(deps Deps) (*Endpoint, error) {
	cfg := deps.Config
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	laddr, err := resolver.Resolve(resolver.Request{
		Interface: cfg.Interface,
		IP:        cfg.IP,
		Port:      cfg.Port,
	})
	if err != nil {
		return nil, err
	}

	if laddr.Port == 0 {
		// Probe-then-release: the port can be taken between here and
		// Start, in which case Start fails with a bind error.
		port, err := resolver.FreePort(laddr.IP, resolver.DefaultProbeStart, resolver.DefaultProbeCount)
		if err != nil {
			return nil, err
		}
		laddr.Port = port
	}
	cfg.Port = laddr.Port

	name := deps.Name
	if name == "" {
		name = fmt.Sprintf("udp-%d", laddr.Port)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		"component", "endpoint",
		"endpoint", name,
		"role", string(cfg.Role),
		"local_addr", laddr.String(),
	)

	e := &Endpoint{
		id:       uuid.New().String(),
		name:     name,
		config:   cfg,
		laddr:    laddr,
		logger:   logger,
		registry: deps.MetricsRegistry,
		notifyCh: make(chan struct{}, 1),
	}
	e.lastErr.Store("")

	if deps.MetricsRegistry != nil {
		m, err := newMetrics(deps.MetricsRegistry, name)
		if err != nil {
			return nil, errors.WrapInvalid(err, "endpoint", "New", "metrics registration")
		}
		e.metrics = m
	}

	bufOpts := []buffer.Option[datagram.Datagram]{
		buffer.WithOverflowPolicy[datagram.Datagram](buffer.DropOldest),
		buffer.WithDropCallback[datagram.Datagram](func(datagram.Datagram) {
			e.metrics.recordDrop()
		}),
	}
	if deps.MetricsRegistry != nil {
		bufOpts = append(bufOpts, buffer.WithMetrics[datagram.Datagram](deps.MetricsRegistry, name))
	}
	buf, err := buffer.NewCircular[datagram.Datagram](cfg.BufferCapacity, bufOpts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "endpoint", "New", "buffer creation")
	}
	e.buf = buf

	e.sock = newSocket(laddr, cfg.MaxPayloadSize, logger)
	e.poll = newPoller(cfg.TimerInterval, e.pollOnce, e.onPollFatal, logger)

	return e, nil
}

// ID returns the endpoint's unique instance identifier.
func (e *Endpoint) ID() string { return e.id }

// Name returns the endpoint's configured name.
func (e *Endpoint) Name() string { return e.name }

// LocalAddr returns the bound (or resolved) local address.
func (e *Endpoint) LocalAddr() *net.UDPAddr { return e.sock.localAddr() }

// Port returns the local UDP port.
func (e *Endpoint) Port() int { return e.sock.localAddr().Port }

// IsOpen reports whether the socket is currently bound.
func (e *Endpoint) IsOpen() bool { return e.sock.isOpen() }

// IsRunning reports whether the poll loop is active.
func (e *Endpoint) IsRunning() bool { return e.poll.isRunning() }

// Initialize validates configuration. Safe to call more than once; no I/O
// happens here.
func (e *Endpoint) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return errors.WrapInvalid(
			fmt.Errorf("%w: endpoint destroyed", errors.ErrState),
			"endpoint", "Initialize", "state check")
	}
	if err := e.config.validate(); err != nil {
		return err
	}
	e.state.Store(int32(component.StateInitialized))
	return nil
}

// Open binds the socket without starting the poll loop. Idempotent.
func (e *Endpoint) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return errors.WrapInvalid(
			fmt.Errorf("%w: endpoint destroyed", errors.ErrState),
			"endpoint", "Open", "state check")
	}
	return e.sock.open()
}

// Close releases the socket without stopping the poll loop. When the loop
// is still running, its next read fails fatally and the loop shuts itself
// down; prefer Stop for an orderly shutdown.
func (e *Endpoint) Close() error {
	if e.poll.isRunning() {
		e.logger.Warn("socket closed while poll loop running; loop will stop on next tick")
	}
	return e.sock.close()
}

// Start binds the socket and launches the poll loop. A bind failure is
// returned as-is and the loop is never started; bind errors are not
// retried. Idempotent while running.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return errors.WrapInvalid(
			fmt.Errorf("%w: endpoint destroyed", errors.ErrState),
			"endpoint", "Start", "state check")
	}
	if err := ctx.Err(); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrShuttingDown, err),
			"endpoint", "Start", "context check")
	}
	if e.poll.isRunning() {
		return nil
	}

	e.setStatus(metric.StatusStarting)
	if err := e.sock.open(); err != nil {
		e.setStatus(metric.StatusFailed)
		e.state.Store(int32(component.StateFailed))
		e.recordError(err)
		return err
	}
	// The kernel may have assigned a different port on ephemeral binds
	e.laddr = e.sock.localAddr()

	e.poll.start()
	e.startTime = time.Now()
	e.state.Store(int32(component.StateStarted))
	e.setStatus(metric.StatusRunning)
	e.logger.Info("endpoint started",
		"interval", e.poll.currentInterval(),
		"buffer_capacity", e.buf.Capacity(),
	)
	return nil
}

// Stop halts the poll loop, waits for the in-flight tick, then closes the
// socket. Idempotent; buffered datagrams remain readable afterwards.
func (e *Endpoint) Stop(timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	e.setStatus(metric.StatusStopping)
	if err := e.poll.stop(timeout); err != nil {
		// The socket stays open: closing it with the tick still in
		// flight is the race the stop ordering exists to prevent. A
		// later Stop finishes the job once the tick returns.
		e.logger.Warn("poll loop still draining, socket left open", "error", err)
		return err
	}
	closeErr := e.sock.close()
	e.state.Store(int32(component.StateStopped))
	e.setStatus(metric.StatusStopped)

	if closeErr != nil {
		return closeErr
	}
	e.logger.Info("endpoint stopped",
		"buffered", e.buf.Size(),
		"received", e.received.Load(),
		"sent", e.sent.Load(),
	)
	return nil
}

// Destroy stops the endpoint, closes the receive buffer, and unregisters
// its metrics. The endpoint is unusable afterwards. Idempotent.
func (e *Endpoint) Destroy() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	e.mu.Unlock()

	err := e.Stop(DefaultStopTimeout)
	_ = e.buf.Close()
	if e.registry != nil {
		e.registry.UnregisterComponent(e.name)
		e.registry.Core.EndpointStatus.DeleteLabelValues(e.name)
	}
	e.logger.Info("endpoint destroyed")
	return err
}

// Send transmits a datagram to its remote address. The socket must be open;
// the poll loop does not need to be running.
func (e *Endpoint) Send(dg datagram.Datagram) error {
	e.mu.Lock()
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed {
		return errors.WrapInvalid(
			fmt.Errorf("%w: endpoint destroyed", errors.ErrState),
			"endpoint", "Send", "state check")
	}

	if dg.Len() > e.sock.maxPayloadSize() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %d bytes exceeds %d", errors.ErrPayloadTooLarge, dg.Len(), e.sock.maxPayloadSize()),
			"endpoint", "Send", "payload size")
	}

	if err := e.sock.send(dg); err != nil {
		e.recordError(err)
		return err
	}

	now := time.Now()
	e.sent.Add(1)
	e.sentBytes.Add(int64(dg.Len()))
	e.lastActivity.Store(now.UnixNano())
	e.metrics.recordSend(dg.Len(), float64(now.Unix()))
	if e.registry != nil {
		e.registry.Core.DatagramsSent.WithLabelValues(e.name).Inc()
	}
	return nil
}

// SendTo is a convenience wrapper that builds and sends a datagram.
func (e *Endpoint) SendTo(remoteAddr string, remotePort int, payload []byte) error {
	dg, err := datagram.New(remoteAddr, remotePort, payload)
	if err != nil {
		return err
	}
	return e.Send(dg)
}

// Receive pops the oldest buffered datagram. The second return value is
// false when the buffer is empty.
func (e *Endpoint) Receive() (datagram.Datagram, bool) {
	return e.buf.Read()
}

// ReceiveBatch pops up to max buffered datagrams, oldest first.
func (e *Endpoint) ReceiveBatch(max int) []datagram.Datagram {
	return e.buf.ReadBatch(max)
}

// Buffered returns the number of datagrams waiting in the receive buffer.
func (e *Endpoint) Buffered() int {
	return e.buf.Size()
}

// OnDataReceived registers a handler called synchronously from the poll
// goroutine after each datagram is buffered. Registration order is
// invocation order.
func (e *Endpoint) OnDataReceived(h DataHandler) {
	if h == nil {
		return
	}
	e.handlersMu.Lock()
	e.handlers = append(e.handlers, h)
	e.handlersMu.Unlock()
}

// Notifications returns a signal channel that receives (coalesced) pings
// whenever new data is buffered. Consumers drain the buffer with Receive
// or ReceiveBatch on each signal.
func (e *Endpoint) Notifications() <-chan struct{} {
	return e.notifyCh
}

// SetTimerInterval reconfigures the poll period. Only allowed while the
// loop is stopped; values below MinTimerInterval are clamped.
func (e *Endpoint) SetTimerInterval(d time.Duration) error {
	if err := e.poll.setInterval(d); err != nil {
		return err
	}
	e.mu.Lock()
	e.config.TimerInterval = e.poll.currentInterval()
	e.mu.Unlock()
	return nil
}

// TimerInterval returns the effective poll period.
func (e *Endpoint) TimerInterval() time.Duration {
	return e.poll.currentInterval()
}

// SetMaxPayloadSize reconfigures the receive buffer size per datagram.
// Only allowed while the socket is closed and the poll loop is stopped.
func (e *Endpoint) SetMaxPayloadSize(n int) error {
	if e.poll.isRunning() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: poll loop is running", errors.ErrState),
			"endpoint", "SetMaxPayloadSize", "state check")
	}
	if err := e.sock.setMaxPayloadSize(n, e.config.PayloadSizeCeiling); err != nil {
		return err
	}
	e.mu.Lock()
	e.config.MaxPayloadSize = n
	e.mu.Unlock()
	return nil
}

// MaxPayloadSize returns the effective per-datagram receive size.
func (e *Endpoint) MaxPayloadSize() int {
	return e.sock.maxPayloadSize()
}

// pollOnce is the poll loop body: one bounded read, buffer push, and
// handler fan-out. A no-data tick is not an error.
func (e *Endpoint) pollOnce() error {
	dg, ok, err := e.sock.receiveOnce(e.config.ReadTimeout)
	if err != nil {
		e.recordError(err)
		return err
	}
	if !ok {
		return nil
	}

	// DropOldest never rejects a write; an error here means the buffer
	// was closed underneath us, which only Destroy does.
	if werr := e.buf.Write(dg); werr != nil {
		return errors.WrapFatal(werr, "endpoint", "pollOnce", "buffer write")
	}

	now := time.Now()
	e.received.Add(1)
	e.receivedBytes.Add(int64(dg.Len()))
	e.lastActivity.Store(now.UnixNano())
	e.metrics.recordReceive(dg.Len(), float64(now.Unix()))
	if e.registry != nil {
		e.registry.Core.DatagramsReceived.WithLabelValues(e.name).Inc()
	}

	e.notifyDataReceived(dg)
	return nil
}

// onPollFatal runs on the poll goroutine after a fatal receive error, just
// before the loop exits. It must not call back into poller.stop.
func (e *Endpoint) onPollFatal(err error) {
	e.state.Store(int32(component.StateFailed))
	e.setStatus(metric.StatusFailed)
	e.logger.Error("endpoint stopped by receive failure", "error", err)
}

func (e *Endpoint) notifyDataReceived(dg datagram.Datagram) {
	e.handlersMu.RLock()
	handlers := make([]DataHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.handlersMu.RUnlock()

	for _, h := range handlers {
		h(dg)
	}

	select {
	case e.notifyCh <- struct{}{}:
	default:
	}
}

func (e *Endpoint) recordError(err error) {
	e.errCount.Add(1)
	e.lastErr.Store(err.Error())
	if e.registry != nil {
		e.registry.Core.ErrorsTotal.WithLabelValues(e.name, errors.Classify(err).String()).Inc()
	}
}

func (e *Endpoint) setStatus(status float64) {
	if e.registry != nil {
		e.registry.Core.EndpointStatus.WithLabelValues(e.name).Set(status)
	}
}

// Meta implements component.Discoverable.
func (e *Endpoint) Meta() component.Metadata {
	return component.Metadata{
		Name:        e.name,
		Type:        "endpoint",
		Description: fmt.Sprintf("UDP %s endpoint on %s", e.config.Role, e.laddr),
		Version:     "1.0.0",
		State:       component.State(e.state.Load()).String(),
	}
}

// Health implements component.Discoverable. An endpoint is healthy when it
// is either idle (stopped on purpose) or running with a bound socket.
func (e *Endpoint) Health() component.HealthStatus {
	running := e.poll.isRunning()
	open := e.sock.isOpen()

	var uptime time.Duration
	e.mu.Lock()
	if running && !e.startTime.IsZero() {
		uptime = time.Since(e.startTime)
	}
	destroyed := e.destroyed
	e.mu.Unlock()

	healthy := !destroyed && (!running || open)
	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(e.errCount.Load()),
		LastError:  e.lastErr.Load().(string),
		Uptime:     uptime,
	}
}

// DataFlow implements component.Discoverable.
func (e *Endpoint) DataFlow() component.FlowMetrics {
	e.mu.Lock()
	start := e.startTime
	e.mu.Unlock()

	var perSec, bytesPerSec, errRate float64
	if !start.IsZero() {
		elapsed := time.Since(start).Seconds()
		if elapsed > 0 {
			perSec = float64(e.received.Load()+e.sent.Load()) / elapsed
			bytesPerSec = float64(e.receivedBytes.Load()+e.sentBytes.Load()) / elapsed
			errRate = float64(e.errCount.Load()) / elapsed
		}
	}

	var last time.Time
	if ns := e.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return component.FlowMetrics{
		MessagesPerSecond: perSec,
		BytesPerSecond:    bytesPerSec,
		ErrorRate:         errRate,
		LastActivity:      last,
	}
}
