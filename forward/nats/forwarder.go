// Package nats forwards received datagrams to a NATS subject. Each source
// endpoint gets its own subject under a configurable prefix, and publishes
// are retried with backoff so short broker hiccups do not lose data.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/udpkit/component"
	"github.com/c360/udpkit/datagram"
	"github.com/c360/udpkit/errors"
	"github.com/c360/udpkit/metric"
	"github.com/c360/udpkit/pkg/retry"
)

const drainBatchSize = 64

// Source is the slice of the endpoint surface the forwarder consumes.
type Source interface {
	Name() string
	Notifications() <-chan struct{}
	ReceiveBatch(max int) []datagram.Datagram
}

// Config holds the NATS connection and subject settings.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	Username      string
	Password      string
	Token         string
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = natsgo.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "udpkit.datagrams"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
}

// Deps carries the forwarder's construction dependencies.
type Deps struct {
	Name   string
	Config Config
	Source Source

	// MetricsRegistry is optional.
	MetricsRegistry *metric.Registry

	// Logger is optional and defaults to slog.Default.
	Logger *slog.Logger
}

// Forwarder drains a Source on every notification signal and publishes each
// datagram as JSON to "<prefix>.<source name>".
type Forwarder struct {
	name    string
	config  Config
	source  Source
	subject string
	logger  *slog.Logger

	retryCfg retry.Config

	mu      sync.Mutex
	conn    *natsgo.Conn
	stopCh  chan struct{}
	doneCh  chan struct{}
	state   component.State
	fatalCh chan error

	registry  *metric.Registry
	forwarded prometheus.Counter
	pubErrors prometheus.Counter

	startTime time.Time
	lastErr   string
	errCount  int

	sentCount atomic.Int64
	sentBytes atomic.Int64
	lastSent  atomic.Int64 // unix nanos
}

// New assembles a forwarder. No connection is made until Start.
func New(deps Deps) (*Forwarder, error) {
	if deps.Source == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: source endpoint is required", errors.ErrMissingConfig),
			"forwarder", "New", "source check")
	}

	cfg := deps.Config
	cfg.applyDefaults()

	name := deps.Name
	if name == "" {
		name = "nats-forward-" + deps.Source.Name()
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats-forwarder", "forwarder", name)

	f := &Forwarder{
		name:     name,
		config:   cfg,
		source:   deps.Source,
		subject:  cfg.SubjectPrefix + "." + deps.Source.Name(),
		logger:   logger,
		retryCfg: errors.DefaultRetryConfig().ToRetryConfig(),
		fatalCh:  make(chan error, 1),
		registry: deps.MetricsRegistry,
	}

	if deps.MetricsRegistry != nil {
		labels := prometheus.Labels{"forwarder": name}
		f.forwarded = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "udpkit",
			Subsystem:   "forward_nats",
			Name:        "datagrams_forwarded_total",
			ConstLabels: labels,
			Help:        "Datagrams successfully published to NATS",
		})
		f.pubErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "udpkit",
			Subsystem:   "forward_nats",
			Name:        "publish_errors_total",
			ConstLabels: labels,
			Help:        "Publish attempts that failed after retries",
		})
		if err := deps.MetricsRegistry.RegisterCounter(name, "datagrams_forwarded", f.forwarded); err != nil {
			return nil, err
		}
		if err := deps.MetricsRegistry.RegisterCounter(name, "publish_errors", f.pubErrors); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// Subject returns the subject this forwarder publishes to.
func (f *Forwarder) Subject() string { return f.subject }

// Err reports a permanently closed connection: the broker went away and the
// reconnect budget ran out. A graceful Stop never sends on it.
func (f *Forwarder) Err() <-chan error {
	return f.fatalCh
}

// Initialize validates configuration without connecting.
func (f *Forwarder) Initialize() error {
	if f.config.URL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nats url", errors.ErrMissingConfig),
			"forwarder", "Initialize", "config check")
	}
	f.mu.Lock()
	f.state = component.StateInitialized
	f.mu.Unlock()
	return nil
}

// Start connects to NATS and launches the drain loop. Idempotent.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil {
		return nil
	}

	opts := []natsgo.Option{
		natsgo.Name(f.name),
		natsgo.MaxReconnects(f.config.MaxReconnects),
		natsgo.ReconnectWait(f.config.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			f.logger.Warn("nats disconnected", "error", err)
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			f.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		natsgo.ClosedHandler(func(nc *natsgo.Conn) {
			// LastError is nil on a graceful Close; non-nil means the
			// reconnect budget ran out.
			if err := nc.LastError(); err != nil {
				select {
				case f.fatalCh <- errors.WrapFatal(err, "forwarder", "connection", "closed"):
				default:
				}
			}
		}),
	}
	switch {
	case f.config.Token != "":
		opts = append(opts, natsgo.Token(f.config.Token))
	case f.config.Username != "":
		opts = append(opts, natsgo.UserInfo(f.config.Username, f.config.Password))
	}

	// A broker that is still coming up should not fail daemon startup;
	// quick retries paper over the race.
	conn, err := retry.DoWithResult(ctx, retry.Quick(), func() (*natsgo.Conn, error) {
		return natsgo.Connect(f.config.URL, opts...)
	})
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrTransport, err),
			"forwarder", "Start", fmt.Sprintf("connect %s", f.config.URL))
	}

	f.conn = conn
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	f.startTime = time.Now()
	f.state = component.StateStarted
	go f.run(ctx, f.stopCh, f.doneCh)

	f.logger.Info("forwarder started", "subject", f.subject, "url", conn.ConnectedUrl())
	return nil
}

// Stop halts the drain loop, flushes, and closes the connection. Idempotent.
func (f *Forwarder) Stop(timeout time.Duration) error {
	f.mu.Lock()
	stopCh, doneCh := f.stopCh, f.doneCh
	f.stopCh, f.doneCh = nil, nil
	f.mu.Unlock()

	if stopCh == nil {
		return nil
	}

	// Join before touching the connection so the final drain can still
	// publish.
	close(stopCh)
	joined := true
	select {
	case <-doneCh:
	case <-time.After(timeout):
		joined = false
	}

	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.state = component.StateStopped
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	if !joined {
		conn.Close()
		return errors.WrapTransient(
			fmt.Errorf("drain loop did not stop within %s", timeout),
			"forwarder", "Stop", "join")
	}

	if err := conn.FlushTimeout(timeout); err != nil {
		f.logger.Warn("flush on stop failed", "error", err)
	}
	conn.Close()
	f.logger.Info("forwarder stopped")
	return nil
}

func (f *Forwarder) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			// Final drain so datagrams buffered before the stop signal
			// still go out.
			f.drain(ctx)
			return
		case <-ctx.Done():
			return
		case <-f.source.Notifications():
			f.drain(ctx)
		}
	}
}

func (f *Forwarder) drain(ctx context.Context) {
	for {
		batch := f.source.ReceiveBatch(drainBatchSize)
		if len(batch) == 0 {
			return
		}
		for _, dg := range batch {
			if err := f.publish(ctx, dg); err != nil {
				f.recordError(err)
				f.logger.Error("publish failed, datagram dropped",
					"subject", f.subject, "error", err)
				continue
			}
			f.sentCount.Add(1)
			f.sentBytes.Add(int64(dg.Len()))
			f.lastSent.Store(time.Now().UnixNano())
			if f.forwarded != nil {
				f.forwarded.Inc()
			}
		}
	}
}

func (f *Forwarder) publish(ctx context.Context, dg datagram.Datagram) error {
	data, err := dg.MarshalJSON()
	if err != nil {
		return retry.NonRetryable(err)
	}

	return retry.Do(ctx, f.retryCfg, func() error {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return retry.NonRetryable(errors.ErrNotOpen)
		}
		return conn.Publish(f.subject, data)
	})
}

func (f *Forwarder) recordError(err error) {
	f.mu.Lock()
	f.errCount++
	f.lastErr = err.Error()
	f.mu.Unlock()

	if f.pubErrors != nil {
		f.pubErrors.Inc()
	}
	if f.registry != nil {
		f.registry.Core.ErrorsTotal.WithLabelValues(f.name, errors.Classify(err).String()).Inc()
	}
}

// Meta implements component.Discoverable.
func (f *Forwarder) Meta() component.Metadata {
	f.mu.Lock()
	state := f.state
	f.mu.Unlock()
	return component.Metadata{
		Name:        f.name,
		Type:        "forwarder",
		Description: fmt.Sprintf("NATS forwarder publishing to %s", f.subject),
		Version:     "1.0.0",
		State:       state.String(),
	}
}

// Health implements component.Discoverable.
func (f *Forwarder) Health() component.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	connected := f.conn != nil && f.conn.IsConnected()
	var uptime time.Duration
	if f.conn != nil && !f.startTime.IsZero() {
		uptime = time.Since(f.startTime)
	}
	return component.HealthStatus{
		Healthy:    f.conn == nil || connected,
		LastCheck:  time.Now(),
		ErrorCount: f.errCount,
		LastError:  f.lastErr,
		Uptime:     uptime,
	}
}

// DataFlow implements component.Discoverable.
func (f *Forwarder) DataFlow() component.FlowMetrics {
	f.mu.Lock()
	start := f.startTime
	errCount := f.errCount
	f.mu.Unlock()

	var perSec, bytesPerSec, errRate float64
	if !start.IsZero() {
		elapsed := time.Since(start).Seconds()
		if elapsed > 0 {
			perSec = float64(f.sentCount.Load()) / elapsed
			bytesPerSec = float64(f.sentBytes.Load()) / elapsed
			errRate = float64(errCount) / elapsed
		}
	}

	var last time.Time
	if ns := f.lastSent.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return component.FlowMetrics{
		MessagesPerSecond: perSec,
		BytesPerSecond:    bytesPerSec,
		ErrorRate:         errRate,
		LastActivity:      last,
	}
}
