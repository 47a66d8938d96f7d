package endpoint

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/udpkit/errors"
)

// MinTimerInterval is the floor for the poll interval. Intervals below it
// are clamped up so a misconfigured endpoint cannot spin the CPU.
const MinTimerInterval = 20 * time.Millisecond

// poller drives the receive loop at a fixed rate. Ticks are serialized: a
// tick that overruns its interval delays the next tick rather than stacking
// concurrent reads. The loop stops on request or autonomously when a tick
// returns a fatal error.
type poller struct {
	mu       sync.Mutex
	interval time.Duration
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	tick    func() error
	onFatal func(error)
	logger  *slog.Logger
	logLim  *rate.Limiter
}

func newPoller(interval time.Duration, tick func() error, onFatal func(error), logger *slog.Logger) *poller {
	if interval < MinTimerInterval {
		interval = MinTimerInterval
	}
	return &poller{
		interval: interval,
		tick:     tick,
		onFatal:  onFatal,
		logger:   logger,
		logLim:   rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// setInterval reconfigures the tick interval. Rejected while running;
// intervals below MinTimerInterval are clamped.
func (p *poller) setInterval(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.WrapInvalid(
			fmt.Errorf("%w: poll loop is running", errors.ErrState),
			"poller", "setInterval", "state check")
	}
	if d <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: interval must be positive", errors.ErrState),
			"poller", "setInterval", "interval validation")
	}
	if d < MinTimerInterval {
		d = MinTimerInterval
	}
	p.interval = d
	return nil
}

func (p *poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *poller) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// start launches the loop goroutine. No-op if already running.
func (p *poller) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.running = true
	go p.run(p.interval, p.stopCh, p.doneCh)
}

// stop signals the loop and joins it, waiting at most timeout for the
// in-flight tick to finish. Idempotent; returns a transient error if the
// loop did not exit in time.
func (p *poller) stop(timeout time.Duration) error {
	p.mu.Lock()
	stopCh, doneCh := p.stopCh, p.doneCh
	if stopCh != nil {
		select {
		case <-stopCh:
		default:
			close(stopCh)
		}
	}
	p.mu.Unlock()

	if doneCh == nil {
		return nil
	}
	select {
	case <-doneCh:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("poll loop did not stop within %s", timeout),
			"poller", "stop", "join")
	}
}

func (p *poller) run(interval time.Duration, stopCh, doneCh chan struct{}) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(doneCh)
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// Stop wins when both fire in the same tick
			select {
			case <-stopCh:
				return
			default:
			}

			err := p.tick()
			if err == nil {
				continue
			}
			if errors.IsFatal(err) {
				p.logger.Error("poll loop stopping on fatal receive error", "error", err)
				if p.onFatal != nil {
					p.onFatal(err)
				}
				return
			}
			if p.logLim.Allow() {
				p.logger.Warn("transient receive error", "error", err)
			}
		}
	}
}
