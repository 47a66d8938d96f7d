package endpoint

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/udpkit/errors"
)

func TestPoller_StartStopIdempotent(t *testing.T) {
	var ticks atomic.Int64
	p := newPoller(MinTimerInterval, func() error {
		ticks.Add(1)
		return nil
	}, nil, slog.Default())

	require.NoError(t, p.stop(time.Second), "stop before start is a no-op")

	p.start()
	p.start()
	assert.True(t, p.isRunning())

	require.Eventually(t, func() bool {
		return ticks.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.stop(time.Second))
	require.NoError(t, p.stop(time.Second))
	assert.False(t, p.isRunning())

	// No ticks arrive after the join returns
	settled := ticks.Load()
	time.Sleep(3 * MinTimerInterval)
	assert.Equal(t, settled, ticks.Load())
}

func TestPoller_TicksAreSerialized(t *testing.T) {
	var inFlight atomic.Int32
	var overlapped atomic.Bool

	p := newPoller(MinTimerInterval, func() error {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		// Overrun the interval so a naive implementation would stack ticks
		time.Sleep(2 * MinTimerInterval)
		inFlight.Add(-1)
		return nil
	}, nil, slog.Default())

	p.start()
	time.Sleep(10 * MinTimerInterval)
	require.NoError(t, p.stop(5*time.Second))

	assert.False(t, overlapped.Load(), "ticks must never run concurrently")
}

func TestPoller_FatalErrorStopsLoop(t *testing.T) {
	var ticks atomic.Int64
	fatalSeen := make(chan error, 1)

	p := newPoller(MinTimerInterval, func() error {
		if ticks.Add(1) == 2 {
			return errors.WrapFatal(errors.ErrSocketClosed, "socket", "receiveOnce", "read")
		}
		return nil
	}, func(err error) {
		fatalSeen <- err
	}, slog.Default())

	p.start()

	select {
	case err := <-fatalSeen:
		assert.ErrorIs(t, err, errors.ErrSocketClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("fatal callback never fired")
	}

	require.Eventually(t, func() bool {
		return !p.isRunning()
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, ticks.Load(), "loop must not tick past the fatal error")

	// stop after an autonomous exit still returns cleanly
	require.NoError(t, p.stop(time.Second))
}

func TestPoller_TransientErrorsKeepLoopAlive(t *testing.T) {
	var ticks atomic.Int64
	p := newPoller(MinTimerInterval, func() error {
		ticks.Add(1)
		return errors.WrapTransient(
			fmt.Errorf("%w: checksum mismatch", errors.ErrTransport),
			"socket", "receiveOnce", "read")
	}, nil, slog.Default())

	p.start()
	require.Eventually(t, func() bool {
		return ticks.Load() >= 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, p.isRunning())

	require.NoError(t, p.stop(time.Second))
}

func TestPoller_SetInterval(t *testing.T) {
	p := newPoller(0, func() error { return nil }, nil, slog.Default())
	assert.Equal(t, MinTimerInterval, p.currentInterval(), "zero interval clamps to the floor")

	require.NoError(t, p.setInterval(100*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, p.currentInterval())

	require.NoError(t, p.setInterval(time.Millisecond))
	assert.Equal(t, MinTimerInterval, p.currentInterval())

	err := p.setInterval(-time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrState)

	p.start()
	err = p.setInterval(time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrState)
	require.NoError(t, p.stop(time.Second))
}
