package forward

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/udpkit/datagram"
	"github.com/c360/udpkit/errors"
)

type fakeSource struct {
	mu      sync.Mutex
	pending []datagram.Datagram
	notify  chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{notify: make(chan struct{}, 1)}
}

func (s *fakeSource) Name() string                   { return "udp-fake" }
func (s *fakeSource) Notifications() <-chan struct{} { return s.notify }

func (s *fakeSource) ReceiveBatch(max int) []datagram.Datagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	if n > max {
		n = max
	}
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	return batch
}

func (s *fakeSource) push(t *testing.T, payload string) {
	t.Helper()
	dg, err := datagram.New("192.168.1.10", 7000, []byte(payload))
	require.NoError(t, err)

	s.mu.Lock()
	s.pending = append(s.pending, dg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func receiveOne(t *testing.T, b *Branch) datagram.Datagram {
	t.Helper()
	select {
	case <-b.Notifications():
	case <-time.After(2 * time.Second):
		t.Fatalf("branch %s never notified", b.Name())
	}
	batch := b.ReceiveBatch(1)
	require.Len(t, batch, 1)
	return batch[0]
}

func TestTee_CopiesToAllBranches(t *testing.T) {
	src := newFakeSource()
	tee, err := NewTee(src, nil)
	require.NoError(t, err)

	first, err := tee.Branch("nats-leg", 0)
	require.NoError(t, err)
	second, err := tee.Branch("", 0)
	require.NoError(t, err)
	assert.Equal(t, "nats-leg", first.Name())
	assert.Equal(t, src.Name(), second.Name(), "empty branch name inherits the source's")

	require.NoError(t, tee.Start(context.Background()))
	defer tee.Stop(time.Second)

	src.push(t, "duplicate me")

	assert.Equal(t, []byte("duplicate me"), receiveOne(t, first).Payload())
	assert.Equal(t, []byte("duplicate me"), receiveOne(t, second).Payload())
}

func TestTee_BranchesDoNotSteal(t *testing.T) {
	src := newFakeSource()
	tee, err := NewTee(src, nil)
	require.NoError(t, err)

	first, err := tee.Branch("", 0)
	require.NoError(t, err)
	second, err := tee.Branch("", 0)
	require.NoError(t, err)

	require.NoError(t, tee.Start(context.Background()))
	defer tee.Stop(time.Second)

	const total = 10
	for i := 0; i < total; i++ {
		src.push(t, "n")
	}

	collect := func(b *Branch) int {
		got := 0
		deadline := time.Now().Add(2 * time.Second)
		for got < total && time.Now().Before(deadline) {
			got += len(b.ReceiveBatch(total))
			time.Sleep(5 * time.Millisecond)
		}
		return got
	}
	assert.Equal(t, total, collect(first))
	assert.Equal(t, total, collect(second))
}

func TestTee_RequiresSourceAndBranches(t *testing.T) {
	_, err := NewTee(nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	src := newFakeSource()
	tee, err := NewTee(src, nil)
	require.NoError(t, err)

	err = tee.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrState)
}

func TestTee_NoBranchesAfterStart(t *testing.T) {
	src := newFakeSource()
	tee, err := NewTee(src, nil)
	require.NoError(t, err)

	_, err = tee.Branch("", 0)
	require.NoError(t, err)
	require.NoError(t, tee.Start(context.Background()))
	defer tee.Stop(time.Second)

	_, err = tee.Branch("", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrState)
}

func TestTee_StopDrainsPending(t *testing.T) {
	src := newFakeSource()
	tee, err := NewTee(src, nil)
	require.NoError(t, err)

	branch, err := tee.Branch("", 0)
	require.NoError(t, err)
	require.NoError(t, tee.Start(context.Background()))

	// Queue without signalling, then stop: the final drain still copies
	dg, err := datagram.New("192.168.1.10", 7000, []byte("late"))
	require.NoError(t, err)
	src.mu.Lock()
	src.pending = append(src.pending, dg)
	src.mu.Unlock()

	require.NoError(t, tee.Stop(time.Second))
	require.NoError(t, tee.Stop(time.Second), "stop is idempotent")

	batch := branch.ReceiveBatch(1)
	require.Len(t, batch, 1)
	assert.Equal(t, []byte("late"), batch[0].Payload())
}
