// Package forward contains the fan-out plumbing between endpoints and the
// concrete forwarders in its subpackages.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/udpkit/datagram"
	"github.com/c360/udpkit/errors"
	"github.com/c360/udpkit/pkg/buffer"
)

// DefaultBranchCapacity is the per-branch queue depth of a Tee.
const DefaultBranchCapacity = 256

// Source is a drainable stream of datagrams. *endpoint.Endpoint satisfies
// it, as does each Tee branch.
type Source interface {
	Name() string
	Notifications() <-chan struct{}
	ReceiveBatch(max int) []datagram.Datagram
}

// Tee drains one Source and copies every datagram into each branch, so two
// forwarders consuming the same endpoint do not steal from each other. Each
// branch has its own bounded buffer that drops the oldest entry when a slow
// forwarder falls behind.
type Tee struct {
	src      Source
	branches []*Branch
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// Branch is one output of a Tee. It implements Source.
type Branch struct {
	name   string
	buf    buffer.Buffer[datagram.Datagram]
	notify chan struct{}
}

// Name implements Source.
func (b *Branch) Name() string { return b.name }

// Notifications implements Source.
func (b *Branch) Notifications() <-chan struct{} { return b.notify }

// ReceiveBatch implements Source.
func (b *Branch) ReceiveBatch(max int) []datagram.Datagram {
	return b.buf.ReadBatch(max)
}

// NewTee wraps a source. Branches must be added before Start.
func NewTee(src Source, logger *slog.Logger) (*Tee, error) {
	if src == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: source is required", errors.ErrMissingConfig),
			"tee", "NewTee", "source check")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tee{
		src:    src,
		logger: logger.With("component", "tee", "source", src.Name()),
	}, nil
}

// Branch adds an output with the given name and queue capacity (empty name
// inherits the source's, zero capacity means DefaultBranchCapacity). Must
// be called before Start.
func (t *Tee) Branch(name string, capacity int) (*Branch, error) {
	if t.stopCh != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: tee already started", errors.ErrState),
			"tee", "Branch", "state check")
	}
	if name == "" {
		name = t.src.Name()
	}
	if capacity <= 0 {
		capacity = DefaultBranchCapacity
	}

	buf, err := buffer.NewCircular[datagram.Datagram](capacity,
		buffer.WithOverflowPolicy[datagram.Datagram](buffer.DropOldest))
	if err != nil {
		return nil, errors.WrapInvalid(err, "tee", "Branch", "buffer creation")
	}

	b := &Branch{
		name:   name,
		buf:    buf,
		notify: make(chan struct{}, 1),
	}
	t.branches = append(t.branches, b)
	return b, nil
}

// Start launches the copy loop.
func (t *Tee) Start(ctx context.Context) error {
	if t.stopCh != nil {
		return nil
	}
	if len(t.branches) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: tee has no branches", errors.ErrState),
			"tee", "Start", "branch check")
	}

	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	go t.run(ctx, t.stopCh, t.doneCh)
	return nil
}

// Stop halts the copy loop after a final drain. Branch buffers stay
// readable so forwarders can flush on their own shutdown path.
func (t *Tee) Stop(timeout time.Duration) error {
	if t.stopCh == nil {
		return nil
	}
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}

	select {
	case <-t.doneCh:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("copy loop did not stop within %s", timeout),
			"tee", "Stop", "join")
	}
}

func (t *Tee) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			t.copyPending()
			return
		case <-ctx.Done():
			return
		case <-t.src.Notifications():
			t.copyPending()
		}
	}
}

func (t *Tee) copyPending() {
	for {
		batch := t.src.ReceiveBatch(DefaultBranchCapacity)
		if len(batch) == 0 {
			return
		}
		for _, dg := range batch {
			for _, b := range t.branches {
				if err := b.buf.Write(dg); err != nil {
					t.logger.Warn("branch buffer closed, datagram dropped", "branch", b.name)
					continue
				}
				select {
				case b.notify <- struct{}{}:
				default:
				}
			}
		}
	}
}
