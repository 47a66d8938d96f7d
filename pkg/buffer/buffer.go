// Package buffer provides generic, thread-safe buffer implementations with
// configurable overflow policies.
//
// The primary type is a fixed-capacity circular buffer supporting DropOldest
// (the default), DropNewest, and Block overflow policies. Statistics are
// always collected; Prometheus metrics are optional via WithMetrics().
//
// A DropOldest buffer is the receive queue of a UDP endpoint: writes never
// fail and never block, and when the buffer is full the oldest entries are
// evicted to make room for new ones.
package buffer

// Buffer is a generic bounded FIFO queue parameterized by item type T.
type Buffer[T any] interface {
	// Write appends an item to the tail of the buffer. Behavior when the
	// buffer is full depends on the overflow policy; for DropOldest and
	// DropNewest Write never blocks and only fails on a closed buffer.
	Write(item T) error

	// Read removes and returns the head item.
	// Returns the zero value and false if the buffer is empty; never blocks.
	Read() (T, bool)

	// ReadBatch removes and returns up to max items in FIFO order.
	ReadBatch(max int) []T

	// Peek returns the head item without removing it.
	Peek() (T, bool)

	// Size returns the current number of items. Side-effect free.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// IsFull reports whether the buffer is at capacity.
	IsFull() bool

	// IsEmpty reports whether the buffer holds no items.
	IsEmpty() bool

	// Clear removes all items.
	Clear()

	// Stats returns buffer statistics (always collected).
	Stats() *Statistics

	// Close shuts down the buffer and wakes any blocked writers.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest evicts head items to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item when the buffer is full.
	DropNewest

	// Block makes Write wait until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped due to the overflow policy.
type DropCallback[T any] func(item T)

// NewCircular creates a new circular buffer with the given capacity.
// Returns an error if metrics registration fails when metrics are requested.
func NewCircular[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircular(capacity, opts)
}
