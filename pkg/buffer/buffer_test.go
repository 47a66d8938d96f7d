package buffer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircular_InitialState(t *testing.T) {
	buf, err := NewCircular[int](5)
	require.NoError(t, err)
	defer buf.Close()

	assert.Equal(t, 0, buf.Size())
	assert.Equal(t, 5, buf.Capacity())
	assert.True(t, buf.IsEmpty())
	assert.False(t, buf.IsFull())
}

func TestCircular_BasicOperations(t *testing.T) {
	buf, err := NewCircular[string](3)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write("first"))
	require.NoError(t, buf.Write("second"))
	require.NoError(t, buf.Write("third"))
	assert.True(t, buf.IsFull())

	value, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "first", value)
	assert.Equal(t, 3, buf.Size(), "peek must not change size")

	value, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, "first", value)
	assert.Equal(t, 2, buf.Size())

	batch := buf.ReadBatch(5)
	assert.Equal(t, []string{"second", "third"}, batch)
	assert.True(t, buf.IsEmpty())
}

func TestCircular_ReadEmptyNeverBlocks(t *testing.T) {
	buf, err := NewCircular[int](2)
	require.NoError(t, err)
	defer buf.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ok := buf.Read()
		assert.False(t, ok)
		assert.Nil(t, buf.ReadBatch(10))
		_, ok = buf.Peek()
		assert.False(t, ok)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read on empty buffer blocked")
	}
}

// TestCircular_DropOldestLaw verifies the drop-oldest invariant: after any
// sequence of writes, the buffer holds the most recent min(total, capacity)
// items in write order.
func TestCircular_DropOldestLaw(t *testing.T) {
	const capacity = 20

	for _, total := range []int{1, 5, 20, 21, 25, 100} {
		t.Run(fmt.Sprintf("writes_%d", total), func(t *testing.T) {
			buf, err := NewCircular[int](capacity)
			require.NoError(t, err)
			defer buf.Close()

			for i := 0; i < total; i++ {
				require.NoError(t, buf.Write(i))
				require.LessOrEqual(t, buf.Size(), capacity, "size must never exceed capacity")
			}

			keep := total
			if keep > capacity {
				keep = capacity
			}
			want := make([]int, 0, keep)
			for i := total - keep; i < total; i++ {
				want = append(want, i)
			}

			got := buf.ReadBatch(total)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("buffer contents mismatch (-want +got):\n%s", diff)
			}

			dropped := int64(total - keep)
			assert.Equal(t, dropped, buf.Stats().Drops())
		})
	}
}

func TestCircular_DropNewest(t *testing.T) {
	buf, err := NewCircular[int](2, WithOverflowPolicy[int](DropNewest))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3)) // discarded

	assert.Equal(t, []int{1, 2}, buf.ReadBatch(10))
	assert.Equal(t, int64(1), buf.Stats().Drops())
}

func TestCircular_BlockPolicy(t *testing.T) {
	buf, err := NewCircular[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- buf.Write(2) // blocks until a read frees space
	}()

	select {
	case <-unblocked:
		t.Fatal("write should have blocked on a full buffer")
	case <-time.After(50 * time.Millisecond):
	}

	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	select {
	case err := <-unblocked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write did not unblock after read")
	}

	require.NoError(t, buf.Close())
}

func TestCircular_CloseUnblocksWriters(t *testing.T) {
	buf, err := NewCircular[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))

	result := make(chan error, 1)
	go func() {
		result <- buf.Write(2)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, buf.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked writer was not released by Close")
	}

	// Write after close fails, Close is idempotent
	assert.ErrorIs(t, buf.Write(3), ErrClosed)
	assert.NoError(t, buf.Close())
}

func TestCircular_DropCallback(t *testing.T) {
	var mu sync.Mutex
	var dropped []int

	buf, err := NewCircular[int](2, WithDropCallback[int](func(item int) {
		mu.Lock()
		dropped = append(dropped, item)
		mu.Unlock()
	}))
	require.NoError(t, err)
	defer buf.Close()

	for i := 1; i <= 4; i++ {
		require.NoError(t, buf.Write(i))
	}

	mu.Lock()
	assert.Equal(t, []int{1, 2}, dropped)
	mu.Unlock()
}

// TestCircular_DropCallbackReentrant verifies the WithDropCallback contract:
// the callback runs with the buffer lock released, so it may call back into
// the buffer without deadlocking.
func TestCircular_DropCallbackReentrant(t *testing.T) {
	var buf Buffer[int]
	var sizes []int
	var dropped []int

	buf, err := NewCircular[int](1,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(item int) {
			dropped = append(dropped, item)
			sizes = append(sizes, buf.Size())
		}))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))

	done := make(chan error, 1)
	go func() {
		done <- buf.Write(2) // evicts 1, callback reads Size
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drop callback re-entered the buffer while Write still held the lock")
	}

	assert.Equal(t, []int{1}, dropped)
	assert.Equal(t, []int{1}, sizes, "callback must observe the post-write size")
}

func TestCircular_DropNewestCallbackReentrant(t *testing.T) {
	var buf Buffer[int]
	var sizes []int

	buf, err := NewCircular[int](1,
		WithOverflowPolicy[int](DropNewest),
		WithDropCallback[int](func(int) {
			sizes = append(sizes, buf.Size())
		}))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))

	done := make(chan error, 1)
	go func() {
		done <- buf.Write(2) // discarded, callback reads Size
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drop callback re-entered the buffer while Write still held the lock")
	}

	assert.Equal(t, []int{1}, sizes)
}

func TestCircular_ClearCallbackReentrant(t *testing.T) {
	var buf Buffer[int]
	var dropped []int

	buf, err := NewCircular[int](3, WithDropCallback[int](func(item int) {
		dropped = append(dropped, item, buf.Size())
	}))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf.Clear()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("clear callback re-entered the buffer while Clear still held the lock")
	}

	assert.Equal(t, []int{1, 0, 2, 0}, dropped, "cleared items reported in order, after the buffer is empty")
}

func TestCircular_Clear(t *testing.T) {
	buf, err := NewCircular[int](3)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))

	buf.Clear()
	assert.True(t, buf.IsEmpty())
	assert.Equal(t, int64(0), buf.Stats().CurrentSize())

	// Buffer remains usable after Clear
	require.NoError(t, buf.Write(3))
	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestCircular_ConcurrentWriteRead(t *testing.T) {
	buf, err := NewCircular[int](64)
	require.NoError(t, err)
	defer buf.Close()

	const writers = 4
	const perWriter = 250

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = buf.Write(base + i)
			}
		}(w * perWriter)
	}

	var read int64
	stop := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			if _, ok := buf.Read(); ok {
				read++
				continue
			}
			select {
			case <-stop:
				// Writers are done; drain whatever is left
				for {
					if _, ok := buf.Read(); !ok {
						return
					}
					read++
				}
			default:
			}
		}
	}()

	wg.Wait()
	close(stop)
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not drain buffer")
	}

	stats := buf.Stats()
	// With DropOldest every write attempt is stored, possibly evicting
	assert.Equal(t, int64(writers*perWriter), stats.Writes())
	assert.Equal(t, int64(writers*perWriter), read+stats.Drops(),
		"every stored item is eventually read or evicted")
}

func TestCircular_MinimumCapacity(t *testing.T) {
	buf, err := NewCircular[int](0)
	require.NoError(t, err)
	defer buf.Close()
	assert.Equal(t, 1, buf.Capacity())
}

func TestStatistics_Summary(t *testing.T) {
	buf, err := NewCircular[int](2)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3)) // evicts 1
	buf.Read()

	s := buf.Stats().Summary()
	assert.Equal(t, int64(3), s.Writes)
	assert.Equal(t, int64(1), s.Reads)
	assert.Equal(t, int64(1), s.Drops)
	assert.Equal(t, int64(1), s.Overflows)
	assert.Equal(t, int64(1), s.CurrentSize)
	assert.Equal(t, int64(2), s.MaxSize)
	assert.InDelta(t, 1.0/3.0, s.DropRate, 1e-9)
}
