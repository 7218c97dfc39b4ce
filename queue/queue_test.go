package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := New[int](4)
	for i := 1; i <= 3; i++ {
		assert.False(t, q.Enqueue(i))
	}
	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, head)

	for want := 1; want <= 3; want++ {
		got, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok = q.Dequeue()
	assert.False(t, ok)
	assert.True(t, q.IsEmpty())
}

func TestQueueDropsOldest(t *testing.T) {
	q := New[int](3)
	for i := 1; i <= 3; i++ {
		q.Enqueue(i)
	}
	assert.True(t, q.Enqueue(4))
	assert.True(t, q.Enqueue(5))
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(2), q.Dropped())

	var got []int
	for !q.IsEmpty() {
		v, _ := q.Dequeue()
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got)
}

func TestQueueWait(t *testing.T) {
	q := New[string](2)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue("frame")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := q.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "frame", got)
}

func TestQueueWaitCancelled(t *testing.T) {
	q := New[string](2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueReset(t *testing.T) {
	q := New[int](2)
	q.Enqueue(1)
	q.Enqueue(2)
	q.Reset()
	assert.Equal(t, 0, q.Len())
	q.Enqueue(7)
	v, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 7, v)
}
