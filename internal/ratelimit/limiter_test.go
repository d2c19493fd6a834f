// ABOUTME: Tests for the per-channel FIFO limiter
// ABOUTME: Covers spacing, FIFO order, channel independence, error isolation and cancellation

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue_FirstRunsImmediately(t *testing.T) {
	l := New(time.Hour)

	start := time.Now()
	err := l.Enqueue(context.Background(), "room-a", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestEnqueue_SameChannelSpacing(t *testing.T) {
	interval := 60 * time.Millisecond
	l := New(interval)
	ctx := context.Background()

	var mu sync.Mutex
	var completed []time.Time
	record := func(context.Context) error {
		mu.Lock()
		completed = append(completed, time.Now())
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Enqueue(ctx, "room-a", record))
		}()
	}
	wg.Wait()

	require.Len(t, completed, 3)
	for i := 1; i < len(completed); i++ {
		assert.GreaterOrEqual(t, completed[i].Sub(completed[i-1]), interval)
	}
}

func TestEnqueue_FIFOOrder(t *testing.T) {
	l := New(5 * time.Millisecond)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int

	release := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Enqueue(ctx, "room-a", func(context.Context) error {
			<-release
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil
		})
	}()
	require.Eventually(t, func() bool { return l.QueueLength("room-a") == 0 }, time.Second, time.Millisecond)

	for i := 1; i <= 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Enqueue(ctx, "room-a", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Make submission order deterministic.
		require.Eventually(t, func() bool { return l.QueueLength("room-a") == i }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, l.QueueLength("room-a"))
}

func TestEnqueue_ChannelsIndependent(t *testing.T) {
	l := New(time.Hour)
	ctx := context.Background()

	block := make(chan struct{})
	go func() {
		_ = l.Enqueue(ctx, "room-a", func(context.Context) error {
			<-block
			return nil
		})
	}()
	defer close(block)

	done := make(chan error, 1)
	go func() {
		done <- l.Enqueue(ctx, "room-b", func(context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("room-b waited on room-a")
	}
}

func TestEnqueue_ErrorDoesNotPoisonQueue(t *testing.T) {
	l := New(time.Millisecond)
	ctx := context.Background()
	boom := errors.New("channel_not_found")

	err := l.Enqueue(ctx, "room-a", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	ran := false
	err = l.Enqueue(ctx, "room-a", func(context.Context) error {
		ran = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestEnqueue_CancelledWhileWaiting(t *testing.T) {
	l := New(time.Hour)

	require.NoError(t, l.Enqueue(context.Background(), "room-a", func(context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := l.Enqueue(ctx, "room-a", func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
	assert.Equal(t, 0, l.QueueLength("room-a"))
}

func TestDo_ReturnsValue(t *testing.T) {
	l := New(0)

	id, err := Do(context.Background(), l, "room-a", func(context.Context) (string, error) {
		return "$event-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "$event-1", id)
}

func TestReset(t *testing.T) {
	l := New(time.Hour)
	ctx := context.Background()

	require.NoError(t, l.Enqueue(ctx, "room-a", func(context.Context) error { return nil }))
	l.Reset()

	start := time.Now()
	require.NoError(t, l.Enqueue(ctx, "room-a", func(context.Context) error { return nil }))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, l.QueueLength("unknown"))
}
