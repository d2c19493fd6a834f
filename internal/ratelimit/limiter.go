// ABOUTME: Per-channel FIFO send limiter enforcing a minimum interval between writes
// ABOUTME: Actions on one channel run strictly in submission order; channels never block each other

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultMinInterval matches the one-message-per-second guidance of most chat APIs.
const DefaultMinInterval = time.Second

// channelState tracks one channel key. tail is closed when the most recently
// enqueued action on the channel has finished (or been abandoned).
type channelState struct {
	tail    chan struct{}
	lastRun time.Time
	waiting int
}

// Limiter serializes actions per channel key.
type Limiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	channels    map[string]*channelState
	now         func() time.Time
}

// New creates a limiter. A non-positive interval disables spacing but keeps
// per-channel serialization.
func New(minInterval time.Duration) *Limiter {
	if minInterval < 0 {
		minInterval = 0
	}
	return &Limiter{
		minInterval: minInterval,
		channels:    make(map[string]*channelState),
		now:         time.Now,
	}
}

// MinInterval returns the configured spacing.
func (l *Limiter) MinInterval() time.Duration {
	return l.minInterval
}

// Enqueue runs action once every earlier action on channelKey has finished
// and minInterval has passed since the last one completed. The action's
// error is returned to this caller only. If ctx ends before the action
// starts, the action is skipped and ctx.Err() is returned; later actions
// keep their place in line.
func (l *Limiter) Enqueue(ctx context.Context, channelKey string, action func(context.Context) error) error {
	l.mu.Lock()
	st, ok := l.channels[channelKey]
	if !ok {
		st = &channelState{}
		l.channels[channelKey] = st
	}
	prev := st.tail
	done := make(chan struct{})
	st.tail = done
	st.waiting++
	l.mu.Unlock()

	abandon := func() {
		l.mu.Lock()
		st.waiting--
		l.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			abandon()
			// Keep the chain intact for whoever queued behind us.
			go func() {
				<-prev
				close(done)
			}()
			return ctx.Err()
		}
	}

	var wait time.Duration
	l.mu.Lock()
	if !st.lastRun.IsZero() {
		wait = st.lastRun.Add(l.minInterval).Sub(l.now())
	}
	l.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			abandon()
			close(done)
			return ctx.Err()
		}
	}

	l.mu.Lock()
	st.waiting--
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		st.lastRun = l.now()
		l.mu.Unlock()
		close(done)
	}()
	return action(ctx)
}

// Do is Enqueue for actions that produce a value.
func Do[T any](ctx context.Context, l *Limiter, channelKey string, action func(context.Context) (T, error)) (T, error) {
	var result T
	err := l.Enqueue(ctx, channelKey, func(ctx context.Context) error {
		var err error
		result, err = action(ctx)
		return err
	})
	return result, err
}

// QueueLength returns how many actions on channelKey are waiting to start.
func (l *Limiter) QueueLength(channelKey string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.channels[channelKey]; ok {
		return st.waiting
	}
	return 0
}

// Reset forgets all channel history. Actions already queued finish normally.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels = make(map[string]*channelState)
}
