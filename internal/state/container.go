// Package state provides the reactive primitives of the session core: a
// Container holding the latest value of one piece of state and
// re-broadcasting an immutable snapshot to subscribers on every mutation.
// All mutations are expected to arrive from a single writer; readers run
// concurrently and always observe a complete snapshot.
package state

import "sync"

// defaultSubscriberBuffer is the snapshot backlog kept per subscriber
// before the oldest snapshots are dropped.
const defaultSubscriberBuffer = 16

// Container owns the latest value of one piece of state. Set replaces the
// value and synchronously pushes it to every subscriber through a
// non-blocking RingChannel, so the writer is never stalled by a slow
// reader.
type Container[T any] struct {
	mu     sync.RWMutex
	value  T
	subs   []*RingChannel[T]
	closed bool
}

// NewContainer creates a container holding the initial value.
func NewContainer[T any](initial T) *Container[T] {
	return &Container[T]{value: initial}
}

// Value returns the current value.
func (c *Container[T]) Value() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Set replaces the value and broadcasts it to all subscribers. Callers
// must treat published values as immutable snapshots.
func (c *Container[T]) Set(v T) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.value = v
	subs := c.subs
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Send(v)
	}
}

// Subscribe registers a new subscriber and returns its channel. The
// current value is delivered immediately so late subscribers never miss
// the latest state. Registration and the initial delivery happen under
// the lock (Send never blocks), so a concurrent Set can never slip a
// newer snapshot in front of the initial one. A closed container returns
// an already-closed channel.
func (c *Container[T]) Subscribe() <-chan T {
	rc := NewRingChannel[T](defaultSubscriberBuffer)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		rc.Close()
		return rc.C()
	}
	c.subs = append(c.subs, rc)
	rc.Send(c.value)
	return rc.C()
}

// Close completes every subscriber channel. Further Set calls are ignored.
func (c *Container[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
