package state

// RingChannel is a bounded channel-like buffer with overwrite-oldest
// semantics. Producers never block: when the buffer is full the oldest
// element is discarded to make room. Consumers read C() like a normal
// channel, so per-producer FIFO order is preserved; a slow consumer only
// ever loses the oldest snapshots.
type RingChannel[T any] struct {
	ch chan T
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("state: ring channel capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over
// it until Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest buffered item if full. It
// never blocks indefinitely.
func (rc *RingChannel[T]) Send(v T) {
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch: // drop oldest
		default:
		}
		select {
		case rc.ch <- v:
		default:
		}
	}
}

// Close closes the channel. Send must not be called after Close.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}
