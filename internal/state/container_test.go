package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerHoldsLatestValue(t *testing.T) {
	c := NewContainer(1)
	assert.Equal(t, 1, c.Value())

	c.Set(2)
	assert.Equal(t, 2, c.Value())
}

func TestSubscribeDeliversCurrentValueFirst(t *testing.T) {
	c := NewContainer("initial")
	ch := c.Subscribe()

	assert.Equal(t, "initial", <-ch)

	c.Set("updated")
	assert.Equal(t, "updated", <-ch)
}

func TestSubscribersObserveMutationsInOrder(t *testing.T) {
	c := NewContainer(0)
	ch := c.Subscribe()
	<-ch // initial value

	for i := 1; i <= 5; i++ {
		c.Set(i)
	}
	for i := 1; i <= 5; i++ {
		assert.Equal(t, i, <-ch)
	}
}

func TestSlowSubscriberLosesOldestOnly(t *testing.T) {
	c := NewContainer(0)
	ch := c.Subscribe()

	// Overflow the subscriber buffer without reading.
	for i := 1; i <= defaultSubscriberBuffer*2; i++ {
		c.Set(i)
	}

	// The newest value must still be delivered last.
	var last int
	for {
		select {
		case v := <-ch:
			last = v
		default:
			assert.Equal(t, defaultSubscriberBuffer*2, last)
			return
		}
	}
}

// A subscriber registering while the writer is mutating must never see
// the view go backwards: the initial snapshot is delivered atomically
// with registration, so every later delivery carries a newer value.
func TestSubscribeRacingSetStaysMonotonic(t *testing.T) {
	const rounds = 200

	for round := 0; round < rounds; round++ {
		c := NewContainer(0)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 1; i <= 4; i++ {
				c.Set(i)
			}
		}()

		ch := c.Subscribe()
		last := -1
		for v := range ch {
			require.GreaterOrEqual(t, v, last, "view went backwards")
			last = v
			if v == 4 {
				break
			}
		}

		<-done
		c.Close()
	}
}

func TestCloseCompletesSubscribers(t *testing.T) {
	c := NewContainer(1)
	ch := c.Subscribe()
	<-ch

	c.Close()
	_, ok := <-ch
	assert.False(t, ok)

	// Set after Close is ignored, Subscribe returns a closed channel.
	c.Set(2)
	ch2 := c.Subscribe()
	_, ok = <-ch2
	assert.False(t, ok)
}

func TestRingChannelDropsOldestWhenFull(t *testing.T) {
	rc := NewRingChannel[int](3)
	for i := 1; i <= 6; i++ {
		rc.Send(i)
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	require.Equal(t, []int{4, 5, 6}, got)
}

func TestRingChannelPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRingChannel[int](0) })
}
