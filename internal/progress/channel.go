package progress

import (
	"sync"
)

// Channel is an ordered, non-blocking event queue with exactly one terminal event.
//
// Report never blocks: events are queued and a pump goroutine hands them to the consumer.
// Consecutive progress events still waiting in the queue collapse into the latest one.
// After the terminal event is delivered the output channel is closed, and further
// reports are dropped.
type Channel struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	last     Event
	hasLast  bool
	finished bool
	out      chan Event
	done     chan struct{}
}

func NewChannel() *Channel {
	c := &Channel{
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.pump()
	return c
}

// Report queues e for delivery.
func (c *Channel) Report(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return
	}
	if e.Type == EventProgress && len(c.queue) > 0 && c.queue[len(c.queue)-1].Type == EventProgress {
		c.queue[len(c.queue)-1] = e
	} else {
		c.queue = append(c.queue, e)
	}
	if e.Terminal() {
		c.finished = true
	}
	c.cond.Signal()
}

// Events is closed right after the terminal event.
func (c *Channel) Events() <-chan Event {
	return c.out
}

// Last returns the most recently delivered event.
func (c *Channel) Last() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// Done is closed once the terminal event has been delivered.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Finished reports whether a terminal event has been reported (not necessarily delivered).
func (c *Channel) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *Channel) pump() {
	defer close(c.done)
	defer close(c.out)

	for {
		c.mu.Lock()
		for len(c.queue) == 0 {
			c.cond.Wait()
		}
		e := c.queue[0]
		c.queue[0] = Event{}
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.out <- e

		c.mu.Lock()
		c.last, c.hasLast = e, true
		c.mu.Unlock()

		if e.Terminal() {
			return
		}
	}
}
