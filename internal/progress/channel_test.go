package progress

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, c *Channel) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-c.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatal("timed out waiting for the event stream to close")
		}
	}
}

func TestChannel_OrderAndSingleTerminal(t *testing.T) {
	c := NewChannel()

	// nobody is reading yet, none of these may block
	c.Report(Event{Type: EventProgress, Percent: 10})
	c.Report(Event{Type: EventProgress, Percent: 20})
	c.Report(Verifying())
	c.Report(Event{Type: EventProgress, Percent: 90})
	c.Report(Succeeded())
	c.Report(Failed(errors.New("late")))
	c.Report(Event{Type: EventProgress, Percent: 95})

	events := collect(t, c)
	require.NotEmpty(t, events)

	terminals := 0
	for _, e := range events {
		if e.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Equal(t, EventSucceeded, events[len(events)-1].Type)

	var verifyingAt = -1
	for i, e := range events {
		if e.Type == EventVerifying {
			verifyingAt = i
		}
	}
	require.GreaterOrEqual(t, verifyingAt, 1)
	assert.Equal(t, EventProgress, events[verifyingAt-1].Type)
	assert.Equal(t, 20.0, events[verifyingAt-1].Percent)

	last, ok := c.Last()
	assert.True(t, ok)
	assert.True(t, last.Terminal())
	<-c.Done()
	assert.True(t, c.Finished())
}

func TestChannel_CoalescesQueuedProgress(t *testing.T) {
	c := NewChannel()
	for i := 1; i <= 1000; i++ {
		c.Report(Event{Type: EventProgress, BytesDone: int64(i)})
	}
	c.Report(Succeeded())

	events := collect(t, c)
	assert.Less(t, len(events), 1001)

	var prev int64
	for _, e := range events[:len(events)-1] {
		assert.Greater(t, e.BytesDone, prev)
		prev = e.BytesDone
	}
	assert.EqualValues(t, 1000, prev)
}

func TestFailed(t *testing.T) {
	ev := Failed(fmt.Errorf("copy: %w", syncerr.ErrCancelled))
	assert.True(t, ev.Cancelled)
	assert.Empty(t, ev.Reason)
	assert.Equal(t, syncerr.KindCancelled, ev.Kind)
	assert.ErrorIs(t, ev.Err(), syncerr.ErrCancelled)

	ev = Failed(&syncerr.TransferError{Method: "GET", URL: "http://x", StatusCode: 404})
	assert.False(t, ev.Cancelled)
	assert.Equal(t, syncerr.KindTransfer, ev.Kind)
	assert.Contains(t, ev.Reason, "404")
	assert.Error(t, ev.Err())

	assert.NoError(t, Succeeded().Err())
}
