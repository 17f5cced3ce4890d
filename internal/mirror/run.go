package mirror

import (
	"context"

	"github.com/openmined/syftmirror/internal/progress"
)

// Run is a sync started by EnsureSynced.
type Run struct {
	ID      string
	Request Request

	events *progress.Channel
	cancel context.CancelFunc
}

// Events delivers progress and exactly one terminal event, then closes.
// Someone must drain it, or the run's events pile up in memory.
func (r *Run) Events() <-chan progress.Event {
	return r.events.Events()
}

// Last returns the most recently delivered event.
func (r *Run) Last() (progress.Event, bool) {
	return r.events.Last()
}

// Done is closed once the terminal event has been delivered.
func (r *Run) Done() <-chan struct{} {
	return r.events.Done()
}

// Cancel asks the run to stop. The terminal event then reports a cancellation.
func (r *Run) Cancel() {
	r.cancel()
}

// Wait drains the remaining events and returns the terminal one.
func (r *Run) Wait() progress.Event {
	for range r.events.Events() {
	}
	<-r.events.Done()
	ev, _ := r.events.Last()
	return ev
}
