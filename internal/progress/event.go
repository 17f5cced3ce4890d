// Package progress carries sync progress, retries and the final outcome from the worker
// performing a sync to whoever is watching it.
package progress

import (
	"errors"
	"time"

	"github.com/openmined/syftmirror/internal/syncerr"
)

type EventType string

const (
	EventProgress  EventType = "progress"
	EventVerifying EventType = "verifying"
	EventRetrying  EventType = "retrying"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
)

// Event is an immutable snapshot sent to observers.
type Event struct {
	Type EventType `json:"type" yaml:"type"`
	Time time.Time `json:"time" yaml:"time"`

	Percent    float64       `json:"percent" yaml:"percent"`
	BytesDone  int64         `json:"bytes_done" yaml:"bytes_done"`
	BytesTotal int64         `json:"bytes_total" yaml:"bytes_total"`
	RateBps    float64       `json:"rate_bps,omitempty" yaml:"rate_bps,omitempty"`
	ETA        time.Duration `json:"eta,omitempty" yaml:"eta,omitempty"`

	// Retrying
	Attempt int           `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`

	// Failed (and Retrying, for the error that caused it)
	Reason    string       `json:"reason,omitempty" yaml:"reason,omitempty"`
	Kind      syncerr.Kind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Cancelled bool         `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventSucceeded || e.Type == EventFailed
}

// Err rebuilds an error for a failed event, nil otherwise.
func (e Event) Err() error {
	if e.Type != EventFailed {
		return nil
	}
	if e.Cancelled {
		return syncerr.ErrCancelled
	}
	return errors.New(e.Reason)
}

// Succeeded returns the terminal success event.
func Succeeded() Event {
	return Event{Type: EventSucceeded, Percent: 100, Time: time.Now()}
}

// Failed returns the terminal failure event for err. Cancellation carries no reason so
// callers can stay silent about it.
func Failed(err error) Event {
	ev := Event{Type: EventFailed, Kind: syncerr.Classify(err), Time: time.Now()}
	if ev.Kind == syncerr.KindCancelled {
		ev.Cancelled = true
		return ev
	}
	if err != nil {
		ev.Reason = err.Error()
	}
	return ev
}

// Verifying marks the start of a verification pass.
func Verifying() Event {
	return Event{Type: EventVerifying, Time: time.Now()}
}

// Retrying announces that attempt will start after delay because of err.
func Retrying(attempt int, delay time.Duration, err error) Event {
	ev := Event{Type: EventRetrying, Attempt: attempt, Delay: delay, Kind: syncerr.Classify(err), Time: time.Now()}
	if err != nil {
		ev.Reason = err.Error()
	}
	return ev
}

// Reporter receives events. Implementations must not block the caller for long.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// Discard drops every event.
var Discard Reporter = ReporterFunc(func(Event) {})
