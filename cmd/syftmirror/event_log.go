package main

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/openmined/syftmirror/internal/progress"
)

const progressLogInterval = 2 * time.Second

// eventLogger prints sync events through slog. Progress is logged at most once per
// interval, plus the first and the 100% events.
type eventLogger struct {
	interval time.Duration
	last     atomic.Int64
}

func newEventLogger(interval time.Duration) *eventLogger {
	return &eventLogger{interval: interval}
}

func (l *eventLogger) shouldLog(ev progress.Event) bool {
	now := ev.Time.UnixNano()
	if ev.Time.IsZero() {
		now = time.Now().UnixNano()
	}
	prev := l.last.Load()
	if ev.Percent < 100 && prev != 0 && now-prev < int64(l.interval) {
		return false
	}
	return l.last.CompareAndSwap(prev, now)
}

func (l *eventLogger) Report(ev progress.Event) {
	switch ev.Type {
	case progress.EventProgress:
		if !l.shouldLog(ev) {
			return
		}
		slog.Info("sync progress",
			"percent", fmt.Sprintf("%.1f", ev.Percent),
			"done", humanBytes(ev.BytesDone),
			"total", humanBytes(ev.BytesTotal),
			"rate", humanRate(ev.RateBps),
			"eta", ev.ETA.Round(time.Second),
		)
	case progress.EventVerifying:
		slog.Info("sync verifying")
	case progress.EventRetrying:
		slog.Warn("sync retrying", "attempt", ev.Attempt, "delay", ev.Delay, "kind", ev.Kind, "reason", ev.Reason)
	case progress.EventSucceeded:
		slog.Info("sync done")
	case progress.EventFailed:
		if ev.Cancelled {
			slog.Info("sync cancelled")
			return
		}
		slog.Error("sync failed", "kind", ev.Kind, "reason", ev.Reason)
	}
}
