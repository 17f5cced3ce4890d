package progress

import (
	"sync"
	"time"
)

// Resolution is the number of steps a sync is divided into; progress is only reported
// when the step changes.
const Resolution = 10000

// Tracker turns byte counts into progress events on a Reporter.
type Tracker struct {
	mu       sync.Mutex
	reporter Reporter
	meter    *Meter
	lastStep int64
}

func NewTracker(r Reporter, m *Meter) *Tracker {
	if r == nil {
		r = Discard
	}
	if m == nil {
		m = NewMeter()
	}
	return &Tracker{reporter: r, meter: m, lastStep: -1}
}

// Start resets counters for totalBytes and reports 0%.
func (t *Tracker) Start(totalBytes int64) {
	t.meter.Start(totalBytes)
	t.mu.Lock()
	t.lastStep = -1
	t.mu.Unlock()
	t.emit()
}

// Transferred counts freshly downloaded bytes.
func (t *Tracker) Transferred(n int64) {
	t.meter.Add(n)
	t.emit()
}

// Skipped counts bytes that were already on disk.
func (t *Tracker) Skipped(n int64) {
	t.meter.Advance(n)
	t.emit()
}

// Complete reports 100% regardless of the step already reported.
func (t *Tracker) Complete() {
	s := t.meter.Snapshot()
	t.reporter.Report(Event{Type: EventProgress, Percent: 100, BytesDone: s.Total, BytesTotal: s.Total, Time: time.Now()})
}

func (t *Tracker) Stats() Stats {
	return t.meter.Snapshot()
}

func (t *Tracker) emit() {
	s := t.meter.Snapshot()
	step := int64(Resolution)
	if s.Total > 0 {
		step = min(s.BytesDone, s.Total) * Resolution / s.Total
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if step == t.lastStep {
		return
	}
	t.lastStep = step

	t.reporter.Report(Event{
		Type:       EventProgress,
		Percent:    float64(step) * 100 / Resolution,
		BytesDone:  s.BytesDone,
		BytesTotal: s.Total,
		RateBps:    s.RateBps,
		ETA:        s.ETA,
		Time:       time.Now(),
	})
}
