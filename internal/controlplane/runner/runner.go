// Package runner owns the one sync the control plane may have in flight and fans its
// events out to subscribers.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/openmined/syftmirror/internal/journal"
	"github.com/openmined/syftmirror/internal/mirror"
	"github.com/openmined/syftmirror/internal/progress"
	"github.com/openmined/syftmirror/internal/utils"
)

const subscriberBuffer = 16

var (
	ErrBusy       = errors.New("runner: a sync is already running")
	ErrNotRunning = errors.New("runner: no sync is running")
)

// Override replaces parts of the default request for a single run.
type Override struct {
	ManifestURL string `json:"manifest_url,omitempty"`
	Version     string `json:"version,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

// Started is what Start reports back.
type Started struct {
	UpToDate bool           `json:"up_to_date"`
	RunID    string         `json:"run_id,omitempty"`
	Request  mirror.Request `json:"request"`
}

// Status is a point in time view of the runner and its root.
type Status struct {
	Running bool            `json:"running"`
	RunID   string          `json:"run_id,omitempty"`
	Request *mirror.Request `json:"request,omitempty"`
	Last    *progress.Event `json:"last,omitempty"`
	Mirror  *mirror.State   `json:"mirror,omitempty"`
}

type Runner struct {
	ctx      context.Context
	syncer   *mirror.Syncer
	journal  *journal.Journal
	defaults mirror.Request

	mu      sync.Mutex
	current *mirror.Run
	last    *progress.Event

	subMu sync.RWMutex
	subs  []chan progress.Event

	wg sync.WaitGroup
}

// New returns a runner whose runs live until ctx is done.
func New(ctx context.Context, syncer *mirror.Syncer, j *journal.Journal, defaults mirror.Request) *Runner {
	if root, err := utils.ResolvePath(defaults.Root); err == nil {
		defaults.Root = root
	}
	return &Runner{
		ctx:      ctx,
		syncer:   syncer,
		journal:  j,
		defaults: defaults,
	}
}

func (r *Runner) Defaults() mirror.Request {
	return r.defaults
}

func (r *Runner) Journal() *journal.Journal {
	return r.journal
}

// Start brings the default root up to date, in the background when work is needed.
func (r *Runner) Start(o Override) (*Started, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return nil, ErrBusy
	}

	req := r.defaults
	if o.ManifestURL != "" {
		req.ManifestURL = o.ManifestURL
	}
	if o.Version != "" {
		req.Version = o.Version
	}
	req.Force = o.Force

	upToDate, run, err := r.syncer.EnsureSynced(r.ctx, req)
	if err != nil {
		return nil, err
	}
	if upToDate {
		ev := progress.Succeeded()
		r.last = &ev
		r.broadcast(ev)
		return &Started{UpToDate: true, Request: req}, nil
	}

	r.current = run
	r.wg.Add(1)
	go r.follow(run)

	slog.Info("control plane sync started", "id", run.ID, "url", utils.MaskURL(req.ManifestURL), "version", req.Version)
	return &Started{RunID: run.ID, Request: run.Request}, nil
}

// Cancel stops the running sync. It does not wait for it to wind down.
func (r *Runner) Cancel() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return "", ErrNotRunning
	}
	r.current.Cancel()
	return r.current.ID, nil
}

func (r *Runner) Status() (*Status, error) {
	r.mu.Lock()
	st := &Status{}
	if r.current != nil {
		req := r.current.Request
		st.Running = true
		st.RunID = r.current.ID
		st.Request = &req
	}
	if r.last != nil {
		ev := *r.last
		st.Last = &ev
	}
	r.mu.Unlock()

	state, err := mirror.Inspect(r.defaults.Root)
	if err != nil {
		return nil, err
	}
	st.Mirror = state
	return st, nil
}

// Wait blocks until the running sync, if any, has delivered its terminal event.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) follow(run *mirror.Run) {
	defer r.wg.Done()

	for ev := range run.Events() {
		r.mu.Lock()
		e := ev
		r.last = &e
		if ev.Terminal() {
			r.current = nil
		}
		r.mu.Unlock()

		r.broadcast(ev)
	}

	if last, ok := run.Last(); ok {
		slog.Info("control plane sync ended", "id", run.ID, "status", last.Type, "reason", last.Reason)
	}
}

// Subscribe returns a channel of future events. Slow subscribers miss progress events.
func (r *Runner) Subscribe() <-chan progress.Event {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	ch := make(chan progress.Event, subscriberBuffer)
	r.subs = append(r.subs, ch)
	return ch
}

func (r *Runner) Unsubscribe(ch <-chan progress.Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for i, sub := range r.subs {
		if sub == ch {
			close(sub)
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
}

func (r *Runner) broadcast(ev progress.Event) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, sub := range r.subs {
		if ev.Terminal() {
			// make room, the terminal event must get through
			select {
			case sub <- ev:
			default:
				select {
				case <-sub:
				default:
				}
				select {
				case sub <- ev:
				default:
				}
			}
			continue
		}

		select {
		case sub <- ev:
		default:
		}
	}
}
