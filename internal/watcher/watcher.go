// Package watcher reports local edits to a sync root as debounced batches of paths.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	rawBufferSize   = 256
)

// FilterFunc returns true for paths, relative to the root, that must not be reported.
type FilterFunc func(rel string) bool

type Watcher struct {
	root     string
	raw      chan notify.EventInfo
	changes  chan []string
	debounce time.Duration

	filterMu sync.RWMutex
	filter   FilterFunc

	mu            sync.Mutex
	pending       map[string]struct{}
	timer         *time.Timer
	suppressUntil time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

func New(root string) *Watcher {
	return &Watcher{
		root:     root,
		debounce: DefaultDebounce,
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// SetDebounce sets how long the root must stay quiet before a batch is sent.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

func (w *Watcher) FilterPaths(fn FilterFunc) {
	w.filterMu.Lock()
	defer w.filterMu.Unlock()
	w.filter = fn
}

// Suppress drops every event seen during the next d, and any batch still pending.
func (w *Watcher) Suppress(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	until := time.Now().Add(d)
	if until.After(w.suppressUntil) {
		w.suppressUntil = until
	}
	clear(w.pending)
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Changes delivers sorted batches of changed paths. A batch that finds the previous one
// unread is dropped, since the unread batch already asks for the same reaction.
func (w *Watcher) Changes() <-chan []string {
	return w.changes
}

func (w *Watcher) Start(ctx context.Context) error {
	// macos reports /private/var for /var
	if resolved, err := filepath.EvalSymlinks(w.root); err == nil {
		w.root = resolved
	}
	slog.Info("watcher start", "root", w.root)

	w.raw = make(chan notify.EventInfo, rawBufferSize)
	w.changes = make(chan []string, 1)

	if err := notify.Watch(filepath.Join(w.root, "..."), w.raw, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

func (w *Watcher) Stop() {
	close(w.done)
	if w.raw != nil {
		notify.Stop(w.raw)
	}
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	slog.Info("watcher stopped", "root", w.root)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			w.add(ev.Path())
		}
	}
}

func (w *Watcher) add(path string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return
	}
	rel = filepath.ToSlash(rel)

	w.filterMu.RLock()
	filter := w.filter
	w.filterMu.RUnlock()
	if filter != nil && filter(rel) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Now().Before(w.suppressUntil) {
		return
	}
	w.pending[rel] = struct{}{}

	// bursts of writes to the same tree collapse into one batch
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 || time.Now().Before(w.suppressUntil) {
		clear(w.pending)
		w.mu.Unlock()
		return
	}
	batch := make([]string, 0, len(w.pending))
	for rel := range w.pending {
		batch = append(batch, rel)
	}
	clear(w.pending)
	w.timer = nil
	w.mu.Unlock()

	slices.Sort(batch)
	select {
	case w.changes <- batch:
		slog.Debug("watcher changes", "count", len(batch), "first", batch[0])
	default:
		slog.Debug("watcher batch dropped", "reason", "previous batch unread", "count", len(batch))
	}
}
