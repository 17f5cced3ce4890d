// Package mirror keeps a local directory in step with a versioned manifest of remote files.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/syftmirror/internal/checksum"
	"github.com/openmined/syftmirror/internal/journal"
	"github.com/openmined/syftmirror/internal/manifest"
	"github.com/openmined/syftmirror/internal/progress"
	"github.com/openmined/syftmirror/internal/reconcile"
	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/openmined/syftmirror/internal/transfer"
	"github.com/openmined/syftmirror/internal/utils"
	"golang.org/x/sync/errgroup"
)

// maxManifestSize bounds how much of a manifest document is read.
const maxManifestSize = 64 << 20

var (
	ErrInvalidRequest   = errors.New("mirror: invalid request")
	ErrManifestTooLarge = errors.New("mirror: manifest document too large")
)

// Request names what should end up where.
type Request struct {
	ManifestURL string `json:"manifest_url"`
	// Version is the manifest version the root must hold. Empty accepts whatever version
	// the manifest currently declares.
	Version   string `json:"version,omitempty"`
	Root      string `json:"root"`
	UserAgent string `json:"user_agent,omitempty"`
	// Force re-downloads the manifest and re-reconciles even when Version is committed.
	Force bool `json:"force,omitempty"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.ManifestURL) == "" {
		return fmt.Errorf("%w: manifest url is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Root) == "" {
		return fmt.Errorf("%w: root is required", ErrInvalidRequest)
	}
	return nil
}

// Options configures a Syncer. Zero values pick sensible defaults.
type Options struct {
	Client  *transfer.Client
	Journal *journal.Journal
	Retry   *RetryPolicy
	// Workers is the number of files downloaded at once.
	Workers int
	// Preserve holds gitignore patterns of local files reconciliation must leave alone.
	Preserve  []string
	CacheSize int
	CacheTTL  time.Duration
	// SkipSpaceCheck disables the free disk space check before downloading.
	SkipSpaceCheck bool
}

// Syncer runs syncs. It is safe for concurrent use on different roots.
type Syncer struct {
	client         *transfer.Client
	journal        *journal.Journal
	retry          RetryPolicy
	workers        int
	preserve       []string
	cache          *manifestCache
	skipSpaceCheck bool
}

func New(opts Options) *Syncer {
	s := &Syncer{
		client:         opts.Client,
		journal:        opts.Journal,
		retry:          DefaultRetryPolicy(),
		workers:        max(opts.Workers, 1),
		preserve:       opts.Preserve,
		cache:          newManifestCache(opts.CacheSize, opts.CacheTTL),
		skipSpaceCheck: opts.SkipSpaceCheck,
	}
	if s.client == nil {
		s.client = transfer.NewClient()
	}
	if opts.Retry != nil {
		s.retry = *opts.Retry
	}
	return s
}

// Sync brings req.Root up to the requested manifest version and blocks until done.
// Exactly one terminal event is sent to reporter, after the outcome is journaled.
func (s *Syncer) Sync(ctx context.Context, req Request, reporter progress.Reporter) error {
	if reporter == nil {
		reporter = progress.Discard
	}

	root, lock, err := s.prepare(req)
	if err != nil {
		reporter.Report(progress.Failed(err))
		return err
	}
	defer lock.Unlock()

	req.Root = root
	return s.run(ctx, uuid.New().String(), req, reporter)
}

// EnsureSynced returns true, without touching the network, when root already holds the
// committed version. Otherwise it starts a sync in the background and returns its Run; the
// caller must wait for the terminal event before using the data. ctx bounds the run.
func (s *Syncer) EnsureSynced(ctx context.Context, req Request) (bool, *Run, error) {
	if err := req.validate(); err != nil {
		return false, nil, err
	}

	if req.Version != "" && !req.Force {
		root, err := utils.ResolvePath(req.Root)
		if err != nil {
			return false, nil, syncerr.FS("resolve", req.Root, err)
		}
		committed, err := readMarker(root, CommittedMarker)
		if err != nil {
			return false, nil, err
		}
		if committed != nil && committed.Version == req.Version {
			slog.Debug("mirror up to date", "root", root, "version", req.Version)
			return true, nil, nil
		}
	}

	root, lock, err := s.prepare(req)
	if err != nil {
		return false, nil, err
	}
	req.Root = root

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:      uuid.New().String(),
		Request: req,
		events:  progress.NewChannel(),
		cancel:  cancel,
	}

	go func() {
		defer cancel()
		defer lock.Unlock()
		if err := s.run(runCtx, run.ID, req, run.events); err != nil {
			slog.Debug("mirror background sync ended", "id", run.ID, "error", err)
		}
	}()
	return false, run, nil
}

// DeleteData removes root and everything in it, markers included.
func (s *Syncer) DeleteData(root string) error {
	root, err := utils.ResolvePath(root)
	if err != nil {
		return syncerr.FS("resolve", root, err)
	}
	if !utils.DirExists(root) {
		return nil
	}

	lock, err := lockRoot(root)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := os.RemoveAll(root); err != nil {
		return syncerr.FS("remove", root, err)
	}
	slog.Info("mirror data deleted", "root", root)
	return nil
}

// PurgeCache forgets every cached manifest.
func (s *Syncer) PurgeCache() {
	s.cache.purge()
}

func (s *Syncer) prepare(req Request) (string, *rootLock, error) {
	if err := req.validate(); err != nil {
		return "", nil, err
	}
	root, err := utils.ResolvePath(req.Root)
	if err != nil {
		return "", nil, syncerr.FS("resolve", req.Root, err)
	}
	if err := utils.EnsureDir(root); err != nil {
		return "", nil, syncerr.FS("mkdir", root, err)
	}
	lock, err := lockRoot(root)
	if err != nil {
		return "", nil, err
	}
	return root, lock, nil
}

// run performs a sync on a locked root and journals it.
func (s *Syncer) run(ctx context.Context, id string, req Request, reporter progress.Reporter) error {
	j := &job{
		syncer:   s,
		req:      req,
		root:     req.Root,
		reporter: reporter,
		tracker:  progress.NewTracker(reporter, nil),
		record: &journal.Run{
			ID:          id,
			ManifestURL: req.ManifestURL,
			Version:     req.Version,
			Root:        req.Root,
			StartedAt:   time.Now().UTC(),
		},
	}

	if s.journal != nil {
		if err := s.journal.StartRun(ctx, j.record); err != nil {
			slog.Warn("mirror journal start", "id", id, "error", err)
		}
	}

	slog.Info("mirror sync start", "id", id, "root", j.root, "url", utils.MaskURL(req.ManifestURL), "version", req.Version)
	err := j.execute(ctx)
	j.finish(ctx, err)

	if err != nil {
		reporter.Report(progress.Failed(err))
		return err
	}
	reporter.Report(progress.Succeeded())
	return nil
}

// job is the state of a single sync.
type job struct {
	syncer   *Syncer
	req      Request
	root     string
	reporter progress.Reporter
	tracker  *progress.Tracker
	record   *journal.Run

	prefetched  *cachedManifest
	transferred atomic.Int64
}

func (j *job) execute(ctx context.Context) error {
	if j.req.Version == "" {
		raw, m, err := j.downloadManifest(ctx)
		if err != nil {
			return err
		}
		j.req.Version = m.Version
		j.record.Version = m.Version
		j.prefetched = &cachedManifest{raw: raw, manifest: m}
	}

	// check local
	committed, err := readMarker(j.root, CommittedMarker)
	if err != nil {
		return err
	}
	if committed != nil && committed.Version == j.req.Version && !j.req.Force {
		size := committed.Size()
		j.reporter.Report(progress.Event{Type: progress.EventProgress, Percent: 100, BytesDone: size, BytesTotal: size, Time: time.Now()})
		slog.Info("mirror already synced", "root", j.root, "version", j.req.Version)
		return nil
	}

	m, err := j.loadManifest(ctx)
	if err != nil {
		return err
	}
	if err := m.ResolveSources(j.req.ManifestURL); err != nil {
		return err
	}
	if err := m.Validate(j.root, IsStateFile); err != nil {
		return err
	}

	// the tree is about to change, so the committed version no longer describes it
	if err := removeMarker(j.root, CommittedMarker); err != nil {
		return err
	}

	if err := j.reconcile(ctx, m); err != nil {
		return err
	}

	if err := j.transferWithRetry(ctx, m); err != nil {
		return err
	}

	if err := j.verifyAll(ctx, m); err != nil {
		return err
	}

	if err := commit(j.root); err != nil {
		return err
	}
	j.tracker.Complete()

	slog.Info("mirror sync done", "root", j.root, "version", m.Version, "files", len(m.Files), "size", humanize.IBytes(uint64(m.Size())), "transferred", humanize.IBytes(uint64(j.transferred.Load())))
	return nil
}

// loadManifest returns the manifest to sync, reusing a matching temp marker so an
// interrupted sync resumes against the exact document it started with.
func (j *job) loadManifest(ctx context.Context) (*manifest.Manifest, error) {
	pending, err := readMarker(j.root, TempMarker)
	if err != nil {
		return nil, err
	}
	if pending != nil && pending.Version == j.req.Version && !j.req.Force {
		slog.Info("mirror resuming", "root", j.root, "version", pending.Version, "reconciled", utils.FileExists(filepath.Join(j.root, FilteredMarker)))
		return pending, nil
	}

	var (
		raw []byte
		m   *manifest.Manifest
	)
	if cached, ok := j.cached(); ok {
		raw, m = cached.raw, cached.manifest
	} else if raw, m, err = j.downloadManifest(ctx); err != nil {
		return nil, err
	}

	if m.Version != j.req.Version {
		return nil, &syncerr.ParseError{Kind: syncerr.VersionMismatch, Element: "config", Attribute: "version", Value: m.Version,
			Err: fmt.Errorf("requested %q", j.req.Version)}
	}

	if err := writeMarker(j.root, TempMarker, raw); err != nil {
		return nil, err
	}
	if err := removeMarker(j.root, FilteredMarker); err != nil {
		return nil, err
	}
	return m, nil
}

func (j *job) cached() (*cachedManifest, bool) {
	if j.prefetched != nil {
		return j.prefetched, true
	}
	if j.req.Force {
		return nil, false
	}
	raw, m, ok := j.syncer.cache.get(j.req.ManifestURL, j.req.Version)
	if !ok {
		return nil, false
	}
	return &cachedManifest{raw: raw, manifest: m}, true
}

// downloadManifest fetches and parses the manifest document. Failures are not retried.
func (j *job) downloadManifest(ctx context.Context) ([]byte, *manifest.Manifest, error) {
	ctx = transfer.WithUserAgent(ctx, j.req.UserAgent)

	body, err := j.syncer.client.Open(ctx, j.req.ManifestURL, 0, manifest.UnknownSize)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, maxManifestSize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("fetch manifest: %w: %w", syncerr.ErrCancelled, ctx.Err())
		}
		return nil, nil, fmt.Errorf("fetch manifest: %w", &syncerr.NetworkError{Op: "read", URL: j.req.ManifestURL, Err: err})
	}
	if len(raw) > maxManifestSize {
		return nil, nil, fmt.Errorf("fetch manifest: %w", ErrManifestTooLarge)
	}

	m, err := manifest.ParseBytes(raw)
	if err != nil {
		return nil, nil, err
	}
	j.syncer.cache.add(j.req.ManifestURL, raw, m)
	slog.Debug("mirror manifest fetched", "url", utils.MaskURL(j.req.ManifestURL), "version", m.Version, "files", len(m.Files))
	return raw, m, nil
}

// reconcile prunes the root once per pending manifest.
func (j *job) reconcile(ctx context.Context, m *manifest.Manifest) error {
	if utils.FileExists(filepath.Join(j.root, FilteredMarker)) {
		slog.Debug("mirror reconcile skipped", "root", j.root)
		return nil
	}

	r := reconcile.New(reconcile.Options{
		Keep:     stateFiles,
		Preserve: j.syncer.preserve,
		Reporter: j.reporter,
	})
	if _, err := r.Reconcile(ctx, j.root, m); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return touchMarker(j.root, FilteredMarker)
}

// transferWithRetry repeats probing and downloading while failures are transient.
func (j *job) transferWithRetry(ctx context.Context, m *manifest.Manifest) error {
	policy := j.syncer.retry
	for attempt := 1; ; attempt++ {
		j.record.Attempts = attempt

		err := j.transfer(ctx, m)
		if err == nil {
			return nil
		}
		if !policy.ShouldRetry(attempt, err) {
			return err
		}

		delay := policy.Backoff(attempt)
		slog.Warn("mirror transfer failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		j.reporter.Report(progress.Retrying(attempt+1, delay, err))
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (j *job) transfer(ctx context.Context, m *manifest.Manifest) error {
	ctx = transfer.WithUserAgent(ctx, j.req.UserAgent)

	if err := j.probe(ctx, m); err != nil {
		return err
	}

	paths := make([]string, len(m.Files))
	var missing int64
	for i, f := range m.Files {
		path, err := utils.SecureJoin(j.root, f.Dest)
		if err != nil {
			return &syncerr.ParseError{Kind: syncerr.UnsafePath, Element: "file", Attribute: "dest", Value: f.Dest, Err: err}
		}
		paths[i] = path

		have, err := utils.FileSize(path)
		if err != nil {
			return syncerr.FS("stat", path, err)
		}
		if want := f.Size(); have < want {
			missing += want - have
		} else if have > want {
			missing += want
		}
	}
	if !j.syncer.skipSpaceCheck {
		if err := ensureFreeSpace(j.root, missing); err != nil {
			return err
		}
	}

	j.tracker.Start(m.Size())
	dl := &downloader{client: j.syncer.client, tracker: j.tracker}

	if j.syncer.workers <= 1 {
		for i, f := range m.Files {
			if err := j.downloadOne(ctx, dl, paths[i], f); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.syncer.workers)
	for i, f := range m.Files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return j.downloadOne(gctx, dl, paths[i], f)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", syncerr.ErrCancelled, err)
	}
	return nil
}

func (j *job) downloadOne(ctx context.Context, dl *downloader, path string, f *manifest.File) error {
	stats, err := dl.download(ctx, path, f)
	j.transferred.Add(stats.Transferred)
	if err != nil {
		return fmt.Errorf("download %s: %w", f.Dest, err)
	}
	if stats.Fetched == 0 {
		return nil
	}

	slog.Debug("mirror file done", "dest", f.Dest, "size", f.Size(), "transferred", stats.Transferred, "skipped", stats.Skipped)
	if j.syncer.journal != nil {
		rec := &journal.FileRecord{
			RunID:            j.record.ID,
			Dest:             f.Dest,
			Size:             f.Size(),
			BytesTransferred: stats.Transferred,
			BytesSkipped:     stats.Skipped,
			CompletedAt:      time.Now().UTC(),
		}
		if err := j.syncer.journal.RecordFile(context.WithoutCancel(ctx), rec); err != nil {
			slog.Warn("mirror journal record file", "dest", f.Dest, "error", err)
		}
	}
	return nil
}

// probe resolves part sizes the manifest left open.
func (j *job) probe(ctx context.Context, m *manifest.Manifest) error {
	for _, part := range m.UnknownParts() {
		size, err := j.syncer.client.Head(ctx, part.Src)
		if err != nil {
			return fmt.Errorf("probe %s: %w", part.Src, err)
		}
		if size < 0 {
			return &syncerr.TransferError{Method: "HEAD", URL: part.Src, Reason: "size unknown"}
		}
		part.Size = size
	}
	return nil
}

// verifyAll checks every file from scratch and deletes the ones that fail.
func (j *job) verifyAll(ctx context.Context, m *manifest.Manifest) error {
	j.reporter.Report(progress.Verifying())

	var failed []string
	for _, f := range m.Files {
		path, err := utils.SecureJoin(j.root, f.Dest)
		if err != nil {
			return &syncerr.ParseError{Kind: syncerr.UnsafePath, Element: "file", Attribute: "dest", Value: f.Dest, Err: err}
		}
		res, err := checksum.VerifyFile(ctx, path, f)
		if err != nil {
			return err
		}
		if res.Valid {
			continue
		}
		slog.Warn("mirror verification failed", "dest", f.Dest, "reason", res.Reason())
		if !res.Missing {
			removeCorrupt(path)
		}
		failed = append(failed, f.Dest)
	}

	if len(failed) > 0 {
		return &syncerr.IntegrityError{Files: failed}
	}
	return nil
}

// finish journals the outcome of the job.
func (j *job) finish(ctx context.Context, err error) {
	now := time.Now().UTC()
	rec := j.record
	rec.FinishedAt = &now
	rec.BytesTransferred = j.transferred.Load()

	switch kind := syncerr.Classify(err); {
	case err == nil:
		rec.Status = journal.StatusSucceeded
	case kind == syncerr.KindCancelled:
		rec.Status = journal.StatusCancelled
		rec.ErrorKind = string(kind)
		slog.Info("mirror sync cancelled", "id", rec.ID, "root", j.root)
	default:
		rec.Status = journal.StatusFailed
		rec.ErrorKind = string(kind)
		rec.Error = err.Error()
		slog.Error("mirror sync failed", "id", rec.ID, "root", j.root, "kind", kind, "error", err)
	}

	if j.syncer.journal != nil {
		if jerr := j.syncer.journal.FinishRun(context.WithoutCancel(ctx), rec); jerr != nil {
			slog.Warn("mirror journal finish", "id", rec.ID, "error", jerr)
		}
	}
}
