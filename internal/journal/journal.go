// Package journal keeps a SQLite history of sync runs and the files each one transferred.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftmirror/internal/db"
)

// migrations is the schema history, oldest first. Append, never edit.
var migrations = []string{`
CREATE TABLE sync_runs (
    id TEXT PRIMARY KEY,
    manifest_url TEXT NOT NULL,
    version TEXT NOT NULL,
    root TEXT NOT NULL,
    started_at TEXT NOT NULL, -- RFC3339 string
    finished_at TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    error_kind TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    bytes_transferred INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_runs_root ON sync_runs(root);
CREATE INDEX idx_runs_started_at ON sync_runs(started_at);

CREATE TABLE sync_files (
    run_id TEXT NOT NULL REFERENCES sync_runs(id) ON DELETE CASCADE,
    dest TEXT NOT NULL,
    size INTEGER NOT NULL,
    bytes_transferred INTEGER NOT NULL,
    bytes_skipped INTEGER NOT NULL,
    completed_at TEXT NOT NULL,
    PRIMARY KEY (run_id, dest)
);
`}

// ErrNotOpen is returned by every operation on a closed journal.
var ErrNotOpen = errors.New("journal: not open")

type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Run is one attempt at bringing a root up to a manifest version.
type Run struct {
	ID               string     `json:"id" yaml:"id"`
	ManifestURL      string     `json:"manifest_url" yaml:"manifest_url"`
	Version          string     `json:"version" yaml:"version"`
	Root             string     `json:"root" yaml:"root"`
	StartedAt        time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Status           RunStatus  `json:"status" yaml:"status"`
	ErrorKind        string     `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error            string     `json:"error,omitempty" yaml:"error,omitempty"`
	BytesTransferred int64      `json:"bytes_transferred" yaml:"bytes_transferred"`
	Attempts         int        `json:"attempts" yaml:"attempts"`
}

// Duration is how long the run took, or has taken so far.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FileRecord is a file completed during a run.
type FileRecord struct {
	RunID            string    `json:"run_id" yaml:"run_id"`
	Dest             string    `json:"dest" yaml:"dest"`
	Size             int64     `json:"size" yaml:"size"`
	BytesTransferred int64     `json:"bytes_transferred" yaml:"bytes_transferred"`
	BytesSkipped     int64     `json:"bytes_skipped" yaml:"bytes_skipped"`
	CompletedAt      time.Time `json:"completed_at" yaml:"completed_at"`
}

type dbRun struct {
	ID               string `db:"id"`
	ManifestURL      string `db:"manifest_url"`
	Version          string `db:"version"`
	Root             string `db:"root"`
	StartedAt        string `db:"started_at"`
	FinishedAt       string `db:"finished_at"`
	Status           string `db:"status"`
	ErrorKind        string `db:"error_kind"`
	Error            string `db:"error"`
	BytesTransferred int64  `db:"bytes_transferred"`
	Attempts         int    `db:"attempts"`
}

type dbFile struct {
	RunID            string `db:"run_id"`
	Dest             string `db:"dest"`
	Size             int64  `db:"size"`
	BytesTransferred int64  `db:"bytes_transferred"`
	BytesSkipped     int64  `db:"bytes_skipped"`
	CompletedAt      string `db:"completed_at"`
}

const runColumns = `id, manifest_url, version, root, started_at, finished_at, status, error_kind, error, bytes_transferred, attempts`

// Journal is safe for concurrent use.
type Journal struct {
	db   *sqlx.DB
	path string
}

// Open opens (creating if needed) the journal at path. ":memory:" keeps it in memory.
func Open(path string) (*Journal, error) {
	sdb, err := db.Open(db.WithPath(path), db.WithMaxOpenConns(1), db.WithMigrations(migrations...))
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{db: sdb, path: path}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return ErrNotOpen
	}
	err := j.db.Close()
	j.db = nil
	if err != nil {
		slog.Error("journal close", "path", j.path, "error", err)
	}
	return err
}

// StartRun inserts run with status running.
func (j *Journal) StartRun(ctx context.Context, run *Run) error {
	if j == nil || j.db == nil {
		return ErrNotOpen
	}
	run.Status = StatusRunning
	query := `INSERT INTO sync_runs (` + runColumns + `)
	          VALUES (:id, :manifest_url, :version, :root, :started_at, :finished_at, :status, :error_kind, :error, :bytes_transferred, :attempts)`
	if _, err := j.db.NamedExecContext(ctx, query, toDBRun(run)); err != nil {
		return fmt.Errorf("journal: start run %s: %w", run.ID, err)
	}
	slog.Debug("journal run started", "id", run.ID, "version", run.Version)
	return nil
}

// FinishRun stores the outcome, byte count and attempts of a run.
func (j *Journal) FinishRun(ctx context.Context, run *Run) error {
	if j == nil || j.db == nil {
		return ErrNotOpen
	}
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
	query := `UPDATE sync_runs SET version = :version, finished_at = :finished_at, status = :status, error_kind = :error_kind,
	          error = :error, bytes_transferred = :bytes_transferred, attempts = :attempts WHERE id = :id`
	res, err := j.db.NamedExecContext(ctx, query, toDBRun(run))
	if err != nil {
		return fmt.Errorf("journal: finish run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("journal: finish run %s: %w", run.ID, sql.ErrNoRows)
	}
	return nil
}

// RecordFile stores a completed file of a run, replacing an earlier record for the same dest.
func (j *Journal) RecordFile(ctx context.Context, rec *FileRecord) error {
	if j == nil || j.db == nil {
		return ErrNotOpen
	}
	data := dbFile{
		RunID:            rec.RunID,
		Dest:             rec.Dest,
		Size:             rec.Size,
		BytesTransferred: rec.BytesTransferred,
		BytesSkipped:     rec.BytesSkipped,
		CompletedAt:      formatTime(rec.CompletedAt),
	}
	query := `INSERT OR REPLACE INTO sync_files (run_id, dest, size, bytes_transferred, bytes_skipped, completed_at)
	          VALUES (:run_id, :dest, :size, :bytes_transferred, :bytes_skipped, :completed_at)`
	if _, err := j.db.NamedExecContext(ctx, query, data); err != nil {
		return fmt.Errorf("journal: record file %s: %w", rec.Dest, err)
	}
	return nil
}

// GetRun returns the run with id, or nil when unknown.
func (j *Journal) GetRun(ctx context.Context, id string) (*Run, error) {
	if j == nil || j.db == nil {
		return nil, ErrNotOpen
	}
	var row dbRun
	err := j.db.GetContext(ctx, &row, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get run %s: %w", id, err)
	}
	return row.toRun(), nil
}

// RecentRuns returns up to limit runs, newest first. An empty root matches every root.
func (j *Journal) RecentRuns(ctx context.Context, root string, limit int) ([]*Run, error) {
	if j == nil || j.db == nil {
		return nil, ErrNotOpen
	}
	if limit <= 0 {
		limit = 20
	}

	var rows []dbRun
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE (? = '' OR root = ?) ORDER BY started_at DESC, rowid DESC LIMIT ?`
	if err := j.db.SelectContext(ctx, &rows, query, root, root, limit); err != nil {
		return nil, fmt.Errorf("journal: recent runs: %w", err)
	}

	runs := make([]*Run, 0, len(rows))
	for i := range rows {
		runs = append(runs, rows[i].toRun())
	}
	return runs, nil
}

// LastSucceeded returns the newest successful run for root, or nil.
func (j *Journal) LastSucceeded(ctx context.Context, root string) (*Run, error) {
	if j == nil || j.db == nil {
		return nil, ErrNotOpen
	}
	var row dbRun
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE root = ? AND status = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`
	err := j.db.GetContext(ctx, &row, query, root, string(StatusSucceeded))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: last succeeded: %w", err)
	}
	return row.toRun(), nil
}

// Files returns the files recorded for a run in completion order.
func (j *Journal) Files(ctx context.Context, runID string) ([]*FileRecord, error) {
	if j == nil || j.db == nil {
		return nil, ErrNotOpen
	}
	var rows []dbFile
	query := `SELECT run_id, dest, size, bytes_transferred, bytes_skipped, completed_at FROM sync_files WHERE run_id = ? ORDER BY completed_at, rowid`
	if err := j.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("journal: files of %s: %w", runID, err)
	}

	files := make([]*FileRecord, 0, len(rows))
	for _, row := range rows {
		files = append(files, &FileRecord{
			RunID:            row.RunID,
			Dest:             row.Dest,
			Size:             row.Size,
			BytesTransferred: row.BytesTransferred,
			BytesSkipped:     row.BytesSkipped,
			CompletedAt:      parseTime(row.CompletedAt),
		})
	}
	return files, nil
}

// Prune deletes runs started before cutoff along with their files.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if j == nil || j.db == nil {
		return 0, ErrNotOpen
	}
	res, err := j.db.ExecContext(ctx, `DELETE FROM sync_runs WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}

func toDBRun(run *Run) dbRun {
	row := dbRun{
		ID:               run.ID,
		ManifestURL:      run.ManifestURL,
		Version:          run.Version,
		Root:             run.Root,
		StartedAt:        formatTime(run.StartedAt),
		Status:           string(run.Status),
		ErrorKind:        run.ErrorKind,
		Error:            run.Error,
		BytesTransferred: run.BytesTransferred,
		Attempts:         run.Attempts,
	}
	if run.FinishedAt != nil {
		row.FinishedAt = formatTime(*run.FinishedAt)
	}
	return row
}

func (r *dbRun) toRun() *Run {
	run := &Run{
		ID:               r.ID,
		ManifestURL:      r.ManifestURL,
		Version:          r.Version,
		Root:             r.Root,
		StartedAt:        parseTime(r.StartedAt),
		Status:           RunStatus(r.Status),
		ErrorKind:        r.ErrorKind,
		Error:            r.Error,
		BytesTransferred: r.BytesTransferred,
		Attempts:         r.Attempts,
	}
	if r.FinishedAt != "" {
		t := parseTime(r.FinishedAt)
		run.FinishedAt = &t
	}
	return run
}

// times are stored as fixed width UTC strings so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		slog.Warn("journal parse time", "value", s, "error", err)
	}
	return t
}
