// Package reconcile prunes a sync root down to the files a manifest describes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/syftmirror/internal/checksum"
	"github.com/openmined/syftmirror/internal/manifest"
	"github.com/openmined/syftmirror/internal/progress"
	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/openmined/syftmirror/internal/utils"
)

// Options configures a Reconciler.
type Options struct {
	// Keep lists root relative paths that are never touched, such as state markers.
	Keep []string
	// Preserve holds extra gitignore patterns, merged with the root's ignore file.
	Preserve []string
	// Reporter receives a Verifying event before the first checksum pass.
	Reporter progress.Reporter
}

// Report summarises a reconciliation pass. Paths are root relative with forward slashes.
type Report struct {
	Kept        []string
	Preserved   []string
	Deleted     []string
	RemovedDirs []string
}

type Reconciler struct {
	keep     mapset.Set[string]
	preserve []string
	reporter progress.Reporter
}

func New(opts Options) *Reconciler {
	keep := mapset.NewThreadUnsafeSet[string](IgnoreFileName)
	for _, k := range opts.Keep {
		keep.Add(filepath.ToSlash(filepath.Clean(k)))
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = progress.Discard
	}
	return &Reconciler{keep: keep, preserve: opts.Preserve, reporter: reporter}
}

// Reconcile deletes every regular file under root that is neither kept, preserved, nor a
// manifest destination whose content verifies, then removes directories left empty.
// The root itself is never removed.
func (r *Reconciler) Reconcile(ctx context.Context, root string, m *manifest.Manifest) (*Report, error) {
	root = filepath.Clean(root)
	wanted := make(map[string]*manifest.File, len(m.Files))
	for _, f := range m.Files {
		path, err := utils.SecureJoin(root, f.Dest)
		if err != nil {
			return nil, &syncerr.ParseError{Kind: syncerr.UnsafePath, Element: "file", Attribute: "dest", Value: f.Dest, Err: err}
		}
		wanted[path] = f
	}

	rules := LoadPreserveRules(root, r.preserve)
	report := &Report{}
	var (
		dirs      []string
		verifying bool
	)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return syncerr.FS("walk", path, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", syncerr.ErrCancelled, err)
		}
		if path == root {
			return nil
		}

		rel, err := utils.RelSlash(root, path)
		if err != nil {
			return syncerr.FS("walk", path, err)
		}

		if d.IsDir() {
			if rules.Matches(rel) || rules.Matches(rel+"/") {
				report.Preserved = append(report.Preserved, rel+"/")
				return filepath.SkipDir
			}
			dirs = append(dirs, path)
			return nil
		}

		switch {
		case r.keep.Contains(rel):
			return nil
		case rules.Matches(rel):
			report.Preserved = append(report.Preserved, rel)
			return nil
		}

		if f, ok := wanted[path]; ok && d.Type().IsRegular() {
			if !verifying {
				verifying = true
				r.reporter.Report(progress.Verifying())
			}
			res, err := checksum.VerifyFile(ctx, path, f)
			if err != nil {
				return err
			}
			if res.Valid {
				report.Kept = append(report.Kept, rel)
				return nil
			}
			slog.Debug("reconcile invalid file", "path", rel, "reason", res.Reason())
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return syncerr.FS("remove", path, err)
		}
		slog.Debug("reconcile deleted", "path", rel)
		report.Deleted = append(report.Deleted, rel)
		return nil
	})
	if err != nil {
		return report, err
	}

	removed, err := removeEmptyDirs(dirs)
	for _, dir := range removed {
		rel, _ := utils.RelSlash(root, dir)
		report.RemovedDirs = append(report.RemovedDirs, rel)
	}
	if err != nil {
		return report, err
	}

	slog.Info("reconcile done", "root", root, "kept", len(report.Kept), "deleted", len(report.Deleted), "dirs", len(report.RemovedDirs), "preserved", len(report.Preserved))
	return report, nil
}

// removeEmptyDirs removes empty directories deepest first, so parents emptied by their
// children's removal go too.
func removeEmptyDirs(dirs []string) ([]string, error) {
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], string(filepath.Separator)), strings.Count(dirs[j], string(filepath.Separator))
		if di != dj {
			return di > dj
		}
		return dirs[i] > dirs[j]
	})

	var removed []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return removed, syncerr.FS("readdir", dir, err)
		}
		if len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, syncerr.FS("rmdir", dir, err)
		}
		removed = append(removed, dir)
	}
	return removed, nil
}
