package mirror

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/openmined/syftmirror/internal/manifest"
	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/openmined/syftmirror/internal/utils"
)

// State markers kept in the sync root. Any combination of them is a valid resume point.
const (
	// CommittedMarker holds the manifest of the last fully verified version.
	CommittedMarker = ".syftmirror_manifest"
	// TempMarker holds the manifest being synced, exactly as fetched.
	TempMarker = ".syftmirror_manifest_temp"
	// FilteredMarker exists once the root was reconciled against TempMarker.
	FilteredMarker = ".syftmirror_manifest_filtered"
	// LockFile is held with flock for the duration of a sync.
	LockFile = ".syftmirror.lock"
)

var stateFiles = []string{CommittedMarker, TempMarker, FilteredMarker, LockFile}

// IsStateFile reports whether rel, relative to a sync root, is one of the files the syncer
// keeps for itself. Names compare case-insensitively, as they would on macOS and Windows.
func IsStateFile(rel string) bool {
	rel = strings.TrimSuffix(filepath.ToSlash(rel), ".part")
	return slices.ContainsFunc(stateFiles, func(name string) bool {
		return strings.EqualFold(name, rel)
	})
}

// State describes the markers found in a sync root.
type State struct {
	Root             string `json:"root" yaml:"root"`
	CommittedVersion string `json:"committed_version,omitempty" yaml:"committed_version,omitempty"`
	PendingVersion   string `json:"pending_version,omitempty" yaml:"pending_version,omitempty"`
	Reconciled       bool   `json:"reconciled" yaml:"reconciled"`
	Files            int    `json:"files" yaml:"files"`
	Bytes            int64  `json:"bytes" yaml:"bytes"`
}

// Inspect reads the markers in root without taking the lock.
func Inspect(root string) (*State, error) {
	root, err := utils.ResolvePath(root)
	if err != nil {
		return nil, syncerr.FS("resolve", root, err)
	}

	st := &State{Root: root, Reconciled: utils.FileExists(filepath.Join(root, FilteredMarker))}

	committed, err := readMarker(root, CommittedMarker)
	if err != nil {
		return nil, err
	}
	if committed != nil {
		st.CommittedVersion = committed.Version
		st.Files = len(committed.Files)
		st.Bytes = committed.Size()
	}

	pending, err := readMarker(root, TempMarker)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		st.PendingVersion = pending.Version
	}
	return st, nil
}

// CommittedManifest returns the manifest of the last verified version in root, or nil.
func CommittedManifest(root string) (*manifest.Manifest, error) {
	return readMarker(root, CommittedMarker)
}

// readMarker parses a marker. An unparsable marker is logged and treated as absent.
func readMarker(root, name string) (*manifest.Manifest, error) {
	m, err := manifest.ReadFile(filepath.Join(root, name))
	if err == nil {
		return m, nil
	}

	var parseErr *syncerr.ParseError
	if errors.As(err, &parseErr) {
		slog.Warn("mirror ignoring unreadable marker", "marker", name, "error", err)
		return nil, nil
	}
	return nil, err
}

func removeMarker(root, name string) error {
	path := filepath.Join(root, name)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return syncerr.FS("remove", path, err)
	}
	return nil
}

func touchMarker(root, name string) error {
	path := filepath.Join(root, name)
	return syncerr.FS("create", path, utils.Touch(path))
}

// writeMarker replaces a marker with data through a rename, so readers never see half a document.
func writeMarker(root, name string, data []byte) error {
	path := filepath.Join(root, name)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return syncerr.FS("write", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return syncerr.FS("rename", path, err)
	}
	return nil
}

// commit promotes the temp marker to the committed marker and drops the filtered marker.
func commit(root string) error {
	if err := removeMarker(root, FilteredMarker); err != nil {
		return err
	}
	from, to := filepath.Join(root, TempMarker), filepath.Join(root, CommittedMarker)
	if err := os.Rename(from, to); err != nil {
		return syncerr.FS("rename", from, fmt.Errorf("commit: %w", err))
	}
	return nil
}
