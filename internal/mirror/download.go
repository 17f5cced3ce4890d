package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/openmined/syftmirror/internal/checksum"
	"github.com/openmined/syftmirror/internal/manifest"
	"github.com/openmined/syftmirror/internal/progress"
	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/openmined/syftmirror/internal/transfer"
	"github.com/openmined/syftmirror/internal/utils"
)

// fileStats counts what downloading one file took.
type fileStats struct {
	Skipped     int64
	Transferred int64
	Fetched     int
}

// downloader fetches the bytes of manifest files that are missing from disk.
type downloader struct {
	client  *transfer.Client
	tracker *progress.Tracker
}

// existingLength is the size of the file at path, 0 when absent. Files longer than want
// cannot be a prefix of the expected content and are deleted.
func existingLength(path string, want int64) (int64, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return 0, nil
	case err != nil:
		return 0, syncerr.FS("stat", path, err)
	case info.IsDir():
		return 0, syncerr.FS("open", path, errors.New("is a directory"))
	case info.Size() > want:
		slog.Warn("mirror local file longer than expected", "path", path, "size", info.Size(), "expected", want)
		if err := os.Remove(path); err != nil {
			return 0, syncerr.FS("remove", path, err)
		}
		return 0, nil
	}
	return info.Size(), nil
}

// download brings the file at path up to f, resuming after the bytes already present.
//
// Parts fully covered by existing bytes are skipped. A partially covered part with an md5
// has its present bytes re-read into the digest before the remainder is streamed, so the
// digest always spans the whole part. Zero length parts are always fetched.
func (d *downloader) download(ctx context.Context, path string, f *manifest.File) (stats fileStats, err error) {
	existing, err := existingLength(path, f.Size())
	if err != nil {
		return stats, err
	}
	stats.Skipped = existing
	d.tracker.Skipped(existing)

	if err := utils.EnsureParent(path); err != nil {
		return stats, syncerr.FS("mkdir", path, err)
	}

	var out *os.File
	defer func() {
		if out != nil {
			if cerr := out.Close(); cerr != nil && err == nil {
				err = syncerr.FS("close", path, cerr)
			}
		}
	}()

	skip := existing
	for i, part := range f.Parts {
		if part.Size <= skip && part.Size != 0 {
			skip -= part.Size
			continue
		}
		partSkip := min(skip, part.Size)
		skip -= partSkip

		if out == nil {
			flags := os.O_CREATE | os.O_WRONLY
			if existing > 0 {
				flags |= os.O_APPEND
			} else {
				flags |= os.O_TRUNC
			}
			if out, err = os.OpenFile(path, flags, 0o644); err != nil {
				return stats, syncerr.FS("open", path, err)
			}
		}

		var digest *checksum.Digest
		if part.HasChecksum() {
			digest = checksum.New()
			if partSkip > 0 {
				if err := rehash(ctx, path, f.Offset(i), partSkip, digest); err != nil {
					return stats, err
				}
			}
		}

		slog.Debug("mirror fetch part", "dest", f.Dest, "part", i, "src", utils.MaskURL(part.Src), "offset", partSkip, "size", part.Size)
		n, err := fetchPart(ctx, d, part, partSkip, out, digest)
		stats.Transferred += n
		stats.Fetched++
		if err != nil {
			return stats, err
		}

		if got := partSkip + n; got != part.Size {
			out.Close()
			out = nil
			removeCorrupt(path)
			return stats, &syncerr.IntegrityError{Path: f.Dest, Source: part.Src, ExpectedSize: part.Size, ActualSize: got}
		}
		if digest != nil {
			if sum := digest.Finalize(); !checksum.Equal(part.MD5, sum) {
				out.Close()
				out = nil
				removeCorrupt(path)
				return stats, &syncerr.IntegrityError{Path: f.Dest, Source: part.Src, Expected: part.MD5, Actual: sum}
			}
		}
	}
	return stats, nil
}

func fetchPart(ctx context.Context, d *downloader, part *manifest.Part, offset int64, out io.Writer, digest *checksum.Digest) (int64, error) {
	return d.client.Fetch(ctx, part.Src, offset, part.Size, out, digest, func(n int) {
		d.tracker.Transferred(int64(n))
	})
}

// rehash feeds n bytes of path starting at offset into digest.
func rehash(ctx context.Context, path string, offset, n int64, digest *checksum.Digest) error {
	fh, err := os.Open(path)
	if err != nil {
		return syncerr.FS("open", path, err)
	}
	defer fh.Close()

	if _, err := fh.Seek(offset, io.SeekStart); err != nil {
		return syncerr.FS("seek", path, err)
	}
	if _, err := checksum.ReadInto(ctx, fh, n, digest); err != nil {
		if errors.Is(err, syncerr.ErrCancelled) {
			return err
		}
		return syncerr.FS("read", path, fmt.Errorf("rehash: %w", err))
	}
	return nil
}

func removeCorrupt(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("mirror remove corrupt file", "path", path, "error", err)
		return
	}
	slog.Warn("mirror removed corrupt file", "path", path)
}
