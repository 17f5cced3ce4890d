package checksum

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openmined/syftmirror/internal/manifest"
	"github.com/openmined/syftmirror/internal/syncerr"
)

// Result describes why a local file does or does not match its manifest entry.
type Result struct {
	Valid bool

	Missing     bool
	UnknownSize bool

	ExpectedSize int64
	ActualSize   int64

	// FailedPart is the index of the first part whose digest differs, or -1.
	FailedPart int
	Expected   string
	Actual     string
}

// Reason is a short human readable explanation for an invalid result.
func (r Result) Reason() string {
	switch {
	case r.Valid:
		return ""
	case r.Missing:
		return "missing"
	case r.UnknownSize:
		return "size not yet known"
	case r.ExpectedSize != r.ActualSize:
		return fmt.Sprintf("length %d, expected %d", r.ActualSize, r.ExpectedSize)
	default:
		return fmt.Sprintf("part %d md5 %s, expected %s", r.FailedPart, r.Actual, r.Expected)
	}
}

// VerifyFile checks the file at path against f: total length first, then every part
// digest in order from the start of the file. Parts without an md5 only count toward length.
// Files with unresolved part sizes cannot be verified and are reported invalid.
func VerifyFile(ctx context.Context, path string, f *manifest.File) (Result, error) {
	res := Result{FailedPart: -1, ExpectedSize: f.Size()}

	for _, part := range f.Parts {
		if !part.SizeKnown() {
			res.UnknownSize = true
			return res, nil
		}
	}

	fh, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		res.Missing = true
		return res, nil
	}
	if err != nil {
		return res, syncerr.FS("open", path, err)
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return res, syncerr.FS("stat", path, err)
	}
	res.ActualSize = info.Size()
	if res.ActualSize != res.ExpectedSize {
		return res, nil
	}

	r := bufio.NewReaderSize(fh, ChunkSize)
	for i, part := range f.Parts {
		d := New()
		if _, err := ReadInto(ctx, r, part.Size, d); err != nil {
			if errors.Is(err, syncerr.ErrCancelled) {
				return res, err
			}
			return res, syncerr.FS("read", path, err)
		}
		if !part.HasChecksum() {
			continue
		}
		if sum := d.Finalize(); !Equal(part.MD5, sum) {
			res.FailedPart, res.Expected, res.Actual = i, part.MD5, sum
			return res, nil
		}
	}

	res.Valid = true
	return res, nil
}
