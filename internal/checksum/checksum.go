// Package checksum computes and verifies the per-part MD5 digests of manifest files.
package checksum

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/openmined/syftmirror/internal/syncerr"
)

// Digest is an incremental MD5 over a part's byte range.
type Digest struct {
	h hash.Hash
	n int64
}

func New() *Digest {
	return &Digest{h: md5.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// Update feeds bytes into the digest.
func (d *Digest) Update(p []byte) {
	_, _ = d.Write(p)
}

// Len is the number of bytes consumed so far.
func (d *Digest) Len() int64 {
	return d.n
}

// Finalize returns the lowercase hex digest. The digest must not be updated afterwards.
func (d *Digest) Finalize() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Equal compares two hex digests ignoring case.
func Equal(expected, actual string) bool {
	return strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(actual))
}

// ReadInto feeds exactly n bytes of r into d in ChunkSize steps, checking ctx between
// chunks. A short source yields io.ErrUnexpectedEOF along with the bytes consumed.
func ReadInto(ctx context.Context, r io.Reader, n int64, d *Digest) (int64, error) {
	buf := Buffers.Get()
	defer Buffers.Put(buf)

	var read int64
	for read < n {
		if err := ctx.Err(); err != nil {
			return read, fmt.Errorf("%w: %w", syncerr.ErrCancelled, err)
		}

		chunk := *buf
		if remaining := n - read; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}

		m, err := io.ReadFull(r, chunk)
		if m > 0 {
			d.Update(chunk[:m])
			read += int64(m)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return read, io.ErrUnexpectedEOF
		}
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

// Sum hashes exactly n bytes of r and returns the hex digest.
func Sum(ctx context.Context, r io.Reader, n int64) (string, error) {
	d := New()
	if _, err := ReadInto(ctx, r, n, d); err != nil {
		return "", err
	}
	return d.Finalize(), nil
}
