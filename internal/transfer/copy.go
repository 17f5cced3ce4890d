package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openmined/syftmirror/internal/checksum"
	"github.com/openmined/syftmirror/internal/syncerr"
)

// Copy streams src into dst in checksum.ChunkSize chunks, feeding digest (when non nil)
// and calling onChunk with every chunk length. ctx is checked before each read; on
// cancellation src is closed, if it can be, and ErrCancelled is returned.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, digest *checksum.Digest, onChunk func(n int)) (int64, error) {
	buf := checksum.Buffers.Get()
	defer checksum.Buffers.Put(buf)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			if c, ok := src.(io.Closer); ok {
				c.Close()
			}
			return written, fmt.Errorf("%w: %w", syncerr.ErrCancelled, err)
		}

		n, readErr := src.Read(*buf)
		if n > 0 {
			chunk := (*buf)[:n]
			if _, err := dst.Write(chunk); err != nil {
				return written, syncerr.FS("write", writerName(dst), err)
			}
			if digest != nil {
				digest.Update(chunk)
			}
			written += int64(n)
			if onChunk != nil {
				onChunk(n)
			}
		}

		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			if ctx.Err() != nil && context.Cause(ctx) == ctx.Err() {
				return written, fmt.Errorf("%w: %w", syncerr.ErrCancelled, ctx.Err())
			}
			return written, &syncerr.NetworkError{Op: "read", Err: readErr}
		}
	}
}

func writerName(w io.Writer) string {
	if named, ok := w.(interface{ Name() string }); ok {
		return named.Name()
	}
	return ""
}
