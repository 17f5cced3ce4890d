// Package transfer fetches byte ranges of remote parts over HTTP(S), S3 or the local
// filesystem and streams them into a destination while hashing.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/openmined/syftmirror/internal/syncerr"
)

// RangeOutcome says how a GET relates to the byte range that was asked for.
type RangeOutcome int

const (
	// RangeNotRequested: the whole object was requested and returned.
	RangeNotRequested RangeOutcome = iota
	// RangeHonored: the server returned exactly the requested suffix.
	RangeHonored
	// RangeIgnored: a range was requested but the whole object came back.
	RangeIgnored
)

func (o RangeOutcome) String() string {
	switch o {
	case RangeNotRequested:
		return "not-requested"
	case RangeHonored:
		return "honored"
	case RangeIgnored:
		return "ignored"
	}
	return "unknown(" + strconv.Itoa(int(o)) + ")"
}

// Response is an open body for a GET. The caller must close Body.
type Response struct {
	Body          io.ReadCloser
	Outcome       RangeOutcome
	ContentLength int64
}

// Transport is the minimal contract a source backend has to satisfy.
type Transport interface {
	// Head returns the size of the object at url.
	Head(ctx context.Context, url string) (int64, error)
	// Get opens url starting at offset. size is the full object size, or
	// manifest.UnknownSize, and bounds the requested range.
	Get(ctx context.Context, url string, offset, size int64) (*Response, error)
}

// DecideRange maps a GET status to a RangeOutcome. A plain request accepts only 200,
// a ranged one accepts 206, or 200 when the server ignored the range.
func DecideRange(rangeRequested bool, status int) (RangeOutcome, error) {
	switch {
	case !rangeRequested && status == http.StatusOK:
		return RangeNotRequested, nil
	case rangeRequested && status == http.StatusPartialContent:
		return RangeHonored, nil
	case rangeRequested && status == http.StatusOK:
		return RangeIgnored, nil
	}

	expected := http.StatusOK
	if rangeRequested {
		expected = http.StatusPartialContent
	}
	return 0, &syncerr.TransferError{Method: http.MethodGet, StatusCode: status, Expected: []int{expected}}
}

// RangeHeader formats the Range value for reading from offset to the end of an object of
// the given size. An unknown size gives an open ended range.
func RangeHeader(offset, size int64) string {
	if size < 0 {
		return fmt.Sprintf("bytes=%d-", offset)
	}
	return fmt.Sprintf("bytes=%d-%d", offset, size-1)
}

// SkipPrefix discards exactly n bytes from r.
func SkipPrefix(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	skipped, err := io.CopyN(io.Discard, r, n)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("skip %d bytes: got %d: %w", n, skipped, io.ErrUnexpectedEOF)
	}
	return err
}

// wrapRequestErr turns a failed round trip into the sync error taxonomy.
func wrapRequestErr(ctx context.Context, op, url string, err error) error {
	if ctx.Err() != nil && context.Cause(ctx) == ctx.Err() {
		return fmt.Errorf("%s %s: %w", op, url, syncerr.ErrCancelled)
	}
	var netErr *syncerr.NetworkError
	if errors.As(err, &netErr) {
		return err
	}
	return &syncerr.NetworkError{Op: op, URL: url, Err: err}
}
