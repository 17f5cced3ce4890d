package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/openmined/syftmirror/internal/checksum"
	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/openmined/syftmirror/internal/utils"
)

// ErrUnsupportedScheme is returned for source URLs no transport is registered for.
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// Client routes requests to a Transport by URL scheme and streams bodies into callers.
type Client struct {
	mu                sync.RWMutex
	transports        map[string]Transport
	inactivityTimeout time.Duration
}

type ClientOption func(*Client)

// WithTransport registers t for every given scheme.
func WithTransport(t Transport, schemes ...string) ClientOption {
	return func(c *Client) {
		for _, scheme := range schemes {
			c.transports[strings.ToLower(scheme)] = t
		}
	}
}

// WithInactivityTimeout aborts a GET that delivers no bytes for d. Zero disables it.
func WithInactivityTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.inactivityTimeout = d
	}
}

// NewClient returns a client with file:// support and the given options applied.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{transports: map[string]Transport{"file": NewFileTransport()}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds or replaces the transport for scheme.
func (c *Client) Register(scheme string, t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transports[strings.ToLower(scheme)] = t
}

func (c *Client) transport(rawURL string) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &syncerr.ParseError{Kind: syncerr.InvalidSource, Value: rawURL, Err: err}
	}

	c.mu.RLock()
	t, ok := c.transports[strings.ToLower(u.Scheme)]
	c.mu.RUnlock()
	if !ok {
		return nil, &syncerr.ParseError{Kind: syncerr.InvalidSource, Value: rawURL, Err: fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)}
	}
	return t, nil
}

// Head returns the size of the object at rawURL.
func (c *Client) Head(ctx context.Context, rawURL string) (int64, error) {
	t, err := c.transport(rawURL)
	if err != nil {
		return 0, err
	}
	return t.Head(ctx, rawURL)
}

// Open returns a reader positioned at offset, whatever the server did with the range.
func (c *Client) Open(ctx context.Context, rawURL string, offset, size int64) (io.ReadCloser, error) {
	t, err := c.transport(rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := t.Get(ctx, rawURL, offset, size)
	if err != nil {
		return nil, err
	}
	if resp.Outcome == RangeIgnored {
		slog.Debug("transfer range ignored", "url", utils.MaskURL(rawURL), "skip", offset)
		if err := SkipPrefix(resp.Body, offset); err != nil {
			resp.Body.Close()
			return nil, &syncerr.NetworkError{Op: "skip", URL: rawURL, Err: err}
		}
	}
	return resp.Body, nil
}

// Fetch streams rawURL from offset into dst, updating digest and calling onChunk per chunk.
// It returns the number of bytes written to dst.
func (c *Client) Fetch(ctx context.Context, rawURL string, offset, size int64, dst io.Writer, digest *checksum.Digest, onChunk func(n int)) (int64, error) {
	wctx, wd := newWatchdog(ctx, c.inactivityTimeout)
	defer wd.Stop()

	body, err := c.Open(wctx, rawURL, offset, size)
	if err != nil {
		return 0, c.stalled(wctx, rawURL, err)
	}
	defer body.Close()

	n, err := Copy(wctx, dst, &kickReader{r: body, wd: wd}, digest, onChunk)
	if err != nil {
		var netErr *syncerr.NetworkError
		if errors.As(err, &netErr) && netErr.URL == "" {
			netErr.URL = rawURL
		}
		return n, c.stalled(wctx, rawURL, err)
	}
	return n, nil
}

// stalled rewrites an error caused by the inactivity watchdog into a transient NetworkError.
func (c *Client) stalled(ctx context.Context, rawURL string, err error) error {
	if errors.Is(context.Cause(ctx), ErrStalled) {
		return &syncerr.NetworkError{Op: "GET", URL: rawURL, Err: ErrStalled}
	}
	return err
}
