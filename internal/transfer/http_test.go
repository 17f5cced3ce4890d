package transfer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/syftmirror/internal/checksum"
	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = bytes.Repeat([]byte("0123456789abcdef"), 8*1024) // 128 KiB

type fakeServer struct {
	*httptest.Server
	ignoreRange atomic.Bool
	lastUA      atomic.Value
	lastDevice  atomic.Value
	lastRange   atomic.Value
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		fs.lastUA.Store(r.UserAgent())
		fs.lastDevice.Store(r.Header.Get(HeaderDeviceID))
		fs.lastRange.Store(r.Header.Get("Range"))
		if fs.ignoreRange.Load() {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			if r.Method != http.MethodHead {
				w.Write(payload)
			}
			return
		}
		http.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader(payload))
	})
	mux.HandleFunc("/nolength", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:checksum.ChunkSize*2])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func newHTTPClient(opts ...ClientOption) *Client {
	ht := NewHTTPTransport(HTTPOptions{UserAgent: "syftmirror-test/1.0", DeviceID: "dev-1"})
	return NewClient(append([]ClientOption{WithTransport(ht, "http", "https")}, opts...)...)
}

func TestHTTP_Head(t *testing.T) {
	srv := newFakeServer(t)
	c := newHTTPClient()
	ctx := context.Background()

	size, err := c.Head(ctx, srv.URL+"/blob")
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), size)
	assert.Equal(t, "syftmirror-test/1.0", srv.lastUA.Load())
	assert.Equal(t, "dev-1", srv.lastDevice.Load())

	_, err = c.Head(ctx, srv.URL+"/missing")
	var te *syncerr.TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusNotFound, te.StatusCode)

	_, err = c.Head(ctx, srv.URL+"/nolength")
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Error(), "no content length")
}

func TestHTTP_FetchWhole(t *testing.T) {
	srv := newFakeServer(t)
	c := newHTTPClient()

	var buf bytes.Buffer
	d := checksum.New()
	chunks := 0
	n, err := c.Fetch(context.Background(), srv.URL+"/blob", 0, int64(len(payload)), &buf, d, func(int) { chunks++ })
	require.NoError(t, err)

	assert.EqualValues(t, len(payload), n)
	assert.Equal(t, payload, buf.Bytes())
	assert.Equal(t, checksumOf(payload), d.Finalize())
	assert.Positive(t, chunks)
	assert.Empty(t, srv.lastRange.Load())
}

func TestHTTP_FetchRangeHonoredAndIgnored(t *testing.T) {
	srv := newFakeServer(t)
	c := newHTTPClient()
	const offset = 1000

	for _, ignore := range []bool{false, true} {
		srv.ignoreRange.Store(ignore)

		var buf bytes.Buffer
		n, err := c.Fetch(context.Background(), srv.URL+"/blob", offset, int64(len(payload)), &buf, nil, nil)
		require.NoError(t, err, "ignore=%v", ignore)

		assert.EqualValues(t, len(payload)-offset, n)
		assert.Equal(t, payload[offset:], buf.Bytes())
		assert.Equal(t, "bytes=1000-131071", srv.lastRange.Load())
	}
}

func TestHTTP_FetchStatusError(t *testing.T) {
	srv := newFakeServer(t)
	c := newHTTPClient()

	_, err := c.Fetch(context.Background(), srv.URL+"/broken", 0, 10, &bytes.Buffer{}, nil, nil)
	var te *syncerr.TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, srv.URL+"/broken", te.URL)
	assert.True(t, syncerr.IsTransient(err, true))
	assert.False(t, syncerr.IsTransient(err, false))
}

func TestHTTP_FetchCancelled(t *testing.T) {
	srv := newFakeServer(t)
	c := newHTTPClient()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := c.Fetch(ctx, srv.URL+"/slow", 0, int64(len(payload)), &bytes.Buffer{}, nil, func(int) { cancel() })
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrCancelled)
	assert.Equal(t, syncerr.KindCancelled, syncerr.Classify(err))
	assert.Less(t, n, int64(len(payload)))
}

func TestHTTP_FetchStalled(t *testing.T) {
	srv := newFakeServer(t)
	c := newHTTPClient(WithInactivityTimeout(100 * time.Millisecond))

	start := time.Now()
	n, err := c.Fetch(context.Background(), srv.URL+"/slow", 0, int64(len(payload)), &bytes.Buffer{}, nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)

	assert.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, syncerr.KindNetwork, syncerr.Classify(err))
	assert.True(t, syncerr.IsTransient(err, false))
	assert.EqualValues(t, checksum.ChunkSize*2, n)
}

func TestClient_UnsupportedScheme(t *testing.T) {
	c := NewClient()
	_, err := c.Head(context.Background(), "gopher://example.com/x")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
	assert.Equal(t, syncerr.KindParse, syncerr.Classify(err))
}

func checksumOf(b []byte) string {
	d := checksum.New()
	d.Update(b)
	return d.Finalize()
}

func TestHTTP_UserAgentFromContext(t *testing.T) {
	srv := newFakeServer(t)
	c := newHTTPClient()

	ctx := WithUserAgent(context.Background(), "caller-agent/2.0")
	_, err := c.Head(ctx, srv.URL+"/blob")
	require.NoError(t, err)
	assert.Equal(t, "caller-agent/2.0", srv.lastUA.Load())
}
