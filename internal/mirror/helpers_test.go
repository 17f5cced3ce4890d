package mirror

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/syftmirror/internal/checksum"
	"github.com/openmined/syftmirror/internal/progress"
	"github.com/openmined/syftmirror/internal/transfer"
)

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// blobServer serves a manifest and blobs with Range support, counting what it sends.
type blobServer struct {
	*httptest.Server

	mu       sync.Mutex
	manifest string
	blobs    map[string][]byte
	ranges   map[string][]string
	// abortOnce drops the connection half way through the first GET of the path.
	abortOnce map[string]bool
	// stall writes the first chunks of the path, then waits for the client to go away.
	stall map[string]bool

	ignoreRange atomic.Bool
	requests    atomic.Int64
	bodyBytes   atomic.Int64
	userAgent   atomic.Value
}

func newBlobServer(t *testing.T) *blobServer {
	t.Helper()
	s := &blobServer{
		blobs:     map[string][]byte{},
		ranges:    map[string][]string{},
		abortOnce: map[string]bool{},
		stall:     map[string]bool{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *blobServer) url(path string) string {
	return s.URL + path
}

func (s *blobServer) setBlob(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = data
}

func (s *blobServer) setManifest(doc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = doc
}

func (s *blobServer) rangesFor(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges[path]...)
}

func (s *blobServer) resetCounters() {
	s.requests.Store(0)
	s.bodyBytes.Store(0)
}

type countingWriter struct {
	http.ResponseWriter
	n *atomic.Int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.n.Add(int64(n))
	return n, err
}

func (c countingWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *blobServer) serve(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	s.userAgent.Store(r.UserAgent())
	cw := countingWriter{ResponseWriter: w, n: &s.bodyBytes}

	s.mu.Lock()
	if r.URL.Path == "/manifest.xml" {
		doc := s.manifest
		s.mu.Unlock()
		http.ServeContent(cw, r, "manifest.xml", time.Time{}, strings.NewReader(doc))
		return
	}
	data, ok := s.blobs[r.URL.Path]
	if r.Method == http.MethodGet {
		s.ranges[r.URL.Path] = append(s.ranges[r.URL.Path], r.Header.Get("Range"))
	}
	abort := r.Method == http.MethodGet && s.abortOnce[r.URL.Path]
	if abort {
		delete(s.abortOnce, r.URL.Path)
	}
	stall := r.Method == http.MethodGet && s.stall[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case abort:
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		cw.Write(data[:len(data)/2])
		cw.Flush()
		panic(http.ErrAbortHandler)
	case stall:
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		cw.Write(data[:checksum.ChunkSize*2])
		cw.Flush()
		<-r.Context().Done()
	case s.ignoreRange.Load():
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			cw.Write(data)
		}
	default:
		http.ServeContent(cw, r, r.URL.Path, time.Time{}, bytes.NewReader(data))
	}
}

// part describes one <part> (or the implicit part) of a manifest file.
type part struct {
	path   string
	data   []byte
	noMD5  bool
	noSize bool
	badMD5 bool
}

type entry struct {
	dest  string
	parts []part
}

// publish registers every blob on the server and sets the manifest document.
func (s *blobServer) publish(version string, entries ...entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n<config version=%q>\n", version)
	for _, e := range entries {
		if len(e.parts) == 1 {
			fmt.Fprintf(&b, "  <file dest=%q%s/>\n", e.dest, s.partAttrs(e.parts[0]))
			continue
		}
		fmt.Fprintf(&b, "  <file dest=%q>\n", e.dest)
		for _, p := range e.parts {
			fmt.Fprintf(&b, "    <part%s/>\n", s.partAttrs(p))
		}
		b.WriteString("  </file>\n")
	}
	b.WriteString("</config>\n")

	doc := b.String()
	s.setManifest(doc)
	return doc
}

func (s *blobServer) partAttrs(p part) string {
	s.setBlob(p.path, p.data)
	attrs := fmt.Sprintf(" src=%q", s.url(p.path))
	if !p.noMD5 {
		sum := md5hex(p.data)
		if p.badMD5 {
			sum = md5hex(append([]byte("x"), p.data...))
		}
		attrs += fmt.Sprintf(" md5=%q", sum)
	}
	if !p.noSize {
		attrs += fmt.Sprintf(" size=\"%d\"", len(p.data))
	}
	return attrs
}

func testClient() *transfer.Client {
	return transfer.NewClient(
		transfer.WithTransport(transfer.NewHTTPTransport(transfer.HTTPOptions{}), "http", "https"),
		transfer.WithInactivityTimeout(5*time.Second),
	)
}

func testSyncer(opts Options) *Syncer {
	if opts.Client == nil {
		opts.Client = testClient()
	}
	if opts.Retry == nil {
		opts.Retry = &RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
	}
	return New(opts)
}

// recorder collects events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Report(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func (r *recorder) ofType(t progress.EventType) []progress.Event {
	var out []progress.Event
	for _, e := range r.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) terminals() []progress.Event {
	var out []progress.Event
	for _, e := range r.all() {
		if e.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

func seq(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}
