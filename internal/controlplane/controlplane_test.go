package controlplane

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openmined/syftmirror/internal/controlplane/runner"
	"github.com/openmined/syftmirror/internal/mirror"
	"github.com/openmined/syftmirror/internal/transfer"
	"github.com/openmined/syftmirror/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "s3cr3t-t0ken"

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	data := []byte(strings.Repeat("mirror", 1000))
	sum := md5.Sum(data)

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/manifest.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<config version="3"><file dest="d/f.bin" src="%s/f.bin" md5="%s" size="%d"/></config>`,
			srv.URL, hex.EncodeToString(sum[:]), len(data))
	})
	mux.HandleFunc("/f.bin", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f.bin", time.Time{}, strings.NewReader(string(data)))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// startServer runs a control plane on a random port and returns its base url.
func startServer(t *testing.T, cfg *Config) (string, *runner.Runner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	origin := newOrigin(t)
	syncer := mirror.New(mirror.Options{
		Client: transfer.NewClient(
			transfer.WithTransport(transfer.NewHTTPTransport(transfer.HTTPOptions{}), "http"),
		),
		SkipSpaceCheck: true,
	})
	r := runner.New(ctx, syncer, nil, mirror.Request{
		ManifestURL: origin.URL + "/manifest.xml",
		Version:     "3",
		Root:        t.TempDir(),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.Addr = ln.Addr().String()

	srv, err := New(cfg, r)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("control plane did not stop")
		}
	})
	return "http://" + cfg.Addr, r
}

func do(t *testing.T, method, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNew_InvalidAddr(t *testing.T) {
	_, err := New(&Config{Addr: "localhost"}, nil)
	assert.Error(t, err)
}

func TestServer_Routes(t *testing.T) {
	base, _ := startServer(t, &Config{AuthToken: testToken})

	status, body := do(t, http.MethodGet, base+"/", "")
	assert.Equal(t, http.StatusOK, status)
	var index version.Info
	require.NoError(t, json.Unmarshal([]byte(body), &index))
	assert.Equal(t, "SyftMirror", index.App)
	assert.NotEmpty(t, index.Version)

	status, _ = do(t, http.MethodGet, base+"/v1/sync/status", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = do(t, http.MethodGet, base+"/v1/sync/status", testToken)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"running":false`)

	status, body = do(t, http.MethodGet, base+"/nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"error":"not found"}`, body)

	status, _ = do(t, http.MethodPut, base+"/v1/history", testToken)
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	status, body = do(t, http.MethodPost, base+"/v1/token", testToken)
	require.Equal(t, http.StatusCreated, status, body)
	var issued struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &issued))

	// stream tokens only open the event streams
	status, _ = do(t, http.MethodGet, base+"/v1/sync/status?token="+issued.Token, "")
	assert.Equal(t, http.StatusForbidden, status)
}

func TestServer_SyncOverHTTP(t *testing.T) {
	base, r := startServer(t, &Config{AuthToken: testToken})

	status, body := do(t, http.MethodPost, base+"/v1/sync", testToken)
	require.Equal(t, http.StatusAccepted, status, body)
	r.Wait()

	status, body = do(t, http.MethodGet, base+"/v1/sync/status", testToken)
	assert.Equal(t, http.StatusOK, status)
	var st runner.Status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	require.NotNil(t, st.Last)
	assert.Equal(t, "succeeded", string(st.Last.Type))
	assert.Equal(t, "3", st.Mirror.CommittedVersion)
}

func TestServer_SyncOnStart(t *testing.T) {
	_, r := startServer(t, &Config{SyncOnStart: true, Interval: time.Hour})

	require.Eventually(t, func() bool {
		st, err := r.Status()
		return err == nil && st.Mirror.CommittedVersion == "3"
	}, 10*time.Second, 20*time.Millisecond)
}

func TestServer_WatchRepairsLocalEdits(t *testing.T) {
	_, r := startServer(t, &Config{SyncOnStart: true, Watch: true, QuietPeriod: 200 * time.Millisecond})
	path := filepath.Join(r.Defaults().Root, "d", "f.bin")

	require.Eventually(t, func() bool {
		st, err := r.Status()
		return err == nil && !st.Running && st.Mirror.CommittedVersion == "3"
	}, 10*time.Second, 20*time.Millisecond)
	require.FileExists(t, path)

	time.Sleep(500 * time.Millisecond)
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.WriteFile(filepath.Join(r.Defaults().Root, "stray.txt"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		_, stray := os.Stat(filepath.Join(r.Defaults().Root, "stray.txt"))
		return err == nil && os.IsNotExist(stray)
	}, 10*time.Second, 50*time.Millisecond)
}
