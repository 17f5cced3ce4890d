package main

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/journal"
	"github.com/openmined/syftmirror/internal/mirror"
	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfigCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addConfigFlags(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{
	"manifest_url": "https://file.example.com/manifest.xml",
	"version": "from-file",
	"data_dir": "`+filepath.ToSlash(filepath.Join(dir, "file-data"))+`",
	"workers": 2,
	"retry": {"max_attempts": 4, "initial_backoff": "2s"}
}`), 0o600))

	t.Setenv("SYFTMIRROR_VERSION", "from-env")
	t.Setenv("SYFTMIRROR_WORKERS", "3")

	cmd := newConfigCmd(t, "--config", configPath, "--workers", "5")
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, configPath, cfg.Path)
	assert.Equal(t, "https://file.example.com/manifest.xml", cfg.ManifestURL)
	assert.Equal(t, "from-env", cfg.Version)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, filepath.Join(dir, "file-data"), cfg.DataDir)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialBackoff)
	assert.Equal(t, time.Minute, cfg.Retry.MaxBackoff)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cmd := newConfigCmd(t, "--config", filepath.Join(t.TempDir(), "none.json"))
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Empty(t, cfg.ManifestURL)
	assert.ErrorIs(t, cfg.RequireManifest(), config.ErrNoManifestURL)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, config.DefaultDaemonAddr, cfg.Daemon.Addr)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cmd := newConfigCmd(t,
		"--config", filepath.Join(t.TempDir(), "none.json"),
		"--manifest", "ftp://example.com/m.xml",
	)
	_, err := loadConfig(cmd)
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestRetryPolicy_FromConfig(t *testing.T) {
	cfg := &config.Config{Retry: config.RetryConfig{MaxAttempts: 0, Multiplier: 0, ServerErrors: false}}
	p := retryPolicy(cfg)

	def := mirror.DefaultRetryPolicy()
	assert.Equal(t, 0, p.MaxAttempts)
	assert.False(t, p.ServerErrors)
	assert.Equal(t, def.InitialBackoff, p.InitialBackoff)
	assert.Equal(t, def.Multiplier, p.Multiplier)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 130, exitCode(fmt.Errorf("sync: %w", syncerr.ErrCancelled)))
	assert.Equal(t, 1, exitCode(assert.AnError))
}

// fixture writes blobs and a manifest next to each other and points the CLI at them
// through the environment.
type fixture struct {
	dir      string
	dataDir  string
	manifest string
	files    map[string][]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	fx := &fixture{
		dir:     dir,
		dataDir: filepath.Join(dir, "data"),
		files: map[string][]byte{
			"a.txt":          {},
			"docs/readme.md": []byte("# mirror\n"),
			"bin/blob.bin":   []byte(strings.Repeat("0123456789", 5000)),
		},
	}

	src := filepath.Join(dir, "origin")
	require.NoError(t, os.MkdirAll(src, 0o755))

	var b strings.Builder
	b.WriteString(`<config version="v1">` + "\n")
	for dest, data := range fx.files {
		name := strings.ReplaceAll(dest, "/", "_")
		require.NoError(t, os.WriteFile(filepath.Join(src, name), data, 0o644))
		sum := md5.Sum(data)
		fmt.Fprintf(&b, `  <file dest=%q src=%q md5=%q size="%d"/>`+"\n", dest, name, hex.EncodeToString(sum[:]), len(data))
	}
	b.WriteString("</config>\n")

	manifestPath := filepath.Join(src, "manifest.xml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(b.String()), 0o644))
	fx.manifest = (&url.URL{Scheme: "file", Path: filepath.ToSlash(manifestPath)}).String()

	t.Setenv("SYFTMIRROR_CONFIG_PATH", filepath.Join(dir, "config.json"))
	t.Setenv("SYFTMIRROR_MANIFEST_URL", fx.manifest)
	t.Setenv("SYFTMIRROR_DATA_DIR", fx.dataDir)
	t.Setenv("SYFTMIRROR_JOURNAL_PATH", filepath.Join(dir, "journal.db"))
	t.Setenv("SYFTMIRROR_LOG_FILE", filepath.Join(dir, "logs", "syftmirror.log"))
	return fx
}

func TestCLI_SyncStatusVerifyHistoryClean(t *testing.T) {
	fx := newFixture(t)

	out, code := runCLI(t)
	require.Equal(t, 0, code, out)
	for dest, data := range fx.files {
		got, err := os.ReadFile(filepath.Join(fx.dataDir, filepath.FromSlash(dest)))
		require.NoError(t, err, dest)
		assert.Equal(t, data, got, dest)
	}
	assert.FileExists(t, filepath.Join(fx.dir, "logs", "syftmirror.log"))

	out, code = runCLI(t, "status", "--format", "json")
	require.Equal(t, 0, code, out)
	var status statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &status), out)
	assert.Equal(t, "v1", status.Mirror.CommittedVersion)
	assert.Equal(t, len(fx.files), status.Mirror.Files)
	require.NotNil(t, status.LastSync)
	assert.Equal(t, journal.StatusSucceeded, status.LastSync.Status)

	out, code = runCLI(t, "status", "--format", "yaml")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "committed_version: v1")

	out, code = runCLI(t, "verify")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "3 checked, 0 invalid")

	require.NoError(t, os.WriteFile(filepath.Join(fx.dataDir, "docs", "readme.md"), []byte("# tampered\n"), 0o644))

	out, code = runCLI(t, "verify", "docs/**", "--format", "json")
	assert.Equal(t, 1, code, out)
	assert.Contains(t, out, `"dest": "docs/readme.md"`)
	assert.Contains(t, out, `"checked": 1`)

	out, code = runCLI(t, "verify", "bin/*")
	assert.Equal(t, 0, code, out)
	assert.Contains(t, out, "1 checked, 0 invalid")

	out, code = runCLI(t, "history")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "succeeded")

	out, code = runCLI(t, "clean")
	assert.Equal(t, 1, code, out)
	assert.DirExists(t, fx.dataDir)

	out, code = runCLI(t, "clean", "--yes")
	require.Equal(t, 0, code, out)
	assert.NoDirExists(t, fx.dataDir)

	out, code = runCLI(t, "verify")
	assert.Equal(t, 1, code, out)
	assert.Contains(t, out, "nothing synced yet")
}

func TestCLI_Errors(t *testing.T) {
	newFixture(t)

	out, code := runCLI(t, "--manifest", "")
	assert.Equal(t, 1, code, out)

	out, code = runCLI(t, "status", "--format", "xml")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, `unknown format "xml"`)

	out, code = runCLI(t, "verify", "[")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "invalid pattern")

	out, code = runCLI(t, "--version-pin", "v2")
	assert.Equal(t, 1, code, out)

	out, code = runCLI(t, "bogus")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "unknown command")
}
