package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	tmp := t.TempDir()
	return &Config{
		ManifestURL:       "https://cdn.example.com/data/manifest.xml",
		DataDir:           filepath.Join(tmp, "data"),
		Workers:           2,
		InactivityTimeout: 30 * time.Second,
		JournalPath:       filepath.Join(tmp, "journal.db"),
		Retry:             RetryConfig{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: time.Minute, Multiplier: 2},
		Daemon:            DaemonConfig{Addr: DefaultDaemonAddr},
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := validConfig(t)
	cfg.DataDir = "./relative"
	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.NoError(t, cfg.RequireManifest())
}

func TestConfig_Validate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad scheme", func(c *Config) { c.ManifestURL = "ftp://h/m.xml" }, "manifest_url"},
		{"no host", func(c *Config) { c.ManifestURL = "https:///m.xml" }, "manifest_url"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"negative timeout", func(c *Config) { c.InactivityTimeout = -time.Second }, "inactivity_timeout"},
		{"negative attempts", func(c *Config) { c.Retry.MaxAttempts = -1 }, "max_attempts"},
		{"backoff order", func(c *Config) { c.Retry.InitialBackoff = time.Hour }, "initial_backoff"},
		{"multiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }, "multiplier"},
		{"daemon addr", func(c *Config) { c.Daemon.Addr = "localhost" }, "daemon.addr"},
		{"stream token ttl", func(c *Config) { c.Daemon.StreamTokenTTL = -time.Minute }, "stream_token_ttl"},
		{"alert from", func(c *Config) { c.Alert = AlertConfig{Enabled: true, To: []string{"ops@example.com"}} }, "alert.from"},
		{"alert to", func(c *Config) { c.Alert = AlertConfig{Enabled: true, From: "m@example.com"} }, "alert.to"},
		{"s3 endpoint", func(c *Config) { c.S3.Endpoint = "not a url" }, "s3.endpoint"},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_RequireManifest(t *testing.T) {
	cfg := validConfig(t)
	cfg.ManifestURL = ""
	require.NoError(t, cfg.Validate())
	assert.ErrorIs(t, cfg.RequireManifest(), ErrNoManifestURL)
}

func TestConfig_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := validConfig(t)
	cfg.Version = "3"
	cfg.Preserve = []string{"*.local", "scratch/"}
	cfg.S3 = S3Config{Region: "us-east-1", Endpoint: "http://localhost:9000", AccessKey: "AKIA1234", SecretKey: "secret"}
	cfg.Daemon.Token = "tok"
	cfg.Daemon.Interval = 5 * time.Minute
	cfg.Daemon.Watch = true
	cfg.Daemon.StreamTokenTTL = 2 * time.Minute
	cfg.Alert = AlertConfig{Enabled: true, SendgridAPIKey: "SG.key", From: "m@example.com", To: []string{"ops@example.com"}}
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"30s"`)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ManifestURL, loaded.ManifestURL)
	assert.Equal(t, "3", loaded.Version)
	assert.Equal(t, cfg.DataDir, loaded.DataDir)
	assert.Equal(t, 2, loaded.Workers)
	assert.Equal(t, 30*time.Second, loaded.InactivityTimeout)
	assert.Equal(t, cfg.Preserve, loaded.Preserve)
	assert.Equal(t, cfg.Retry, loaded.Retry)
	assert.Equal(t, cfg.S3, loaded.S3)
	assert.Equal(t, cfg.Daemon, loaded.Daemon)
	assert.Equal(t, cfg.Alert, loaded.Alert)
	assert.Equal(t, path, loaded.Path)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.Equal(t, "SyftMirror", filepath.Base(cfg.DataDir))
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, 10, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.InactivityTimeout)
	assert.Equal(t, DefaultDaemonAddr, cfg.Daemon.Addr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"manifest_url": "https://a.example.com/m.xml", "workers": 2, "retry": {"max_attempts": 3}}`), 0o600))

	t.Setenv("SYFTMIRROR_WORKERS", "8")
	t.Setenv("SYFTMIRROR_RETRY_MAX_ATTEMPTS", "0")
	t.Setenv("SYFTMIRROR_VERSION", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example.com/m.xml", cfg.ManifestURL)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 0, cfg.Retry.MaxAttempts)
	assert.Equal(t, "9", cfg.Version)
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestFromViper_ParsesDurationStrings(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("inactivity_timeout", "90s")
	v.Set("retry.max_backoff", "2m")

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.InactivityTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Retry.MaxBackoff)
}

func TestConfig_LogValueMasksSecrets(t *testing.T) {
	cfg := validConfig(t)
	cfg.S3.AccessKey = "AKIAVERYSECRET"
	cfg.Daemon.Token = "supersecrettoken"
	cfg.Alert = AlertConfig{Enabled: true, SendgridAPIKey: "SG.sendgridsecret", From: "m@example.com", To: []string{"ops@example.com"}}

	var b strings.Builder
	logger := slog.New(slog.NewTextHandler(&b, nil))
	logger.Info("config", "cfg", cfg)

	assert.NotContains(t, b.String(), "AKIAVERYSECRET")
	assert.NotContains(t, b.String(), "supersecrettoken")
	assert.NotContains(t, b.String(), "sendgridsecret")
	assert.Contains(t, b.String(), "AKIA*****")
}
