// Package config loads and validates syftmirror settings from flags, environment and file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/openmined/syftmirror/internal/utils"
	"github.com/spf13/viper"
)

const EnvPrefix = "SYFTMIRROR"

var (
	home, _            = os.UserHomeDir()
	DefaultConfigDir   = filepath.Join(home, ".syftmirror")
	DefaultConfigPath  = filepath.Join(DefaultConfigDir, "config.json")
	DefaultJournalPath = filepath.Join(DefaultConfigDir, "journal.db")
	DefaultLogFilePath = filepath.Join(DefaultConfigDir, "logs", "syftmirror.log")
	DefaultDataDir     = filepath.Join(home, "SyftMirror")
	DefaultDaemonAddr  = "127.0.0.1:7939"
)

var (
	ErrNoManifestURL = errors.New("config: `manifest_url` is required")
	supportedSchemes = []string{"http", "https", "s3", "file"}
)

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	ServerErrors   bool          `mapstructure:"server_errors"`
}

type S3Config struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type DaemonConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
	// Interval re-runs the configured sync periodically. Zero only syncs on request.
	Interval time.Duration `mapstructure:"interval"`
	// Watch repairs local edits to the data dir with a forced sync.
	Watch bool `mapstructure:"watch"`
	// StreamTokenTTL bounds the event stream tokens the control plane issues.
	StreamTokenTTL time.Duration `mapstructure:"stream_token_ttl"`
}

// AlertConfig mails sync failures through SendGrid.
type AlertConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	SendgridAPIKey string   `mapstructure:"sendgrid_api_key"`
	From           string   `mapstructure:"from"`
	To             []string `mapstructure:"to"`
}

type Config struct {
	ManifestURL       string        `mapstructure:"manifest_url"`
	Version           string        `mapstructure:"version"`
	DataDir           string        `mapstructure:"data_dir"`
	UserAgent         string        `mapstructure:"user_agent"`
	Workers           int           `mapstructure:"workers"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	Preserve          []string      `mapstructure:"preserve"`
	JournalPath       string        `mapstructure:"journal_path"`
	LogFile           string        `mapstructure:"log_file"`
	Retry             RetryConfig   `mapstructure:"retry"`
	S3                S3Config      `mapstructure:"s3"`
	Daemon            DaemonConfig  `mapstructure:"daemon"`
	Alert             AlertConfig   `mapstructure:"alert"`
	Path              string        `mapstructure:"-"`
}

// SetDefaults registers every key with its default, which also makes every key
// visible to environment lookups.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("manifest_url", "")
	v.SetDefault("version", "")
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("user_agent", "")
	v.SetDefault("workers", 1)
	v.SetDefault("inactivity_timeout", 60*time.Second)
	v.SetDefault("preserve", []string{})
	v.SetDefault("journal_path", DefaultJournalPath)
	v.SetDefault("log_file", DefaultLogFilePath)

	v.SetDefault("retry.max_attempts", 10)
	v.SetDefault("retry.initial_backoff", time.Second)
	v.SetDefault("retry.max_backoff", time.Minute)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.server_errors", true)

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")

	v.SetDefault("daemon.addr", DefaultDaemonAddr)
	v.SetDefault("daemon.token", "")
	v.SetDefault("daemon.interval", time.Duration(0))
	v.SetDefault("daemon.watch", false)
	v.SetDefault("daemon.stream_token_ttl", 10*time.Minute)

	v.SetDefault("alert.enabled", false)
	v.SetDefault("alert.sendgrid_api_key", "")
	v.SetDefault("alert.from", "")
	v.SetDefault("alert.to", []string{})
}

// BindEnv makes SYFTMIRROR_* variables override file values, nested keys joined by `_`.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// FromViper decodes v into a Config. It does not validate.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	return &cfg, nil
}

// Load reads the config file at path (a missing file is fine), applies the environment
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	}
	BindEnv(v)

	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes paths and checks values.
func (c *Config) Validate() error {
	var err error

	if c.DataDir, err = utils.ResolvePath(c.DataDir); err != nil {
		return fmt.Errorf("config `data_dir`: %w", err)
	}
	if c.JournalPath != "" && c.JournalPath != ":memory:" {
		if c.JournalPath, err = utils.ResolvePath(c.JournalPath); err != nil {
			return fmt.Errorf("config `journal_path`: %w", err)
		}
	}
	if c.LogFile != "" {
		if c.LogFile, err = utils.ResolvePath(c.LogFile); err != nil {
			return fmt.Errorf("config `log_file`: %w", err)
		}
	}
	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	if c.ManifestURL != "" {
		if err := validSourceURL(c.ManifestURL); err != nil {
			return fmt.Errorf("config `manifest_url`: %w", err)
		}
	}
	if c.S3.Endpoint != "" {
		if u, err := url.Parse(c.S3.Endpoint); err != nil || u.Host == "" {
			return fmt.Errorf("config `s3.endpoint`: invalid url %q", c.S3.Endpoint)
		}
	}

	if c.Workers < 1 {
		return fmt.Errorf("config `workers` must be at least 1, got %d", c.Workers)
	}
	if c.InactivityTimeout < 0 {
		return fmt.Errorf("config `inactivity_timeout` must not be negative")
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config `retry.max_attempts` must not be negative")
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 {
		return fmt.Errorf("config `retry` backoffs must not be negative")
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.InitialBackoff > c.Retry.MaxBackoff {
		return fmt.Errorf("config `retry.initial_backoff` exceeds `retry.max_backoff`")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return fmt.Errorf("config `retry.multiplier` must be at least 1")
	}

	if c.Daemon.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Daemon.Addr); err != nil {
			return fmt.Errorf("config `daemon.addr`: %w", err)
		}
	}
	if c.Daemon.Interval < 0 {
		return fmt.Errorf("config `daemon.interval` must not be negative")
	}
	if c.Daemon.StreamTokenTTL < 0 {
		return fmt.Errorf("config `daemon.stream_token_ttl` must not be negative")
	}

	if c.Alert.Enabled {
		if c.Alert.From == "" {
			return fmt.Errorf("config `alert.from` is required when alerts are enabled")
		}
		if len(c.Alert.To) == 0 {
			return fmt.Errorf("config `alert.to` is required when alerts are enabled")
		}
	}

	return nil
}

// RequireManifest fails when there is nothing to sync.
func (c *Config) RequireManifest() error {
	if strings.TrimSpace(c.ManifestURL) == "" {
		return ErrNoManifestURL
	}
	return nil
}

// Save writes c as JSON to path with owner only permissions, durations as strings.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := utils.JSONMarshalIndent(c.fileView(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) fileView() map[string]any {
	preserve := c.Preserve
	if preserve == nil {
		preserve = []string{}
	}
	alertTo := c.Alert.To
	if alertTo == nil {
		alertTo = []string{}
	}
	return map[string]any{
		"manifest_url":       c.ManifestURL,
		"version":            c.Version,
		"data_dir":           c.DataDir,
		"user_agent":         c.UserAgent,
		"workers":            c.Workers,
		"inactivity_timeout": c.InactivityTimeout.String(),
		"preserve":           preserve,
		"journal_path":       c.JournalPath,
		"log_file":           c.LogFile,
		"retry": map[string]any{
			"max_attempts":    c.Retry.MaxAttempts,
			"initial_backoff": c.Retry.InitialBackoff.String(),
			"max_backoff":     c.Retry.MaxBackoff.String(),
			"multiplier":      c.Retry.Multiplier,
			"server_errors":   c.Retry.ServerErrors,
		},
		"s3": map[string]any{
			"region":     c.S3.Region,
			"endpoint":   c.S3.Endpoint,
			"access_key": c.S3.AccessKey,
			"secret_key": c.S3.SecretKey,
		},
		"daemon": map[string]any{
			"addr":             c.Daemon.Addr,
			"token":            c.Daemon.Token,
			"interval":         c.Daemon.Interval.String(),
			"watch":            c.Daemon.Watch,
			"stream_token_ttl": c.Daemon.StreamTokenTTL.String(),
		},
		"alert": map[string]any{
			"enabled":          c.Alert.Enabled,
			"sendgrid_api_key": c.Alert.SendgridAPIKey,
			"from":             c.Alert.From,
			"to":               alertTo,
		},
	}
}

// LogValue keeps secrets out of logs.
func (c *Config) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("path", c.Path),
		slog.String("manifest_url", utils.MaskURL(c.ManifestURL)),
		slog.String("version", c.Version),
		slog.String("data_dir", c.DataDir),
		slog.Int("workers", c.Workers),
		slog.Duration("inactivity_timeout", c.InactivityTimeout),
		slog.String("journal_path", c.JournalPath),
	}
	if c.S3.AccessKey != "" {
		attrs = append(attrs, slog.String("s3_access_key", utils.MaskSecret(c.S3.AccessKey)))
	}
	if c.Daemon.Token != "" {
		attrs = append(attrs, slog.String("daemon_token", utils.MaskSecret(c.Daemon.Token)))
	}
	if c.Alert.Enabled {
		attrs = append(attrs, slog.Any("alert_to", c.Alert.To))
		if c.Alert.SendgridAPIKey != "" {
			attrs = append(attrs, slog.String("sendgrid_api_key", utils.MaskSecret(c.Alert.SendgridAPIKey)))
		}
	}
	return slog.GroupValue(attrs...)
}

func validSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(supportedSchemes, strings.ToLower(u.Scheme)) {
		return fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Scheme != "file" && u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
