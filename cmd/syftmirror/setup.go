package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syftmirror/internal/alert"
	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/journal"
	"github.com/openmined/syftmirror/internal/mirror"
	"github.com/openmined/syftmirror/internal/transfer"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/openmined/syftmirror/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flag name -> config key
var flagKeys = map[string]string{
	"manifest":    "manifest_url",
	"version-pin": "version",
	"datadir":     "data_dir",
	"workers":     "workers",
	"user-agent":  "user_agent",
	"journal":     "journal_path",
	"log-file":    "log_file",
}

// loadConfig resolves settings with flags over SYFTMIRROR_* env over the config file over
// defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)

	configPath, _ := cmd.Flags().GetString("config")
	if !cmd.Flags().Changed("config") {
		if env := os.Getenv(config.EnvPrefix + "_CONFIG_PATH"); env != "" {
			configPath = env
		}
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
	}

	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	config.BindEnv(v)

	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	cfg.Path = configPath
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// attachLogFile adds a text handler writing to path next to the stdout handler. Without
// console, logs only go to the file, which the progress view needs to own the terminal.
func attachLogFile(path string, console bool) (func(), error) {
	previous := slog.Default()
	consoleHandler := previous.Handler()
	if stdoutHandler != nil {
		consoleHandler = stdoutHandler
	}

	if path == "" {
		if console {
			return func() {}, nil
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return func() { slog.SetDefault(previous) }, nil
	}
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logInterceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps the time
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	if console {
		slog.SetDefault(slog.New(utils.NewMultiLogHandler(consoleHandler, fileHandler)))
	} else {
		slog.SetDefault(slog.New(fileHandler))
	}

	return func() {
		slog.SetDefault(previous)
		logInterceptor.Close()
		file.Close()
	}, nil
}

func retryPolicy(cfg *config.Config) *mirror.RetryPolicy {
	p := mirror.DefaultRetryPolicy()
	p.MaxAttempts = cfg.Retry.MaxAttempts
	p.ServerErrors = cfg.Retry.ServerErrors
	if cfg.Retry.InitialBackoff > 0 {
		p.InitialBackoff = cfg.Retry.InitialBackoff
	}
	if cfg.Retry.MaxBackoff > 0 {
		p.MaxBackoff = cfg.Retry.MaxBackoff
	}
	if cfg.Retry.Multiplier >= 1 {
		p.Multiplier = cfg.Retry.Multiplier
	}
	return &p
}

func userAgent(cfg *config.Config) string {
	if cfg.UserAgent != "" {
		return cfg.UserAgent
	}
	return version.UserAgent()
}

// newClient registers http(s) and file transports, and s3 when the manifest or the
// config asks for it.
func newClient(ctx context.Context, cfg *config.Config) (*transfer.Client, error) {
	opts := []transfer.ClientOption{
		transfer.WithTransport(transfer.NewHTTPTransport(transfer.HTTPOptions{
			UserAgent: userAgent(cfg),
			DeviceID:  utils.HWID(),
			Version:   version.Version,
		}), "http", "https"),
		transfer.WithTransport(transfer.NewFileTransport(), "file"),
		transfer.WithInactivityTimeout(cfg.InactivityTimeout),
	}

	if cfg.S3 != (config.S3Config{}) || hasScheme(cfg.ManifestURL, "s3") {
		s3t, err := transfer.NewS3Transport(ctx, transfer.S3Options{
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UserAgent: userAgent(cfg),
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, transfer.WithTransport(s3t, "s3"))
	}

	return transfer.NewClient(opts...), nil
}

func openJournal(cfg *config.Config) (*journal.Journal, error) {
	if cfg.JournalPath == "" {
		return nil, nil
	}
	if cfg.JournalPath != ":memory:" {
		if err := utils.EnsureParent(cfg.JournalPath); err != nil {
			return nil, err
		}
	}
	return journal.Open(cfg.JournalPath)
}

func newSyncer(ctx context.Context, cfg *config.Config) (*mirror.Syncer, *journal.Journal, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	j, err := openJournal(cfg)
	if err != nil {
		return nil, nil, err
	}

	return mirror.New(mirror.Options{
		Client:   client,
		Journal:  j,
		Retry:    retryPolicy(cfg),
		Workers:  cfg.Workers,
		Preserve: cfg.Preserve,
	}), j, nil
}

// newMailer is nil unless alerts are enabled.
func newMailer(cfg *config.Config) (*alert.Mailer, error) {
	if !cfg.Alert.Enabled {
		return nil, nil
	}
	return alert.New(alert.Options{
		SendgridAPIKey: cfg.Alert.SendgridAPIKey,
		From:           cfg.Alert.From,
		To:             cfg.Alert.To,
		Source:         cfg.DataDir,
	})
}

func newRequest(cfg *config.Config) mirror.Request {
	return mirror.Request{
		ManifestURL: cfg.ManifestURL,
		Version:     cfg.Version,
		Root:        cfg.DataDir,
		UserAgent:   cfg.UserAgent,
	}
}

func humanBytes(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(n))
}

func humanRate(bps float64) string {
	if bps <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}

func hasScheme(rawURL, scheme string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && strings.EqualFold(u.Scheme, scheme)
}
