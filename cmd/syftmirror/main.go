package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/progress"
	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/openmined/syftmirror/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "syftmirror",
	Short: "Keep a local directory in step with a versioned remote manifest",
	Long: `syftmirror downloads the files listed in a manifest into a data directory,
resuming partial downloads, verifying checksums and removing files the manifest no
longer lists. Without a subcommand it syncs once and exits.`,
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.RequireManifest(); err != nil {
			return err
		}
		cmd.SilenceUsage = true

		showProgress, _ := cmd.Flags().GetBool("progress")
		showProgress = showProgress && isatty.IsTerminal(os.Stderr.Fd())

		closeLog, err := attachLogFile(cfg.LogFile, !showProgress)
		if err != nil {
			return err
		}
		defer closeLog()

		mailer, err := newMailer(cfg)
		if err != nil {
			return err
		}

		syncer, j, err := newSyncer(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer j.Close()

		force, _ := cmd.Flags().GetBool("force")
		req := newRequest(cfg)
		req.Force = force

		slog.Info("sync start", "config", cfg)
		if showProgress {
			err = runSyncTUI(cmd.Context(), syncer, req, os.Stderr)
		} else {
			err = syncer.Sync(cmd.Context(), req, newEventLogger(progressLogInterval))
		}

		if mailer != nil && err != nil {
			if aerr := mailer.Observe(context.WithoutCancel(cmd.Context()), progress.Failed(err)); aerr != nil {
				slog.Error("alert send", "error", aerr)
			}
		}
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().SortFlags = false
	addConfigFlags(rootCmd.PersistentFlags())
	rootCmd.Flags().BoolP("force", "f", false, "re-download the manifest even if the version is already synced")
	rootCmd.Flags().BoolP("progress", "p", false, "draw a progress bar instead of log lines when attached to a terminal")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logLevel.Set(slog.LevelDebug)
		}
	}
}

// addConfigFlags registers the flags loadConfig binds to config keys.
func addConfigFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", config.DefaultConfigPath, "config file")
	flags.StringP("manifest", "m", "", "manifest url (http, https, s3 or file)")
	flags.String("version-pin", "", "manifest version the data dir must hold, empty accepts any")
	flags.StringP("datadir", "d", config.DefaultDataDir, "data directory to keep in sync")
	flags.Int("workers", 1, "files downloaded at once")
	flags.String("user-agent", "", "User-Agent for manifest and file requests")
	flags.String("journal", config.DefaultJournalPath, "sync history database")
	flags.String("log-file", config.DefaultLogFilePath, "log file")
	flags.BoolP("verbose", "v", false, "debug logging")
}

var (
	logLevel      = new(slog.LevelVar)
	stdoutHandler slog.Handler
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	stdoutHandler = tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(stdoutHandler))

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode is 130 for an interrupted sync, 1 otherwise.
func exitCode(err error) int {
	if errors.Is(err, syncerr.ErrCancelled) {
		return 130
	}
	return 1
}

