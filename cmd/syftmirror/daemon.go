package main

import (
	"log/slog"

	"github.com/openmined/syftmirror/internal/controlplane"
	"github.com/openmined/syftmirror/internal/controlplane/runner"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Serve the control plane API and sync on request or on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireManifest(); err != nil {
				return err
			}

			if cmd.Flags().Changed("addr") {
				cfg.Daemon.Addr, _ = cmd.Flags().GetString("addr")
			}
			if cmd.Flags().Changed("token") {
				cfg.Daemon.Token, _ = cmd.Flags().GetString("token")
			}
			if cmd.Flags().Changed("interval") {
				cfg.Daemon.Interval, _ = cmd.Flags().GetDuration("interval")
			}
			if cmd.Flags().Changed("watch") {
				cfg.Daemon.Watch, _ = cmd.Flags().GetBool("watch")
			}
			syncOnStart, _ := cmd.Flags().GetBool("sync-on-start")
			rateLimit, _ := cmd.Flags().GetInt64("rate-limit")
			cmd.SilenceUsage = true

			closeLog, err := attachLogFile(cfg.LogFile, true)
			if err != nil {
				return err
			}
			defer closeLog()

			syncer, j, err := newSyncer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer j.Close()

			mailer, err := newMailer(cfg)
			if err != nil {
				return err
			}

			r := runner.New(cmd.Context(), syncer, j, newRequest(cfg))
			srv, err := controlplane.New(&controlplane.Config{
				Addr:           cfg.Daemon.Addr,
				AuthToken:      cfg.Daemon.Token,
				StreamTokenTTL: cfg.Daemon.StreamTokenTTL,
				Interval:       cfg.Daemon.Interval,
				RateLimit:      rateLimit,
				SyncOnStart:    syncOnStart,
				Watch:          cfg.Daemon.Watch,
				Alerts:         mailer,
			}, r)
			if err != nil {
				return err
			}

			slog.Info("daemon start", "config", cfg)
			defer slog.Info("Bye!")
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "control plane listen address (default from config)")
	cmd.Flags().String("token", "", "control plane bearer token, empty disables auth")
	cmd.Flags().Duration("interval", 0, "sync periodically, 0 only syncs on request")
	cmd.Flags().Bool("sync-on-start", true, "sync as soon as the daemon is up")
	cmd.Flags().Bool("watch", false, "re-sync when files in the data dir are edited (default from config)")
	cmd.Flags().Int64("rate-limit", 10, "requests per second per client, 0 disables limiting")
	return cmd
}
