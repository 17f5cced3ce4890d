package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syftmirror/internal/journal"
	"github.com/openmined/syftmirror/internal/mirror"
	"github.com/spf13/cobra"
)

type statusReport struct {
	Mirror   *mirror.State `json:"mirror" yaml:"mirror"`
	LastSync *journal.Run  `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
}

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the synced version of the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			if err := validFormat(format); err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			state, err := mirror.Inspect(cfg.DataDir)
			if err != nil {
				return err
			}
			report := statusReport{Mirror: state}

			if j, err := openJournal(cfg); err == nil && j != nil {
				report.LastSync, _ = j.LastSucceeded(context.WithoutCancel(cmd.Context()), state.Root)
				j.Close()
			}

			if ok, err := writeStructured(cmd.OutOrStdout(), format, report); ok {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Root\t%s\n", state.Root)
			fmt.Fprintf(w, "Version\t%s\n", orDash(state.CommittedVersion))
			if state.PendingVersion != "" {
				fmt.Fprintf(w, "Pending\t%s (reconciled: %t)\n", state.PendingVersion, state.Reconciled)
			}
			fmt.Fprintf(w, "Files\t%d\n", state.Files)
			fmt.Fprintf(w, "Size\t%s\n", humanize.IBytes(uint64(max(state.Bytes, 0))))
			if report.LastSync != nil && report.LastSync.FinishedAt != nil {
				fmt.Fprintf(w, "Last sync\t%s\n", humanize.Time(*report.LastSync.FinishedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("format", formatText, "output format: text, json or yaml")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
