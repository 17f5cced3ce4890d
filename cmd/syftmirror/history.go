package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syftmirror/internal/journal"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newHistoryCmd())
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent syncs of the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			if err := validFormat(format); err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			all, _ := cmd.Flags().GetBool("all")
			prune, _ := cmd.Flags().GetDuration("prune")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			j, err := openJournal(cfg)
			if err != nil {
				return err
			}
			if j == nil {
				return errors.New("journal disabled, set `journal_path`")
			}
			defer j.Close()

			if prune > 0 {
				n, err := j.Prune(cmd.Context(), time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d runs\n", n)
			}

			root := cfg.DataDir
			if all {
				root = ""
			}
			runs, err := j.RecentRuns(cmd.Context(), root, limit)
			if err != nil {
				return err
			}

			if ok, err := writeStructured(cmd.OutOrStdout(), format, runs); ok {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tSTATUS\tVERSION\tTRANSFERRED\tATTEMPTS\tDURATION\tERROR")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					humanize.Time(run.StartedAt),
					run.Status,
					orDash(run.Version),
					humanize.IBytes(uint64(max(run.BytesTransferred, 0))),
					run.Attempts,
					run.Duration().Round(time.Millisecond),
					runError(run),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	cmd.Flags().Bool("all", false, "include runs of every data directory")
	cmd.Flags().Duration("prune", 0, "first delete runs older than this")
	cmd.Flags().String("format", formatText, "output format: text, json or yaml")
	return cmd
}

func runError(run *journal.Run) string {
	if run.Error == "" {
		return ""
	}
	return fmt.Sprintf("%s: %s", run.ErrorKind, run.Error)
}
