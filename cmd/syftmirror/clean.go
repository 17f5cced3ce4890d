package main

import (
	"fmt"

	"github.com/openmined/syftmirror/internal/mirror"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newCleanCmd())
}

func newCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete the data directory and everything synced into it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("refusing to delete %s without --yes", cfg.DataDir)
			}
			cmd.SilenceUsage = true

			if err := mirror.New(mirror.Options{}).DeleteData(cfg.DataDir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", cfg.DataDir)
			return nil
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "confirm deletion")
	return cmd
}
