package main

import (
	"fmt"

	"github.com/openmined/syftmirror/internal/version"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print SyftMirror version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			if err := validFormat(format); err != nil {
				return err
			}
			if ok, err := writeStructured(cmd.OutOrStdout(), format, version.Get()); ok {
				return err
			}

			if short, _ := cmd.Flags().GetBool("short"); short {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Short())
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Detailed())
			return err
		},
	}
	cmd.Flags().Bool("short", false, "print only the version and revision")
	cmd.Flags().String("format", formatText, "output format: text, json or yaml")
	return cmd
}
