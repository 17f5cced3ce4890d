package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/syftmirror/internal/checksum"
	"github.com/openmined/syftmirror/internal/mirror"
	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/spf13/cobra"
)

var errNothingSynced = errors.New("nothing synced yet")

type verifyEntry struct {
	Dest   string `json:"dest" yaml:"dest"`
	Reason string `json:"reason" yaml:"reason"`
}

type verifyReport struct {
	Version string        `json:"version" yaml:"version"`
	Checked int           `json:"checked" yaml:"checked"`
	Invalid []verifyEntry `json:"invalid" yaml:"invalid"`
}

func init() {
	rootCmd.AddCommand(newVerifyCmd())
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [pattern]",
		Short: "Check synced files against the committed manifest",
		Long: `Re-reads every synced file, or those whose destination matches the glob
pattern (** matches across directories), and checks length and md5 against the
committed manifest. Nothing is modified.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			if err := validFormat(format); err != nil {
				return err
			}

			pattern := "**"
			if len(args) == 1 {
				pattern = args[0]
			}
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("invalid pattern %q", pattern)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			report, err := verifyRoot(cmd, cfg.DataDir, pattern)
			if err != nil {
				return err
			}

			if ok, err := writeStructured(cmd.OutOrStdout(), format, report); !ok {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				for _, e := range report.Invalid {
					fmt.Fprintf(w, "%s\t%s\n", e.Dest, e.Reason)
				}
				fmt.Fprintf(w, "version %s: %d checked, %d invalid\n", report.Version, report.Checked, len(report.Invalid))
				if err := w.Flush(); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}

			if len(report.Invalid) > 0 {
				dests := make([]string, 0, len(report.Invalid))
				for _, e := range report.Invalid {
					dests = append(dests, e.Dest)
				}
				return &syncerr.IntegrityError{Files: dests}
			}
			return nil
		},
	}
	cmd.Flags().String("format", formatText, "output format: text, json or yaml")
	return cmd
}

func verifyRoot(cmd *cobra.Command, dataDir, pattern string) (*verifyReport, error) {
	root, err := utils.ResolvePath(dataDir)
	if err != nil {
		return nil, err
	}

	m, err := mirror.CommittedManifest(root)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%s: %w", root, errNothingSynced)
	}

	report := &verifyReport{Version: m.Version, Invalid: []verifyEntry{}}
	for _, f := range m.Files {
		if ok, _ := doublestar.Match(pattern, f.Dest); !ok {
			continue
		}
		path, err := utils.SecureJoin(root, f.Dest)
		if err != nil {
			return nil, err
		}

		res, err := checksum.VerifyFile(cmd.Context(), path, f)
		if err != nil {
			return nil, err
		}
		report.Checked++
		if !res.Valid {
			report.Invalid = append(report.Invalid, verifyEntry{Dest: f.Dest, Reason: res.Reason()})
		}
	}
	return report, nil
}
