package main

import (
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func NewHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Show recent readings and calibration runs",
		GroupID: gAdvanced,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := apiClient.GetHistory(limit)
			if err != nil {
				return err
			}

			cmd.Println(bold("Readings:"))
			if len(h.Readings) == 0 {
				cmd.Println("  none")
			}
			for _, r := range h.Readings {
				cmd.Printf("  %-16s %s  %-4s %s", humanize.Time(r.Time), bold("%s", formatHz(r.FrequencyHz, 7)), r.Band, r.Resolution)
				if r.ResultHz != r.FrequencyHz {
					cmd.Printf("  -> %s", formatHz(r.ResultHz, 7))
				}
				if r.Averaged > 1 {
					cmd.Printf("  (avg of %d)", r.Averaged)
				}
				cmd.Println()
			}

			cmd.Println()

			cmd.Println(bold("Calibrations:"))
			if len(h.Calibrations) == 0 {
				cmd.Println("  none")
			}
			for _, c := range h.Calibrations {
				verdict := color.GreenString("accepted")
				if !c.Accepted {
					verdict = color.RedString("rejected")
				}
				cmd.Printf("  %-16s %s  ref %s  measured %s  factor %.7f", humanize.Time(c.Time), verdict,
					formatHz(c.ReferenceHz, 7), formatHz(c.MeasuredHz, 7), c.Factor)
				if c.Error != "" {
					cmd.Printf("  (%s)", c.Error)
				}
				cmd.Println()
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show")

	return cmd
}
