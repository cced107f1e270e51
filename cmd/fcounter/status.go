package main

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/charlie0129/fcounter/pkg/calibration"
	"github.com/charlie0129/fcounter/pkg/config"
	"github.com/charlie0129/fcounter/pkg/types"
)

type statusData struct {
	status      *types.Status
	calibration *calibration.Status
	config      *config.RawFileConfig
}

// fetchStatusData gathers all data required for the status command from the daemon.
func fetchStatusData() (*statusData, error) {
	st, err := apiClient.GetStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	cal, err := apiClient.GetCalibration()
	if err != nil {
		return nil, fmt.Errorf("failed to get calibration status: %w", err)
	}

	conf, err := apiClient.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	return &statusData{
		status:      st,
		calibration: cal,
		config:      conf,
	}, nil
}

func NewStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of the counter",
		Long:    `Get the latest reading, supply health, calibration and configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := fetchStatusData()
			if err != nil {
				return err
			}

			if asJSON {
				b, err := json.MarshalIndent(map[string]any{
					"status":      data.status,
					"calibration": data.calibration,
					"config":      data.config,
				}, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}

			st := data.status
			conf := config.NewFileFromConfig(data.config, "")

			cmd.Println(bold("Measurement:"))
			if st.Standby {
				cmd.Println("  " + color.YellowString("standby") + " (run `fcounter wake` to resume)")
			}
			if p := st.Published; p != nil {
				cmd.Printf("  Last reading: %s on %s\n",
					bold("%s", formatReading(p.FrequencyHz, p.Digits, p.DisplayType)), p.Band)
				if p.ResultHz != p.FrequencyHz {
					cmd.Printf("  Result (%s): %s\n", p.Operation, bold("%s", formatHz(p.ResultHz, p.Digits)))
				}
				if p.Averaged > 1 {
					cmd.Printf("  Averaged over: %s\n", bold("%d readings", p.Averaged))
				}
			} else {
				cmd.Println("  Last reading: ---")
			}
			cmd.Printf("  Mode: %s, band: %s, resolution: %s\n", bold("%s", st.Config.Mode), bold("%s", st.Config.Band), bold("%s", st.Config.Resolution))
			cmd.Printf("  Readings in the last minute: %s\n", bold("%d", st.ReadingsPerMinute))
			if st.LastError != "" {
				cmd.Printf("  Last error: %s\n", color.RedString(st.LastError))
			}

			cmd.Println()

			cmd.Println(bold("Supply:"))
			voltage := fmt.Sprintf("%.2f V", st.Supply.LastVoltage)
			if st.Supply.ErrorLatched {
				cmd.Printf("  Voltage: %s  %s\n", color.New(color.Bold, color.FgRed).Sprint(voltage), color.RedString("(%s, measurement halted)", st.Supply.Fault))
			} else {
				cmd.Printf("  Voltage: %s  %s\n", color.New(color.Bold, color.FgGreen).Sprint(voltage), bool2Text(true))
			}

			cmd.Println()

			cal := data.calibration
			cmd.Println(bold("Calibration:"))
			cmd.Printf("  Factor: %s (%+.1f ppm)\n", bold("%.7f", cal.Factor), cal.FactorPPM)
			cmd.Printf("  Phase: %s\n", bold("%s", cal.Phase))
			if !cal.LastRunAt.IsZero() {
				cmd.Printf("  Last run: %s\n", humanize.Time(cal.LastRunAt))
			}
			if cal.LastError != "" {
				cmd.Printf("  Last error: %s\n", color.RedString(cal.LastError))
			}
			if cal.Schedule != "" {
				cmd.Printf("  Schedule: %s, next run %s\n", bold("%s", cal.Schedule), humanize.Time(cal.NextRun))
			}

			cmd.Println()

			cmd.Println(bold("Configuration:"))
			cmd.Printf("  Board: %s\n", bold("%s", conf.Variant()))
			cmd.Printf("  Display: %s, operation: %s, sleep: %s\n", bold("%s", st.Settings.DisplayType), bold("%s", st.Settings.Operation), bold("%s", st.Settings.Sleep))
			if st.Settings.ReferenceHz != 0 {
				cmd.Printf("  Reference: %s\n", bold("%s", formatHz(st.Settings.ReferenceHz, 6)))
			}
			cmd.Printf("  Supply source: %s\n", bold("%s", conf.SupplySource()))
			cmd.Printf("  Allow non-root users to access the daemon: %s\n", bool2Text(conf.AllowNonRootAccess()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")

	return cmd
}
