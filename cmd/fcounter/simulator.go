package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/fcounter/pkg/types"
)

func NewSimulatorCommand() *cobra.Command {
	var supplyRaw uint16

	cmd := &cobra.Command{
		Use:     "simulator [input-hz]",
		Short:   "Show or set the simulated input signal",
		GroupID: gAdvanced,
		Long: `Show or set the simulated input signal.

Only available when the daemon runs without counter hardware. The input
frequency is saved to the config file. --supply-raw sets the raw ADC value
of the supply divider (614 is about 9 V).`,
		Example: `  fcounter simulator 14.25e6
  fcounter simulator 1000 --supply-raw 300`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				s, err := apiClient.GetSimulator()
				if err != nil {
					return err
				}
				cmd.Printf("  Input: %s\n", bold("%s", formatHz(s.InputHz, 7)))
				cmd.Printf("  Supply ADC: %s\n", bold("%d", s.SupplyRaw))
				cmd.Printf("  Capture overlaps: %d\n", s.Overlaps)
				return nil
			}

			hz, err := parseFloatArg(args, "input frequency")
			if err != nil {
				return err
			}
			ret, err := apiClient.SetSimulator(types.Simulator{InputHz: hz, SupplyRaw: supplyRaw})
			if err != nil {
				return fmt.Errorf("failed to set simulator: %v", err)
			}
			logResponse(ret)
			logrus.Infof("simulated input set to %s", formatHz(hz, 7))
			return nil
		},
	}

	cmd.Flags().Uint16Var(&supplyRaw, "supply-raw", 0, "Raw supply ADC value (0 keeps the current one)")

	return cmd
}
