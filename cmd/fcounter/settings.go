package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/fcounter/pkg/settings"
)

func NewSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "settings",
		Short:   "Show or change the persisted counter settings",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := apiClient.GetSettings()
			if err != nil {
				return err
			}
			cmd.Printf("  Mode: %s\n", bold("%s", s.Mode))
			cmd.Printf("  Band: %s\n", bold("%s", s.Band))
			cmd.Printf("  Resolution: %s\n", bold("%s", s.Resolution))
			cmd.Printf("  Display: %s\n", bold("%s", s.DisplayType))
			cmd.Printf("  Operation: %s\n", bold("%s", s.Operation))
			cmd.Printf("  Reference: %s\n", bold("%s", formatHz(s.ReferenceHz, 6)))
			cmd.Printf("  Sleep: %s\n", bold("%s", s.Sleep))
			cmd.Printf("  Calibration factor: %s\n", bold("%.7f", s.CalibrationFactor))
			return nil
		},
	}

	cmd.AddCommand(
		newSettingCommand("display", "Show frequency or period", "frequency or period",
			func(s *settings.Settings, v string) (err error) {
				s.DisplayType, err = settings.ParseDisplayType(v)
				return
			}),
		newSettingCommand("operation", "Offset readings by the IF reference", "none, vfo+if, vfo-if or if-vfo",
			func(s *settings.Settings, v string) (err error) {
				s.Operation, err = settings.ParseOperation(v)
				return
			}),
		newSettingCommand("sleep", "Set the idle standby timeout", "30s, 5m or disabled",
			func(s *settings.Settings, v string) (err error) {
				s.Sleep, err = settings.ParseSleep(v)
				return
			}),
		&cobra.Command{
			Use:   "reset",
			Short: "Restore factory settings",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				ret, err := apiClient.ResetSettings()
				if err != nil {
					return fmt.Errorf("failed to reset settings: %v", err)
				}
				logResponse(ret)
				return nil
			},
		},
	)

	return cmd
}

// newSettingCommand builds a read-modify-write command for one setting.
func newSettingCommand(use, short, values string, apply func(*settings.Settings, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [value]",
		Short: short,
		Long:  short + ".\n\nValid values: " + values + ".",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := apiClient.GetSettings()
			if err != nil {
				return err
			}
			if err := apply(s, args[0]); err != nil {
				return err
			}

			ret, err := apiClient.SetSettings(*s)
			if err != nil {
				return fmt.Errorf("failed to set %s: %v", use, err)
			}
			logResponse(ret)
			logrus.Infof("successfully set %s to %s", use, args[0])
			return nil
		},
	}
}
