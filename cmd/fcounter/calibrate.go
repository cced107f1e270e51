package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/fcounter/pkg/calibration"
)

func NewCalibrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibrate [reference-hz]",
		Short:   "Calibrate the timebase against a reference signal",
		GroupID: gCalibration,
		Long: fmt.Sprintf(`Calibrate the timebase against a reference signal.

Connect a known reference to the input and pass its frequency. Without an
argument the configured reference is used. The run is rejected if the
reading is off by more than the allowed tolerance.

Use "calibrate manual" to apply a correction in ppm instead (%.0f to %+.0f
in %.1f ppm steps).`, calibration.MinManualPPM, calibration.MaxManualPPM, calibration.ManualPPMStep),
		Example: `  fcounter calibrate 10e6
  fcounter calibrate manual -- -2.5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ref float64
			if len(args) == 1 {
				var err error
				if ref, err = parseFloatArg(args, "reference frequency"); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logrus.Info("calibrating, keep the reference connected")
			res, err := apiClient.StartCalibration(ctx, ref)
			if errors.Is(err, calibration.ErrCalibrationImprecise) {
				cmd.Printf("%s: measured %s against %s\n", color.RedString("Rejected"),
					bold("%s", formatHz(res.MeasuredHz, 7)), formatHz(res.ReferenceHz, 7))
				cmd.Println("The reading is too far from the reference. Check the reference frequency and the connection.")
				return err
			}
			if err != nil {
				return err
			}

			cmd.Printf("%s: measured %s on %s\n", color.GreenString("Accepted"), bold("%s", formatHz(res.MeasuredHz, 7)), res.Band)
			cmd.Printf("  New factor: %s (%+.1f ppm)\n", bold("%.7f", res.Factor), calibration.FactorToPPM(res.Factor))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "manual [ppm]",
		Short: "Apply a manual correction in ppm",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ppm, err := parseFloatArg(args, "ppm")
			if err != nil {
				return err
			}
			f, err := apiClient.ManualCalibration(ppm)
			if err != nil {
				return err
			}
			logrus.Infof("calibration factor set to %.7f", f)
			return nil
		},
	})

	return cmd
}

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage automatic calibration schedule",
		Long: `Manage automatic calibration schedule.

The schedule command can be used in multiple ways:
  fcounter schedule 'minute hour day month weekday' Set schedule with cron expression
  fcounter schedule disable                         Disable the schedule
  fcounter schedule skip                            Skip next run
  fcounter schedule show                            Show current schedule

Scheduled runs use the configured reference frequency. A run is deferred
while the supply is faulty or the counter is in standby.`,
		Example: `  fcounter schedule '0 3 * * *' (At 03:00 every day)
  fcounter schedule '0 10 * * 0' (At 10:00 on Sunday)`,
		GroupID: gCalibration,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "disable",
			Short: "Disable the calibration schedule",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := apiClient.ScheduleCalibration(""); err != nil {
					return err
				}
				cmd.Println("Calibration schedule disabled.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "skip",
			Short: "Skip the next scheduled calibration run",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				next, err := apiClient.SkipCalibration()
				if err != nil {
					return err
				}
				cmd.Printf("Next run skipped. Following run: %s\n", next.Local().Format(time.DateTime))
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show the current calibration schedule",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runScheduleShow(cmd)
			},
		},
	)

	return cmd
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	nextRuns, err := apiClient.ScheduleCalibration(cronExpr)
	if err != nil {
		return err
	}
	cmd.Printf("Calibration scheduled. Next %d run(s):\n", len(nextRuns))
	for _, run := range nextRuns {
		cmd.Printf("  - %s\n", run.Local().Format(time.DateTime))
	}
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	st, err := apiClient.GetCalibration()
	if err != nil {
		return err
	}
	if st.Schedule == "" {
		cmd.Println("No calibration scheduled.")
		return nil
	}
	cmd.Printf("Schedule: %s\n", bold("%s", st.Schedule))
	cmd.Printf("Next run: %s\n", bold("%s", st.NextRun.Local().Format(time.DateTime)))
	return nil
}
