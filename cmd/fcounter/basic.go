package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version",
		Annotations: map[string]string{"offline": "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewReadCommand() *cobra.Command {
	var (
		peek  bool
		watch time.Duration
	)

	cmd := &cobra.Command{
		Use:     "read",
		Short:   "Read the measured frequency",
		GroupID: gBasic,
		Long: `Read the measured frequency.

Reading consumes the value: a second read returns zero until the counter
publishes a new measurement. Use --peek to look without consuming it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := apiClient.GetSettings()
			if err != nil {
				return err
			}

			readOnce := func() error {
				read := apiClient.ReadFrequency
				if peek {
					read = apiClient.GetFrequency
				}
				f, err := read()
				if err != nil {
					return fmt.Errorf("failed to read frequency: %v", err)
				}
				if f.FrequencyHz == 0 {
					cmd.Println("no new reading")
					return nil
				}
				digits := s.Resolution.Digits()
				cmd.Printf("%s  (band %s, %s)\n", bold("%s", formatReading(f.FrequencyHz, digits, s.DisplayType)), f.Band, f.Mode)
				if f.ResultHz != f.FrequencyHz {
					cmd.Printf("  %s: %s\n", s.Operation, bold("%s", formatHz(f.ResultHz, digits)))
				}
				return nil
			}

			if watch <= 0 {
				return readOnce()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			t := time.NewTicker(watch)
			defer t.Stop()
			for {
				if err := readOnce(); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
				}
			}
		},
	}

	cmd.Flags().BoolVar(&peek, "peek", false, "Do not clear the reading")
	cmd.Flags().DurationVarP(&watch, "watch", "w", 0, "Keep reading at this interval")

	return cmd
}

func NewMeasureCommand() *cobra.Command {
	var (
		mode       string
		bandName   string
		resolution string
	)

	cmd := &cobra.Command{
		Use:     "measure",
		Short:   "Set measurement mode, band and resolution",
		GroupID: gBasic,
		Long: `Set measurement mode, band and resolution.

In auto mode the counter picks the band from the input signal. In fixed
mode it stays on the given band. Higher resolutions measure longer.`,
		Example: `  fcounter measure --mode auto
  fcounter measure --mode fixed --band LF --resolution ultra-high`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cur, err := apiClient.GetSettings()
			if err != nil {
				return err
			}

			m, b, r := cur.Mode, cur.Band, cur.Resolution
			if mode != "" {
				if m, err = band.ParseMode(mode); err != nil {
					return err
				}
			}
			if bandName != "" {
				if b, err = band.ParseBand(bandName); err != nil {
					return err
				}
			}
			if resolution != "" {
				if r, err = band.ParseResolution(resolution); err != nil {
					return err
				}
			}

			ret, err := apiClient.SetMeasurement(m, b, r)
			if err != nil {
				return fmt.Errorf("failed to set measurement: %v", err)
			}
			logResponse(ret)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&mode, "mode", "m", "", "auto or fixed")
	f.StringVarP(&bandName, "band", "b", "", "LF, HF, VHF1 or VHF2")
	f.StringVarP(&resolution, "resolution", "r", "", "low, normal, high or ultra-high")

	return cmd
}

func NewBandsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "bands",
		Short:   "List the bands of the counter",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bands, err := apiClient.GetBands()
			if err != nil {
				return err
			}
			for _, b := range bands {
				upper := "∞"
				if b.Max != nil {
					upper = formatHz(*b.Max, 3)
				}
				cmd.Printf("  %-5s %s - %s  prescale /%g  (%s)\n", bold("%s", b.Band), formatHz(b.Min, 3), upper, b.Prescale, b.Capability)
			}
			return nil
		},
	}
}

func NewReferenceCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "reference",
		Short:   "Store the last reading as the IF reference",
		GroupID: gBasic,
		Long: `Store the last valid reading as the reference used by the
vfo+if, vfo-if and if-vfo operations.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ref, err := apiClient.StoreReference()
			if err != nil {
				return err
			}
			logrus.Infof("reference set to %s", formatHz(ref, 6))
			return nil
		},
	}
}

func NewStandbyCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "standby",
		Short:   "Put the counter into standby",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.Standby()
			if err != nil {
				return fmt.Errorf("failed to enter standby: %v", err)
			}
			logResponse(ret)
			return nil
		},
	}
}

func NewWakeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "wake",
		Short:   "Wake the counter from standby",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.Wake()
			if err != nil {
				return fmt.Errorf("failed to wake: %v", err)
			}
			logResponse(ret)
			return nil
		},
	}
}
