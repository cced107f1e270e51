package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/charlie0129/fcounter/pkg/events"
)

func NewEventsCommand() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:     "events",
		Short:   "Follow daemon events",
		GroupID: gAdvanced,
		Long: `Follow daemon events until interrupted.

Events are published for new readings, band changes, supply faults,
calibration phases and standby transitions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return apiClient.Events(ctx, func(ev events.Event) error {
				ts := time.Now().Format(time.TimeOnly)
				if raw {
					cmd.Printf("%s %s %s\n", ts, ev.Name, string(ev.Data))
					return nil
				}
				cmd.Printf("%s %s\n", ts, describeEvent(ev))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Print raw JSON payloads")

	return cmd
}

func describeEvent(ev events.Event) string {
	switch ev.Name {
	case events.Reading:
		p, err := events.DecodeAs[events.ReadingEvent](ev)
		if err != nil {
			break
		}
		return bold("%s", formatHz(p.FrequencyHz, p.Digits)) + " on " + p.Band
	case events.BandChanged:
		p, err := events.DecodeAs[events.BandChangedEvent](ev)
		if err != nil {
			break
		}
		return "band " + p.From + " -> " + p.To
	case events.SupplyChanged:
		p, err := events.DecodeAs[events.SupplyChangedEvent](ev)
		if err != nil {
			break
		}
		if p.Latched {
			return color.RedString("supply fault: %s at %.2f V", p.Fault, p.Voltage)
		}
		return color.GreenString("supply recovered at %.2f V", p.Voltage)
	case events.CalibrationPhase:
		p, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
		if err != nil {
			break
		}
		return "calibration " + p.To + ": " + p.Message
	case events.Standby:
		p, err := events.DecodeAs[events.StandbyEvent](ev)
		if err != nil {
			break
		}
		if p.Standby {
			return color.YellowString("standby")
		}
		return "awake"
	}
	return ev.Name + " " + string(ev.Data)
}
