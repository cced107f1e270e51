package main

import (
	"fmt"
	"math"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/fcounter/pkg/settings"
	"github.com/charlie0129/fcounter/pkg/version"
)

func parseFloatArg(args []string, valueName string) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("invalid number of arguments")
	}

	value, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", valueName, err)
	}

	return value, nil
}

// formatReading renders hz the way the front panel does: as a frequency,
// or as a period when the display is set to period.
func formatReading(hz float64, digits int, display settings.DisplayType) string {
	if digits <= 0 {
		digits = 6
	}
	if display == settings.DisplayPeriod {
		if hz == 0 {
			return "--- s"
		}
		return humanize.SIWithDigits(1/hz, digits, "s")
	}
	return formatHz(hz, digits)
}

func formatHz(hz float64, digits int) string {
	if math.IsInf(hz, 1) {
		return "∞"
	}
	return humanize.SIWithDigits(hz, digits, "Hz")
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func logResponse(ret string) {
	if ret != "" {
		logrus.Infof("daemon responded: %s", ret)
	}
}

// getVersion returns the client and daemon versions.
func getVersion() (string, string, error) {
	daemonVersion, err := apiClient.GetVersion()
	if err != nil {
		return version.Version, "", err
	}
	return version.Version, daemonVersion, nil
}
