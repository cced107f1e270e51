package config

import (
	"time"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/instrument"
)

// Supply sources of the daemon.
const (
	SupplySimulator = "simulator"
	SupplyBattery   = "battery"
)

type Config interface {
	Variant() band.Variant
	// InstrumentOptions returns the tuning policy of the instrument.
	InstrumentOptions() instrument.Options
	TickInterval() time.Duration
	SupplySource() string
	SimulatedInputHz() float64
	EEPROMPath() string
	HistoryPath() string
	CalibrationSchedule() string
	CalibrationReferenceHz() float64
	AllowNonRootAccess() bool

	SetSimulatedInputHz(float64)
	SetCalibrationSchedule(string)
	SetCalibrationReferenceHz(float64)
	SetAllowNonRootAccess(bool)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
