package types

import (
	"github.com/charlie0129/fcounter/pkg/engine"
	"github.com/charlie0129/fcounter/pkg/instrument"
	"github.com/charlie0129/fcounter/pkg/settings"
	"github.com/charlie0129/fcounter/pkg/supply"
)

// Status is a snapshot of the instrument taken after each tick.
// This struct is shared between the daemon and client packages.
type Status struct {
	Config            engine.Config       `json:"config"`
	Settings          settings.Settings   `json:"settings"`
	Variant           string              `json:"variant"`
	FrequencyHz       float64             `json:"frequencyHz"`
	LastBand          string              `json:"lastBand"`
	Published         *instrument.Reading `json:"published,omitempty"`
	Supply            supply.State        `json:"supply"`
	Standby           bool                `json:"standby"`
	LastError         string              `json:"lastError,omitempty"`
	ReadingsPerMinute int                 `json:"readingsPerMinute"`
}

// Simulator describes the simulated input signal of a daemon running
// without counter hardware.
type Simulator struct {
	InputHz   float64 `json:"inputHz"`
	SupplyRaw uint16  `json:"supplyRaw"`
	Overlaps  int     `json:"overlaps"`
}
