package calibration

import (
	"time"

	"github.com/charlie0129/fcounter/pkg/band"
)

// Phase defines phases of a calibration run.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseMeasuring Phase = "Measuring"
	PhaseAccepted  Phase = "Accepted"
	PhaseRejected  Phase = "Rejected"
	PhaseError     Phase = "Error"
)

// Action defines user actions for calibration.
type Action string

const (
	ActionStart           Action = "Start"
	ActionManual          Action = "Manual"
	ActionSchedule        Action = "Schedule"
	ActionDisableSchedule Action = "DisableSchedule"
)

// Result is the outcome of one calibration run.
type Result struct {
	Accepted bool `json:"accepted"`
	// Factor is the calibration factor in effect after the run. An accepted
	// run compounds the previous factor with Ratio (previous * Ratio), so
	// Factor is not Ratio unless the previous factor was 1. A rejected run
	// keeps the previous factor.
	Factor float64 `json:"factor"`
	// Ratio is reference / measured, measured with the previous factor.
	Ratio       float64   `json:"ratio"`
	ReferenceHz float64   `json:"referenceHz"`
	MeasuredHz  float64   `json:"measuredHz"`
	Band        band.Band `json:"band"`
}

// Status is the view model exposed via HTTP. NextRun is only set while a
// schedule is active.
type Status struct {
	Phase      Phase     `json:"phase"`
	Factor     float64   `json:"factor"`
	FactorPPM  float64   `json:"factorPPM"`
	LastResult *Result   `json:"lastResult,omitempty"`
	LastRunAt  time.Time `json:"lastRunAt"`
	LastError  string    `json:"lastError,omitempty"`
	Schedule   string    `json:"schedule,omitempty"`
	NextRun    time.Time `json:"nextRun"`
}
