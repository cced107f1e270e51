package events

import "encoding/json"

// Event name constants
const (
	Reading          = "reading"
	BandChanged      = "band.changed"
	SupplyChanged    = "supply.changed"
	CalibrationPhase = "calibration.phase"
	Standby          = "standby"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// ReadingEvent is the payload of Reading.
type ReadingEvent struct {
	FrequencyHz float64 `json:"frequencyHz"`
	ResultHz    float64 `json:"resultHz"`
	Band        string  `json:"band"`
	Digits      int     `json:"digits"`
	Averaged    int     `json:"averaged"`
	Ts          int64   `json:"ts"`
}

// BandChangedEvent is the payload of BandChanged.
type BandChangedEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
	Ts   int64  `json:"ts"`
}

// SupplyChangedEvent is the payload of SupplyChanged. It is only sent when
// the latch flips.
type SupplyChangedEvent struct {
	Voltage float64 `json:"voltage"`
	Latched bool    `json:"latched"`
	Fault   string  `json:"fault"`
	Ts      int64   `json:"ts"`
}

// CalibrationPhaseEvent is the typed payload for calibration.phase.
type CalibrationPhaseEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// StandbyEvent is the payload of Standby.
type StandbyEvent struct {
	Standby bool  `json:"standby"`
	Ts      int64 `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.ReadingEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.FrequencyHz, payload.Band)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
