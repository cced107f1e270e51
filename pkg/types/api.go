package types

import (
	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/history"
)

// MeasurementRequest is the body of PUT /measurement.
type MeasurementRequest struct {
	Mode       band.Mode       `json:"mode"`
	Band       band.Band       `json:"band"`
	Resolution band.Resolution `json:"resolution"`
}

// FrequencyResponse is returned by the frequency endpoints.
type FrequencyResponse struct {
	FrequencyHz float64 `json:"frequencyHz"`
	ResultHz    float64 `json:"resultHz"`
	Band        string  `json:"band"`
	Mode        string  `json:"mode"`
}

// BandInfo is one row of the band table. Max is nil for an open band.
type BandInfo struct {
	Band       string   `json:"band"`
	Min        float64  `json:"min"`
	Max        *float64 `json:"max,omitempty"`
	Prescale   float64  `json:"prescale"`
	Capability string   `json:"capability"`
}

// CalibrationRequest is the body of POST /calibration/start. A zero
// reference uses the configured one.
type CalibrationRequest struct {
	ReferenceHz float64 `json:"referenceHz"`
}

// HistoryResponse is returned by GET /history.
type HistoryResponse struct {
	Readings     []history.Reading     `json:"readings"`
	Calibrations []history.Calibration `json:"calibrations"`
}
