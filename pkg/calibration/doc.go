// Package calibration corrects the systematic bias of the instrument time
// base. It contains:
//
//   - Calibrator: the one-shot procedure that measures a known reference and
//     derives a new calibration factor
//   - Result: the outcome of one calibration run
//   - Status: a synthesized view model returned by HTTP APIs
//
// Status and Result are shared across daemon and client code to keep JSON
// contracts consistent.
package calibration
