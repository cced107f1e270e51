package daemon

import "errors"

var (
	ErrCalibrationInProgress = errors.New("calibration already in progress")
	ErrInstrumentStandby     = errors.New("instrument is in standby")
	ErrInvalidSchedule       = errors.New("invalid calibration schedule")
	ErrNoSimulator           = errors.New("daemon is not running on the simulator")
)
