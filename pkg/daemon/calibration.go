package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/fcounter/pkg/calibration"
	"github.com/charlie0129/fcounter/pkg/events"
	"github.com/charlie0129/fcounter/pkg/history"
	"github.com/charlie0129/fcounter/pkg/instrument"
)

// scheduledCalibrationTimeout bounds scheduled runs, which have no caller
// to cancel them.
var scheduledCalibrationTimeout = 2 * time.Minute

// setCalibrationPhase moves the calibration state machine and notifies
// subscribers. d.calMu must be held.
func (d *Daemon) setCalibrationPhaseLocked(to calibration.Phase, msg string) {
	from := d.calStatus.Phase
	d.calStatus.Phase = to
	if from == to {
		return
	}

	logrus.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Info("calibration phase changed")

	d.hub.Publish(events.CalibrationPhase, events.CalibrationPhaseEvent{
		From:    string(from),
		To:      string(to),
		Message: msg,
		Ts:      time.Now().Unix(),
	})
}

// runCalibration calibrates against referenceHz. Only one run may be in
// progress at a time. The instrument is held for the whole run, so the tick
// loop pauses.
func (d *Daemon) runCalibration(ctx context.Context, referenceHz float64) (calibration.Result, error) {
	d.calMu.Lock()
	if d.calStatus.Phase == calibration.PhaseMeasuring {
		d.calMu.Unlock()
		return calibration.Result{}, ErrCalibrationInProgress
	}
	d.setCalibrationPhaseLocked(calibration.PhaseMeasuring, fmt.Sprintf("measuring %.0f Hz reference", referenceHz))
	d.calMu.Unlock()

	var (
		res    calibration.Result
		runErr error
	)
	err := d.withInstrument(func(in *instrument.Instrument) error {
		if in.InStandby() {
			return ErrInstrumentStandby
		}
		res, runErr = in.Calibrate(ctx, referenceHz)
		return nil
	})
	if err != nil {
		runErr = err
	}

	d.calMu.Lock()
	now := time.Now()
	d.calStatus.LastRunAt = now
	d.calStatus.LastError = ""
	switch {
	case runErr == nil:
		d.calStatus.LastResult = &res
		d.setCalibrationPhaseLocked(calibration.PhaseAccepted, fmt.Sprintf("factor %.9f", res.Factor))
	case errors.Is(runErr, calibration.ErrCalibrationImprecise):
		d.calStatus.LastResult = &res
		d.calStatus.LastError = runErr.Error()
		d.setCalibrationPhaseLocked(calibration.PhaseRejected, fmt.Sprintf("ratio %.6f outside tolerance", res.Ratio))
	default:
		d.calStatus.LastError = runErr.Error()
		d.setCalibrationPhaseLocked(calibration.PhaseError, runErr.Error())
	}
	d.calMu.Unlock()

	d.recordCalibration(ctx, now, referenceHz, res, runErr)

	return res, runErr
}

func (d *Daemon) recordCalibration(ctx context.Context, at time.Time, referenceHz float64, res calibration.Result, runErr error) {
	if d.hist == nil {
		return
	}

	c := history.Calibration{
		Time:        at,
		ReferenceHz: referenceHz,
		MeasuredHz:  res.MeasuredHz,
		Factor:      res.Factor,
		Accepted:    res.Accepted,
		Band:        res.Band.String(),
	}
	if runErr != nil {
		c.Error = runErr.Error()
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := d.hist.RecordCalibration(hctx, c); err != nil {
		logrus.WithError(err).Warn("failed to record calibration")
	}
}

func (d *Daemon) manualCalibrate(ppm float64) (float64, error) {
	var factor float64
	err := d.withInstrument(func(in *instrument.Instrument) error {
		f, err := in.ManualCalibrate(ppm)
		factor = f
		return err
	})
	if err != nil {
		return 0, err
	}

	d.calMu.Lock()
	d.calStatus.LastRunAt = time.Now()
	d.calStatus.LastError = ""
	d.calMu.Unlock()

	d.hub.Publish(events.CalibrationPhase, events.CalibrationPhaseEvent{
		From:    string(calibration.ActionManual),
		To:      string(calibration.ActionManual),
		Message: fmt.Sprintf("manual calibration %+.1f ppm", ppm),
		Ts:      time.Now().Unix(),
	})

	return factor, nil
}

func (d *Daemon) getCalibrationStatus() calibration.Status {
	d.calMu.Lock()
	st := d.calStatus
	d.calMu.Unlock()

	d.statusMu.RLock()
	st.Factor = d.status.Config.CalibrationFactor
	d.statusMu.RUnlock()
	st.FactorPPM = calibration.FactorToPPM(st.Factor)

	expr, next, _ := d.scheduler.Status()
	st.Schedule = expr
	st.NextRun = next
	return st
}

// schedule sets or clears (empty expr) the calibration schedule and
// persists it. It returns the next few runs.
func (d *Daemon) schedule(expr string) ([]time.Time, error) {
	if expr == "" {
		d.scheduler.Disable()
		d.conf.SetCalibrationSchedule("")
		if err := d.conf.Save(); err != nil {
			logrus.WithError(err).Warn("failed to save config after disabling calibration schedule")
		}
		d.hub.Publish(events.CalibrationPhase, events.CalibrationPhaseEvent{
			From:    string(calibration.ActionDisableSchedule),
			To:      string(calibration.ActionDisableSchedule),
			Message: "calibration schedule disabled",
			Ts:      time.Now().Unix(),
		})
		return nil, nil
	}

	if _, err := d.scheduler.Schedule(expr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	d.scheduler.Start()

	d.conf.SetCalibrationSchedule(expr)
	if err := d.conf.Save(); err != nil {
		logrus.WithError(err).Warn("failed to save config after scheduling calibration")
	}

	runs := d.scheduler.NextRuns(3)
	d.hub.Publish(events.CalibrationPhase, events.CalibrationPhaseEvent{
		From:    string(calibration.ActionSchedule),
		To:      string(calibration.ActionSchedule),
		Message: fmt.Sprintf("calibration scheduled with %q", expr),
		Ts:      time.Now().Unix(),
	})
	logrus.WithFields(logrus.Fields{
		"schedule": expr,
		"nextRuns": runs,
	}).Info("calibration scheduled")
	return runs, nil
}

func (d *Daemon) scheduledCalibration() error {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledCalibrationTimeout)
	defer cancel()

	_, err := d.runCalibration(ctx, d.conf.CalibrationReferenceHz())
	return err
}

// calibrationPreCheck defers a scheduled run while the supply is faulty or
// the instrument sleeps.
func (d *Daemon) calibrationPreCheck() error {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()

	switch {
	case d.status.Supply.ErrorLatched:
		return fmt.Errorf("supply fault: %s at %.2f V", d.status.Supply.Fault, d.status.Supply.LastVoltage)
	case d.status.Standby:
		return ErrInstrumentStandby
	}
	return nil
}

func (d *Daemon) onUpcomingCalibration(data any) {
	at, _ := data.(time.Time)
	d.hub.Publish(events.CalibrationPhase, events.CalibrationPhaseEvent{
		From:    string(calibration.PhaseIdle),
		To:      string(calibration.PhaseIdle),
		Message: fmt.Sprintf("scheduled calibration at %s", at.Format(time.DateTime)),
		Ts:      time.Now().Unix(),
	})
}

func (d *Daemon) onCalibrationError(data any) {
	err, _ := data.(error)
	logrus.WithError(err).Warn("scheduled calibration failed")
}
