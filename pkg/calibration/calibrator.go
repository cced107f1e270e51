package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/engine"
)

var (
	ErrCalibrationImprecise = &calibrationError{"calibration not precise enough"}
	ErrCalibrationTimeout   = &calibrationError{"no calibration reading within the timeout"}
	ErrInvalidReference     = &calibrationError{"invalid reference frequency"}
	ErrInvalidManualValue   = &calibrationError{"manual calibration value out of range"}
)

type calibrationError struct{ msg string }

func (e *calibrationError) Error() string { return e.msg }

// Manual calibration limits in ppm.
const (
	MinManualPPM  = -10.0
	MaxManualPPM  = 10.0
	ManualPPMStep = 0.5
)

// Options is the calibration policy.
type Options struct {
	// A run is accepted only if reference/measured lies in
	// [ToleranceLow, ToleranceHigh].
	ToleranceLow  float64 `json:"toleranceLow"`
	ToleranceHigh float64 `json:"toleranceHigh"`
	// PollInterval is the pause between polls while waiting for a reading.
	PollInterval time.Duration `json:"pollInterval"`
	// Timeout bounds the wait for a reading. Zero waits until the context
	// is done.
	Timeout time.Duration `json:"timeout"`
}

// DefaultOptions returns the policy of the reference board.
func DefaultOptions() Options {
	return Options{
		ToleranceLow:  0.99998,
		ToleranceHigh: 1.00002,
		PollInterval:  10 * time.Millisecond,
	}
}

// FactorSink persists an accepted calibration factor.
type FactorSink interface {
	PersistFactor(factor float64) error
}

// Calibrator runs calibrations on an engine.
type Calibrator struct {
	eng  *engine.Engine
	sink FactorSink
	opts Options
}

// New returns a calibrator. sink may be nil.
func New(eng *engine.Engine, sink FactorSink, opts Options) *Calibrator {
	return &Calibrator{
		eng:  eng,
		sink: sink,
		opts: opts,
	}
}

// SetOptions replaces the policy.
func (c *Calibrator) SetOptions(opts Options) {
	c.opts = opts
}

// Calibrate measures referenceHz at high resolution and, if the ratio of
// reference to measurement is within tolerance, folds it into the
// calibration factor. The committed mode, band and resolution are restored
// afterwards without touching the hardware.
func (c *Calibrator) Calibrate(ctx context.Context, referenceHz float64) (Result, error) {
	if referenceHz <= 0 || math.IsNaN(referenceHz) || math.IsInf(referenceHz, 0) {
		return Result{}, fmt.Errorf("%w: %f Hz", ErrInvalidReference, referenceHz)
	}

	snapshot := c.eng.Config()
	defer func() {
		restored := c.eng.Config()
		restored.Mode = snapshot.Mode
		restored.Band = snapshot.Band
		restored.Resolution = snapshot.Resolution
		c.eng.Restore(restored)
	}()

	b := c.eng.Model().ForFrequency(referenceHz)
	if err := c.eng.Activate(b, band.High, true); err != nil {
		return Result{}, pkgerrors.Wrapf(err, "failed to configure %s for calibration", b)
	}

	logrus.WithFields(logrus.Fields{
		"reference": referenceHz,
		"band":      b,
	}).Info("calibrating")

	measured, err := c.waitReading(ctx, c.eng.Model().CapabilityOf(b))
	if err != nil {
		return Result{}, err
	}

	prev := snapshot.CalibrationFactor
	ratio := referenceHz / measured
	res := Result{
		Factor:      prev,
		Ratio:       ratio,
		ReferenceHz: referenceHz,
		MeasuredHz:  measured,
		Band:        b,
	}

	if ratio < c.opts.ToleranceLow || ratio > c.opts.ToleranceHigh {
		logrus.WithFields(logrus.Fields{
			"reference": referenceHz,
			"measured":  measured,
			"ratio":     ratio,
		}).Warn("calibration rejected")
		return res, ErrCalibrationImprecise
	}

	res.Factor = prev * ratio
	if err := c.eng.SetFactor(res.Factor); err != nil {
		return res, err
	}
	res.Accepted = true

	logrus.WithFields(logrus.Fields{
		"reference": referenceHz,
		"measured":  measured,
		"ratio":     ratio,
		"factor":    res.Factor,
	}).Info("calibration accepted")

	if c.sink != nil {
		if err := c.sink.PersistFactor(res.Factor); err != nil {
			return res, pkgerrors.Wrapf(err, "failed to persist calibration factor")
		}
	}

	return res, nil
}

// waitReading blocks until the engine produces a usable reading. The first
// gated reading after a restart is discarded.
func (c *Calibrator) waitReading(ctx context.Context, capability band.Capability) (float64, error) {
	want := 1
	if capability == band.GatedCount {
		want = 2
	}

	clock := c.eng.Clock()
	start := clock.NowMs()
	readings := 0

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if c.opts.Timeout > 0 && clock.NowMs()-start > uint64(c.opts.Timeout.Milliseconds()) {
			return 0, ErrCalibrationTimeout
		}

		s, err := c.eng.Poll()
		if err != nil && !errors.Is(err, engine.ErrTimeout) {
			return 0, err
		}
		if s != nil {
			readings++
			if readings >= want {
				return s.FrequencyHz, nil
			}
			logrus.WithField("frequency", s.FrequencyHz).Debug("discarded warm-up reading")
		}

		clock.Sleep(c.opts.PollInterval)
	}
}

// ManualFactor converts a manual correction in ppm to a calibration factor.
// ppm must be a multiple of ManualPPMStep within [MinManualPPM, MaxManualPPM].
func ManualFactor(ppm float64) (float64, error) {
	if ppm < MinManualPPM || ppm > MaxManualPPM || math.Mod(ppm, ManualPPMStep) != 0 {
		return 0, fmt.Errorf("%w: %.2f ppm (want %.1f to %.1f in %.1f steps)", ErrInvalidManualValue, ppm, MinManualPPM, MaxManualPPM, ManualPPMStep)
	}
	return (1e6 + ppm) / 1e6, nil
}

// FactorToPPM expresses a factor as ppm, truncated to ManualPPMStep.
func FactorToPPM(factor float64) float64 {
	eval := int(2 * (factor*1e6 - 1e6))
	return float64(eval) / 2
}
