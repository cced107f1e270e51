// Package engine turns raw gated counts and period captures into calibrated
// frequency samples for one band at a time.
package engine

import (
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/hw"
)

var (
	// ErrTimeout is returned by Poll when no sample arrived within the
	// window plus the timeout margin.
	ErrTimeout = errors.New("no sample within the timing window")
	// ErrFrequencyOutOfBand is returned for samples outside the fixed band.
	ErrFrequencyOutOfBand = errors.New("frequency outside the band range")
)

// Config is the committed measurement configuration.
type Config struct {
	Mode              band.Mode       `json:"mode"`
	Band              band.Band       `json:"band"`
	Resolution        band.Resolution `json:"resolution"`
	CalibrationFactor float64         `json:"calibrationFactor"`
}

// DefaultConfig is used until settings are loaded.
func DefaultConfig() Config {
	return Config{
		Mode:              band.Auto,
		Band:              band.HF,
		Resolution:        band.Normal,
		CalibrationFactor: 1,
	}
}

// Sample is one calibrated frequency reading.
type Sample struct {
	FrequencyHz float64   `json:"frequencyHz"`
	Band        band.Band `json:"band"`
	TimestampMs uint64    `json:"timestampMs"`
}

// Timing is the timing policy of the engine.
type Timing struct {
	// GateBaseline is the gate window at unit resolution multiplier.
	GateBaseline time.Duration `json:"gateBaseline"`
	// PeriodBaseline is the period-capture timeout window at unit
	// resolution multiplier.
	PeriodBaseline time.Duration `json:"periodBaseline"`
	// Margin is added to the window before Poll reports a timeout.
	Margin time.Duration `json:"margin"`
}

// DefaultTiming returns the timing of the reference board.
func DefaultTiming() Timing {
	return Timing{
		GateBaseline:   time.Second,
		PeriodBaseline: 30 * time.Second,
		Margin:         30 * time.Millisecond,
	}
}

// Active describes what the hardware is currently doing.
type Active struct {
	Band       band.Band       `json:"band"`
	Resolution band.Resolution `json:"resolution"`
	Capability band.Capability `json:"capability"`
	Window     time.Duration   `json:"window"`
}

// Engine drives one capability at a time. It is not safe for concurrent
// use.
type Engine struct {
	model  *band.Model
	caps   hw.Capabilities
	clock  hw.Clock
	timing Timing

	conf Config

	active  bool
	stale   bool
	current Active
	startMs uint64
}

// New returns an engine with DefaultConfig. No hardware is touched until
// Configure, Activate or Ensure.
func New(model *band.Model, caps hw.Capabilities, clock hw.Clock, timing Timing) *Engine {
	return &Engine{
		model:  model,
		caps:   caps,
		clock:  clock,
		timing: timing,
		conf:   DefaultConfig(),
	}
}

// Model returns the band table.
func (e *Engine) Model() *band.Model {
	return e.model
}

// Clock returns the clock the engine stamps samples with.
func (e *Engine) Clock() hw.Clock {
	return e.clock
}

// Config returns the committed configuration.
func (e *Engine) Config() Config {
	return e.conf
}

// Timing returns the timing policy.
func (e *Engine) Timing() Timing {
	return e.timing
}

// SetTiming replaces the timing policy. Hardware is re-initialized on the
// next Ensure or Activate.
func (e *Engine) SetTiming(t Timing) {
	e.timing = t
	e.stale = true
}

// Current returns the active hardware state, and false if nothing was
// activated yet.
func (e *Engine) Current() (Active, bool) {
	return e.current, e.active
}

func (e *Engine) validate(b band.Band, r band.Resolution) error {
	if !b.Valid() || !e.model.Supports(b) {
		return fmt.Errorf("band %s is not available on the %s board", b, e.model.Variant())
	}
	if !r.Valid() {
		return fmt.Errorf("unknown resolution %d", int(r))
	}
	return nil
}

// Configure commits mode, band and resolution and applies them to the
// hardware. The calibration factor is kept.
func (e *Engine) Configure(mode band.Mode, b band.Band, r band.Resolution) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown mode %d", int(mode))
	}
	if err := e.validate(b, r); err != nil {
		return err
	}

	e.conf.Mode = mode
	e.conf.Band = b
	e.conf.Resolution = r

	logrus.WithFields(logrus.Fields{
		"mode":       mode,
		"band":       b,
		"resolution": r,
	}).Info("measurement configured")

	return e.Activate(b, r, false)
}

// Restore puts a previously taken Config back without touching the
// hardware. The next Ensure re-applies it.
func (e *Engine) Restore(c Config) {
	e.conf = c
	e.stale = true
}

// CommitBand records b as the band of the committed configuration.
func (e *Engine) CommitBand(b band.Band) {
	if e.conf.Band != b {
		logrus.WithFields(logrus.Fields{
			"from": e.conf.Band,
			"to":   b,
		}).Debug("band committed")
	}
	e.conf.Band = b
}

// SetFactor commits a new calibration factor.
func (e *Engine) SetFactor(f float64) error {
	if f <= 0 {
		return fmt.Errorf("invalid calibration factor %f", f)
	}
	e.conf.CalibrationFactor = f
	return nil
}

// MarkStale forces the next Ensure to re-initialize the hardware.
func (e *Engine) MarkStale() {
	e.stale = true
}

// Window returns the effective timing window of b at resolution r.
func (e *Engine) Window(b band.Band, r band.Resolution) time.Duration {
	switch e.model.CapabilityOf(b) {
	case band.GatedCount:
		return r.Window(e.timing.GateBaseline)
	case band.PeriodCapture:
		return r.Window(e.timing.PeriodBaseline)
	default:
		panic(fmt.Sprintf("engine: unknown capability of band %s", b))
	}
}

// Scale returns the number of periods the capture averages for b at r.
func (e *Engine) Scale(b band.Band, r band.Resolution) float64 {
	return e.model.PrescalerOf(b) * r.Multiplier()
}

// Activate points the hardware at band b with resolution r without
// committing them. The capability is re-initialized only if its kind or
// window changed, or force is set. The other capability is always stopped
// and any in-flight sample is dropped.
func (e *Engine) Activate(b band.Band, r band.Resolution, force bool) error {
	if err := e.validate(b, r); err != nil {
		return err
	}

	capability := e.model.CapabilityOf(b)
	window := e.Window(b, r)

	if err := e.caps.Selector.Select(b); err != nil {
		return pkgerrors.Wrapf(err, "failed to select input path for %s", b)
	}

	restart := force || e.stale || !e.active ||
		capability != e.current.Capability || window != e.current.Window

	switch capability {
	case band.GatedCount:
		e.caps.Period.Stop()
		if restart {
			if err := e.caps.Gated.Configure(window); err != nil {
				e.active = false
				return pkgerrors.Wrapf(err, "failed to start gated counter with %s window", window)
			}
		} else {
			e.caps.Gated.PollAvailable()
		}
	case band.PeriodCapture:
		e.caps.Gated.Stop()
		if restart {
			scale := e.Scale(b, r)
			if err := e.caps.Period.Configure(scale); err != nil {
				e.active = false
				return pkgerrors.Wrapf(err, "failed to start period capture over %.2f periods", scale)
			}
		} else {
			e.caps.Period.PollAvailable()
		}
	default:
		panic(fmt.Sprintf("engine: unknown capability %d", int(capability)))
	}

	e.current = Active{
		Band:       b,
		Resolution: r,
		Capability: capability,
		Window:     window,
	}
	e.active = true
	e.stale = false
	e.startMs = e.clock.NowMs()

	logrus.WithFields(logrus.Fields{
		"band":       b,
		"resolution": r,
		"capability": capability,
		"window":     window,
		"restarted":  restart,
	}).Trace("capability activated")

	return nil
}

// Ensure makes the hardware match the committed configuration.
func (e *Engine) Ensure() error {
	if e.active && !e.stale &&
		e.current.Band == e.conf.Band && e.current.Resolution == e.conf.Resolution {
		return nil
	}
	return e.Activate(e.conf.Band, e.conf.Resolution, false)
}

// Poll checks the active capability for a new sample without blocking. It
// returns (nil, nil) when no sample is ready yet and ErrTimeout once per
// window plus margin without a sample.
func (e *Engine) Poll() (*Sample, error) {
	if !e.active {
		return nil, errors.New("no capability is active")
	}

	now := e.clock.NowMs()
	b := e.current.Band
	factor := e.conf.CalibrationFactor

	var hz float64
	switch e.current.Capability {
	case band.GatedCount:
		counts, ok := e.caps.Gated.PollAvailable()
		if ok && counts > 0 {
			hz = float64(counts) * e.model.PrescalerOf(b) / e.current.Window.Seconds() * factor
		}
	case band.PeriodCapture:
		raw, ok := e.caps.Period.PollAvailable()
		if ok && raw > 0 {
			hz = e.caps.Period.TicksToFrequency(raw) * e.Scale(b, e.current.Resolution) * factor
		}
	default:
		panic(fmt.Sprintf("engine: unknown capability %d", int(e.current.Capability)))
	}

	if hz > 0 {
		e.startMs = now
		return &Sample{
			FrequencyHz: hz,
			Band:        b,
			TimestampMs: now,
		}, nil
	}

	if now-e.startMs >= uint64((e.current.Window + e.timing.Margin).Milliseconds()) {
		e.startMs = now
		logrus.WithFields(logrus.Fields{
			"band":   b,
			"window": e.current.Window,
		}).Trace("sample timed out")
		return nil, ErrTimeout
	}

	return nil, nil
}

// CheckBand returns ErrFrequencyOutOfBand if s lies outside its band.
func (e *Engine) CheckBand(s *Sample) error {
	bounds := e.model.BoundsOf(s.Band)
	if !bounds.Contains(s.FrequencyHz) {
		return fmt.Errorf("%w: %.3f Hz not in %s [%.0f, %.0f)", ErrFrequencyOutOfBand, s.FrequencyHz, s.Band, bounds.Min, bounds.Max)
	}
	return nil
}

// Stop halts both capabilities. The next Ensure or Activate restarts the
// hardware.
func (e *Engine) Stop() {
	e.caps.Gated.Stop()
	e.caps.Period.Stop()
	e.active = false
	logrus.Trace("capabilities stopped")
}
