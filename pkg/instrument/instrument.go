// Package instrument ties the measurement engine, the band detector, the
// calibrator, the supply supervisor and the settings store into one
// explicit instrument value that a host drives tick by tick.
//
// An Instrument is not safe for concurrent use. Hosts with more than one
// goroutine must serialize calls, and should only change the configuration
// between ticks.
package instrument

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/calibration"
	"github.com/charlie0129/fcounter/pkg/detector"
	"github.com/charlie0129/fcounter/pkg/engine"
	"github.com/charlie0129/fcounter/pkg/hw"
	"github.com/charlie0129/fcounter/pkg/settings"
	"github.com/charlie0129/fcounter/pkg/supply"
)

// ErrStandby is returned by Tick while the instrument is in standby.
var ErrStandby = errors.New("instrument in standby")

// Deps are the hardware capabilities of one instrument.
type Deps struct {
	Variant band.Variant
	Caps    hw.Capabilities
	Clock   hw.Clock
	Voltage hw.VoltageSource
	Store   hw.PersistentStore
}

// Options is the tuning policy.
type Options struct {
	Timing      engine.Timing
	SettleDelay time.Duration
	Supply      supply.Config
	Calibration calibration.Options
	// DisplayInterval is the minimum time between two published readings.
	DisplayInterval time.Duration
}

// DefaultOptions returns the policy of the reference board.
func DefaultOptions() Options {
	return Options{
		Timing:          engine.DefaultTiming(),
		SettleDelay:     detector.DefaultSettleDelay,
		Supply:          supply.DefaultConfig(),
		Calibration:     calibration.DefaultOptions(),
		DisplayInterval: 800 * time.Millisecond,
	}
}

// Reading is a published measurement, paced by the display interval.
type Reading struct {
	FrequencyHz float64              `json:"frequencyHz"`
	ResultHz    float64              `json:"resultHz"`
	Band        band.Band            `json:"band"`
	Mode        band.Mode            `json:"mode"`
	Resolution  band.Resolution      `json:"resolution"`
	Digits      int                  `json:"digits"`
	Operation   settings.Operation   `json:"operation"`
	DisplayType settings.DisplayType `json:"displayType"`
	Averaged    int                  `json:"averaged"`
	TimestampMs uint64               `json:"timestampMs"`
}

// Report tells the host what happened during one tick.
type Report struct {
	// Sample is the new sample of this tick, if any.
	Sample *engine.Sample
	// Published is set when the display pacing released a reading.
	Published *Reading
	// Supply is set when the supply was checked.
	Supply *supply.State
	// BandChanged is set when the committed band changed.
	BandChanged bool
}

// Instrument is the explicit engine context.
type Instrument struct {
	opts  Options
	clock hw.Clock

	eng   *engine.Engine
	det   *detector.Detector
	cal   *calibration.Calibrator
	sup   *supply.Supervisor
	store *settings.Store
	conf  settings.Settings

	frequency float64
	lastBand  band.Band
	published *Reading
	lastValid float64

	lastDisplayMs  uint64
	lastActivityMs uint64
	lfSum          float64
	lfCount        int

	standby bool
}

// New builds an instrument and applies the persisted settings. A store
// that was not initialized yet is not an error: defaults are used.
func New(deps Deps, opts Options) (*Instrument, error) {
	model := band.NewModel(deps.Variant)
	eng := engine.New(model, deps.Caps, deps.Clock, opts.Timing)
	store := settings.NewStore(deps.Store)

	in := &Instrument{
		opts:  opts,
		clock: deps.Clock,
		eng:   eng,
		det:   detector.New(eng, opts.SettleDelay),
		cal:   calibration.New(eng, store, opts.Calibration),
		sup:   supply.NewSupervisor(opts.Supply, deps.Voltage, deps.Clock),
		store: store,
	}

	st, err := store.Load()
	if err != nil {
		if !errors.Is(err, settings.ErrStoreUninitialized) {
			return nil, err
		}
		logrus.WithError(err).Warn("using default settings")
	}

	if !model.Supports(st.Band) {
		logrus.WithFields(logrus.Fields{
			"band":    st.Band,
			"variant": deps.Variant,
		}).Warn("stored band not available on this board, falling back to HF")
		st.Band = band.HF
	}

	if err := eng.SetFactor(st.CalibrationFactor); err != nil {
		return nil, err
	}
	if err := eng.Configure(st.Mode, st.Band, st.Resolution); err != nil {
		return nil, err
	}
	in.conf = st
	in.lastBand = st.Band
	in.lastDisplayMs = deps.Clock.NowMs()
	in.lastActivityMs = in.lastDisplayMs

	return in, nil
}

// SetOptions replaces the tuning policy. Hardware is re-initialized on the
// next tick.
func (in *Instrument) SetOptions(opts Options) {
	in.opts = opts
	in.eng.SetTiming(opts.Timing)
	in.det.SetSettleDelay(opts.SettleDelay)
	in.sup.SetConfig(opts.Supply)
	in.cal.SetOptions(opts.Calibration)
	in.det.Reset()
}

// Options returns the tuning policy.
func (in *Instrument) Options() Options {
	return in.opts
}

// Model returns the band table.
func (in *Instrument) Model() *band.Model {
	return in.eng.Model()
}

// Config returns the committed measurement configuration.
func (in *Instrument) Config() engine.Config {
	return in.eng.Config()
}

// Settings returns the persisted settings.
func (in *Instrument) Settings() settings.Settings {
	return in.conf
}

// Supply returns the supply supervisor.
func (in *Instrument) Supply() *supply.Supervisor {
	return in.sup
}

// Configure changes mode, band and resolution and persists them.
func (in *Instrument) Configure(mode band.Mode, b band.Band, r band.Resolution) error {
	if err := in.eng.Configure(mode, b, r); err != nil {
		return err
	}
	in.det.Reset()
	in.resetPacing()
	in.lastBand = b

	next := in.conf
	next.Mode = mode
	next.Band = b
	next.Resolution = r
	return in.commit(next)
}

// UpdateSettings applies and persists next. Measurement settings are
// re-applied only if they changed.
func (in *Instrument) UpdateSettings(next settings.Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if !in.eng.Model().Supports(next.Band) {
		return pkgerrors.Errorf("band %s is not available on the %s board", next.Band, in.eng.Model().Variant())
	}

	cur := in.eng.Config()
	if next.CalibrationFactor != cur.CalibrationFactor {
		if err := in.eng.SetFactor(next.CalibrationFactor); err != nil {
			return err
		}
	}
	if next.Mode != cur.Mode || next.Band != cur.Band || next.Resolution != cur.Resolution {
		if err := in.eng.Configure(next.Mode, next.Band, next.Resolution); err != nil {
			return err
		}
		in.det.Reset()
		in.resetPacing()
		in.lastBand = next.Band
	}
	return in.commit(next)
}

// ResetSettings restores and persists factory settings.
func (in *Instrument) ResetSettings() error {
	d, err := in.store.Reset()
	if err != nil {
		return err
	}
	in.conf = d
	if err := in.eng.SetFactor(d.CalibrationFactor); err != nil {
		return err
	}
	if err := in.eng.Configure(d.Mode, d.Band, d.Resolution); err != nil {
		return err
	}
	in.det.Reset()
	in.resetPacing()
	in.lastBand = d.Band
	logrus.Info("settings reset to factory defaults")
	return nil
}

// commit persists next, keeping the committed band of the engine.
func (in *Instrument) commit(next settings.Settings) error {
	if err := in.store.Commit(next); err != nil {
		return err
	}
	in.conf = next
	return nil
}

// Frequency returns the last sample without clearing it.
func (in *Instrument) Frequency() float64 {
	return in.frequency
}

// ReadFrequency returns the last sample and clears it, so a second call
// without a new sample returns 0.
func (in *Instrument) ReadFrequency() float64 {
	f := in.frequency
	in.frequency = 0
	return f
}

// ResultFrequency returns the last published value after the configured
// operation.
func (in *Instrument) ResultFrequency() float64 {
	if in.published == nil {
		return 0
	}
	return in.published.ResultHz
}

// Published returns the last published reading, or nil.
func (in *Instrument) Published() *Reading {
	return in.published
}

// LastBand returns the band of the last sample.
func (in *Instrument) LastBand() band.Band {
	return in.lastBand
}

// Mode returns the committed mode.
func (in *Instrument) Mode() band.Mode {
	return in.eng.Config().Mode
}

// Touch resets the idle timer, e.g. on user interaction. Display pacing is
// not affected.
func (in *Instrument) Touch() {
	in.lastActivityMs = in.clock.NowMs()
}

// StoreReference saves the last published frequency as the operation
// reference.
func (in *Instrument) StoreReference() (float64, error) {
	next := in.conf
	next.ReferenceHz = in.lastValid
	if err := in.commit(next); err != nil {
		return 0, err
	}
	logrus.WithField("reference", in.lastValid).Info("reference frequency stored")
	return in.lastValid, nil
}

// Calibrate runs a calibration against referenceHz. It blocks until a
// reading is available or ctx is done.
func (in *Instrument) Calibrate(ctx context.Context, referenceHz float64) (calibration.Result, error) {
	res, err := in.cal.Calibrate(ctx, referenceHz)
	// Keep the in-memory settings in step with what the calibrator stored.
	in.conf = in.store.Current()
	in.det.Reset()
	in.resetPacing()
	return res, err
}

// ManualCalibrate sets the calibration factor from a correction in ppm.
func (in *Instrument) ManualCalibrate(ppm float64) (float64, error) {
	f, err := calibration.ManualFactor(ppm)
	if err != nil {
		return 0, err
	}
	if err := in.eng.SetFactor(f); err != nil {
		return 0, err
	}
	next := in.conf
	next.CalibrationFactor = f
	if err := in.commit(next); err != nil {
		return f, err
	}
	logrus.WithFields(logrus.Fields{
		"ppm":    ppm,
		"factor": f,
	}).Info("manual calibration applied")
	return f, nil
}

// InStandby reports whether the instrument is in standby.
func (in *Instrument) InStandby() bool {
	return in.standby
}

// EnterStandby halts all measurement until ExitStandby.
func (in *Instrument) EnterStandby() {
	if in.standby {
		return
	}
	in.eng.Stop()
	in.det.Reset()
	in.standby = true
	logrus.Info("entering standby")
}

// ExitStandby resumes measurement. The pending frequency is cleared and
// the idle timer restarts.
func (in *Instrument) ExitStandby() {
	if !in.standby {
		return
	}
	in.standby = false
	in.frequency = 0
	in.resetPacing()
	in.sup.RequestCheck()
	logrus.Info("leaving standby")
}

// WaitStandby blocks while the instrument is in standby, until wake fires
// or ctx is done. It calls ExitStandby on wake.
func (in *Instrument) WaitStandby(ctx context.Context, wake <-chan struct{}) error {
	if !in.standby {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		in.ExitStandby()
		return nil
	}
}

func (in *Instrument) resetPacing() {
	in.lfSum = 0
	in.lfCount = 0
	in.lastDisplayMs = in.clock.NowMs()
	in.lastActivityMs = in.lastDisplayMs
}

func aborted(abort func() bool) bool {
	return abort != nil && abort()
}

// Tick runs one step: a due supply check first, then the idle check, then
// at most one measurement or detector step. abort is forwarded to the
// detector.
//
// engine.ErrTimeout and engine.ErrFrequencyOutOfBand are returned for the
// host to display. They do not stop the instrument.
func (in *Instrument) Tick(ctx context.Context, abort func() bool) (Report, error) {
	var rep Report

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if in.standby {
		return rep, ErrStandby
	}

	if in.sup.CheckDue(in.clock.NowMs()) {
		st, err := in.sup.Check(ctx)
		rep.Supply = &st
		if err != nil {
			return rep, err
		}
		if in.eng.Config().Mode == band.Auto {
			// The check may have taken long; restart the measurement.
			in.eng.MarkStale()
			in.det.Reset()
		}
	}

	if timeout, ok := in.conf.Sleep.Timeout(); ok {
		if in.clock.NowMs()-in.lastActivityMs > uint64(timeout.Milliseconds()) {
			in.EnterStandby()
			return rep, ErrStandby
		}
	}

	conf := in.eng.Config()
	switch {
	case conf.Mode == band.Fixed:
		return in.tickFixed(rep)
	case conf.Band == band.LF:
		return in.tickAutoLF(rep)
	default:
		return in.tickDetect(rep, abort)
	}
}

func (in *Instrument) tickFixed(rep Report) (Report, error) {
	if err := in.eng.Ensure(); err != nil {
		return rep, err
	}
	s, err := in.eng.Poll()
	if err != nil || s == nil {
		return rep, err
	}
	in.accept(s, &rep)
	return rep, in.publish(s, &rep)
}

// tickAutoLF polls LF in auto mode. A sample above LF or a timeout hands
// control back to the detector.
func (in *Instrument) tickAutoLF(rep Report) (Report, error) {
	if err := in.eng.Ensure(); err != nil {
		return rep, err
	}
	s, err := in.eng.Poll()
	switch {
	case errors.Is(err, engine.ErrTimeout):
		in.leaveLF(&rep)
		return rep, err
	case err != nil:
		return rep, err
	case s == nil:
		return rep, nil
	}

	if s.FrequencyHz > in.eng.Model().BoundsOf(band.LF).Max {
		logrus.WithField("frequency", s.FrequencyHz).Debug("signal above LF, searching band")
		in.leaveLF(&rep)
		return rep, nil
	}

	in.accept(s, &rep)
	return rep, in.publish(s, &rep)
}

func (in *Instrument) leaveLF(rep *Report) {
	in.eng.CommitBand(band.HF)
	in.eng.Stop()
	in.det.Reset()
	in.resetLF()
	rep.BandChanged = true
}

func (in *Instrument) resetLF() {
	in.lfSum = 0
	in.lfCount = 0
}

func (in *Instrument) tickDetect(rep Report, abort func() bool) (Report, error) {
	prev := in.eng.Config().Band
	out, err := in.det.Step(abort)
	if err != nil {
		return rep, err
	}
	rep.BandChanged = in.eng.Config().Band != prev

	switch out.Kind {
	case detector.Emitted:
		in.accept(out.Sample, &rep)
		return rep, in.publish(out.Sample, &rep)
	case detector.SwitchedToLF:
		in.resetLF()
	case detector.Pending, detector.Aborted:
	}
	return rep, nil
}

// accept makes s the pending frequency. It is always the raw sample; only
// the Reading built by publish carries the LF display average.
func (in *Instrument) accept(s *engine.Sample, rep *Report) {
	in.frequency = s.FrequencyHz
	in.lastBand = s.Band
	rep.Sample = s
}

// publish paces samples for display. LF samples arriving within the display
// interval are averaged; others are dropped.
func (in *Instrument) publish(s *engine.Sample, rep *Report) error {
	now := s.TimestampMs
	hz := s.FrequencyHz
	recent := now-in.lastDisplayMs < uint64(in.opts.DisplayInterval.Milliseconds())

	averaged := 1
	if s.Band == band.LF {
		if recent {
			in.lfSum += hz
			in.lfCount++
			return nil
		}
		hz = (hz + in.lfSum) / float64(in.lfCount+1)
		averaged = in.lfCount + 1
		in.resetLF()
	} else if recent {
		return nil
	}

	conf := in.eng.Config()
	if conf.Mode == band.Fixed {
		if err := in.eng.CheckBand(s); err != nil {
			in.lastDisplayMs = now
			return err
		}
	}

	r := &Reading{
		FrequencyHz: hz,
		ResultHz:    in.conf.Operation.Apply(hz, in.conf.ReferenceHz),
		Band:        s.Band,
		Mode:        conf.Mode,
		Resolution:  conf.Resolution,
		Digits:      conf.Resolution.Digits(),
		Operation:   in.conf.Operation,
		DisplayType: in.conf.DisplayType,
		Averaged:    averaged,
		TimestampMs: now,
	}
	in.lastValid = hz
	in.published = r
	in.lastDisplayMs = now
	// The idle timer counts from the last displayed reading as well.
	in.lastActivityMs = max(in.lastActivityMs, now)
	rep.Published = r

	logrus.WithFields(logrus.Fields{
		"frequency": r.FrequencyHz,
		"result":    r.ResultHz,
		"band":      r.Band,
	}).Debug("reading published")

	return nil
}
