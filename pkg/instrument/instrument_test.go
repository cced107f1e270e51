package instrument

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/engine"
	"github.com/charlie0129/fcounter/pkg/hw"
	"github.com/charlie0129/fcounter/pkg/settings"
	"github.com/charlie0129/fcounter/pkg/supply"
)

type fixture struct {
	clock *hw.FakeClock
	sim   *hw.Simulator
	dev   *hw.MemoryEEPROM
	in    *Instrument
}

func newFixture(t *testing.T, inputHz float64) *fixture {
	t.Helper()
	clock := hw.NewFakeClock(0)
	sim := hw.NewSimulator(clock)
	sim.SetInput(inputHz)
	dev := hw.NewMemoryEEPROM(64)
	return &fixture{
		clock: clock,
		sim:   sim,
		dev:   dev,
		in:    newInstrument(t, clock, sim, dev),
	}
}

func newInstrument(t *testing.T, clock *hw.FakeClock, sim *hw.Simulator, dev *hw.MemoryEEPROM) *Instrument {
	t.Helper()
	in, err := New(Deps{
		Variant: band.VariantVHF,
		Caps:    sim.Capabilities(),
		Clock:   clock,
		Voltage: sim,
		Store:   dev,
	}, DefaultOptions())
	require.NoError(t, err)
	return in
}

// tickUntil ticks every 10ms until done returns true.
func (f *fixture) tickUntil(t *testing.T, limit time.Duration, done func(Report, error) bool) (Report, error) {
	t.Helper()
	deadline := f.clock.NowMs() + uint64(limit.Milliseconds())
	for f.clock.NowMs() <= deadline {
		rep, err := f.in.Tick(context.Background(), nil)
		if done(rep, err) {
			return rep, err
		}
		f.clock.Advance(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s", limit)
	return Report{}, nil
}

func published(rep Report, err error) bool {
	return err == nil && rep.Published != nil
}

func TestAutoModeResolvesBand(t *testing.T) {
	f := newFixture(t, 15e6)

	rep, _ := f.tickUntil(t, 10*time.Second, published)
	require.Equal(t, band.VHF1, rep.Published.Band)
	require.InEpsilon(t, 15e6, rep.Published.FrequencyHz, 2e-5)
	require.Equal(t, band.VHF1, f.in.LastBand())
	require.Equal(t, band.Auto, f.in.Mode())
	require.Equal(t, 0, f.sim.Overlaps())
}

func TestReadFrequencyClears(t *testing.T) {
	f := newFixture(t, 1e6)
	f.tickUntil(t, 10*time.Second, published)

	require.InDelta(t, 1e6, f.in.Frequency(), 1)
	require.InDelta(t, 1e6, f.in.Frequency(), 1, "peek does not clear")

	v := f.in.ReadFrequency()
	require.InDelta(t, 1e6, v, 1)
	require.Equal(t, 0.0, f.in.ReadFrequency())
}

func TestFixedModePublishesPaced(t *testing.T) {
	f := newFixture(t, 2e6)
	require.NoError(t, f.in.Configure(band.Fixed, band.HF, band.Normal))

	var stamps []uint64
	samples := 0
	f.tickUntil(t, 5*time.Second, func(rep Report, err error) bool {
		require.NoError(t, err)
		if rep.Sample != nil {
			samples++
		}
		if rep.Published != nil {
			stamps = append(stamps, rep.Published.TimestampMs)
		}
		return len(stamps) == 3
	})

	require.Greater(t, samples, 3, "more samples than published readings")
	for i := 1; i < len(stamps); i++ {
		require.GreaterOrEqual(t, stamps[i]-stamps[i-1], uint64(800))
	}
}

func TestTouchDoesNotHoldBackReadings(t *testing.T) {
	f := newFixture(t, 1e6)
	require.NoError(t, f.in.Configure(band.Fixed, band.HF, band.Normal))

	samples, readings := 0, 0
	deadline := f.clock.NowMs() + 10_000
	for f.clock.NowMs() <= deadline {
		if f.clock.NowMs()%500 == 0 {
			f.in.Touch()
		}
		rep, err := f.in.Tick(context.Background(), nil)
		require.NoError(t, err)
		if rep.Sample != nil {
			samples++
		}
		if rep.Published != nil {
			readings++
		}
		f.clock.Advance(10 * time.Millisecond)
	}

	require.Greater(t, samples, 0)
	require.GreaterOrEqual(t, readings, 5, "a client polling every 500ms must not stall the display")
}

func TestTouchDefersStandby(t *testing.T) {
	f := newFixture(t, 0)
	next := f.in.Settings()
	next.Sleep = settings.Sleep30s
	require.NoError(t, f.in.UpdateSettings(next))

	for i := 0; i < 2500; i++ {
		_, err := f.in.Tick(context.Background(), nil)
		require.NotErrorIs(t, err, ErrStandby)
		f.clock.Advance(10 * time.Millisecond)
	}
	f.in.Touch()
	for i := 0; i < 2500; i++ {
		_, err := f.in.Tick(context.Background(), nil)
		require.NotErrorIs(t, err, ErrStandby, "touched 25s ago")
		f.clock.Advance(10 * time.Millisecond)
	}

	_, err := f.tickUntil(t, 10*time.Second, func(_ Report, err error) bool { return errors.Is(err, ErrStandby) })
	require.ErrorIs(t, err, ErrStandby)
}

func TestFixedModeOutOfBand(t *testing.T) {
	f := newFixture(t, 5e6)
	require.NoError(t, f.in.Configure(band.Fixed, band.HF, band.High))

	_, err := f.tickUntil(t, 5*time.Second, func(_ Report, err error) bool { return err != nil })
	require.ErrorIs(t, err, engine.ErrFrequencyOutOfBand)
	require.Nil(t, f.in.Published())
}

func TestFixedModeTimeout(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.in.Configure(band.Fixed, band.VHF2, band.Normal))

	_, err := f.tickUntil(t, time.Second, func(_ Report, err error) bool { return err != nil })
	require.ErrorIs(t, err, engine.ErrTimeout)
}

func TestAutoLFAveragesAndHandsBack(t *testing.T) {
	f := newFixture(t, 1000)

	rep, _ := f.tickUntil(t, 10*time.Second, published)
	require.Equal(t, band.LF, rep.Published.Band)
	require.Greater(t, rep.Published.Averaged, 1)
	require.InDelta(t, 1000, rep.Published.FrequencyHz, 1e-6)
	require.Equal(t, band.LF, f.in.Config().Band)

	f.sim.SetInput(1e6)
	f.tickUntil(t, time.Second, func(rep Report, err error) bool { return rep.BandChanged })
	require.Equal(t, band.HF, f.in.Config().Band)

	rep, _ = f.tickUntil(t, 10*time.Second, published)
	require.Equal(t, band.HF, rep.Published.Band)
}

func TestSupplyFaultBlocksMeasurement(t *testing.T) {
	f := newFixture(t, 1e6)
	next := f.in.Settings()
	next.Sleep = settings.SleepDisabled
	require.NoError(t, f.in.UpdateSettings(next))
	f.sim.SetSupplyRaw(400)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rep, err := f.in.Tick(ctx, nil)
	require.ErrorIs(t, err, supply.ErrSupplyOutOfRange)
	require.NotNil(t, rep.Supply)
	require.True(t, rep.Supply.ErrorLatched)
	require.Nil(t, rep.Sample)

	f.sim.SetSupplyRaw(614)
	f.tickUntil(t, 10*time.Second, published)
	require.False(t, f.in.Supply().State().ErrorLatched)
}

func TestIdleEntersStandby(t *testing.T) {
	f := newFixture(t, 0)
	next := f.in.Settings()
	next.Sleep = settings.Sleep30s
	require.NoError(t, f.in.UpdateSettings(next))

	_, err := f.tickUntil(t, time.Minute, func(_ Report, err error) bool { return errors.Is(err, ErrStandby) })
	require.ErrorIs(t, err, ErrStandby)
	require.True(t, f.in.InStandby())

	_, err = f.in.Tick(context.Background(), nil)
	require.ErrorIs(t, err, ErrStandby)

	wake := make(chan struct{})
	close(wake)
	require.NoError(t, f.in.WaitStandby(context.Background(), wake))
	require.False(t, f.in.InStandby())
	require.Equal(t, 0.0, f.in.Frequency())

	_, err = f.in.Tick(context.Background(), nil)
	require.NotErrorIs(t, err, ErrStandby)
}

func TestWaitStandbyCancelled(t *testing.T) {
	f := newFixture(t, 0)
	f.in.EnterStandby()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.in.WaitStandby(ctx, nil), context.Canceled)
	require.True(t, f.in.InStandby())
}

func TestOperationUsesStoredReference(t *testing.T) {
	f := newFixture(t, 455e3)
	require.NoError(t, f.in.Configure(band.Fixed, band.HF, band.High))
	f.tickUntil(t, 5*time.Second, published)

	ref, err := f.in.StoreReference()
	require.NoError(t, err)
	require.InDelta(t, 455e3, ref, 1)

	next := f.in.Settings()
	next.Operation = settings.OperationVFOPlusIF
	require.NoError(t, f.in.UpdateSettings(next))

	f.sim.SetInput(10e6)
	require.NoError(t, f.in.Configure(band.Fixed, band.VHF1, band.High))
	rep, _ := f.tickUntil(t, 5*time.Second, published)
	require.InDelta(t, 10.455e6, rep.Published.ResultHz, 2)
	require.InDelta(t, 10.455e6, f.in.ResultFrequency(), 2)
}

func TestSettingsSurviveRestart(t *testing.T) {
	f := newFixture(t, 10e6)
	require.NoError(t, f.in.Configure(band.Fixed, band.VHF1, band.UltraHigh))

	res, err := f.in.Calibrate(context.Background(), 10e6)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	_, err = f.in.ManualCalibrate(2.5)
	require.NoError(t, err)

	in := newInstrument(t, f.clock, f.sim, f.dev)
	conf := in.Config()
	require.Equal(t, band.Fixed, conf.Mode)
	require.Equal(t, band.VHF1, conf.Band)
	require.Equal(t, band.UltraHigh, conf.Resolution)
	require.InDelta(t, 1.0000025, conf.CalibrationFactor, 1e-12)
}

func TestResetSettings(t *testing.T) {
	f := newFixture(t, 10e6)
	require.NoError(t, f.in.Configure(band.Fixed, band.VHF2, band.Low))
	require.NoError(t, f.in.ResetSettings())
	require.Equal(t, settings.Defaults(), f.in.Settings())
	require.Equal(t, band.Auto, f.in.Mode())
}
