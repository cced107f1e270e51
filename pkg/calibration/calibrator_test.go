package calibration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/engine"
	"github.com/charlie0129/fcounter/pkg/hw"
)

type recordingSink struct {
	factors []float64
	err     error
}

func (s *recordingSink) PersistFactor(f float64) error {
	s.factors = append(s.factors, f)
	return s.err
}

func newTestCalibrator(t *testing.T, inputHz float64) (*Calibrator, *engine.Engine, *recordingSink) {
	t.Helper()
	clock := hw.NewFakeClock(0)
	sim := hw.NewSimulator(clock)
	sim.SetInput(inputHz)
	eng := engine.New(band.NewModel(band.VariantVHF), sim.Capabilities(), clock, engine.DefaultTiming())
	require.NoError(t, eng.Configure(band.Fixed, band.HF, band.Low))
	sink := &recordingSink{}
	return New(eng, sink, DefaultOptions()), eng, sink
}

func TestCalibratePerfectSource(t *testing.T) {
	c, eng, sink := newTestCalibrator(t, 10e6)

	res, err := c.Calibrate(context.Background(), 10e6)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, band.VHF1, res.Band)
	require.InDelta(t, 1.0, res.Factor, 2e-5)
	require.InDelta(t, 1.0, eng.Config().CalibrationFactor, 2e-5)
	require.Len(t, sink.factors, 1)
}

func TestCalibrateRejectsImpreciseSource(t *testing.T) {
	c, eng, sink := newTestCalibrator(t, 10.5e6)
	require.NoError(t, eng.SetFactor(1.000004))

	res, err := c.Calibrate(context.Background(), 10e6)
	require.ErrorIs(t, err, ErrCalibrationImprecise)
	require.False(t, res.Accepted)
	require.Equal(t, 1.000004, res.Factor)
	require.Equal(t, 1.000004, eng.Config().CalibrationFactor)
	require.Empty(t, sink.factors)
}

func TestCalibrateCompoundsPreviousFactor(t *testing.T) {
	c, eng, _ := newTestCalibrator(t, 10e6)
	require.NoError(t, eng.SetFactor(1.00001))

	res, err := c.Calibrate(context.Background(), 10e6)
	require.NoError(t, err)
	require.InDelta(t, 1/1.00001, res.Ratio, 1e-12)
	require.InDelta(t, 1.0, res.Factor, 1e-12)
	require.InDelta(t, 1.00001*res.Ratio, res.Factor, 1e-15)
	require.Equal(t, res.Factor, eng.Config().CalibrationFactor)
}

func TestCalibrateRestoresConfigWithoutHardware(t *testing.T) {
	c, eng, _ := newTestCalibrator(t, 10e6)
	before := eng.Config()

	_, err := c.Calibrate(context.Background(), 10e6)
	require.NoError(t, err)

	after := eng.Config()
	require.Equal(t, before.Mode, after.Mode)
	require.Equal(t, before.Band, after.Band)
	require.Equal(t, before.Resolution, after.Resolution)

	cur, _ := eng.Current()
	require.Equal(t, band.VHF1, cur.Band, "hardware is left on the calibration band")
	require.Equal(t, band.High, cur.Resolution)

	require.NoError(t, eng.Ensure())
	cur, _ = eng.Current()
	require.Equal(t, band.HF, cur.Band)
	require.Equal(t, band.Low, cur.Resolution)
}

func TestCalibrateLFUsesFirstReading(t *testing.T) {
	c, _, _ := newTestCalibrator(t, 1000)

	res, err := c.Calibrate(context.Background(), 1000)
	require.NoError(t, err)
	require.Equal(t, band.LF, res.Band)
	require.InDelta(t, 1000, res.MeasuredHz, 1e-6)
}

func TestCalibrateTimeoutAndCancel(t *testing.T) {
	c, _, _ := newTestCalibrator(t, 0)
	opts := DefaultOptions()
	opts.Timeout = 3 * time.Second
	c.SetOptions(opts)

	_, err := c.Calibrate(context.Background(), 10e6)
	require.ErrorIs(t, err, ErrCalibrationTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Calibrate(ctx, 10e6)
	require.True(t, errors.Is(err, context.Canceled))

	_, err = c.Calibrate(context.Background(), -1)
	require.ErrorIs(t, err, ErrInvalidReference)
}

func TestCalibratePersistError(t *testing.T) {
	c, eng, sink := newTestCalibrator(t, 10e6)
	sink.err = errors.New("disk full")

	res, err := c.Calibrate(context.Background(), 10e6)
	require.Error(t, err)
	require.True(t, res.Accepted, "factor is committed even if persisting fails")
	require.InDelta(t, 1.0, eng.Config().CalibrationFactor, 2e-5)
}

func TestManualFactor(t *testing.T) {
	tests := []struct {
		ppm     float64
		want    float64
		wantErr bool
	}{
		{0, 1, false},
		{-10, 0.99999, false},
		{9.5, 1.0000095, false},
		{2.25, 0, true},
		{10.5, 0, true},
	}
	for _, tt := range tests {
		got, err := ManualFactor(tt.ppm)
		if tt.wantErr {
			require.ErrorIs(t, err, ErrInvalidManualValue)
			continue
		}
		require.NoError(t, err)
		require.InDelta(t, tt.want, got, 1e-12)
		require.InDelta(t, tt.ppm, FactorToPPM(got), 0.5)
	}
}
