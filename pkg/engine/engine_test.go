package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/hw"
)

func newTestEngine(v band.Variant) (*Engine, *hw.Simulator, *hw.FakeClock) {
	clock := hw.NewFakeClock(0)
	sim := hw.NewSimulator(clock)
	return New(band.NewModel(v), sim.Capabilities(), clock, DefaultTiming()), sim, clock
}

// pollFor advances the clock in 10ms steps until Poll returns something.
func pollFor(t *testing.T, e *Engine, clock *hw.FakeClock, limit time.Duration) (*Sample, error) {
	t.Helper()
	for waited := time.Duration(0); waited <= limit; waited += 10 * time.Millisecond {
		s, err := e.Poll()
		if s != nil || err != nil {
			return s, err
		}
		clock.Advance(10 * time.Millisecond)
	}
	t.Fatalf("no sample or timeout within %s", limit)
	return nil, nil
}

func TestWindowForEveryBandAndResolution(t *testing.T) {
	e, _, _ := newTestEngine(band.VariantVHF)
	timing := DefaultTiming()
	mult := map[band.Resolution]float64{
		band.Low:       0.01,
		band.Normal:    0.1,
		band.High:      1,
		band.UltraHigh: 10,
	}

	for _, b := range band.All {
		baseline := timing.GateBaseline
		if b == band.LF {
			baseline = timing.PeriodBaseline
		}
		for _, r := range band.Resolutions {
			want := time.Duration(float64(baseline) * mult[r])
			if got := e.Window(b, r); got != want {
				t.Errorf("Window(%s, %s) = %s, want %s", b, r, got, want)
			}
		}
	}
}

func TestGatedConversion(t *testing.T) {
	e, sim, clock := newTestEngine(band.VariantVHF)
	sim.SetInput(15e6)

	require.NoError(t, e.Configure(band.Fixed, band.VHF1, band.High))
	s, err := pollFor(t, e, clock, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, band.VHF1, s.Band)
	require.InDelta(t, 15e6, s.FrequencyHz, 1e-3)
	require.NoError(t, e.CheckBand(s))

	require.NoError(t, e.SetFactor(1.00001))
	s, err = pollFor(t, e, clock, 2*time.Second)
	require.NoError(t, err)
	require.InDelta(t, 15e6*1.00001, s.FrequencyHz, 1e-3)
}

func TestPeriodConversion(t *testing.T) {
	e, sim, clock := newTestEngine(band.VariantVHF)
	sim.SetInput(1000)

	require.NoError(t, e.Configure(band.Fixed, band.LF, band.High))
	s, err := pollFor(t, e, clock, time.Second)
	require.NoError(t, err)
	require.Equal(t, band.LF, s.Band)
	require.InDelta(t, 1000, s.FrequencyHz, 1e-6)
	require.Equal(t, uint64(100), s.TimestampMs, "100 periods of 1 kHz")
}

func TestTimeoutOncePerWindow(t *testing.T) {
	e, _, clock := newTestEngine(band.VariantVHF)
	require.NoError(t, e.Configure(band.Fixed, band.HF, band.High))

	clock.Advance(1029 * time.Millisecond)
	s, err := e.Poll()
	require.Nil(t, s)
	require.NoError(t, err)

	clock.Advance(time.Millisecond)
	_, err = e.Poll()
	require.ErrorIs(t, err, ErrTimeout)

	_, err = e.Poll()
	require.NoError(t, err, "timeout restarts the window")
}

func TestOneCapabilityAtATime(t *testing.T) {
	e, sim, _ := newTestEngine(band.VariantVHF)

	for _, b := range []band.Band{band.LF, band.HF, band.LF, band.VHF2, band.LF, band.VHF1} {
		require.NoError(t, e.Activate(b, band.Normal, false))
		require.Equal(t, b, sim.Route())
	}
	require.Equal(t, 0, sim.Overlaps())
}

func TestActivateDoesNotCommit(t *testing.T) {
	e, _, _ := newTestEngine(band.VariantVHF)
	require.NoError(t, e.Configure(band.Auto, band.HF, band.Normal))

	require.NoError(t, e.Activate(band.VHF2, band.High, false))
	require.Equal(t, band.HF, e.Config().Band)
	require.Equal(t, band.Normal, e.Config().Resolution)

	cur, ok := e.Current()
	require.True(t, ok)
	require.Equal(t, band.VHF2, cur.Band)

	require.NoError(t, e.Ensure())
	cur, _ = e.Current()
	require.Equal(t, band.HF, cur.Band)
	require.Equal(t, band.Normal, cur.Resolution)
}

func TestRejectsUnsupportedBand(t *testing.T) {
	e, _, _ := newTestEngine(band.VariantHF)
	require.Error(t, e.Configure(band.Fixed, band.VHF1, band.High))
	require.Equal(t, DefaultConfig(), e.Config())
	require.Error(t, e.SetFactor(0))
}

func TestCheckBand(t *testing.T) {
	e, _, _ := newTestEngine(band.VariantVHF)
	require.ErrorIs(t, e.CheckBand(&Sample{FrequencyHz: 30e6, Band: band.VHF1}), ErrFrequencyOutOfBand)
	require.ErrorIs(t, e.CheckBand(&Sample{FrequencyHz: 3e6, Band: band.VHF1}), ErrFrequencyOutOfBand)
	require.NoError(t, e.CheckBand(&Sample{FrequencyHz: 22.4e6, Band: band.VHF1}))
}
