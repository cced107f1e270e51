package hw

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/distatus/battery"
	"github.com/stretchr/testify/require"

	"github.com/charlie0129/fcounter/pkg/band"
)

func TestSimulatorGatedCount(t *testing.T) {
	clock := NewFakeClock(0)
	sim := NewSimulator(clock)
	caps := sim.Capabilities()

	sim.SetInput(15e6)
	require.NoError(t, caps.Selector.Select(band.VHF1))
	require.NoError(t, caps.Gated.Configure(time.Second))

	_, ok := caps.Gated.PollAvailable()
	require.False(t, ok, "no window has elapsed yet")

	clock.Advance(time.Second)
	counts, ok := caps.Gated.PollAvailable()
	require.True(t, ok)
	require.Equal(t, uint64(15e6/4), counts)

	_, ok = caps.Gated.PollAvailable()
	require.False(t, ok, "a window is reported only once")
}

func TestSimulatorFoldsUnprescaledInput(t *testing.T) {
	clock := NewFakeClock(0)
	sim := NewSimulator(clock)
	caps := sim.Capabilities()

	sim.SetInput(15e6)
	require.NoError(t, caps.Selector.Select(band.HF))
	require.NoError(t, caps.Gated.Configure(time.Second))
	clock.Advance(time.Second)

	counts, ok := caps.Gated.PollAvailable()
	require.True(t, ok)
	require.Equal(t, uint64(1e6), counts)
}

func TestSimulatorPeriodCapture(t *testing.T) {
	clock := NewFakeClock(0)
	sim := NewSimulator(clock)
	caps := sim.Capabilities()

	sim.SetInput(1000)
	require.NoError(t, caps.Period.Configure(100))

	clock.Advance(50 * time.Millisecond)
	_, ok := caps.Period.PollAvailable()
	require.False(t, ok)

	clock.Advance(50 * time.Millisecond)
	raw, ok := caps.Period.PollAvailable()
	require.True(t, ok)
	require.InDelta(t, 1000.0, caps.Period.TicksToFrequency(raw)*100, 1e-6)
}

func TestSimulatorCountsOverlaps(t *testing.T) {
	sim := NewSimulator(NewFakeClock(0))
	caps := sim.Capabilities()

	require.NoError(t, caps.Gated.Configure(time.Second))
	caps.Gated.Stop()
	require.NoError(t, caps.Period.Configure(100))
	require.Equal(t, 0, sim.Overlaps())

	require.NoError(t, caps.Gated.Configure(time.Second))
	require.Equal(t, 1, sim.Overlaps())
}

func TestFileEEPROM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eeprom.bin")
	e := NewFileEEPROM(path, 32)

	b, err := e.ReadField(0, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, b, "missing image reads as erased")

	require.NoError(t, e.WriteField(8, []byte{1, 2, 3}))

	// A fresh handle on the same file sees the data, and the gap stays erased.
	e = NewFileEEPROM(path, 32)
	b, err = e.ReadField(6, 6)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xFF, 1, 2, 3, 0xFF}, b)

	require.Error(t, e.WriteField(30, []byte{1, 2, 3}))
	_, err = e.ReadField(-1, 2)
	require.Error(t, err)
}

func TestMemoryEEPROMCountsWrites(t *testing.T) {
	m := NewMemoryEEPROM(8)
	require.NoError(t, m.WriteField(0, []byte{5}))
	require.NoError(t, m.WriteField(1, []byte{6, 7}))
	require.Equal(t, 2, m.Writes())

	b, err := m.ReadField(0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6, 7}, b)
}

func TestBatteryVoltageSource(t *testing.T) {
	tests := []struct {
		name    string
		bats    []*battery.Battery
		err     error
		want    uint16
		wantErr bool
	}{
		{
			name: "reports voltage",
			bats: []*battery.Battery{{Voltage: 7.5}},
			want: 512,
		},
		{
			name: "falls back to design voltage",
			bats: []*battery.Battery{{DesignVoltage: 7.5}},
			want: 512,
		},
		{
			name:    "no battery",
			wantErr: true,
		},
		{
			name:    "platform error",
			err:     errors.New("unsupported"),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewBatteryVoltageSource(15.0 / 1024)
			s.getAll = func() ([]*battery.Battery, error) { return tt.bats, tt.err }

			got, err := s.ReadRaw()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ReadRaw() expected error, got %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadRaw() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ReadRaw() = %d, want %d", got, tt.want)
			}
		})
	}
}
