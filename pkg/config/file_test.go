package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/instrument"
)

func TestMissingFileUsesDefaults(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	require.Equal(t, band.VariantVHF, f.Variant())
	require.Equal(t, instrument.DefaultOptions(), f.InstrumentOptions())
	require.Equal(t, 10*time.Millisecond, f.TickInterval())
	require.Equal(t, SupplySimulator, f.SupplySource())
	require.Equal(t, "", f.CalibrationSchedule())
	require.False(t, f.AllowNonRootAccess())
}

func TestEmptyFileUsesDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte("  \n"), 0644))

	f, err := NewFile(p)
	require.NoError(t, err)
	require.Equal(t, 10e6, f.CalibrationReferenceHz())
}

func TestPartialJSON(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"variant":"hf","displayIntervalMs":500,"underVoltage":6.5}`), 0644))

	f, err := NewFile(p)
	require.NoError(t, err)

	o := f.InstrumentOptions()
	require.Equal(t, band.VariantHF, f.Variant())
	require.Equal(t, 500*time.Millisecond, o.DisplayInterval)
	require.Equal(t, 6.5, o.Supply.UnderVolts)
	require.Equal(t, 13.0, o.Supply.OverVolts)
}

func TestInvalidVariantFallsBack(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{Variant: new(string)}, "")
	*f.c.Variant = "uhf"
	require.Equal(t, band.VariantVHF, f.Variant())
}

func TestSaveAndLoad(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), name)
			f, err := NewFile(p)
			require.NoError(t, err)

			f.SetCalibrationSchedule("0 3 * * *")
			f.SetCalibrationReferenceHz(4e6)
			f.SetSimulatedInputHz(455e3)
			f.SetAllowNonRootAccess(true)
			require.NoError(t, f.Save())

			g, err := NewFile(p)
			require.NoError(t, err)
			require.Equal(t, "0 3 * * *", g.CalibrationSchedule())
			require.Equal(t, 4e6, g.CalibrationReferenceHz())
			require.Equal(t, 455e3, g.SimulatedInputHz())
			require.True(t, g.AllowNonRootAccess())
		})
	}
}

func TestRawFromConfigRoundTrips(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "config.yml"))
	require.NoError(t, err)

	raw, err := NewRawFileConfigFromConfig(f)
	require.NoError(t, err)

	g := NewFileFromConfig(raw, "")
	require.Equal(t, f.InstrumentOptions(), g.InstrumentOptions())
	require.Equal(t, f.EEPROMPath(), g.EEPROMPath())
	require.Equal(t, f.HistoryPath(), g.HistoryPath())

	_, err = NewRawFileConfigFromConfig(nil)
	require.Error(t, err)
}

func TestMalformedFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"variant":`), 0644))

	_, err := NewFile(p)
	require.Error(t, err)
}
