package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/calibration"
	"github.com/charlie0129/fcounter/pkg/config"
	"github.com/charlie0129/fcounter/pkg/events"
	"github.com/charlie0129/fcounter/pkg/history"
	"github.com/charlie0129/fcounter/pkg/hw"
	"github.com/charlie0129/fcounter/pkg/instrument"
	"github.com/charlie0129/fcounter/pkg/settings"
	"github.com/charlie0129/fcounter/pkg/types"
)

type testDaemon struct {
	*Daemon
	sim    *hw.Simulator
	clock  *hw.FakeClock
	hist   *history.SqliteStore
	router *gin.Engine
}

func newTestDaemon(t *testing.T, inputHz float64) *testDaemon {
	t.Helper()

	clock := hw.NewFakeClock(0)
	sim := hw.NewSimulator(clock)
	sim.SetInput(inputHz)

	dir := t.TempDir()
	conf := config.NewFileFromConfig(&config.RawFileConfig{}, filepath.Join(dir, "config.json"))
	hist := history.NewSqliteStore(filepath.Join(dir, "history.db"))
	t.Cleanup(func() { _ = hist.Close() })

	d, err := New(conf, instrument.Deps{
		Variant: conf.Variant(),
		Caps:    sim.Capabilities(),
		Clock:   clock,
		Voltage: sim,
		Store:   hw.NewMemoryEEPROM(settings.Size),
	}, sim, hist)
	require.NoError(t, err)
	t.Cleanup(d.scheduler.Stop)

	return &testDaemon{Daemon: d, sim: sim, clock: clock, hist: hist, router: d.setupRoutes()}
}

func (td *testDaemon) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	td.router.ServeHTTP(w, req)
	return w
}

func (td *testDaemon) statusSnapshot() types.Status {
	td.statusMu.RLock()
	defer td.statusMu.RUnlock()
	return td.status
}

// tickUntilPublished ticks every 10ms of fake time until a reading is
// published.
func (td *testDaemon) tickUntilPublished(t *testing.T, limit time.Duration) {
	t.Helper()
	deadline := td.clock.NowMs() + uint64(limit.Milliseconds())
	for td.clock.NowMs() <= deadline {
		_ = td.tick(context.Background())
		if td.statusSnapshot().Published != nil {
			return
		}
		td.clock.Advance(10 * time.Millisecond)
	}
	t.Fatalf("no reading published within %s", limit)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestStatusAndFrequency(t *testing.T) {
	td := newTestDaemon(t, 15e6)
	sub := td.Hub().Subscribe()
	defer td.Hub().Unsubscribe(sub)

	td.tickUntilPublished(t, 10*time.Second)

	w := td.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[types.Status](t, w)
	require.NotNil(t, st.Published)
	require.Equal(t, band.VHF1, st.Published.Band)
	require.InEpsilon(t, 15e6, st.Published.FrequencyHz, 2e-5)
	require.Equal(t, "vhf", st.Variant)
	require.False(t, st.Supply.ErrorLatched)

	w = td.do(t, http.MethodPost, "/frequency/read", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.InEpsilon(t, 15e6, decode[types.FrequencyResponse](t, w).FrequencyHz, 2e-5)

	w = td.do(t, http.MethodGet, "/frequency", "")
	require.Equal(t, 0.0, decode[types.FrequencyResponse](t, w).FrequencyHz)

	readings, err := td.hist.Readings(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	require.Equal(t, "VHF1", readings[0].Band)

	found := false
	for len(sub) > 0 {
		ev := <-sub
		if ev.Name == events.Reading {
			p, err := events.DecodeAs[events.ReadingEvent](ev)
			require.NoError(t, err)
			require.Equal(t, "VHF1", p.Band)
			found = true
		}
	}
	require.True(t, found, "reading event not published")
}

func TestSetMeasurement(t *testing.T) {
	td := newTestDaemon(t, 1e6)

	w := td.do(t, http.MethodPut, "/measurement", `{"mode":"fixed","band":"UHF","resolution":"high"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = td.do(t, http.MethodPut, "/measurement", `{"mode":"fixed","band":"HF","resolution":"high"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	st := td.statusSnapshot()
	require.Equal(t, band.Fixed, st.Config.Mode)
	require.Equal(t, band.HF, st.Config.Band)
	require.Equal(t, band.High, st.Config.Resolution)
	require.Equal(t, band.High, st.Settings.Resolution)

	td.tickUntilPublished(t, 10*time.Second)
	require.InDelta(t, 1e6, td.statusSnapshot().Published.FrequencyHz, 1)
}

func TestSettingsEndpoints(t *testing.T) {
	td := newTestDaemon(t, 0)

	w := td.do(t, http.MethodGet, "/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	s := decode[settings.Settings](t, w)
	require.Equal(t, settings.Defaults(), s)

	s.Operation = settings.OperationVFOMinusIF
	s.ReferenceHz = 455e3
	s.Sleep = settings.SleepDisabled
	b, err := json.Marshal(s)
	require.NoError(t, err)

	w = td.do(t, http.MethodPut, "/settings", string(b))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, s, td.statusSnapshot().Settings)

	w = td.do(t, http.MethodPut, "/settings", `{"operation":"multiply"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = td.do(t, http.MethodPost, "/settings/reset", "")
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, settings.Defaults(), td.statusSnapshot().Settings)
}

func TestBandsEndpoint(t *testing.T) {
	td := newTestDaemon(t, 0)

	w := td.do(t, http.MethodGet, "/bands", "")
	require.Equal(t, http.StatusOK, w.Code)
	bands := decode[[]types.BandInfo](t, w)
	require.Len(t, bands, 4)
	require.Equal(t, "VHF2", bands[3].Band)
	require.Nil(t, bands[3].Max)
	require.NotNil(t, bands[0].Max)
	require.Equal(t, band.LFMax, *bands[0].Max)
}

func TestCalibrationEndpoints(t *testing.T) {
	td := newTestDaemon(t, 10e6)

	w := td.do(t, http.MethodPost, "/calibration/start", `{"referenceHz":10000000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[calibration.Result](t, w)
	require.True(t, res.Accepted)
	require.InDelta(t, 1, res.Factor, 2e-5)

	st := decode[calibration.Status](t, td.do(t, http.MethodGet, "/calibration", ""))
	require.Equal(t, calibration.PhaseAccepted, st.Phase)
	require.NotNil(t, st.LastResult)

	td.sim.SetInput(10.5e6)
	w = td.do(t, http.MethodPost, "/calibration/start", `{"referenceHz":10000000}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	require.False(t, decode[calibration.Result](t, w).Accepted)

	st = decode[calibration.Status](t, td.do(t, http.MethodGet, "/calibration", ""))
	require.Equal(t, calibration.PhaseRejected, st.Phase)
	require.NotEmpty(t, st.LastError)

	cals, err := td.hist.Calibrations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, cals, 2)
	require.False(t, cals[0].Accepted)
	require.True(t, cals[1].Accepted)
}

func TestManualCalibration(t *testing.T) {
	td := newTestDaemon(t, 0)

	w := td.do(t, http.MethodPost, "/calibration/manual", "2.5")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.InDelta(t, 1.0000025, decode[float64](t, w), 1e-12)
	require.InDelta(t, 2.5, td.getCalibrationStatus().FactorPPM, 0.5)

	w = td.do(t, http.MethodPost, "/calibration/manual", "11")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCalibrationSchedule(t *testing.T) {
	td := newTestDaemon(t, 0)

	w := td.do(t, http.MethodPut, "/calibration/schedule", `"0 3 * * *"`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, decode[[]time.Time](t, w), 3)
	require.Equal(t, "0 3 * * *", td.conf.CalibrationSchedule())
	require.Equal(t, "0 3 * * *", td.getCalibrationStatus().Schedule)

	w = td.do(t, http.MethodPost, "/calibration/skip", "")
	require.Equal(t, http.StatusCreated, w.Code)

	w = td.do(t, http.MethodPut, "/calibration/schedule", `"tomorrow"`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = td.do(t, http.MethodPut, "/calibration/schedule", `""`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Empty(t, td.conf.CalibrationSchedule())
	require.True(t, td.getCalibrationStatus().NextRun.IsZero())
}

func TestCalibrationPreCheck(t *testing.T) {
	td := newTestDaemon(t, 0)
	require.NoError(t, td.calibrationPreCheck())

	td.do(t, http.MethodPost, "/standby", "")
	require.ErrorIs(t, td.calibrationPreCheck(), ErrInstrumentStandby)

	w := td.do(t, http.MethodPost, "/calibration/start", `{}`)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestStandbyAndWake(t *testing.T) {
	td := newTestDaemon(t, 1e6)
	sub := td.Hub().Subscribe()
	defer td.Hub().Unsubscribe(sub)

	w := td.do(t, http.MethodPost, "/standby", "")
	require.Equal(t, http.StatusCreated, w.Code)
	require.True(t, td.statusSnapshot().Standby)
	require.ErrorIs(t, td.tick(context.Background()), instrument.ErrStandby)

	w = td.do(t, http.MethodPost, "/wake", "")
	require.Equal(t, http.StatusCreated, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, td.waitStandby(ctx))
	require.False(t, td.statusSnapshot().Standby)

	var names []string
	for len(sub) > 0 {
		names = append(names, (<-sub).Name)
	}
	require.Equal(t, []string{events.Standby, events.Standby}, names)

	td.tickUntilPublished(t, 5*time.Second)
}

func TestWakeWhileAwakeIsDropped(t *testing.T) {
	td := newTestDaemon(t, 1e6)

	td.requestWake()
	w := td.do(t, http.MethodPost, "/wake", "")
	require.Equal(t, http.StatusCreated, w.Code)

	td.do(t, http.MethodPost, "/standby", "")
	require.ErrorIs(t, td.tick(context.Background()), instrument.ErrStandby)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, td.waitStandby(ctx), context.DeadlineExceeded)
	require.True(t, td.statusSnapshot().Standby)

	td.requestWake()
	require.NoError(t, td.waitStandby(context.Background()))
	require.False(t, td.statusSnapshot().Standby)
}

func TestStandbyDiscardsQueuedWake(t *testing.T) {
	td := newTestDaemon(t, 1e6)

	td.park()
	td.requestWake()
	// Parked again before the loop picked up the request.
	td.park()
	require.Len(t, td.wake, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, td.waitStandby(ctx), context.DeadlineExceeded)
}

func TestSimulatorEndpoint(t *testing.T) {
	td := newTestDaemon(t, 0)

	w := td.do(t, http.MethodPut, "/simulator", `{"inputHz":1000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, 1000.0, td.sim.Input())
	require.Equal(t, 1000.0, td.conf.SimulatedInputHz())

	w = td.do(t, http.MethodPut, "/simulator", `{"inputHz":-1}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	sim := decode[types.Simulator](t, td.do(t, http.MethodGet, "/simulator", ""))
	require.Equal(t, 1000.0, sim.InputHz)
	require.Equal(t, uint16(614), sim.SupplyRaw)
}

func TestHistoryEndpoint(t *testing.T) {
	td := newTestDaemon(t, 2e6)
	td.tickUntilPublished(t, 10*time.Second)

	w := td.do(t, http.MethodGet, "/history?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[types.HistoryResponse](t, w)
	require.Len(t, h.Readings, 1)
	require.Empty(t, h.Calibrations)

	w = td.do(t, http.MethodGet, "/history?limit=abc", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}
