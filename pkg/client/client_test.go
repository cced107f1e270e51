package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/calibration"
	"github.com/charlie0129/fcounter/pkg/events"
)

// serve starts an HTTP server on a fresh unix socket.
func serve(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()

	// Socket paths are length limited, so stay out of t.TempDir().
	dir, err := os.MkdirTemp("", "fc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	socket := filepath.Join(dir, "d.sock")
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)

	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	return NewClient(socket)
}

func TestDaemonNotRunning(t *testing.T) {
	c := NewClient(filepath.Join(os.TempDir(), "fcounter-missing.sock"))
	_, err := c.Get("/status")
	require.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestStatusErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/simulator", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `"daemon is not running a simulator"`)
	})
	mux.HandleFunc("/calibration/skip", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `"no calibration scheduled"`)
	})
	c := serve(t, mux)

	_, err := c.GetSimulator()
	require.ErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "daemon is not running a simulator")

	_, err = c.SkipCalibration()
	require.ErrorIs(t, err, ErrConflict)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestTypedAPIs(t *testing.T) {
	var measurement string
	mux := http.NewServeMux()
	mux.HandleFunc("/frequency/read", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_, _ = io.WriteString(w, `{"frequencyHz": 14250000, "resultHz": 14250000, "band": "VHF1", "mode": "auto"}`)
	})
	mux.HandleFunc("/measurement", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		b, _ := io.ReadAll(r.Body)
		measurement = string(b)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `"ok"`)
	})
	mux.HandleFunc("/calibration/manual", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `1.0000025`)
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `"v1.2.3"`)
	})
	c := serve(t, mux)

	f, err := c.ReadFrequency()
	require.NoError(t, err)
	require.Equal(t, 14250000.0, f.FrequencyHz)
	require.Equal(t, "VHF1", f.Band)

	_, err = c.SetMeasurement(band.Fixed, band.HF, band.UltraHigh)
	require.NoError(t, err)
	require.JSONEq(t, `{"mode":"fixed","band":"HF","resolution":"ultra-high"}`, measurement)

	factor, err := c.ManualCalibration(2.5)
	require.NoError(t, err)
	require.Equal(t, 1.0000025, factor)

	v, err := c.GetVersion()
	require.NoError(t, err)
	require.Equal(t, "v1.2.3", v)
}

func TestStartCalibrationRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/calibration/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"accepted": false, "factor": 1, "ratio": 0.95, "referenceHz": 10000000, "measuredHz": 10500000, "band": "VHF1"}`)
	})
	c := serve(t, mux)

	res, err := c.StartCalibration(context.Background(), 10e6)
	require.ErrorIs(t, err, calibration.ErrCalibrationImprecise)
	require.NotNil(t, res)
	require.False(t, res.Accepted)
	require.Equal(t, band.VHF1, res.Band)
}

func TestEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event:ping\ndata:\n\n")
		_, _ = io.WriteString(w, "event:reading\ndata:{\"frequencyHz\":1000,\"band\":\"LF\"}\n\n")
		_, _ = io.WriteString(w, "event:standby\ndata:{\"standby\":true}\n\n")
	})
	c := serve(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []events.Event
	err := c.Events(ctx, func(ev events.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, events.Reading, got[0].Name)

	r, err := events.DecodeAs[events.ReadingEvent](got[0])
	require.NoError(t, err)
	require.Equal(t, 1000.0, r.FrequencyHz)
	require.Equal(t, "LF", r.Band)

	stop := errors.New("stop")
	err = c.Events(ctx, func(events.Event) error { return stop })
	require.ErrorIs(t, err, stop)
}

func ExampleClient_GetVersion() {
	c := NewClient("/var/run/fcounter.sock")
	v, err := c.GetVersion()
	if err != nil {
		return
	}
	fmt.Println(v)
}
