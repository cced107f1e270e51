package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/calibration"
	"github.com/charlie0129/fcounter/pkg/config"
	"github.com/charlie0129/fcounter/pkg/settings"
	"github.com/charlie0129/fcounter/pkg/types"
)

func getJSON[T any](c *Client, path, what string) (*T, error) {
	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get %s", what)
	}
	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return &v, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	return getJSON[config.RawFileConfig](c, "/config", "config")
}

func (c *Client) GetStatus() (*types.Status, error) {
	return getJSON[types.Status](c, "/status", "status")
}

// GetFrequency returns the pending frequency without clearing it.
func (c *Client) GetFrequency() (*types.FrequencyResponse, error) {
	return getJSON[types.FrequencyResponse](c, "/frequency", "frequency")
}

// ReadFrequency returns the pending frequency and clears it, so the next
// call returns zero until a new reading arrives.
func (c *Client) ReadFrequency() (*types.FrequencyResponse, error) {
	ret, err := c.Post("/frequency/read", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read frequency")
	}
	var f types.FrequencyResponse
	if err := json.Unmarshal([]byte(ret), &f); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal frequency")
	}
	return &f, nil
}

func (c *Client) GetBands() ([]types.BandInfo, error) {
	ret, err := getJSON[[]types.BandInfo](c, "/bands", "bands")
	if err != nil {
		return nil, err
	}
	return *ret, nil
}

func (c *Client) SetMeasurement(mode band.Mode, b band.Band, r band.Resolution) (string, error) {
	payload, err := json.Marshal(types.MeasurementRequest{Mode: mode, Band: b, Resolution: r})
	if err != nil {
		return "", err
	}
	return c.Put("/measurement", string(payload))
}

func (c *Client) GetSettings() (*settings.Settings, error) {
	return getJSON[settings.Settings](c, "/settings", "settings")
}

func (c *Client) SetSettings(s settings.Settings) (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return c.Put("/settings", string(payload))
}

func (c *Client) ResetSettings() (string, error) {
	return c.Post("/settings/reset", "")
}

// StoreReference saves the last valid reading as the operation reference
// and returns it.
func (c *Client) StoreReference() (float64, error) {
	ret, err := c.Post("/reference", "")
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to store reference")
	}
	ref, err := strconv.ParseFloat(ret, 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to parse reference")
	}
	return ref, nil
}

func (c *Client) Standby() (string, error) {
	return c.Post("/standby", "")
}

func (c *Client) Wake() (string, error) {
	return c.Post("/wake", "")
}

func (c *Client) GetSimulator() (*types.Simulator, error) {
	return getJSON[types.Simulator](c, "/simulator", "simulator")
}

func (c *Client) SetSimulator(s types.Simulator) (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return c.Put("/simulator", string(payload))
}

func (c *Client) GetHistory(limit int) (*types.HistoryResponse, error) {
	return getJSON[types.HistoryResponse](c, "/history?limit="+strconv.Itoa(limit), "history")
}

func (c *Client) GetCalibration() (*calibration.Status, error) {
	return getJSON[calibration.Status](c, "/calibration", "calibration status")
}

// StartCalibration runs a calibration against referenceHz (zero for the
// configured reference) and blocks until it finishes. A rejected run
// returns its result along with calibration.ErrCalibrationImprecise.
func (c *Client) StartCalibration(ctx context.Context, referenceHz float64) (*calibration.Result, error) {
	payload, err := json.Marshal(types.CalibrationRequest{ReferenceHz: referenceHz})
	if err != nil {
		return nil, err
	}

	ret, err := c.SendContext(ctx, http.MethodPost, "/calibration/start", string(payload))
	var se *StatusError
	switch {
	case err == nil:
	case errors.As(err, &se) && se.Code == http.StatusUnprocessableEntity:
		var res calibration.Result
		if uerr := json.Unmarshal([]byte(ret), &res); uerr != nil {
			return nil, pkgerrors.Wrapf(uerr, "failed to unmarshal calibration result")
		}
		return &res, fmt.Errorf("%w: measured %.3f Hz", calibration.ErrCalibrationImprecise, res.MeasuredHz)
	default:
		return nil, pkgerrors.Wrapf(err, "failed to calibrate")
	}

	var res calibration.Result
	if err := json.Unmarshal([]byte(ret), &res); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal calibration result")
	}
	return &res, nil
}

// ManualCalibration applies a correction in ppm and returns the new factor.
func (c *Client) ManualCalibration(ppm float64) (float64, error) {
	ret, err := c.Post("/calibration/manual", strconv.FormatFloat(ppm, 'f', -1, 64))
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to apply manual calibration")
	}
	f, err := strconv.ParseFloat(ret, 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to parse calibration factor")
	}
	return f, nil
}

// ScheduleCalibration sets a cron schedule, or disables it when expr is
// empty. It returns the next runs.
func (c *Client) ScheduleCalibration(expr string) ([]time.Time, error) {
	payload, err := json.Marshal(expr)
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/calibration/schedule", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to schedule calibration")
	}
	var runs []time.Time
	if err := json.Unmarshal([]byte(ret), &runs); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal next runs")
	}
	return runs, nil
}

// SkipCalibration skips the next scheduled run and returns the one after.
func (c *Client) SkipCalibration() (time.Time, error) {
	ret, err := c.Post("/calibration/skip", "")
	if err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "failed to skip calibration")
	}
	var next time.Time
	if err := json.Unmarshal([]byte(ret), &next); err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "failed to unmarshal next run")
	}
	return next, nil
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	return unquote(ret), nil
}
