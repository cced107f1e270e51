package daemon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/calibration"
	"github.com/charlie0129/fcounter/pkg/config"
	"github.com/charlie0129/fcounter/pkg/instrument"
	"github.com/charlie0129/fcounter/pkg/settings"
	"github.com/charlie0129/fcounter/pkg/types"
	"github.com/charlie0129/fcounter/pkg/version"
)

func (d *Daemon) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(d.conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func (d *Daemon) getStatus(c *gin.Context) {
	d.statusMu.RLock()
	st := d.status
	d.statusMu.RUnlock()
	c.IndentedJSON(http.StatusOK, st)
}

func (d *Daemon) getFrequency(c *gin.Context) {
	d.statusMu.RLock()
	st := d.status
	d.statusMu.RUnlock()
	c.IndentedJSON(http.StatusOK, frequencyResponse(st.FrequencyHz, st))
}

// readFrequency returns the pending frequency and clears it.
func (d *Daemon) readFrequency(c *gin.Context) {
	var hz float64
	_ = d.withInstrument(func(in *instrument.Instrument) error {
		hz = in.ReadFrequency()
		return nil
	})

	d.statusMu.RLock()
	st := d.status
	d.statusMu.RUnlock()
	c.IndentedJSON(http.StatusOK, frequencyResponse(hz, st))
}

func frequencyResponse(hz float64, st types.Status) types.FrequencyResponse {
	r := types.FrequencyResponse{
		FrequencyHz: hz,
		Band:        st.LastBand,
		Mode:        st.Config.Mode.String(),
	}
	if st.Published != nil {
		r.ResultHz = st.Published.ResultHz
	}
	return r
}

func (d *Daemon) getBands(c *gin.Context) {
	var model *band.Model
	_ = d.withInstrument(func(in *instrument.Instrument) error {
		model = in.Model()
		return nil
	})

	var ret []types.BandInfo
	for _, b := range model.Bands() {
		def := model.Definition(b)
		info := types.BandInfo{
			Band:       b.String(),
			Min:        def.Bounds.Min,
			Prescale:   def.Prescale,
			Capability: def.Capability.String(),
		}
		if !math.IsInf(def.Bounds.Max, 1) {
			m := def.Bounds.Max
			info.Max = &m
		}
		ret = append(ret, info)
	}
	c.IndentedJSON(http.StatusOK, ret)
}

func (d *Daemon) setMeasurement(c *gin.Context) {
	var req types.MeasurementRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	err := d.withInstrument(func(in *instrument.Instrument) error {
		return in.Configure(req.Mode, req.Band, req.Resolution)
	})
	if err != nil {
		badRequest(c, err)
		return
	}

	msg := fmt.Sprintf("measuring %s on band %s at %s resolution", req.Mode, req.Band, req.Resolution)
	logrus.Info(msg)
	c.IndentedJSON(http.StatusCreated, msg)
}

func (d *Daemon) getSettings(c *gin.Context) {
	d.statusMu.RLock()
	st := d.status.Settings
	d.statusMu.RUnlock()
	c.IndentedJSON(http.StatusOK, st)
}

func (d *Daemon) setSettings(c *gin.Context) {
	var next settings.Settings
	if err := c.BindJSON(&next); err != nil {
		badRequest(c, err)
		return
	}

	err := d.withInstrument(func(in *instrument.Instrument) error {
		return in.UpdateSettings(next)
	})
	if err != nil {
		badRequest(c, err)
		return
	}

	logrus.WithField("settings", next).Info("settings updated")
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (d *Daemon) resetSettings(c *gin.Context) {
	err := d.withInstrument(func(in *instrument.Instrument) error {
		return in.ResetSettings()
	})
	if err != nil {
		internalError(c, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "settings reset to factory defaults")
}

func (d *Daemon) storeReference(c *gin.Context) {
	var ref float64
	err := d.withInstrument(func(in *instrument.Instrument) error {
		var err error
		ref, err = in.StoreReference()
		return err
	})
	if err != nil {
		internalError(c, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, ref)
}

func (d *Daemon) enterStandby(c *gin.Context) {
	d.park()
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (d *Daemon) exitStandby(c *gin.Context) {
	d.requestWake()
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (d *Daemon) getSimulator(c *gin.Context) {
	if d.sim == nil {
		notFound(c, ErrNoSimulator)
		return
	}
	raw, _ := d.sim.ReadRaw()
	c.IndentedJSON(http.StatusOK, types.Simulator{
		InputHz:   d.sim.Input(),
		SupplyRaw: raw,
		Overlaps:  d.sim.Overlaps(),
	})
}

func (d *Daemon) setSimulator(c *gin.Context) {
	if d.sim == nil {
		notFound(c, ErrNoSimulator)
		return
	}

	var req types.Simulator
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.InputHz < 0 {
		badRequest(c, fmt.Errorf("input frequency must not be negative, got %f", req.InputHz))
		return
	}

	d.sim.SetInput(req.InputHz)
	if req.SupplyRaw != 0 {
		d.sim.SetSupplyRaw(req.SupplyRaw)
	}
	d.conf.SetSimulatedInputHz(req.InputHz)
	if err := d.conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		internalError(c, err)
		return
	}

	logrus.WithField("inputHz", req.InputHz).Info("simulated input changed")
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (d *Daemon) getHistory(c *gin.Context) {
	if d.hist == nil {
		notFound(c, errors.New("history is disabled"))
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		badRequest(c, fmt.Errorf("invalid limit %q", c.Query("limit")))
		return
	}

	readings, err := d.hist.Readings(c.Request.Context(), limit)
	if err != nil {
		internalError(c, err)
		return
	}
	cals, err := d.hist.Calibrations(c.Request.Context(), limit)
	if err != nil {
		internalError(c, err)
		return
	}

	c.IndentedJSON(http.StatusOK, types.HistoryResponse{Readings: readings, Calibrations: cals})
}

func (d *Daemon) getCalibration(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.getCalibrationStatus())
}

func (d *Daemon) startCalibration(c *gin.Context) {
	var req types.CalibrationRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.ReferenceHz == 0 {
		req.ReferenceHz = d.conf.CalibrationReferenceHz()
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	res, err := d.runCalibration(ctx, req.ReferenceHz)
	switch {
	case err == nil:
		c.IndentedJSON(http.StatusCreated, res)
	case errors.Is(err, calibration.ErrCalibrationImprecise):
		// The result tells by how much the reference was missed.
		c.IndentedJSON(http.StatusUnprocessableEntity, res)
	case errors.Is(err, ErrCalibrationInProgress), errors.Is(err, ErrInstrumentStandby):
		conflict(c, err)
	case errors.Is(err, calibration.ErrInvalidReference):
		badRequest(c, err)
	default:
		internalError(c, err)
	}
}

func (d *Daemon) manualCalibration(c *gin.Context) {
	var ppm float64
	if err := c.BindJSON(&ppm); err != nil {
		badRequest(c, err)
		return
	}

	f, err := d.manualCalibrate(ppm)
	if err != nil {
		if errors.Is(err, calibration.ErrInvalidManualValue) {
			badRequest(c, err)
			return
		}
		internalError(c, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, f)
}

func (d *Daemon) setCalibrationSchedule(c *gin.Context) {
	var expr string
	if err := c.BindJSON(&expr); err != nil {
		badRequest(c, err)
		return
	}

	runs, err := d.schedule(expr)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, runs)
}

func (d *Daemon) skipCalibration(c *gin.Context) {
	if err := d.scheduler.Skip(); err != nil {
		conflict(c, err)
		return
	}
	_, next, _ := d.scheduler.Status()
	c.IndentedJSON(http.StatusCreated, next)
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
