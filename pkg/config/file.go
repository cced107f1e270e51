package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/instrument"
	"github.com/charlie0129/fcounter/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		Variant:                 ptr.To("vhf"),
		GateBaselineMs:          ptr.To(1000),
		PeriodBaselineMs:        ptr.To(30000),
		TimeoutMarginMs:         ptr.To(30),
		SettleDelayMs:           ptr.To(10),
		DisplayIntervalMs:       ptr.To(800),
		TickIntervalMs:          ptr.To(10),
		CalibrationToleranceLow: ptr.To(0.99998),
		CalibrationToleranceHi:  ptr.To(1.00002),
		CalibrationPollMs:       ptr.To(10),
		// Zero waits until the request is cancelled.
		CalibrationTimeoutMs: ptr.To(0),
		UnderVoltage:         ptr.To(7.5),
		OverVoltage:          ptr.To(13.0),
		VoltageHysteresis:    ptr.To(0.03),
		SupplyCheckPeriodMs:  ptr.To(60000),
		SupplyRetryDelayMs:   ptr.To(100),
		SupplySource:         ptr.To(SupplySimulator),
		SimulatedInputHz:     ptr.To(10e6),
		EEPROMPath:           ptr.To("/var/lib/fcounter/eeprom.bin"),
		HistoryPath:          ptr.To("/var/lib/fcounter/history.db"),
		CalibrationSchedule:  ptr.To(""),
		CalibrationRefHz:     ptr.To(10e6),
		AllowNonRootAccess:   ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

// RawFileConfig is the on-disk form. Unset fields take their defaults.
type RawFileConfig struct {
	Variant *string `json:"variant,omitempty" yaml:"variant,omitempty"`

	GateBaselineMs    *int `json:"gateBaselineMs,omitempty" yaml:"gateBaselineMs,omitempty"`
	PeriodBaselineMs  *int `json:"periodBaselineMs,omitempty" yaml:"periodBaselineMs,omitempty"`
	TimeoutMarginMs   *int `json:"timeoutMarginMs,omitempty" yaml:"timeoutMarginMs,omitempty"`
	SettleDelayMs     *int `json:"settleDelayMs,omitempty" yaml:"settleDelayMs,omitempty"`
	DisplayIntervalMs *int `json:"displayIntervalMs,omitempty" yaml:"displayIntervalMs,omitempty"`
	TickIntervalMs    *int `json:"tickIntervalMs,omitempty" yaml:"tickIntervalMs,omitempty"`

	CalibrationToleranceLow *float64 `json:"calibrationToleranceLow,omitempty" yaml:"calibrationToleranceLow,omitempty"`
	CalibrationToleranceHi  *float64 `json:"calibrationToleranceHigh,omitempty" yaml:"calibrationToleranceHigh,omitempty"`
	CalibrationPollMs       *int     `json:"calibrationPollMs,omitempty" yaml:"calibrationPollMs,omitempty"`
	CalibrationTimeoutMs    *int     `json:"calibrationTimeoutMs,omitempty" yaml:"calibrationTimeoutMs,omitempty"`

	UnderVoltage        *float64 `json:"underVoltage,omitempty" yaml:"underVoltage,omitempty"`
	OverVoltage         *float64 `json:"overVoltage,omitempty" yaml:"overVoltage,omitempty"`
	VoltageHysteresis   *float64 `json:"voltageHysteresis,omitempty" yaml:"voltageHysteresis,omitempty"`
	SupplyCheckPeriodMs *int     `json:"supplyCheckPeriodMs,omitempty" yaml:"supplyCheckPeriodMs,omitempty"`
	SupplyRetryDelayMs  *int     `json:"supplyRetryDelayMs,omitempty" yaml:"supplyRetryDelayMs,omitempty"`
	SupplySource        *string  `json:"supplySource,omitempty" yaml:"supplySource,omitempty"`

	SimulatedInputHz *float64 `json:"simulatedInputHz,omitempty" yaml:"simulatedInputHz,omitempty"`
	EEPROMPath       *string  `json:"eepromPath,omitempty" yaml:"eepromPath,omitempty"`
	HistoryPath      *string  `json:"historyPath,omitempty" yaml:"historyPath,omitempty"`

	CalibrationSchedule *string  `json:"calibrationSchedule,omitempty" yaml:"calibrationSchedule,omitempty"`
	CalibrationRefHz    *float64 `json:"calibrationReferenceHz,omitempty" yaml:"calibrationReferenceHz,omitempty"`

	AllowNonRootAccess *bool `json:"allowNonRootAccess,omitempty" yaml:"allowNonRootAccess,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	o := c.InstrumentOptions()
	rawConfig := &RawFileConfig{
		Variant:                 ptr.To(c.Variant().String()),
		GateBaselineMs:          ptr.To(int(o.Timing.GateBaseline.Milliseconds())),
		PeriodBaselineMs:        ptr.To(int(o.Timing.PeriodBaseline.Milliseconds())),
		TimeoutMarginMs:         ptr.To(int(o.Timing.Margin.Milliseconds())),
		SettleDelayMs:           ptr.To(int(o.SettleDelay.Milliseconds())),
		DisplayIntervalMs:       ptr.To(int(o.DisplayInterval.Milliseconds())),
		TickIntervalMs:          ptr.To(int(c.TickInterval().Milliseconds())),
		CalibrationToleranceLow: ptr.To(o.Calibration.ToleranceLow),
		CalibrationToleranceHi:  ptr.To(o.Calibration.ToleranceHigh),
		CalibrationPollMs:       ptr.To(int(o.Calibration.PollInterval.Milliseconds())),
		CalibrationTimeoutMs:    ptr.To(int(o.Calibration.Timeout.Milliseconds())),
		UnderVoltage:            ptr.To(o.Supply.UnderVolts),
		OverVoltage:             ptr.To(o.Supply.OverVolts),
		VoltageHysteresis:       ptr.To(o.Supply.Hysteresis),
		SupplyCheckPeriodMs:     ptr.To(int(o.Supply.Period.Milliseconds())),
		SupplyRetryDelayMs:      ptr.To(int(o.Supply.RetryDelay.Milliseconds())),
		SupplySource:            ptr.To(c.SupplySource()),
		SimulatedInputHz:        ptr.To(c.SimulatedInputHz()),
		EEPROMPath:              ptr.To(c.EEPROMPath()),
		HistoryPath:             ptr.To(c.HistoryPath()),
		CalibrationSchedule:     ptr.To(c.CalibrationSchedule()),
		CalibrationRefHz:        ptr.To(c.CalibrationReferenceHz()),
		AllowNonRootAccess:      ptr.To(c.AllowNonRootAccess()),
	}

	return rawConfig, nil
}

func ms(p, def *int) time.Duration {
	return time.Duration(ptr.Deref(p, *def)) * time.Millisecond
}

func (f *File) Variant() band.Variant {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	v, err := band.ParseVariant(ptr.Deref(f.c.Variant, *defaultFileConfig.Variant))
	if err != nil {
		logrus.WithError(err).Warn("invalid board variant in config, using vhf")
		return band.VariantVHF
	}

	return v
}

func (f *File) InstrumentOptions() instrument.Options {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	d := defaultFileConfig
	o := instrument.DefaultOptions()

	o.Timing.GateBaseline = ms(f.c.GateBaselineMs, d.GateBaselineMs)
	o.Timing.PeriodBaseline = ms(f.c.PeriodBaselineMs, d.PeriodBaselineMs)
	o.Timing.Margin = ms(f.c.TimeoutMarginMs, d.TimeoutMarginMs)
	o.SettleDelay = ms(f.c.SettleDelayMs, d.SettleDelayMs)
	o.DisplayInterval = ms(f.c.DisplayIntervalMs, d.DisplayIntervalMs)

	o.Calibration.ToleranceLow = ptr.Deref(f.c.CalibrationToleranceLow, *d.CalibrationToleranceLow)
	o.Calibration.ToleranceHigh = ptr.Deref(f.c.CalibrationToleranceHi, *d.CalibrationToleranceHi)
	o.Calibration.PollInterval = ms(f.c.CalibrationPollMs, d.CalibrationPollMs)
	o.Calibration.Timeout = ms(f.c.CalibrationTimeoutMs, d.CalibrationTimeoutMs)

	o.Supply.UnderVolts = ptr.Deref(f.c.UnderVoltage, *d.UnderVoltage)
	o.Supply.OverVolts = ptr.Deref(f.c.OverVoltage, *d.OverVoltage)
	o.Supply.Hysteresis = ptr.Deref(f.c.VoltageHysteresis, *d.VoltageHysteresis)
	o.Supply.Period = ms(f.c.SupplyCheckPeriodMs, d.SupplyCheckPeriodMs)
	o.Supply.RetryDelay = ms(f.c.SupplyRetryDelayMs, d.SupplyRetryDelayMs)

	return o
}

func (f *File) TickInterval() time.Duration {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ms(f.c.TickIntervalMs, defaultFileConfig.TickIntervalMs)
}

func (f *File) SupplySource() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.SupplySource, *defaultFileConfig.SupplySource)
}

func (f *File) SimulatedInputHz() float64 {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.SimulatedInputHz, *defaultFileConfig.SimulatedInputHz)
}

func (f *File) EEPROMPath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.EEPROMPath, *defaultFileConfig.EEPROMPath)
}

func (f *File) HistoryPath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.HistoryPath, *defaultFileConfig.HistoryPath)
}

func (f *File) CalibrationSchedule() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.CalibrationSchedule, *defaultFileConfig.CalibrationSchedule)
}

func (f *File) CalibrationReferenceHz() float64 {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.CalibrationRefHz, *defaultFileConfig.CalibrationRefHz)
}

func (f *File) AllowNonRootAccess() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.AllowNonRootAccess, *defaultFileConfig.AllowNonRootAccess)
}

func (f *File) SetSimulatedInputHz(hz float64) {
	if f.c == nil {
		panic("config is nil")
	}

	if hz < 0 {
		panic("simulated input frequency must not be negative")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.SimulatedInputHz = &hz
}

func (f *File) SetCalibrationSchedule(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.CalibrationSchedule = &s
}

func (f *File) SetCalibrationReferenceHz(hz float64) {
	if f.c == nil {
		panic("config is nil")
	}

	if hz <= 0 {
		panic("calibration reference frequency must be positive")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.CalibrationRefHz = &hz
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.AllowNonRootAccess = &b
}

// isYAML reports whether the config file is YAML rather than JSON.
func (f *File) isYAML() bool {
	switch strings.ToLower(filepath.Ext(f.filepath)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using a decoder will not
	// work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		// If the file is empty, return the empty config.
		// Do not make f.c a nil.
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	if f.isYAML() {
		err = yaml.Unmarshal(b, &conf)
	} else {
		err = json.Unmarshal(b, &conf)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	if f.isYAML() {
		enc := yaml.NewEncoder(fp)
		enc.SetIndent(2)
		err = enc.Encode(f.c)
		if err == nil {
			err = enc.Close()
		}
	} else {
		enc := json.NewEncoder(fp)
		enc.SetIndent("", "  ")
		err = enc.Encode(f.c)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	o := f.InstrumentOptions()
	return logrus.Fields{
		"variant":             f.Variant(),
		"gateBaseline":        o.Timing.GateBaseline,
		"periodBaseline":      o.Timing.PeriodBaseline,
		"displayInterval":     o.DisplayInterval,
		"tickInterval":        f.TickInterval(),
		"supplySource":        f.SupplySource(),
		"underVoltage":        o.Supply.UnderVolts,
		"overVoltage":         o.Supply.OverVolts,
		"calibrationSchedule": f.CalibrationSchedule(),
		"allowNonRootAccess":  f.AllowNonRootAccess(),
	}
}
