package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/fcounter/pkg/calibration"
	"github.com/charlie0129/fcounter/pkg/config"
	"github.com/charlie0129/fcounter/pkg/events"
	"github.com/charlie0129/fcounter/pkg/history"
	"github.com/charlie0129/fcounter/pkg/hw"
	"github.com/charlie0129/fcounter/pkg/instrument"
	"github.com/charlie0129/fcounter/pkg/settings"
	"github.com/charlie0129/fcounter/pkg/types"
)

// History is where published readings and calibration runs are logged.
type History interface {
	RecordReading(ctx context.Context, r history.Reading) error
	Readings(ctx context.Context, limit int) ([]history.Reading, error)
	RecordCalibration(ctx context.Context, c history.Calibration) error
	Calibrations(ctx context.Context, limit int) ([]history.Calibration, error)
}

// Daemon owns one instrument and ticks it in a loop. HTTP handlers reach
// the instrument only between ticks.
type Daemon struct {
	conf config.Config
	sim  *hw.Simulator
	hist History
	hub  *events.EventHub

	// mu guards in. pending counts handlers waiting for mu, so the loop can
	// tell the band detector to yield.
	mu      sync.Mutex
	in      *instrument.Instrument
	pending atomic.Int32

	wake chan struct{}

	statusMu sync.RWMutex
	status   types.Status
	// lastSupplyLatched and lastStandby detect transitions for events.
	lastSupplyLatched bool
	lastStandby       bool

	recorder *ReadingRecorder

	calMu     sync.Mutex
	calStatus calibration.Status
	scheduler *Scheduler
}

// New builds a daemon around an instrument. sim and hist may be nil.
func New(conf config.Config, deps instrument.Deps, sim *hw.Simulator, hist History) (*Daemon, error) {
	in, err := instrument.New(deps, conf.InstrumentOptions())
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to initialize instrument")
	}

	d := &Daemon{
		conf:     conf,
		sim:      sim,
		hist:     hist,
		hub:      events.NewEventHub(),
		in:       in,
		wake:     make(chan struct{}, 1),
		recorder: NewReadingRecorder(120),
		calStatus: calibration.Status{
			Phase: calibration.PhaseIdle,
		},
	}
	d.scheduler = NewScheduler(d.scheduledCalibration, d.calibrationPreCheck, d.onUpcomingCalibration, d.onCalibrationError)

	d.mu.Lock()
	d.refreshStatusLocked(nil, nil)
	d.mu.Unlock()

	return d, nil
}

func (d *Daemon) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/config", d.getConfig)
	router.GET("/status", d.getStatus)
	router.GET("/frequency", d.getFrequency)
	router.POST("/frequency/read", d.readFrequency)
	router.GET("/bands", d.getBands)
	router.PUT("/measurement", d.setMeasurement)
	router.GET("/settings", d.getSettings)
	router.PUT("/settings", d.setSettings)
	router.POST("/settings/reset", d.resetSettings)
	router.POST("/reference", d.storeReference)
	router.POST("/standby", d.enterStandby)
	router.POST("/wake", d.exitStandby)
	router.GET("/simulator", d.getSimulator)
	router.PUT("/simulator", d.setSimulator)
	router.GET("/history", d.getHistory)
	router.GET("/calibration", d.getCalibration)
	router.POST("/calibration/start", d.startCalibration)
	router.POST("/calibration/manual", d.manualCalibration)
	router.PUT("/calibration/schedule", d.setCalibrationSchedule)
	router.POST("/calibration/skip", d.skipCalibration)
	router.GET("/events", d.streamEvents)
	router.GET("/version", getVersion)

	return router
}

// Hub returns the event hub of the daemon.
func (d *Daemon) Hub() *events.EventHub {
	return d.hub
}

// withInstrument runs fn between two ticks.
func (d *Daemon) withInstrument(fn func(in *instrument.Instrument) error) error {
	d.pending.Add(1)
	d.mu.Lock()
	d.pending.Add(-1)
	defer d.mu.Unlock()

	d.in.Touch()
	err := fn(d.in)
	d.refreshStatusLocked(nil, nil)
	return err
}

func openHardware(conf config.Config) (instrument.Deps, *hw.Simulator, error) {
	clock := hw.NewSystemClock()
	sim := hw.NewSimulator(clock)
	sim.SetInput(conf.SimulatedInputHz())

	deps := instrument.Deps{
		Variant: conf.Variant(),
		Caps:    sim.Capabilities(),
		Clock:   clock,
		Voltage: sim,
	}

	switch conf.SupplySource() {
	case config.SupplySimulator:
	case config.SupplyBattery:
		deps.Voltage = hw.NewBatteryVoltageSource(conf.InstrumentOptions().Supply.VoltsPerCount())
	default:
		return deps, nil, pkgerrors.Errorf("unknown supply source %q", conf.SupplySource())
	}

	if err := os.MkdirAll(filepath.Dir(conf.EEPROMPath()), 0755); err != nil {
		return deps, nil, pkgerrors.Wrapf(err, "failed to create directory for %s", conf.EEPROMPath())
	}
	deps.Store = hw.NewFileEEPROM(conf.EEPROMPath(), settings.Size)

	return deps, sim, nil
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	deps, sim, err := openHardware(conf)
	if err != nil {
		return err
	}

	var hist *history.SqliteStore
	if p := conf.HistoryPath(); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return pkgerrors.Wrapf(err, "failed to create directory for %s", p)
		}
		hist = history.NewSqliteStore(p)
	}

	var d *Daemon
	if hist != nil {
		d, err = New(conf, deps, sim, hist)
	} else {
		d, err = New(conf, deps, sim, nil)
	}
	if err != nil {
		return err
	}

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			d.applyConfig()
			logrus.WithFields(conf.LogrusFields()).Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler: d.setupRoutes(),
	}

	// Remove a stale socket left by a crashed daemon.
	if err := os.Remove(unixSocketPath); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrapf(err, "failed to remove stale socket %s", unixSocketPath)
	}

	// Create the socket to listen on:
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.listenStandbySignals(ctx)

	if expr := conf.CalibrationSchedule(); expr != "" {
		if _, err := d.schedule(expr); err != nil {
			logrus.WithError(err).Warn("ignoring invalid calibration schedule")
		}
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		logrus.Debugln("tick loop starts")
		d.loop(ctx)
		logrus.Debugln("tick loop exited")
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("shutting down http server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(shutdownCtx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	shutdownCancel()

	d.scheduler.Stop()
	cancel()
	<-loopDone

	d.mu.Lock()
	d.in.EnterStandby()
	d.mu.Unlock()

	if hist != nil {
		logrus.Info("closing history database")
		if err := hist.Close(); err != nil {
			logrus.Errorf("failed to close history database: %v", err)
		}
	}

	logrus.Info("exiting")
	return nil
}

// applyConfig pushes a reloaded tuning policy into the instrument.
func (d *Daemon) applyConfig() {
	_ = d.withInstrument(func(in *instrument.Instrument) error {
		in.SetOptions(d.conf.InstrumentOptions())
		return nil
	})
	if d.sim != nil {
		d.sim.SetInput(d.conf.SimulatedInputHz())
	}
}
