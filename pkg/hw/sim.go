package hw

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/fcounter/pkg/band"
)

const (
	// DefaultTimerClockHz is the clock the simulated period capture counts with.
	DefaultTimerClockHz = 16000000.0
	// DefaultCounterMaxHz is the highest edge rate the counter input follows.
	// Faster signals fold back below it.
	DefaultCounterMaxHz = DefaultTimerClockHz / 2
)

// Simulator is a software stand-in for the counter board. It feeds a
// configurable input frequency through the selected prescaler path and
// answers the gated-count, period-capture, input-selector and supply ADC
// capabilities from a shared Clock.
type Simulator struct {
	mu    sync.Mutex
	clock Clock

	inputHz      float64
	route        band.Band
	timerClockHz float64
	counterMaxHz float64
	supplyRaw    uint16

	gateRunning bool
	gateWindow  time.Duration
	gateStartMs float64

	captureRunning bool
	captureScale   float64
	captureStartMs float64

	// overlaps counts how many times one capability was started while the
	// other was still running.
	overlaps int
}

// NewSimulator returns a simulator with no input signal and a nominal 9 V
// supply.
func NewSimulator(clock Clock) *Simulator {
	return &Simulator{
		clock:        clock,
		route:        band.HF,
		timerClockHz: DefaultTimerClockHz,
		counterMaxHz: DefaultCounterMaxHz,
		supplyRaw:    614, // ~9 V through the default divider
	}
}

// SetInput sets the frequency of the simulated input signal in Hz.
func (s *Simulator) SetInput(hz float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logrus.WithField("inputHz", hz).Trace("simulator input changed")
	s.inputHz = hz
}

// Input returns the simulated input frequency.
func (s *Simulator) Input() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputHz
}

// SetSupplyRaw sets the raw supply ADC reading.
func (s *Simulator) SetSupplyRaw(raw uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supplyRaw = raw
}

// Route returns the currently selected prescaler path.
func (s *Simulator) Route() band.Band {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

// Overlaps returns how many times both capabilities ran at once.
func (s *Simulator) Overlaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlaps
}

// Capabilities returns the measurement capabilities backed by s.
func (s *Simulator) Capabilities() Capabilities {
	return Capabilities{
		Gated:    (*simGate)(s),
		Period:   (*simCapture)(s),
		Selector: s,
	}
}

// Select implements InputSelector.
func (s *Simulator) Select(b band.Band) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logrus.WithField("band", b).Trace("simulator route selected")
	s.route = b
	return nil
}

// ReadRaw implements VoltageSource.
func (s *Simulator) ReadRaw() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supplyRaw, nil
}

func (s *Simulator) nowMs() float64 {
	return float64(s.clock.NowMs())
}

// pathHz is the edge rate seen by the counter on the current route.
func (s *Simulator) pathHz() float64 {
	f := s.inputHz
	switch s.route {
	case band.VHF1:
		f /= band.PrescaleVHF1
	case band.VHF2:
		f /= band.PrescaleVHF2
	case band.LF, band.HF:
	}
	return fold(f, s.counterMaxHz)
}

// fold maps f into [0, limit] the way an undersampled counter input does.
func fold(f, limit float64) float64 {
	if f <= limit || limit <= 0 {
		return f
	}
	r := math.Mod(f, 2*limit)
	if r > limit {
		r = 2*limit - r
	}
	return r
}

type simGate Simulator

func (g *simGate) Configure(window time.Duration) error {
	s := (*Simulator)(g)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captureRunning {
		s.overlaps++
	}
	s.gateRunning = true
	s.gateWindow = window
	s.gateStartMs = s.nowMs()
	return nil
}

func (g *simGate) Stop() {
	s := (*Simulator)(g)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateRunning = false
}

func (g *simGate) PollAvailable() (uint64, bool) {
	s := (*Simulator)(g)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gateRunning || s.gateWindow <= 0 {
		return 0, false
	}

	windowMs := float64(s.gateWindow) / float64(time.Millisecond)
	elapsed := s.nowMs() - s.gateStartMs
	if elapsed < windowMs {
		return 0, false
	}
	// Only the latest completed window is kept, like a hardware latch.
	s.gateStartMs += math.Floor(elapsed/windowMs) * windowMs

	return uint64(s.pathHz() * s.gateWindow.Seconds()), true
}

type simCapture Simulator

func (c *simCapture) Configure(scale float64) error {
	s := (*Simulator)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gateRunning {
		s.overlaps++
	}
	s.captureRunning = true
	s.captureScale = scale
	s.captureStartMs = s.nowMs()
	return nil
}

func (c *simCapture) Stop() {
	s := (*Simulator)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captureRunning = false
}

func (c *simCapture) PollAvailable() (uint64, bool) {
	s := (*Simulator)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.captureRunning || s.inputHz <= 0 || s.captureScale <= 0 {
		return 0, false
	}

	durationMs := s.captureScale / s.inputHz * 1000
	now := s.nowMs()
	if now-s.captureStartMs < durationMs {
		return 0, false
	}
	s.captureStartMs = now

	return uint64(math.Round(s.timerClockHz * s.captureScale / s.inputHz)), true
}

func (c *simCapture) TicksToFrequency(rawTicks uint64) float64 {
	s := (*Simulator)(c)
	if rawTicks == 0 {
		return 0
	}
	return s.timerClockHz / float64(rawTicks)
}
