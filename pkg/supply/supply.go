// Package supply supervises the instrument supply voltage. Measurement is
// only trustworthy while the supply is inside its operating range, so an
// out-of-range reading latches a fault that holds until the voltage is
// strictly back inside the range.
package supply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/fcounter/pkg/hw"
)

// ErrSupplyOutOfRange is returned while the fault latch is set.
var ErrSupplyOutOfRange = errors.New("supply voltage out of range")

// Fault tells which threshold latched.
type Fault int

const (
	FaultNone Fault = iota
	FaultUnder
	FaultOver
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultUnder:
		return "under-voltage"
	case FaultOver:
		return "over-voltage"
	default:
		return fmt.Sprintf("Fault(%d)", int(f))
	}
}

// MarshalText lets faults show up by name in JSON.
func (f Fault) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fault) UnmarshalText(text []byte) error {
	for _, c := range []Fault{FaultNone, FaultUnder, FaultOver} {
		if c.String() == string(text) {
			*f = c
			return nil
		}
	}
	return fmt.Errorf("unknown supply fault %q", text)
}

// Config holds the supervisor policy.
type Config struct {
	// UnderVolts and OverVolts bound the operating range. A latched fault
	// clears only strictly inside (UnderVolts, OverVolts).
	UnderVolts float64
	OverVolts  float64
	// Hysteresis widens the range on entry, as a fraction.
	Hysteresis float64

	// ReferenceVolts is the ADC reference. The supply reaches the ADC
	// through a DividerTop/DividerBottom resistor divider.
	ReferenceVolts float64
	DividerTop     float64
	DividerBottom  float64

	// Period is how often CheckDue fires.
	Period time.Duration
	// RetryDelay is the pause between re-samples while latched.
	RetryDelay time.Duration
}

// DefaultConfig returns the policy of the reference board.
func DefaultConfig() Config {
	return Config{
		UnderVolts:     7.5,
		OverVolts:      13,
		Hysteresis:     0.03,
		ReferenceVolts: 5,
		DividerTop:     20,
		DividerBottom:  10,
		Period:         60 * time.Second,
		RetryDelay:     100 * time.Millisecond,
	}
}

// VoltsPerCount is the conversion coefficient of one ADC count.
func (c Config) VoltsPerCount() float64 {
	return c.ReferenceVolts * (c.DividerTop + c.DividerBottom) / (c.DividerBottom * 1024)
}

// Volts converts a raw ADC reading.
func (c Config) Volts(raw uint16) float64 {
	return float64(raw) * c.VoltsPerCount()
}

// Validate checks the policy for values the supervisor cannot work with.
func (c Config) Validate() error {
	if c.UnderVolts <= 0 || c.OverVolts <= c.UnderVolts {
		return fmt.Errorf("invalid supply range (%.2f V, %.2f V)", c.UnderVolts, c.OverVolts)
	}
	if c.Hysteresis < 0 || c.Hysteresis >= 1 {
		return fmt.Errorf("invalid supply hysteresis %f", c.Hysteresis)
	}
	if c.ReferenceVolts <= 0 || c.DividerBottom <= 0 || c.DividerTop < 0 {
		return fmt.Errorf("invalid supply divider %.1f/%.1f at %.2f V", c.DividerTop, c.DividerBottom, c.ReferenceVolts)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("invalid supply retry delay %s", c.RetryDelay)
	}
	return nil
}

// State is the supervisor's view of the supply.
type State struct {
	LastVoltage  float64 `json:"lastVoltage"`
	ErrorLatched bool    `json:"errorLatched"`
	Fault        Fault   `json:"fault"`
	LastCheckMs  uint64  `json:"lastCheckMs"`
}

// Supervisor owns the fault latch.
type Supervisor struct {
	mu     sync.Mutex
	conf   Config
	source hw.VoltageSource
	clock  hw.Clock

	state     State
	checked   bool
	requested bool
}

// NewSupervisor returns a supervisor reading source. The first CheckDue
// after construction is always true.
func NewSupervisor(conf Config, source hw.VoltageSource, clock hw.Clock) *Supervisor {
	return &Supervisor{
		conf:   conf,
		source: source,
		clock:  clock,
	}
}

// SetConfig replaces the policy. The latch is kept.
func (s *Supervisor) SetConfig(conf Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conf = conf
}

// State returns a copy of the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestCheck makes the next CheckDue return true.
func (s *Supervisor) RequestCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested = true
}

// CheckDue reports whether a check should run at nowMs: once per Period,
// on request, or while the latch is set.
func (s *Supervisor) CheckDue(nowMs uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.checked || s.requested || s.state.ErrorLatched {
		return true
	}
	return nowMs-s.state.LastCheckMs >= uint64(s.conf.Period.Milliseconds())
}

// Sample reads the supply once and updates the latch. It returns
// ErrSupplyOutOfRange if the latch is set afterwards.
func (s *Supervisor) Sample() (State, error) {
	raw, err := s.source.ReadRaw()
	if err != nil {
		return s.State(), pkgerrors.Wrapf(err, "failed to read supply voltage")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conf
	v := c.Volts(raw)
	prev := s.state

	s.state.LastVoltage = v
	s.state.LastCheckMs = s.clock.NowMs()
	s.checked = true
	s.requested = false

	switch {
	case v < c.UnderVolts*(1-c.Hysteresis):
		s.state.ErrorLatched = true
		s.state.Fault = FaultUnder
	case v > c.OverVolts*(1+c.Hysteresis):
		s.state.ErrorLatched = true
		s.state.Fault = FaultOver
	case s.state.ErrorLatched && v > c.UnderVolts && v < c.OverVolts:
		s.state.ErrorLatched = false
		s.state.Fault = FaultNone
	}

	logrus.WithFields(logrus.Fields{
		"raw":     raw,
		"voltage": v,
		"latched": s.state.ErrorLatched,
	}).Trace("sampled supply")

	if s.state.ErrorLatched != prev.ErrorLatched {
		if s.state.ErrorLatched {
			logrus.WithFields(logrus.Fields{
				"voltage": v,
				"fault":   s.state.Fault,
			}).Warn("supply voltage out of range, measurement halted")
		} else {
			logrus.WithField("voltage", v).Info("supply voltage recovered")
		}
	}

	if s.state.ErrorLatched {
		return s.state, ErrSupplyOutOfRange
	}
	return s.state, nil
}

// WaitHealthy re-samples every RetryDelay until the latch clears or ctx is
// done. It returns immediately when the latch is not set.
func (s *Supervisor) WaitHealthy(ctx context.Context) (State, error) {
	st := s.State()
	for st.ErrorLatched {
		if err := ctx.Err(); err != nil {
			return st, fmt.Errorf("%w: %w", ErrSupplyOutOfRange, err)
		}

		s.mu.Lock()
		delay := s.conf.RetryDelay
		s.mu.Unlock()
		s.clock.Sleep(delay)

		var err error
		st, err = s.Sample()
		if err != nil && !errors.Is(err, ErrSupplyOutOfRange) {
			return st, err
		}
	}
	return st, nil
}

// Check samples the supply and, if the latch is set, blocks until it
// clears or ctx is done.
func (s *Supervisor) Check(ctx context.Context) (State, error) {
	st, err := s.Sample()
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrSupplyOutOfRange) {
		return st, err
	}
	return s.WaitHealthy(ctx)
}
