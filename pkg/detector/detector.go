// Package detector finds the band of an unknown input signal.
//
// The detector probes the gated-count bands from the coarsest prescaler
// down (VHF2, VHF1, HF), takes the largest reading, since a folded reading
// is never above the true one, and then reports the reading of the band
// whose bounds contain that value. Signals below the LF/HF boundary are
// handed over to period capture on LF.
//
// Step advances the search by at most one poll, so the caller stays in
// control between polls and can abort the search at any point.
package detector

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/engine"
)

// State is the phase of the search.
type State int

const (
	ProbeVHF2 State = iota
	ProbeVHF1
	ProbeHF
	Resolve
	SettleLF
	Emit
)

func (s State) String() string {
	switch s {
	case ProbeVHF2:
		return "probe-vhf2"
	case ProbeVHF1:
		return "probe-vhf1"
	case ProbeHF:
		return "probe-hf"
	case Resolve:
		return "resolve"
	case SettleLF:
		return "settle-lf"
	case Emit:
		return "emit"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Kind is the result of one Step.
type Kind int

const (
	// Pending means the search is still running.
	Pending Kind = iota
	// Emitted means a sample was resolved and its band committed.
	Emitted
	// SwitchedToLF means the signal is below the HF band. LF was committed
	// and activated.
	SwitchedToLF
	// Aborted means the caller asked to stop. Nothing was committed.
	Aborted
)

func (k Kind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Emitted:
		return "emitted"
	case SwitchedToLF:
		return "switched-to-lf"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Outcome is returned by Step. Sample is set only for Emitted.
type Outcome struct {
	Kind   Kind
	Sample *engine.Sample
}

// DefaultSettleDelay lets the prescaler path flush after switching bands.
const DefaultSettleDelay = 10 * time.Millisecond

// Detector is the band search state machine.
type Detector struct {
	eng    *engine.Engine
	settle time.Duration

	state     State
	activated bool
	readings  map[band.Band]float64
	resolved  engine.Sample
}

// New returns a detector driving eng.
func New(eng *engine.Engine, settle time.Duration) *Detector {
	d := &Detector{
		eng:    eng,
		settle: settle,
	}
	d.Reset()
	return d
}

// SetSettleDelay changes the delay after each band switch.
func (d *Detector) SetSettleDelay(settle time.Duration) {
	d.settle = settle
}

// State returns the current phase.
func (d *Detector) State() State {
	return d.state
}

// Reset drops all probe readings and restarts the search at the first
// probe of the hardware variant.
func (d *Detector) Reset() {
	d.state = probeState(d.eng.Model().Probes()[0])
	d.activated = false
	d.readings = map[band.Band]float64{}
	d.resolved = engine.Sample{}
}

func probeState(b band.Band) State {
	switch b {
	case band.VHF2:
		return ProbeVHF2
	case band.VHF1:
		return ProbeVHF1
	case band.HF:
		return ProbeHF
	default:
		panic(fmt.Sprintf("detector: %s is not probed", b))
	}
}

func probeBand(s State) band.Band {
	switch s {
	case ProbeVHF2:
		return band.VHF2
	case ProbeVHF1:
		return band.VHF1
	case ProbeHF:
		return band.HF
	default:
		panic(fmt.Sprintf("detector: %s is not a probe state", s))
	}
}

// nextState returns the phase following probe state s.
func (d *Detector) nextState(s State) State {
	probes := d.eng.Model().Probes()
	for i, b := range probes {
		if probeState(b) == s && i+1 < len(probes) {
			return probeState(probes[i+1])
		}
	}
	return Resolve
}

func aborted(abort func() bool) bool {
	return abort != nil && abort()
}

// Step advances the search. abort is consulted before every poll; when it
// returns true the search is reset and Aborted is returned.
func (d *Detector) Step(abort func() bool) (Outcome, error) {
	for {
		if aborted(abort) {
			logrus.WithField("state", d.state).Debug("band search aborted")
			d.Reset()
			return Outcome{Kind: Aborted}, nil
		}

		switch d.state {
		case ProbeVHF2, ProbeVHF1, ProbeHF:
			done, err := d.probe(abort)
			if err != nil {
				d.Reset()
				return Outcome{}, err
			}
			if !done {
				return Outcome{Kind: Pending}, nil
			}
			d.state = d.nextState(d.state)
			d.activated = false
			if d.state != Resolve {
				return Outcome{Kind: Pending}, nil
			}
		case Resolve:
			d.resolved = d.resolve()
			if d.resolved.FrequencyHz < d.eng.Model().BoundsOf(band.LF).Max {
				d.state = SettleLF
			} else {
				d.state = Emit
			}
		case SettleLF:
			res := d.eng.Config().Resolution
			d.eng.CommitBand(band.LF)
			err := d.eng.Activate(band.LF, res, true)
			logrus.WithField("frequency", d.resolved.FrequencyHz).Debug("signal below HF, switching to LF")
			d.Reset()
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Kind: SwitchedToLF}, nil
		case Emit:
			s := d.resolved
			d.eng.CommitBand(s.Band)
			d.Reset()
			return Outcome{Kind: Emitted, Sample: &s}, nil
		default:
			panic(fmt.Sprintf("detector: unknown state %d", int(d.state)))
		}
	}
}

// probe activates the band of the current probe state on the first call and
// polls it on later calls. It returns true once a reading or a timeout was
// recorded.
func (d *Detector) probe(abort func() bool) (bool, error) {
	b := probeBand(d.state)

	if !d.activated {
		if err := d.eng.Activate(b, d.eng.Config().Resolution, true); err != nil {
			return false, err
		}
		d.eng.Clock().Sleep(d.settle)
		d.activated = true
		d.readings[b] = 0
		return false, nil
	}

	if aborted(abort) {
		return false, nil
	}

	s, err := d.eng.Poll()
	switch {
	case errors.Is(err, engine.ErrTimeout):
		logrus.WithField("band", b).Trace("probe timed out")
		return true, nil
	case err != nil:
		return false, err
	case s != nil:
		d.readings[b] = s.FrequencyHz
		logrus.WithFields(logrus.Fields{
			"band":      b,
			"frequency": s.FrequencyHz,
		}).Trace("probe reading")
		return true, nil
	}
	return false, nil
}

// resolve picks the largest probe reading and reclassifies it by
// magnitude. Inputs right at a band boundary may land in either band.
func (d *Detector) resolve() engine.Sample {
	m := d.eng.Model()

	candidate := 0.0
	for _, b := range m.Probes() {
		candidate = max(candidate, d.readings[b])
	}

	b, ok := m.Containing(candidate, band.HF, band.VHF1, band.VHF2)
	hz := candidate
	if ok {
		hz = d.readings[b]
	} else {
		b = band.HF
	}

	logrus.WithFields(logrus.Fields{
		"candidate": candidate,
		"band":      b,
		"frequency": hz,
	}).Debug("band resolved")

	return engine.Sample{
		FrequencyHz: hz,
		Band:        b,
		TimestampMs: d.eng.Clock().NowMs(),
	}
}
