package band

import (
	"fmt"
	"math"
	"strings"
)

// Band is a frequency sub-range with its own prescale coefficient and
// counting technique.
type Band int

const (
	LF Band = iota
	HF
	VHF1
	VHF2
)

// All lists every band in ascending frequency order.
var All = []Band{LF, HF, VHF1, VHF2}

func (b Band) String() string {
	switch b {
	case LF:
		return "LF"
	case HF:
		return "HF"
	case VHF1:
		return "VHF1"
	case VHF2:
		return "VHF2"
	default:
		return fmt.Sprintf("Band(%d)", int(b))
	}
}

// Valid reports whether b is a known band.
func (b Band) Valid() bool {
	return b >= LF && b <= VHF2
}

// ParseBand parses a band name, case-insensitively.
func ParseBand(s string) (Band, error) {
	for _, b := range All {
		if strings.EqualFold(s, b.String()) {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown band %q (want one of LF, HF, VHF1, VHF2)", s)
}

// Capability is the counting technique used by a band.
type Capability int

const (
	// GatedCount counts input edges during a fixed time window.
	GatedCount Capability = iota
	// PeriodCapture times a number of input periods.
	PeriodCapture
)

func (c Capability) String() string {
	switch c {
	case GatedCount:
		return "gated-count"
	case PeriodCapture:
		return "period-capture"
	default:
		return fmt.Sprintf("Capability(%d)", int(c))
	}
}

func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Bounds is a half-open frequency range [Min, Max) in Hz.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether f lies in [Min, Max).
func (b Bounds) Contains(f float64) bool {
	return f >= b.Min && f < b.Max
}

// Overlaps reports whether two ranges share at least one frequency.
func (b Bounds) Overlaps(o Bounds) bool {
	return b.Min < o.Max && o.Min < b.Max
}

// Variant is the hardware board flavour.
type Variant int

const (
	// VariantVHF has the external prescalers and all four bands.
	VariantVHF Variant = iota
	// VariantHF is the single-range board: LF and HF only.
	VariantHF
)

func (v Variant) String() string {
	switch v {
	case VariantVHF:
		return "vhf"
	case VariantHF:
		return "hf"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// ParseVariant parses "vhf" or "hf".
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(s) {
	case "vhf", "":
		return VariantVHF, nil
	case "hf":
		return VariantHF, nil
	}
	return 0, fmt.Errorf("unknown board variant %q (want vhf or hf)", s)
}

// Definition is one row of the band table.
type Definition struct {
	Band       Band       `json:"band"`
	Bounds     Bounds     `json:"bounds"`
	Prescale   float64    `json:"prescale"`
	Capability Capability `json:"capability"`
}

// Band table limits in Hz.
const (
	LFMin          = 1.0
	LFMax          = 5100.0
	HFMin          = 5000.0
	HFMaxHFBoard   = 5200000.0
	HFMaxVHFBoard  = 4200000.0
	VHF1Min        = 4000000.0
	VHF1Max        = 22500000.0
	VHF2Min        = 22000000.0
	VHF2NominalMax = 210000000.0
)

// Prescale coefficients of the external prescalers.
const (
	PrescaleVHF1 = 4
	PrescaleVHF2 = 32
	// PrescaleLF is the number of periods averaged by the period capture at
	// a unit resolution multiplier.
	PrescaleLF = 100
)

// Model is the immutable band table for one hardware variant.
type Model struct {
	variant Variant
	defs    [4]Definition
}

// NewModel returns the band table for the given hardware variant.
func NewModel(v Variant) *Model {
	hfMax := HFMaxVHFBoard
	if v == VariantHF {
		hfMax = HFMaxHFBoard
	}

	return &Model{
		variant: v,
		defs: [4]Definition{
			{Band: LF, Bounds: Bounds{Min: LFMin, Max: LFMax}, Prescale: PrescaleLF, Capability: PeriodCapture},
			{Band: HF, Bounds: Bounds{Min: HFMin, Max: hfMax}, Prescale: 1, Capability: GatedCount},
			{Band: VHF1, Bounds: Bounds{Min: VHF1Min, Max: VHF1Max}, Prescale: PrescaleVHF1, Capability: GatedCount},
			// No upper limit in software; the hardware tops out around VHF2NominalMax.
			{Band: VHF2, Bounds: Bounds{Min: VHF2Min, Max: math.Inf(1)}, Prescale: PrescaleVHF2, Capability: GatedCount},
		},
	}
}

// Variant returns the hardware variant of the table.
func (m *Model) Variant() Variant {
	return m.variant
}

func (m *Model) def(b Band) Definition {
	if !b.Valid() {
		panic(fmt.Sprintf("band: unknown band %d", int(b)))
	}
	return m.defs[b]
}

// Definition returns the table row for b.
func (m *Model) Definition(b Band) Definition {
	return m.def(b)
}

// BoundsOf returns the frequency range of b.
func (m *Model) BoundsOf(b Band) Bounds {
	return m.def(b).Bounds
}

// PrescalerOf returns the prescale coefficient of b.
func (m *Model) PrescalerOf(b Band) float64 {
	return m.def(b).Prescale
}

// CapabilityOf returns the counting technique of b.
func (m *Model) CapabilityOf(b Band) Capability {
	return m.def(b).Capability
}

// Supports reports whether the hardware variant has band b.
func (m *Model) Supports(b Band) bool {
	switch b {
	case LF, HF:
		return true
	case VHF1, VHF2:
		return m.variant == VariantVHF
	default:
		return false
	}
}

// Bands returns the bands available on this variant, ascending.
func (m *Model) Bands() []Band {
	var ret []Band
	for _, b := range All {
		if m.Supports(b) {
			ret = append(ret, b)
		}
	}
	return ret
}

// Probes returns the gated-count bands in the order the auto detector
// probes them: coarsest prescale first.
func (m *Model) Probes() []Band {
	if m.variant == VariantHF {
		return []Band{HF}
	}
	return []Band{VHF2, VHF1, HF}
}

// ForFrequency selects a band by magnitude of f. It is used when the
// frequency is known in advance, e.g. a calibration reference.
func (m *Model) ForFrequency(f float64) Band {
	switch {
	case m.Supports(VHF2) && f > m.def(VHF2).Bounds.Min:
		return VHF2
	case m.Supports(VHF1) && f > m.def(VHF1).Bounds.Min:
		return VHF1
	case f > m.def(HF).Bounds.Min:
		return HF
	default:
		return LF
	}
}

// Containing returns the first band, in the given order, whose bounds
// contain f.
func (m *Model) Containing(f float64, order ...Band) (Band, bool) {
	for _, b := range order {
		if m.Supports(b) && m.def(b).Bounds.Contains(f) {
			return b, true
		}
	}
	return 0, false
}

func (b Band) MarshalText() ([]byte, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("unknown band %d", int(b))
	}
	return []byte(b.String()), nil
}

func (b *Band) UnmarshalText(text []byte) error {
	v, err := ParseBand(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Variant) UnmarshalText(text []byte) error {
	p, err := ParseVariant(string(text))
	if err != nil {
		return err
	}
	*v = p
	return nil
}
