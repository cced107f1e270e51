package band

import (
	"fmt"
	"strings"
	"time"
)

// Resolution trades responsiveness for precision.
type Resolution int

const (
	Low Resolution = iota
	Normal
	High
	UltraHigh
)

// Resolutions lists every resolution from fastest to most precise.
var Resolutions = []Resolution{Low, Normal, High, UltraHigh}

func (r Resolution) String() string {
	switch r {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case UltraHigh:
		return "ultra-high"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r >= Low && r <= UltraHigh
}

// Multiplier is the timing-window multiplier applied to a baseline window.
func (r Resolution) Multiplier() float64 {
	switch r {
	case Low:
		return 0.01
	case Normal:
		return 0.1
	case High:
		return 1
	case UltraHigh:
		return 10
	default:
		panic(fmt.Sprintf("band: unknown resolution %d", int(r)))
	}
}

// Digits is the number of significant digits worth displaying.
func (r Resolution) Digits() int {
	switch r {
	case Low:
		return 4
	case Normal:
		return 5
	case High:
		return 6
	case UltraHigh:
		return 7
	default:
		panic(fmt.Sprintf("band: unknown resolution %d", int(r)))
	}
}

// Window scales a baseline window by the resolution multiplier.
func (r Resolution) Window(baseline time.Duration) time.Duration {
	return time.Duration(float64(baseline) * r.Multiplier())
}

// ParseResolution accepts the String() form as well as "ultra"/"ultrahigh".
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "-")) {
	case "low":
		return Low, nil
	case "normal":
		return Normal, nil
	case "high":
		return High, nil
	case "ultra-high", "ultrahigh", "ultra":
		return UltraHigh, nil
	}
	return 0, fmt.Errorf("unknown resolution %q (want low, normal, high or ultra-high)", s)
}

// Mode says whether the band is chosen by the operator or detected.
type Mode int

const (
	Auto Mode = iota
	Fixed
)

func (m Mode) String() string {
	switch m {
	case Auto:
		return "auto"
	case Fixed:
		return "fixed"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == Auto || m == Fixed
}

// ParseMode parses "auto" or "fixed".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "auto":
		return Auto, nil
	case "fixed", "band":
		return Fixed, nil
	}
	return 0, fmt.Errorf("unknown mode %q (want auto or fixed)", s)
}

func (r Resolution) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("unknown resolution %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Resolution) UnmarshalText(text []byte) error {
	v, err := ParseResolution(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("unknown mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
