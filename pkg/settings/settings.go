// Package settings persists the durable part of the instrument
// configuration in byte-addressed non-volatile memory.
package settings

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charlie0129/fcounter/pkg/band"
)

// DisplayType selects how a reading is presented.
type DisplayType int

const (
	DisplayFrequency DisplayType = iota
	DisplayPeriod
)

func (d DisplayType) String() string {
	switch d {
	case DisplayFrequency:
		return "frequency"
	case DisplayPeriod:
		return "period"
	default:
		return fmt.Sprintf("DisplayType(%d)", int(d))
	}
}

func (d DisplayType) Valid() bool {
	return d == DisplayFrequency || d == DisplayPeriod
}

// ParseDisplayType parses "frequency" or "period".
func ParseDisplayType(s string) (DisplayType, error) {
	switch strings.ToLower(s) {
	case "frequency", "freq", "f":
		return DisplayFrequency, nil
	case "period", "p":
		return DisplayPeriod, nil
	}
	return 0, fmt.Errorf("unknown display type %q (want frequency or period)", s)
}

func (d DisplayType) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("unknown display type %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *DisplayType) UnmarshalText(text []byte) error {
	v, err := ParseDisplayType(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Operation combines a reading with the stored reference frequency, for
// receivers where the displayed value is VFO and IF mixed.
type Operation int

const (
	OperationNone Operation = iota
	// OperationVFOPlusIF shows reading + reference.
	OperationVFOPlusIF
	// OperationVFOMinusIF shows reading - reference.
	OperationVFOMinusIF
	// OperationIFMinusVFO shows reference - reading.
	OperationIFMinusVFO
)

func (o Operation) String() string {
	switch o {
	case OperationNone:
		return "none"
	case OperationVFOPlusIF:
		return "vfo+if"
	case OperationVFOMinusIF:
		return "vfo-if"
	case OperationIFMinusVFO:
		return "if-vfo"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

func (o Operation) Valid() bool {
	return o >= OperationNone && o <= OperationIFMinusVFO
}

// Apply returns the displayed value for reading f and reference ref.
func (o Operation) Apply(f, ref float64) float64 {
	switch o {
	case OperationNone:
		return f
	case OperationVFOPlusIF:
		return f + ref
	case OperationVFOMinusIF:
		return f - ref
	case OperationIFMinusVFO:
		return ref - f
	default:
		panic(fmt.Sprintf("settings: unknown operation %d", int(o)))
	}
}

// ParseOperation parses the String() form of an operation.
func ParseOperation(s string) (Operation, error) {
	for o := OperationNone; o <= OperationIFMinusVFO; o++ {
		if strings.EqualFold(s, o.String()) {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q (want none, vfo+if, vfo-if or if-vfo)", s)
}

func (o Operation) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("unknown operation %d", int(o))
	}
	return []byte(o.String()), nil
}

func (o *Operation) UnmarshalText(text []byte) error {
	v, err := ParseOperation(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Sleep is the idle time before the instrument enters standby.
type Sleep int

const (
	Sleep30s Sleep = iota
	Sleep5m
	SleepDisabled
)

func (s Sleep) String() string {
	switch s {
	case Sleep30s:
		return "30s"
	case Sleep5m:
		return "5m"
	case SleepDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("Sleep(%d)", int(s))
	}
}

func (s Sleep) Valid() bool {
	return s >= Sleep30s && s <= SleepDisabled
}

// Timeout returns the idle timeout, and false when sleep is disabled.
func (s Sleep) Timeout() (time.Duration, bool) {
	switch s {
	case Sleep30s:
		return 30 * time.Second, true
	case Sleep5m:
		return 5 * time.Minute, true
	case SleepDisabled:
		return 0, false
	default:
		panic(fmt.Sprintf("settings: unknown sleep setting %d", int(s)))
	}
}

// ParseSleep parses "30s", "5m" or "disabled".
func ParseSleep(s string) (Sleep, error) {
	switch strings.ToLower(s) {
	case "30s":
		return Sleep30s, nil
	case "5m":
		return Sleep5m, nil
	case "disabled", "off", "never":
		return SleepDisabled, nil
	}
	return 0, fmt.Errorf("unknown sleep setting %q (want 30s, 5m or disabled)", s)
}

func (s Sleep) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown sleep setting %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Sleep) UnmarshalText(text []byte) error {
	v, err := ParseSleep(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Settings is the persisted configuration.
type Settings struct {
	Mode              band.Mode       `json:"mode"`
	Band              band.Band       `json:"band"`
	Resolution        band.Resolution `json:"resolution"`
	CalibrationFactor float64         `json:"calibrationFactor"`
	DisplayType       DisplayType     `json:"displayType"`
	Operation         Operation       `json:"operation"`
	Sleep             Sleep           `json:"sleep"`
	ReferenceHz       float64         `json:"referenceHz"`
}

// Defaults returns factory settings.
func Defaults() Settings {
	return Settings{
		Mode:              band.Auto,
		Band:              band.HF,
		Resolution:        band.Normal,
		CalibrationFactor: 1,
		DisplayType:       DisplayFrequency,
		Operation:         OperationNone,
		Sleep:             Sleep5m,
		ReferenceHz:       0,
	}
}

// Validate reports the first field that cannot be applied.
func (s Settings) Validate() error {
	switch {
	case !s.Mode.Valid():
		return fmt.Errorf("invalid mode %d", int(s.Mode))
	case !s.Band.Valid():
		return fmt.Errorf("invalid band %d", int(s.Band))
	case !s.Resolution.Valid():
		return fmt.Errorf("invalid resolution %d", int(s.Resolution))
	case !(s.CalibrationFactor > 0) || math.IsInf(s.CalibrationFactor, 0):
		return fmt.Errorf("invalid calibration factor %v", s.CalibrationFactor)
	case !s.DisplayType.Valid():
		return fmt.Errorf("invalid display type %d", int(s.DisplayType))
	case !s.Operation.Valid():
		return fmt.Errorf("invalid operation %d", int(s.Operation))
	case !s.Sleep.Valid():
		return fmt.Errorf("invalid sleep setting %d", int(s.Sleep))
	case math.IsNaN(s.ReferenceHz) || math.IsInf(s.ReferenceHz, 0):
		return fmt.Errorf("invalid reference frequency %v", s.ReferenceHz)
	}
	return nil
}
