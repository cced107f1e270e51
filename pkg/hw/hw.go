// Package hw defines the hardware capabilities the acquisition core consumes
// and provides host implementations of them: a wall clock, a fake clock for
// tests, a signal simulator, a file-backed EEPROM image and a supply voltage
// source backed by the host battery.
package hw

import (
	"time"

	"github.com/charlie0129/fcounter/pkg/band"
)

// GatedCounter counts input edges during a fixed gate window.
type GatedCounter interface {
	// Configure (re)starts counting with the given gate window.
	Configure(window time.Duration) error
	// Stop halts counting.
	Stop()
	// PollAvailable returns the count of the last completed window, if a
	// new one is ready.
	PollAvailable() (uint64, bool)
}

// PeriodCapture times input periods, averaging over a number of periods.
type PeriodCapture interface {
	// Configure (re)starts capturing, averaging over scale periods.
	Configure(scale float64) error
	// Stop halts capturing.
	Stop()
	// PollAvailable returns the raw tick count of the last capture, if a
	// new one is ready.
	PollAvailable() (uint64, bool)
	// TicksToFrequency converts a raw tick count to Hz, before scaling.
	TicksToFrequency(rawTicks uint64) float64
}

// InputSelector routes the input signal through the prescaler path of a band.
type InputSelector interface {
	Select(b band.Band) error
}

// VoltageSource reads the raw supply ADC value.
type VoltageSource interface {
	ReadRaw() (uint16, error)
}

// PersistentStore is byte-addressed non-volatile memory.
type PersistentStore interface {
	ReadField(offset, length int) ([]byte, error)
	WriteField(offset int, b []byte) error
}

// Clock is a monotonic millisecond clock that can also busy-wait.
type Clock interface {
	NowMs() uint64
	Sleep(d time.Duration)
}

// Capabilities bundles the measurement capabilities of one instrument.
type Capabilities struct {
	Gated    GatedCounter
	Period   PeriodCapture
	Selector InputSelector
}
