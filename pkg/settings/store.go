package settings

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/fcounter/pkg/band"
	"github.com/charlie0129/fcounter/pkg/hw"
)

// ErrStoreUninitialized is returned by Load when the store did not hold
// valid settings. Defaults were written and are returned with it.
var ErrStoreUninitialized = errors.New("settings store uninitialized")

// Marker is stored at offset 0 once the store holds valid settings.
const Marker byte = 0x05

// Field offsets. Floats are stored as 8-byte little-endian IEEE 754.
const (
	offMarker      = 0
	offMode        = 1
	offBand        = 2
	offResolution  = 3
	offCalibration = 4
	offDisplayType = 12
	offOperation   = 13
	offSleep       = 14
	offReference   = 15

	// Size is the number of bytes the settings occupy.
	Size = 23
)

// Store reads and writes Settings at fixed offsets, writing a field only
// when it changed since the last commit.
type Store struct {
	mu        sync.Mutex
	dev       hw.PersistentStore
	committed Settings
	loaded    bool
}

// NewStore returns a store on dev. Call Load before anything else.
func NewStore(dev hw.PersistentStore) *Store {
	return &Store{dev: dev}
}

// Current returns the last loaded or committed settings.
func (s *Store) Current() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Load reads the settings. If the marker is missing or a field is out of
// range, all defaults are written and returned with ErrStoreUninitialized.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.dev.ReadField(0, Size)
	if err != nil {
		return Settings{}, pkgerrors.Wrapf(err, "failed to read settings")
	}

	reason := ""
	var st Settings
	if raw[offMarker] != Marker {
		reason = fmt.Sprintf("marker 0x%02x", raw[offMarker])
	} else {
		st = decode(raw)
		if err := st.Validate(); err != nil {
			reason = err.Error()
		}
	}

	if reason != "" {
		logrus.WithField("reason", reason).Warn("settings store uninitialized, writing defaults")
		d := Defaults()
		if err := s.writeAll(d); err != nil {
			return d, err
		}
		return d, fmt.Errorf("%w: %s", ErrStoreUninitialized, reason)
	}

	s.committed = st
	s.loaded = true

	logrus.WithFields(logrus.Fields{
		"mode":       st.Mode,
		"band":       st.Band,
		"resolution": st.Resolution,
		"factor":     st.CalibrationFactor,
	}).Debug("settings loaded")

	return st, nil
}

// Reset writes factory defaults.
func (s *Store) Reset() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := Defaults()
	return d, s.writeAll(d)
}

// Commit writes every field of next that differs from the committed
// settings.
func (s *Store) Commit(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return s.writeAll(next)
	}

	prev := s.committed
	var buf [Size]byte
	encode(buf[:], next)

	type field struct {
		changed bool
		off     int
		len     int
		name    string
	}
	fields := []field{
		{prev.Mode != next.Mode, offMode, 1, "mode"},
		{prev.Band != next.Band, offBand, 1, "band"},
		{prev.Resolution != next.Resolution, offResolution, 1, "resolution"},
		{prev.CalibrationFactor != next.CalibrationFactor, offCalibration, 8, "calibration"},
		{prev.DisplayType != next.DisplayType, offDisplayType, 1, "displayType"},
		{prev.Operation != next.Operation, offOperation, 1, "operation"},
		{prev.Sleep != next.Sleep, offSleep, 1, "sleep"},
		{prev.ReferenceHz != next.ReferenceHz, offReference, 8, "reference"},
	}

	for _, f := range fields {
		if !f.changed {
			continue
		}
		if err := s.dev.WriteField(f.off, buf[f.off:f.off+f.len]); err != nil {
			// Re-read on next Load; what was written so far is unknown.
			s.loaded = false
			return pkgerrors.Wrapf(err, "failed to write setting %s", f.name)
		}
		logrus.WithField("field", f.name).Trace("setting written")
	}

	s.committed = next
	return nil
}

// PersistFactor commits a new calibration factor.
func (s *Store) PersistFactor(factor float64) error {
	next := s.Current()
	next.CalibrationFactor = factor
	return s.Commit(next)
}

// writeAll writes the marker and every field. s.mu must be held.
func (s *Store) writeAll(st Settings) error {
	var buf [Size]byte
	encode(buf[:], st)
	if err := s.dev.WriteField(0, buf[:]); err != nil {
		s.loaded = false
		return pkgerrors.Wrapf(err, "failed to write settings")
	}
	s.committed = st
	s.loaded = true
	return nil
}

func encode(b []byte, st Settings) {
	b[offMarker] = Marker
	b[offMode] = byte(st.Mode)
	b[offBand] = byte(st.Band)
	b[offResolution] = byte(st.Resolution)
	binary.LittleEndian.PutUint64(b[offCalibration:], math.Float64bits(st.CalibrationFactor))
	b[offDisplayType] = byte(st.DisplayType)
	b[offOperation] = byte(st.Operation)
	b[offSleep] = byte(st.Sleep)
	binary.LittleEndian.PutUint64(b[offReference:], math.Float64bits(st.ReferenceHz))
}

func decode(b []byte) Settings {
	return Settings{
		Mode:              band.Mode(b[offMode]),
		Band:              band.Band(b[offBand]),
		Resolution:        band.Resolution(b[offResolution]),
		CalibrationFactor: math.Float64frombits(binary.LittleEndian.Uint64(b[offCalibration:])),
		DisplayType:       DisplayType(b[offDisplayType]),
		Operation:         Operation(b[offOperation]),
		Sleep:             Sleep(b[offSleep]),
		ReferenceHz:       math.Float64frombits(binary.LittleEndian.Uint64(b[offReference:])),
	}
}
