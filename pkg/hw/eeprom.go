package hw

import (
	"fmt"
	"io"
	"os"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// erased is the value of never-written EEPROM cells.
const erased = 0xFF

// FileEEPROM is a PersistentStore kept in a fixed-size image file.
type FileEEPROM struct {
	mu   sync.Mutex
	path string
	size int
}

var _ PersistentStore = &FileEEPROM{}

// NewFileEEPROM returns a store of size bytes backed by the file at path.
// The file is created on first write.
func NewFileEEPROM(path string, size int) *FileEEPROM {
	return &FileEEPROM{path: path, size: size}
}

func (e *FileEEPROM) checkRange(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > e.size {
		return fmt.Errorf("eeprom access [%d, %d) out of range [0, %d)", offset, offset+length, e.size)
	}
	return nil
}

// ReadField reads length bytes at offset. Cells past the end of the image
// file read as erased.
func (e *FileEEPROM) ReadField(offset, length int) ([]byte, error) {
	if err := e.checkRange(offset, length); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	buf := make([]byte, length)
	for i := range buf {
		buf[i] = erased
	}

	fp, err := os.Open(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return buf, nil
		}
		return nil, pkgerrors.Wrapf(err, "failed to open eeprom image %s", e.path)
	}
	defer fp.Close()

	n, err := fp.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, pkgerrors.Wrapf(err, "failed to read eeprom image %s", e.path)
	}
	for i := n; i < length; i++ {
		buf[i] = erased
	}

	logrus.WithFields(logrus.Fields{
		"offset": offset,
		"val":    buf,
	}).Trace("read from eeprom")

	return buf, nil
}

// WriteField writes b at offset.
func (e *FileEEPROM) WriteField(offset int, b []byte) error {
	if err := e.checkRange(offset, len(b)); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fp, err := os.OpenFile(e.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open eeprom image %s", e.path)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close eeprom image %s", e.path)
		}
	}(fp)

	// Pad a short image with erased cells so the gap reads back as erased.
	st, err := fp.Stat()
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to stat eeprom image %s", e.path)
	}
	if gap := int64(offset) - st.Size(); gap > 0 {
		pad := make([]byte, gap)
		for i := range pad {
			pad[i] = erased
		}
		if _, err := fp.WriteAt(pad, st.Size()); err != nil {
			return pkgerrors.Wrapf(err, "failed to pad eeprom image %s", e.path)
		}
	}

	if _, err := fp.WriteAt(b, int64(offset)); err != nil {
		return pkgerrors.Wrapf(err, "failed to write eeprom image %s", e.path)
	}

	logrus.WithFields(logrus.Fields{
		"offset": offset,
		"val":    b,
	}).Trace("wrote to eeprom")

	return nil
}

// MemoryEEPROM is an in-memory PersistentStore. It counts writes so wear
// can be observed.
type MemoryEEPROM struct {
	mu     sync.Mutex
	cells  []byte
	writes int
}

var _ PersistentStore = &MemoryEEPROM{}

// NewMemoryEEPROM returns an erased store of size bytes.
func NewMemoryEEPROM(size int) *MemoryEEPROM {
	cells := make([]byte, size)
	for i := range cells {
		cells[i] = erased
	}
	return &MemoryEEPROM{cells: cells}
}

func (m *MemoryEEPROM) ReadField(offset, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset < 0 || length < 0 || offset+length > len(m.cells) {
		return nil, fmt.Errorf("eeprom access [%d, %d) out of range", offset, offset+length)
	}
	out := make([]byte, length)
	copy(out, m.cells[offset:offset+length])
	return out, nil
}

func (m *MemoryEEPROM) WriteField(offset int, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset < 0 || offset+len(b) > len(m.cells) {
		return fmt.Errorf("eeprom access [%d, %d) out of range", offset, offset+len(b))
	}
	copy(m.cells[offset:], b)
	m.writes++
	return nil
}

// Writes returns the number of WriteField calls so far.
func (m *MemoryEEPROM) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
