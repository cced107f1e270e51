package hw

import (
	"errors"
	"math"

	"github.com/distatus/battery"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BatteryVoltageSource feeds the voltage of the host battery into the supply
// ADC path, so the supervisor can be exercised on a laptop.
type BatteryVoltageSource struct {
	// VoltsPerCount converts volts back to raw ADC counts.
	VoltsPerCount float64

	// getAll is swapped in tests.
	getAll func() ([]*battery.Battery, error)
}

var _ VoltageSource = &BatteryVoltageSource{}

// NewBatteryVoltageSource returns a source that reports the first host
// battery, quantized with voltsPerCount.
func NewBatteryVoltageSource(voltsPerCount float64) *BatteryVoltageSource {
	return &BatteryVoltageSource{
		VoltsPerCount: voltsPerCount,
		getAll:        battery.GetAll,
	}
}

func (s *BatteryVoltageSource) ReadRaw() (uint16, error) {
	batteries, err := s.getAll()
	if len(batteries) == 0 {
		if err != nil {
			return 0, pkgerrors.Wrapf(err, "failed to read host battery")
		}
		return 0, errors.New("no batteries found")
	}

	bat := batteries[0]
	if bat == nil {
		return 0, errors.New("host battery reported no data")
	}

	v := bat.Voltage
	if v <= 0 {
		// Some platforms only report the design voltage.
		v = bat.DesignVoltage
	}

	raw := math.Round(v / s.VoltsPerCount)
	if raw < 0 {
		raw = 0
	}
	if raw > math.MaxUint16 {
		raw = math.MaxUint16
	}

	logrus.WithFields(logrus.Fields{
		"voltage": v,
		"raw":     raw,
	}).Trace("read host battery voltage")

	return uint16(raw), nil
}
