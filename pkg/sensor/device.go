package sensor

import (
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
)

// RawReading is a single reading straight from a device, in device units.
type RawReading struct {
	Value float64
	// Time the reading was captured.  Zero means "now".
	Time time.Time
	// Err is set when the device reported a fault.
	Err error
}

// Device is the poll-style capability that device drivers expose.  Read
// returns false when no reading is available.
type Device interface {
	Read() (RawReading, bool)
}

// DeviceFunc adapts a plain function to a Device.
type DeviceFunc func() (RawReading, bool)

func (f DeviceFunc) Read() (RawReading, bool) {
	return f()
}

// Adapter turns a Device into Measurements.
type Adapter interface {
	Source() SourceID
	Kind() Kind
	// Unit is the distance unit of the measurements; UnitNone for headings.
	Unit() pose.Unit
	// Poll reads the device once and returns the resulting measurement.
	Poll(now time.Time) Measurement
}

var errNoReading = errors.New("no reading available")

// read polls dev, converting "no reading" and device faults into an error.
func read(dev Device, now time.Time) (RawReading, error) {
	r, ok := dev.Read()
	if !ok {
		return r, errNoReading
	}
	if r.Err != nil {
		return r, errors.Wrap(r.Err, "device fault")
	}
	if r.Time.IsZero() {
		r.Time = now
	}
	return r, nil
}
