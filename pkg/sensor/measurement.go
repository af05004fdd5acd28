// Package sensor normalises raw device readings (encoder counts, heading
// sensor angles, motor velocities) into Measurements that the tracking
// package consumes.
//
// Devices are polled: each scheduler tick an Adapter reads its Device once
// and produces exactly one Measurement.  Device faults never propagate as
// errors; they produce a Measurement with Valid == false.
package sensor

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// SourceID names a measurement source, e.g. "left", "right", "imu".
type SourceID string

type Kind int

const (
	// KindDistance values are distance deltas travelled by a wheel since the
	// previous measurement from the same source.
	KindDistance Kind = iota
	// KindHeading values are heading deltas in radians, +tive CCW.
	KindHeading
	// KindVelocity values are wheel surface speeds in distance units/second.
	KindVelocity
)

func (k Kind) String() string {
	switch k {
	case KindDistance:
		return "distance"
	case KindHeading:
		return "heading"
	case KindVelocity:
		return "velocity"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ErrSensorInvalid marks a reading that could not be turned into a valid
// measurement.  It is recorded on the Measurement, never returned.
var ErrSensorInvalid = errors.New("sensor reading invalid")

type Measurement struct {
	Source SourceID
	Kind   Kind
	Value  float64
	Time   time.Time
	Valid  bool

	// Err says why Valid is false.
	Err error
}

func (m Measurement) String() string {
	if !m.Valid {
		return fmt.Sprintf("%s/%s invalid (%v)", m.Source, m.Kind, m.Err)
	}
	return fmt.Sprintf("%s/%s %.4f @%s", m.Source, m.Kind, m.Value, m.Time.Format("15:04:05.000"))
}

func invalid(source SourceID, kind Kind, now time.Time, cause error) Measurement {
	return Measurement{
		Source: source,
		Kind:   kind,
		Time:   now,
		Err:    errors.Wrap(ErrSensorInvalid, cause.Error()),
	}
}
