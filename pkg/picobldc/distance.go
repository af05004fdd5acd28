package picobldc

import (
	"sync"
	"time"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/drivetrain"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/sensor"
)

type distanceProvider interface {
	RawDistancesTraveled() (PerMotorVal[int16], error)
}

// DistanceTracker unwraps the board's 16-bit distance counters into 64-bit
// accumulators.
type DistanceTracker struct {
	pico distanceProvider

	lock          sync.Mutex
	doneFirstPoll bool
	lastRawValues PerMotorVal[int16]
	accumulator   PerMotorVal[int64]
}

func NewDistanceTracker(pico distanceProvider) *DistanceTracker {
	return &DistanceTracker{
		pico: pico,
	}
}

func (d *DistanceTracker) Poll() error {
	raw, err := d.pico.RawDistancesTraveled()
	if err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	if d.doneFirstPoll {
		for m, newD := range raw {
			// int16 arithmetic wraps, giving the short way round.
			delta := newD - d.lastRawValues[m]
			d.accumulator[m] += int64(delta)
		}
	}

	d.lastRawValues = raw
	d.doneFirstPoll = true
	return nil
}

func (d *DistanceTracker) AccumulatedRotations() (rotations PerMotorVal[float64]) {
	d.lock.Lock()
	defer d.lock.Unlock()
	for m, v := range d.accumulator {
		rotations[m] = float64(v) / CountsPerRotation
	}
	return
}

func (d *DistanceTracker) Zero() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.accumulator = PerMotorVal[int64]{}
}

// Encoder returns a device reporting one side's accumulated counts (the mean
// of its front and back motors).  Each read polls the board.
func (d *DistanceTracker) Encoder(side drivetrain.Side) sensor.Device {
	front, back := FrontLeft, BackLeft
	if side == drivetrain.Right {
		front, back = FrontRight, BackRight
	}
	return sensor.DeviceFunc(func() (sensor.RawReading, bool) {
		if err := d.Poll(); err != nil {
			return sensor.RawReading{Err: err}, true
		}
		d.lock.Lock()
		defer d.lock.Unlock()
		counts := float64(d.accumulator[front]+d.accumulator[back]) / 2
		return sensor.RawReading{Value: counts, Time: time.Now()}, true
	})
}
