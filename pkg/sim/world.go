// Package sim is a kinematic simulation of a differential-drive robot.  A
// World stands in for the motor group and the wheel encoder and heading
// devices so the whole tracking and motion stack can run without hardware.
package sim

import (
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/angle"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/drivetrain"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/sensor"
)

// ErrMotorFault is what a faulted simulated motor reports.
var ErrMotorFault = errors.New("simulated motor fault")

type Config struct {
	TrackWidth         float64
	Circumference      float64
	TicksPerRevolution float64
	// CounterBits makes the simulated encoder counters wrap like a real
	// fixed-width register.  Zero means no wrap.
	CounterBits uint
	// Scale multiplies every commanded velocity, to model a drivetrain that
	// is slower or faster than its rating.  Zero means 1.
	Scale float64

	Logger golog.Logger
}

type World struct {
	cfg Config
	log golog.Logger

	lock       sync.Mutex
	truth      pose.Pose
	command    [2]float64
	travelled  [2]float64
	lastTick   time.Time
	motorFault [2]error
	readFault  map[string]error
	stops      int
}

func New(cfg Config, start pose.Pose) *World {
	if cfg.Scale == 0 {
		cfg.Scale = 1
	}
	log := cfg.Logger
	if log == nil {
		log = golog.Global().Named("sim")
	}
	return &World{
		cfg:       cfg,
		log:       log,
		truth:     start,
		readFault: map[string]error{},
	}
}

func (w *World) Name() string {
	return "sim"
}

// Tick advances the physics to now using the velocities commanded since the
// previous tick.
func (w *World) Tick(now time.Time) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.lastTick.IsZero() {
		w.lastTick = now
		return
	}
	dt := now.Sub(w.lastTick).Seconds()
	w.lastTick = now
	if dt <= 0 {
		return
	}

	dl := w.command[drivetrain.Left] * w.cfg.Scale * dt
	dr := w.command[drivetrain.Right] * w.cfg.Scale * dt
	w.travelled[drivetrain.Left] += dl
	w.travelled[drivetrain.Right] += dr

	dTheta := (dr - dl) / w.cfg.TrackWidth
	dCentre := (dl + dr) / 2
	var fwd, side float64
	if math.Abs(dTheta) < 1e-12 {
		fwd = dCentre
	} else {
		radius := dCentre / dTheta
		fwd = radius * math.Sin(dTheta)
		side = radius * (1 - math.Cos(dTheta))
	}
	h := w.truth.Heading
	w.truth = pose.New(
		w.truth.X+fwd*math.Cos(h)-side*math.Sin(h),
		w.truth.Y+fwd*math.Sin(h)+side*math.Cos(h),
		h+dTheta,
	)
}

// Pose returns the true pose of the simulated robot.
func (w *World) Pose() pose.Pose {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.truth
}

// SetVelocity implements drivetrain.MotorGroup.
func (w *World) SetVelocity(side drivetrain.Side, v float64) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if side != drivetrain.Left && side != drivetrain.Right {
		return errors.Errorf("no such side %v", side)
	}
	if err := w.motorFault[side]; err != nil {
		w.command[side] = 0
		return err
	}
	w.command[side] = v
	return nil
}

func (w *World) StopAll() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.command = [2]float64{}
	w.stops++
	return nil
}

// Command returns the velocities currently commanded.
func (w *World) Command() (left, right float64) {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.command[drivetrain.Left], w.command[drivetrain.Right]
}

// Stops counts StopAll calls.
func (w *World) Stops() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.stops
}

// FaultMotor makes the given side report err from now on; nil clears it.
func (w *World) FaultMotor(side drivetrain.Side, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.motorFault[side] = err
}

// FaultDevice makes the named device ("left", "right" or "heading") report
// err; nil clears it.
func (w *World) FaultDevice(name string, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if err == nil {
		delete(w.readFault, name)
		return
	}
	w.readFault[name] = err
}

// Encoder returns the cumulative tick counter of one side's wheel.
func (w *World) Encoder(side drivetrain.Side) sensor.Device {
	name := side.String()
	return sensor.DeviceFunc(func() (sensor.RawReading, bool) {
		w.lock.Lock()
		defer w.lock.Unlock()
		if err := w.readFault[name]; err != nil {
			return sensor.RawReading{Err: err}, true
		}
		ticks := math.Round(w.travelled[side] / w.cfg.Circumference * w.cfg.TicksPerRevolution)
		if w.cfg.CounterBits > 0 {
			span := math.Ldexp(1, int(w.cfg.CounterBits))
			ticks = math.Mod(ticks, span)
			if ticks < 0 {
				ticks += span
			}
		}
		return sensor.RawReading{Value: ticks}, true
	})
}

// Heading returns a heading sensor reporting degrees in [0, 360), CCW.
func (w *World) Heading() sensor.Device {
	return sensor.DeviceFunc(func() (sensor.RawReading, bool) {
		w.lock.Lock()
		defer w.lock.Unlock()
		if err := w.readFault["heading"]; err != nil {
			return sensor.RawReading{Err: err}, true
		}
		deg := angle.Degrees(w.truth.Heading)
		if deg < 0 {
			deg += 360
		}
		return sensor.RawReading{Value: deg}, true
	})
}
