// Package drivetrain turns linear/angular velocity commands into per-side
// wheel velocities for a differential (tank) drive and forwards them to the
// motor group.
package drivetrain

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return fmt.Sprintf("Side(%d)", int(s))
}

// MotorGroup is the capability a motor controller exposes: per-side wheel
// surface velocity in the configured distance unit per second.
type MotorGroup interface {
	SetVelocity(side Side, v float64) error
	StopAll() error
}

// ErrHardwareUnavailable is matched (via errors.Is) by every error that
// reports a motor group fault.
var ErrHardwareUnavailable = errors.New("drive hardware unavailable")

// FaultError wraps a motor group error with the side that failed.
type FaultError struct {
	Side Side
	Err  error
}

func (f *FaultError) Error() string {
	return fmt.Sprintf("%v: %s motors: %v", ErrHardwareUnavailable, f.Side, f.Err)
}

func (f *FaultError) Unwrap() error {
	return f.Err
}

func (f *FaultError) Is(target error) bool {
	return target == ErrHardwareUnavailable
}

type Config struct {
	// TrackWidth is the distance between left and right wheels.
	TrackWidth float64 `yaml:"track_width"`
	// MaxVelocity is the rated wheel speed; commands are scaled down so
	// neither side exceeds it.  Zero means unlimited.
	MaxVelocity float64 `yaml:"max_velocity"`
	// MaxAcceleration limits how fast each side's command may change, in
	// units/s².  Zero means unlimited.
	MaxAcceleration float64 `yaml:"max_acceleration"`

	Logger golog.Logger `yaml:"-"`
}

// Command is the per-side velocity that was last sent to the motors.
type Command struct {
	Left, Right float64
}

// Drivetrain exclusively owns a MotorGroup.
type Drivetrain struct {
	cfg    Config
	motors MotorGroup
	log    golog.Logger
	now    func() time.Time

	lock     sync.Mutex
	last     Command
	lastTime time.Time
}

func New(cfg Config, motors MotorGroup) (*Drivetrain, error) {
	if cfg.TrackWidth <= 0 {
		return nil, errors.New("drivetrain: track width must be positive")
	}
	if cfg.MaxVelocity < 0 || cfg.MaxAcceleration < 0 {
		return nil, errors.New("drivetrain: limits must not be negative")
	}
	if motors == nil {
		return nil, errors.New("drivetrain: no motor group")
	}
	log := cfg.Logger
	if log == nil {
		log = golog.Global().Named("drivetrain")
	}
	return &Drivetrain{cfg: cfg, motors: motors, log: log, now: time.Now}, nil
}

// SetClock replaces the clock used for acceleration limiting.
func (d *Drivetrain) SetClock(now func() time.Time) {
	d.now = now
}

// Apply drives the robot forward at linear units/s while turning at angular
// rad/s (+tive CCW).
func (d *Drivetrain) Apply(linear, angular float64) error {
	half := angular * d.cfg.TrackWidth / 2
	return d.ApplySides(linear-half, linear+half)
}

// ApplySides commands the two sides directly.  Both sides are scaled by the
// same factor if either exceeds MaxVelocity so that the ratio (and hence the
// curvature) is preserved.
func (d *Drivetrain) ApplySides(left, right float64) error {
	if math.IsNaN(left) || math.IsNaN(right) {
		return errors.New("drivetrain: NaN velocity command")
	}
	if max := d.cfg.MaxVelocity; max > 0 {
		if biggest := math.Max(math.Abs(left), math.Abs(right)); biggest > max {
			left *= max / biggest
			right *= max / biggest
		}
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	now := d.now()
	if acc := d.cfg.MaxAcceleration; acc > 0 {
		// From rest there is no interval to limit against; hold the last
		// command and start the clock.
		var maxDelta float64
		if !d.lastTime.IsZero() {
			maxDelta = acc * now.Sub(d.lastTime).Seconds()
		}
		left = slew(d.last.Left, left, maxDelta)
		right = slew(d.last.Right, right, maxDelta)
	}

	if err := d.motors.SetVelocity(Left, left); err != nil {
		return d.fault(Left, err)
	}
	if err := d.motors.SetVelocity(Right, right); err != nil {
		return d.fault(Right, err)
	}
	d.last = Command{Left: left, Right: right}
	d.lastTime = now
	return nil
}

func slew(from, to, maxDelta float64) float64 {
	if maxDelta <= 0 {
		return from
	}
	return from + math.Max(-maxDelta, math.Min(maxDelta, to-from))
}

// fault makes a best-effort attempt to stop the motors and reports the
// fault.  Must be called with the lock held.
func (d *Drivetrain) fault(side Side, err error) error {
	d.log.Errorw("drivetrain: motor fault", "side", side, "err", err)
	if stopErr := d.motors.StopAll(); stopErr != nil {
		d.log.Warnw("drivetrain: failed to stop after fault", "err", stopErr)
	}
	d.last = Command{}
	d.lastTime = time.Time{}
	return &FaultError{Side: side, Err: err}
}

// Stop zeroes all motor outputs immediately, bypassing acceleration limits.
func (d *Drivetrain) Stop() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.last = Command{}
	d.lastTime = time.Time{}
	if err := d.motors.StopAll(); err != nil {
		d.log.Errorw("drivetrain: stop failed", "err", err)
		return &FaultError{Side: Left, Err: err}
	}
	return nil
}

// Command returns the last per-side command sent to the motors.
func (d *Drivetrain) Command() Command {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.last
}
