// Package motion is the closed-loop motion controller.  It drives the robot
// to a goal pose using one PID controller per axis, runs one control step per
// scheduler tick and guarantees that the drivetrain is stopped whenever a
// maneuver ends, however it ends.
package motion

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
)

var (
	// ErrAlreadyRunning is returned by DriveTo while a maneuver is active.
	ErrAlreadyRunning = errors.New("maneuver already running")
	ErrInvalidGoal    = errors.New("invalid motion goal")
	// ErrNotIdle is returned by SetGains while a maneuver is active.
	ErrNotIdle = errors.New("motion controller is not idle")
)

type State int

const (
	Idle State = iota
	Running
	Succeeded
	Cancelled
	TimedOut
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timed out"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal is true for the states that end a maneuver.
func (s State) Terminal() bool {
	return s >= Succeeded
}

// Status is the motion controller's state plus, for Failed, the reason.
type Status struct {
	State State
	Err   error
}

func (s Status) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s (%v)", s.State, s.Err)
	}
	return s.State.String()
}

type Profile int

const (
	// ProfileSeek drives and steers at the same time, slowing the forward
	// output as the heading error grows.
	ProfileSeek Profile = iota
	// ProfileTurnThenDrive turns on the spot to face the target, drives to it,
	// then turns to the goal heading.
	ProfileTurnThenDrive
	// ProfileTurn turns on the spot to the goal heading.
	ProfileTurn
	// ProfileTurnToPoint turns on the spot to face the goal position.
	ProfileTurnToPoint
	// ProfileVelocity drives open loop at a fixed linear and angular velocity
	// for a fixed duration.
	ProfileVelocity
	// ProfileBoomerang curves in to the goal so that it arrives already
	// close to the goal heading, then finishes like ProfileSeek.
	ProfileBoomerang
	// ProfileForward drives Goal.Distance along the starting heading.  The
	// target pose is ignored.
	ProfileForward
)

func (p Profile) String() string {
	switch p {
	case ProfileSeek:
		return "seek"
	case ProfileTurnThenDrive:
		return "turn-then-drive"
	case ProfileTurn:
		return "turn"
	case ProfileTurnToPoint:
		return "turn-to-point"
	case ProfileVelocity:
		return "velocity"
	case ProfileBoomerang:
		return "boomerang"
	case ProfileForward:
		return "forward"
	}
	return fmt.Sprintf("Profile(%d)", int(p))
}

// ParseProfile is the inverse of Profile.String.
func ParseProfile(s string) (Profile, error) {
	for p := ProfileSeek; p <= ProfileForward; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidGoal, "unknown profile %q", s)
}

type Direction int

const (
	Forward Direction = iota
	Reverse
	// Auto drives in reverse if the goal is behind the robot when the
	// maneuver starts.
	Auto
)

type Tolerance struct {
	// Position is the allowed distance from the goal position.  Zero means
	// the position is never considered reached.
	Position float64
	// Heading is the allowed absolute heading error in radians.  Zero means
	// the heading is never considered reached.
	Heading float64
}

// VelocityCommand is the target of a ProfileVelocity maneuver.
type VelocityCommand struct {
	Linear   float64
	Angular  float64
	Duration time.Duration
}

type Goal struct {
	Target    pose.Pose
	Tolerance Tolerance
	// Timeout is measured from the first control step.
	Timeout time.Duration

	Profile   Profile
	Direction Direction
	// IgnoreHeading makes the final heading irrelevant: only the position
	// must be within tolerance.
	IgnoreHeading bool

	Velocity *VelocityCommand
	// Distance is the signed travel of a ProfileForward maneuver; negative
	// drives backwards.
	Distance float64
}

func (g Goal) validate() error {
	if g.Timeout <= 0 {
		return errors.Wrap(ErrInvalidGoal, "timeout must be positive")
	}
	if g.Tolerance.Position < 0 || g.Tolerance.Heading < 0 {
		return errors.Wrap(ErrInvalidGoal, "tolerances must not be negative")
	}
	for _, v := range []float64{g.Target.X, g.Target.Y, g.Target.Heading} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrap(ErrInvalidGoal, "target is not finite")
		}
	}
	switch g.Profile {
	case ProfileSeek, ProfileTurnThenDrive, ProfileTurn, ProfileTurnToPoint, ProfileBoomerang:
	case ProfileForward:
		if math.IsNaN(g.Distance) || math.IsInf(g.Distance, 0) {
			return errors.Wrap(ErrInvalidGoal, "distance is not finite")
		}
	case ProfileVelocity:
		if g.Velocity == nil || g.Velocity.Duration <= 0 {
			return errors.Wrap(ErrInvalidGoal, "velocity profile needs a command with a positive duration")
		}
	default:
		return errors.Wrapf(ErrInvalidGoal, "unknown profile %v", g.Profile)
	}
	if g.Direction < Forward || g.Direction > Auto {
		return errors.Wrapf(ErrInvalidGoal, "unknown direction %d", g.Direction)
	}
	return nil
}

func (g Goal) String() string {
	if g.Profile == ProfileVelocity && g.Velocity != nil {
		return fmt.Sprintf("%s v=%.2f ω=%.2f for %v", g.Profile, g.Velocity.Linear, g.Velocity.Angular, g.Velocity.Duration)
	}
	if g.Profile == ProfileForward {
		return fmt.Sprintf("%s %.2f ±%.2f within %v", g.Profile, g.Distance, g.Tolerance.Position, g.Timeout)
	}
	return fmt.Sprintf("%s to %s ±(%.2f, %.3f) within %v", g.Profile, g.Target, g.Tolerance.Position, g.Tolerance.Heading, g.Timeout)
}
