// Package pose holds the shared data model of the tracking and motion
// packages: the robot pose, its velocity and the distance unit that both are
// measured in.
package pose

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/angle"
)

// Pose is the robot's position and heading w.r.t. the field.  Heading is in
// radians, +tive CCW from the positive X axis, always held in (-π, π].
type Pose struct {
	X, Y    float64
	Heading float64
}

// New returns a Pose with the heading normalised.
func New(x, y, heading float64) Pose {
	return Pose{X: x, Y: y, Heading: angle.Normalize(heading)}
}

func (p Pose) Position() r2.Vec {
	return r2.Vec{X: p.X, Y: p.Y}
}

// WithPosition returns a copy of p moved to v.
func (p Pose) WithPosition(v r2.Vec) Pose {
	p.X, p.Y = v.X, v.Y
	return p
}

// Facing returns the unit vector along the heading.
func (p Pose) Facing() r2.Vec {
	return r2.Vec{X: math.Cos(p.Heading), Y: math.Sin(p.Heading)}
}

// DistanceTo returns the Euclidean distance between the two positions.
func (p Pose) DistanceTo(o Pose) float64 {
	return r2.Norm(r2.Sub(o.Position(), p.Position()))
}

// BearingTo returns the direction of o as seen from p, in (-π, π].
func (p Pose) BearingTo(o Pose) float64 {
	d := r2.Sub(o.Position(), p.Position())
	return angle.Normalize(math.Atan2(d.Y, d.X))
}

// HeadingError returns the signed shortest rotation from p's heading to o's.
func (p Pose) HeadingError(o Pose) float64 {
	return angle.Diff(o.Heading, p.Heading)
}

func (p Pose) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.1f°)", p.X, p.Y, angle.Degrees(p.Heading))
}

// Velocity is the robot's rate of change of pose.  Linear is the signed
// speed along the heading, Angular is the heading rate in radians/second.
type Velocity struct {
	Linear  float64
	Angular float64
}

func (v Velocity) String() string {
	return fmt.Sprintf("v=%.2f/s ω=%.1f°/s", v.Linear, angle.Degrees(v.Angular))
}
