package motion

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/angle"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
)

type phase int

const (
	phaseTurn phase = iota
	phaseDrive
	phaseFinalTurn
)

// maneuver is the per-goal state of the control loop.  All fields are
// guarded by the controller lock.
type maneuver struct {
	goal   Goal
	handle *Handle

	start           time.Time
	cancelRequested bool

	reverse bool
	phase   phase

	// origin is the pose at the first control step.
	origin pose.Pose
}

// step is the output of one planning pass: what the PID controllers should
// chase this tick.
type step struct {
	linearError  float64
	headingError float64
	// linearScale multiplies the linear PID output.
	linearScale float64
	feedForward pose.Velocity
	openLoop    bool

	resetPIDs bool
	done      bool
}

// begin latches the per-maneuver decisions made on the first tick.
func (m *maneuver) begin(cur pose.Pose) {
	switch m.goal.Direction {
	case Reverse:
		m.reverse = true
	case Auto:
		d := r2.Sub(m.goal.Target.Position(), cur.Position())
		m.reverse = r2.Dot(cur.Facing(), d) < 0
	}
	m.phase = phaseTurn
	m.origin = cur
}

func (m *maneuver) plan(cur pose.Pose, elapsed time.Duration, cfg Config) step {
	switch m.goal.Profile {
	case ProfileTurnThenDrive:
		return m.planTurnThenDrive(cur, cfg)
	case ProfileTurn:
		herr := angle.Diff(m.goal.Target.Heading, cur.Heading)
		return step{headingError: herr, done: within(herr, m.goal.Tolerance.Heading)}
	case ProfileTurnToPoint:
		herr := m.bearingError(cur)
		return step{headingError: herr, done: within(herr, m.goal.Tolerance.Heading)}
	case ProfileVelocity:
		v := m.goal.Velocity
		if elapsed >= v.Duration {
			return step{openLoop: true, done: true}
		}
		return step{openLoop: true, feedForward: pose.Velocity{Linear: v.Linear, Angular: v.Angular}}
	case ProfileBoomerang:
		return m.planBoomerang(cur, cfg)
	case ProfileForward:
		return m.planForward(cur)
	default:
		return m.planSeek(cur, cfg)
	}
}

// bearingError is the heading error to face the goal position, or to face
// directly away from it when reversing.  Zero once on top of the goal.
func (m *maneuver) bearingError(cur pose.Pose) float64 {
	return m.bearingErrorTo(cur, m.goal.Target.Position())
}

func (m *maneuver) bearingErrorTo(cur pose.Pose, p r2.Vec) float64 {
	d := r2.Sub(p, cur.Position())
	if r2.Norm(d) < 1e-9 {
		return 0
	}
	bearing := math.Atan2(d.Y, d.X)
	if m.reverse {
		bearing += math.Pi
	}
	return angle.Diff(bearing, cur.Heading)
}

// finalHeadingError is the error to the goal heading, or zero if the goal
// heading doesn't matter.
func (m *maneuver) finalHeadingError(cur pose.Pose) float64 {
	if m.goal.IgnoreHeading {
		return 0
	}
	return cur.HeadingError(m.goal.Target)
}

// alongTrack is the signed distance to the goal along the robot's facing
// direction.
func alongTrack(cur pose.Pose, target pose.Pose) float64 {
	return r2.Dot(cur.Facing(), r2.Sub(target.Position(), cur.Position()))
}

func (m *maneuver) arrived(cur pose.Pose) bool {
	if !within(cur.DistanceTo(m.goal.Target), m.goal.Tolerance.Position) {
		return false
	}
	return m.goal.IgnoreHeading || within(m.finalHeadingError(cur), m.goal.Tolerance.Heading)
}

func (m *maneuver) planSeek(cur pose.Pose, cfg Config) step {
	tol := m.goal.Tolerance
	dist := cur.DistanceTo(m.goal.Target)
	var s step

	if within(dist, tol.Position) {
		// On position: turn to the goal heading, trimming any along-track
		// error as we go.
		if m.phase != phaseFinalTurn {
			m.phase = phaseFinalTurn
			s.resetPIDs = true
		}
		s.linearError = alongTrack(cur, m.goal.Target)
		s.linearScale = 1
		s.headingError = m.finalHeadingError(cur)
		s.done = m.arrived(cur)
		return s
	}
	if m.phase == phaseFinalTurn {
		m.phase = phaseDrive
		s.resetPIDs = true
	}

	herr := m.bearingError(cur)
	if dist > cfg.SettleRadius {
		s.linearError = dist
		if m.reverse {
			s.linearError = -dist
		}
		s.headingError = herr
		s.linearScale = math.Max(math.Cos(herr), 0)
		return s
	}

	// Close in, the bearing swings wildly, so hold the current heading and
	// close the distance along it.  Only steer if the goal would be passed
	// too wide to land inside the tolerance.
	a := alongTrack(cur, m.goal.Target)
	s.linearError = math.Copysign(dist, a)
	if dist > 1e-9 {
		s.linearScale = math.Abs(a) / dist
	}
	if math.Cos(herr) > 0 && dist*math.Abs(math.Sin(herr)) > tol.Position/2 {
		s.headingError = herr
	}
	return s
}

// carrot is the point a Boomerang maneuver chases: the goal position pulled
// back along the goal heading in proportion to the remaining distance, so
// the robot curves in and arrives already facing the goal heading.
func (m *maneuver) carrot(cur pose.Pose, cfg Config) r2.Vec {
	target := m.goal.Target.Position()
	if m.goal.IgnoreHeading || cfg.BoomerangLead <= 0 {
		return target
	}
	back := cfg.BoomerangLead * cur.DistanceTo(m.goal.Target)
	if m.reverse {
		back = -back
	}
	return r2.Sub(target, r2.Scale(back, m.goal.Target.Facing()))
}

func (m *maneuver) planBoomerang(cur pose.Pose, cfg Config) step {
	dist := cur.DistanceTo(m.goal.Target)
	if dist <= cfg.SettleRadius || within(dist, m.goal.Tolerance.Position) || m.phase == phaseFinalTurn {
		return m.planSeek(cur, cfg)
	}
	herr := m.bearingErrorTo(cur, m.carrot(cur, cfg))
	linErr := dist
	if m.reverse {
		linErr = -dist
	}
	return step{
		linearError:  linErr,
		headingError: herr,
		linearScale:  math.Max(math.Cos(herr), 0),
	}
}

// planForward drives Goal.Distance along the heading the maneuver started
// with, holding that heading.
func (m *maneuver) planForward(cur pose.Pose) step {
	travelled := r2.Dot(m.origin.Facing(), r2.Sub(cur.Position(), m.origin.Position()))
	lerr := m.goal.Distance - travelled
	return step{
		linearError:  lerr,
		headingError: angle.Diff(m.origin.Heading, cur.Heading),
		linearScale:  1,
		done:         within(lerr, m.goal.Tolerance.Position),
	}
}

func (m *maneuver) planTurnThenDrive(cur pose.Pose, cfg Config) step {
	tol := m.goal.Tolerance
	dist := cur.DistanceTo(m.goal.Target)
	var s step

	if m.phase == phaseTurn && within(dist, tol.Position) {
		m.phase = phaseFinalTurn
		s.resetPIDs = true
	}
	if m.phase == phaseTurn {
		herr := m.bearingError(cur)
		if !within(herr, tol.Heading) {
			s.headingError = herr
			return s
		}
		m.phase = phaseDrive
		s.resetPIDs = true
	}
	if m.phase == phaseDrive {
		if !within(dist, tol.Position) {
			s.linearError = alongTrack(cur, m.goal.Target)
			s.linearScale = 1
			if dist > cfg.SettleRadius {
				s.headingError = m.bearingError(cur)
			}
			return s
		}
		m.phase = phaseFinalTurn
		s.resetPIDs = true
	}

	// Final turn.  Drift out of the position tolerance sends us back to
	// driving.
	if !within(dist, tol.Position) {
		m.phase = phaseDrive
		s.resetPIDs = true
		s.linearError = alongTrack(cur, m.goal.Target)
		s.linearScale = 1
		return s
	}
	s.headingError = m.finalHeadingError(cur)
	s.done = m.arrived(cur)
	return s
}

// within is true if |v| <= tol.  A zero tolerance is never met.
func within(v, tol float64) bool {
	return tol > 0 && math.Abs(v) <= tol
}
