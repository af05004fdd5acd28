// Package tracking implements the pose estimator: dead-reckoning integration
// of wheel distance deltas (and optionally a heading sensor and a sideways
// tracking wheel) into the robot's pose and velocity.
package tracking

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/angle"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/sensor"
)

// ErrUnitMismatch is returned when adapters disagree with the estimator about
// the distance unit.
var ErrUnitMismatch = errors.New("distance unit mismatch")

// straightEpsilon is the heading change (radians) below which a segment is
// integrated as a straight line.
const straightEpsilon = 1e-9

type Config struct {
	Unit pose.Unit
	// TrackWidth is the distance between the left and right wheel contact
	// points, in Unit.
	TrackWidth float64

	Left, Right sensor.SourceID
	// Heading is the source ID of a dedicated heading sensor, if any.
	// Without one the heading change comes from the wheel difference.
	Heading sensor.SourceID
	// Sideways is the source ID of a perpendicular tracking wheel, if any.
	Sideways sensor.SourceID
	// SidewaysOffset is the distance of the sideways wheel behind the turning
	// centre, in Unit.
	SidewaysOffset float64

	Logger golog.Logger
}

func (c Config) validate() error {
	if !c.Unit.Valid() {
		return errors.Errorf("invalid distance unit %q", c.Unit)
	}
	if c.TrackWidth <= 0 {
		return errors.New("track width must be positive")
	}
	if c.Left == "" || c.Right == "" || c.Left == c.Right {
		return errors.New("left and right sources must be distinct and non-empty")
	}
	return nil
}

// Stats counts the measurements the estimator has seen.
type Stats struct {
	Accepted     int
	Invalid      int
	NonMonotonic int
	Unknown      int
	// HeadingFallbacks counts integration steps that used the wheel heading
	// because the heading sensor had not reported.
	HeadingFallbacks int
	Steps            int
}

type snapshot struct {
	pose     pose.Pose
	velocity pose.Velocity
}

type pending struct {
	left, right, heading float64
	haveLeft, haveRight  bool
	haveHeading          bool
	sideways             float64
	latest               time.Time
}

func (p *pending) clear() {
	*p = pending{}
}

// Estimator is the pose estimator.  Update must be called from one goroutine
// at a time (the tracking task); CurrentPose and CurrentVelocity may be called
// from anywhere and never block.
type Estimator struct {
	cfg Config
	log golog.Logger

	current atomic.Pointer[snapshot]

	lock         sync.Mutex
	lastAccepted map[sensor.SourceID]time.Time
	pending      pending
	lastStep     time.Time
	stats        Stats
	wheelVel     map[sensor.SourceID]float64

	// headingDebt is the heading change integrated from the wheels since the
	// last accepted heading measurement.  The heading sensor's next delta
	// covers the same interval, so the debt is taken off it.
	headingDebt float64
}

func New(cfg Config, initial pose.Pose) (*Estimator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = golog.Global().Named("tracking")
	}
	e := &Estimator{
		cfg:          cfg,
		log:          log,
		lastAccepted: map[sensor.SourceID]time.Time{},
		wheelVel:     map[sensor.SourceID]float64{},
	}
	e.store(pose.New(initial.X, initial.Y, initial.Heading), pose.Velocity{})
	return e, nil
}

func (e *Estimator) Unit() pose.Unit {
	return e.cfg.Unit
}

func (e *Estimator) store(p pose.Pose, v pose.Velocity) {
	e.current.Store(&snapshot{pose: p, velocity: v})
}

// CurrentPose returns the last committed pose.
func (e *Estimator) CurrentPose() pose.Pose {
	return e.current.Load().pose
}

// CurrentVelocity returns the velocity over the last integration step; zero
// before the second step.
func (e *Estimator) CurrentVelocity() pose.Velocity {
	return e.current.Load().velocity
}

// Reset replaces the pose and forgets partially-collected measurements and
// velocity history.  Per-source timestamps are kept so that stale samples
// are still rejected.
func (e *Estimator) Reset(p pose.Pose) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.pending.clear()
	e.lastStep = time.Time{}
	e.headingDebt = 0
	e.store(pose.New(p.X, p.Y, p.Heading), pose.Velocity{})
	e.log.Infow("tracking: pose reset", "pose", p.String())
}

func (e *Estimator) Stats() Stats {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.stats
}

// WheelVelocity returns the last velocity measurement from source, if any.
func (e *Estimator) WheelVelocity(source sensor.SourceID) (float64, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	v, ok := e.wheelVel[source]
	return v, ok
}

// Update consumes one measurement.  Invalid, stale and unknown measurements
// are dropped and counted.
func (e *Estimator) Update(m sensor.Measurement) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if !m.Valid {
		e.stats.Invalid++
		reason := "unknown"
		if m.Err != nil {
			reason = m.Err.Error()
		}
		e.log.Debugw("tracking: dropped invalid measurement", "source", m.Source, "reason", reason)
		return
	}
	if last, ok := e.lastAccepted[m.Source]; ok && !m.Time.After(last) {
		e.stats.NonMonotonic++
		if e.isHeading(m) {
			// The adapter has moved past this delta, so the next one won't
			// repeat it.
			e.headingDebt -= m.Value
		}
		e.log.Debugw("tracking: dropped non-monotonic measurement", "source", m.Source,
			"time", m.Time, "last", last)
		return
	}

	switch {
	case m.Kind == sensor.KindVelocity:
		e.wheelVel[m.Source] = m.Value
	case m.Kind == sensor.KindDistance && m.Source == e.cfg.Left:
		if e.pending.haveLeft {
			e.flushStale()
		}
		e.pending.left += m.Value
		e.pending.haveLeft = true
	case m.Kind == sensor.KindDistance && m.Source == e.cfg.Right:
		if e.pending.haveRight {
			e.flushStale()
		}
		e.pending.right += m.Value
		e.pending.haveRight = true
	case m.Kind == sensor.KindDistance && m.Source == e.cfg.Sideways && m.Source != "":
		e.pending.sideways += m.Value
	case e.isHeading(m):
		e.pending.heading += m.Value - e.headingDebt
		e.pending.haveHeading = true
		e.headingDebt = 0
	default:
		e.stats.Unknown++
		e.log.Debugw("tracking: measurement from unknown source", "source", m.Source, "kind", m.Kind)
		return
	}

	e.lastAccepted[m.Source] = m.Time
	e.stats.Accepted++
	if m.Time.After(e.pending.latest) {
		e.pending.latest = m.Time
	}

	if e.pending.haveLeft && e.pending.haveRight && (e.pending.haveHeading || e.cfg.Heading == "") {
		e.integrate()
	}
}

func (e *Estimator) isHeading(m sensor.Measurement) bool {
	return m.Kind == sensor.KindHeading && m.Source == e.cfg.Heading && m.Source != ""
}

// flushStale integrates a wheel pair that the heading sensor never
// completed, using the wheel-derived heading change.  Called when a new wheel
// delta arrives for a side that is already pending.
func (e *Estimator) flushStale() {
	if !e.pending.haveLeft || !e.pending.haveRight {
		// Only one side has reported; deltas simply accumulate until the
		// other side catches up.
		return
	}
	e.stats.HeadingFallbacks++
	e.log.Debugw("tracking: heading sensor missed a step, using wheel heading")
	e.pending.haveHeading = false
	dTheta := e.integrate()
	e.headingDebt += dTheta
}

// integrate commits the pending step and returns the heading change used.
func (e *Estimator) integrate() float64 {
	p := e.pending
	e.pending.clear()

	dTheta := (p.right - p.left) / e.cfg.TrackWidth
	if p.haveHeading {
		dTheta = p.heading
	}
	dCentre := (p.left + p.right) / 2

	prev := e.current.Load()
	local := localDisplacement(dCentre, p.sideways, e.cfg.SidewaysOffset, dTheta)
	// Local X is forward; rotate into the field frame by the mean heading
	// over the segment.
	global := r2.Rotate(local, prev.pose.Heading+dTheta/2, r2.Vec{})
	next := pose.Pose{
		X:       prev.pose.X + global.X,
		Y:       prev.pose.Y + global.Y,
		Heading: angle.Normalize(prev.pose.Heading + dTheta),
	}

	var vel pose.Velocity
	if !e.lastStep.IsZero() {
		if dt := p.latest.Sub(e.lastStep).Seconds(); dt > 0 {
			vel.Linear = r2.Dot(global, next.Facing()) / dt
			vel.Angular = angle.Diff(next.Heading, prev.pose.Heading) / dt
		}
	}
	e.lastStep = p.latest
	e.stats.Steps++
	e.store(next, vel)
	return dTheta
}

// localDisplacement returns the robot-frame displacement (X forward, Y left)
// of a segment along which the centre travelled forward by dCentre, the
// sideways wheel travelled dSide, and the heading changed by dTheta.  Curved
// segments use the chord of the arc.
func localDisplacement(dCentre, dSide, sideOffset, dTheta float64) r2.Vec {
	if math.Abs(dTheta) < straightEpsilon {
		return r2.Vec{X: dCentre, Y: dSide}
	}
	chord := 2 * math.Sin(dTheta/2)
	return r2.Vec{
		X: chord * (dCentre / dTheta),
		Y: chord * (dSide/dTheta + sideOffset),
	}
}
