package motion

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pid"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
)

// PoseSource is the read-only view of the pose estimator.
type PoseSource interface {
	CurrentPose() pose.Pose
	CurrentVelocity() pose.Velocity
}

// Actuator is the drivetrain as seen by the controller.
type Actuator interface {
	Apply(linear, angular float64) error
	Stop() error
}

type Axis int

const (
	AxisLinear Axis = iota
	AxisAngular
)

type Config struct {
	// Linear output is a forward velocity, angular output a turn rate.
	Linear  pid.Config `yaml:"linear"`
	Angular pid.Config `yaml:"angular"`

	// SettleRadius is the distance from the goal inside which the Seek,
	// Boomerang and TurnThenDrive profiles stop chasing the bearing to the
	// goal position.
	SettleRadius float64 `yaml:"settle_radius"`
	// BoomerangLead is how far behind the goal, as a fraction of the
	// remaining distance, the Boomerang profile aims.  Zero makes it Seek.
	BoomerangLead float64 `yaml:"boomerang_lead"`

	// SettleVelocity, when non-zero, additionally requires the robot to have
	// slowed below these speeds before a maneuver succeeds.
	SettleVelocity pose.Velocity `yaml:"settle_velocity"`

	Logger golog.Logger `yaml:"-"`
}

type Controller struct {
	cfg   Config
	log   golog.Logger
	poses PoseSource
	drive Actuator

	lock    sync.Mutex
	linear  *pid.Controller
	angular *pid.Controller
	status  Status
	active  *maneuver

	// lastTick is the time of the most recent Tick.
	lastTick time.Time
}

func New(cfg Config, poses PoseSource, drive Actuator) *Controller {
	log := cfg.Logger
	if log == nil {
		log = golog.Global().Named("motion")
	}
	return &Controller{
		cfg:     cfg,
		log:     log,
		poses:   poses,
		drive:   drive,
		linear:  pid.New(cfg.Linear),
		angular: pid.New(cfg.Angular),
	}
}

func (c *Controller) Name() string {
	return "motion"
}

// DriveTo starts a maneuver.  The maneuver makes progress on subsequent
// calls to Tick.
func (c *Controller) DriveTo(goal Goal) (*Handle, error) {
	if err := goal.validate(); err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.active != nil {
		return nil, errors.Wrapf(ErrAlreadyRunning, "cannot start %s", goal)
	}
	m := &maneuver{
		goal: goal,
		handle: &Handle{
			done: make(chan struct{}),
		},
	}
	m.handle.c = c
	m.handle.m = m
	c.active = m
	c.status = Status{State: Running}
	c.log.Infow("motion: maneuver started", "goal", goal.String(), "from", c.poses.CurrentPose().String())
	return m.handle, nil
}

// Tick runs one control step of the active maneuver, if any.
func (c *Controller) Tick(now time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lastTick = now

	m := c.active
	if m == nil {
		return
	}
	if m.cancelRequested {
		c.finish(m, Status{State: Cancelled}, now)
		return
	}

	cur := c.poses.CurrentPose()
	if m.start.IsZero() {
		m.start = now
		m.begin(cur)
		c.linear.Reset()
		c.angular.Reset()
	}
	elapsed := now.Sub(m.start)

	step := m.plan(cur, elapsed, c.cfg)
	if step.resetPIDs {
		c.linear.Reset()
		c.angular.Reset()
	}
	if step.done && c.settled() {
		c.finish(m, Status{State: Succeeded}, now)
		return
	}
	if elapsed > m.goal.Timeout {
		c.finish(m, Status{State: TimedOut}, now)
		return
	}

	linear, angular := step.feedForward.Linear, step.feedForward.Angular
	if !step.openLoop {
		linear += c.linear.Step(step.linearError, now) * step.linearScale
		angular += c.angular.Step(step.headingError, now)
	}
	c.log.Debugw("motion: step", "pose", cur.String(), "linErr", step.linearError,
		"headingErr", step.headingError, "linear", linear, "angular", angular)

	if err := c.drive.Apply(linear, angular); err != nil {
		c.finish(m, Status{State: Failed, Err: err}, now)
	}
}

func (c *Controller) settled() bool {
	sv := c.cfg.SettleVelocity
	if sv.Linear == 0 && sv.Angular == 0 {
		return true
	}
	v := c.poses.CurrentVelocity()
	if sv.Linear > 0 && abs(v.Linear) > sv.Linear {
		return false
	}
	if sv.Angular > 0 && abs(v.Angular) > sv.Angular {
		return false
	}
	return true
}

// finish ends m.  The drivetrain is always stopped before the handle
// resolves.  Must be called with the lock held.
func (c *Controller) finish(m *maneuver, status Status, now time.Time) {
	if err := c.drive.Stop(); err != nil {
		c.log.Errorw("motion: failed to stop drivetrain", "err", err)
		if status.Err == nil {
			status = Status{State: Failed, Err: err}
		}
	}
	var elapsed time.Duration
	if !m.start.IsZero() {
		elapsed = now.Sub(m.start)
	}
	final := c.poses.CurrentPose()
	c.log.Infow("motion: maneuver finished", "status", status.String(), "pose", final.String(),
		"elapsed", elapsed)

	c.status = status
	c.active = nil
	c.linear.Reset()
	c.angular.Reset()
	m.handle.result = Result{Status: status, Pose: final, Elapsed: elapsed}
	close(m.handle.done)
}

// Status returns the state of the current or most recent maneuver.
func (c *Controller) Status() Status {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.status
}

// Goal returns the goal of the active maneuver.
func (c *Controller) Goal() (Goal, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.active == nil {
		return Goal{}, false
	}
	return c.active.goal, true
}

// SetGains retunes one axis.  Only legal when no maneuver is running.
func (c *Controller) SetGains(axis Axis, g pid.Gains) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.active != nil {
		return ErrNotIdle
	}
	switch axis {
	case AxisLinear:
		c.linear.SetGains(g)
		c.cfg.Linear.Gains = g
	case AxisAngular:
		c.angular.SetGains(g)
		c.cfg.Angular.Gains = g
	default:
		return errors.Errorf("unknown axis %d", axis)
	}
	c.log.Infow("motion: gains updated", "axis", axis, "gains", g)
	return nil
}

// PIDState returns the internal state of the two axis controllers.
func (c *Controller) PIDState() (linear, angular pid.State) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.linear.State(), c.angular.State()
}

// Cancel cancels the active maneuver, if any, and waits for it to stop.
func (c *Controller) Cancel(ctx context.Context) error {
	c.lock.Lock()
	m := c.active
	c.lock.Unlock()
	if m == nil {
		return nil
	}
	return m.handle.Cancel(ctx)
}

// Stop ends any active maneuver immediately, without waiting for a tick.
// The scheduler calls it on shutdown.  Elapsed time is measured on the tick
// clock, so it only falls back to the wall clock if nothing ever ticked.
func (c *Controller) Stop() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if m := c.active; m != nil {
		now := c.lastTick
		if now.IsZero() {
			now = time.Now()
		}
		if !m.start.IsZero() && now.Before(m.start) {
			now = m.start
		}
		c.finish(m, Status{State: Cancelled}, now)
	}
}

func (c *Controller) requestCancel(m *maneuver) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.active == m {
		m.cancelRequested = true
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
