package motion

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/angle"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/drivetrain"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pid"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
)

const tick = 10 * time.Millisecond

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRobot is both pose source and actuator.  When move is set, each Apply
// integrates the command as a unicycle over one tick.
type fakeRobot struct {
	lock     sync.Mutex
	pose     pose.Pose
	vel      pose.Velocity
	move     bool
	events   []string
	last     pose.Velocity
	applyErr error
}

func (r *fakeRobot) CurrentPose() pose.Pose {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.pose
}

func (r *fakeRobot) CurrentVelocity() pose.Velocity {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.vel
}

func (r *fakeRobot) setPose(p pose.Pose) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.pose = p
}

func (r *fakeRobot) Apply(linear, angular float64) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.applyErr != nil {
		return r.applyErr
	}
	r.events = append(r.events, "apply")
	r.last = pose.Velocity{Linear: linear, Angular: angular}
	if r.move {
		dt := tick.Seconds()
		mid := r.pose.Heading + angular*dt/2
		r.pose = pose.New(
			r.pose.X+linear*dt*math.Cos(mid),
			r.pose.Y+linear*dt*math.Sin(mid),
			r.pose.Heading+angular*dt,
		)
		r.vel = r.last
	}
	return nil
}

func (r *fakeRobot) Stop() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, "stop")
	r.last = pose.Velocity{}
	r.vel = pose.Velocity{}
	return nil
}

func (r *fakeRobot) history() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.events...)
}

func testConfig(t *testing.T) Config {
	return Config{
		Linear:       pid.Config{Gains: pid.Gains{Kp: 3}, Min: -20, Max: 20},
		Angular:      pid.Config{Gains: pid.Gains{Kp: 4}, Min: -3, Max: 3},
		SettleRadius: 1,
		Logger:       golog.NewTestLogger(t),
	}
}

func newController(t *testing.T) (*Controller, *fakeRobot) {
	r := &fakeRobot{}
	return New(testConfig(t), r, r), r
}

// run ticks the controller until the maneuver ends or maxTicks pass, and
// returns the time of the last tick.
func run(c *Controller, h *Handle, from time.Time, maxTicks int) time.Time {
	now := from
	for i := 0; i < maxTicks; i++ {
		c.Tick(now)
		if _, done := h.Result(); done {
			return now
		}
		now = now.Add(tick)
	}
	return now
}

func goalTo(x, y, heading float64) Goal {
	return Goal{
		Target:    pose.New(x, y, heading),
		Tolerance: Tolerance{Position: 0.5, Heading: 0.05},
		Timeout:   5 * time.Second,
	}
}

func TestDriveToWhileRunningIsRejected(t *testing.T) {
	c, _ := newController(t)
	first := goalTo(10, 0, 0)
	h, err := c.DriveTo(first)
	require.NoError(t, err)
	assert.Equal(t, Running, c.Status().State)

	_, err = c.DriveTo(goalTo(-5, 5, 1))
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	g, ok := c.Goal()
	require.True(t, ok)
	assert.Equal(t, first, g)
	assert.Equal(t, Running, c.Status().State)
	_, done := h.Result()
	assert.False(t, done)
}

func TestInvalidGoals(t *testing.T) {
	c, _ := newController(t)
	for name, g := range map[string]Goal{
		"no timeout":         {Target: pose.New(1, 0, 0)},
		"negative tolerance": {Target: pose.New(1, 0, 0), Timeout: time.Second, Tolerance: Tolerance{Position: -1}},
		"NaN target":         {Target: pose.Pose{X: math.NaN()}, Timeout: time.Second},
		"velocity no cmd":    {Profile: ProfileVelocity, Timeout: time.Second},
		"unknown profile":    {Profile: Profile(42), Timeout: time.Second},
		"forward NaN":        {Profile: ProfileForward, Distance: math.Inf(1), Timeout: time.Second},
	} {
		_, err := c.DriveTo(g)
		assert.True(t, errors.Is(err, ErrInvalidGoal), name)
	}
	assert.Equal(t, Idle, c.Status().State)
}

func TestCancelStopsBeforeResolving(t *testing.T) {
	c, r := newController(t)
	h, err := c.DriveTo(goalTo(10, 0, 0))
	require.NoError(t, err)
	c.Tick(t0)
	c.Tick(t0.Add(tick))

	// Drive the scheduler from another goroutine while Cancel waits.
	stopTicking := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		now := t0.Add(2 * tick)
		for {
			select {
			case <-stopTicking:
				return
			default:
			}
			c.Tick(now)
			now = now.Add(tick)
			time.Sleep(time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Cancel(ctx))
	eventsAtCancel := r.history()
	close(stopTicking)
	wg.Wait()

	assert.Equal(t, "stop", eventsAtCancel[len(eventsAtCancel)-1])
	assert.Equal(t, eventsAtCancel, r.history(), "no commands after cancel returned")
	assert.Equal(t, Cancelled, c.Status().State)
	res, done := h.Result()
	require.True(t, done)
	assert.Equal(t, Cancelled, res.Status.State)

	// Cancelling again is a no-op.
	require.NoError(t, h.Cancel(ctx))
	require.NoError(t, c.Cancel(ctx))
}

func TestCancelObservedAtNextTick(t *testing.T) {
	c, r := newController(t)
	h, err := c.DriveTo(goalTo(10, 0, 0))
	require.NoError(t, err)
	c.Tick(t0)
	h.RequestCancel()
	assert.Equal(t, Running, c.Status().State)
	c.Tick(t0.Add(tick))
	assert.Equal(t, Cancelled, c.Status().State)
	assert.Equal(t, []string{"apply", "stop"}, r.history())
	select {
	case <-h.Done():
	default:
		t.Fatal("handle not resolved")
	}
}

func TestCancelWaitHonoursContext(t *testing.T) {
	c, _ := newController(t)
	h, err := c.DriveTo(goalTo(10, 0, 0))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// Nobody is ticking.
	assert.Equal(t, context.DeadlineExceeded, h.Cancel(ctx))
	_, err = h.Wait(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestTimeout(t *testing.T) {
	c, r := newController(t)
	h, err := c.DriveTo(goalTo(10, 0, 0))
	require.NoError(t, err)
	last := run(c, h, t0, 1000)
	res, done := h.Result()
	require.True(t, done)
	assert.Equal(t, TimedOut, res.Status.State)
	assert.Equal(t, t0.Add(5*time.Second+tick), last)
	assert.Equal(t, "stop", r.history()[len(r.history())-1])
	assert.Equal(t, 5*time.Second+tick, res.Elapsed)
}

func TestSuccessBeatsTimeout(t *testing.T) {
	c, r := newController(t)
	h, err := c.DriveTo(goalTo(10, 0, 0))
	require.NoError(t, err)
	c.Tick(t0)
	r.setPose(pose.New(10.1, 0, 0.01))
	c.Tick(t0.Add(time.Minute))
	res, done := h.Result()
	require.True(t, done)
	assert.Equal(t, Succeeded, res.Status.State)
}

func TestZeroToleranceNeverSucceeds(t *testing.T) {
	c, r := newController(t)
	r.setPose(pose.New(10, 0, 0))
	g := goalTo(10, 0, 0)
	g.Tolerance = Tolerance{}
	g.Timeout = 100 * time.Millisecond
	h, err := c.DriveTo(g)
	require.NoError(t, err)
	run(c, h, t0, 100)
	res, _ := h.Result()
	assert.Equal(t, TimedOut, res.Status.State)
}

func TestHardwareFaultFailsManeuver(t *testing.T) {
	c, r := newController(t)
	r.applyErr = &drivetrain.FaultError{Side: drivetrain.Left, Err: errors.New("stalled")}
	h, err := c.DriveTo(goalTo(10, 0, 0))
	require.NoError(t, err)
	c.Tick(t0)

	res, done := h.Result()
	require.True(t, done)
	assert.Equal(t, Failed, res.Status.State)
	assert.True(t, errors.Is(res.Status.Err, drivetrain.ErrHardwareUnavailable))
	assert.Equal(t, []string{"stop"}, r.history())
	assert.Equal(t, Failed, c.Status().State)
}

func TestSetGainsOnlyWhenIdle(t *testing.T) {
	c, _ := newController(t)
	require.NoError(t, c.SetGains(AxisLinear, pid.Gains{Kp: 2}))

	h, err := c.DriveTo(goalTo(10, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, ErrNotIdle, c.SetGains(AxisAngular, pid.Gains{Kp: 1}))

	h.RequestCancel()
	c.Tick(t0)
	require.NoError(t, c.SetGains(AxisAngular, pid.Gains{Kp: 1}))
}

func TestSeekScalesLinearByHeadingError(t *testing.T) {
	c, r := newController(t)
	g := goalTo(0, 10, 0)
	_, err := c.DriveTo(g)
	require.NoError(t, err)
	c.Tick(t0)
	assert.InDelta(t, 0, r.last.Linear, 1e-9, "goal is abeam, no forward drive")
	assert.Equal(t, 3.0, r.last.Angular)
}

func TestAutoDirectionReverses(t *testing.T) {
	c, r := newController(t)
	g := goalTo(-10, 0, 0)
	g.Direction = Auto
	_, err := c.DriveTo(g)
	require.NoError(t, err)
	c.Tick(t0)
	assert.Equal(t, -20.0, r.last.Linear)
	assert.InDelta(t, 0, r.last.Angular, 1e-9)
}

func TestSeekConverges(t *testing.T) {
	c, r := newController(t)
	r.move = true
	g := goalTo(10, 3, 0)
	g.IgnoreHeading = true
	g.Timeout = 10 * time.Second
	h, err := c.DriveTo(g)
	require.NoError(t, err)
	run(c, h, t0, 2000)
	res, done := h.Result()
	require.True(t, done)
	require.Equal(t, Succeeded, res.Status.State)
	assert.LessOrEqual(t, res.Pose.DistanceTo(g.Target), 0.5)
}

func TestTurnThenDriveConverges(t *testing.T) {
	c, r := newController(t)
	r.move = true
	g := goalTo(0, 10, math.Pi)
	g.Profile = ProfileTurnThenDrive
	g.Tolerance = Tolerance{Position: 0.2, Heading: 0.02}
	g.Timeout = 10 * time.Second
	h, err := c.DriveTo(g)
	require.NoError(t, err)
	run(c, h, t0, 2000)

	res, _ := h.Result()
	require.Equal(t, Succeeded, res.Status.State)
	assert.LessOrEqual(t, res.Pose.DistanceTo(g.Target), 0.2)
	assert.LessOrEqual(t, math.Abs(res.Pose.HeadingError(g.Target)), 0.02)
}

func TestTurnTakesShortestPath(t *testing.T) {
	c, r := newController(t)
	r.move = true
	r.setPose(pose.New(0, 0, 3))
	g := goalTo(0, 0, -3)
	g.Profile = ProfileTurn
	h, err := c.DriveTo(g)
	require.NoError(t, err)
	c.Tick(t0)
	assert.Greater(t, r.last.Angular, 0.0, "CCW through ±π")
	run(c, h, t0.Add(tick), 500)

	res, _ := h.Result()
	require.Equal(t, Succeeded, res.Status.State)
	assert.InDelta(t, 0, angle.Diff(res.Pose.Heading, -3), 0.05)
}

func TestTurnToPoint(t *testing.T) {
	c, r := newController(t)
	r.move = true
	g := goalTo(0, -5, 0)
	g.Profile = ProfileTurnToPoint
	h, err := c.DriveTo(g)
	require.NoError(t, err)
	run(c, h, t0, 500)

	res, _ := h.Result()
	require.Equal(t, Succeeded, res.Status.State)
	assert.InDelta(t, -math.Pi/2, res.Pose.Heading, 0.05)
	assert.InDelta(t, 0, res.Pose.X, 1e-9)
}

func TestVelocityProfile(t *testing.T) {
	c, r := newController(t)
	h, err := c.DriveTo(Goal{
		Profile:  ProfileVelocity,
		Velocity: &VelocityCommand{Linear: 5, Angular: 0.5, Duration: 100 * time.Millisecond},
		Timeout:  time.Second,
	})
	require.NoError(t, err)
	c.Tick(t0)
	assert.Equal(t, pose.Velocity{Linear: 5, Angular: 0.5}, r.last)
	last := run(c, h, t0.Add(tick), 100)

	res, _ := h.Result()
	assert.Equal(t, Succeeded, res.Status.State)
	assert.Equal(t, t0.Add(100*time.Millisecond), last)
	h2 := r.history()
	assert.Equal(t, "stop", h2[len(h2)-1])
	assert.Len(t, h2, 11)
}

func TestSeekConvergesToGoalHeading(t *testing.T) {
	for _, target := range []pose.Pose{
		pose.New(10, 3, math.Pi/2),
		pose.New(0, 5, math.Pi),
		pose.New(-4, -6, 0.3),
	} {
		c, r := newController(t)
		r.move = true
		g := goalTo(target.X, target.Y, target.Heading)
		g.Timeout = 10 * time.Second
		h, err := c.DriveTo(g)
		require.NoError(t, err)
		run(c, h, t0, 2000)

		res, done := h.Result()
		require.True(t, done)
		require.Equal(t, Succeeded, res.Status.State, "goal %v", target)
		assert.LessOrEqual(t, res.Pose.DistanceTo(target), 0.5)
		assert.LessOrEqual(t, math.Abs(res.Pose.HeadingError(target)), 0.05)
	}
}

func TestSeekHoldsHeadingCloseIn(t *testing.T) {
	c, r := newController(t)
	// Inside the settle radius, dead ahead of the goal but facing away from
	// the goal heading.
	r.setPose(pose.New(9.2, 0, 0))
	_, err := c.DriveTo(goalTo(10, 0, math.Pi/2))
	require.NoError(t, err)
	c.Tick(t0)
	assert.InDelta(t, 3*0.8, r.last.Linear, 1e-9)
	assert.InDelta(t, 0, r.last.Angular, 1e-9, "no turning until on position")
}

func TestBoomerangAimsBehindGoal(t *testing.T) {
	cfg := testConfig(t)
	cfg.BoomerangLead = 0.5
	r := &fakeRobot{}
	c := New(cfg, r, r)
	g := goalTo(10, 0, math.Pi/2)
	g.Profile = ProfileBoomerang
	_, err := c.DriveTo(g)
	require.NoError(t, err)
	c.Tick(t0)
	// The carrot is at (10, -5), so the robot curves right first.
	assert.Less(t, r.last.Angular, 0.0)
	assert.Greater(t, r.last.Linear, 0.0)
}

func TestBoomerangConverges(t *testing.T) {
	cfg := testConfig(t)
	cfg.BoomerangLead = 0.6
	r := &fakeRobot{move: true}
	c := New(cfg, r, r)
	g := goalTo(10, 5, math.Pi/2)
	g.Profile = ProfileBoomerang
	g.Timeout = 10 * time.Second
	h, err := c.DriveTo(g)
	require.NoError(t, err)
	run(c, h, t0, 2000)

	res, _ := h.Result()
	require.Equal(t, Succeeded, res.Status.State)
	assert.LessOrEqual(t, res.Pose.DistanceTo(g.Target), 0.5)
	assert.LessOrEqual(t, math.Abs(res.Pose.HeadingError(g.Target)), 0.05)
}

func TestForwardDrivesRelativeDistance(t *testing.T) {
	c, r := newController(t)
	r.move = true
	r.setPose(pose.New(1, 1, math.Pi/2))
	h, err := c.DriveTo(Goal{
		Profile:   ProfileForward,
		Distance:  -3,
		Tolerance: Tolerance{Position: 0.1},
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)
	c.Tick(t0)
	assert.InDelta(t, -9, r.last.Linear, 1e-9)
	run(c, h, t0.Add(tick), 1000)

	res, _ := h.Result()
	require.Equal(t, Succeeded, res.Status.State)
	assert.InDelta(t, 1, res.Pose.X, 1e-6)
	assert.InDelta(t, -2, res.Pose.Y, 0.1)
	assert.InDelta(t, math.Pi/2, res.Pose.Heading, 1e-9)
}

func TestStopMeasuresElapsedOnTickClock(t *testing.T) {
	c, _ := newController(t)
	h, err := c.DriveTo(goalTo(10, 0, 0))
	require.NoError(t, err)
	// Ticks in the distant past: the wall clock would report years.
	c.Tick(t0)
	c.Tick(t0.Add(tick))
	c.Tick(t0.Add(2 * tick))
	c.Stop()
	res, done := h.Result()
	require.True(t, done)
	assert.Equal(t, Cancelled, res.Status.State)
	assert.Equal(t, 2*tick, res.Elapsed)
}

func TestStopEndsManeuver(t *testing.T) {
	c, r := newController(t)
	h, err := c.DriveTo(goalTo(10, 0, 0))
	require.NoError(t, err)
	c.Stop()
	res, done := h.Result()
	require.True(t, done)
	assert.Equal(t, Cancelled, res.Status.State)
	assert.Equal(t, []string{"stop"}, r.history())
	c.Stop()
}

func TestParseProfile(t *testing.T) {
	for p := ProfileSeek; p <= ProfileForward; p++ {
		got, err := ParseProfile(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseProfile("spiral")
	assert.True(t, errors.Is(err, ErrInvalidGoal))
}
