// Package robot assembles the drive stack (sensors, pose tracking,
// drivetrain, motion control, telemetry and mechanisms) on one cooperative
// scheduler.
package robot

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/config"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/drivetrain"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/motion"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/scheduler"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/sensor"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/telemetry"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/tracking"
)

// Source IDs of the standard sensors.
const (
	SourceLeft    sensor.SourceID = "left"
	SourceRight   sensor.SourceID = "right"
	SourceHeading sensor.SourceID = "heading"
)

const (
	historySize  = 2000
	sampleEvery  = 50 * time.Millisecond
	displayEvery = 200 * time.Millisecond
)

// Devices are the hardware (or simulated) capabilities the robot is built
// from.
type Devices struct {
	Motors      drivetrain.MotorGroup
	Left, Right sensor.Device
	// Heading is only used when the configured heading source isn't the
	// wheels.
	Heading sensor.Device

	// Inputs tick ahead of pose tracking each period.
	Inputs []scheduler.Task
	// Mechanisms tick after motion control.
	Mechanisms []scheduler.Task

	Displays     []telemetry.Display
	Annunciators []telemetry.Annunciator
	Closers      []io.Closer
}

type Robot struct {
	cfg config.Config
	log golog.Logger

	Scheduler *scheduler.Scheduler
	Tracking  *tracking.Task
	Drive     *drivetrain.Drivetrain
	Motion    *motion.Controller
	Monitor   *telemetry.Monitor

	closers []io.Closer

	lock     sync.Mutex
	lastTick time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// New wires devs into a robot.  Nothing runs until Start (or RunOnce on the
// scheduler).
func New(cfg config.Config, devs Devices, log golog.Logger) (*Robot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = golog.Global().Named("robot")
	}
	r := &Robot{cfg: cfg, log: log, closers: devs.Closers}

	adapters, err := r.adapters(devs)
	if err != nil {
		return nil, err
	}
	tcfg := tracking.Config{
		Unit:           cfg.Unit,
		TrackWidth:     cfg.Chassis.TrackWidth,
		Left:           SourceLeft,
		Right:          SourceRight,
		SidewaysOffset: cfg.Chassis.SidewaysOffset,
		Logger:         log.Named("tracking"),
	}
	if cfg.Heading.Source != config.HeadingWheels {
		tcfg.Heading = SourceHeading
	}
	est, err := tracking.New(tcfg, pose.Pose{})
	if err != nil {
		return nil, err
	}
	if r.Tracking, err = tracking.NewTask(est, adapters...); err != nil {
		return nil, err
	}

	r.Drive, err = drivetrain.New(drivetrain.Config{
		TrackWidth:      cfg.Chassis.TrackWidth,
		MaxVelocity:     cfg.Drive.MaxVelocity,
		MaxAcceleration: cfg.Drive.MaxAcceleration,
		Logger:          log.Named("drivetrain"),
	}, devs.Motors)
	if err != nil {
		return nil, err
	}
	r.Drive.SetClock(r.now)

	mcfg := cfg.MotionConfig()
	mcfg.Logger = log.Named("motion")
	r.Motion = motion.New(mcfg, r.Tracking, r.Drive)

	r.Monitor = telemetry.NewMonitor(telemetry.Config{
		HistorySize:  historySize,
		SampleEvery:  sampleEvery,
		DisplayEvery: displayEvery,
		Poses:        r.Tracking,
		Motion:       r.Motion,
		Commands:     r.Drive,
		Annunciators: devs.Annunciators,
		Displays:     devs.Displays,
		Logger:       log.Named("telemetry"),
	})

	r.Scheduler = scheduler.New(cfg.Scheduler.TickPeriod, log.Named("scheduler"))
	r.Scheduler.Add(r)
	for _, t := range devs.Inputs {
		r.Scheduler.Add(t)
	}
	r.Scheduler.Add(r.Tracking)
	r.Scheduler.Add(r.Motion)
	for _, t := range devs.Mechanisms {
		r.Scheduler.Add(t)
	}
	r.Scheduler.Add(r.Monitor)
	return r, nil
}

func (r *Robot) adapters(devs Devices) ([]sensor.Adapter, error) {
	if devs.Motors == nil || devs.Left == nil || devs.Right == nil {
		return nil, errors.New("robot: motors and both wheel encoders are required")
	}
	var adapters []sensor.Adapter
	for _, w := range []struct {
		id       sensor.SourceID
		dev      sensor.Device
		inverted bool
	}{
		{SourceLeft, devs.Left, r.cfg.Encoders.LeftInverted},
		{SourceRight, devs.Right, r.cfg.Encoders.RightInverted},
	} {
		a, err := sensor.NewEncoder(sensor.EncoderConfig{
			Source:             w.id,
			Unit:               r.cfg.Unit,
			Circumference:      r.cfg.Chassis.WheelCircumference,
			TicksPerRevolution: r.cfg.Encoders.TicksPerRevolution,
			CounterBits:        r.cfg.Encoders.CounterBits,
			Inverted:           w.inverted,
		}, w.dev)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	if r.cfg.Heading.Source == config.HeadingWheels {
		return adapters, nil
	}
	if devs.Heading == nil {
		return nil, errors.Errorf("robot: heading source %q configured but no heading device", r.cfg.Heading.Source)
	}
	h, err := sensor.NewHeading(sensor.HeadingConfig{
		Source:         SourceHeading,
		RadiansPerUnit: r.cfg.Heading.RadiansPerUnit,
		Inverted:       r.cfg.Heading.Inverted,
	}, devs.Heading)
	if err != nil {
		return nil, err
	}
	return append(adapters, h), nil
}

// Name and Tick make the robot its own first task: it records the tick time
// so that acceleration limiting follows the scheduler's clock.
func (r *Robot) Name() string {
	return "robot"
}

func (r *Robot) Tick(now time.Time) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.lastTick = now
}

func (r *Robot) now() time.Time {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.lastTick.IsZero() {
		return time.Now()
	}
	return r.lastTick
}

func (r *Robot) Config() config.Config {
	return r.cfg
}

// DriveTo starts a maneuver to target using the configured tolerance and
// timeout.
func (r *Robot) DriveTo(target pose.Pose) (*motion.Handle, error) {
	return r.Motion.DriveTo(r.cfg.Goal(target))
}

// Start runs the scheduler in the background until Shutdown or ctx is done.
func (r *Robot) Start(ctx context.Context) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.done != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Monitor.LoopUpdatingDisplays(ctx)
		}()
		r.Scheduler.Run(ctx)
		wg.Wait()
	}(r.done)
	r.log.Infow("robot: started", "tick", r.cfg.Scheduler.TickPeriod, "motors", r.cfg.Hardware.Motors,
		"heading", r.cfg.Heading.Source)
}

// Shutdown stops the scheduler (which stops every task), makes sure the
// motors are stopped and closes the devices.
func (r *Robot) Shutdown() error {
	r.lock.Lock()
	cancel, done := r.cancel, r.done
	r.lock.Unlock()
	if cancel != nil {
		cancel()
		<-done
	} else {
		r.Motion.Stop()
	}

	err := r.Drive.Stop()
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, r.closers[i].Close())
	}
	r.closers = nil
	if err != nil {
		r.log.Errorw("robot: shutdown incomplete", "err", err)
	}
	return err
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
