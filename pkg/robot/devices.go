package robot

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/bno08x"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/canmotor"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/config"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/drivetrain"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/imu"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/picobldc"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pneumatic"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/scheduler"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/screen"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/sim"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/sound"
)

const (
	picoWatchdog     = 200 * time.Millisecond
	gyroCalibSamples = 200
)

// SimDevices returns devices backed by a simulated world starting at start.
// The world is ticked ahead of tracking.
func SimDevices(cfg config.Config, start pose.Pose, log golog.Logger) (Devices, *sim.World) {
	world := sim.New(sim.Config{
		TrackWidth:         cfg.Chassis.TrackWidth,
		Circumference:      cfg.Chassis.WheelCircumference,
		TicksPerRevolution: cfg.Encoders.TicksPerRevolution,
		CounterBits:        cfg.Encoders.CounterBits,
		Logger:             log,
	}, start)
	devs := Devices{
		Motors: world,
		Left:   world.Encoder(drivetrain.Left),
		Right:  world.Encoder(drivetrain.Right),
		Inputs: []scheduler.Task{world},
	}
	if cfg.Heading.Source == config.HeadingSim {
		devs.Heading = world.Heading()
	}
	return devs, world
}

// OpenHardware opens the devices named in cfg.Hardware.  Background readers
// run until ctx is done.  On error anything already opened is closed.
func OpenHardware(ctx context.Context, cfg config.Config, log golog.Logger) (devs Devices, err error) {
	if log == nil {
		log = golog.Global().Named("robot")
	}
	defer func() {
		if err != nil {
			for i := len(devs.Closers) - 1; i >= 0; i-- {
				_ = devs.Closers[i].Close()
			}
			devs = Devices{}
		}
	}()
	hw := cfg.Hardware

	switch hw.Motors {
	case config.MotorsPicoBLDC:
		pico, err := picobldc.New(hw.I2CBus, log.Named("picobldc"))
		if err != nil {
			return devs, err
		}
		devs.Closers = append(devs.Closers, pico)
		if err := pico.SetWatchdog(picoWatchdog); err != nil {
			return devs, errors.Wrap(err, "failed to enable Pico-BLDC watchdog")
		}
		motors, err := picobldc.NewMotors(pico, hw.PicoSpeedPerUnit)
		if err != nil {
			return devs, err
		}
		tracker := picobldc.NewDistanceTracker(pico)
		devs.Motors = motors
		devs.Left = tracker.Encoder(drivetrain.Left)
		devs.Right = tracker.Encoder(drivetrain.Right)
	case config.MotorsCAN:
		bus, err := canmotor.Dial(ctx, hw.CANInterface, canmotor.Config{
			LeftNodes:     hw.CANLeftNodes,
			RightNodes:    hw.CANRightNodes,
			ScalePerUnit:  hw.CANScalePerUnit,
			RightInverted: true,
			StatusTimeout: canmotor.DefaultStatusTimeout,
			Logger:        log.Named("canmotor"),
		})
		if err != nil {
			return devs, err
		}
		devs.Closers = append(devs.Closers, bus)
		devs.Motors = bus
		devs.Left = bus.Encoder(drivetrain.Left)
		devs.Right = bus.Encoder(drivetrain.Right)
	default:
		return devs, errors.Errorf("motor driver %q is not hardware", hw.Motors)
	}

	switch cfg.Heading.Source {
	case config.HeadingBNO08x:
		b := bno08x.New(hw.IMUPort, log.Named("bno08x"))
		var wg sync.WaitGroup
		readCtx, cancel := context.WithCancel(ctx)
		wg.Add(1)
		go b.LoopReadingReports(readCtx, &wg)
		devs.Closers = append(devs.Closers, closerFunc(func() error {
			cancel()
			wg.Wait()
			return nil
		}))
		devs.Heading = b
	case config.HeadingGyro:
		g, err := imu.NewSPI(hw.GyroSPI, log.Named("imu"))
		if err != nil {
			return devs, err
		}
		if err := g.Configure(); err != nil {
			return devs, err
		}
		if err := g.Calibrate(gyroCalibSamples); err != nil {
			return devs, err
		}
		if err := g.ResetFIFO(); err != nil {
			return devs, err
		}
		devs.Heading = imu.NewHeading(g)
	case config.HeadingSim:
		return devs, errors.New("the sim heading source needs the sim motor driver")
	}

	// The screen and sound are nice to have; carry on without them.
	if hw.Screen != "" {
		if s, err := screen.Open(hw.Screen, log.Named("screen")); err != nil {
			log.Warnw("robot: no screen", "err", err)
		} else {
			devs.Displays = append(devs.Displays, s)
			devs.Closers = append(devs.Closers, s)
		}
	}
	if hw.SoundDir != "" {
		p := sound.New(sound.Config{Dir: hw.SoundDir, Logger: log.Named("sound")})
		devs.Annunciators = append(devs.Annunciators, p)
		devs.Closers = append(devs.Closers, closerFunc(func() error {
			p.Close()
			return nil
		}))
	}

	if len(hw.Solenoids) > 0 {
		g, err := pneumatic.Open("main", hw.Solenoids, hw.SolenoidsActiveLow, log.Named("pneumatic"))
		if err != nil {
			return devs, err
		}
		devs.Mechanisms = append(devs.Mechanisms, g)
	}
	return devs, nil
}
