// drivectl drives the robot to a pose, either in simulation or on the real
// hardware.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/angle"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/config"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/motion"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/robot"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/telemetry"
)

var log = golog.Global().Named("drivectl")

var configFlag = cli.StringFlag{
	Name:  "config",
	Value: "drivecore.yaml",
	Usage: "YAML configuration file; defaults are used if it doesn't exist",
}

var goalFlags = []cli.Flag{
	configFlag,
	cli.Float64Flag{Name: "x", Usage: "target x"},
	cli.Float64Flag{Name: "y", Usage: "target y"},
	cli.Float64Flag{Name: "heading", Usage: "target heading in degrees, +tive CCW"},
	cli.StringFlag{Name: "profile", Value: motion.ProfileSeek.String(), Usage: "seek, boomerang, turn-then-drive, turn, turn-to-point or forward"},
	cli.Float64Flag{Name: "distance", Usage: "travel for the forward profile; negative drives backwards"},
	cli.BoolFlag{Name: "reverse", Usage: "drive backwards"},
	cli.BoolFlag{Name: "ignore-heading", Usage: "only the position matters"},
	cli.DurationFlag{Name: "timeout", Usage: "override the configured timeout"},
}

func main() {
	app := cli.NewApp()
	app.Name = "drivectl"
	app.Usage = "closed-loop driving for the robot"
	app.Commands = []cli.Command{
		{
			Name:  "config",
			Usage: "print the configuration in use",
			Flags: []cli.Flag{
				configFlag,
				cli.BoolFlag{Name: "write-in-use", Usage: "also write <config>-in-use.yaml"},
			},
			Action: showConfig,
		},
		{
			Name:   "sim",
			Usage:  "drive to a pose in simulation",
			Flags:  append(goalFlags, cli.StringFlag{Name: "plot", Usage: "write the trajectory to this PNG/SVG/PDF"}),
			Action: runSim,
		},
		{
			Name:   "run",
			Usage:  "drive to a pose on the hardware",
			Flags:  goalFlags,
			Action: runHardware,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Errorw("drivectl failed", "err", err)
		os.Exit(1)
	}
}

func showConfig(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	if c.Bool("write-in-use") {
		out, err := cfg.WriteInUse(c.String("config"))
		if err != nil {
			return err
		}
		log.Infow("wrote configuration in use", "file", out)
	}
	return nil
}

func goalFromFlags(c *cli.Context, cfg config.Config) (motion.Goal, error) {
	profile, err := motion.ParseProfile(c.String("profile"))
	if err != nil {
		return motion.Goal{}, err
	}
	goal := cfg.Goal(pose.New(c.Float64("x"), c.Float64("y"), angle.FromDegrees(c.Float64("heading")).Float()))
	goal.Profile = profile
	goal.IgnoreHeading = c.Bool("ignore-heading")
	goal.Distance = c.Float64("distance")
	if c.Bool("reverse") {
		goal.Direction = motion.Reverse
	}
	if d := c.Duration("timeout"); d > 0 {
		goal.Timeout = d
	}
	return goal, nil
}

func printResult(res motion.Result, unit pose.Unit) {
	fmt.Printf("%s after %v at %s (%s)\n", res.Status, res.Elapsed.Round(time.Millisecond), res.Pose, unit)
}

// runSim runs the scheduler in simulated time, so it finishes as fast as the
// machine allows.
func runSim(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	cfg.Hardware.Motors = config.MotorsSim
	if cfg.Heading.Source != config.HeadingWheels {
		cfg.Heading.Source = config.HeadingSim
	}
	goal, err := goalFromFlags(c, cfg)
	if err != nil {
		return err
	}

	devs, world := robot.SimDevices(cfg, pose.Pose{}, log.Named("sim"))
	r, err := robot.New(cfg, devs, log)
	if err != nil {
		return err
	}
	defer r.Shutdown()

	h, err := r.Motion.DriveTo(goal)
	if err != nil {
		return err
	}
	now := time.Now()
	maxTicks := int(goal.Timeout/cfg.Scheduler.TickPeriod) + 2
	for i := 0; i < maxTicks; i++ {
		r.Scheduler.RunOnce(now)
		now = now.Add(cfg.Scheduler.TickPeriod)
		if _, done := h.Result(); done {
			break
		}
	}
	res, done := h.Result()
	if !done {
		return errors.New("maneuver did not finish")
	}
	printResult(res, cfg.Unit)
	fmt.Printf("true pose %s, estimator %+v\n", world.Pose(), r.Tracking.Estimator().Stats())

	if path := c.String("plot"); path != "" {
		if err := telemetry.WritePlot(path, r.Monitor.History(), cfg.Unit); err != nil {
			return err
		}
		log.Infow("wrote trajectory plot", "file", path)
	}
	if res.Status.State != motion.Succeeded {
		return errors.Errorf("maneuver ended %s", res.Status)
	}
	return nil
}

func runHardware(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.Hardware.Motors == config.MotorsSim {
		return errors.New("configuration selects the sim motor driver; use the sim command")
	}
	goal, err := goalFromFlags(c, cfg)
	if err != nil {
		return err
	}

	// Our global context, we cancel it to trigger shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerSignalHandlers(cancel)

	devs, err := robot.OpenHardware(ctx, cfg, log)
	if err != nil {
		return err
	}
	r, err := robot.New(cfg, devs, log)
	if err != nil {
		for _, cl := range devs.Closers {
			_ = cl.Close()
		}
		return err
	}
	defer func() {
		log.Info("Zeroing motors for shut down")
		if err := r.Shutdown(); err != nil {
			log.Warnw("shutdown failed", "err", err)
		}
	}()
	r.Start(ctx)

	h, err := r.Motion.DriveTo(goal)
	if err != nil {
		return err
	}
	res, err := h.Wait(ctx)
	if err != nil {
		// Interrupted; give the maneuver one tick to stop the motors.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		if cerr := h.Cancel(stopCtx); cerr != nil {
			log.Warnw("cancel did not complete", "err", cerr)
		}
		res, _ = h.Result()
	}
	printResult(res, cfg.Unit)
	if res.Status.State != motion.Succeeded {
		return errors.Errorf("maneuver ended %s", res.Status)
	}
	return nil
}

func registerSignalHandlers(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-signals
		log.Infow("signal received, shutting down", "signal", s)
		cancel()
	}()
}
