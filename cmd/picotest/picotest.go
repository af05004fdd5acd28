// picotest spins the Pico-BLDC motors slowly and prints the board's
// readings and the wheel distances.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/edaniels/golog"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/drivetrain"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/picobldc"
)

func main() {
	bus := flag.String("bus", "/dev/i2c-1", "I2C bus device")
	speed := flag.Float64("speed", 1000, "raw motor speed")
	calibrate := flag.Bool("calibrate", false, "calibrate first; the wheels must be off the ground")
	flag.Parse()
	log := golog.Global().Named("picotest")

	fmt.Println("Pico-BLDC test program")
	pico, err := picobldc.New(*bus, log)
	if err != nil {
		panic(err)
	}
	defer pico.Close()

	if *calibrate {
		fmt.Println("Calibrating...")
		if err := pico.Calibrate(10 * time.Second); err != nil {
			panic(err)
		}
	}
	if err := pico.SetWatchdog(time.Second); err != nil {
		panic(err)
	}
	fmt.Println("Watchdog enabled.")

	motors, err := picobldc.NewMotors(pico, 1)
	if err != nil {
		panic(err)
	}
	tracker := picobldc.NewDistanceTracker(pico)
	for {
		for _, side := range []drivetrain.Side{drivetrain.Left, drivetrain.Right} {
			if err := motors.SetVelocity(side, *speed); err != nil {
				log.Warnw("failed to set speed", "side", side, "err", err)
			}
		}
		if err := tracker.Poll(); err != nil {
			log.Warnw("failed to read distances", "err", err)
		}
		battV, _ := pico.BattVolts()
		current, _ := pico.CurrentAmps()
		power, _ := pico.PowerWatts()
		tempC, _ := pico.TemperatureC()
		status, _ := pico.Status()
		fmt.Printf("%.1fC %.2fV %.3fA %.3fW Status=%x Rotations=%.2f\n",
			tempC, battV, current, power, status, tracker.AccumulatedRotations())
		time.Sleep(500 * time.Millisecond)
	}
}
