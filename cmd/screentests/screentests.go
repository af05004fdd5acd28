// screentests draws a canned trajectory on the robot's screen, or into a
// PNG file, so the rendering can be checked without driving.
package main

import (
	"flag"
	"image/png"
	"math"
	"os"
	"time"

	"github.com/edaniels/golog"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/motion"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/screen"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/telemetry"
)

func main() {
	fb := flag.String("fb", "/dev/fb1", "framebuffer device")
	out := flag.String("png", "", "write a PNG here instead of using the framebuffer")
	flag.Parse()
	log := golog.Global().Named("screentests")

	// A quarter circle of radius 300.
	var history []telemetry.Snapshot
	start := time.Now()
	goal := motion.Goal{Target: pose.New(300, 300, math.Pi/2)}
	for i := 0; i <= 50; i++ {
		theta := float64(i) / 50 * math.Pi / 2
		history = append(history, telemetry.Snapshot{
			Time:   start.Add(time.Duration(i) * 50 * time.Millisecond),
			Pose:   pose.New(300*math.Sin(theta), 300-300*math.Cos(theta), theta),
			Status: motion.Status{State: motion.Running},
			Goal:   &goal,
		})
	}
	latest := history[len(history)-1]

	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			panic(err)
		}
		defer f.Close()
		if err := png.Encode(f, screen.Render(latest, history)); err != nil {
			panic(err)
		}
		return
	}

	s, err := screen.Open(*fb, log)
	if err != nil {
		panic(err)
	}
	defer s.Close()
	if err := s.Show(latest, history); err != nil {
		panic(err)
	}
	time.Sleep(5 * time.Second)
}
