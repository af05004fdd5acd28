// gyrocal calibrates the SPI gyro's offset and then prints the integrated
// heading so that drift can be checked with the robot standing still.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/edaniels/golog"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/imu"
)

func main() {
	dev := flag.String("spi", "/dev/spidev0.1", "SPI device")
	samples := flag.Int("samples", 500, "calibration samples")
	duration := flag.Duration("watch", 30*time.Second, "how long to print the heading for")
	flag.Parse()
	log := golog.Global().Named("gyrocal")

	fmt.Println("---- Gyro calibration ----")
	g, err := imu.NewSPI(*dev, log)
	if err != nil {
		panic(err)
	}
	if err := g.Configure(); err != nil {
		panic(err)
	}
	if err := g.Calibrate(*samples); err != nil {
		panic(err)
	}
	if err := g.ResetFIFO(); err != nil {
		panic(err)
	}

	heading := imu.NewHeading(g)
	start := time.Now()
	for time.Since(start) < *duration {
		time.Sleep(200 * time.Millisecond)
		r, _ := heading.Read()
		if r.Err != nil {
			log.Warnw("read failed", "err", r.Err)
			continue
		}
		fmt.Printf("%6.1fs heading %8.3f°\n", time.Since(start).Seconds(), r.Value)
	}
}
