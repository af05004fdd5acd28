// imutests prints BNO08x reports and the heading change seen by the sensor
// adapter.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/angle"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/bno08x"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/sensor"
)

func main() {
	port := flag.String("port", bno08x.DefaultSerialDevice, "serial device")
	flag.Parse()
	log := golog.Global().Named("imutests")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	imu := bno08x.New(*port, log)
	var wg sync.WaitGroup
	wg.Add(1)
	go imu.LoopReadingReports(ctx, &wg)

	if _, err := imu.WaitForReportAfter(ctx, time.Now()); err != nil {
		panic(err)
	}
	adapter, err := sensor.NewHeading(sensor.HeadingConfig{Source: "imu", RadiansPerUnit: math.Pi / 180}, imu)
	if err != nil {
		panic(err)
	}
	var total float64
	for {
		rep, _ := imu.CurrentReport()
		m := adapter.Poll(time.Now())
		if m.Valid {
			total += m.Value
		}
		fmt.Printf("%v\n", rep)
		fmt.Printf("Heading change %7.2f°, total %8.2f° (%v)\n",
			angle.Degrees(m.Value), angle.Degrees(total), m.Err)
		time.Sleep(200 * time.Millisecond)
	}
}
