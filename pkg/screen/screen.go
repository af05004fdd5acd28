// Package screen draws the robot's pose trail and motion status on the
// 128x128 RGB565 framebuffer display.
package screen

import (
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sync"

	"github.com/edaniels/golog"
	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/angle"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/motion"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/telemetry"
)

const S = 128

// Screen is a telemetry.Display backed by a framebuffer device.
type Screen struct {
	log golog.Logger

	lock sync.Mutex
	fb   io.WriteSeeker
	f    *os.File
}

var _ telemetry.Display = (*Screen)(nil)

func Open(path string, log golog.Logger) (*Screen, error) {
	if log == nil {
		log = golog.Global().Named("screen")
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open screen %s", path)
	}
	return &Screen{log: log, fb: f, f: f}, nil
}

// New wraps an already-open framebuffer.
func New(fb io.WriteSeeker, log golog.Logger) *Screen {
	if log == nil {
		log = golog.Global().Named("screen")
	}
	return &Screen{log: log, fb: fb}
}

func (s *Screen) Show(latest telemetry.Snapshot, history []telemetry.Snapshot) error {
	img := Render(latest, history)
	return s.write(ToRGB565(img))
}

func (s *Screen) write(buf []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, err := s.fb.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "screen seek failed")
	}
	// One row per write; the SPI framebuffer driver drops large writes.
	for i := 0; i < S; i++ {
		if _, err := s.fb.Write(buf[i*S*2 : (i+1)*S*2]); err != nil {
			return errors.Wrap(err, "screen write failed")
		}
	}
	return nil
}

// Close blanks the screen and releases the device.
func (s *Screen) Close() error {
	err := s.write(make([]byte, S*S*2))
	if s.f != nil {
		if cerr := s.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func statusColour(dc *gg.Context, st motion.State) {
	switch st {
	case motion.Running:
		dc.SetRGB(1, 0.9, 0)
	case motion.Succeeded:
		dc.SetRGB(0.2, 1, 0.2)
	case motion.Idle:
		dc.SetRGB(0.7, 0.7, 0.7)
	default:
		dc.SetRGB(1, 0.2, 0)
	}
}

// Render draws the pose trail (scaled to fit), the robot's heading arrow,
// the active goal and the status line.
func Render(latest telemetry.Snapshot, history []telemetry.Snapshot) image.Image {
	dc := gg.NewContext(S, S)
	dc.SetRGB(0, 0, 0)
	dc.Clear()

	// Fit the trail, the robot and the goal into the lower 100 pixels.
	minX, maxX := latest.Pose.X, latest.Pose.X
	minY, maxY := latest.Pose.Y, latest.Pose.Y
	extend := func(x, y float64) {
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	for _, h := range history {
		extend(h.Pose.X, h.Pose.Y)
	}
	if latest.Goal != nil {
		extend(latest.Goal.Target.X, latest.Goal.Target.Y)
	}
	span := math.Max(math.Max(maxX-minX, maxY-minY), 1e-6)
	const top, area = 24, S - 28
	scale := area / span
	toScreen := func(x, y float64) (float64, float64) {
		return 4 + (x-minX)*scale, top + area - (y-minY)*scale
	}

	dc.SetRGBA(0.2, 0.6, 1, 1)
	dc.SetLineWidth(1)
	for i, h := range history {
		x, y := toScreen(h.Pose.X, h.Pose.Y)
		if i == 0 {
			dc.MoveTo(x, y)
		} else {
			dc.LineTo(x, y)
		}
	}
	dc.Stroke()

	if latest.Goal != nil {
		gx, gy := toScreen(latest.Goal.Target.X, latest.Goal.Target.Y)
		dc.SetRGB(1, 0.2, 0)
		dc.DrawLine(gx-3, gy-3, gx+3, gy+3)
		dc.DrawLine(gx-3, gy+3, gx+3, gy-3)
		dc.Stroke()
	}

	// Robot: triangle pointing along the heading.  Screen Y is down so the
	// rotation is negated.
	rx, ry := toScreen(latest.Pose.X, latest.Pose.Y)
	dc.Push()
	dc.Translate(rx, ry)
	dc.Rotate(-latest.Pose.Heading)
	statusColour(dc, latest.Status.State)
	dc.DrawRegularPolygon(3, 0, 0, 5, 0)
	dc.Fill()
	dc.Pop()

	statusColour(dc, latest.Status.State)
	dc.DrawString(latest.Status.State.String(), 2, 10)
	dc.SetRGB(1, 1, 1)
	dc.DrawString(fmt.Sprintf("%.0f,%.0f %.0f°", latest.Pose.X, latest.Pose.Y, angle.Degrees(latest.Pose.Heading)), 2, 21)
	if latest.Status.State == motion.Failed {
		dc.Push()
		dc.Translate(S-12, 8)
		DrawWarning(dc)
		dc.Pop()
	}
	return dc.Image()
}

// ToRGB565 converts a 128x128 image to the framebuffer's layout: RGB565,
// little endian, rotated a quarter turn to match the panel mounting.
func ToRGB565(img image.Image) []byte {
	buf := make([]byte, S*S*2)
	for y := 0; y < S; y++ {
		for x := 0; x < S; x++ {
			r, g, b, _ := img.At(x, y).RGBA() // 16-bit pre-multiplied

			rb := byte(r >> (16 - 5))
			gb := byte(g >> (16 - 6)) // Green has 6 bits
			bb := byte(b >> (16 - 5))

			buf[(S-1-y)*2+x*S*2+1] = (rb << 3) | (gb >> 3)
			buf[(S-1-y)*2+x*S*2] = bb | (gb << 5)
		}
	}
	return buf
}

func DrawWarning(dc *gg.Context) {
	dc.SetRGB(1, 0.2, 0)
	dc.DrawRegularPolygon(3, 0, 0, 7, 0)
	dc.Fill()
	dc.SetRGBA(0, 0, 0, 0.9)
	dc.DrawString("!", -2, 4)
}
