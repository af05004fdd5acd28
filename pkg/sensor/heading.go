package sensor

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/angle"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
)

type HeadingConfig struct {
	Source SourceID
	// RadiansPerUnit scales raw readings; math.Pi/180 for a sensor that
	// reports degrees.
	RadiansPerUnit float64
	// Inverted is for sensors that report clockwise-positive headings.
	Inverted bool
}

// Heading converts an absolute (possibly wrapping) heading reading into
// shortest-path heading deltas.  A reading that wraps from 359° to 1° yields
// +2°, not -358°.
type Heading struct {
	cfg    HeadingConfig
	dev    Device
	primed bool
	last   float64
}

func NewHeading(cfg HeadingConfig, dev Device) (*Heading, error) {
	if cfg.Source == "" {
		return nil, errors.New("heading sensor needs a source ID")
	}
	if cfg.RadiansPerUnit == 0 {
		cfg.RadiansPerUnit = 1
	}
	return &Heading{cfg: cfg, dev: dev}, nil
}

func (h *Heading) Source() SourceID { return h.cfg.Source }
func (h *Heading) Kind() Kind       { return KindHeading }
func (h *Heading) Unit() pose.Unit  { return pose.UnitNone }

func (h *Heading) Poll(now time.Time) Measurement {
	r, err := read(h.dev, now)
	if err != nil {
		return invalid(h.cfg.Source, KindHeading, now, err)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return invalid(h.cfg.Source, KindHeading, r.Time, errors.New("non-finite heading"))
	}

	rad := r.Value * h.cfg.RadiansPerUnit
	if h.cfg.Inverted {
		rad = -rad
	}
	var delta float64
	if h.primed {
		delta = angle.Diff(rad, h.last)
	}
	h.last = rad
	h.primed = true
	return Measurement{
		Source: h.cfg.Source,
		Kind:   KindHeading,
		Value:  delta,
		Time:   r.Time,
		Valid:  true,
	}
}
