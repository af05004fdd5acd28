package sensor

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
)

type EncoderConfig struct {
	Source SourceID
	Unit   pose.Unit

	// Circumference of the wheel, in Unit.
	Circumference float64
	// TicksPerRevolution of the raw counter.
	TicksPerRevolution float64
	// CounterBits is the width of a counter that wraps (e.g. 16); zero for a
	// counter that never wraps.
	CounterBits uint
	// Inverted flips the sign, for encoders mounted backwards.
	Inverted bool
}

// Encoder converts a cumulative tick counter into distance deltas.  The first
// successful read primes the adapter and yields a zero delta.
type Encoder struct {
	cfg    EncoderConfig
	dev    Device
	primed bool
	last   float64
}

func NewEncoder(cfg EncoderConfig, dev Device) (*Encoder, error) {
	if cfg.Source == "" {
		return nil, errors.New("encoder needs a source ID")
	}
	if !cfg.Unit.Valid() {
		return nil, errors.Errorf("encoder %s: invalid unit %q", cfg.Source, cfg.Unit)
	}
	if cfg.Circumference <= 0 || cfg.TicksPerRevolution <= 0 {
		return nil, errors.Errorf("encoder %s: circumference and ticks per revolution must be positive", cfg.Source)
	}
	if cfg.CounterBits > 62 {
		return nil, errors.Errorf("encoder %s: counter width %d too large", cfg.Source, cfg.CounterBits)
	}
	return &Encoder{cfg: cfg, dev: dev}, nil
}

func (e *Encoder) Source() SourceID { return e.cfg.Source }
func (e *Encoder) Kind() Kind       { return KindDistance }
func (e *Encoder) Unit() pose.Unit  { return e.cfg.Unit }

func (e *Encoder) Poll(now time.Time) Measurement {
	r, err := read(e.dev, now)
	if err != nil {
		return invalid(e.cfg.Source, KindDistance, now, err)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return invalid(e.cfg.Source, KindDistance, r.Time, errors.New("non-finite count"))
	}

	var ticks float64
	if e.primed {
		ticks = e.wrap(r.Value - e.last)
	}
	e.last = r.Value
	e.primed = true

	d := ticks / e.cfg.TicksPerRevolution * e.cfg.Circumference
	if e.cfg.Inverted {
		d = -d
	}
	return Measurement{
		Source: e.cfg.Source,
		Kind:   KindDistance,
		Value:  d,
		Time:   r.Time,
		Valid:  true,
	}
}

// wrap reduces a raw counter difference into the signed range of the counter.
func (e *Encoder) wrap(delta float64) float64 {
	if e.cfg.CounterBits == 0 {
		return delta
	}
	span := math.Ldexp(1, int(e.cfg.CounterBits))
	delta = math.Mod(delta, span)
	if delta >= span/2 {
		delta -= span
	} else if delta < -span/2 {
		delta += span
	}
	return delta
}

// Rezero forgets the last count; the next read primes the adapter again.
func (e *Encoder) Rezero() {
	e.primed = false
}
