package sensor

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
)

type VelocityConfig struct {
	Source SourceID
	Unit   pose.Unit
	// Circumference of the wheel driven by the motor, in Unit.
	Circumference float64
	// RevolutionsPerSecondPerUnit scales the raw reading, 1.0/60 for RPM.
	RevolutionsPerSecondPerUnit float64
	Inverted                    bool
}

// Velocity converts a motor speed reading into a wheel surface speed.
type Velocity struct {
	cfg VelocityConfig
	dev Device
}

func NewVelocity(cfg VelocityConfig, dev Device) (*Velocity, error) {
	if cfg.Source == "" {
		return nil, errors.New("velocity sensor needs a source ID")
	}
	if !cfg.Unit.Valid() {
		return nil, errors.Errorf("velocity sensor %s: invalid unit %q", cfg.Source, cfg.Unit)
	}
	if cfg.Circumference <= 0 {
		return nil, errors.Errorf("velocity sensor %s: circumference must be positive", cfg.Source)
	}
	if cfg.RevolutionsPerSecondPerUnit == 0 {
		cfg.RevolutionsPerSecondPerUnit = 1.0 / 60
	}
	return &Velocity{cfg: cfg, dev: dev}, nil
}

func (v *Velocity) Source() SourceID { return v.cfg.Source }
func (v *Velocity) Kind() Kind       { return KindVelocity }
func (v *Velocity) Unit() pose.Unit  { return v.cfg.Unit }

func (v *Velocity) Poll(now time.Time) Measurement {
	r, err := read(v.dev, now)
	if err != nil {
		return invalid(v.cfg.Source, KindVelocity, now, err)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return invalid(v.cfg.Source, KindVelocity, r.Time, errors.New("non-finite velocity"))
	}
	speed := r.Value * v.cfg.RevolutionsPerSecondPerUnit * v.cfg.Circumference
	if v.cfg.Inverted {
		speed = -speed
	}
	return Measurement{
		Source: v.cfg.Source,
		Kind:   KindVelocity,
		Value:  speed,
		Time:   r.Time,
		Valid:  true,
	}
}
