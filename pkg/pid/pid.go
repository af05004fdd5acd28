// Package pid provides the single-axis feedback controller used for both
// the linear and angular axes of the motion controller.
package pid

import (
	"math"
	"time"
)

type Gains struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`
}

type Config struct {
	Gains `yaml:",inline"`

	// Output is clamped to [Min, Max].  Min == Max == 0 disables clamping.
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`

	// IntegralLimit, if non-zero, bounds the magnitude of the integral
	// accumulator in addition to the anti-windup rule.
	IntegralLimit float64 `yaml:"integral_limit"`
}

// State is a snapshot of the controller's internals, for telemetry.
type State struct {
	Integral  float64
	PrevError float64
	PrevTime  time.Time
	Output    float64
	Saturated bool
}

// Controller is a PID controller with output clamping and conditional
// integration.  The zero value is a controller with zero gains.
type Controller struct {
	cfg Config

	integral  float64
	prevError float64
	prevTime  time.Time
	primed    bool

	lastOutput float64
	saturated  bool
}

func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Step feeds one error sample taken at now and returns the clamped output.
// The error must already be normalised by the caller.
func (c *Controller) Step(err float64, now time.Time) float64 {
	var dt float64
	if c.primed {
		dt = now.Sub(c.prevTime).Seconds()
	}

	var derivative float64
	integral := c.integral
	if dt > 0 {
		derivative = (err - c.prevError) / dt
		integral += err * dt
		if lim := c.cfg.IntegralLimit; lim > 0 {
			integral = math.Max(-lim, math.Min(lim, integral))
		}
	}

	raw := c.cfg.Kp*err + c.cfg.Ki*integral + c.cfg.Kd*derivative
	out := c.clamp(raw)

	if out != raw && sameSign(err, raw-out) {
		// Saturated and integrating would push further into saturation:
		// hold the integral where it was.
		integral = c.integral
		out = c.clamp(c.cfg.Kp*err + c.cfg.Ki*integral + c.cfg.Kd*derivative)
	}

	c.integral = integral
	c.prevError = err
	c.prevTime = now
	c.primed = true
	c.lastOutput = out
	c.saturated = out != raw
	return out
}

func (c *Controller) clamp(v float64) float64 {
	if c.cfg.Min == 0 && c.cfg.Max == 0 {
		return v
	}
	return math.Max(c.cfg.Min, math.Min(c.cfg.Max, v))
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// Reset clears the accumulated state; gains and limits are kept.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevError = 0
	c.prevTime = time.Time{}
	c.primed = false
	c.lastOutput = 0
	c.saturated = false
}

func (c *Controller) SetGains(g Gains) {
	c.cfg.Gains = g
}

func (c *Controller) Gains() Gains {
	return c.cfg.Gains
}

func (c *Controller) Config() Config {
	return c.cfg
}

func (c *Controller) State() State {
	return State{
		Integral:  c.integral,
		PrevError: c.prevError,
		PrevTime:  c.prevTime,
		Output:    c.lastOutput,
		Saturated: c.saturated,
	}
}
