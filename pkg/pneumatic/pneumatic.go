// Package pneumatic drives groups of solenoid valves from GPIO pins.
// Requests are queued and applied on the group's scheduler tick.
package pneumatic

import (
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

// Pin is the subset of gpio.PinIO a solenoid needs.
type Pin interface {
	String() string
	Out(l gpio.Level) error
	Read() gpio.Level
}

type op int

const (
	opExtend op = iota
	opRetract
	opToggle
)

type Group struct {
	name      string
	pins      []Pin
	activeLow bool
	log       golog.Logger

	lock    sync.Mutex
	pending []op
	lastErr error
}

// New returns a group driving all pins together.  With activeLow set a low
// level extends the pistons.
func New(name string, pins []Pin, activeLow bool, log golog.Logger) (*Group, error) {
	if len(pins) == 0 {
		return nil, errors.Errorf("pneumatic: group %q has no solenoids", name)
	}
	if log == nil {
		log = golog.Global().Named("pneumatic")
	}
	return &Group{name: name, pins: pins, activeLow: activeLow, log: log}, nil
}

// Open looks up GPIO pins by name (e.g. "GPIO17").
func Open(name string, pinNames []string, activeLow bool, log golog.Logger) (*Group, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "pneumatic: failed to initialise periph")
	}
	var pins []Pin
	for _, n := range pinNames {
		p := gpioreg.ByName(n)
		if p == nil {
			return nil, errors.Errorf("pneumatic: no such GPIO pin %q", n)
		}
		pins = append(pins, p)
	}
	return New(name, pins, activeLow, log)
}

func (g *Group) Name() string {
	return "pneumatic-" + g.name
}

func (g *Group) extendedLevel() gpio.Level {
	return gpio.Level(!g.activeLow)
}

func (g *Group) queue(o op) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.pending = append(g.pending, o)
}

func (g *Group) Extend()  { g.queue(opExtend) }
func (g *Group) Retract() { g.queue(opRetract) }
func (g *Group) Toggle()  { g.queue(opToggle) }

func (g *Group) Tick(now time.Time) {
	g.lock.Lock()
	ops := g.pending
	g.pending = nil
	g.lock.Unlock()

	for _, o := range ops {
		if err := g.apply(o); err != nil {
			g.log.Warnw("pneumatic: failed to drive solenoid", "group", g.name, "err", err)
			g.lock.Lock()
			g.lastErr = err
			g.lock.Unlock()
		}
	}
}

func (g *Group) apply(o op) error {
	for _, p := range g.pins {
		var l gpio.Level
		switch o {
		case opExtend:
			l = g.extendedLevel()
		case opRetract:
			l = !g.extendedLevel()
		case opToggle:
			l = !p.Read()
		}
		if err := p.Out(l); err != nil {
			return errors.Wrapf(err, "pin %s", p)
		}
	}
	return nil
}

// Stop retracts the pistons immediately.
func (g *Group) Stop() {
	g.lock.Lock()
	g.pending = nil
	g.lock.Unlock()
	if err := g.apply(opRetract); err != nil {
		g.log.Warnw("pneumatic: failed to retract on stop", "group", g.name, "err", err)
	}
}

// Extended reports the state of the group's first solenoid.
func (g *Group) Extended() bool {
	return g.pins[0].Read() == g.extendedLevel()
}

func (g *Group) Retracted() bool {
	return !g.Extended()
}

// Err returns the most recent drive error.
func (g *Group) Err() error {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.lastErr
}

// Mirrored is a left/right pair of groups whose dominant side (normally the
// right) can be swapped for mirrored field setups.
type Mirrored struct {
	Left, Right *Group

	lock     sync.Mutex
	mirrored bool
}

func NewMirrored(left, right *Group) *Mirrored {
	return &Mirrored{Left: left, Right: right}
}

func (m *Mirrored) SetMirrored(mirrored bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.mirrored = mirrored
}

func (m *Mirrored) IsMirrored() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.mirrored
}

func (m *Mirrored) Dominant() *Group {
	if m.IsMirrored() {
		return m.Left
	}
	return m.Right
}

func (m *Mirrored) NonDominant() *Group {
	if m.IsMirrored() {
		return m.Right
	}
	return m.Left
}
