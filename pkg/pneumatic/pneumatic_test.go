package pneumatic

import (
	"errors"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"
)

func pins(n int) ([]Pin, []*gpiotest.Pin) {
	var out []Pin
	var raw []*gpiotest.Pin
	for i := 0; i < n; i++ {
		p := &gpiotest.Pin{N: "GPIO", Num: i}
		out = append(out, p)
		raw = append(raw, p)
	}
	return out, raw
}

func TestExtendAppliedOnTick(t *testing.T) {
	ps, raw := pins(2)
	g, err := New("claw", ps, false, golog.NewTestLogger(t))
	require.NoError(t, err)

	g.Extend()
	assert.False(t, g.Extended(), "nothing changes until the tick")

	g.Tick(time.Now())
	assert.True(t, g.Extended())
	assert.Equal(t, gpio.High, raw[0].Read())
	assert.Equal(t, gpio.High, raw[1].Read())

	g.Retract()
	g.Tick(time.Now())
	assert.True(t, g.Retracted())
	assert.Equal(t, gpio.Low, raw[1].Read())
}

func TestActiveLow(t *testing.T) {
	ps, raw := pins(1)
	g, err := New("wing", ps, true, golog.NewTestLogger(t))
	require.NoError(t, err)

	g.Extend()
	g.Tick(time.Now())
	assert.Equal(t, gpio.Low, raw[0].Read())
	assert.True(t, g.Extended())
}

func TestToggleFlipsEachPin(t *testing.T) {
	ps, raw := pins(2)
	raw[1].L = gpio.High
	g, err := New("mixed", ps, false, golog.NewTestLogger(t))
	require.NoError(t, err)

	g.Toggle()
	g.Tick(time.Now())
	assert.Equal(t, gpio.High, raw[0].Read())
	assert.Equal(t, gpio.Low, raw[1].Read())
}

func TestQueuedOpsApplyInOrder(t *testing.T) {
	ps, _ := pins(1)
	g, err := New("q", ps, false, golog.NewTestLogger(t))
	require.NoError(t, err)

	g.Extend()
	g.Toggle()
	g.Toggle()
	g.Tick(time.Now())
	assert.True(t, g.Extended())
}

func TestStopRetracts(t *testing.T) {
	ps, _ := pins(1)
	g, err := New("s", ps, false, golog.NewTestLogger(t))
	require.NoError(t, err)
	g.Extend()
	g.Tick(time.Now())

	g.Extend()
	g.Stop()
	assert.True(t, g.Retracted())
	g.Tick(time.Now())
	assert.True(t, g.Retracted(), "pending requests are dropped")
}

type failingPin struct{ gpiotest.Pin }

func (p *failingPin) Out(l gpio.Level) error { return errors.New("pin busy") }

func TestDriveErrorRecorded(t *testing.T) {
	g, err := New("f", []Pin{&failingPin{}}, false, golog.NewTestLogger(t))
	require.NoError(t, err)

	g.Extend()
	g.Tick(time.Now())
	assert.Error(t, g.Err())
}

func TestNewNeedsPins(t *testing.T) {
	_, err := New("empty", nil, false, nil)
	assert.Error(t, err)
}

func TestMirrored(t *testing.T) {
	lp, _ := pins(1)
	rp, _ := pins(1)
	left, err := New("left", lp, false, golog.NewTestLogger(t))
	require.NoError(t, err)
	right, err := New("right", rp, false, golog.NewTestLogger(t))
	require.NoError(t, err)

	m := NewMirrored(left, right)
	assert.Same(t, right, m.Dominant())
	assert.Same(t, left, m.NonDominant())

	m.SetMirrored(true)
	assert.True(t, m.IsMirrored())
	assert.Same(t, left, m.Dominant())
	assert.Same(t, right, m.NonDominant())
}
