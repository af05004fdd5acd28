package drivetrain

import (
	"math"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMotors struct {
	vel      map[Side]float64
	stops    int
	failSide Side
	failErr  error
}

func newRecordingMotors() *recordingMotors {
	return &recordingMotors{vel: map[Side]float64{}}
}

func (m *recordingMotors) SetVelocity(side Side, v float64) error {
	if m.failErr != nil && side == m.failSide {
		return m.failErr
	}
	m.vel[side] = v
	return nil
}

func (m *recordingMotors) StopAll() error {
	m.stops++
	m.vel[Left], m.vel[Right] = 0, 0
	return nil
}

func newDrivetrain(t *testing.T, cfg Config) (*Drivetrain, *recordingMotors) {
	cfg.Logger = golog.NewTestLogger(t)
	m := newRecordingMotors()
	d, err := New(cfg, m)
	require.NoError(t, err)
	return d, m
}

func TestApplyConvertsToSides(t *testing.T) {
	d, m := newDrivetrain(t, Config{TrackWidth: 20})
	require.NoError(t, d.Apply(10, 0))
	assert.Equal(t, 10.0, m.vel[Left])
	assert.Equal(t, 10.0, m.vel[Right])

	require.NoError(t, d.Apply(0, 1))
	assert.Equal(t, -10.0, m.vel[Left])
	assert.Equal(t, 10.0, m.vel[Right])

	require.NoError(t, d.Apply(5, -0.5))
	assert.Equal(t, Command{Left: 10, Right: 0}, d.Command())
}

func TestVelocityLimitPreservesRatio(t *testing.T) {
	d, m := newDrivetrain(t, Config{TrackWidth: 10, MaxVelocity: 50})
	require.NoError(t, d.ApplySides(100, 50))
	assert.InDelta(t, 50, m.vel[Left], 1e-12)
	assert.InDelta(t, 25, m.vel[Right], 1e-12)

	require.NoError(t, d.ApplySides(-20, -200))
	assert.InDelta(t, -5, m.vel[Left], 1e-12)
	assert.InDelta(t, -50, m.vel[Right], 1e-12)

	require.NoError(t, d.ApplySides(30, -40))
	assert.Equal(t, 30.0, m.vel[Left], "within limits is untouched")
}

func TestAccelerationLimit(t *testing.T) {
	d, m := newDrivetrain(t, Config{TrackWidth: 10, MaxAcceleration: 100})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return now })

	// From rest the first command only starts the clock.
	require.NoError(t, d.ApplySides(30, 30))
	assert.Equal(t, 0.0, m.vel[Left])
	now = now.Add(100 * time.Millisecond)
	require.NoError(t, d.ApplySides(50, -50))
	assert.InDelta(t, 10, m.vel[Left], 1e-9)
	assert.InDelta(t, -10, m.vel[Right], 1e-9)

	now = now.Add(100 * time.Millisecond)
	require.NoError(t, d.ApplySides(15, -50))
	assert.InDelta(t, 15, m.vel[Left], 1e-9)
	assert.InDelta(t, -20, m.vel[Right], 1e-9)

	// Stop is not rate limited, and clears the history: the next command
	// ramps up from rest again.
	require.NoError(t, d.Stop())
	assert.Equal(t, 1, m.stops)
	assert.Equal(t, Command{}, d.Command())
	now = now.Add(time.Second)
	require.NoError(t, d.ApplySides(40, 40))
	assert.Equal(t, 0.0, m.vel[Left])
	assert.Equal(t, 0.0, m.vel[Right])
	now = now.Add(100 * time.Millisecond)
	require.NoError(t, d.ApplySides(40, 40))
	assert.InDelta(t, 10, m.vel[Left], 1e-9)
	assert.InDelta(t, 10, m.vel[Right], 1e-9)
}

func TestFaultIsHardwareUnavailable(t *testing.T) {
	d, m := newDrivetrain(t, Config{TrackWidth: 10})
	m.failSide = Right
	m.failErr = errors.New("overcurrent")

	err := d.Apply(10, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHardwareUnavailable))
	var fault *FaultError
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, Right, fault.Side)
	assert.Contains(t, err.Error(), "overcurrent")
	assert.Equal(t, 1, m.stops, "motors stopped after a fault")
}

func TestRejectsBadConfig(t *testing.T) {
	_, err := New(Config{}, newRecordingMotors())
	assert.Error(t, err)
	_, err = New(Config{TrackWidth: 1, MaxVelocity: -1}, newRecordingMotors())
	assert.Error(t, err)
	_, err = New(Config{TrackWidth: 1}, nil)
	assert.Error(t, err)
}

func TestNaNRejected(t *testing.T) {
	d, m := newDrivetrain(t, Config{TrackWidth: 10})
	assert.Error(t, d.Apply(math.NaN(), 0))
	assert.Empty(t, m.vel)
}
