package canmotor

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/drivetrain"
)

type fakeWriter struct {
	frames []can.Frame
	err    error
}

func (w *fakeWriter) WriteFrame(ctx context.Context, f can.Frame) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("no deadline")
	}
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, f)
	return nil
}

type fakeReceiver struct {
	frames []can.Frame
	cur    can.Frame
	err    error
}

func (r *fakeReceiver) Receive() bool {
	if len(r.frames) == 0 {
		return false
	}
	r.cur, r.frames = r.frames[0], r.frames[1:]
	return true
}

func (r *fakeReceiver) Frame() can.Frame { return r.cur }
func (r *fakeReceiver) Err() error       { return r.err }

func status(node uint8, faults byte, pos int32) can.Frame {
	f := can.Frame{ID: DefaultStatusBaseID + uint32(node), Length: 5}
	f.Data[0] = faults
	binary.LittleEndian.PutUint32(f.Data[1:5], uint32(pos))
	return f
}

func velocity(f can.Frame) int32 {
	return int32(binary.LittleEndian.Uint32(f.Data[:4]))
}

func newTestMotors(t *testing.T, w *fakeWriter) *Motors {
	m, err := New(Config{
		LeftNodes:     []uint8{1, 3},
		RightNodes:    []uint8{2, 4},
		ScalePerUnit:  10,
		RightInverted: true,
		Logger:        golog.NewTestLogger(t),
	}, w)
	require.NoError(t, err)
	return m
}

func TestSetVelocityCommandsSideNodes(t *testing.T) {
	w := &fakeWriter{}
	m := newTestMotors(t, w)

	require.NoError(t, m.SetVelocity(drivetrain.Left, 12.34))
	require.NoError(t, m.SetVelocity(drivetrain.Right, 5))

	require.Len(t, w.frames, 4)
	assert.Equal(t, uint32(0x201), w.frames[0].ID)
	assert.Equal(t, uint32(0x203), w.frames[1].ID)
	assert.Equal(t, uint8(4), w.frames[0].Length)
	assert.Equal(t, int32(123), velocity(w.frames[0]))
	assert.Equal(t, uint32(0x202), w.frames[2].ID)
	assert.Equal(t, int32(-50), velocity(w.frames[2]))
}

func TestSaturatedCommandsOnInvertedSide(t *testing.T) {
	w := &fakeWriter{}
	m := newTestMotors(t, w)

	require.NoError(t, m.SetVelocity(drivetrain.Right, -1e12))
	require.NoError(t, m.SetVelocity(drivetrain.Right, 1e12))
	require.NoError(t, m.SetVelocity(drivetrain.Left, -1e12))
	require.Len(t, w.frames, 6)
	assert.Equal(t, int32(math.MaxInt32), velocity(w.frames[0]))
	assert.Equal(t, int32(math.MinInt32), velocity(w.frames[2]))
	assert.Equal(t, int32(math.MinInt32), velocity(w.frames[4]))
}

func TestStopAllZeroesEveryNode(t *testing.T) {
	w := &fakeWriter{}
	m := newTestMotors(t, w)

	require.NoError(t, m.StopAll())
	require.Len(t, w.frames, 4)
	for _, f := range w.frames {
		assert.Equal(t, int32(0), velocity(f))
	}
}

func TestWriteErrorWrapped(t *testing.T) {
	cause := errors.New("tx buffer full")
	m := newTestMotors(t, &fakeWriter{err: cause})

	err := m.SetVelocity(drivetrain.Left, 1)
	assert.ErrorIs(t, err, cause)
	assert.Error(t, m.StopAll())
}

func TestFaultedNodeRejectsCommands(t *testing.T) {
	w := &fakeWriter{}
	m := newTestMotors(t, w)

	assert.True(t, m.HandleFrame(status(3, FaultStalled, 0)))
	assert.ErrorIs(t, m.SetVelocity(drivetrain.Left, 1), ErrNodeFault)
	assert.NoError(t, m.SetVelocity(drivetrain.Right, 1))

	m.HandleFrame(status(3, 0, 0))
	assert.NoError(t, m.SetVelocity(drivetrain.Left, 1))
}

func TestStaleStatusRejectsCommands(t *testing.T) {
	w := &fakeWriter{}
	m := newTestMotors(t, w)
	m.cfg.StatusTimeout = 100 * time.Millisecond
	now := time.Unix(100, 0)
	m.now = func() time.Time { return now }

	assert.ErrorIs(t, m.SetVelocity(drivetrain.Left, 1), ErrNodeSilent)

	m.HandleFrame(status(1, 0, 0))
	m.HandleFrame(status(3, 0, 0))
	assert.NoError(t, m.SetVelocity(drivetrain.Left, 1))

	now = now.Add(150 * time.Millisecond)
	assert.ErrorIs(t, m.SetVelocity(drivetrain.Left, 1), ErrNodeSilent)
}

func TestHandleFrameIgnoresOthers(t *testing.T) {
	m := newTestMotors(t, &fakeWriter{})

	assert.False(t, m.HandleFrame(status(9, 0, 0)))
	assert.False(t, m.HandleFrame(can.Frame{ID: 0x100, Length: 8}))
	short := status(1, 0, 0)
	short.Length = 2
	assert.False(t, m.HandleFrame(short))
}

func TestListenAndEncoder(t *testing.T) {
	m := newTestMotors(t, &fakeWriter{})
	enc := m.Encoder(drivetrain.Right)

	_, ok := enc.Read()
	assert.False(t, ok)

	rx := &fakeReceiver{frames: []can.Frame{
		status(1, 0, 100),
		status(3, 0, 300),
		status(2, 0, -40),
		status(4, 0, -60),
	}}
	require.NoError(t, m.Listen(context.Background(), rx))

	r, ok := enc.Read()
	require.True(t, ok)
	assert.Equal(t, 50.0, r.Value)
	assert.False(t, r.Time.IsZero())

	r, ok = m.Encoder(drivetrain.Left).Read()
	require.True(t, ok)
	assert.Equal(t, 200.0, r.Value)
}

func TestListenReportsReceiveError(t *testing.T) {
	m := newTestMotors(t, &fakeWriter{})
	cause := errors.New("socket closed")
	assert.ErrorIs(t, m.Listen(context.Background(), &fakeReceiver{err: cause}), cause)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, m.Listen(ctx, &fakeReceiver{err: cause}))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{LeftNodes: []uint8{1}, ScalePerUnit: 1}, &fakeWriter{})
	assert.Error(t, err)
	_, err = New(Config{LeftNodes: []uint8{1}, RightNodes: []uint8{2}}, &fakeWriter{})
	assert.Error(t, err)
}
