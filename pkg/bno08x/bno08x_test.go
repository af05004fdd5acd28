package bno08x

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func packet(index uint8, yaw int16) []byte {
	buf := make([]byte, packetLen)
	buf[0], buf[1] = 0xaa, 0xaa
	buf[2] = index
	binary.LittleEndian.PutUint16(buf[3:5], uint16(yaw))
	binary.LittleEndian.PutUint16(buf[13:15], uint16(int16(981)))
	var sum uint8
	for _, b := range buf[2 : packetLen-1] {
		sum += b
	}
	buf[packetLen-1] = sum
	return buf
}

func TestParsePacket(t *testing.T) {
	r, err := parsePacket(packet(7, -9050), t0)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), r.Index)
	assert.Equal(t, -90.5, r.YawDegrees())
	assert.Equal(t, int16(981), r.ZAccel)
	assert.Equal(t, t0, r.Time)

	bad := packet(7, 100)
	bad[4] ^= 0xff
	_, err = parsePacket(bad, t0)
	assert.True(t, errors.Is(err, ErrBadChecksum))

	_, err = parsePacket(bad[1:], t0)
	assert.Equal(t, ErrLostSync, err)
}

func TestReadPacketsResyncs(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{0x01, 0x02, 0xaa})
	stream.Write(packet(1, 1000))
	corrupt := packet(2, 2000)
	corrupt[10]++
	stream.Write(corrupt)
	stream.Write(packet(3, 3000))

	b := New("", golog.NewTestLogger(t))
	b.now = func() time.Time { return t0 }
	err := b.readPackets(context.Background(), &stream)
	require.Error(t, err, "ends at EOF")

	// The stray 0xaa costs us the first packet and the corrupt one is
	// dropped; the last good packet wins.
	r, ok := b.CurrentReport()
	require.True(t, ok)
	assert.Equal(t, uint8(3), r.Index)
	assert.Equal(t, 30.0, r.YawDegrees())
}

func TestReadAsDevice(t *testing.T) {
	b := New("", golog.NewTestLogger(t))
	now := t0
	b.now = func() time.Time { return now }

	_, ok := b.Read()
	assert.False(t, ok, "no report yet")

	b.setReport(Report{Time: t0, Yaw: 4500})
	r, ok := b.Read()
	require.True(t, ok)
	assert.NoError(t, r.Err)
	assert.Equal(t, 45.0, r.Value)
	assert.Equal(t, t0, r.Time)

	now = t0.Add(time.Second)
	r, ok = b.Read()
	require.True(t, ok)
	assert.True(t, errors.Is(r.Err, ErrStale))
}

func TestWaitForReportAfter(t *testing.T) {
	b := New("", golog.NewTestLogger(t))
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.setReport(Report{Time: t0.Add(time.Second), Index: 9})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := b.WaitForReportAfter(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), r.Index)

	short, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	_, err = b.WaitForReportAfter(short, t0.Add(time.Hour))
	assert.Equal(t, context.DeadlineExceeded, err)
}
