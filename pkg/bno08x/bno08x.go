// Package bno08x reads yaw reports from a BNO08x IMU running in UART-RVC
// mode and exposes them as a heading device.
package bno08x

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/sensor"
)

const DefaultSerialDevice = "/dev/ttyAMA0"

const ReportFrequency = 100
const ReportInterval = time.Second / ReportFrequency

// StaleAfter is how old the last report may be before reads report a fault.
const StaleAfter = 5 * ReportInterval

const packetLen = 19

var (
	ErrLostSync    = errors.New("lost sync with packet stream")
	ErrBadChecksum = errors.New("bad packet checksum")
	ErrStale       = errors.New("IMU report is stale")
)

var header = []byte{0xaa, 0xaa}

type Report struct {
	Time   time.Time
	Index  uint8
	Yaw    int16
	Pitch  int16
	Roll   int16
	XAccel int16
	YAccel int16
	ZAccel int16
}

func (r Report) String() string {
	return fmt.Sprintf("[%02x] Y:%7.2f P:%7.2f R:%7.2f X:%7.2f Y:%7.2f Z:%7.2f",
		r.Index, float64(r.Yaw)/100.0, float64(r.Pitch)/100.0, float64(r.Roll)/100.0,
		float64(r.XAccel)/100.0, float64(r.YAccel)/100.0, float64(r.ZAccel)/100.0)
}

// YawDegrees is +tive CCW, in [-180, 180].
func (r Report) YawDegrees() float64 {
	return float64(r.Yaw) / 100.0
}

// parsePacket decodes one 19-byte RVC packet.
func parsePacket(buf []byte, now time.Time) (Report, error) {
	if len(buf) != packetLen || !bytes.Equal(buf[:2], header) {
		return Report{}, ErrLostSync
	}
	var checksum uint8
	for _, b := range buf[2 : packetLen-1] {
		checksum += b
	}
	if buf[packetLen-1] != checksum {
		return Report{}, errors.Wrapf(ErrBadChecksum, "%x != %x", buf[packetLen-1], checksum)
	}
	return Report{
		Time:   now,
		Index:  buf[2],
		Yaw:    int16(binary.LittleEndian.Uint16(buf[3:5])),
		Pitch:  int16(binary.LittleEndian.Uint16(buf[5:7])),
		Roll:   int16(binary.LittleEndian.Uint16(buf[7:9])),
		XAccel: int16(binary.LittleEndian.Uint16(buf[9:11])),
		YAccel: int16(binary.LittleEndian.Uint16(buf[11:13])),
		ZAccel: int16(binary.LittleEndian.Uint16(buf[13:15])),
	}, nil
}

type BNO08X struct {
	device string
	log    golog.Logger
	now    func() time.Time

	lock       sync.Mutex
	lastReport Report
	haveReport bool
	updated    chan struct{}
}

var _ sensor.Device = (*BNO08X)(nil)

func New(device string, log golog.Logger) *BNO08X {
	if device == "" {
		device = DefaultSerialDevice
	}
	if log == nil {
		log = golog.Global().Named("bno08x")
	}
	return &BNO08X{
		device:  device,
		log:     log,
		now:     time.Now,
		updated: make(chan struct{}),
	}
}

func (b *BNO08X) CurrentReport() (Report, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.lastReport, b.haveReport
}

// Read implements sensor.Device, returning the yaw in degrees.
func (b *BNO08X) Read() (sensor.RawReading, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.haveReport {
		return sensor.RawReading{}, false
	}
	r := sensor.RawReading{Value: b.lastReport.YawDegrees(), Time: b.lastReport.Time}
	if age := b.now().Sub(b.lastReport.Time); age > StaleAfter {
		r.Err = errors.Wrapf(ErrStale, "last report %v ago", age)
	}
	return r, true
}

// WaitForReportAfter blocks until a report newer than t arrives.
func (b *BNO08X) WaitForReportAfter(ctx context.Context, t time.Time) (Report, error) {
	for {
		b.lock.Lock()
		r, ch := b.lastReport, b.updated
		fresh := b.haveReport && r.Time.After(t)
		b.lock.Unlock()
		if fresh {
			return r, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return Report{}, ctx.Err()
		}
	}
}

// LoopReadingReports reads from the serial port until ctx is done,
// reopening it after errors.
func (b *BNO08X) LoopReadingReports(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for ctx.Err() == nil {
		err := b.openAndLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		b.log.Warnw("bno08x: loop stopped; will retry", "err", err)
		time.Sleep(100 * time.Millisecond)
	}
}

func (b *BNO08X) openAndLoop(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: 115200,
	}
	s, err := serial.Open(b.device, mode)
	if err != nil {
		return errors.Wrapf(err, "failed to open serial port %s", b.device)
	}
	defer s.Close()
	// Unblock the read when we're cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()
	return b.readPackets(ctx, s)
}

// readPackets decodes packets from r until an I/O error or ctx is done.
// Checksum failures and lost sync cause a resync, not an error.
func (b *BNO08X) readPackets(ctx context.Context, r io.Reader) error {
	br := bufio.NewReader(r)
	buf := make([]byte, packetLen)
	for {
		b.log.Debug("bno08x: resync...")
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			peek, err := br.Peek(2)
			if err != nil {
				return errors.Wrap(err, "failed to read from serial")
			}
			if bytes.Equal(peek, header) {
				break
			}
			if _, err := br.Discard(1); err != nil {
				return errors.Wrap(err, "failed to read from serial")
			}
		}

		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := io.ReadFull(br, buf); err != nil {
				return errors.Wrap(err, "failed to read from serial")
			}
			report, err := parsePacket(buf, b.now())
			if err != nil {
				b.log.Warnw("bno08x: bad packet", "err", err)
				break
			}
			b.setReport(report)
		}
	}
}

func (b *BNO08X) setReport(report Report) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.lastReport = report
	b.haveReport = true
	close(b.updated)
	b.updated = make(chan struct{})
}
