// Package imu drives an MPU-style gyro over SPI or I2C and integrates its
// yaw-rate FIFO into a heading device.
package imu

import (
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"golang.org/x/exp/io/i2c"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/sensor"
)

const (
	IMUAddr = 0x68

	RegSampleRateDiv = 25
	RegConfig        = 26
	RegGyroConf      = 27
	RegGyroYOffset   = 21
	RegFIFOEnable    = 35
	RegGyroY         = 69 // 16 bits
	RegUserCtl       = 106
	RegFIFOCount     = 114 // 16 bits
	RegFIFORW        = 116 // n-bytes

	GyroRange = 2 // 1000 dps

	// With the DLPF on the gyro samples at 1kHz; we divide by 10.
	sampleRateDiv  = 9
	SamplePeriod   = time.Millisecond * (1 + sampleRateDiv)
	fifoBufferSize = 512
)

type port interface {
	// ReadReg reads len(buf) bytes from the device.
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) (err error)
}

type IMU struct {
	dev        port
	disableI2C bool
	log        golog.Logger
}

func NewI2C(deviceFile string, log golog.Logger) (*IMU, error) {
	dev, err := i2c.Open(&i2c.Devfs{Dev: deviceFile}, IMUAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open gyro on %s", deviceFile)
	}
	return newIMU(dev, false, log), nil
}

func NewSPI(deviceFile string, log golog.Logger) (*IMU, error) {
	// Make sure periph is initialized.
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "failed to initialise periph")
	}

	// Use spireg SPI port registry to find the SPI bus.
	p, err := spireg.Open(deviceFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open SPI port %s", deviceFile)
	}

	c, err := p.Connect(physic.KiloHertz*1000, spi.Mode3, 8)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to gyro")
	}
	return newIMU(&SPIAdapter{c: c}, true, log), nil
}

func newIMU(dev port, disableI2C bool, log golog.Logger) *IMU {
	if log == nil {
		log = golog.Global().Named("imu")
	}
	return &IMU{dev: dev, disableI2C: disableI2C, log: log}
}

// SPIAdapter presents a periph SPI connection as a register port.
type SPIAdapter struct {
	c spi.Conn

	r, w []byte
}

const W = 0x00
const R = 0x80

func (s *SPIAdapter) ReadReg(reg byte, buf []byte) error {
	// The read and write buffers need to be as long as the whole transaction.
	bufLen := 1 + len(buf)
	s.ensureBuf(bufLen)
	s.w[0] = R | reg
	if err := s.c.Tx(s.w[:bufLen], s.r[:bufLen]); err != nil {
		return err
	}
	// The response only starts after the address byte.
	copy(buf, s.r[1:bufLen])
	return nil
}

func (s *SPIAdapter) WriteReg(reg byte, buf []byte) error {
	bufLen := 1 + len(buf)
	s.ensureBuf(bufLen)
	s.w[0] = W | reg
	copy(s.w[1:], buf)
	return s.c.Tx(s.w[:bufLen], s.r[:bufLen])
}

func (s *SPIAdapter) ensureBuf(l int) {
	if len(s.r) < l {
		s.w = make([]byte, l)
		s.r = make([]byte, l)
		return
	}
	for i := 0; i < l; i++ {
		s.w[i] = 0
		s.r[i] = 0
	}
}

func (m *IMU) Configure() error {
	if m.disableI2C {
		if err := m.dev.WriteReg(RegUserCtl, []byte{0x10}); err != nil {
			return errors.Wrap(err, "failed to disable I2C")
		}
	}
	for _, w := range []struct {
		reg byte
		val byte
	}{
		{RegGyroConf, GyroRange << 3},
		{RegConfig, 1}, // DLPF, Fs=1kHz
		{RegSampleRateDiv, sampleRateDiv},
		{RegFIFOEnable, 1 << 5}, // Gyro Y only
	} {
		if err := m.dev.WriteReg(w.reg, []byte{w.val}); err != nil {
			return errors.Wrapf(err, "failed to write gyro register %d", w.reg)
		}
	}
	return nil
}

func (m *IMU) DegreesPerLSB() float64 {
	return 1000.0 / math.MaxInt16
}

// Calibrate measures the gyro's resting offset and programs the offset
// register to cancel it.  The robot must be still.
func (m *IMU) Calibrate(samples int) error {
	if err := m.dev.WriteReg(RegGyroYOffset, []byte{0, 0}); err != nil {
		return errors.Wrap(err, "failed to clear gyro offset")
	}
	var sum float64
	for i := 0; i < samples; i++ {
		x, err := m.ReadGyroY()
		if err != nil {
			return err
		}
		sum -= float64(x)
	}
	offset := sum / float64(samples)
	scaled := int16(offset / 4 * math.Pow(2, GyroRange))
	m.log.Infow("imu: calibrated", "offset", offset, "register", scaled)
	return m.dev.WriteReg(RegGyroYOffset, []byte{byte(scaled >> 8), byte(scaled)})
}

func (m *IMU) ReadGyroY() (int16, error) {
	return m.Read16(RegGyroY)
}

func (m *IMU) ResetFIFO() error {
	return m.dev.WriteReg(RegUserCtl, []byte{1<<6 | 1<<2})
}

// ReadFIFO drains the samples currently queued; nil if there are none.
func (m *IMU) ReadFIFO() ([]int16, error) {
	count, err := m.Read16(RegFIFOCount)
	if err != nil {
		return nil, err
	}
	n := int(count&0xfff) &^ 1
	if n == 0 {
		return nil, nil
	}
	if n > fifoBufferSize {
		n = fifoBufferSize
	}
	var buf [fifoBufferSize]byte
	if err := m.dev.ReadReg(RegFIFORW, buf[:n]); err != nil {
		return nil, errors.Wrap(err, "failed to read gyro FIFO")
	}
	result := make([]int16, n/2)
	for i := range result {
		result[i] = int16(buf[i*2])<<8 | int16(buf[i*2+1])
	}
	return result, nil
}

func (m *IMU) Read16(reg byte) (int16, error) {
	var buf [2]byte
	if err := m.dev.ReadReg(reg, buf[:]); err != nil {
		return 0, errors.Wrapf(err, "failed to read gyro register %d", reg)
	}
	return int16(buf[0])<<8 | int16(buf[1]), nil
}

// Heading integrates the gyro FIFO into a heading in degrees.  It is a
// sensor.Device; each Read drains whatever samples have arrived.
type Heading struct {
	imu *IMU

	lock    sync.Mutex
	degrees float64
}

var _ sensor.Device = (*Heading)(nil)

func NewHeading(imu *IMU) *Heading {
	return &Heading{imu: imu}
}

func (h *Heading) Read() (sensor.RawReading, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	samples, err := h.imu.ReadFIFO()
	if err != nil {
		return sensor.RawReading{Err: err}, true
	}
	dt := SamplePeriod.Seconds()
	for _, s := range samples {
		h.degrees += float64(s) * h.imu.DegreesPerLSB() * dt
	}
	h.degrees = math.Remainder(h.degrees, 360)
	return sensor.RawReading{Value: h.degrees}, true
}
