// Package picobldc drives the Pico-BLDC four-channel brushless motor board
// over I2C and presents it as a drivetrain motor group with wheel encoders.
package picobldc

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"golang.org/x/exp/io/i2c"
)

const (
	PicoAddr = 0x42
)

type Register byte

const (
	RegCtrl Register = iota
	RegStatus
	RegWatchdogTimeout
	RegFaultCount

	RegMot0V
	RegMot1V
	RegMot2V
	RegMot3V

	RegMot0Calib
	RegMot1Calib
	RegMot2Calib
	RegMot3Calib

	RegBattV // LSB=4mV
	RegCurrent
	RegPower

	RegTemperature // LSB = 0.01C

	// Free-running int16 distance counters, 256 counts per rotation.
	RegMot0Dist
	RegMot1Dist
	RegMot2Dist
	RegMot3Dist
)

const (
	BattVLSB       = 0.004
	CurrentLSB     = 0.0001831054688
	PowerLSB       = CurrentLSB * 20
	TemperatureLSB = 0.01

	CountsPerRotation = 256
)

const (
	RegCtrlEnableI2CControl uint16 = 1 << iota
	RegCtrlRun
	RegCtrlDoCalib
	RegCtrlReset
	RegCtrlWatchdogEnable
)

type StatusFlag uint16

const (
	RegStatusFault StatusFlag = 1 << iota
	RegStatusCalibDone
	RegStatusWatchdogExpired
)

var (
	ErrNotReady      = errors.New("Pico-BLDC not ready")
	ErrFault         = errors.New("Pico-BLDC reports a fault")
	ErrWatchdog      = errors.New("Pico-BLDC watchdog expired")
	ErrNotCalibrated = errors.New("Pico-BLDC not calibrated")
)

// Motor indexes a PerMotorVal.
type Motor int

const (
	FrontLeft Motor = iota
	FrontRight
	BackLeft
	BackRight
)

type PerMotorVal[T any] [4]T

// motorRegs maps motors onto the board's channels.
var motorRegs = PerMotorVal[Register]{
	FrontLeft:  RegMot2V,
	FrontRight: RegMot1V,
	BackLeft:   RegMot3V,
	BackRight:  RegMot0V,
}

var distRegs = PerMotorVal[Register]{
	FrontLeft:  RegMot2Dist,
	FrontRight: RegMot1Dist,
	BackLeft:   RegMot3Dist,
	BackRight:  RegMot0Dist,
}

// bus is the subset of *i2c.Device we use.
type bus interface {
	Write(buf []byte) error
	ReadReg(reg byte, buf []byte) error
	Close() error
}

type PicoBLDC struct {
	open func() (bus, error)
	log  golog.Logger

	lock            sync.Mutex
	dev             bus
	lastConfigWord  uint16
	lastConfigTime  time.Time
	watchdogEnabled bool
}

// New opens the board on the given I2C bus device, e.g. /dev/i2c-1.
func New(busDev string, log golog.Logger) (*PicoBLDC, error) {
	open := func() (bus, error) {
		return i2c.Open(&i2c.Devfs{Dev: busDev}, PicoAddr)
	}
	return newPico(open, log)
}

func newPico(open func() (bus, error), log golog.Logger) (*PicoBLDC, error) {
	if log == nil {
		log = golog.Global().Named("picobldc")
	}
	dev, err := open()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open Pico-BLDC")
	}
	return &PicoBLDC{open: open, dev: dev, log: log}, nil
}

func (p *PicoBLDC) Reset() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.maybeConfigure(true, false)
}

func (p *PicoBLDC) SetWatchdog(timeout time.Duration) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if timeout == 0 {
		p.watchdogEnabled = false
		return p.maybeConfigure(false, false)
	}

	ms := timeout.Milliseconds()
	if ms > math.MaxUint16 {
		ms = math.MaxUint16
	}
	if err := p.writeReg(RegWatchdogTimeout, uint16(ms)); err != nil {
		return err
	}
	p.watchdogEnabled = true
	return p.maybeConfigure(false, false)
}

// SetMotorSpeeds writes raw speeds to the given motors; motors absent from
// the mask are left alone.
func (p *PicoBLDC) SetMotorSpeeds(speeds PerMotorVal[int16], mask PerMotorVal[bool]) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := p.maybeConfigure(false, true); err != nil {
		return err
	}
	for m, s := range speeds {
		if !mask[m] {
			continue
		}
		if err := p.writeReg(motorRegs[m], uint16(s)); err != nil {
			return err
		}
	}
	return nil
}

func (p *PicoBLDC) Close() error {
	_ = p.Reset()
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.dev.Close()
}

const writeRetries = 20

func (p *PicoBLDC) writeWithRetries(data []byte) error {
	var err error
	for tries := 0; tries < writeRetries; tries++ {
		err = p.dev.Write(data)
		if err == nil {
			if tries > 0 {
				p.log.Infow("picobldc: write succeeded after retries", "tries", tries)
			}
			return nil
		}
		p.log.Warnw("picobldc: write failed", "err", err)
		time.Sleep(1 * time.Millisecond)
		_ = p.dev.Close()
		dev, openErr := p.open()
		if openErr != nil {
			continue
		}
		p.dev = dev
	}
	return errors.Wrapf(err, "failed to write to Pico-BLDC after %d tries", writeRetries)
}

func (p *PicoBLDC) maybeConfigure(resetMotorSpeeds bool, enableMotors bool) error {
	var configWord = RegCtrlEnableI2CControl
	if resetMotorSpeeds {
		configWord |= RegCtrlReset
	}
	if enableMotors {
		configWord |= RegCtrlRun
	}
	if p.watchdogEnabled {
		configWord |= RegCtrlWatchdogEnable
	}

	if configWord == p.lastConfigWord && time.Since(p.lastConfigTime) < 100*time.Millisecond {
		// Skip writing config if we've done it recently.
		return nil
	}

	if p.lastConfigWord == 0 {
		// First time.  Calibration has to be done with the wheels off the
		// ground so we refuse to run rather than calibrating here.
		calib, err := p.readReg(RegMot3Calib)
		if err != nil {
			return err
		}
		if calib == 0 {
			return ErrNotCalibrated
		}
	}

	if err := p.writeReg(RegCtrl, configWord); err != nil {
		return err
	}
	if err := p.writeReg(RegStatus, uint16(RegStatusCalibDone)); err != nil {
		return err
	}

	p.lastConfigTime = time.Now()
	p.lastConfigWord = configWord & (^RegCtrlReset) /* Reset flag is not persistent */
	return nil
}

// Calibrate runs the board's motor calibration and waits for it to finish.
// The wheels must be free to turn.
func (p *PicoBLDC) Calibrate(timeout time.Duration) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if err := p.writeReg(RegCtrl, RegCtrlEnableI2CControl|RegCtrlDoCalib); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		status, err := p.readReg(RegStatus)
		if err != nil {
			p.log.Warnw("picobldc: failed to read status register", "err", err)
		} else if status&uint16(RegStatusCalibDone) != 0 {
			break
		}
		if time.Now().After(deadline) {
			return errors.Wrap(ErrNotReady, "calibration timed out")
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.lastConfigWord = 0
	return nil
}

func (p *PicoBLDC) readFloat(reg Register, lsb float64) (float64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	raw, err := p.readReg(reg)
	if err != nil {
		return 0, err
	}
	return float64(raw) * lsb, nil
}

func (p *PicoBLDC) BattVolts() (float64, error)    { return p.readFloat(RegBattV, BattVLSB) }
func (p *PicoBLDC) CurrentAmps() (float64, error)  { return p.readFloat(RegCurrent, CurrentLSB) }
func (p *PicoBLDC) PowerWatts() (float64, error)   { return p.readFloat(RegPower, PowerLSB) }
func (p *PicoBLDC) TemperatureC() (float64, error) { return p.readFloat(RegTemperature, TemperatureLSB) }

func (p *PicoBLDC) Status() (StatusFlag, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	raw, err := p.readReg(RegStatus)
	if err != nil {
		return 0, err
	}
	return StatusFlag(raw), nil
}

// CheckFault returns ErrFault if the board has latched a motor fault.
func (p *PicoBLDC) CheckFault() error {
	status, err := p.Status()
	if err != nil {
		return err
	}
	if status&RegStatusFault != 0 {
		return ErrFault
	}
	return nil
}

// CheckHealthy also reports an expired watchdog, which is expected while the
// motors are idle.
func (p *PicoBLDC) CheckHealthy() error {
	status, err := p.Status()
	if err != nil {
		return err
	}
	if status&RegStatusFault != 0 {
		return ErrFault
	}
	if status&RegStatusWatchdogExpired != 0 {
		return ErrWatchdog
	}
	return nil
}

// RawDistancesTraveled reads the free-running distance counters.
func (p *PicoBLDC) RawDistancesTraveled() (PerMotorVal[int16], error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	var out PerMotorVal[int16]
	for m, reg := range distRegs {
		raw, err := p.readReg(reg)
		if err != nil {
			return out, err
		}
		out[m] = int16(raw)
	}
	return out, nil
}

func (p *PicoBLDC) writeReg(reg Register, value uint16) error {
	return p.writeWithRetries([]byte{byte(reg), byte(value >> 8), byte(value)})
}

func (p *PicoBLDC) readReg(reg Register) (uint16, error) {
	var buf [2]byte
	if err := p.dev.ReadReg(byte(reg), buf[:]); err != nil {
		return 0, errors.Wrapf(err, "failed to read Pico-BLDC register %d", reg)
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}
