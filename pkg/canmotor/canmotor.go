// Package canmotor drives a group of CAN velocity-controlled motor nodes.
//
// Each node accepts a command frame at CommandBaseID+node carrying a signed
// 32-bit little-endian velocity and reports a status frame at
// StatusBaseID+node: byte 0 holds fault flags and bytes 1-4 a signed 32-bit
// little-endian position count.
package canmotor

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/drivetrain"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/sensor"
)

const (
	DefaultCommandBaseID = 0x200
	DefaultStatusBaseID  = 0x180
	DefaultWriteTimeout  = 20 * time.Millisecond
	DefaultStatusTimeout = 200 * time.Millisecond
)

const (
	FaultOverCurrent byte = 1 << iota
	FaultOverTemperature
	FaultUnderVoltage
	FaultStalled
)

var (
	ErrNodeFault  = errors.New("motor node reports a fault")
	ErrNodeSilent = errors.New("motor node status is stale")
)

type FrameWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
}

// FrameReceiver matches *socketcan.Receiver.
type FrameReceiver interface {
	Receive() bool
	Frame() can.Frame
	Err() error
}

type Config struct {
	CommandBaseID uint32
	StatusBaseID  uint32
	LeftNodes     []uint8
	RightNodes    []uint8
	// Raw velocity per distance unit per second.
	ScalePerUnit float64
	// Nodes on this side spin the opposite way for forward motion.
	RightInverted bool
	WriteTimeout  time.Duration
	// Zero disables the staleness check.
	StatusTimeout time.Duration
	Logger        golog.Logger
}

type nodeStatus struct {
	seen     bool
	time     time.Time
	faults   byte
	position int32
}

type Motors struct {
	cfg Config
	out FrameWriter
	log golog.Logger
	now func() time.Time

	lock   sync.Mutex
	status map[uint8]*nodeStatus
}

func New(cfg Config, out FrameWriter) (*Motors, error) {
	if len(cfg.LeftNodes) == 0 || len(cfg.RightNodes) == 0 {
		return nil, errors.New("canmotor: need at least one node per side")
	}
	if !(cfg.ScalePerUnit > 0) {
		return nil, errors.Errorf("canmotor: scale per unit must be positive, got %v", cfg.ScalePerUnit)
	}
	if cfg.CommandBaseID == 0 {
		cfg.CommandBaseID = DefaultCommandBaseID
	}
	if cfg.StatusBaseID == 0 {
		cfg.StatusBaseID = DefaultStatusBaseID
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = golog.Global().Named("canmotor")
	}
	m := &Motors{
		cfg:    cfg,
		out:    out,
		log:    cfg.Logger,
		now:    time.Now,
		status: map[uint8]*nodeStatus{},
	}
	for _, n := range append(append([]uint8{}, cfg.LeftNodes...), cfg.RightNodes...) {
		m.status[n] = &nodeStatus{}
	}
	return m, nil
}

func (m *Motors) nodes(side drivetrain.Side) []uint8 {
	if side == drivetrain.Right {
		return m.cfg.RightNodes
	}
	return m.cfg.LeftNodes
}

func (m *Motors) SetVelocity(side drivetrain.Side, v float64) error {
	if err := m.checkNodes(side); err != nil {
		return err
	}
	raw := math.Round(v * m.cfg.ScalePerUnit)
	if side == drivetrain.Right && m.cfg.RightInverted {
		raw = -raw
	}
	raw = math.Max(math.MinInt32, math.Min(math.MaxInt32, raw))
	for _, n := range m.nodes(side) {
		if err := m.send(n, int32(raw)); err != nil {
			return err
		}
	}
	return nil
}

// StopAll sends a zero command to every node, continuing past failures.
func (m *Motors) StopAll() error {
	var firstErr error
	for _, side := range []drivetrain.Side{drivetrain.Left, drivetrain.Right} {
		for _, n := range m.nodes(side) {
			if err := m.send(n, 0); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Motors) send(node uint8, raw int32) error {
	f := can.Frame{ID: m.cfg.CommandBaseID + uint32(node), Length: 4}
	binary.LittleEndian.PutUint32(f.Data[:4], uint32(raw))
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	if err := m.out.WriteFrame(ctx, f); err != nil {
		return errors.Wrapf(err, "canmotor: failed to command node %d", node)
	}
	return nil
}

func (m *Motors) checkNodes(side drivetrain.Side) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	now := m.now()
	for _, n := range m.nodes(side) {
		s := m.status[n]
		if s.faults != 0 {
			return errors.Wrapf(ErrNodeFault, "node %d flags %#02x", n, s.faults)
		}
		if m.cfg.StatusTimeout > 0 && (!s.seen || now.Sub(s.time) > m.cfg.StatusTimeout) {
			return errors.Wrapf(ErrNodeSilent, "node %d", n)
		}
	}
	return nil
}

// HandleFrame records a status frame.  Frames for other IDs are ignored.
func (m *Motors) HandleFrame(f can.Frame) bool {
	if f.IsRemote || f.IsExtended || f.ID < m.cfg.StatusBaseID || f.Length < 5 {
		return false
	}
	node := f.ID - m.cfg.StatusBaseID
	if node > math.MaxUint8 {
		return false
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	s, ok := m.status[uint8(node)]
	if !ok {
		return false
	}
	if f.Data[0] != 0 && s.faults == 0 {
		m.log.Warnw("canmotor: node fault", "node", node, "flags", f.Data[0])
	}
	s.seen = true
	s.time = m.now()
	s.faults = f.Data[0]
	s.position = int32(binary.LittleEndian.Uint32(f.Data[1:5]))
	return true
}

// Listen feeds received frames to HandleFrame until the receiver stops or
// ctx is done.
func (m *Motors) Listen(ctx context.Context, rx FrameReceiver) error {
	for rx.Receive() {
		if ctx.Err() != nil {
			return nil
		}
		m.HandleFrame(rx.Frame())
	}
	if ctx.Err() != nil {
		return nil
	}
	return rx.Err()
}

// Encoder returns a device reporting the mean position count of one side's
// nodes, stamped with the most recent status time.
func (m *Motors) Encoder(side drivetrain.Side) sensor.Device {
	return sensor.DeviceFunc(func() (sensor.RawReading, bool) {
		m.lock.Lock()
		defer m.lock.Unlock()
		var sum float64
		var latest time.Time
		for _, n := range m.nodes(side) {
			s := m.status[n]
			if !s.seen {
				return sensor.RawReading{}, false
			}
			sum += float64(s.position)
			if s.time.After(latest) {
				latest = s.time
			}
		}
		v := sum / float64(len(m.nodes(side)))
		if side == drivetrain.Right && m.cfg.RightInverted {
			v = -v
		}
		return sensor.RawReading{Value: v, Time: latest}, true
	})
}

// Bus is a socketcan connection to a motor group.
type Bus struct {
	*Motors
	conn net.Conn
	tx   *socketcan.Transmitter
	rx   *socketcan.Receiver
	wg   sync.WaitGroup

	closing atomic.Bool
}

// Dial opens iface (e.g. "can0") and starts listening for status frames.
func Dial(ctx context.Context, iface string, cfg Config) (*Bus, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, errors.Wrapf(err, "canmotor: failed to dial %s", iface)
	}
	b := &Bus{
		conn: conn,
		tx:   socketcan.NewTransmitter(conn),
		rx:   socketcan.NewReceiver(conn),
	}
	b.Motors, err = New(cfg, b)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.Listen(ctx, b.rx); err != nil && !b.closing.Load() {
			b.log.Errorw("canmotor: receive failed", "err", err)
		}
	}()
	return b, nil
}

func (b *Bus) WriteFrame(ctx context.Context, frame can.Frame) error {
	return b.tx.TransmitFrame(ctx, frame)
}

// Close stops the motors and closes the socket.
func (b *Bus) Close() error {
	stopErr := b.StopAll()
	b.closing.Store(true)
	err := b.conn.Close()
	b.wg.Wait()
	if stopErr != nil {
		return stopErr
	}
	return err
}
