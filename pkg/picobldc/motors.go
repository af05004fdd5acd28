package picobldc

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/drivetrain"
)

// MotorBoard is the part of *PicoBLDC that Motors drives.
type MotorBoard interface {
	SetMotorSpeeds(speeds PerMotorVal[int16], mask PerMotorVal[bool]) error
	CheckFault() error
}

// Motors adapts a Pico-BLDC board to a drivetrain.MotorGroup, driving the
// front and back motor on each side together.
type Motors struct {
	board MotorBoard
	// Converts a wheel velocity in distance units per second into the
	// board's raw speed value.
	speedPerUnit float64
	inverted     PerMotorVal[bool]

	lock   sync.Mutex
	speeds PerMotorVal[int16]
}

// NewMotors returns a motor group.  The right-hand motors are mounted
// mirrored and so are inverted by default.
func NewMotors(board MotorBoard, speedPerUnit float64) (*Motors, error) {
	if !(speedPerUnit > 0) {
		return nil, errors.Errorf("speed per unit must be positive, got %v", speedPerUnit)
	}
	return &Motors{
		board:        board,
		speedPerUnit: speedPerUnit,
		inverted: PerMotorVal[bool]{
			FrontRight: true,
			BackRight:  true,
		},
	}, nil
}

func sideMotors(side drivetrain.Side) (Motor, Motor) {
	if side == drivetrain.Right {
		return FrontRight, BackRight
	}
	return FrontLeft, BackLeft
}

func (m *Motors) SetVelocity(side drivetrain.Side, v float64) error {
	if err := m.board.CheckFault(); err != nil {
		return err
	}
	// Symmetric so that negating for an inverted motor can't overflow.
	raw := math.Max(-math.MaxInt16, math.Min(math.MaxInt16, math.Round(v*m.speedPerUnit)))

	m.lock.Lock()
	defer m.lock.Unlock()
	var mask PerMotorVal[bool]
	front, back := sideMotors(side)
	for _, mot := range []Motor{front, back} {
		s := int16(raw)
		if m.inverted[mot] {
			s = -s
		}
		m.speeds[mot] = s
		mask[mot] = true
	}
	return m.board.SetMotorSpeeds(m.speeds, mask)
}

func (m *Motors) StopAll() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.speeds = PerMotorVal[int16]{}
	return m.board.SetMotorSpeeds(m.speeds, PerMotorVal[bool]{true, true, true, true})
}

// Speeds returns the last raw speeds written.
func (m *Motors) Speeds() PerMotorVal[int16] {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.speeds
}
