// Package config loads the robot's construction-time parameters: geometry,
// sensor scaling, limits, gains and tolerances.  Values start from the
// built-in defaults and are overlaid by a YAML file.
package config

import (
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/motion"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pid"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Chassis dimensions of the robot the defaults are for.
const (
	WheelDiameterMM float64 = 70
	WheelCircumMM           = WheelDiameterMM * math.Pi
	BotWidthMM              = 170
)

type Config struct {
	Unit pose.Unit `yaml:"unit"`

	Chassis   Chassis   `yaml:"chassis"`
	Encoders  Encoders  `yaml:"encoders"`
	Heading   Heading   `yaml:"heading"`
	Drive     Drive     `yaml:"drive"`
	Motion    Motion    `yaml:"motion"`
	Scheduler Scheduler `yaml:"scheduler"`
	Hardware  Hardware  `yaml:"hardware"`
}

type Chassis struct {
	TrackWidth         float64 `yaml:"track_width"`
	WheelCircumference float64 `yaml:"wheel_circumference"`
	// SidewaysOffset is the distance of the sideways tracking wheel behind
	// the turning centre, if one is fitted.
	SidewaysOffset float64 `yaml:"sideways_offset"`
}

type Encoders struct {
	TicksPerRevolution float64 `yaml:"ticks_per_revolution"`
	CounterBits        uint    `yaml:"counter_bits"`
	LeftInverted       bool    `yaml:"left_inverted"`
	RightInverted      bool    `yaml:"right_inverted"`
}

type HeadingSource string

const (
	HeadingWheels HeadingSource = "wheels"
	HeadingBNO08x HeadingSource = "bno08x"
	HeadingGyro   HeadingSource = "gyro"
	HeadingSim    HeadingSource = "sim"
)

type Heading struct {
	Source HeadingSource `yaml:"source"`
	// RadiansPerUnit converts the raw reading; π/180 for degrees.
	RadiansPerUnit float64 `yaml:"radians_per_unit"`
	Inverted       bool    `yaml:"inverted"`
}

type Drive struct {
	MaxVelocity     float64 `yaml:"max_velocity"`
	MaxAcceleration float64 `yaml:"max_acceleration"`
}

type Tolerance struct {
	Position float64 `yaml:"position"`
	Heading  float64 `yaml:"heading"`
}

type Motion struct {
	Linear         pid.Config    `yaml:"linear"`
	Angular        pid.Config    `yaml:"angular"`
	SettleRadius   float64       `yaml:"settle_radius"`
	BoomerangLead  float64       `yaml:"boomerang_lead"`
	SettleVelocity pose.Velocity `yaml:"settle_velocity"`
	Tolerance      Tolerance     `yaml:"tolerance"`
	Timeout        time.Duration `yaml:"timeout"`
}

type Scheduler struct {
	TickPeriod time.Duration `yaml:"tick_period"`
}

type MotorDriver string

const (
	MotorsSim      MotorDriver = "sim"
	MotorsPicoBLDC MotorDriver = "picobldc"
	MotorsCAN      MotorDriver = "can"
)

type Hardware struct {
	Motors       MotorDriver `yaml:"motors"`
	I2CBus       string      `yaml:"i2c_bus"`
	CANInterface string      `yaml:"can_interface"`
	IMUPort      string      `yaml:"imu_port"`
	GyroSPI      string      `yaml:"gyro_spi"`
	Screen       string      `yaml:"screen"`
	SoundDir     string      `yaml:"sound_dir"`

	// PicoSpeedPerUnit converts wheel velocity to Pico-BLDC raw speed.
	PicoSpeedPerUnit float64 `yaml:"pico_speed_per_unit"`
	CANLeftNodes     []uint8 `yaml:"can_left_nodes"`
	CANRightNodes    []uint8 `yaml:"can_right_nodes"`
	CANScalePerUnit  float64 `yaml:"can_scale_per_unit"`

	// Solenoids are GPIO pin names; empty disables the pneumatics.
	Solenoids          []string `yaml:"solenoids"`
	SolenoidsActiveLow bool     `yaml:"solenoids_active_low"`
}

// Default returns the configuration for the standard chassis, in
// millimetres.
func Default() Config {
	return Config{
		Unit: pose.UnitMillimetres,
		Chassis: Chassis{
			TrackWidth:         BotWidthMM,
			WheelCircumference: WheelCircumMM,
		},
		Encoders: Encoders{
			TicksPerRevolution: 256,
			CounterBits:        16,
		},
		Heading: Heading{
			Source:         HeadingWheels,
			RadiansPerUnit: math.Pi / 180,
		},
		Drive: Drive{
			MaxVelocity:     600,
			MaxAcceleration: 2000,
		},
		Motion: Motion{
			Linear:        pid.Config{Gains: pid.Gains{Kp: 3, Ki: 0.1}, Min: -400, Max: 400, IntegralLimit: 200},
			Angular:       pid.Config{Gains: pid.Gains{Kp: 4, Kd: 0.05}, Min: -3, Max: 3},
			SettleRadius:  50,
			BoomerangLead: 0.6,
			Tolerance:     Tolerance{Position: 10, Heading: 0.035},
			Timeout:       10 * time.Second,
		},
		Scheduler: Scheduler{TickPeriod: 10 * time.Millisecond},
		Hardware: Hardware{
			Motors:       MotorsSim,
			I2CBus:       "/dev/i2c-1",
			CANInterface: "can0",
			IMUPort:      "/dev/ttyAMA0",
			GyroSPI:      "/dev/spidev0.1",
			Screen:       "/dev/fb1",

			PicoSpeedPerUnit: 10,
			CANLeftNodes:     []uint8{1, 3},
			CANRightNodes:    []uint8{2, 4},
			CANScalePerUnit:  1,
		},
	}
}

// Load overlays the YAML file at path on the defaults and validates the
// result.  A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(ErrInvalid, "%s: %v", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var problems []string
	if !c.Unit.Valid() {
		problems = append(problems, "unknown unit "+string(c.Unit))
	}
	if c.Chassis.TrackWidth <= 0 {
		problems = append(problems, "track width must be positive")
	}
	if c.Chassis.WheelCircumference <= 0 {
		problems = append(problems, "wheel circumference must be positive")
	}
	if c.Encoders.TicksPerRevolution <= 0 {
		problems = append(problems, "encoder ticks per revolution must be positive")
	}
	switch c.Heading.Source {
	case HeadingWheels, HeadingBNO08x, HeadingGyro, HeadingSim:
	default:
		problems = append(problems, "unknown heading source "+string(c.Heading.Source))
	}
	if c.Drive.MaxVelocity < 0 || c.Drive.MaxAcceleration < 0 {
		problems = append(problems, "drive limits must not be negative")
	}
	for name, p := range map[string]pid.Config{"linear": c.Motion.Linear, "angular": c.Motion.Angular} {
		if p.Min > p.Max {
			problems = append(problems, name+" output min exceeds max")
		}
	}
	if c.Motion.Tolerance.Position < 0 || c.Motion.Tolerance.Heading < 0 {
		problems = append(problems, "tolerances must not be negative")
	}
	if c.Motion.BoomerangLead < 0 || c.Motion.BoomerangLead >= 1 {
		problems = append(problems, "boomerang lead must be in [0, 1)")
	}
	if c.Motion.Timeout <= 0 {
		problems = append(problems, "motion timeout must be positive")
	}
	if c.Scheduler.TickPeriod <= 0 {
		problems = append(problems, "tick period must be positive")
	}
	switch c.Hardware.Motors {
	case MotorsSim, MotorsPicoBLDC, MotorsCAN:
	default:
		problems = append(problems, "unknown motor driver "+string(c.Hardware.Motors))
	}
	switch {
	case c.Hardware.Motors == MotorsPicoBLDC && c.Hardware.PicoSpeedPerUnit <= 0:
		problems = append(problems, "pico speed per unit must be positive")
	case c.Hardware.Motors == MotorsCAN && c.Hardware.CANScalePerUnit <= 0:
		problems = append(problems, "CAN scale per unit must be positive")
	case c.Hardware.Motors == MotorsCAN && (len(c.Hardware.CANLeftNodes) == 0 || len(c.Hardware.CANRightNodes) == 0):
		problems = append(problems, "CAN motors need nodes on both sides")
	}
	if len(problems) > 0 {
		return errors.Wrap(ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// MotionConfig returns the parameters for motion.New.
func (c Config) MotionConfig() motion.Config {
	return motion.Config{
		Linear:         c.Motion.Linear,
		Angular:        c.Motion.Angular,
		SettleRadius:   c.Motion.SettleRadius,
		BoomerangLead:  c.Motion.BoomerangLead,
		SettleVelocity: c.Motion.SettleVelocity,
	}
}

// Goal builds a goal to target using the configured tolerance and timeout.
func (c Config) Goal(target pose.Pose) motion.Goal {
	return motion.Goal{
		Target: target,
		Tolerance: motion.Tolerance{
			Position: c.Motion.Tolerance.Position,
			Heading:  c.Motion.Tolerance.Heading,
		},
		Timeout: c.Motion.Timeout,
	}
}

func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(&c)
}

// WriteInUse records the configuration actually in use next to the file it
// was loaded from: foo.yaml -> foo-in-use.yaml.
func (c Config) WriteInUse(path string) (string, error) {
	data, err := c.Marshal()
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal config")
	}
	ext := filepath.Ext(path)
	out := strings.TrimSuffix(path, ext) + "-in-use" + ext
	if err := ioutil.WriteFile(out, data, 0666); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", out)
	}
	return out, nil
}
