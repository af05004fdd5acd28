package angle

import "math"

// PlusMinusPi is an angle in radians, stored as a value in range (-π, π].
// All operations wrap their output into range.
type PlusMinusPi struct {
	float64
}

func (a PlusMinusPi) Add(b PlusMinusPi) PlusMinusPi {
	return FromFloat(a.float64 + b.float64)
}

func (a PlusMinusPi) Sub(b PlusMinusPi) PlusMinusPi {
	return FromFloat(a.float64 - b.float64)
}

func (a PlusMinusPi) AddFloat(f float64) PlusMinusPi {
	return FromFloat(a.float64 + f)
}

func (a PlusMinusPi) SubFloat(f float64) PlusMinusPi {
	return FromFloat(a.float64 - f)
}

// Float returns the angle in radians, range (-π, π].
func (a PlusMinusPi) Float() float64 {
	return a.float64
}

// Degrees returns the angle in degrees, range (-180, 180].
func (a PlusMinusPi) Degrees() float64 {
	return a.float64 * 180 / math.Pi
}

// FromFloat converts a float of any magnitude to a PlusMinusPi by calculating
// f mod 2π and shifting into range.
func FromFloat(f float64) PlusMinusPi {
	return PlusMinusPi{Normalize(f)}
}

func FromDegrees(d float64) PlusMinusPi {
	return FromFloat(d * math.Pi / 180)
}

// Normalize wraps rad into (-π, π].
func Normalize(rad float64) float64 {
	if rad > -math.Pi && rad <= math.Pi {
		return rad
	}
	d := math.Mod(rad, 2*math.Pi)
	if d <= -math.Pi {
		d += 2 * math.Pi
	} else if d > math.Pi {
		d -= 2 * math.Pi
	}
	return d
}

// Diff returns the signed shortest rotation that takes b onto a, in (-π, π].
func Diff(a, b float64) float64 {
	return Normalize(a - b)
}

func Radians(degrees float64) float64 {
	return degrees * math.Pi / 180
}

func Degrees(radians float64) float64 {
	return radians * 180 / math.Pi
}
