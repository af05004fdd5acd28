package pose

// Unit names the distance unit that poses, encoder deltas, track geometry and
// velocity limits are expressed in.  It is fixed when a robot is assembled.
type Unit string

const (
	UnitNone        Unit = ""
	UnitMillimetres Unit = "mm"
	UnitCentimetres Unit = "cm"
	UnitMetres      Unit = "m"
	UnitInches      Unit = "in"
)

func (u Unit) Valid() bool {
	switch u {
	case UnitMillimetres, UnitCentimetres, UnitMetres, UnitInches:
		return true
	}
	return false
}

// Millimetres returns the size of one u in millimetres.
func (u Unit) Millimetres() float64 {
	switch u {
	case UnitMillimetres:
		return 1
	case UnitCentimetres:
		return 10
	case UnitMetres:
		return 1000
	case UnitInches:
		return 25.4
	}
	return 0
}
