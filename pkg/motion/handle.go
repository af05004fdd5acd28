package motion

import (
	"context"
	"time"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
)

// Result is the outcome of a maneuver.
type Result struct {
	Status  Status
	Pose    pose.Pose
	Elapsed time.Duration
}

// Handle refers to one maneuver started by DriveTo.
type Handle struct {
	c      *Controller
	m      *maneuver
	done   chan struct{}
	result Result
}

// Done is closed once the maneuver has ended and the drivetrain has been
// stopped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// RequestCancel asks the control loop to stop the maneuver at its next tick
// and returns immediately.
func (h *Handle) RequestCancel() {
	h.c.requestCancel(h.m)
}

// Cancel asks the control loop to stop the maneuver and waits until it has
// done so.  Once Cancel returns nil no further drive commands will be issued
// for this maneuver.  If the maneuver already ended, Cancel returns nil
// straight away and the result is unchanged.
func (h *Handle) Cancel(ctx context.Context) error {
	h.RequestCancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the maneuver ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the outcome and true if the maneuver has ended.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}
