package tracking

import (
	"time"

	"github.com/pkg/errors"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/sensor"
)

// Task polls a fixed set of sensor adapters once per scheduler tick and feeds
// the measurements to the estimator.
type Task struct {
	est      *Estimator
	adapters []sensor.Adapter
}

// NewTask checks that every distance-reporting adapter uses the estimator's
// unit.  A mismatch is a configuration error.
func NewTask(est *Estimator, adapters ...sensor.Adapter) (*Task, error) {
	for _, a := range adapters {
		if a.Kind() == sensor.KindHeading {
			continue
		}
		if a.Unit() != est.Unit() {
			return nil, errors.Wrapf(ErrUnitMismatch, "adapter %s reports %q, estimator uses %q",
				a.Source(), a.Unit(), est.Unit())
		}
	}
	return &Task{est: est, adapters: adapters}, nil
}

func (t *Task) Name() string {
	return "tracking"
}

func (t *Task) Tick(now time.Time) {
	for _, a := range t.adapters {
		t.est.Update(a.Poll(now))
	}
}

func (t *Task) Estimator() *Estimator {
	return t.est
}

// CurrentPose and CurrentVelocity let the task stand in for the estimator as
// a pose source.
func (t *Task) CurrentPose() pose.Pose         { return t.est.CurrentPose() }
func (t *Task) CurrentVelocity() pose.Velocity { return t.est.CurrentVelocity() }
