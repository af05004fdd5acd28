// Package telemetry samples read-only snapshots of the tracking and motion
// state for display, sound cues and trajectory plots.  Nothing here writes
// back into the core.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/drivetrain"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/motion"
	"github.com/tigerbot-team/tigerbot/drivecore/pkg/pose"
)

type Snapshot struct {
	Time     time.Time
	Pose     pose.Pose
	Velocity pose.Velocity
	Status   motion.Status
	// Goal is the active goal, if any.
	Goal    *motion.Goal
	Command drivetrain.Command
}

type PoseSource interface {
	CurrentPose() pose.Pose
	CurrentVelocity() pose.Velocity
}

type MotionSource interface {
	Status() motion.Status
	Goal() (motion.Goal, bool)
}

type CommandSource interface {
	Command() drivetrain.Command
}

// Annunciator is told about every motion state change.
type Annunciator interface {
	Announce(state motion.State)
}

// Display is handed the latest snapshot and the recent history.  Show is
// called from the display loop, not from the scheduler tick, so it may be
// slow.
type Display interface {
	Show(latest Snapshot, history []Snapshot) error
}

type Config struct {
	// HistorySize bounds the number of snapshots kept.
	HistorySize int
	// SampleEvery is the minimum time between recorded snapshots.  Zero
	// records on every tick.
	SampleEvery time.Duration
	// DisplayEvery is the minimum time between display refreshes.
	DisplayEvery time.Duration

	Poses    PoseSource
	Motion   MotionSource
	Commands CommandSource

	Annunciators []Annunciator
	Displays     []Display

	Logger golog.Logger
}

// Monitor is a scheduler task.
type Monitor struct {
	cfg Config
	log golog.Logger

	lock        sync.Mutex
	history     []Snapshot
	next        int
	full        bool
	lastSample  time.Time
	lastDisplay time.Time
	lastState   motion.State
	haveState   bool
	latest      Snapshot

	// frames holds at most one refresh waiting for the display loop.
	frames chan frame
}

type frame struct {
	latest  Snapshot
	history []Snapshot
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	log := cfg.Logger
	if log == nil {
		log = golog.Global().Named("telemetry")
	}
	return &Monitor{
		cfg:     cfg,
		log:     log,
		history: make([]Snapshot, cfg.HistorySize),
		frames:  make(chan frame, 1),
	}
}

func (m *Monitor) Name() string {
	return "telemetry"
}

func (m *Monitor) snapshot(now time.Time) Snapshot {
	s := Snapshot{Time: now}
	if m.cfg.Poses != nil {
		s.Pose = m.cfg.Poses.CurrentPose()
		s.Velocity = m.cfg.Poses.CurrentVelocity()
	}
	if m.cfg.Motion != nil {
		s.Status = m.cfg.Motion.Status()
		if g, ok := m.cfg.Motion.Goal(); ok {
			s.Goal = &g
		}
	}
	if m.cfg.Commands != nil {
		s.Command = m.cfg.Commands.Command()
	}
	return s
}

func (m *Monitor) Tick(now time.Time) {
	s := m.snapshot(now)

	m.lock.Lock()
	m.latest = s
	changed := !m.haveState || s.Status.State != m.lastState
	m.lastState, m.haveState = s.Status.State, true
	if m.lastSample.IsZero() || now.Sub(m.lastSample) >= m.cfg.SampleEvery {
		m.history[m.next] = s
		m.next = (m.next + 1) % len(m.history)
		if m.next == 0 {
			m.full = true
		}
		m.lastSample = now
	}
	refresh := m.lastDisplay.IsZero() || now.Sub(m.lastDisplay) >= m.cfg.DisplayEvery
	if refresh {
		m.lastDisplay = now
	}
	var history []Snapshot
	if refresh && len(m.cfg.Displays) > 0 {
		history = m.historyLocked()
	}
	m.lock.Unlock()

	if changed {
		m.log.Infow("telemetry: motion state", "status", s.Status.String(), "pose", s.Pose.String())
		for _, a := range m.cfg.Annunciators {
			a.Announce(s.Status.State)
		}
	}
	if refresh && len(m.cfg.Displays) > 0 {
		m.offer(frame{latest: s, history: history})
	}
}

// offer queues f for the display loop, replacing any frame the loop hasn't
// picked up yet.  Never blocks; Tick is the only sender.
func (m *Monitor) offer(f frame) {
	for {
		select {
		case m.frames <- f:
			return
		default:
		}
		select {
		case <-m.frames:
		default:
		}
	}
}

// LoopUpdatingDisplays shows each queued refresh on every display until ctx
// is done.
func (m *Monitor) LoopUpdatingDisplays(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-m.frames:
			for _, d := range m.cfg.Displays {
				if err := d.Show(f.latest, f.history); err != nil {
					m.log.Warnw("telemetry: display failed", "err", err)
				}
			}
		}
	}
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() Snapshot {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.latest
}

// History returns the recorded snapshots, oldest first.
func (m *Monitor) History() []Snapshot {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.historyLocked()
}

func (m *Monitor) historyLocked() []Snapshot {
	if !m.full {
		return append([]Snapshot(nil), m.history[:m.next]...)
	}
	out := make([]Snapshot, 0, len(m.history))
	out = append(out, m.history[m.next:]...)
	return append(out, m.history[:m.next]...)
}
