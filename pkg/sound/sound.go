// Package sound plays short WAV cues on the robot's speaker.
package sound

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/tigerbot/drivecore/pkg/motion"
)

// Player plays one sound at a time from a background goroutine; a new sound
// interrupts the current one.  Play never blocks the caller.
type Player struct {
	log golog.Logger
	dir string

	load func(path string) (beep.StreamSeekCloser, error)
	play func(s beep.Streamer) *beep.Ctrl

	sounds    chan string
	closeOnce sync.Once
	done      chan struct{}
}

type Config struct {
	// Dir holds one <state>.wav cue per motion state, e.g. timed-out.wav.
	Dir    string
	Logger golog.Logger
}

// New initialises the speaker and starts the player.  If the speaker can't be
// opened the player still works but only logs what it would have played.
func New(cfg Config) *Player {
	p := newPlayer(cfg, loadWAV, nil)
	sampleRate := beep.SampleRate(44100)
	if err := speaker.Init(sampleRate, sampleRate.N(time.Second/5)); err != nil {
		p.log.Warnw("sound: failed to open speaker", "err", err)
	} else {
		p.play = func(s beep.Streamer) *beep.Ctrl {
			ctrl := &beep.Ctrl{Streamer: s}
			speaker.Play(ctrl)
			return ctrl
		}
	}
	go p.loop()
	return p
}

func newPlayer(cfg Config, load func(string) (beep.StreamSeekCloser, error), play func(beep.Streamer) *beep.Ctrl) *Player {
	log := cfg.Logger
	if log == nil {
		log = golog.Global().Named("sound")
	}
	return &Player{
		log:    log,
		dir:    cfg.Dir,
		load:   load,
		play:   play,
		sounds: make(chan string, 4),
		done:   make(chan struct{}),
	}
}

func loadWAV(path string) (beep.StreamSeekCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sound")
	}
	s, _, err := wav.Decode(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return s, nil
}

// Play queues path; it is dropped if the queue is full.
func (p *Player) Play(path string) {
	select {
	case p.sounds <- path:
	case <-p.done:
	default:
		p.log.Debugw("sound: queue full, dropping", "path", path)
	}
}

// Announce implements telemetry.Annunciator.
func (p *Player) Announce(state motion.State) {
	if p.dir == "" || state == motion.Idle {
		return
	}
	p.Play(p.PathFor(state))
}

// PathFor returns the cue file for state.
func (p *Player) PathFor(state motion.State) string {
	return filepath.Join(p.dir, strings.Replace(state.String(), " ", "-", -1)+".wav")
}

func (p *Player) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *Player) loop() {
	var ctrl *beep.Ctrl
	var s beep.StreamSeekCloser
	defer func() {
		if s != nil {
			_ = s.Close()
		}
	}()
	for {
		var path string
		select {
		case <-p.done:
			return
		case path = <-p.sounds:
		}

		if ctrl != nil {
			speaker.Lock()
			ctrl.Paused = true
			ctrl.Streamer = nil
			speaker.Unlock()
			ctrl = nil
		}
		if s != nil {
			_ = s.Close()
			s = nil
		}

		var err error
		s, err = p.load(path)
		if err != nil {
			p.log.Warnw("sound: unable to play", "path", path, "err", err)
			continue
		}
		if p.play == nil {
			p.log.Infow("sound: no speaker, not playing", "path", path)
			continue
		}
		ctrl = p.play(s)
	}
}
