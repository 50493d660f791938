// Package vad implements the energy-threshold voice activity detector.
//
// The detector is a two-state machine (Idle, Talking) with hysteresis: a
// single sample above the start threshold switches to Talking immediately,
// while switching back to Idle requires the energy to stay below the lower
// stop threshold for a full stop duration. Samples between the thresholds are
// a dead zone and change nothing.
//
// A [Detector] must only be used from the goroutine of the [loop.Loop] it was
// built with.
package vad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/duplexvoice/internal/loop"
	"github.com/MrWong99/duplexvoice/internal/observe"
)

// Config holds the detector tuning.
type Config struct {
	// StartThreshold is the energy above which speech begins (0–255).
	StartThreshold float64

	// StopThreshold is the energy below which the stop timer is armed. Must be
	// lower than StartThreshold.
	StopThreshold float64

	// StopDuration is how long energy must stay low before speech ends.
	StopDuration time.Duration
}

// DefaultConfig returns the reference tuning: start 20, stop 5, 1.5 s.
func DefaultConfig() Config {
	return Config{
		StartThreshold: 20,
		StopThreshold:  5,
		StopDuration:   1500 * time.Millisecond,
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.StartThreshold < 0 || c.StartThreshold > 255 {
		errs = append(errs, fmt.Errorf("vad: start threshold %v outside 0-255", c.StartThreshold))
	}
	if c.StopThreshold < 0 || c.StopThreshold > 255 {
		errs = append(errs, fmt.Errorf("vad: stop threshold %v outside 0-255", c.StopThreshold))
	}
	if c.StopThreshold >= c.StartThreshold {
		errs = append(errs, fmt.Errorf("vad: stop threshold %v must be below start threshold %v", c.StopThreshold, c.StartThreshold))
	}
	if c.StopDuration <= 0 {
		errs = append(errs, errors.New("vad: stop duration must be positive"))
	}
	return errors.Join(errs...)
}

// State is the detector state.
type State int

const (
	// Idle means no speech is in progress.
	Idle State = iota

	// Talking means speech is in progress.
	Talking
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Talking:
		return "talking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler receives detector edges.
type Handler interface {
	// SpeechStarted is called on every Idle→Talking transition, and again
	// while Talking whenever a loud sample arrives and Capturing reports
	// false.
	SpeechStarted()

	// SpeechEnded is called when the stop timer fires uncancelled.
	SpeechEnded()

	// Capturing reports whether capture is currently recording.
	Capturing() bool
}

// Detector is the voice activity state machine.
type Detector struct {
	l       loop.Loop
	h       Handler
	cfg     Config
	metrics *observe.Metrics

	state State
	timer loop.Timer // non-nil while a stop timer is armed
	gen   uint64
	stale uint64
}

// Option configures a [Detector].
type Option func(*Detector)

// WithMetrics records transitions and stale timers on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// New returns an Idle detector.
func New(l loop.Loop, h Handler, cfg Config, opts ...Option) *Detector {
	d := &Detector{l: l, h: h, cfg: cfg}
	for _, o := range opts {
		o(d)
	}
	return d
}

// State returns the current state.
func (d *Detector) State() State { return d.state }

// Armed reports whether a stop timer is pending.
func (d *Detector) Armed() bool { return d.timer != nil }

// StaleFirings returns how many stop-timer callbacks were ignored.
func (d *Detector) StaleFirings() uint64 { return d.stale }

// Observe evaluates one energy sample.
func (d *Detector) Observe(energy float64) {
	switch {
	case energy > d.cfg.StartThreshold:
		d.disarm()
		if d.state == Idle {
			d.transition(Talking)
			d.h.SpeechStarted()
			return
		}
		if !d.h.Capturing() {
			d.h.SpeechStarted()
		}
	case energy < d.cfg.StopThreshold:
		if d.state == Talking && d.timer == nil {
			d.arm()
		}
	}
}

// Pause cancels any armed stop timer while playback suppresses detection.
// The state is kept; no edge fires until [Detector.Resume].
func (d *Detector) Pause() {
	d.disarm()
	d.gen++
}

// Resume forces the Talking state without emitting SpeechStarted. It is used
// when capture restarts after playback, so the detector tracks the resumed
// recording and can end it with the usual debounce. A stop timer left from
// before playback is dropped; the debounce starts over with the next quiet
// sample.
func (d *Detector) Resume() {
	d.disarm()
	d.gen++
	if d.state != Talking {
		d.transition(Talking)
	}
}

// Reset cancels any armed timer, invalidates late firings and returns to Idle
// without emitting SpeechEnded.
func (d *Detector) Reset() {
	d.disarm()
	d.gen++
	d.state = Idle
}

func (d *Detector) arm() {
	gen := d.gen
	var t loop.Timer
	t = d.l.AfterFunc(d.cfg.StopDuration, func() {
		if gen != d.gen || d.timer != t {
			d.stale++
			if d.metrics != nil {
				d.metrics.StaleTimers.Add(context.Background(), 1)
			}
			slog.Debug("vad: stale stop timer ignored")
			return
		}
		d.timer = nil
		if d.state != Talking {
			return
		}
		d.transition(Idle)
		d.h.SpeechEnded()
	})
	d.timer = t
}

func (d *Detector) disarm() {
	if d.timer == nil {
		return
	}
	d.timer.Stop()
	d.timer = nil
}

func (d *Detector) transition(to State) {
	slog.Debug("vad: transition", "from", d.state, "to", to)
	d.state = to
	if d.metrics != nil {
		d.metrics.RecordVADTransition(context.Background(), to.String())
	}
}
