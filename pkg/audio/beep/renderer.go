// Package beep provides an [audio.Renderer] that plays inbound segments on
// the default output device using faiface/beep.
//
// Segments may be WAV (detected by their RIFF header) or MP3. Every segment is
// resampled to the speaker rate, so consecutive segments with different rates
// play back correctly on the single shared speaker.
package beep

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Renderer = (*Renderer)(nil)

const (
	defaultSampleRate = beep.SampleRate(44100)
	defaultBuffer     = 100 * time.Millisecond
	resampleQuality   = 4
)

// Option configures a [Renderer].
type Option func(*Renderer)

// WithSampleRate sets the speaker sample rate. Defaults to 44100 Hz.
func WithSampleRate(rate int) Option {
	return func(r *Renderer) {
		if rate > 0 {
			r.rate = beep.SampleRate(rate)
		}
	}
}

// WithBuffer sets the speaker buffer duration. Larger buffers trade latency
// for fewer underruns. Defaults to 100ms.
func WithBuffer(d time.Duration) Option {
	return func(r *Renderer) {
		if d > 0 {
			r.buffer = d
		}
	}
}

// Renderer plays segments through the beep speaker.
type Renderer struct {
	rate   beep.SampleRate
	buffer time.Duration

	initOnce sync.Once
	initErr  error

	// play and clear are the speaker hooks.
	play  func(beep.Streamer)
	clear func()
}

// New returns a Renderer. The speaker is initialised lazily on the first
// successful decode.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		rate:   defaultSampleRate,
		buffer: defaultBuffer,
		play:   func(s beep.Streamer) { speaker.Play(s) },
		clear:  speaker.Clear,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Renderer) initSpeaker() error {
	r.initOnce.Do(func() {
		r.initErr = speaker.Init(r.rate, r.rate.N(r.buffer))
		if r.initErr == nil {
			slog.Info("beep: speaker initialised", "sample_rate", int(r.rate), "buffer", r.buffer)
		}
	})
	return r.initErr
}

// Render implements [audio.Renderer].
func (r *Renderer) Render(segment []byte, ended func(err error)) {
	s, format, err := decode(segment)
	if err != nil {
		ended(err)
		return
	}
	if r.play == nil {
		ended(errors.New("beep: renderer has no output"))
		return
	}
	if err := r.initSpeaker(); err != nil {
		_ = s.Close()
		ended(fmt.Errorf("beep: init speaker: %w", err))
		return
	}

	var out beep.Streamer = s
	if format.SampleRate != r.rate {
		out = beep.Resample(resampleQuality, format.SampleRate, r.rate, s)
	}
	r.play(beep.Seq(out, beep.Callback(func() {
		_ = s.Close()
		// The speaker lock is held here; ended must not run under it.
		go ended(nil)
	})))
}

// Stop implements [audio.Renderer]. Cleared segments never report ended.
func (r *Renderer) Stop() {
	if r.clear != nil {
		r.clear()
	}
}

// decode turns a segment into a streamer. Failures wrap [audio.ErrDecode].
func decode(segment []byte) (beep.StreamSeekCloser, beep.Format, error) {
	if len(segment) == 0 {
		return nil, beep.Format{}, fmt.Errorf("%w: empty segment", audio.ErrDecode)
	}

	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	if isWAV(segment) {
		s, format, err = wav.Decode(bytes.NewReader(segment))
	} else {
		s, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(segment)))
	}
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("%w: %w", audio.ErrDecode, err)
	}
	if format.SampleRate <= 0 {
		_ = s.Close()
		return nil, beep.Format{}, fmt.Errorf("%w: invalid sample rate %d", audio.ErrDecode, format.SampleRate)
	}
	return s, format, nil
}

func isWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}
