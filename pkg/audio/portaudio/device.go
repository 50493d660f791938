// Package portaudio provides an [audio.Device] backed by the system's default
// input device via PortAudio.
//
// The PortAudio library is reference counted: every acquired stream holds one
// Initialize/Terminate pair, so devices may be acquired and released freely.
// Building this package requires the PortAudio C library and headers.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Device = (*Device)(nil)
	_ audio.Stream = (*Stream)(nil)
)

const (
	defaultSampleRate      = 16000
	defaultChannels        = 1
	defaultFramesPerBuffer = 512
)

// Option configures a [Device].
type Option func(*Device)

// WithSampleRate sets the capture sample rate in Hz. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(d *Device) {
		if rate > 0 {
			d.format.SampleRate = rate
		}
	}
}

// WithChannels sets the number of capture channels. Defaults to 1.
func WithChannels(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.format.Channels = n
		}
	}
}

// WithFramesPerBuffer sets the PortAudio callback buffer size in frames.
// Defaults to 512.
func WithFramesPerBuffer(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.framesPerBuffer = n
		}
	}
}

// Device opens the default PortAudio input.
type Device struct {
	format          audio.Format
	framesPerBuffer int
}

// New returns a Device with the given options applied.
func New(opts ...Option) *Device {
	d := &Device{
		format:          audio.Format{SampleRate: defaultSampleRate, Channels: defaultChannels},
		framesPerBuffer: defaultFramesPerBuffer,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Acquire implements [audio.Device]. Any failure to open or start the input
// is reported as [audio.ErrPermissionDenied]; PortAudio does not distinguish
// a refused permission from a missing device.
func (d *Device) Acquire(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize: %w", audio.ErrPermissionDenied, err)
	}

	s := &Stream{
		format: d.format,
		taps:   make(map[int]func([]int16)),
		done:   make(chan struct{}),
	}
	pa, err := portaudio.OpenDefaultStream(
		d.format.Channels,
		0,
		float64(d.format.SampleRate),
		d.framesPerBuffer,
		s.callback,
	)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open input: %w", audio.ErrPermissionDenied, err)
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start input: %w", audio.ErrPermissionDenied, err)
	}
	s.pa = pa

	slog.Info("portaudio: microphone acquired", "format", d.format.String(), "frames_per_buffer", d.framesPerBuffer)
	return s, nil
}

// Probe reports whether PortAudio initialises and exposes a default input
// device. It does not open the microphone.
func (d *Device) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer func() { _ = portaudio.Terminate() }()

	in, err := portaudio.DefaultInputDevice()
	if err != nil {
		return fmt.Errorf("portaudio: no default input: %w", err)
	}
	if in.MaxInputChannels < d.format.Channels {
		return fmt.Errorf("portaudio: %q has %d input channels, need %d", in.Name, in.MaxInputChannels, d.format.Channels)
	}
	return nil
}

// Stream is a live PortAudio input stream.
type Stream struct {
	format audio.Format
	pa     *portaudio.Stream

	mu     sync.RWMutex
	taps   map[int]func([]int16)
	nextID int
	closed bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// callback runs on the PortAudio thread. in is reused between calls.
func (s *Stream) callback(in []int16) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || len(s.taps) == 0 {
		return
	}
	frame := make([]int16, len(in))
	copy(frame, in)
	for _, fn := range s.taps {
		fn(frame)
	}
}

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Tap implements [audio.Stream].
func (s *Stream) Tap(fn func(pcm []int16)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.taps[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.taps, id)
			s.mu.Unlock()
		})
	}
}

// NewRecorder implements [audio.Stream].
func (s *Stream) NewRecorder(ev audio.RecorderEvents) audio.Recorder {
	return audio.NewTapRecorder(s, ev)
}

// Done implements [audio.Stream].
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close implements [audio.Stream]. It stops the input, closes the PortAudio
// stream and releases this stream's library reference.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.taps = make(map[int]func([]int16))
		s.mu.Unlock()

		if err := s.pa.Stop(); err != nil {
			slog.Warn("portaudio: stop input", "err", err)
		}
		s.closeErr = s.pa.Close()
		if err := portaudio.Terminate(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		close(s.done)
		slog.Info("portaudio: microphone released")
	})
	return s.closeErr
}
