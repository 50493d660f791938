// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.Stream], [audio.Recorder], and [audio.Renderer] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Unlike the real adapters, the mocks never spawn goroutines: recorder and
// renderer callbacks fire only when the test drives them via [Recorder.Emit],
// [Recorder.Finalize], or [Renderer.End]. This keeps tests deterministic.
//
// Typical usage:
//
//	stream := &mock.Stream{FormatResult: audio.Format{SampleRate: 16000, Channels: 1}}
//	dev := &mock.Device{AcquireResult: stream}
//	s, err := dev.Acquire(ctx)
//	rec := stream.LastRecorder()
//	rec.Emit([]byte{1, 2})
//	rec.Finalize()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Compile-time interface assertions.
var (
	_ audio.Device   = (*Device)(nil)
	_ audio.Stream   = (*Stream)(nil)
	_ audio.Recorder = (*Recorder)(nil)
	_ audio.Renderer = (*Renderer)(nil)
)

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// AcquireResult is returned by [Device.Acquire] when AcquireError is nil.
	// If nil, a fresh mono 16 kHz [Stream] is built on each call.
	AcquireResult *Stream

	// AcquireError is returned by [Device.Acquire] when non-nil.
	AcquireError error

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int
}

// Acquire implements [audio.Device].
func (d *Device) Acquire(_ context.Context) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountAcquire++
	if d.AcquireError != nil {
		return nil, d.AcquireError
	}
	if d.AcquireResult == nil {
		d.AcquireResult = &Stream{FormatResult: audio.Format{SampleRate: 16000, Channels: 1}}
	}
	return d.AcquireResult, nil
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Frames are delivered to
// taps synchronously by [Stream.Push].
type Stream struct {
	mu sync.Mutex

	// FormatResult is returned by [Stream.Format].
	FormatResult audio.Format

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Recorders holds every recorder built by NewRecorder, in creation order.
	Recorders []*Recorder

	taps   map[int]func([]int16)
	nextID int
	done   chan struct{}
	closed bool
}

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Tap implements [audio.Stream].
func (s *Stream) Tap(fn func(pcm []int16)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taps == nil {
		s.taps = make(map[int]func([]int16))
	}
	id := s.nextID
	s.nextID++
	s.taps[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.taps, id)
	}
}

// TapCount returns the number of currently registered taps.
func (s *Stream) TapCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.taps)
}

// Push delivers pcm to every registered tap on the calling goroutine.
func (s *Stream) Push(pcm []int16) {
	s.mu.Lock()
	fns := make([]func([]int16), 0, len(s.taps))
	for _, fn := range s.taps {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(pcm)
	}
}

// NewRecorder implements [audio.Stream].
func (s *Stream) NewRecorder(ev audio.RecorderEvents) audio.Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &Recorder{Events: ev}
	s.Recorders = append(s.Recorders, r)
	return r
}

// LastRecorder returns the most recently built recorder, or nil.
func (s *Stream) LastRecorder() *Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Recorders) == 0 {
		return nil
	}
	return s.Recorders[len(s.Recorders)-1]
}

// Done implements [audio.Stream].
func (s *Stream) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.done == nil {
		s.done = make(chan struct{})
	}
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Recorder ─────────────────────────────────────────────────────────────────

// Recorder is a mock implementation of [audio.Recorder]. It delivers events
// only when the test calls [Recorder.Emit] or [Recorder.Finalize].
type Recorder struct {
	mu sync.Mutex

	// Events holds the callbacks passed to NewRecorder.
	Events audio.RecorderEvents

	// StartError is returned by [Recorder.Start] when non-nil.
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	started bool
	stopped bool
}

// Start implements [audio.Recorder].
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountStart++
	if r.StartError != nil {
		return r.StartError
	}
	r.started = true
	return nil
}

// Stop implements [audio.Recorder].
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountStop++
	r.stopped = true
}

// Started reports whether Start succeeded.
func (r *Recorder) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Stopped reports whether Stop was called.
func (r *Recorder) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Emit invokes the OnData callback with fragment.
func (r *Recorder) Emit(fragment []byte) {
	r.mu.Lock()
	fn := r.Events.OnData
	r.mu.Unlock()
	if fn != nil {
		fn(fragment)
	}
}

// Finalize invokes the OnFinalized callback.
func (r *Recorder) Finalize() {
	r.mu.Lock()
	fn := r.Events.OnFinalized
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ─── Renderer ─────────────────────────────────────────────────────────────────

// RenderCall records a single invocation of [Renderer.Render].
type RenderCall struct {
	Segment []byte
	Ended   func(err error)
}

// Renderer is a mock implementation of [audio.Renderer]. Playback never ends on
// its own; the test ends it with [Renderer.End].
type Renderer struct {
	mu sync.Mutex

	// DecodeError, when non-nil, is passed to the ended callback synchronously
	// from Render, simulating an undecodable segment.
	DecodeError error

	// RenderCalls records every Render invocation in order.
	RenderCalls []RenderCall

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	pending []RenderCall
}

// Render implements [audio.Renderer].
func (r *Renderer) Render(segment []byte, ended func(err error)) {
	r.mu.Lock()
	call := RenderCall{Segment: append([]byte(nil), segment...), Ended: ended}
	r.RenderCalls = append(r.RenderCalls, call)
	decodeErr := r.DecodeError
	if decodeErr == nil {
		r.pending = append(r.pending, call)
	}
	r.mu.Unlock()

	if decodeErr != nil {
		ended(decodeErr)
	}
}

// Stop implements [audio.Renderer].
func (r *Renderer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountStop++
}

// Playing returns the number of renders that have not ended yet.
func (r *Renderer) Playing() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// End completes the oldest outstanding render and reports whether one existed.
func (r *Renderer) End() bool {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return false
	}
	call := r.pending[0]
	r.pending = r.pending[1:]
	r.mu.Unlock()

	call.Ended(nil)
	return true
}
