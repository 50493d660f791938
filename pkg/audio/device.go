// Package audio defines the device, recorder, and renderer contracts used by
// the duplex voice client.
//
// The three external collaborators of the client are modelled here:
//
//   - [Device] acquires the microphone and returns a live [Stream].
//   - [Recorder] is built on a [Stream]; it emits captured fragments and a
//     final "finalized" notification once stopped.
//   - [Renderer] decodes an inbound segment and plays it on the output
//     device, reporting when playback has ended.
//
// Concrete adapters live in sub-packages (audio/portaudio, audio/beep); the
// audio/mock package provides controllable doubles for tests. This package
// lives under pkg/ so alternative device backends can implement the contracts.
package audio

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned by [Device.Acquire] when the microphone
	// cannot be opened. It is terminal for the call that requested it.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDecode reports an inbound segment that could not be decoded into an
	// audible buffer.
	ErrDecode = errors.New("audio: cannot decode segment")

	// ErrStreamClosed is returned when recording is requested on a stream that
	// has already terminated.
	ErrStreamClosed = errors.New("audio: stream closed")
)

// Format describes the PCM layout of a captured stream. Samples are always
// signed 16-bit little-endian.
type Format struct {
	// SampleRate in Hz (e.g., 16000, 48000).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// BytesPerFrame returns the number of bytes for one sample across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * 2
}

// String returns a human-readable form, e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Device is the entry point for microphone access.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Acquire opens the microphone in audio-only mode and returns a live
	// [Stream]. Acquire may block while the platform asks for permission; ctx
	// bounds that wait. A refusal is reported as an error wrapping
	// [ErrPermissionDenied].
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is a live microphone stream obtained from [Device.Acquire].
//
// The stream delivers interleaved PCM frames to every registered tap until it
// is closed or the underlying device terminates. Implementations must be safe
// for concurrent use.
type Stream interface {
	// Format reports the PCM layout of the frames delivered to taps.
	Format() Format

	// Tap registers fn to receive every captured frame. fn is invoked on the
	// device goroutine and must not block or retain pcm. The returned function
	// removes the tap; calling it more than once is safe.
	Tap(fn func(pcm []int16)) (untap func())

	// NewRecorder builds a [Recorder] on top of this stream. Events are
	// delivered from arbitrary goroutines.
	NewRecorder(ev RecorderEvents) Recorder

	// Done is closed when the stream stops producing frames, either because
	// Close was called or because the device went away.
	Done() <-chan struct{}

	// Close releases the microphone. Closing more than once is a no-op.
	Close() error
}
