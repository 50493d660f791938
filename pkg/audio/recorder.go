package audio

import (
	"errors"
	"sync"
)

// RecorderEvents holds the callbacks a [Recorder] emits. Both callbacks may be
// invoked from any goroutine and must not block.
type RecorderEvents struct {
	// OnData receives one raw fragment of captured audio. Fragments arrive in
	// capture order and are never delivered after OnFinalized.
	OnData func(fragment []byte)

	// OnFinalized fires exactly once after [Recorder.Stop], once every
	// fragment has been delivered.
	OnFinalized func()
}

// Recorder records fragments from a [Stream] between Start and Stop.
type Recorder interface {
	// Start begins delivering fragments. Returns an error if the recorder was
	// already started or the stream has terminated.
	Start() error

	// Stop signals the recorder to finalize. OnFinalized is delivered
	// asynchronously. Stopping an idle or stopped recorder is a no-op.
	Stop()
}

// RecorderState enumerates the lifecycle of a [TapRecorder].
type RecorderState int

const (
	// RecorderInactive means the recorder was created but not started.
	RecorderInactive RecorderState = iota

	// RecorderRecording means fragments are being delivered.
	RecorderRecording

	// RecorderStopped means Stop was called; the recorder cannot restart.
	RecorderStopped
)

// String returns the human-readable name of the state.
func (s RecorderState) String() string {
	switch s {
	case RecorderInactive:
		return "INACTIVE"
	case RecorderRecording:
		return "RECORDING"
	case RecorderStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Compile-time interface assertion.
var _ Recorder = (*TapRecorder)(nil)

// TapRecorder is the generic [Recorder] used by stream adapters. It taps the
// stream on Start and encodes each frame as little-endian PCM bytes.
type TapRecorder struct {
	stream Stream
	ev     RecorderEvents

	mu    sync.Mutex
	state RecorderState
	untap func()

	stopOnce sync.Once
}

// NewTapRecorder returns a recorder bound to stream. Adapters typically return
// it from their [Stream.NewRecorder] implementation.
func NewTapRecorder(stream Stream, ev RecorderEvents) *TapRecorder {
	return &TapRecorder{stream: stream, ev: ev}
}

// Start implements [Recorder].
func (r *TapRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != RecorderInactive {
		return errors.New("audio: recorder already started")
	}
	select {
	case <-r.stream.Done():
		return ErrStreamClosed
	default:
	}

	r.state = RecorderRecording
	r.untap = r.stream.Tap(r.onFrame)
	return nil
}

// Stop implements [Recorder]. The tap is removed before Stop returns, so no
// fragment is delivered after it; OnFinalized follows on a new goroutine.
func (r *TapRecorder) Stop() {
	r.mu.Lock()
	if r.state != RecorderRecording {
		r.state = RecorderStopped
		r.mu.Unlock()
		return
	}
	r.state = RecorderStopped
	untap := r.untap
	r.untap = nil
	r.mu.Unlock()

	if untap != nil {
		untap()
	}
	r.stopOnce.Do(func() {
		if r.ev.OnFinalized != nil {
			go r.ev.OnFinalized()
		}
	})
}

// State reports the current lifecycle state.
func (r *TapRecorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *TapRecorder) onFrame(pcm []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecorderRecording || r.ev.OnData == nil {
		return
	}
	r.ev.OnData(Int16ToBytes(pcm))
}
