// Package callstate holds the guard flags shared by the components of one
// call.
//
// A single [State] is owned by the call controller and handed by pointer to
// the capture controller and the playback gate. Every field has exactly one
// writer:
//
//   - Suppressed is written only by the playback gate and by call teardown.
//   - ShouldSendData is written by the playback gate (cleared before a render,
//     set after it) and by the capture controller (reset after finalize).
//
// All access happens on the call's event loop, so no locking is needed.
package callstate

// State is the per-call guard flag aggregate.
type State struct {
	suppressed     bool
	shouldSendData bool
	generation     uint64
}

// New returns a State with its initial values: not suppressed, sending
// enabled.
func New() *State {
	return &State{shouldSendData: true}
}

// Suppressed reports whether playback currently gates capture.
func (s *State) Suppressed() bool { return s.suppressed }

// SetSuppressed sets the playback suppression flag.
func (s *State) SetSuppressed(v bool) { s.suppressed = v }

// Detecting reports whether the detector should evaluate samples. It is the
// inverse of [State.Suppressed].
func (s *State) Detecting() bool { return !s.suppressed }

// ShouldSendData reports whether the segment being finalized is eligible for
// upload.
func (s *State) ShouldSendData() bool { return s.shouldSendData }

// SetShouldSendData sets the upload eligibility flag.
func (s *State) SetShouldSendData(v bool) { s.shouldSendData = v }

// Generation identifies the current call. It changes on every [State.Reset].
func (s *State) Generation() uint64 { return s.generation }

// Reset restores the initial flag values and starts a new generation.
func (s *State) Reset() {
	s.suppressed = false
	s.shouldSendData = true
	s.generation++
}
