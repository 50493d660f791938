// Package capture owns the microphone for the duration of a call and turns
// recorded audio into uploadable segments.
//
// The [Controller] acquires the [audio.Device] asynchronously, opens at most one
// recording at a time, and on finalize assembles the recorded fragments into a
// single segment. The segment is handed to the [Sender] only if sending was
// enabled at the moment the recording was stopped.
//
// All methods must be called on the [loop.Loop] the controller was built with.
// Device and recorder callbacks are re-posted onto that loop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/duplexvoice/internal/callstate"
	"github.com/MrWong99/duplexvoice/internal/loop"
	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// Sender uploads one finalized segment. Implementations must not block.
type Sender interface {
	Send(segment []byte)
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(segment []byte)

// Send implements [Sender].
func (f SenderFunc) Send(segment []byte) { f(segment) }

// Segment outcomes reported to metrics.
const (
	outcomeSent      = "sent"
	outcomeDiscarded = "discarded"
	outcomeEmpty     = "empty"
	outcomeFailed    = "failed"
)

// Controller is the capture state machine for one call.
type Controller struct {
	l       loop.Loop
	dev     audio.Device
	st      *callstate.State
	sender  Sender
	pack    audio.Packager
	metrics *observe.Metrics
	timeout time.Duration

	onAcquired func(audio.Stream)
	onError    func(error)

	gen          uint64
	stream       audio.Stream
	acquiring    bool
	cancel       context.CancelFunc
	pendingStart bool
	current      *session
	finalizing   map[*session]struct{}
}

// session is one open recording and its fragment buffer.
type session struct {
	gen         uint64
	rec         audio.Recorder
	fragments   [][]byte
	sendOnClose bool
}

// Option configures a [Controller].
type Option func(*Controller)

// WithPackager replaces the default WAV packager.
func WithPackager(p audio.Packager) Option {
	return func(c *Controller) { c.pack = p }
}

// WithMetrics records segment outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithAcquireTimeout bounds how long device acquisition may take. Zero means
// no bound.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithOnAcquired registers fn to run on the loop once the device stream is
// available.
func WithOnAcquired(fn func(audio.Stream)) Option {
	return func(c *Controller) { c.onAcquired = fn }
}

// WithOnError registers fn to run on the loop when acquisition fails. The
// error wraps [audio.ErrPermissionDenied] and is terminal for the call.
func WithOnError(fn func(error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// New returns an idle controller. Nothing is acquired until [Controller.Acquire]
// or [Controller.Start] is called.
func New(l loop.Loop, dev audio.Device, st *callstate.State, sender Sender, opts ...Option) *Controller {
	c := &Controller{
		l:          l,
		dev:        dev,
		st:         st,
		sender:     sender,
		pack:       audio.EncodeWAV,
		finalizing: make(map[*session]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Recording reports whether a capture session is open.
func (c *Controller) Recording() bool { return c.current != nil }

// Acquired reports whether the device stream is available.
func (c *Controller) Acquired() bool { return c.stream != nil }

// Stream returns the acquired stream, or nil.
func (c *Controller) Stream() audio.Stream { return c.stream }

// Acquire requests the microphone. It returns immediately; the outcome is
// delivered on the loop. Calling Acquire while acquired or acquiring is a
// no-op.
func (c *Controller) Acquire() {
	if c.stream != nil || c.acquiring {
		return
	}
	c.acquiring = true

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	c.cancel = cancel
	gen := c.gen

	go func() {
		s, err := c.dev.Acquire(ctx)
		c.l.Post(func() { c.acquired(gen, s, err) })
	}()
}

func (c *Controller) acquired(gen uint64, s audio.Stream, err error) {
	if gen != c.gen {
		if s != nil {
			_ = s.Close()
		}
		return
	}
	c.acquiring = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	if err != nil {
		c.pendingStart = false
		if !errors.Is(err, audio.ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
		}
		slog.Warn("capture: device acquisition failed", "err", err)
		if c.onError != nil {
			c.onError(err)
		}
		return
	}

	c.stream = s
	slog.Info("capture: microphone acquired", "format", s.Format().String())
	if c.onAcquired != nil {
		c.onAcquired(s)
	}
	if c.pendingStart {
		c.pendingStart = false
		c.Start()
	}
}

// Start opens a capture session. It is a no-op while a session is open or
// while playback suppresses capture. If the device has not been acquired yet
// the start is deferred until acquisition completes.
func (c *Controller) Start() {
	if c.current != nil || c.st.Suppressed() {
		return
	}
	if c.stream == nil {
		c.pendingStart = true
		c.Acquire()
		return
	}

	sess := &session{gen: c.gen}
	sess.rec = c.stream.NewRecorder(audio.RecorderEvents{
		OnData: func(fragment []byte) {
			c.l.Post(func() { c.appendFragment(sess, fragment) })
		},
		OnFinalized: func() {
			c.l.Post(func() { c.finalize(sess) })
		},
	})
	if err := sess.rec.Start(); err != nil {
		slog.Warn("capture: recorder start failed", "err", err)
		return
	}
	c.current = sess
	slog.Debug("capture: recording started")
}

// Stop closes the open session. Whether the resulting segment is sent is
// decided now, from the current send flag. No-op when not recording.
func (c *Controller) Stop() {
	c.pendingStart = false
	sess := c.current
	if sess == nil {
		return
	}
	c.current = nil
	sess.sendOnClose = c.st.ShouldSendData()
	c.finalizing[sess] = struct{}{}
	sess.rec.Stop()
	slog.Debug("capture: recording stopped", "send", sess.sendOnClose)
}

// Discard clears every fragment buffer that has not been finalized yet.
// Sessions already stopping will not be sent.
func (c *Controller) Discard() {
	if c.current != nil {
		c.current.fragments = nil
	}
	for sess := range c.finalizing {
		sess.fragments = nil
		sess.sendOnClose = false
	}
}

// Release tears capture down: the open session is stopped without sending,
// late device callbacks are invalidated, and the stream is closed.
func (c *Controller) Release() {
	c.gen++
	c.pendingStart = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.acquiring = false

	if sess := c.current; sess != nil {
		c.current = nil
		sess.fragments = nil
		sess.rec.Stop()
	}
	clear(c.finalizing)

	if c.stream != nil {
		if err := c.stream.Close(); err != nil {
			slog.Warn("capture: close stream", "err", err)
		}
		c.stream = nil
	}
}

func (c *Controller) appendFragment(sess *session, fragment []byte) {
	if sess.gen != c.gen || len(fragment) == 0 {
		return
	}
	sess.fragments = append(sess.fragments, fragment)
}

func (c *Controller) finalize(sess *session) {
	if sess.gen != c.gen {
		return
	}
	delete(c.finalizing, sess)

	fragments := sess.fragments
	sess.fragments = nil
	defer c.st.SetShouldSendData(true)

	if !sess.sendOnClose {
		c.record(outcomeDiscarded, 0)
		return
	}

	var f audio.Format
	if c.stream != nil {
		f = c.stream.Format()
	}
	segment, err := c.pack(f, fragments)
	if err != nil {
		slog.Warn("capture: package segment", "err", err)
		c.record(outcomeFailed, 0)
		return
	}
	if len(segment) == 0 {
		c.record(outcomeEmpty, 0)
		return
	}
	c.sender.Send(segment)
	c.record(outcomeSent, len(segment))
	slog.Debug("capture: segment sent", "bytes", len(segment), "fragments", len(fragments))
}

func (c *Controller) record(outcome string, size int) {
	if c.metrics != nil {
		c.metrics.RecordSegment(context.Background(), outcome, size)
	}
}
