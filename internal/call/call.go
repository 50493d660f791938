// Package call implements the session controller: it owns the transport for
// one call and wires the energy analyzer, voice activity detector, capture
// controller and playback gate together for that call's lifetime.
//
// A [Controller] is loop-affine. StartCall, EndCall and the handlers it
// installs run on the [loop.Loop] passed to [New]; use [loop.Call] to invoke
// them from other goroutines. [Controller.Status] is the exception and may be
// read from anywhere.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/duplexvoice/internal/callstate"
	"github.com/MrWong99/duplexvoice/internal/capture"
	"github.com/MrWong99/duplexvoice/internal/loop"
	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/internal/playback"
	"github.com/MrWong99/duplexvoice/internal/vad"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/audio/energy"
	"github.com/MrWong99/duplexvoice/pkg/transport"
)

// ErrCallActive is returned by [Controller.StartCall] while a call is
// connecting or open.
var ErrCallActive = errors.New("call: a call is already active")

// Phase is the lifecycle phase of the controller.
type Phase int

const (
	// Idle means no call exists.
	Idle Phase = iota

	// Connecting means the transport is being opened.
	Connecting

	// Open means the transport is open and the capture cycle is running.
	Open
)

// String returns the lower-case name of the phase.
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Config holds the per-call tuning. Changes made with [Controller.SetConfig]
// apply from the next call on.
type Config struct {
	VAD            vad.Config
	WindowSize     int
	TickInterval   time.Duration
	AcquireTimeout time.Duration
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		VAD:            vad.DefaultConfig(),
		WindowSize:     energy.DefaultWindowSize,
		TickInterval:   loop.DisplayRefresh,
		AcquireTimeout: 30 * time.Second,
	}
}

// Status is a point-in-time view of the controller.
type Status struct {
	CallID     string    `json:"call_id,omitempty"`
	Phase      string    `json:"phase"`
	VAD        string    `json:"vad"`
	Recording  bool      `json:"recording"`
	Suppressed bool      `json:"suppressed"`
	Rendering  bool      `json:"rendering"`
	Acquired   bool      `json:"microphone"`
	StartedAt  time.Time `json:"started_at,omitzero"`
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMetrics records call and component metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithPackager replaces the segment packager used by capture.
func WithPackager(p audio.Packager) Option {
	return func(c *Controller) { c.pack = p }
}

// Controller is the session controller.
type Controller struct {
	l            loop.Loop
	dev          audio.Device
	renderer     audio.Renderer
	newTransport transport.Factory
	metrics      *observe.Metrics
	pack         audio.Packager

	cfgMu sync.Mutex
	cfg   Config

	statusMu sync.RWMutex
	status   Status

	// Loop-owned call state.
	phase     Phase
	gen       uint64
	callID    string
	startedAt time.Time
	ctx       context.Context
	span      trace.Span
	lastErr   error
	tr        transport.Transport
	st        *callstate.State
	det       *vad.Detector
	capture   *capture.Controller
	gate      *playback.Gate
	analyzer  *energy.Analyzer
	untap     func()
	stopTicks func()
	onEnded   []func(callID string, err error)
}

// New returns an idle controller.
func New(l loop.Loop, dev audio.Device, r audio.Renderer, newTransport transport.Factory, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		l:            l,
		dev:          dev,
		renderer:     r,
		newTransport: newTransport,
		cfg:          cfg,
		pack:         audio.EncodeWAV,
		status:       Status{Phase: Idle.String(), VAD: vad.Idle.String()},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetConfig replaces the tuning used by subsequent calls. Safe from any
// goroutine.
func (c *Controller) SetConfig(cfg Config) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg = cfg
}

func (c *Controller) config() Config {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	return c.cfg
}

// OnEnded registers fn to run on the loop whenever a call ends. err is nil
// for a user-initiated end and non-nil for session-ending failures.
func (c *Controller) OnEnded(fn func(callID string, err error)) {
	c.onEnded = append(c.onEnded, fn)
}

// Status returns the latest snapshot. Safe from any goroutine.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase { return c.phase }

// StartCall opens a new call. It returns [ErrCallActive] while a call is
// connecting or open. The call outlives ctx; only ctx's values are kept.
func (c *Controller) StartCall(ctx context.Context) (string, error) {
	if c.phase != Idle {
		return c.callID, ErrCallActive
	}

	c.gen++
	c.phase = Connecting
	c.callID = uuid.NewString()
	c.startedAt = c.l.Now()
	c.lastErr = nil
	c.ctx, c.span = observe.StartCallSpan(context.WithoutCancel(ctx), c.callID)
	c.st = callstate.New()
	c.tr = c.newTransport()

	observe.Logger(c.ctx).Info("call: connecting")
	if err := c.tr.Connect(c.ctx, &handler{c: c, gen: c.gen}); err != nil {
		err = fmt.Errorf("%w: connect: %w", transport.ErrTransportClosed, err)
		id := c.callID
		c.teardown(err)
		return id, err
	}
	c.publish()
	return c.callID, nil
}

// EndCall tears the current call down. It is idempotent and safe to call
// when no call exists.
func (c *Controller) EndCall() {
	c.teardown(nil)
}

// opened runs when the transport reports open.
func (c *Controller) opened() {
	if c.phase != Connecting {
		return
	}
	cfg := c.config()
	c.phase = Open
	c.st.Reset()

	c.det = vad.New(c.l, speech{c}, cfg.VAD, vad.WithMetrics(c.metrics))
	c.capture = capture.New(c.l, c.dev, c.st, c.tr,
		capture.WithPackager(c.pack),
		capture.WithMetrics(c.metrics),
		capture.WithAcquireTimeout(cfg.AcquireTimeout),
		capture.WithOnAcquired(c.acquired(cfg)),
		capture.WithOnError(c.deviceFailed),
	)
	c.gate = playback.New(c.l, c.st, c.capture, c.det, c.renderer,
		playback.WithMetrics(c.metrics),
		playback.WithOnChange(c.publish),
	)

	if c.metrics != nil {
		c.metrics.ActiveCalls.Add(c.ctx, 1)
	}
	observe.Logger(c.ctx).Info("call: open")
	c.capture.Acquire()
	c.publish()
}

// acquired starts the analyser and its tick driver once the microphone is
// live.
func (c *Controller) acquired(cfg Config) func(audio.Stream) {
	return func(s audio.Stream) {
		c.analyzer = energy.New(
			energy.WithWindowSize(cfg.WindowSize),
			energy.WithChannels(s.Format().Channels),
		)
		c.untap = s.Tap(c.analyzer.Write)
		c.stopTicks = loop.Every(c.l, cfg.TickInterval, c.tick)

		gen, an := c.gen, c.analyzer
		go func() {
			<-s.Done()
			c.l.Post(func() {
				if gen == c.gen {
					an.Close()
				}
			})
		}()
		c.publish()
	}
}

// tick drives one detector evaluation.
func (c *Controller) tick() {
	if c.phase != Open {
		c.haltTicks()
		return
	}
	if c.st.Suppressed() {
		return
	}
	v, ok := c.analyzer.Next()
	if !ok {
		slog.Info("call: microphone stream ended, stopping detector")
		c.haltTicks()
		return
	}
	c.det.Observe(v)
	c.publish()
}

func (c *Controller) haltTicks() {
	if c.stopTicks != nil {
		c.stopTicks()
		c.stopTicks = nil
	}
}

func (c *Controller) deviceFailed(err error) {
	if c.metrics != nil {
		c.metrics.RecordCallError(c.ctx, "permission_denied")
	}
	observe.Logger(c.ctx).Error("call: microphone unavailable", "err", err)
	c.teardown(err)
}

func (c *Controller) message(segment []byte) {
	if c.phase != Open {
		return
	}
	c.gate.Deliver(segment)
	c.publish()
}

func (c *Controller) notice(n transport.Notice) {
	if c.metrics != nil {
		c.metrics.TransportNotices.Add(c.ctx, 1)
	}
	observe.Logger(c.ctx).Warn("call: error from server", "type", n.Type, "message", n.Message)
}

func (c *Controller) failed(err error) {
	c.lastErr = err
	if c.metrics != nil {
		c.metrics.RecordCallError(c.ctx, "transport")
	}
	observe.Logger(c.ctx).Error("call: transport error", "err", err)
}

func (c *Controller) closed(code int, reason string) {
	observe.Logger(c.ctx).Info("call: transport closed", "code", code, "reason", reason)
	err := c.lastErr
	if err == nil && c.phase == Connecting {
		err = fmt.Errorf("%w: closed before open (%d %s)", transport.ErrTransportClosed, code, reason)
	}
	c.teardown(err)
}

// teardown releases everything the call owns. It is idempotent.
func (c *Controller) teardown(err error) {
	if c.phase == Idle {
		return
	}
	wasOpen := c.phase == Open
	c.gen++ // invalidates transport and device callbacks still in flight
	c.phase = Idle

	c.haltTicks()
	if c.untap != nil {
		c.untap()
		c.untap = nil
	}
	if c.analyzer != nil {
		c.analyzer.Close()
		c.analyzer = nil
	}
	if c.capture != nil {
		c.capture.Release()
	}
	if c.gate != nil {
		c.gate.Reset()
	}
	if c.det != nil {
		c.det.Reset()
	}
	if c.st != nil {
		c.st.SetSuppressed(false)
	}
	if c.tr != nil {
		_ = c.tr.Close()
	}

	if wasOpen && c.metrics != nil {
		c.metrics.ActiveCalls.Add(c.ctx, -1)
		c.metrics.CallDuration.Record(c.ctx, c.l.Now().Sub(c.startedAt).Seconds())
	}
	if c.span != nil {
		if err != nil {
			c.span.RecordError(err)
			c.span.SetStatus(codes.Error, err.Error())
		}
		c.span.End()
	}
	observe.Logger(c.ctx).Info("call: ended", "err", err)

	id := c.callID
	c.callID = ""
	c.tr, c.capture, c.gate, c.det = nil, nil, nil, nil
	c.span = nil
	c.publish()

	for _, fn := range c.onEnded {
		fn(id, err)
	}
}

// publish refreshes the status snapshot.
func (c *Controller) publish() {
	s := Status{
		CallID: c.callID,
		Phase:  c.phase.String(),
		VAD:    vad.Idle.String(),
	}
	if c.phase != Idle {
		s.StartedAt = c.startedAt
	}
	if c.det != nil {
		s.VAD = c.det.State().String()
	}
	if c.capture != nil {
		s.Recording = c.capture.Recording()
		s.Acquired = c.capture.Acquired()
	}
	if c.st != nil && c.phase != Idle {
		s.Suppressed = c.st.Suppressed()
	}
	if c.gate != nil {
		s.Rendering = c.gate.Rendering()
	}

	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}

// speech adapts the capture controller to [vad.Handler].
type speech struct{ c *Controller }

func (s speech) SpeechStarted() {
	s.c.capture.Start()
	s.c.publish()
}

func (s speech) SpeechEnded() {
	s.c.capture.Stop()
	s.c.publish()
}
func (s speech) Capturing() bool {
	return s.c.capture.Recording()
}

// handler re-posts transport events onto the loop, dropping those that belong
// to an earlier call.
type handler struct {
	c   *Controller
	gen uint64
}

func (h *handler) post(fn func()) {
	h.c.l.Post(func() {
		if h.gen != h.c.gen {
			return
		}
		fn()
	})
}

func (h *handler) OnOpen()                     { h.post(h.c.opened) }
func (h *handler) OnMessage(segment []byte)    { h.post(func() { h.c.message(segment) }) }
func (h *handler) OnNotice(n transport.Notice) { h.post(func() { h.c.notice(n) }) }
func (h *handler) OnError(err error)           { h.post(func() { h.c.failed(err) }) }
func (h *handler) OnClose(code int, reason string) {
	h.post(func() { h.c.closed(code, reason) })
}
