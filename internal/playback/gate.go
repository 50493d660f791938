// Package playback renders inbound audio and gates capture while the speaker
// is active, so the microphone never records the remote side's voice.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/duplexvoice/internal/callstate"
	"github.com/MrWong99/duplexvoice/internal/loop"
	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// Capture is the subset of the capture controller the gate drives.
type Capture interface {
	Recording() bool
	Start()
	Stop()
	Discard()
}

// Detector is implemented by the voice activity detector. Pause is called
// when suppression begins; Resume right before capture restarts after
// playback.
type Detector interface {
	Pause()
	Resume()
}

// Gate suppresses capture for the lifetime of each render. Segments that
// arrive while a render is outstanding are queued and played in order;
// suppression is lifted only once the queue has drained.
//
// All methods must be called on the gate's loop.
type Gate struct {
	l       loop.Loop
	st      *callstate.State
	capture Capture
	det      Detector
	r        audio.Renderer
	metrics  *observe.Metrics
	onChange func()

	queue      [][]byte
	rendering  bool
	gen        uint64
	suppressed time.Time
}

// Option configures a [Gate].
type Option func(*Gate)

// WithMetrics records render outcomes and suppression windows on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithOnChange calls fn on the loop after every suppression or playback
// state change.
func WithOnChange(fn func()) Option {
	return func(g *Gate) { g.onChange = fn }
}

// New returns a gate sharing st with the capture controller.
func New(l loop.Loop, st *callstate.State, c Capture, det Detector, r audio.Renderer, opts ...Option) *Gate {
	g := &Gate{l: l, st: st, capture: c, det: det, r: r}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Rendering reports whether a render is outstanding.
func (g *Gate) Rendering() bool { return g.rendering }

// Queued returns the number of segments waiting behind the current render.
func (g *Gate) Queued() int { return len(g.queue) }

// Deliver accepts one inbound segment. Suppression, send disabling, stopping
// the recording and discarding buffered fragments all complete before Deliver
// returns; rendering proceeds asynchronously.
func (g *Gate) Deliver(segment []byte) {
	if !g.st.Suppressed() {
		g.suppressed = g.l.Now()
		g.det.Pause()
	}
	g.st.SetSuppressed(true)
	g.st.SetShouldSendData(false)
	if g.capture.Recording() {
		g.capture.Stop()
	}
	g.capture.Discard()

	if g.rendering {
		g.queue = append(g.queue, segment)
		slog.Debug("playback: segment queued", "queued", len(g.queue))
		return
	}
	g.render(segment)
	g.changed()
}

// Reset drops queued segments, silences the renderer and lifts suppression.
// Pending ended callbacks become no-ops.
func (g *Gate) Reset() {
	g.gen++
	g.queue = nil
	if g.rendering {
		g.r.Stop()
	}
	g.rendering = false
	g.st.SetSuppressed(false)
	g.changed()
}

func (g *Gate) changed() {
	if g.onChange != nil {
		g.onChange()
	}
}

func (g *Gate) render(segment []byte) {
	g.rendering = true
	gen := g.gen
	g.r.Render(segment, func(err error) {
		g.l.Post(func() { g.ended(gen, err) })
	})
}

func (g *Gate) ended(gen uint64, err error) {
	if gen != g.gen {
		return
	}
	ctx := context.Background()
	if err != nil {
		if errors.Is(err, audio.ErrDecode) {
			slog.Warn("playback: cannot decode inbound segment", "err", err)
		} else {
			slog.Warn("playback: render failed", "err", err)
		}
		g.recordRender(ctx, "decode_error")
	} else {
		g.recordRender(ctx, "ok")
	}

	if len(g.queue) > 0 {
		next := g.queue[0]
		g.queue = g.queue[1:]
		g.render(next)
		return
	}
	g.rendering = false

	g.st.SetSuppressed(false)
	g.st.SetShouldSendData(true)
	if g.metrics != nil {
		g.metrics.SuppressionDuration.Record(ctx, g.l.Now().Sub(g.suppressed).Seconds())
	}
	if !g.capture.Recording() {
		g.det.Resume()
		g.capture.Start()
	}
	g.changed()
}

func (g *Gate) recordRender(ctx context.Context, status string) {
	if g.metrics != nil {
		g.metrics.RecordRender(ctx, status)
	}
}
