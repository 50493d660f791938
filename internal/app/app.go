// Package app wires the duplex voice client into a running application.
//
// The App owns the full lifecycle: New builds the event loop, the session
// controller and the HTTP control surface, Run serves until its context is
// cancelled, and Shutdown ends any open call and tears everything down.
//
// For testing, inject doubles via functional options (WithDevice,
// WithRenderer, WithTransportFactory). When an option is not provided, New
// creates the real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duplexvoice/internal/call"
	"github.com/MrWong99/duplexvoice/internal/config"
	"github.com/MrWong99/duplexvoice/internal/health"
	"github.com/MrWong99/duplexvoice/internal/loop"
	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/internal/resilience"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/audio/beep"
	"github.com/MrWong99/duplexvoice/pkg/audio/portaudio"
	"github.com/MrWong99/duplexvoice/pkg/transport"
	"github.com/MrWong99/duplexvoice/pkg/transport/websocket"
)

// prober is implemented by devices that can check availability without
// opening the microphone.
type prober interface {
	Probe(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	device       audio.Device
	renderer     audio.Renderer
	newTransport transport.Factory
	metrics      *observe.Metrics
	gatherer     prometheus.Gatherer
	level        *slog.LevelVar
	configPath   string
	autostart    bool

	breaker *resilience.CircuitBreaker
	loop    *loop.Runner
	ctrl    *call.Controller
	watcher *config.Watcher
	handler http.Handler
	srv     *http.Server

	lastMu sync.Mutex
	last   *EndedCall

	stopOnce sync.Once
}

// EndedCall describes the most recent call that ended.
type EndedCall struct {
	CallID  string    `json:"call_id"`
	EndedAt time.Time `json:"ended_at"`
	Error   string    `json:"error,omitempty"`
}

// Option is a functional option for New.
type Option func(*App)

// WithDevice injects the microphone instead of opening PortAudio.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithRenderer injects the speaker instead of the beep renderer.
func WithRenderer(r audio.Renderer) Option {
	return func(a *App) { a.renderer = r }
}

// WithTransportFactory injects the duplex channel factory instead of
// dialing transport.url with websockets.
func WithTransportFactory(f transport.Factory) Option {
	return func(a *App) { a.newTransport = f }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer serves /metrics from g instead of
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLogLevel lets config reloads adjust the running log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath watches path and applies reloads while running.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithAutostart starts a call as soon as Run begins.
func WithAutostart(on bool) Option {
	return func(a *App) { a.autostart = on }
}

// New creates an App. The event loop starts immediately; the HTTP listener
// starts in Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		cfg:      cfg,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.device == nil {
		a.device = portaudio.New(
			portaudio.WithSampleRate(cfg.Audio.SampleRate),
			portaudio.WithChannels(cfg.Audio.Channels),
			portaudio.WithFramesPerBuffer(cfg.Audio.FramesPerBuffer),
		)
	}
	if a.renderer == nil {
		a.renderer = beep.New(beep.WithSampleRate(cfg.Audio.OutputSampleRate))
	}
	if a.newTransport == nil {
		a.newTransport = websocket.Factory(cfg.Transport.URL,
			websocket.WithToken(cfg.Transport.Token),
			websocket.WithDialTimeout(cfg.Transport.DialTimeout),
			websocket.WithReadLimit(cfg.Transport.ReadLimit),
		)
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "transport",
		MaxFailures:  cfg.Transport.MaxFailures,
		ResetTimeout: cfg.Transport.FailureCooldown,
	})

	a.loop = loop.New()
	a.ctrl = call.New(a.loop, a.device, a.renderer, resilience.GuardFactory(a.newTransport, a.breaker), cfg.Call(), call.WithMetrics(a.metrics))
	a.ctrl.OnEnded(a.callEnded)
	go func() { _ = a.loop.Run(context.Background()) }()

	a.handler = observe.Middleware(a.metrics)(a.routes())
	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

// Handler returns the instrumented control API.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the session controller.
func (a *App) Controller() *call.Controller { return a.ctrl }

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// LastCall returns the most recently ended call, or nil.
func (a *App) LastCall() *EndedCall {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	if a.last == nil {
		return nil
	}
	c := *a.last
	return &c
}

// Run serves the control API until ctx is cancelled or the listener fails.
// It returns nil on cancellation. Call [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.srv.Addr, err)
	}
	slog.Info("control api listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return a.srv.Shutdown(sctx)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.autostart {
		a.loop.Post(func() {
			if _, err := a.ctrl.StartCall(gctx); err != nil {
				slog.Error("autostart failed", "err", err)
			}
		})
	}
	return g.Wait()
}

// ApplyConfig applies a reloaded configuration. Detector tuning takes effect
// from the next call; sections read only at startup are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	a.cfgMu.Lock()
	a.cfg = new
	a.cfgMu.Unlock()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		a.ctrl.SetConfig(new.Call())
		slog.Info("vad tuning updated; applies to the next call",
			"start", new.VAD.StartThreshold,
			"stop", new.VAD.StopThreshold,
			"stop_duration", new.VAD.StopDuration,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// Shutdown ends any open call, stops the HTTP server and the event loop. It
// respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		if err := loop.Call(ctx, a.loop, func() error {
			a.ctrl.EndCall()
			return nil
		}); err != nil {
			errs = append(errs, fmt.Errorf("app: end call: %w", err))
		}
		if err := a.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		a.loop.Close()
		select {
		case <-a.loop.Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("app: loop: %w", ctx.Err()))
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// callEnded runs on the loop.
func (a *App) callEnded(id string, err error) {
	e := &EndedCall{CallID: id, EndedAt: time.Now()}
	if err != nil {
		e.Error = err.Error()
		slog.Warn("call ended with error", "call_id", id, "err", err)
	} else {
		slog.Info("call ended", "call_id", id)
	}
	a.lastMu.Lock()
	a.last = e
	a.lastMu.Unlock()
}

func (a *App) checkers() []health.Checker {
	cs := []health.Checker{
		health.LoopResponsive(a.loop),
		health.Flag("config", func() bool { return a.Config() != nil }, "configuration not loaded"),
		health.Flag("transport", func() bool { return a.breaker.State() != resilience.StateOpen }, "remote peer refusing connections"),
	}
	if p, ok := a.device.(prober); ok {
		cs = append(cs, health.Checker{Name: "microphone", Check: p.Probe})
	}
	return cs
}
