package resilience

import (
	"context"
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/transport"
)

// GuardFactory returns a factory whose transports refuse to Connect while cb
// is open. A connection that reaches OnOpen counts as a success; one that
// errors or closes before opening counts as a failure. Closing a transport
// locally before it opened, and failures after the channel opened, do not
// affect the breaker.
func GuardFactory(f transport.Factory, cb *CircuitBreaker) transport.Factory {
	return func() transport.Transport {
		return &guarded{Transport: f(), cb: cb}
	}
}

type guarded struct {
	transport.Transport
	cb *CircuitBreaker

	mu sync.Mutex
	gh *guardHandler
}

func (g *guarded) Connect(ctx context.Context, h transport.EventHandler) error {
	if err := g.cb.Allow(); err != nil {
		return err
	}
	gh := &guardHandler{EventHandler: h, cb: g.cb}
	g.mu.Lock()
	g.gh = gh
	g.mu.Unlock()
	if err := g.Transport.Connect(ctx, gh); err != nil {
		gh.settle(false)
		return err
	}
	return nil
}

func (g *guarded) Close() error {
	g.mu.Lock()
	gh := g.gh
	g.mu.Unlock()
	if gh != nil {
		gh.abandon()
	}
	return g.Transport.Close()
}

// guardHandler reports the first outcome of one connection attempt.
type guardHandler struct {
	transport.EventHandler
	cb   *CircuitBreaker
	once sync.Once
}

func (h *guardHandler) settle(ok bool) {
	h.once.Do(func() {
		if ok {
			h.cb.Success()
		} else {
			h.cb.Failure()
		}
	})
}

func (h *guardHandler) abandon() {
	h.once.Do(h.cb.Cancel)
}

func (h *guardHandler) OnOpen() {
	h.settle(true)
	h.EventHandler.OnOpen()
}

func (h *guardHandler) OnError(err error) {
	h.settle(false)
	h.EventHandler.OnError(err)
}

func (h *guardHandler) OnClose(code int, reason string) {
	h.settle(false)
	h.EventHandler.OnClose(code, reason)
}
