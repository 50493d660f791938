// Package websocket provides a [transport.Transport] over a WebSocket
// connection using github.com/coder/websocket.
//
// Each outbound segment is written as one binary message. Inbound binary
// messages are delivered as audio segments; inbound text messages are decoded
// as [transport.Notice] values.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplexvoice/pkg/transport"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultReadLimit   = 16 << 20
	defaultSendBuffer  = 16
	writeTimeout       = 10 * time.Second
)

// Compile-time interface assertion.
var _ transport.Transport = (*Transport)(nil)

// Option is a functional option for configuring the Transport.
type Option func(*Transport)

// WithToken sends "Authorization: Bearer <token>" on the upgrade request.
func WithToken(token string) Option {
	return func(t *Transport) {
		if token != "" {
			t.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithDialTimeout bounds the opening handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// WithReadLimit sets the maximum inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.readLimit = n
		}
	}
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateOpen
	stateClosed
)

// Transport is a single-use WebSocket channel.
type Transport struct {
	url         string
	header      http.Header
	client      *http.Client
	dialTimeout time.Duration
	readLimit   int64

	mu     sync.Mutex
	state  state
	conn   *websocket.Conn
	cancel context.CancelFunc

	out  chan []byte
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New returns a Transport that will dial url on Connect.
func New(url string, opts ...Option) *Transport {
	t := &Transport{
		url:         url,
		header:      http.Header{},
		dialTimeout: defaultDialTimeout,
		readLimit:   defaultReadLimit,
		out:         make(chan []byte, defaultSendBuffer),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Factory returns a [transport.Factory] building a fresh Transport per call.
func Factory(url string, opts ...Option) transport.Factory {
	return func() transport.Transport { return New(url, opts...) }
}

// Connect implements [transport.Transport].
func (t *Transport) Connect(ctx context.Context, h transport.EventHandler) error {
	t.mu.Lock()
	if t.state != stateIdle {
		t.mu.Unlock()
		return errors.New("websocket: transport already used")
	}
	t.state = stateConnecting
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(ctx, h)
	return nil
}

// Send implements [transport.Transport]. A full send buffer drops the segment.
func (t *Transport) Send(segment []byte) {
	t.mu.Lock()
	open := t.state == stateOpen
	t.mu.Unlock()
	if !open {
		return
	}
	select {
	case t.out <- segment:
	case <-t.done:
	default:
		slog.Warn("websocket: send buffer full, dropping segment", "bytes", len(segment))
	}
}

// Close implements [transport.Transport].
func (t *Transport) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.state = stateClosed
		conn := t.conn
		cancel := t.cancel
		t.mu.Unlock()

		close(t.done)
		if conn == nil {
			// Still dialing: abort the handshake.
			if cancel != nil {
				cancel()
			}
			return
		}
		go func() { _ = conn.Close(websocket.StatusNormalClosure, "call ended") }()
	})
	return nil
}

func (t *Transport) closing() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Transport) run(ctx context.Context, h transport.EventHandler) {
	defer t.cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, t.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, t.url, &websocket.DialOptions{
		HTTPHeader: t.header,
		HTTPClient: t.client,
	})
	dialCancel()
	if err != nil {
		if t.closing() {
			h.OnClose(int(websocket.StatusNormalClosure), "closed before open")
			return
		}
		h.OnError(fmt.Errorf("%w: dial %s: %w", transport.ErrTransportClosed, t.url, err))
		h.OnClose(int(websocket.StatusAbnormalClosure), "dial failed")
		return
	}
	conn.SetReadLimit(t.readLimit)

	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "call ended")
		h.OnClose(int(websocket.StatusNormalClosure), "closed before open")
		return
	}
	t.state = stateOpen
	t.conn = conn
	t.mu.Unlock()

	h.OnOpen()

	t.wg.Add(1)
	go t.writeLoop(ctx, conn)

	code, reason, err := t.readLoop(ctx, conn, h)
	t.mu.Lock()
	t.state = stateClosed
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()

	if err != nil {
		h.OnError(err)
	}
	h.OnClose(code, reason)
}

// readLoop dispatches inbound messages until the connection ends. It returns
// the close code and reason plus a non-nil error for abnormal termination.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, h transport.EventHandler) (int, string, error) {
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			if t.closing() {
				return int(websocket.StatusNormalClosure), "call ended", nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusGoingAway {
					return int(ce.Code), ce.Reason, nil
				}
				return int(ce.Code), ce.Reason, fmt.Errorf("%w: %w", transport.ErrTransportClosed, err)
			}
			return int(websocket.StatusAbnormalClosure), "read failed", fmt.Errorf("%w: read: %w", transport.ErrTransportClosed, err)
		}

		switch typ {
		case websocket.MessageBinary:
			h.OnMessage(msg)
		case websocket.MessageText:
			n, err := transport.ParseNotice(msg)
			if err != nil {
				slog.Warn("websocket: ignoring unrecognised text message", "err", err)
				continue
			}
			h.OnNotice(n)
		}
	}
}

func (t *Transport) writeLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		select {
		case seg := <-t.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageBinary, seg)
			cancel()
			if err != nil {
				if !t.closing() {
					slog.Warn("websocket: write failed", "err", err)
					_ = conn.Close(websocket.StatusInternalError, "write failed")
				}
				return
			}
		case <-t.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
