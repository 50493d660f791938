// Package mock provides a scriptable [transport.Transport] for unit tests.
//
// The mock never spawns goroutines. Connect only records the handler; the
// test then drives the lifecycle with [Transport.Open], [Transport.Deliver],
// [Transport.Notify], [Transport.Fail] and [Transport.RemoteClose].
//
// Typical usage:
//
//	tr := &mock.Transport{}
//	ctrl := call.New(l, dev, renderer, tr.Factory(), call.DefaultConfig())
//	ctrl.StartCall(ctx)
//	tr.Open()
//	tr.Deliver(segment)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/transport"
)

// Compile-time interface assertion.
var _ transport.Transport = (*Transport)(nil)

// Transport is a mock implementation of [transport.Transport].
type Transport struct {
	mu sync.Mutex

	// ConnectError is returned by [Transport.Connect] when non-nil.
	ConnectError error

	// Sent records every segment passed to Send while the channel was open.
	Sent [][]byte

	// CallCountConnect records how many times Connect was called.
	CallCountConnect int

	// CallCountSend records how many times Send was called, open or not.
	CallCountSend int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Builds counts how many times the factory returned this transport.
	Builds int

	handler transport.EventHandler
	open    bool
	closed  bool
}

// Factory returns a [transport.Factory] that always hands out t after
// resetting its connection state.
func (t *Transport) Factory() transport.Factory {
	return func() transport.Transport {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.Builds++
		t.handler = nil
		t.open = false
		t.closed = false
		return t
	}
}

// Connect implements [transport.Transport].
func (t *Transport) Connect(_ context.Context, h transport.EventHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountConnect++
	if t.ConnectError != nil {
		return t.ConnectError
	}
	if t.handler != nil {
		return errors.New("mock: transport already used")
	}
	t.handler = h
	return nil
}

// Send implements [transport.Transport].
func (t *Transport) Send(segment []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountSend++
	if !t.open {
		return
	}
	t.Sent = append(t.Sent, append([]byte(nil), segment...))
}

// Close implements [transport.Transport]. Like a real channel, a local close
// reports OnClose to the handler once.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.CallCountClose++
	h := t.handler
	notify := !t.closed && h != nil
	t.closed = true
	t.open = false
	t.mu.Unlock()

	if notify {
		h.OnClose(1000, "call ended")
	}
	return nil
}

// IsOpen reports whether the channel is open.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// SentCount returns the number of recorded segments.
func (t *Transport) SentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Sent)
}

func (t *Transport) h() transport.EventHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// Open marks the channel open and fires OnOpen.
func (t *Transport) Open() {
	t.mu.Lock()
	t.open = true
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h.OnOpen()
	}
}

// Deliver fires OnMessage with segment.
func (t *Transport) Deliver(segment []byte) {
	if h := t.h(); h != nil {
		h.OnMessage(segment)
	}
}

// Notify fires OnNotice with an error notice carrying message.
func (t *Transport) Notify(message string) {
	if h := t.h(); h != nil {
		h.OnNotice(transport.Notice{Type: transport.NoticeTypeError, Message: message})
	}
}

// Fail fires OnError followed by OnClose, as a broken channel would.
func (t *Transport) Fail(err error) {
	t.mu.Lock()
	h := t.handler
	notify := !t.closed && h != nil
	t.closed = true
	t.open = false
	t.mu.Unlock()
	if notify {
		h.OnError(err)
		h.OnClose(1006, "abnormal closure")
	}
}

// RemoteClose fires OnClose as if the remote side hung up cleanly.
func (t *Transport) RemoteClose(code int, reason string) {
	t.mu.Lock()
	h := t.handler
	notify := !t.closed && h != nil
	t.closed = true
	t.open = false
	t.mu.Unlock()
	if notify {
		h.OnClose(code, reason)
	}
}
