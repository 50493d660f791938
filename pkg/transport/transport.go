// Package transport defines the duplex channel between the voice client and
// the remote conversational backend.
//
// Outbound traffic is one binary message per finalized speech segment.
// Inbound traffic is either a binary audio segment to play back or a text
// message carrying a structured error [Notice]. The lifecycle is reported
// asynchronously to an [EventHandler].
//
// Implementations live in sub-packages (transport/websocket); the
// transport/mock package provides a scriptable double for tests.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTransportClosed reports that the channel was closed or is not open.
var ErrTransportClosed = errors.New("transport: closed")

// NoticeTypeError is the only notice type the remote side emits.
const NoticeTypeError = "error"

// Notice is the structured error message the remote side sends as text, e.g.
// {"type":"error","message":"transcription failed"}.
type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ParseNotice decodes a text frame. It fails when the frame is not JSON or
// carries no type.
func ParseNotice(data []byte) (Notice, error) {
	var n Notice
	if err := json.Unmarshal(data, &n); err != nil {
		return Notice{}, fmt.Errorf("transport: decode notice: %w", err)
	}
	if n.Type == "" {
		return Notice{}, errors.New("transport: notice has no type")
	}
	return n, nil
}

// ErrorNotice encodes an error notice with the given message.
func ErrorNotice(message string) []byte {
	// json.Marshal cannot fail for a struct of two strings.
	b, _ := json.Marshal(Notice{Type: NoticeTypeError, Message: message})
	return b
}

// EventHandler receives lifecycle events. Calls come from the transport's own
// goroutines, one at a time and in order; handlers must not block.
type EventHandler interface {
	// OnOpen fires once the channel is ready for Send.
	OnOpen()

	// OnMessage delivers one inbound binary segment.
	OnMessage(segment []byte)

	// OnNotice delivers one structured notice from the remote side.
	OnNotice(n Notice)

	// OnError reports a channel failure. OnClose always follows.
	OnError(err error)

	// OnClose fires exactly once per Connect, last.
	OnClose(code int, reason string)
}

// Transport is one duplex channel. It is single use: after OnClose a new
// Transport must be built for the next call.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect starts opening the channel and returns without waiting. The
	// outcome is reported to h. Calling Connect twice returns an error.
	Connect(ctx context.Context, h EventHandler) error

	// Send makes a single attempt to deliver segment. It does nothing when
	// the channel is not open; failures surface through OnError.
	Send(segment []byte)

	// Close shuts the channel down. It is idempotent.
	Close() error
}

// Factory builds a fresh [Transport] for each call.
type Factory func() Transport
