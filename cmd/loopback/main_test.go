package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplexvoice/pkg/transport"
)

func dial(t *testing.T) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(&echoHandler{})
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func TestEcho_Segment(t *testing.T) {
	conn, ctx := dial(t)
	want := []byte("RIFF....WAVEdata")
	if err := conn.Write(ctx, websocket.MessageBinary, want); err != nil {
		t.Fatal(err)
	}
	typ, got, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ != websocket.MessageBinary || !bytes.Equal(got, want) {
		t.Errorf("echo = %v %q, want binary %q", typ, got, want)
	}
}

func TestEcho_EmptySegmentNotice(t *testing.T) {
	conn, ctx := dial(t)
	if err := conn.Write(ctx, websocket.MessageBinary, nil); err != nil {
		t.Fatal(err)
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("reply type = %v, want text", typ)
	}
	n, err := transport.ParseNotice(data)
	if err != nil {
		t.Fatal(err)
	}
	if n.Type != transport.NoticeTypeError || n.Message == "" {
		t.Errorf("notice = %+v", n)
	}
}
