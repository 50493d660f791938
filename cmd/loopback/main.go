// Command loopback is a stand-in voice peer for local testing. It accepts
// websocket connections on /ws and plays every binary segment it receives
// straight back after an optional delay, so a duplexvoice client hears its
// own voice as the reply. Empty segments are answered with an error notice.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplexvoice/pkg/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "127.0.0.1:8000", "listen address")
	delay := flag.Duration("delay", 500*time.Millisecond, "wait before echoing each segment")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("GET /ws", &echoHandler{delay: *delay})
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("loopback peer listening", "addr", *addr, "delay", *delay)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Error("shutdown", "err", err)
		return 1
	}
	return 0
}

type echoHandler struct {
	delay time.Duration
}

func (h *echoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("accept", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(16 << 20)

	log := slog.With("remote", r.RemoteAddr)
	log.Info("client connected")

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				log.Info("client disconnected")
			} else {
				log.Warn("read", "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			log.Debug("ignoring text frame", "bytes", len(data))
			continue
		}
		if len(data) == 0 {
			if err := conn.Write(ctx, websocket.MessageText, transport.ErrorNotice("empty audio segment")); err != nil {
				log.Warn("write notice", "err", err)
				return
			}
			continue
		}

		log.Info("segment received", "bytes", len(data))
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return
		}
		if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
			log.Warn("write segment", "err", err)
			return
		}
	}
}
