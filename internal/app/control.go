package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/duplexvoice/internal/call"
	"github.com/MrWong99/duplexvoice/internal/health"
	"github.com/MrWong99/duplexvoice/internal/loop"
	"github.com/MrWong99/duplexvoice/internal/resilience"
	"github.com/MrWong99/duplexvoice/pkg/transport"
)

// statusResponse is the body of every /call endpoint.
type statusResponse struct {
	call.Status
	LastCall *EndedCall `json:"last_call,omitempty"`
	Error    string     `json:"error,omitempty"`
}

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /call/start", a.handleStart)
	mux.HandleFunc("POST /call/end", a.handleEnd)
	mux.HandleFunc("GET /call", a.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	health.New(a.checkers()...).Register(mux)
	return mux
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	err := loop.Call(r.Context(), a.loop, func() error {
		_, err := a.ctrl.StartCall(r.Context())
		return err
	})

	code := http.StatusAccepted
	switch {
	case err == nil:
	case errors.Is(err, call.ErrCallActive):
		code = http.StatusConflict
	case errors.Is(err, resilience.ErrCircuitOpen):
		code = http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrTransportClosed):
		code = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusInternalServerError
	}
	a.writeStatus(w, code, err)
}

func (a *App) handleEnd(w http.ResponseWriter, r *http.Request) {
	err := loop.Call(r.Context(), a.loop, func() error {
		a.ctrl.EndCall()
		return nil
	})
	code := http.StatusOK
	if err != nil {
		code = http.StatusServiceUnavailable
	}
	a.writeStatus(w, code, err)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.writeStatus(w, http.StatusOK, nil)
}

func (a *App) writeStatus(w http.ResponseWriter, code int, err error) {
	res := statusResponse{Status: a.ctrl.Status(), LastCall: a.LastCall()}
	if err != nil {
		res.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(res)
}
