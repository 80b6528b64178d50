package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/tab_bridge/internal/cdp"
	"github.com/dgnsrekt/tab_bridge/internal/events"
	"github.com/dgnsrekt/tab_bridge/internal/tabs"
	"github.com/dgnsrekt/tab_bridge/internal/tabshare"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	Open(ctx context.Context, selector tabs.TabID, relayURL string) error
	ListTabs(ctx context.Context, caller tabs.TabID) (tabshare.TabList, error)
	WindowFor(ctx context.Context, id tabs.TabID) (tabs.WindowID, error)
	Promote(ctx context.Context, selector, target tabs.TabID, window tabs.WindowID) error
	Status() tabs.TabID
	Disconnect(ctx context.Context) error
	OpenStatusPage(ctx context.Context) error
}

// result is the envelope every relay operation answers with. Failures carry
// success=false and the error message; Status picks the HTTP code.
type result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type resultOutput struct {
	Status int
	Body   result
}

func NewServer(svc Service, feed *events.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Tab Bridge API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(statusPageHTML)); err != nil {
			slog.Debug("status page write failed", "error", err)
		}
	})
	if feed != nil {
		router.Get("/api/v1/events", events.SSEHandler(feed))
	}

	registerRelayHandlers(api, svc)
	registerStatusHandlers(api, svc)

	return router
}

// statusClientClosedRequest is the nginx convention for a caller that went
// away before the answer.
const statusClientClosedRequest = 499

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var coded *cdp.CodedError
	if !errors.As(err, &coded) {
		return http.StatusInternalServerError
	}
	switch coded.Code {
	case cdp.CodeValidation:
		return http.StatusBadRequest
	case cdp.CodeNotFound, cdp.CodeNoActiveConnection:
		return http.StatusNotFound
	case cdp.CodeConnectTimeout:
		return http.StatusGatewayTimeout
	case cdp.CodeConnectAborted:
		return statusClientClosedRequest
	case cdp.CodeConnectFailed, cdp.CodeCDPUnavailable, cdp.CodeTabOperation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func ok() *resultOutput {
	return &resultOutput{Status: http.StatusOK, Body: result{Success: true}}
}

func failed(err error) *resultOutput {
	return &resultOutput{Status: statusFor(err), Body: result{Error: err.Error()}}
}
