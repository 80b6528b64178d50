package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tab_bridge/internal/cdp"
	"github.com/dgnsrekt/tab_bridge/internal/tabs"
)

type connectInput struct {
	Body struct {
		RelayURL    string     `json:"relay_url,omitempty" doc:"WebSocket URL of the relay"`
		CallerTabID tabs.TabID `json:"caller_tab_id,omitempty" doc:"Tab the selection is made from"`
	}
}

type bindInput struct {
	Body struct {
		TabID       tabs.TabID    `json:"tab_id,omitempty" doc:"Tab to share. Defaults to caller_tab_id."`
		WindowID    tabs.WindowID `json:"window_id,omitempty" doc:"Window to focus. Defaults to the caller tab's window."`
		RelayURL    string        `json:"relay_url,omitempty"`
		CallerTabID tabs.TabID    `json:"caller_tab_id,omitempty" doc:"Tab the selection is made from"`
	}
}

func registerRelayHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "relay-connect", Method: http.MethodPost, Path: "/api/v1/relay/connect", Summary: "Open a relay connection for a selector tab", Tags: []string{"Relay"}},
		func(ctx context.Context, input *connectInput) (*resultOutput, error) {
			if err := svc.Open(ctx, input.Body.CallerTabID, input.Body.RelayURL); err != nil {
				return failed(err), nil
			}
			return ok(), nil
		})

	huma.Register(api, huma.Operation{OperationID: "relay-bind", Method: http.MethodPost, Path: "/api/v1/relay/bind", Summary: "Bind the pending relay connection to a tab", Tags: []string{"Relay"}},
		func(ctx context.Context, input *bindInput) (*resultOutput, error) {
			caller := input.Body.CallerTabID
			target := input.Body.TabID
			if target == "" {
				target = caller
			}
			if caller == "" || target == "" {
				return failed(cdp.NewError(cdp.CodeValidation, "caller_tab_id is required", nil)), nil
			}
			window := input.Body.WindowID
			if window == 0 {
				if wid, err := svc.WindowFor(ctx, caller); err == nil {
					window = wid
				} else {
					slog.Debug("caller window lookup failed", "tab_id", caller, "error", err)
				}
			}
			if err := svc.Promote(ctx, caller, target, window); err != nil {
				return failed(err), nil
			}
			return ok(), nil
		})

	huma.Register(api, huma.Operation{OperationID: "relay-disconnect", Method: http.MethodPost, Path: "/api/v1/relay/disconnect", Summary: "Close the active relay connection", Tags: []string{"Relay"}},
		func(ctx context.Context, input *struct{}) (*resultOutput, error) {
			if err := svc.Disconnect(ctx); err != nil {
				return failed(err), nil
			}
			return ok(), nil
		})
}
