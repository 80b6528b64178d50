package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tab_bridge/internal/tabs"
)

type listTabsInput struct {
	CallerTabID tabs.TabID `query:"caller_tab_id" doc:"Tab the selection is made from"`
}

type listTabsOutput struct {
	Status int
	Body   struct {
		result
		Tabs         []tabs.Tab `json:"tabs,omitempty"`
		CurrentTabID tabs.TabID `json:"current_tab_id,omitempty"`
	}
}

type statusOutput struct {
	Body struct {
		ConnectedTabID *tabs.TabID `json:"connected_tab_id"`
	}
}

func registerStatusHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List tabs that can be shared", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *listTabsInput) (*listTabsOutput, error) {
			out := &listTabsOutput{Status: http.StatusOK}
			list, err := svc.ListTabs(ctx, input.CallerTabID)
			if err != nil {
				out.Status = statusFor(err)
				out.Body.Error = err.Error()
				return out, nil
			}
			out.Body.Success = true
			out.Body.Tabs = list.Tabs
			if out.Body.Tabs == nil {
				out.Body.Tabs = []tabs.Tab{}
			}
			out.Body.CurrentTabID = list.CurrentTabID
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Tab currently bound to the relay", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			out := &statusOutput{}
			if id := svc.Status(); id != "" {
				out.Body.ConnectedTabID = &id
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "open-status-page", Method: http.MethodPost, Path: "/api/v1/status/open", Summary: "Open the status page in a new tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*resultOutput, error) {
			if err := svc.OpenStatusPage(ctx); err != nil {
				return failed(err), nil
			}
			return ok(), nil
		})
}
