package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/tab_bridge/internal/cdp"
	"github.com/dgnsrekt/tab_bridge/internal/events"
	"github.com/dgnsrekt/tab_bridge/internal/tabs"
	"github.com/dgnsrekt/tab_bridge/internal/tabshare"
)

type promoteCall struct {
	selector, target tabs.TabID
	window           tabs.WindowID
}

type stubService struct {
	openErr       error
	listErr       error
	promoteErr    error
	disconnectErr error
	status        tabs.TabID
	windows       map[tabs.TabID]tabs.WindowID
	tabs          []tabs.Tab

	opened   [][2]string
	promoted []promoteCall
	pages    int
}

func (s *stubService) Open(ctx context.Context, selector tabs.TabID, relayURL string) error {
	s.opened = append(s.opened, [2]string{string(selector), relayURL})
	return s.openErr
}

func (s *stubService) ListTabs(ctx context.Context, caller tabs.TabID) (tabshare.TabList, error) {
	if s.listErr != nil {
		return tabshare.TabList{}, s.listErr
	}
	return tabshare.TabList{Tabs: s.tabs, CurrentTabID: caller}, nil
}

func (s *stubService) WindowFor(ctx context.Context, id tabs.TabID) (tabs.WindowID, error) {
	if w, ok := s.windows[id]; ok {
		return w, nil
	}
	return 0, errors.New("no such tab")
}

func (s *stubService) Promote(ctx context.Context, selector, target tabs.TabID, window tabs.WindowID) error {
	s.promoted = append(s.promoted, promoteCall{selector: selector, target: target, window: window})
	return s.promoteErr
}

func (s *stubService) Status() tabs.TabID { return s.status }

func (s *stubService) Disconnect(ctx context.Context) error { return s.disconnectErr }

func (s *stubService) OpenStatusPage(ctx context.Context) error {
	s.pages++
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var decoded map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return w, decoded
}

func TestConnectResponses(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "ok", wantStatus: http.StatusOK},
		{name: "timeout", err: cdp.NewError(cdp.CodeConnectTimeout, "Failed to connect to MCP relay: Connection timeout", nil), wantStatus: http.StatusGatewayTimeout, wantError: "Failed to connect to MCP relay: Connection timeout"},
		{name: "transport", err: cdp.NewError(cdp.CodeConnectFailed, "Failed to connect to MCP relay: WebSocket error", nil), wantStatus: http.StatusBadGateway, wantError: "Failed to connect to MCP relay: WebSocket error"},
		{name: "caller gone", err: cdp.NewError(cdp.CodeConnectAborted, "Connect to MCP relay cancelled by caller", nil), wantStatus: statusClientClosedRequest, wantError: "Connect to MCP relay cancelled by caller"},
		{name: "validation", err: cdp.NewError(cdp.CodeValidation, "relay url is required", nil), wantStatus: http.StatusBadRequest, wantError: "relay url is required"},
		{name: "uncoded", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantError: "boom"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{openErr: tc.err}
			w, body := do(t, NewServer(svc, nil), http.MethodPost, "/api/v1/relay/connect", `{"relay_url":"ws://relay.test/","caller_tab_id":"S1"}`)

			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d; want %d", w.Code, tc.wantStatus)
			}
			if got := body["success"]; got != (tc.err == nil) {
				t.Fatalf("success = %v; want %v", got, tc.err == nil)
			}
			if tc.wantError != "" && body["error"] != tc.wantError {
				t.Fatalf("error = %v; want %q", body["error"], tc.wantError)
			}
			if len(svc.opened) != 1 || svc.opened[0] != [2]string{"S1", "ws://relay.test/"} {
				t.Fatalf("opened = %v", svc.opened)
			}
		})
	}
}

func TestBindDefaultsTargetAndWindow(t *testing.T) {
	svc := &stubService{windows: map[tabs.TabID]tabs.WindowID{"S1": 42}}
	h := NewServer(svc, nil)

	w, body := do(t, h, http.MethodPost, "/api/v1/relay/bind", `{"caller_tab_id":"S1","relay_url":"ws://relay.test/"}`)
	if w.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("bind = %d %v", w.Code, body)
	}
	want := promoteCall{selector: "S1", target: "S1", window: 42}
	if len(svc.promoted) != 1 || svc.promoted[0] != want {
		t.Fatalf("promoted = %+v; want %+v", svc.promoted, want)
	}

	do(t, h, http.MethodPost, "/api/v1/relay/bind", `{"caller_tab_id":"S1","tab_id":"T2","window_id":3}`)
	want = promoteCall{selector: "S1", target: "T2", window: 3}
	if svc.promoted[1] != want {
		t.Fatalf("promoted = %+v; want %+v", svc.promoted[1], want)
	}
}

func TestBindFailures(t *testing.T) {
	svc := &stubService{promoteErr: tabshare.ErrNoActiveConnection}
	h := NewServer(svc, nil)

	w, body := do(t, h, http.MethodPost, "/api/v1/relay/bind", `{"caller_tab_id":"S1","tab_id":"T1"}`)
	if w.Code != http.StatusNotFound || body["success"] != false || body["error"] != "No active MCP relay connection" {
		t.Fatalf("bind = %d %v", w.Code, body)
	}

	w, body = do(t, h, http.MethodPost, "/api/v1/relay/bind", `{}`)
	if w.Code != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("bind without caller = %d %v", w.Code, body)
	}
}

func TestListTabs(t *testing.T) {
	svc := &stubService{tabs: []tabs.Tab{{ID: "T1", WindowID: 1, Title: "A", URL: "https://a.test/"}}}
	w, body := do(t, NewServer(svc, nil), http.MethodGet, "/api/v1/tabs?caller_tab_id=S1", "")

	if w.Code != http.StatusOK || body["success"] != true || body["current_tab_id"] != "S1" {
		t.Fatalf("list = %d %v", w.Code, body)
	}
	list, _ := body["tabs"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["id"] != "T1" {
		t.Fatalf("tabs = %v", body["tabs"])
	}

	svc.listErr = cdp.NewError(cdp.CodeCDPUnavailable, "list tabs", errors.New("refused"))
	w, body = do(t, NewServer(svc, nil), http.MethodGet, "/api/v1/tabs?caller_tab_id=S1", "")
	if w.Code != http.StatusBadGateway || body["success"] != false || body["error"] != "list tabs: refused" {
		t.Fatalf("list failure = %d %v", w.Code, body)
	}
}

func TestStatus(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil)

	_, body := do(t, h, http.MethodGet, "/api/v1/status", "")
	if v, ok := body["connected_tab_id"]; !ok || v != nil {
		t.Fatalf("status = %v; want connected_tab_id null", body)
	}

	svc.status = "T1"
	_, body = do(t, h, http.MethodGet, "/api/v1/status", "")
	if body["connected_tab_id"] != "T1" {
		t.Fatalf("status = %v; want T1", body)
	}
}

func TestDisconnectAndOpenStatusPage(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil)

	if w, body := do(t, h, http.MethodPost, "/api/v1/relay/disconnect", ""); w.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("disconnect = %d %v", w.Code, body)
	}
	svc.disconnectErr = errors.New("write: broken pipe")
	if w, body := do(t, h, http.MethodPost, "/api/v1/relay/disconnect", ""); w.Code != http.StatusInternalServerError || body["error"] != "write: broken pipe" {
		t.Fatalf("disconnect failure = %d %v", w.Code, body)
	}
	if w, body := do(t, h, http.MethodPost, "/api/v1/status/open", ""); w.Code != http.StatusOK || body["success"] != true || svc.pages != 1 {
		t.Fatalf("open status page = %d %v pages=%d", w.Code, body, svc.pages)
	}
}

func TestHealth(t *testing.T) {
	w, body := do(t, NewServer(&stubService{}, nil), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", w.Code, body)
	}
}

func TestPagesAndEventStream(t *testing.T) {
	h := NewServer(&stubService{}, events.NewBroker())
	for _, tc := range []struct{ path, marker string }{
		{path: "/docs", marker: `data-theme="dark"`},
		{path: "/status", marker: `new EventSource("/api/v1/events`},
	} {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), tc.marker) {
			t.Fatalf("GET %s = %d; missing %q", tc.path, w.Code, tc.marker)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("events content-type = %q", got)
	}
}
