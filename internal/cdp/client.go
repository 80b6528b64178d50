package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// anyEvent is the handler key that receives every event.
const anyEvent = "*"

// Event is a CDP event received on the browser socket. SessionID is empty
// for browser-level events.
type Event struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

// Client is a minimal flat-session CDP client. It keeps one browser-level
// WebSocket open and multiplexes commands for attached sessions over it.
type Client struct {
	httpBase string // e.g. "http://127.0.0.1:9222"

	mu   sync.Mutex
	conn net.Conn
	seq  atomic.Int64
	done chan struct{}

	pending   map[int64]chan json.RawMessage
	pendingMu sync.Mutex

	eventMu       sync.RWMutex
	eventHandlers map[string][]eventHandler
}

type eventHandler struct {
	id int64
	fn func(Event)
}

func NewClient(httpBase string) *Client {
	return &Client{
		httpBase:      strings.TrimRight(httpBase, "/"),
		pending:       make(map[int64]chan json.RawMessage),
		eventHandlers: make(map[string][]eventHandler),
	}
}

// Connect dials the browser-level WebSocket endpoint.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	wsURL, err := c.browserWSURL(ctx)
	if err != nil {
		return NewError(CodeCDPUnavailable, "browser ws url", err)
	}

	slog.Debug("cdp connecting", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return NewError(CodeCDPUnavailable, "dial browser", err)
	}

	c.conn = conn
	c.done = make(chan struct{})
	go c.readLoop(conn, c.done)
	return nil
}

// Done is closed when the browser socket is lost or closed. It returns nil
// before Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("cdp read loop exit", "error", err)
			c.closeAllPending()
			return
		}

		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID > 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- json.RawMessage(data)
			}
		} else if msg.Method != "" {
			c.dispatchEvent(Event{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params})
		}
	}
}

func (c *Client) closeAllPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) deletePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Reply is an in-flight command awaiting its response.
type Reply struct {
	c      *Client
	id     int64
	method string
	ch     chan json.RawMessage
}

// Send writes a command, optionally on a flattened session, without waiting
// for the response. Commands reach the browser in Send order.
func (c *Client) Send(sessionID, method string, params any) (*Reply, error) {
	id := c.seq.Add(1)
	req := struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("cdp: marshal %s: %w", method, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, NewError(CodeCDPUnavailable, "cdp not connected", nil)
	}

	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		c.deletePending(id)
		return nil, fmt.Errorf("cdp: send %s: %w", method, err)
	}
	return &Reply{c: c, id: id, method: method, ch: ch}, nil
}

// Wait blocks until the response arrives and returns its inner "result".
func (r *Reply) Wait(ctx context.Context) (json.RawMessage, error) {
	var resp json.RawMessage
	select {
	case raw, ok := <-r.ch:
		if !ok {
			return nil, NewError(CodeCDPUnavailable, "cdp connection closed", nil)
		}
		resp = raw
	case <-ctx.Done():
		r.c.deletePending(r.id)
		return nil, ctx.Err()
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return nil, fmt.Errorf("cdp: unmarshal %s: %w", r.method, err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("cdp: %s: %s", r.method, envelope.Error.Message)
	}
	return envelope.Result, nil
}

// Call sends a command and waits for its result.
func (c *Client) Call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	reply, err := c.Send(sessionID, method, params)
	if err != nil {
		return nil, err
	}
	return reply.Wait(ctx)
}

// AttachToTarget attaches a flat session to the given target.
func (c *Client) AttachToTarget(ctx context.Context, targetID target.ID) (string, error) {
	params := struct {
		TargetID target.ID `json:"targetId"`
		Flatten  bool      `json:"flatten"`
	}{TargetID: targetID, Flatten: true}

	raw, err := c.Call(ctx, "", "Target.attachToTarget", params)
	if err != nil {
		return "", err
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("cdp: unmarshal attach: %w", err)
	}
	return resp.SessionID, nil
}

// DetachFromTarget detaches from a session without closing the target.
func (c *Client) DetachFromTarget(ctx context.Context, sessionID string) error {
	params := struct {
		SessionID string `json:"sessionId"`
	}{SessionID: sessionID}
	_, err := c.Call(ctx, "", "Target.detachFromTarget", params)
	return err
}

// Evaluate runs JS on the given session and returns the string result.
func (c *Client) Evaluate(ctx context.Context, sessionID, js string) (string, error) {
	params := struct {
		Expression    string `json:"expression"`
		ReturnByValue bool   `json:"returnByValue"`
		AwaitPromise  bool   `json:"awaitPromise"`
	}{Expression: js, ReturnByValue: true, AwaitPromise: true}

	raw, err := c.Call(ctx, sessionID, "Runtime.evaluate", params)
	if err != nil {
		return "", err
	}

	var resp struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("cdp: unmarshal eval: %w", err)
	}
	if resp.ExceptionDetails != nil {
		return "", fmt.Errorf("cdp: eval exception: %s", resp.ExceptionDetails.Text)
	}

	var s string
	if err := json.Unmarshal(resp.Result.Value, &s); err != nil {
		return string(resp.Result.Value), nil
	}
	return s, nil
}

// ListTargets fetches open targets via the HTTP /json/list endpoint. Chromium
// orders page targets most recently activated first.
func (c *Client) ListTargets(ctx context.Context) ([]*target.Info, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(listCtx, http.MethodGet, c.httpBase+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, NewError(CodeCDPUnavailable, "list targets", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, NewError(CodeCDPUnavailable, fmt.Sprintf("/json/list: HTTP %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("cdp: decode /json/list: %w", err)
	}

	out := make([]*target.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, &target.Info{
			TargetID: target.ID(e.ID),
			Type:     e.Type,
			Title:    e.Title,
			URL:      e.URL,
		})
	}
	return out, nil
}

// OnEvent registers a handler for a CDP event method (e.g.
// "Target.targetDestroyed"). Returns an unregister function.
func (c *Client) OnEvent(method string, fn func(Event)) func() {
	id := c.seq.Add(1)
	c.eventMu.Lock()
	c.eventHandlers[method] = append(c.eventHandlers[method], eventHandler{id: id, fn: fn})
	c.eventMu.Unlock()
	return func() {
		c.eventMu.Lock()
		defer c.eventMu.Unlock()
		handlers := c.eventHandlers[method]
		for i, h := range handlers {
			if h.id == id {
				c.eventHandlers[method] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
	}
}

// OnAnyEvent registers a handler that receives every event.
func (c *Client) OnAnyEvent(fn func(Event)) func() {
	return c.OnEvent(anyEvent, fn)
}

func (c *Client) dispatchEvent(evt Event) {
	c.eventMu.RLock()
	handlers := make([]eventHandler, 0, len(c.eventHandlers[evt.Method])+len(c.eventHandlers[anyEvent]))
	handlers = append(handlers, c.eventHandlers[evt.Method]...)
	handlers = append(handlers, c.eventHandlers[anyEvent]...)
	c.eventMu.RUnlock()
	for _, h := range handlers {
		h.fn(evt)
	}
}

// browserWSURL fetches the WebSocket debugger URL from /json/version.
func (c *Client) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("/json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
