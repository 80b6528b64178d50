// Package relay implements the bridge side of a relay connection: a
// WebSocket to an external automation client that drives one browser tab
// through forwarded CDP commands.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dgnsrekt/tab_bridge/internal/cdp"
	"github.com/dgnsrekt/tab_bridge/internal/tabs"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	errNoTab  = errors.New("no tab is connected; select the tab to share from the selector page")
	errClosed = errors.New("relay connection closed")
)

// Debugger is the CDP surface a connection needs to drive its tab.
type Debugger interface {
	AttachToTarget(ctx context.Context, id tabs.TabID) (string, error)
	DetachFromTarget(ctx context.Context, sessionID string) error
	Send(sessionID, method string, params any) (*cdp.Reply, error)
	OnAnyEvent(fn func(cdp.Event)) func()
}

type message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type forwardParams struct {
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Connection is one relay socket. It is created pending, bound to a tab at
// most once, and closed exactly once; Done fires on the first close from
// either side.
type Connection struct {
	id  string
	url string
	dbg Debugger

	conn    net.Conn
	writeMu sync.Mutex

	bound    chan struct{}
	bindOnce sync.Once

	mu         sync.Mutex
	tabID      tabs.TabID
	sessionID  string
	children   map[string]bool
	unregister func()

	closeOnce sync.Once
	done      chan struct{}
	reason    string
}

func newConnection(id, url string, conn net.Conn, dbg Debugger) *Connection {
	c := &Connection{
		id:       id,
		url:      url,
		dbg:      dbg,
		conn:     conn,
		bound:    make(chan struct{}),
		children: make(map[string]bool),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Connection) ID() string { return c.id }

// Done is closed once the connection has closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// CloseReason returns the reason passed to the first close.
func (c *Connection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// BindToTab sets the tab the relay may attach to. Later calls are ignored.
func (c *Connection) BindToTab(id tabs.TabID) {
	c.bindOnce.Do(func() {
		c.mu.Lock()
		c.tabID = id
		c.mu.Unlock()
		close(c.bound)
		slog.Info("relay connection bound", "conn_id", c.id, "tab_id", id)
	})
}

// Close sends a normal close frame carrying reason and releases the tab.
func (c *Connection) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		frame := ws.NewCloseFrameBody(ws.StatusNormalClosure, truncateReason(reason))
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		err = wsutil.WriteClientMessage(c.conn, ws.OpClose, frame)
		c.writeMu.Unlock()
		if closeErr := c.conn.Close(); err == nil {
			err = closeErr
		}
		c.finish(reason)
	})
	return err
}

func (c *Connection) onRemoteClose(cause error) {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		reason := "relay closed the connection"
		var closed wsutil.ClosedError
		if errors.As(cause, &closed) && closed.Reason != "" {
			reason = closed.Reason
		}
		c.finish(reason)
	})
}

// finish detaches from the tab and fires Done. Callers hold closeOnce.
func (c *Connection) finish(reason string) {
	c.mu.Lock()
	c.reason = reason
	sessionID := c.sessionID
	unregister := c.unregister
	c.sessionID = ""
	c.unregister = nil
	c.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	if sessionID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := c.dbg.DetachFromTarget(ctx, sessionID); err != nil {
				slog.Debug("relay detach failed", "conn_id", c.id, "error", err)
			}
		}()
	}
	close(c.done)
	slog.Info("relay connection closed", "conn_id", c.id, "reason", reason)
}

func (c *Connection) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			c.onRemoteClose(err)
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("relay message decode failed", "conn_id", c.id, "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch issues forwarded commands in arrival order and answers them
// asynchronously.
func (c *Connection) dispatch(msg message) {
	switch msg.Method {
	case "attachToTab":
		go func() {
			result, err := c.attachToTab()
			c.reply(msg.ID, result, err)
		}()
	case "forwardCDPCommand":
		reply, err := c.forward(msg.Params)
		if err != nil {
			c.reply(msg.ID, nil, err)
			return
		}
		go func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				select {
				case <-c.done:
					cancel()
				case <-ctx.Done():
				}
			}()
			result, err := reply.Wait(ctx)
			c.reply(msg.ID, result, err)
		}()
	default:
		c.reply(msg.ID, nil, fmt.Errorf("unknown method: %s", msg.Method))
	}
}

func (c *Connection) attachToTab() (any, error) {
	select {
	case <-c.bound:
	case <-c.done:
		return nil, errClosed
	}

	c.mu.Lock()
	tabID, existing := c.tabID, c.sessionID
	c.mu.Unlock()
	if existing != "" {
		return nil, fmt.Errorf("tab %s is already attached", tabID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessionID, err := c.dbg.AttachToTarget(ctx, tabID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		_ = c.dbg.DetachFromTarget(ctx, sessionID)
		return nil, errClosed
	default:
	}
	c.sessionID = sessionID
	c.unregister = c.dbg.OnAnyEvent(c.onDebuggerEvent)
	c.mu.Unlock()

	reply, err := c.dbg.Send(sessionID, "Target.getTargetInfo", nil)
	if err != nil {
		return nil, err
	}
	raw, err := reply.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var info struct {
		TargetInfo json.RawMessage `json:"targetInfo"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode target info: %w", err)
	}
	return map[string]json.RawMessage{"targetInfo": info.TargetInfo}, nil
}

func (c *Connection) forward(params json.RawMessage) (*cdp.Reply, error) {
	c.mu.Lock()
	root := c.sessionID
	c.mu.Unlock()
	if root == "" {
		return nil, errNoTab
	}
	var p forwardParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode forwardCDPCommand: %w", err)
	}
	sessionID := root
	if p.SessionID != "" {
		sessionID = p.SessionID
	}
	var cmdParams any
	if len(p.Params) > 0 {
		cmdParams = p.Params
	}
	return c.dbg.Send(sessionID, p.Method, cmdParams)
}

// onDebuggerEvent runs on the CDP read loop and must not block on CDP.
func (c *Connection) onDebuggerEvent(evt cdp.Event) {
	c.mu.Lock()
	root := c.sessionID
	if root == "" {
		c.mu.Unlock()
		return
	}
	switch {
	case evt.SessionID == "" && evt.Method == "Target.detachedFromTarget":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(evt.Params, &p)
		c.mu.Unlock()
		if p.SessionID == root {
			go c.Close("Debugger detached")
		}
		return
	case evt.SessionID == root:
		if evt.Method == "Target.attachedToTarget" {
			var p struct {
				SessionID string `json:"sessionId"`
			}
			if json.Unmarshal(evt.Params, &p) == nil && p.SessionID != "" {
				c.children[p.SessionID] = true
			}
		}
		if evt.Method == "Target.detachedFromTarget" {
			var p struct {
				SessionID string `json:"sessionId"`
			}
			if json.Unmarshal(evt.Params, &p) == nil {
				delete(c.children, p.SessionID)
			}
		}
	case !c.children[evt.SessionID]:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	fwd := forwardParams{Method: evt.Method, Params: evt.Params}
	if evt.SessionID != root {
		fwd.SessionID = evt.SessionID
	}
	params, err := json.Marshal(fwd)
	if err != nil {
		return
	}
	if err := c.write(message{Method: "forwardCDPEvent", Params: params}); err != nil {
		slog.Debug("relay event write failed", "conn_id", c.id, "error", err)
	}
}

func (c *Connection) reply(id int64, result any, err error) {
	msg := message{ID: id}
	if err != nil {
		msg.Error = err.Error()
	} else if result == nil {
		msg.Result = struct{}{}
	} else {
		msg.Result = result
	}
	if werr := c.write(msg); werr != nil {
		slog.Debug("relay reply write failed", "conn_id", c.id, "id", id, "error", werr)
	}
}

func (c *Connection) write(msg message) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientText(c.conn, data)
}

// truncateReason keeps a close reason within the 123 byte control frame limit.
func truncateReason(reason string) string {
	if len(reason) > 123 {
		return reason[:123]
	}
	return reason
}
