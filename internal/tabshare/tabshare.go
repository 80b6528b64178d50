// Package tabshare admits relay connections and binds at most one of them to
// a browser tab.
//
// A selector opens a relay connection, which waits in the pending registry
// keyed by the selector's tab. Promote moves one pending connection into the
// single active binding, closing whatever was bound before. Tab lifecycle
// events keep the registry and the binding consistent.
package tabshare

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tab_bridge/internal/badge"
	"github.com/dgnsrekt/tab_bridge/internal/cdp"
	"github.com/dgnsrekt/tab_bridge/internal/events"
	"github.com/dgnsrekt/tab_bridge/internal/tabs"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultIdleTimeout    = 5 * time.Second

	badgeTimeout = 3 * time.Second
)

const (
	ReasonSuperseded    = "superseded by new connection"
	ReasonUserRequested = "user requested"
	ReasonTabClosed     = "tab closed"
	ReasonInactive      = "inactive too long"
	ReasonReplaced      = "replaced by new selection"
	ReasonShutdown      = "bridge shutting down"
)

var (
	// ErrNotFound reports a selector with no pending connection.
	ErrNotFound error = &cdp.CodedError{Code: cdp.CodeNotFound, Message: "pending selection not found"}
	// ErrNoActiveConnection is returned by Promote when the selector has
	// nothing pending.
	ErrNoActiveConnection error = &cdp.CodedError{Code: cdp.CodeNoActiveConnection, Message: "No active MCP relay connection"}
)

// Connection is an open relay socket owned by the broker.
type Connection interface {
	ID() string
	BindToTab(id tabs.TabID)
	Close(reason string) error
	// Done is closed once, on the first close from either side.
	Done() <-chan struct{}
}

// Dialer opens relay connections.
type Dialer interface {
	Dial(ctx context.Context, relayURL string) (Connection, error)
}

type DialerFunc func(ctx context.Context, relayURL string) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, relayURL string) (Connection, error) {
	return f(ctx, relayURL)
}

// Directory is the browser's tab surface.
type Directory interface {
	List(ctx context.Context) ([]tabs.Tab, error)
	Activate(ctx context.Context, id tabs.TabID) error
	FocusWindow(ctx context.Context, id tabs.WindowID) error
	WindowFor(ctx context.Context, id tabs.TabID) (tabs.WindowID, error)
	SendMessage(ctx context.Context, id tabs.TabID, msg any) error
	OpenTab(ctx context.Context, url string) error
}

type Config struct {
	ConnectTimeout    time.Duration
	IdleTimeout       time.Duration
	DisallowedSchemes []string
	StatusURL         string
}

type binding struct {
	conn  Connection
	tabID tabs.TabID
}

// Broker owns the pending registry and the active binding.
//
// mu guards pending, active and connectedTab and is never held across relay
// or browser I/O. promoteMu serializes Promote and Disconnect so the
// close-then-replace sequence on the active binding runs as one transaction.
// Tab events take only mu and may interleave between promotion steps.
type Broker struct {
	cfg       Config
	dialer    Dialer
	dir       Directory
	presenter badge.Presenter
	feed      *events.Broker

	promoteMu sync.Mutex

	mu           sync.Mutex
	pending      *pendingRegistry
	active       *binding
	connectedTab tabs.TabID
}

// New builds a broker. presenter and feed may be nil.
func New(cfg Config, dialer Dialer, dir Directory, presenter badge.Presenter, feed *events.Broker) *Broker {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.DisallowedSchemes == nil {
		cfg.DisallowedSchemes = tabs.DefaultDisallowedSchemes
	}
	return &Broker{
		cfg:       cfg,
		dialer:    dialer,
		dir:       dir,
		presenter: presenter,
		feed:      feed,
		pending:   newPendingRegistry(),
	}
}

// Close shuts every pending and active connection.
func (b *Broker) Close() {
	b.promoteMu.Lock()
	defer b.promoteMu.Unlock()

	b.mu.Lock()
	entries := b.pending.drain()
	active := b.active
	b.active = nil
	old := b.swapConnectedLocked("")
	b.mu.Unlock()

	for _, e := range entries {
		closeQuietly(e.conn, ReasonShutdown)
	}
	if active != nil {
		closeQuietly(active.conn, ReasonShutdown)
	}
	b.present(context.Background(), old, "")
}

// swapConnectedLocked sets connectedTab and returns the previous value.
// Callers hold mu and call present afterwards.
func (b *Broker) swapConnectedLocked(id tabs.TabID) tabs.TabID {
	old := b.connectedTab
	b.connectedTab = id
	return old
}

// present renders the badge transition from old to id and publishes the
// status when it changed. Badge failures are logged and dropped.
func (b *Broker) present(ctx context.Context, old, id tabs.TabID) {
	if old != id && b.feed != nil {
		b.feed.PublishJSON(events.FeedStatus, statusPayload(id), true)
	}
	if old != "" && old != id {
		b.showBadge(ctx, old, badge.Cleared)
	}
	if id != "" {
		b.showBadge(ctx, id, badge.Connected)
	}
}

func (b *Broker) showBadge(ctx context.Context, id tabs.TabID, bd badge.Badge) {
	if b.presenter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), badgeTimeout)
	defer cancel()
	if err := b.presenter.SetBadge(ctx, id, bd); err != nil {
		slog.Debug("badge update failed", "tab_id", id, "error", err)
	}
}

func closeQuietly(conn Connection, reason string) {
	if err := conn.Close(reason); err != nil {
		slog.Debug("relay close failed", "conn_id", conn.ID(), "reason", reason, "error", err)
	}
}
