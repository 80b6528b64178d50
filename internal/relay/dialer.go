package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
)

// Dialer opens relay sockets. It does not bound the dial itself; callers race
// it against their own timeout.
type Dialer struct {
	Debugger Debugger
}

func NewDialer(dbg Debugger) *Dialer {
	return &Dialer{Debugger: dbg}
}

// Dial connects to relayURL and returns an open, unbound connection.
func (d *Dialer) Dial(ctx context.Context, relayURL string) (*Connection, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}

	conn, _, _, err := ws.Dial(ctx, relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay dial: %w", err)
	}
	id := uuid.NewString()
	slog.Info("relay connection opened", "conn_id", id, "url", relayURL)
	return newConnection(id, relayURL, conn, d.Debugger), nil
}
