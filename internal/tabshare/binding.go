package tabshare

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dgnsrekt/tab_bridge/internal/tabs"
	"golang.org/x/sync/errgroup"
)

// Promote binds the connection pending for selector to target and makes it
// the active binding.
//
// The previous binding, if any, is closed before anything else happens and
// its close error is dropped. ConnectedTabID is then cleared, the pending
// entry is taken, and the connection is bound. Recording the new tab,
// activating it, and focusing window (skipped when zero) run concurrently.
// If any of those fail, ConnectedTabID is reset and the error returned; the
// new binding itself stays in place.
func (b *Broker) Promote(ctx context.Context, selector, target tabs.TabID, window tabs.WindowID) error {
	b.promoteMu.Lock()
	defer b.promoteMu.Unlock()

	b.mu.Lock()
	prev := b.active
	b.mu.Unlock()
	if prev != nil {
		closeQuietly(prev.conn, ReasonSuperseded)
		b.mu.Lock()
		if b.active == prev {
			b.active = nil
		}
		b.mu.Unlock()
	}

	b.setConnected(ctx, "")

	conn, err := b.promoteAndRemove(selector)
	if errors.Is(err, ErrNotFound) {
		return ErrNoActiveConnection
	}
	if err != nil {
		return err
	}

	conn.BindToTab(target)
	bound := &binding{conn: conn, tabID: target}
	b.mu.Lock()
	b.active = bound
	b.mu.Unlock()
	go b.watchActive(bound)
	slog.Info("relay connection bound", "selector", selector, "tab_id", target, "conn_id", conn.ID())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.setConnectedIfActive(gctx, bound)
		return nil
	})
	g.Go(func() error {
		return b.dir.Activate(gctx, target)
	})
	if window != 0 {
		g.Go(func() error {
			return b.dir.FocusWindow(gctx, window)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("promotion failed after binding", "tab_id", target, "error", err)
		b.setConnected(ctx, "")
		return err
	}
	return nil
}

// Disconnect closes the active binding, if any. ConnectedTabID is cleared
// whatever the prior state; a close error is returned after the state is
// already clear.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.promoteMu.Lock()
	defer b.promoteMu.Unlock()

	b.mu.Lock()
	prev := b.active
	b.active = nil
	b.mu.Unlock()

	var err error
	if prev != nil {
		err = prev.conn.Close(ReasonUserRequested)
		slog.Info("relay connection disconnected", "tab_id", prev.tabID, "conn_id", prev.conn.ID())
	}
	b.setConnected(ctx, "")
	return err
}

// watchActive clears the binding when its connection closes, provided it is
// still the active one. The tab itself is left alone.
func (b *Broker) watchActive(bound *binding) {
	<-bound.conn.Done()

	b.mu.Lock()
	if b.active != bound {
		b.mu.Unlock()
		return
	}
	b.active = nil
	old := b.swapConnectedLocked("")
	b.mu.Unlock()

	slog.Info("active relay connection closed", "tab_id", bound.tabID, "conn_id", bound.conn.ID())
	b.present(context.Background(), old, "")
}

func (b *Broker) setConnected(ctx context.Context, id tabs.TabID) {
	b.mu.Lock()
	old := b.swapConnectedLocked(id)
	b.mu.Unlock()
	b.present(ctx, old, id)
}

// setConnectedIfActive records bound's tab unless the binding already went
// away, so a connection that closed mid-promotion never shows as connected.
func (b *Broker) setConnectedIfActive(ctx context.Context, bound *binding) {
	b.mu.Lock()
	if b.active != bound {
		b.mu.Unlock()
		return
	}
	old := b.swapConnectedLocked(bound.tabID)
	b.mu.Unlock()
	b.present(ctx, old, bound.tabID)
}
