package tabshare

import (
	"context"
	"log/slog"

	"github.com/dgnsrekt/tab_bridge/internal/badge"
	"github.com/dgnsrekt/tab_bridge/internal/tabs"
)

// Run applies tab lifecycle events until ctx ends or events closes.
func (b *Broker) Run(ctx context.Context, events <-chan tabs.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Kind {
			case tabs.TabRemoved:
				b.OnTabRemoved(ctx, evt.TabID)
			case tabs.TabUpdated:
				b.OnTabUpdated(ctx, evt.TabID)
			case tabs.TabActivated:
				b.OnTabActivated(evt.TabID)
			}
		}
	}
}

// OnTabRemoved evicts the selection the tab owned. Only when the tab owned
// none is it checked against the active binding.
func (b *Broker) OnTabRemoved(ctx context.Context, id tabs.TabID) {
	if b.evict(id, ReasonTabClosed) {
		return
	}

	b.mu.Lock()
	if b.connectedTab == "" || b.connectedTab != id {
		b.mu.Unlock()
		return
	}
	prev := b.active
	b.active = nil
	old := b.swapConnectedLocked("")
	b.mu.Unlock()

	if prev != nil {
		closeQuietly(prev.conn, ReasonTabClosed)
	}
	slog.Info("bound tab closed", "tab_id", id)
	b.present(ctx, old, "")
}

// OnTabUpdated re-applies the badge to the bound tab, since navigation
// discards what was drawn in the page.
func (b *Broker) OnTabUpdated(ctx context.Context, id tabs.TabID) {
	b.mu.Lock()
	bound := b.connectedTab != "" && b.connectedTab == id
	b.mu.Unlock()
	if bound {
		b.showBadge(ctx, id, badge.Connected)
	}
}

func (b *Broker) OnTabActivated(id tabs.TabID) {
	b.sweepIdle(id)
}
