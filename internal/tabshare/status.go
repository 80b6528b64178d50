package tabshare

import (
	"context"

	"github.com/dgnsrekt/tab_bridge/internal/cdp"
	"github.com/dgnsrekt/tab_bridge/internal/tabs"
)

// TabList is the set of tabs a selector may share.
type TabList struct {
	Tabs         []tabs.Tab
	CurrentTabID tabs.TabID
}

type statusEvent struct {
	ConnectedTabID *tabs.TabID `json:"connected_tab_id"`
}

func statusPayload(id tabs.TabID) statusEvent {
	if id == "" {
		return statusEvent{}
	}
	return statusEvent{ConnectedTabID: &id}
}

// Status returns the bound tab, or "" when nothing is bound.
func (b *Broker) Status() tabs.TabID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectedTab
}

// PendingSelectors returns the selector tabs with a pending connection.
func (b *Broker) PendingSelectors() []tabs.TabID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.keys()
}

// ListTabs returns the shareable tabs annotated with the caller's tab.
func (b *Broker) ListTabs(ctx context.Context, caller tabs.TabID) (TabList, error) {
	all, err := b.dir.List(ctx)
	if err != nil {
		return TabList{}, cdp.NewError(cdp.CodeCDPUnavailable, "list tabs", err)
	}
	return TabList{
		Tabs:         tabs.FilterCandidates(all, b.cfg.DisallowedSchemes),
		CurrentTabID: caller,
	}, nil
}

// WindowFor returns the window of a tab.
func (b *Broker) WindowFor(ctx context.Context, id tabs.TabID) (tabs.WindowID, error) {
	return b.dir.WindowFor(ctx, id)
}

// OpenStatusPage opens the status page in a new foreground tab.
func (b *Broker) OpenStatusPage(ctx context.Context) error {
	if b.cfg.StatusURL == "" {
		return cdp.NewError(cdp.CodeValidation, "status page url is not configured", nil)
	}
	return b.dir.OpenTab(ctx, b.cfg.StatusURL)
}
