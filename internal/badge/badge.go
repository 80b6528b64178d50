// Package badge renders the per-tab connection indicator. Presenters are
// best-effort: callers log and discard their errors.
package badge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgnsrekt/tab_bridge/internal/events"
	"github.com/dgnsrekt/tab_bridge/internal/tabs"
)

const overlayElementID = "__tab_bridge_badge__"

// Badge is the indicator shown on a tab. The zero value clears it.
type Badge struct {
	Text  string `json:"text"`
	Title string `json:"title"`
	Color string `json:"color,omitempty"`
}

var (
	Connected = Badge{Text: "✓", Title: "Connected to MCP client", Color: "#4CAF50"}
	Cleared   = Badge{}
)

// Presenter shows a badge on a tab.
type Presenter interface {
	SetBadge(ctx context.Context, id tabs.TabID, b Badge) error
}

type evaluator interface {
	Evaluate(ctx context.Context, id tabs.TabID, js string) error
}

// Overlay draws the badge as a fixed element inside the page.
type Overlay struct {
	pages evaluator
}

func NewOverlay(pages evaluator) *Overlay {
	return &Overlay{pages: pages}
}

func (o *Overlay) SetBadge(ctx context.Context, id tabs.TabID, b Badge) error {
	js, err := overlayScript(b)
	if err != nil {
		return err
	}
	if err := o.pages.Evaluate(ctx, id, js); err != nil {
		return fmt.Errorf("badge overlay %s: %w", id, err)
	}
	return nil
}

func overlayScript(b Badge) (string, error) {
	if b.Text == "" {
		return fmt.Sprintf(`(() => { const el = document.getElementById(%q); if (el) el.remove(); return "ok"; })()`, overlayElementID), nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => {
  const b = %s;
  let el = document.getElementById(%q);
  if (!el) {
    el = document.createElement("div");
    el.id = %q;
    el.style.cssText = "position:fixed;top:8px;right:8px;z-index:2147483647;padding:2px 6px;border-radius:8px;font:bold 12px sans-serif;color:#fff;pointer-events:none;";
    (document.body || document.documentElement).appendChild(el);
  }
  el.textContent = b.text;
  el.title = b.title;
  el.style.background = b.color || "#666";
  return "ok";
})()`, data, overlayElementID, overlayElementID), nil
}

// Feed publishes badge changes on the events stream.
type Feed struct {
	broker *events.Broker
}

func NewFeed(broker *events.Broker) *Feed {
	return &Feed{broker: broker}
}

func (f *Feed) SetBadge(_ context.Context, id tabs.TabID, b Badge) error {
	f.broker.PublishJSON(events.FeedBadge, struct {
		TabID tabs.TabID `json:"tab_id"`
		Badge
	}{TabID: id, Badge: b}, false)
	return nil
}

// Multi fans a badge out to every presenter and joins their errors.
type Multi []Presenter

func (m Multi) SetBadge(ctx context.Context, id tabs.TabID, b Badge) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.SetBadge(ctx, id, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
