package tabs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/tab_bridge/internal/cdp"
)

const defaultPollInterval = 500 * time.Millisecond

// Directory enumerates browser tabs, reports their lifecycle, and activates
// tabs and windows. Target creation and destruction arrive as CDP target
// discovery events; focus changes are detected by polling /json/list, which
// Chromium orders by most recent activation.
type Directory struct {
	client       *cdp.Client
	cdpURL       string
	pollInterval time.Duration
	registry     *Registry

	queueMu sync.Mutex
	queue   []Event
	wake    chan struct{}
	events  chan Event

	allocCtx    context.Context
	allocCancel context.CancelFunc
	// Cancels for tabs opened through chromedp. They are never called so the
	// tabs stay open after the bridge exits.
	openedMu sync.Mutex
	opened   []context.CancelFunc

	unregisterFns []func()
	stop          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

func NewDirectory(client *cdp.Client, cdpURL string, pollInterval time.Duration) *Directory {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Directory{
		client:       client,
		cdpURL:       cdpURL,
		pollInterval: pollInterval,
		registry:     NewRegistry(),
		wake:         make(chan struct{}, 1),
		events:       make(chan Event),
		stop:         make(chan struct{}),
	}
}

// Events delivers tab lifecycle events in order. It is closed by Close.
func (d *Directory) Events() <-chan Event {
	return d.events
}

// Start subscribes to target discovery, seeds the registry, and begins
// polling for focus changes.
func (d *Directory) Start(ctx context.Context) error {
	d.unregisterFns = append(d.unregisterFns,
		d.client.OnEvent("Target.targetCreated", d.onTargetCreated),
		d.client.OnEvent("Target.targetInfoChanged", d.onTargetInfoChanged),
		d.client.OnEvent("Target.targetDestroyed", d.onTargetDestroyed),
	)

	if _, err := d.client.Call(ctx, "", "Target.setDiscoverTargets", map[string]bool{"discover": true}); err != nil {
		d.unregister()
		return cdp.NewError(cdp.CodeCDPUnavailable, "enable target discovery", err)
	}

	pages, err := d.pages(ctx)
	if err != nil {
		d.unregister()
		return err
	}
	for _, p := range pages {
		d.registry.Register(p.TargetID, p.URL, p.Title)
	}
	if len(pages) > 0 {
		d.registry.SetActive(pages[0].TargetID)
	}

	d.allocCtx, d.allocCancel = chromedp.NewRemoteAllocator(context.Background(), d.cdpURL)

	d.wg.Add(2)
	go d.pump()
	go d.pollLoop()

	slog.Info("tab directory started", "tabs", d.registry.Count(), "active", d.registry.Active())
	return nil
}

// Close stops polling and closes the event channel.
func (d *Directory) Close() {
	d.stopOnce.Do(func() {
		d.unregister()
		close(d.stop)
		d.wg.Wait()
		if d.allocCancel != nil {
			d.allocCancel()
		}
		close(d.events)
	})
}

func (d *Directory) unregister() {
	for _, fn := range d.unregisterFns {
		fn()
	}
	d.unregisterFns = nil
}

// List returns every open page with its window.
func (d *Directory) List(ctx context.Context) ([]Tab, error) {
	pages, err := d.pages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Tab, 0, len(pages))
	for _, p := range pages {
		t := Tab{ID: p.TargetID, Title: p.Title, URL: p.URL}
		if wid, err := d.WindowFor(ctx, p.TargetID); err == nil {
			t.WindowID = wid
		} else {
			slog.Debug("window lookup failed", "tab_id", p.TargetID, "error", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Activate brings a tab to the foreground in its window.
func (d *Directory) Activate(ctx context.Context, id TabID) error {
	if _, err := d.client.Call(ctx, "", "Target.activateTarget", map[string]TabID{"targetId": id}); err != nil {
		return cdp.NewError(cdp.CodeTabOperation, fmt.Sprintf("activate tab %s", id), err)
	}
	return nil
}

// FocusWindow restores a window to the normal state so the activated tab is
// visible.
func (d *Directory) FocusWindow(ctx context.Context, id WindowID) error {
	params := struct {
		WindowID WindowID `json:"windowId"`
		Bounds   struct {
			WindowState string `json:"windowState"`
		} `json:"bounds"`
	}{WindowID: id}
	params.Bounds.WindowState = "normal"
	if _, err := d.client.Call(ctx, "", "Browser.setWindowBounds", params); err != nil {
		return cdp.NewError(cdp.CodeTabOperation, fmt.Sprintf("focus window %d", id), err)
	}
	return nil
}

// WindowFor returns the window containing the tab.
func (d *Directory) WindowFor(ctx context.Context, id TabID) (WindowID, error) {
	raw, err := d.client.Call(ctx, "", "Browser.getWindowForTarget", map[string]TabID{"targetId": id})
	if err != nil {
		return 0, cdp.NewError(cdp.CodeTabOperation, fmt.Sprintf("window for tab %s", id), err)
	}
	var resp struct {
		WindowID WindowID `json:"windowId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("tabs: decode window: %w", err)
	}
	return resp.WindowID, nil
}

// Evaluate runs a script in the tab on a short-lived session.
func (d *Directory) Evaluate(ctx context.Context, id TabID, js string) error {
	sessionID, err := d.client.AttachToTarget(ctx, id)
	if err != nil {
		return cdp.NewError(cdp.CodeTabOperation, fmt.Sprintf("attach tab %s", id), err)
	}
	defer func() {
		if err := d.client.DetachFromTarget(context.WithoutCancel(ctx), sessionID); err != nil {
			slog.Debug("detach after evaluate failed", "tab_id", id, "error", err)
		}
	}()
	if _, err := d.client.Evaluate(ctx, sessionID, js); err != nil {
		return cdp.NewError(cdp.CodeTabOperation, fmt.Sprintf("evaluate in tab %s", id), err)
	}
	return nil
}

// SendMessage posts msg to the tab's window.
func (d *Directory) SendMessage(ctx context.Context, id TabID, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("tabs: marshal message: %w", err)
	}
	return d.Evaluate(ctx, id, fmt.Sprintf("window.postMessage(%s, '*')", data))
}

// OpenTab opens url in a new foreground tab. The tab outlives the request.
func (d *Directory) OpenTab(ctx context.Context, url string) error {
	if d.allocCtx == nil {
		return cdp.NewError(cdp.CodeCDPUnavailable, "tab directory not started", nil)
	}
	tabCtx, tabCancel := chromedp.NewContext(d.allocCtx)
	d.openedMu.Lock()
	d.opened = append(d.opened, tabCancel)
	d.openedMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(tabCtx, 15*time.Second)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return cdp.NewError(cdp.CodeTabOperation, "open tab", err)
	}
	slog.Info("opened tab", "url", truncateURL(url))
	return nil
}

func (d *Directory) pages(ctx context.Context) ([]*target.Info, error) {
	targets, err := d.client.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	pages := targets[:0]
	for _, t := range targets {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

func (d *Directory) onTargetCreated(evt cdp.Event) {
	var e target.EventTargetCreated
	if err := json.Unmarshal(evt.Params, &e); err != nil || e.TargetInfo == nil || e.TargetInfo.Type != "page" {
		return
	}
	d.registry.Register(e.TargetInfo.TargetID, e.TargetInfo.URL, e.TargetInfo.Title)
}

func (d *Directory) onTargetInfoChanged(evt cdp.Event) {
	var e target.EventTargetInfoChanged
	if err := json.Unmarshal(evt.Params, &e); err != nil || e.TargetInfo == nil || e.TargetInfo.Type != "page" {
		return
	}
	if d.registry.Register(e.TargetInfo.TargetID, e.TargetInfo.URL, e.TargetInfo.Title) {
		d.enqueue(Event{Kind: TabUpdated, TabID: e.TargetInfo.TargetID, URL: e.TargetInfo.URL})
	}
}

func (d *Directory) onTargetDestroyed(evt cdp.Event) {
	var e target.EventTargetDestroyed
	if err := json.Unmarshal(evt.Params, &e); err != nil {
		return
	}
	last, _ := d.registry.Get(e.TargetID)
	if d.registry.Remove(e.TargetID) {
		d.enqueue(Event{Kind: TabRemoved, TabID: e.TargetID, URL: last.URL})
	}
}

func (d *Directory) pollLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.poll()
		}
	}
}

func (d *Directory) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), d.pollInterval+2*time.Second)
	defer cancel()
	pages, err := d.pages(ctx)
	if err != nil {
		slog.Debug("tab poll failed", "error", err)
		return
	}

	keep := make(map[TabID]bool, len(pages))
	for _, p := range pages {
		keep[p.TargetID] = true
		if d.registry.Register(p.TargetID, p.URL, p.Title) {
			d.enqueue(Event{Kind: TabUpdated, TabID: p.TargetID, URL: p.URL})
		}
	}
	for _, id := range d.registry.Retain(keep) {
		d.enqueue(Event{Kind: TabRemoved, TabID: id})
	}
	if len(pages) > 0 && d.registry.SetActive(pages[0].TargetID) {
		d.enqueue(Event{Kind: TabActivated, TabID: pages[0].TargetID, URL: pages[0].URL})
	}
}

// enqueue never blocks: CDP handlers run on the socket read loop.
func (d *Directory) enqueue(evt Event) {
	d.queueMu.Lock()
	d.queue = append(d.queue, evt)
	d.queueMu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Directory) pump() {
	defer d.wg.Done()
	for {
		d.queueMu.Lock()
		batch := d.queue
		d.queue = nil
		d.queueMu.Unlock()

		for _, evt := range batch {
			select {
			case d.events <- evt:
			case <-d.stop:
				return
			}
		}
		select {
		case <-d.wake:
		case <-d.stop:
			return
		}
	}
}
