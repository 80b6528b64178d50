package tabshare

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tab_bridge/internal/badge"
	"github.com/dgnsrekt/tab_bridge/internal/tabs"
)

// journal records side effects across fakes in the order they happened.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) index(entry string) int {
	for i, e := range j.snapshot() {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakeConn struct {
	id  string
	log *journal

	mu       sync.Mutex
	boundTo  tabs.TabID
	reasons  []string
	closeErr error

	once sync.Once
	done chan struct{}
}

func newFakeConn(id string, log *journal) *fakeConn {
	return &fakeConn{id: id, log: log, done: make(chan struct{})}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) BindToTab(id tabs.TabID) {
	c.mu.Lock()
	c.boundTo = id
	c.mu.Unlock()
	c.log.add("bind:%s:%s", c.id, id)
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	c.reasons = append(c.reasons, reason)
	err := c.closeErr
	c.mu.Unlock()
	c.log.add("close:%s:%s", c.id, reason)
	c.once.Do(func() { close(c.done) })
	return err
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

// remoteClose simulates the relay hanging up.
func (c *fakeConn) remoteClose() {
	c.log.add("remote-close:%s", c.id)
	c.once.Do(func() { close(c.done) })
}

func (c *fakeConn) closeReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reasons...)
}

func (c *fakeConn) bound() tabs.TabID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundTo
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// fakeDialer hands out fresh connections unless dial is set.
type fakeDialer struct {
	log  *journal
	dial func(ctx context.Context, relayURL string) (Connection, error)

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, relayURL string) (Connection, error) {
	if d.dial != nil {
		return d.dial(ctx, relayURL)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn(fmt.Sprintf("c%d", len(d.conns)+1), d.log)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type sentMessage struct {
	tab tabs.TabID
	msg any
}

type fakeDirectory struct {
	log *journal

	mu          sync.Mutex
	tabs        []tabs.Tab
	listErr     error
	activateErr error
	focusErr    error
	activated   []tabs.TabID
	focused     []tabs.WindowID
	messages    []sentMessage
	opened      []string
}

func (d *fakeDirectory) List(context.Context) ([]tabs.Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]tabs.Tab(nil), d.tabs...), d.listErr
}

func (d *fakeDirectory) Activate(_ context.Context, id tabs.TabID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activated = append(d.activated, id)
	d.log.add("activate:%s", id)
	return d.activateErr
}

func (d *fakeDirectory) FocusWindow(_ context.Context, id tabs.WindowID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.focused = append(d.focused, id)
	d.log.add("focus:%d", id)
	return d.focusErr
}

func (d *fakeDirectory) WindowFor(_ context.Context, id tabs.TabID) (tabs.WindowID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tabs {
		if t.ID == id {
			return t.WindowID, nil
		}
	}
	return 0, fmt.Errorf("no tab %s", id)
}

func (d *fakeDirectory) SendMessage(_ context.Context, id tabs.TabID, msg any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, sentMessage{tab: id, msg: msg})
	return nil
}

func (d *fakeDirectory) OpenTab(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = append(d.opened, url)
	return nil
}

func (d *fakeDirectory) sent() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage(nil), d.messages...)
}

type badgeCall struct {
	tab   tabs.TabID
	badge badge.Badge
}

type fakePresenter struct {
	log *journal

	mu    sync.Mutex
	calls []badgeCall
	err   error
}

func (p *fakePresenter) SetBadge(_ context.Context, id tabs.TabID, b badge.Badge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, badgeCall{tab: id, badge: b})
	p.log.add("badge:%s:%s", id, b.Text)
	return p.err
}

func (p *fakePresenter) last(id tabs.TabID) (badge.Badge, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.calls) - 1; i >= 0; i-- {
		if p.calls[i].tab == id {
			return p.calls[i].badge, true
		}
	}
	return badge.Badge{}, false
}

type harness struct {
	broker    *Broker
	log       *journal
	dialer    *fakeDialer
	dir       *fakeDirectory
	presenter *fakePresenter
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := &journal{}
	h := &harness{
		log:       log,
		dialer:    &fakeDialer{log: log},
		dir:       &fakeDirectory{log: log},
		presenter: &fakePresenter{log: log},
	}
	h.broker = New(cfg, h.dialer, h.dir, h.presenter, nil)
	t.Cleanup(h.broker.Close)
	return h
}

// open parks a fresh pending connection for selector and returns it.
func (h *harness) open(t *testing.T, selector tabs.TabID) *fakeConn {
	t.Helper()
	if err := h.broker.Open(context.Background(), selector, "ws://relay.test/"); err != nil {
		t.Fatalf("Open(%s) error = %v", selector, err)
	}
	return h.dialer.last()
}

// checkInvariants asserts the binding and ConnectedTabID agree and that no
// connection is both pending and active.
func (h *harness) checkInvariants(t *testing.T) {
	t.Helper()
	b := h.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectedTab != "" && (b.active == nil || b.active.tabID != b.connectedTab) {
		t.Fatalf("connected tab %q without a matching binding (%+v)", b.connectedTab, b.active)
	}
	if b.active != nil {
		if b.connectedTab != b.active.tabID {
			t.Fatalf("binding to %q but connected tab is %q", b.active.tabID, b.connectedTab)
		}
		for key, e := range b.pending.entries {
			if e.conn == b.active.conn {
				t.Fatalf("connection %s is both pending under %q and active", e.conn.ID(), key)
			}
		}
	}
	if len(b.pending.order) != len(b.pending.entries) {
		t.Fatalf("pending order %v out of sync with %d entries", b.pending.order, len(b.pending.entries))
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
