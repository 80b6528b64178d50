package tabshare

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgnsrekt/tab_bridge/internal/cdp"
	"github.com/dgnsrekt/tab_bridge/internal/tabs"
)

type pendingEntry struct {
	conn  Connection
	timer *time.Timer
	// armed counts arm and stop calls. A fired callback whose count is stale
	// lost a race with stopTimer and must not evict.
	armed uint64
}

// arm starts the idle timer. Callers hold Broker.mu.
func (e *pendingEntry) arm(d time.Duration, fire func(gen uint64)) {
	e.armed++
	gen := e.armed
	e.timer = time.AfterFunc(d, func() { fire(gen) })
}

// stopTimer cancels the idle timer, including one that already fired and
// is waiting for Broker.mu. Callers hold Broker.mu.
func (e *pendingEntry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.armed++
	}
}

// pendingRegistry is the table of unbound connections keyed by selector tab.
// Keys are kept in insertion order so the idle sweep visits them the same
// way every time. Guarded by Broker.mu.
type pendingRegistry struct {
	order   []tabs.TabID
	entries map[tabs.TabID]*pendingEntry
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{entries: make(map[tabs.TabID]*pendingEntry)}
}

// put stores conn under key and returns the entry it displaced, if any,
// with its timer stopped.
func (r *pendingRegistry) put(key tabs.TabID, conn Connection) (*pendingEntry, *pendingEntry) {
	entry := &pendingEntry{conn: conn}
	prev, ok := r.entries[key]
	if ok {
		prev.stopTimer()
	} else {
		r.order = append(r.order, key)
	}
	r.entries[key] = entry
	return entry, prev
}

func (r *pendingRegistry) get(key tabs.TabID) (*pendingEntry, bool) {
	e, ok := r.entries[key]
	return e, ok
}

// take removes the entry under key and stops its timer.
func (r *pendingRegistry) take(key tabs.TabID) (*pendingEntry, bool) {
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	delete(r.entries, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	e.stopTimer()
	return e, true
}

// takeIf removes the entry under key only if it is still e.
func (r *pendingRegistry) takeIf(key tabs.TabID, e *pendingEntry) bool {
	if cur, ok := r.entries[key]; !ok || cur != e {
		return false
	}
	r.take(key)
	return true
}

func (r *pendingRegistry) drain() []*pendingEntry {
	out := make([]*pendingEntry, 0, len(r.order))
	for _, key := range append([]tabs.TabID(nil), r.order...) {
		e, _ := r.take(key)
		out = append(out, e)
	}
	return out
}

func (r *pendingRegistry) keys() []tabs.TabID {
	return append([]tabs.TabID(nil), r.order...)
}

func (r *pendingRegistry) len() int { return len(r.entries) }

// Open dials relayURL for selector and parks the connection as pending.
// The dial races a fixed connect timeout; the first to settle wins and a
// connection that opens after the timeout is closed.
func (b *Broker) Open(ctx context.Context, selector tabs.TabID, relayURL string) error {
	if selector == "" {
		return cdp.NewError(cdp.CodeValidation, "caller tab id is required", nil)
	}
	if relayURL == "" {
		return cdp.NewError(cdp.CodeValidation, "relay url is required", nil)
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		conn, err := b.dialer.Dial(dialCtx, relayURL)
		results <- dialResult{conn: conn, err: err}
	}()

	timeout := time.NewTimer(b.cfg.ConnectTimeout)
	defer timeout.Stop()

	var conn Connection
	select {
	case res := <-results:
		if res.err != nil {
			slog.Warn("relay connect failed", "selector", selector, "url", relayURL, "error", res.err)
			return cdp.NewError(cdp.CodeConnectFailed, "Failed to connect to MCP relay: WebSocket error", res.err)
		}
		conn = res.conn
	case <-timeout.C:
		cancel()
		go discardLate(results)
		slog.Warn("relay connect timed out", "selector", selector, "url", relayURL, "timeout", b.cfg.ConnectTimeout)
		return cdp.NewError(cdp.CodeConnectTimeout, "Failed to connect to MCP relay: Connection timeout", nil)
	case <-ctx.Done():
		go discardLate(results)
		slog.Info("relay connect abandoned by caller", "selector", selector, "url", relayURL, "error", ctx.Err())
		return cdp.NewError(cdp.CodeConnectAborted, "Connect to MCP relay cancelled by caller", ctx.Err())
	}

	b.mu.Lock()
	entry, displaced := b.pending.put(selector, conn)
	b.mu.Unlock()

	if displaced != nil {
		closeQuietly(displaced.conn, ReasonReplaced)
	}
	go b.watchPending(selector, entry)
	slog.Info("relay connection pending", "selector", selector, "conn_id", conn.ID())
	return nil
}

type dialResult struct {
	conn Connection
	err  error
}

// discardLate closes a connection that finished opening after Open gave up.
func discardLate(results <-chan dialResult) {
	if res := <-results; res.err == nil && res.conn != nil {
		closeQuietly(res.conn, "connection timeout")
	}
}

// watchPending drops the entry if its connection closes while still pending.
func (b *Broker) watchPending(selector tabs.TabID, entry *pendingEntry) {
	<-entry.conn.Done()
	b.mu.Lock()
	removed := b.pending.takeIf(selector, entry)
	b.mu.Unlock()
	if removed {
		slog.Info("pending relay connection closed", "selector", selector, "conn_id", entry.conn.ID())
	}
}

// promoteAndRemove hands over the pending connection for selector.
func (b *Broker) promoteAndRemove(selector tabs.TabID) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.pending.take(selector)
	if !ok {
		return nil, ErrNotFound
	}
	return e.conn, nil
}

// evict removes the pending entry for selector, if any, and closes it.
func (b *Broker) evict(selector tabs.TabID, reason string) bool {
	b.mu.Lock()
	e, ok := b.pending.take(selector)
	b.mu.Unlock()
	if !ok {
		return false
	}
	closeQuietly(e.conn, reason)
	slog.Info("pending relay connection evicted", "selector", selector, "reason", reason)
	return true
}

// sweepIdle runs on tab activation. The active tab's own entry has its
// timer cancelled; the first other entry without a timer is armed, and the
// sweep stops there.
func (b *Broker) sweepIdle(active tabs.TabID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range b.pending.keys() {
		e, _ := b.pending.get(key)
		if key == active {
			e.stopTimer()
			continue
		}
		if e.timer == nil {
			e.arm(b.cfg.IdleTimeout, func(gen uint64) { b.expire(key, e, gen) })
			return
		}
	}
}

// expire evicts an idle entry and tells its tab. A timer that fires after
// its entry was replaced or removed, or after its timer was cancelled or
// re-armed, does nothing.
func (b *Broker) expire(selector tabs.TabID, e *pendingEntry, gen uint64) {
	b.mu.Lock()
	if cur, ok := b.pending.get(selector); !ok || cur != e || e.timer == nil || e.armed != gen {
		b.mu.Unlock()
		return
	}
	e.timer = nil
	b.pending.take(selector)
	b.mu.Unlock()

	closeQuietly(e.conn, ReasonInactive)
	slog.Info("pending relay connection expired", "selector", selector, "conn_id", e.conn.ID())

	ctx, cancel := context.WithTimeout(context.Background(), badgeTimeout)
	defer cancel()
	if err := b.dir.SendMessage(ctx, selector, map[string]string{"type": "connectionTimeout"}); err != nil {
		slog.Debug("connection timeout notice failed", "tab_id", selector, "error", err)
	}
}
