// Package events fans bridge status changes out to SSE subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 64

const (
	FeedStatus = "status"
	FeedBadge  = "badge"
)

// Event is a single status event sent via SSE.
type Event struct {
	Feed    string
	Payload string
}

// Broker fans out events to all subscribed SSE clients. The latest event on
// each retained feed is replayed to new subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	retained    map[string]Event
	nextID      atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
		retained:    make(map[string]Event),
	}
}

// Subscribe registers a new client. Returns the subscriber ID and a channel
// to receive events on. The channel is buffered; slow consumers will have
// events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	for _, evt := range b.retained {
		ch <- evt
	}
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.sendLocked(evt)
}

// Retain publishes evt and keeps it as the replay value for its feed. Store
// and send happen under one write lock, so subscribers see retained events
// in the order the replay value changed.
func (b *Broker) Retain(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retained[evt.Feed] = evt
	b.sendLocked(evt)
}

func (b *Broker) sendLocked(evt Event) {
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// PublishJSON marshals v as the payload of a feed event.
func (b *Broker) PublishJSON(feed string, v any, retain bool) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Debug("event marshal failed", "feed", feed, "error", err)
		return
	}
	evt := Event{Feed: feed, Payload: string(data)}
	if retain {
		b.Retain(evt)
		return
	}
	b.Publish(evt)
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
