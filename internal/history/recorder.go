package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dgnsrekt/tab_bridge/internal/events"
)

// Record is one journaled feed event.
type Record struct {
	Time    time.Time       `json:"time"`
	Feed    string          `json:"feed"`
	Payload json.RawMessage `json:"payload"`
}

// Writer accepts records for persistence.
type Writer interface {
	Write(record any) error
}

// Run subscribes to feed and writes every event to w until ctx is done.
func Run(ctx context.Context, feed *events.Broker, w Writer) {
	id, ch := feed.Subscribe()
	defer feed.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			rec := Record{Time: time.Now().UTC(), Feed: evt.Feed, Payload: json.RawMessage(evt.Payload)}
			if !json.Valid(rec.Payload) {
				rec.Payload = nil
			}
			if err := w.Write(rec); err != nil {
				slog.Debug("history record dropped", "feed", evt.Feed, "error", err)
			}
		}
	}
}
