package badge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dgnsrekt/tab_bridge/internal/tabs"
)

// Webhook POSTs each badge change as JSON to an external endpoint.
type Webhook struct {
	Endpoint string
	Client   *http.Client
}

func (w *Webhook) SetBadge(ctx context.Context, id tabs.TabID, b Badge) error {
	body, err := json.Marshal(struct {
		TabID tabs.TabID `json:"tab_id"`
		Badge
	}{TabID: id, Badge: b})
	if err != nil {
		return err
	}

	c := w.Client
	if c == nil {
		c = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("badge webhook failed: status=%d", resp.StatusCode)
	}
	return nil
}
