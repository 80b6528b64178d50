// Package tabs is the browser's tab directory: enumeration, lifecycle events,
// and tab/window activation, backed by the Chrome DevTools Protocol.
package tabs

import (
	"strings"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
)

// TabID identifies a browser tab. It is the CDP target id of the page.
type TabID = target.ID

// WindowID identifies a browser window.
type WindowID = browser.WindowID

// Tab describes one page target.
type Tab struct {
	ID       TabID    `json:"id"`
	WindowID WindowID `json:"window_id,omitempty"`
	Title    string   `json:"title,omitempty"`
	URL      string   `json:"url"`
}

type EventKind string

const (
	TabRemoved   EventKind = "removed"
	TabUpdated   EventKind = "updated"
	TabActivated EventKind = "activated"
)

// Event is a tab lifecycle notification.
type Event struct {
	Kind  EventKind
	TabID TabID
	URL   string
}

// DefaultDisallowedSchemes are URL schemes of browser-internal pages that are
// never offered as binding candidates.
var DefaultDisallowedSchemes = []string{"chrome:", "edge:", "devtools:"}

// FilterCandidates drops tabs with no URL or whose URL starts with one of the
// disallowed schemes.
func FilterCandidates(all []Tab, disallowed []string) []Tab {
	out := make([]Tab, 0, len(all))
	for _, t := range all {
		if t.URL == "" || hasScheme(t.URL, disallowed) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func hasScheme(url string, schemes []string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(url, s) {
			return true
		}
	}
	return false
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
