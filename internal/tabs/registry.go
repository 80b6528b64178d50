package tabs

import (
	"sync"
)

// Registry is the directory's last known view of open page targets. It is
// used to turn CDP target notifications and list polls into tab events.
type Registry struct {
	tabs   map[TabID]*Tab
	active TabID
	mu     sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{tabs: make(map[TabID]*Tab)}
}

// Register records a page and reports whether it is new or its URL or title
// changed since the last registration.
func (r *Registry) Register(id TabID, url, title string) (changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.tabs[id]; ok {
		if prev.URL == url && prev.Title == title {
			return false
		}
		prev.URL, prev.Title = url, title
		return true
	}
	r.tabs[id] = &Tab{ID: id, URL: url, Title: title}
	return true
}

// Get returns the last known state of a page.
func (r *Registry) Get(id TabID) (Tab, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tabs[id]
	if !ok {
		return Tab{}, false
	}
	return *t, true
}

// Remove forgets a page and reports whether it was known.
func (r *Registry) Remove(id TabID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[id]; !ok {
		return false
	}
	delete(r.tabs, id)
	if r.active == id {
		r.active = ""
	}
	return true
}

// SetActive records the focused page and reports whether focus moved.
func (r *Registry) SetActive(id TabID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == id {
		return false
	}
	r.active = id
	return true
}

func (r *Registry) Active() TabID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Retain removes every page not in keep and returns the removed ids.
func (r *Registry) Retain(keep map[TabID]bool) []TabID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var gone []TabID
	for id := range r.tabs {
		if !keep[id] {
			gone = append(gone, id)
			delete(r.tabs, id)
			if r.active == id {
				r.active = ""
			}
		}
	}
	return gone
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}
