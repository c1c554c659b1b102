package wsclient

import (
	"sync"
	"time"
)

// SentWindow remembers ids of messages this client has already shown,
// whether they came back from a post or arrived on the live channel first.
// Ids expire after the window.
type SentWindow struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	sent   map[string]time.Time
}

func NewSentWindow(window time.Duration) *SentWindow {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &SentWindow{
		window: window,
		now:    time.Now,
		sent:   make(map[string]time.Time),
	}
}

// Apply records id and reports whether this is the first time it was seen
// inside the window. Only the first caller for an id gets true.
func (w *SentWindow) Apply(id string) bool {
	if id == "" {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	if _, ok := w.sent[id]; ok {
		return false
	}
	w.sent[id] = w.now()
	return true
}

// Seen reports whether id was already applied within the window.
func (w *SentWindow) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	_, ok := w.sent[id]
	return ok
}

func (w *SentWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	return len(w.sent)
}

func (w *SentWindow) pruneLocked() {
	cutoff := w.now().Add(-w.window)
	for id, at := range w.sent {
		if at.Before(cutoff) {
			delete(w.sent, id)
		}
	}
}
