package realtime

import (
	"sort"
	"sync"
)

// Registry tracks the single live session of each user and the rooms each
// session has joined.
type Registry interface {
	// Register makes sessionID the live session of userID and returns the
	// session it replaced, or "" when there was none.
	Register(userID, sessionID string) string
	// Unregister drops sessionID's rooms and, only if sessionID is still the
	// live session of userID, the user mapping. It reports whether the
	// mapping was removed.
	Unregister(userID, sessionID string) bool
	// Join adds sessionID to room and reports whether it was newly added.
	Join(sessionID, room string) bool
	SessionFor(userID string) (string, bool)
	RoomsFor(userID string) []string
	Members(room string) []string
}

type memoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string
	owners   map[string]string
	rooms    map[string]map[string]struct{}
	members  map[string]map[string]struct{}
}

func NewMemoryRegistry() Registry {
	return &memoryRegistry{
		sessions: make(map[string]string),
		owners:   make(map[string]string),
		rooms:    make(map[string]map[string]struct{}),
		members:  make(map[string]map[string]struct{}),
	}
}

func (r *memoryRegistry) Register(userID, sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := r.sessions[userID]
	if evicted == sessionID {
		evicted = ""
	}
	if evicted != "" {
		r.dropSessionLocked(evicted)
	}
	r.sessions[userID] = sessionID
	r.owners[sessionID] = userID
	if r.rooms[sessionID] == nil {
		r.rooms[sessionID] = make(map[string]struct{})
	}
	return evicted
}

func (r *memoryRegistry) Unregister(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropSessionLocked(sessionID)
	if r.sessions[userID] != sessionID {
		return false
	}
	delete(r.sessions, userID)
	return true
}

func (r *memoryRegistry) dropSessionLocked(sessionID string) {
	for room := range r.rooms[sessionID] {
		delete(r.members[room], sessionID)
		if len(r.members[room]) == 0 {
			delete(r.members, room)
		}
	}
	delete(r.rooms, sessionID)
	delete(r.owners, sessionID)
}

func (r *memoryRegistry) Join(sessionID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.rooms[sessionID]
	if !ok || room == "" {
		return false
	}
	if _, held := joined[room]; held {
		return false
	}
	joined[room] = struct{}{}
	if r.members[room] == nil {
		r.members[room] = make(map[string]struct{})
	}
	r.members[room][sessionID] = struct{}{}
	return true
}

func (r *memoryRegistry) SessionFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.sessions[userID]
	return sessionID, ok
}

func (r *memoryRegistry) RoomsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	return sortedKeys(r.rooms[sessionID])
}

func (r *memoryRegistry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.members[room])
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
