package registry

import (
	"sort"
	"sync"
)

// Rooms is the set of rooms this client is joined to. The connection engine
// replays it after a reconnect.
type Rooms struct {
	mu     sync.RWMutex
	joined map[string]struct{}
}

// NewRooms creates an empty room set.
func NewRooms() *Rooms {
	return &Rooms{joined: make(map[string]struct{})}
}

// Join records a room. Reports whether it was newly added.
func (r *Rooms) Join(room string) bool {
	if room == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.joined[room]; ok {
		return false
	}
	r.joined[room] = struct{}{}
	return true
}

// Leave removes a room. Reports whether it was present.
func (r *Rooms) Leave(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.joined[room]; !ok {
		return false
	}
	delete(r.joined, room)
	return true
}

// Has reports membership.
func (r *Rooms) Has(room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.joined[room]
	return ok
}

// List returns the joined rooms, sorted.
func (r *Rooms) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.joined))
	for room := range r.joined {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of joined rooms.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.joined)
}

// Clear empties the set.
func (r *Rooms) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = make(map[string]struct{})
}
