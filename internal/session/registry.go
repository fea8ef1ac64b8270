// Package session tracks live connections per room. The registry is the only
// structure mutated concurrently by many connection lifecycles and read by
// the broadcast path, so rooms carry their own locks instead of a global one.
package session

import "sync"

// Session is a live connection handle held for the lifetime of one
// WebSocket connection.
type Session interface {
	// ID identifies the session for logging.
	ID() string
	// Send delivers a payload to the connection. It must be safe to call
	// concurrently and should fail rather than block indefinitely.
	Send(payload []byte) error
}

type room struct {
	mu       sync.RWMutex
	sessions map[Session]struct{}
	// dead marks a room whose entry has been removed from the registry.
	// An Add racing the removal must retry against a fresh room.
	dead bool
}

// Registry maps room ids to their live sessions.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// Add registers a session under a room, creating the room entry on first use.
func (r *Registry) Add(roomID string, s Session) {
	for {
		rm := r.getOrCreate(roomID)

		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		rm.sessions[s] = struct{}{}
		rm.mu.Unlock()
		return
	}
}

// Remove deregisters a session. Removing the last session for a room deletes
// the room entry so empty sets do not accumulate.
func (r *Registry) Remove(roomID string, s Session) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}

	rm.mu.Lock()
	delete(rm.sessions, s)
	if len(rm.sessions) == 0 {
		rm.dead = true
		delete(r.rooms, roomID)
	}
	rm.mu.Unlock()
	r.mu.Unlock()
}

// List returns a snapshot of the sessions currently registered for a room.
// The slice is safe to iterate while removals occur concurrently.
func (r *Registry) List(roomID string) []Session {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	out := make([]Session, 0, len(rm.sessions))
	for s := range rm.sessions {
		out = append(out, s)
	}
	rm.mu.RUnlock()
	return out
}

// RoomCount reports how many rooms currently hold at least one session.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) getOrCreate(roomID string) *room {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if ok {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok {
		return rm
	}
	rm = &room{sessions: make(map[Session]struct{})}
	r.rooms[roomID] = rm
	return rm
}
