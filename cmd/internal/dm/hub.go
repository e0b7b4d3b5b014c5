package dm

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory rooms and provides stable room handles. It is
// intentionally minimal: persistence lives behind MessageStore, and a room
// exists the moment something references its key.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreateRoom returns a stable in-memory room handle for key.
func (h *Hub) GetOrCreateRoom(key string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[key]; ok {
		return r
	}

	r := NewRoom(h.log, key)
	h.rooms[key] = r
	return r
}

// Room returns the room for key if it has been materialized, else nil.
func (h *Hub) Room(key string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[key]
}
