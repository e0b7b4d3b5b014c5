package dm

import (
	"log/slog"
	"sync"
)

// Room is the in-memory membership + broadcast fan-out primitive for one
// room key.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Subscriber.Recv is never closed here.
type Room struct {
	log *slog.Logger
	Key string

	mu      sync.RWMutex
	members map[string]*Subscriber
}

// NewRoom constructs a room fan-out set.
func NewRoom(log *slog.Logger, key string) *Room {
	return &Room{
		log:     log,
		Key:     key,
		members: make(map[string]*Subscriber),
	}
}

// Join adds a subscriber to membership.
func (r *Room) Join(sub *Subscriber) {
	if r == nil || sub == nil || sub.ConnID == "" {
		return
	}

	r.mu.Lock()
	prev := r.members[sub.ConnID]
	r.members[sub.ConnID] = sub
	r.mu.Unlock()

	if prev == nil {
		metricSubscribers.Inc()
	} else if prev != sub {
		prev.Close()
	}

	r.log.Info("dm.room.join", "room_key", r.Key, "conn_id", sub.ConnID)
}

// Leave removes a subscriber from membership and signals its shutdown.
// Leaving a room the connection is not in is a no-op.
func (r *Room) Leave(connID string) {
	if r == nil || connID == "" {
		return
	}

	r.mu.Lock()
	sub := r.members[connID]
	delete(r.members, connID)
	r.mu.Unlock()

	// Signal shutdown after removing from membership. This ordering avoids
	// race windows where a broadcaster still holds a pointer while the
	// subscriber's goroutines are being torn down.
	if sub == nil {
		return
	}
	sub.Close()
	metricSubscribers.Dec()

	r.log.Info("dm.room.leave", "room_key", r.Key, "conn_id", connID)
}

// Evict removes exactly this subscriber, leaving any newer subscriber the
// same connection may have registered in place. Used when tearing down a
// superseded subscription without racing a rejoin.
func (r *Room) Evict(sub *Subscriber) {
	if r == nil || sub == nil {
		return
	}

	r.mu.Lock()
	cur := r.members[sub.ConnID]
	if cur == sub {
		delete(r.members, sub.ConnID)
	}
	r.mu.Unlock()

	sub.Close()
	if cur == sub {
		metricSubscribers.Dec()
		r.log.Info("dm.room.leave", "room_key", r.Key, "conn_id", sub.ConnID)
	}
}

// Broadcast fans a message out to all members in membership order-agnostic
// fashion. Non-blocking: if a member queue is full or the subscriber is
// shutting down, the delivery is dropped and counted.
func (r *Room) Broadcast(msg Message) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.members {
		if sub == nil {
			continue
		}

		select {
		case <-sub.Done():
			// Skip subscribers that are shutting down.
			continue
		default:
		}

		select {
		case sub.Recv <- msg:
		default:
			// Drop rather than block the whole room.
			metricBroadcastDropped.Inc()
		}
	}
}

// Len reports the current member count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
