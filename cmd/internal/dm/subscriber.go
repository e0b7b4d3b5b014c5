package dm

import "sync"

// Subscriber represents one connection's membership in a room fan-out set.
//
// Design notes:
// - Recv is intentionally NOT closed by the room to avoid panics from
//   concurrent broadcasters.
// - done signals the owning goroutines to stop.
// - Close is idempotent.
type Subscriber struct {
	ConnID string
	Recv   chan Message

	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscriber constructs a Subscriber with a bounded delivery queue.
func NewSubscriber(connID string, queueSize int) *Subscriber {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Subscriber{
		ConnID: connID,
		Recv:   make(chan Message, queueSize),
		done:   make(chan struct{}),
	}
}

// Done returns a channel that is closed when the subscriber is shutting down.
func (s *Subscriber) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals the subscriber goroutines to stop (idempotent).
// It does NOT close Recv to keep broadcast safe under concurrency.
func (s *Subscriber) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
