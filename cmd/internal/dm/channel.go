package dm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Channel is the realtime boundary over a Hub and a MessageStore. It exposes
// the four transport-facing operations: Publish (append + fan-out), History,
// Subscribe and Unsubscribe.
//
// Ordering: Publish holds a per-room lock across append and broadcast, so
// every subscriber of a room observes live messages in the store's assignment
// order. There is no ordering relation across different rooms.
type Channel struct {
	log   *slog.Logger
	hub   *Hub
	store MessageStore
	locks *keyedMutex

	queueSize int
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithSubscriberQueueSize bounds each subscriber's delivery queue.
func WithSubscriberQueueSize(n int) ChannelOption {
	return func(c *Channel) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// NewChannel constructs a Channel. Nil hub/store fall back to in-memory
// implementations for dev and tests.
func NewChannel(log *slog.Logger, hub *Hub, store MessageStore, opts ...ChannelOption) *Channel {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}

	c := &Channel{
		log:       log,
		hub:       hub,
		store:     store,
		locks:     newKeyedMutex(),
		queueSize: 256,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Publish appends a message to the room log and fans it out to all current
// subscribers of the room, including the sender's own subscription.
// Duplicates (same room + client msg id) are acknowledged but not re-broadcast.
func (c *Channel) Publish(ctx context.Context, in AppendInput) (AppendResult, error) {
	// The per-room lock makes append + broadcast atomic with respect to other
	// publishes in the same room, so fan-out order matches seq order.
	c.locks.Lock(in.RoomKey)
	defer c.locks.Unlock(in.RoomKey)

	res, err := c.store.Append(ctx, in)
	if err != nil {
		return AppendResult{}, err
	}

	if res.Duplicated {
		metricMessagesDuplicated.Inc()
		return res, nil
	}

	metricMessagesAppended.Inc()
	c.hub.GetOrCreateRoom(in.RoomKey).Broadcast(res.Message)
	return res, nil
}

// History returns a window of the room's log, ordered by seq ASC.
func (c *Channel) History(ctx context.Context, in FetchInput) (FetchResult, error) {
	return c.store.Fetch(ctx, in)
}

// Subscribe joins the connection to the room's fan-out set and returns a
// Subscription whose Messages channel delivers the room's full history first,
// then every subsequent publish in append order. No message is delivered
// twice and none out of order: the room is joined before history is fetched,
// and live messages at or below the last hydrated seq are discarded.
//
// ctx bounds the history hydration only; cancel the subscription itself via
// Cancel or Unsubscribe.
func (c *Channel) Subscribe(ctx context.Context, roomKey, connID string) (*Subscription, error) {
	if roomKey == "" || connID == "" {
		return nil, OpError{Op: "dm.Channel.Subscribe", Kind: ErrInvalidParticipant, Msg: "missing room key or conn id"}
	}

	room := c.hub.GetOrCreateRoom(roomKey)
	sub := NewSubscriber(connID, c.queueSize)
	room.Join(sub)

	history, err := c.hydrate(ctx, roomKey)
	if err != nil {
		room.Evict(sub)
		return nil, err
	}

	s := &Subscription{
		RoomKey: roomKey,
		ConnID:  connID,
		room:    room,
		sub:     sub,
		msgs:    make(chan Message, c.queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.pump(history)
	return s, nil
}

// Unsubscribe removes the connection from the room's fan-out set. Future
// publishes to the room are no longer delivered; a delivery already in flight
// may still complete. Unsubscribing a connection that is not subscribed is a
// no-op, not an error.
func (c *Channel) Unsubscribe(roomKey, connID string) {
	room := c.hub.Room(roomKey)
	if room == nil {
		return
	}
	room.Leave(connID)
}

// hydrate pages through the room's full history.
func (c *Channel) hydrate(ctx context.Context, roomKey string) ([]Message, error) {
	start := time.Now()
	defer func() { metricHistoryHydration.Observe(time.Since(start).Seconds()) }()

	var (
		out   []Message
		after *int64
	)
	for {
		res, err := c.store.Fetch(ctx, FetchInput{RoomKey: roomKey, AfterSeq: after, Limit: maxHistoryLimit})
		if err != nil {
			return nil, err
		}
		out = append(out, res.Messages...)
		if !res.HasMore || len(res.Messages) == 0 {
			return out, nil
		}
		last := res.Messages[len(res.Messages)-1].Seq
		after = &last
	}
}

// Subscription is the live binding between one connection and one room.
type Subscription struct {
	RoomKey string
	ConnID  string

	room *Room
	sub  *Subscriber

	msgs chan Message

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Messages returns the history-then-live delivery stream. The channel is
// closed when the subscription ends, whether by Cancel, Unsubscribe, or the
// underlying room dropping the connection.
func (s *Subscription) Messages() <-chan Message { return s.msgs }

// Done returns a channel closed once delivery has fully stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel tears the subscription down and waits for delivery to stop.
// After Cancel returns no further message is emitted. Idempotent.
func (s *Subscription) Cancel() {
	s.stopOnce.Do(func() {
		s.room.Evict(s.sub)
		close(s.stop)
	})
	<-s.done
}

func (s *Subscription) pump(history []Message) {
	defer close(s.done)
	defer close(s.msgs)
	defer s.room.Evict(s.sub)

	var lastSeq int64
	for _, m := range history {
		if m.Seq > lastSeq {
			lastSeq = m.Seq
		}
		select {
		case s.msgs <- m:
		case <-s.stop:
			return
		case <-s.sub.Done():
			return
		}
	}

	for {
		select {
		case <-s.stop:
			return
		case <-s.sub.Done():
			return
		case m := <-s.sub.Recv:
			if m.Seq <= lastSeq {
				// Already delivered during hydration.
				continue
			}
			lastSeq = m.Seq
			select {
			case s.msgs <- m:
			case <-s.stop:
				return
			case <-s.sub.Done():
				return
			}
		}
	}
}
