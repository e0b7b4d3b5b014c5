package dm

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	memMaxMessagesPerRoom = 10_000
)

// InMemoryStore is a dev/test MessageStore with no durability.
// It still honors the full store contract:
//   - Append: idempotency per client msg id + per-room monotonic seq
//   - Fetch: seq ASC ordering with after-seq paging
type InMemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	seq    int64
	dedupe map[string]Message // client_msg_id -> stored message
	msgs   []Message          // ordered by seq
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms: make(map[string]*memRoom),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Append persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	text, err := validateAppend("dm.InMemoryStore.Append", in)
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[in.RoomKey]
	if r == nil {
		r = &memRoom{
			dedupe: make(map[string]Message),
			msgs:   make([]Message, 0, 256),
		}
		s.rooms[in.RoomKey] = r
	}

	if in.ClientMsgID != "" {
		if existing, ok := r.dedupe[in.ClientMsgID]; ok {
			return AppendResult{Message: existing, Duplicated: true}, nil
		}
	}

	id, err := NewMessageID(now)
	if err != nil {
		return AppendResult{}, OpError{Op: "dm.InMemoryStore.Append", Kind: ErrStoreUnavailable, Msg: "id generation failed"}
	}

	r.seq++
	msg := Message{
		RoomKey:     in.RoomKey,
		ID:          id,
		Seq:         r.seq,
		SenderID:    in.SenderID,
		ClientMsgID: in.ClientMsgID,
		Text:        text,
		CreatedAt:   now,
	}
	if in.ClientMsgID != "" {
		r.dedupe[in.ClientMsgID] = msg
	}
	r.msgs = append(r.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(r.msgs) > memMaxMessagesPerRoom {
		r.msgs = r.msgs[len(r.msgs)-memMaxMessagesPerRoom:]
	}

	return AppendResult{Message: msg, Duplicated: false}, nil
}

// Fetch returns messages ordered by seq ASC with paging via AfterSeq.
func (s *InMemoryStore) Fetch(ctx context.Context, in FetchInput) (FetchResult, error) {
	if in.RoomKey == "" {
		return FetchResult{}, OpError{Op: "dm.InMemoryStore.Fetch", Kind: ErrInvalidParticipant, Msg: "missing room key"}
	}
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}

	limit := clampFetch(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	r := s.rooms[in.RoomKey]
	var snap []Message
	if r != nil {
		snap = append([]Message(nil), r.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return FetchResult{Messages: nil, HasMore: false}, nil
	}

	sort.Slice(snap, func(i, j int) bool { return snap[i].Seq < snap[j].Seq })

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return FetchResult{Messages: nil, HasMore: false}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return FetchResult{Messages: out, HasMore: hasMore}, nil
}
