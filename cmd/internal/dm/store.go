package dm

import (
	"context"
	"strings"
	"time"
)

// Message is the canonical persisted message representation.
//
// Seq is the per-room monotonic ordering axis; ID is a ULID assigned by the
// store at append time. Both are immutable once assigned, and CreatedAt is
// the store's own clock, never the client's.
type Message struct {
	RoomKey     string
	ID          string
	Seq         int64
	SenderID    string
	ClientMsgID string
	Text        string
	CreatedAt   time.Time
}

// AppendInput describes a message append request.
// ClientMsgID is optional; when present it makes the append idempotent
// per (room, client_msg_id).
type AppendInput struct {
	RoomKey     string
	SenderID    string
	ClientMsgID string
	Text        string
	Now         time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Message    Message
	Duplicated bool
}

// FetchInput describes a history query request. A nil AfterSeq means
// "from the beginning".
type FetchInput struct {
	RoomKey  string
	AfterSeq *int64
	Limit    int
}

// FetchResult contains the retrieved history window.
type FetchResult struct {
	Messages []Message
	HasMore  bool
}

// MessageStore persists and queries per-room append-only message logs.
//
// Requirements:
//   - Append assigns a strictly monotonic Seq per room and a server-side
//     CreatedAt; appends within one room are serialized, appends across
//     rooms are independent.
//   - Idempotency per (room_key, client_msg_id) without burning sequence
//     numbers for duplicates.
//   - Fetch returns messages ordered by Seq ASC; an empty room yields an
//     empty result, not an error.
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	Fetch(ctx context.Context, in FetchInput) (FetchResult, error)
	Close() error
}

// validateAppend applies the store-level append contract shared by all
// implementations. It returns the trimmed text on success.
func validateAppend(op string, in AppendInput) (string, error) {
	if strings.TrimSpace(in.RoomKey) == "" {
		return "", OpError{Op: op, Kind: ErrInvalidParticipant, Msg: "missing room key"}
	}
	if strings.TrimSpace(in.SenderID) == "" {
		return "", OpError{Op: op, Kind: ErrInvalidParticipant, Msg: "missing sender id"}
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return "", OpError{Op: op, Kind: ErrEmptyMessage, Msg: "blank text"}
	}
	return text, nil
}

// clampFetch normalizes a fetch limit into [1, maxHistoryLimit].
func clampFetch(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
