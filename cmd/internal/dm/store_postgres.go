// Package dm contains Wren's direct-messaging core: room identity, the
// append-only message stores, the realtime fan-out channel, the session state
// machine, and the WebSocket gateway in front of them.
package dm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-room transactional advisory locks to guarantee:
//   - No sequence gaps caused by duplicates
//   - Strict monotonic ordering under concurrency
//
// Rooms are implicit: the first append to a room key creates its cursor row;
// there is no separate room lifecycle record.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "wren").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("dm: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("dm: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "wren",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("dm: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Append persists a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, OpError{Op: "dm.PostgresStore.Append", Kind: ErrStoreUnavailable, Msg: "nil store"}
	}
	text, err := validateAppend("dm.PostgresStore.Append", in)
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

	out, err := s.appendTx(ctx, in, text, now)
	if err != nil {
		return AppendResult{}, OpError{Op: "dm.PostgresStore.Append", Kind: ErrStoreUnavailable, Msg: err.Error()}
	}
	return out, nil
}

func (s *PostgresStore) appendTx(ctx context.Context, in AppendInput, text string, now time.Time) (AppendResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "room_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per room to guarantee:
	// - No seq waste for duplicates
	// - Strict monotonic ordering without races
	//
	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomKey); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if in.ClientMsgID != "" {
		existing, err := readMessageByClientMsgID(ctx, tx, messages, in.RoomKey, in.ClientMsgID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, err
		}
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (room_key, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (room_key) DO NOTHING`,
		in.RoomKey,
	); err != nil {
		return AppendResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE room_key = $1
		RETURNING (next_seq - 1)`,
		in.RoomKey,
	).Scan(&seq); err != nil {
		return AppendResult{}, err
	}

	msgID, err := NewMessageID(now)
	if err != nil {
		return AppendResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     room_key, seq, msg_id, client_msg_id, sender_id, text, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.RoomKey, seq, msgID, in.ClientMsgID, in.SenderID, text, now,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	out := Message{
		RoomKey:     in.RoomKey,
		ID:          msgID,
		Seq:         seq,
		SenderID:    in.SenderID,
		ClientMsgID: in.ClientMsgID,
		Text:        text,
		CreatedAt:   now,
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Message: out, Duplicated: false}, nil
}

// Fetch returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) Fetch(ctx context.Context, in FetchInput) (FetchResult, error) {
	if s == nil || s.pool == nil {
		return FetchResult{}, OpError{Op: "dm.PostgresStore.Fetch", Kind: ErrStoreUnavailable, Msg: "nil store"}
	}
	if in.RoomKey == "" {
		return FetchResult{}, OpError{Op: "dm.PostgresStore.Fetch", Kind: ErrInvalidParticipant, Msg: "missing room key"}
	}
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}

	limit := clampFetch(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)

	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT room_key, msg_id, client_msg_id, seq, sender_id, text, created_at
			   FROM `+messages+`
			  WHERE room_key = $1
			  ORDER BY seq ASC
			  LIMIT $2`,
			in.RoomKey, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT room_key, msg_id, client_msg_id, seq, sender_id, text, created_at
			   FROM `+messages+`
			  WHERE room_key = $1 AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			in.RoomKey, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return FetchResult{}, OpError{Op: "dm.PostgresStore.Fetch", Kind: ErrStoreUnavailable, Msg: err.Error()}
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.RoomKey,
			&m.ID,
			&m.ClientMsgID,
			&m.Seq,
			&m.SenderID,
			&m.Text,
			&m.CreatedAt,
		); err != nil {
			return FetchResult{}, OpError{Op: "dm.PostgresStore.Fetch", Kind: ErrStoreUnavailable, Msg: err.Error()}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchResult{}, OpError{Op: "dm.PostgresStore.Fetch", Kind: ErrStoreUnavailable, Msg: err.Error()}
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return FetchResult{Messages: msgs, HasMore: hasMore}, nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable, roomKey, clientMsgID string) (Message, error) {
	var m Message
	err := tx.QueryRow(ctx,
		`SELECT room_key, msg_id, client_msg_id, seq, sender_id, text, created_at
		   FROM `+messagesTable+`
		  WHERE room_key = $1 AND client_msg_id = $2`,
		roomKey, clientMsgID,
	).Scan(&m.RoomKey, &m.ID, &m.ClientMsgID, &m.Seq, &m.SenderID, &m.Text, &m.CreatedAt)
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
