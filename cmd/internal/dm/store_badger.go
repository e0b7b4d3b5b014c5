package dm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Badger key layout. Room keys never contain '/', so the prefixes are
// unambiguous:
//
//	log/<room>/<seq, zero-padded>  -> JSON-encoded Message
//	cur/<room>                     -> big-endian uint64 next seq
//	dup/<room>/<client_msg_id>     -> zero-padded seq of the original append
const (
	badgerLogPrefix = "log/"
	badgerCurPrefix = "cur/"
	badgerDupPrefix = "dup/"
)

// BadgerStore is a MessageStore backed by an embedded BadgerDB. It gives a
// single-node deployment a durable room log without running PostgreSQL.
//
// Concurrency model: Badger transactions are optimistic, so the store holds a
// per-room mutex across each append. That serializes seq allocation within a
// room while appends to different rooms proceed in parallel.
type BadgerStore struct {
	db    *badger.DB
	log   *slog.Logger
	locks *keyedMutex
}

// OpenBadgerStore opens (or creates) a Badger-backed store at dir.
func OpenBadgerStore(dir string, log *slog.Logger) (*BadgerStore, error) {
	if log == nil {
		log = slog.Default()
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's own logger is too chatty; we log open/close ourselves

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("dm: open badger at %s: %w", dir, err)
	}

	log.Info("dm.store.badger.open", "dir", dir)
	return &BadgerStore{db: db, log: log, locks: newKeyedMutex()}, nil
}

// Close closes the underlying Badger database.
func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append persists a message with idempotency and monotonic sequence allocation.
func (s *BadgerStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.db == nil {
		return AppendResult{}, OpError{Op: "dm.BadgerStore.Append", Kind: ErrStoreUnavailable, Msg: "store not open"}
	}
	text, err := validateAppend("dm.BadgerStore.Append", in)
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

	s.locks.Lock(in.RoomKey)
	defer s.locks.Unlock(in.RoomKey)

	var out AppendResult
	err = s.db.Update(func(txn *badger.Txn) error {
		if in.ClientMsgID != "" {
			existing, found, err := s.readDuplicate(txn, in.RoomKey, in.ClientMsgID)
			if err != nil {
				return err
			}
			if found {
				out = AppendResult{Message: existing, Duplicated: true}
				return nil
			}
		}

		seq, err := nextSeq(txn, in.RoomKey)
		if err != nil {
			return err
		}

		id, err := NewMessageID(now)
		if err != nil {
			return err
		}

		msg := Message{
			RoomKey:     in.RoomKey,
			ID:          id,
			Seq:         seq,
			SenderID:    in.SenderID,
			ClientMsgID: in.ClientMsgID,
			Text:        text,
			CreatedAt:   now,
		}

		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(logKey(in.RoomKey, seq), raw); err != nil {
			return err
		}
		if in.ClientMsgID != "" {
			if err := txn.Set(dupKey(in.RoomKey, in.ClientMsgID), []byte(seqSuffix(seq))); err != nil {
				return err
			}
		}

		out = AppendResult{Message: msg, Duplicated: false}
		return nil
	})
	if err != nil {
		return AppendResult{}, OpError{Op: "dm.BadgerStore.Append", Kind: ErrStoreUnavailable, Msg: err.Error()}
	}
	return out, nil
}

// Fetch returns messages ordered by seq ASC with paging via AfterSeq.
func (s *BadgerStore) Fetch(ctx context.Context, in FetchInput) (FetchResult, error) {
	if s == nil || s.db == nil {
		return FetchResult{}, OpError{Op: "dm.BadgerStore.Fetch", Kind: ErrStoreUnavailable, Msg: "store not open"}
	}
	if in.RoomKey == "" {
		return FetchResult{}, OpError{Op: "dm.BadgerStore.Fetch", Kind: ErrInvalidParticipant, Msg: "missing room key"}
	}
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}

	limit := clampFetch(in.Limit)
	fetch := limit + 1

	prefix := []byte(badgerLogPrefix + in.RoomKey + "/")
	seek := prefix
	if in.AfterSeq != nil {
		seek = logKey(in.RoomKey, *in.AfterSeq+1)
	}

	msgs := make([]Message, 0, fetch)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.PrefetchSize = fetch

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix) && len(msgs) < fetch; it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var m Message
				if err := json.Unmarshal(v, &m); err != nil {
					return fmt.Errorf("decode message: %w", err)
				}
				msgs = append(msgs, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return FetchResult{}, OpError{Op: "dm.BadgerStore.Fetch", Kind: ErrStoreUnavailable, Msg: err.Error()}
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return FetchResult{Messages: msgs, HasMore: hasMore}, nil
}

func (s *BadgerStore) readDuplicate(txn *badger.Txn, roomKey, clientMsgID string) (Message, bool, error) {
	item, err := txn.Get(dupKey(roomKey, clientMsgID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}

	var seqStr string
	if err := item.Value(func(v []byte) error {
		seqStr = string(v)
		return nil
	}); err != nil {
		return Message{}, false, err
	}

	logItem, err := txn.Get([]byte(badgerLogPrefix + roomKey + "/" + seqStr))
	if err != nil {
		return Message{}, false, err
	}

	var m Message
	if err := logItem.Value(func(v []byte) error {
		return json.Unmarshal(v, &m)
	}); err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func nextSeq(txn *badger.Txn, roomKey string) (int64, error) {
	key := []byte(badgerCurPrefix + roomKey)

	var seq int64
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		seq = 1
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("corrupt cursor for room %s", roomKey)
			}
			seq = int64(binary.BigEndian.Uint64(v)) + 1
			return nil
		}); err != nil {
			return 0, err
		}
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	if err := txn.Set(key, buf[:]); err != nil {
		return 0, err
	}
	return seq, nil
}

func logKey(roomKey string, seq int64) []byte {
	return []byte(badgerLogPrefix + roomKey + "/" + seqSuffix(seq))
}

func dupKey(roomKey, clientMsgID string) []byte {
	return []byte(badgerDupPrefix + roomKey + "/" + clientMsgID)
}

// seqSuffix zero-pads seq so lexicographic key order matches numeric order.
func seqSuffix(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}
