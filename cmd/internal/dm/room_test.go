package dm

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recvMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()

	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatalf("message channel closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return Message{}
}

func expectNoMessage(t *testing.T, ch <-chan Message, wait time.Duration) {
	t.Helper()

	select {
	case m, ok := <-ch:
		if ok {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(wait):
	}
}

func TestRoom_BroadcastReachesAllMembers(t *testing.T) {
	room := NewRoom(discardLogger(), "alice_bob")

	a := NewSubscriber("conn-a", 8)
	b := NewSubscriber("conn-b", 8)
	room.Join(a)
	room.Join(b)

	if room.Len() != 2 {
		t.Fatalf("len=%d want 2", room.Len())
	}

	room.Broadcast(Message{RoomKey: "alice_bob", Seq: 1, Text: "hi"})

	for _, sub := range []*Subscriber{a, b} {
		select {
		case m := <-sub.Recv:
			if m.Seq != 1 {
				t.Fatalf("%s: seq=%d want 1", sub.ConnID, m.Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no delivery", sub.ConnID)
		}
	}
}

func TestRoom_LeaveStopsDelivery(t *testing.T) {
	room := NewRoom(discardLogger(), "alice_bob")

	a := NewSubscriber("conn-a", 8)
	room.Join(a)
	room.Leave("conn-a")

	if room.Len() != 0 {
		t.Fatalf("len=%d want 0", room.Len())
	}

	select {
	case <-a.Done():
	default:
		t.Fatalf("expected subscriber to be closed on leave")
	}

	room.Broadcast(Message{RoomKey: "alice_bob", Seq: 1})
	select {
	case m := <-a.Recv:
		t.Fatalf("unexpected delivery after leave: %+v", m)
	default:
	}
}

func TestRoom_LeaveUnknownConnIsNoop(t *testing.T) {
	room := NewRoom(discardLogger(), "alice_bob")
	room.Leave("nobody")
}

func TestRoom_BroadcastDropsOnBackpressure(t *testing.T) {
	room := NewRoom(discardLogger(), "alice_bob")

	a := NewSubscriber("conn-a", 1)
	room.Join(a)

	room.Broadcast(Message{Seq: 1})
	room.Broadcast(Message{Seq: 2}) // dropped, queue is full

	m := <-a.Recv
	if m.Seq != 1 {
		t.Fatalf("seq=%d want 1", m.Seq)
	}
	select {
	case m := <-a.Recv:
		t.Fatalf("expected drop, got %+v", m)
	default:
	}
}

func TestRoom_JoinReplacesPreviousSubscriber(t *testing.T) {
	room := NewRoom(discardLogger(), "alice_bob")

	old := NewSubscriber("conn-a", 8)
	room.Join(old)

	repl := NewSubscriber("conn-a", 8)
	room.Join(repl)

	if room.Len() != 1 {
		t.Fatalf("len=%d want 1", room.Len())
	}

	select {
	case <-old.Done():
	default:
		t.Fatalf("expected replaced subscriber to be closed")
	}

	room.Broadcast(Message{Seq: 1})
	select {
	case <-repl.Recv:
	case <-time.After(time.Second):
		t.Fatalf("replacement subscriber did not receive")
	}
}

func TestRoom_EvictOnlyRemovesMatchingSubscriber(t *testing.T) {
	room := NewRoom(discardLogger(), "alice_bob")

	old := NewSubscriber("conn-a", 8)
	room.Join(old)

	// A rejoin under the same conn id supersedes the old subscriber.
	repl := NewSubscriber("conn-a", 8)
	room.Join(repl)

	// Evicting the superseded subscriber must not touch the replacement.
	room.Evict(old)

	if room.Len() != 1 {
		t.Fatalf("len=%d want 1", room.Len())
	}
	room.Broadcast(Message{Seq: 1})
	select {
	case <-repl.Recv:
	case <-time.After(time.Second):
		t.Fatalf("replacement subscriber lost membership")
	}
}

func TestHub_GetOrCreateRoomIsStable(t *testing.T) {
	hub := NewHub(discardLogger())

	r1 := hub.GetOrCreateRoom("alice_bob")
	r2 := hub.GetOrCreateRoom("alice_bob")
	if r1 != r2 {
		t.Fatalf("expected the same room instance")
	}

	if hub.Room("nope") != nil {
		t.Fatalf("expected nil for unknown room")
	}
	if hub.Room("alice_bob") != r1 {
		t.Fatalf("lookup returned a different room")
	}
}

func TestSubscriber_CloseIsIdempotent(t *testing.T) {
	s := NewSubscriber("conn-a", 4)
	s.Close()
	s.Close()

	select {
	case <-s.Done():
	default:
		t.Fatalf("done not signalled")
	}
}
