package dm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"wren/cmd/identity"
)

func newTestProvider() *identity.StaticProvider {
	p := identity.NewStaticProvider()
	p.Grant("tok-alice", "alice")
	p.Grant("tok-bob", "bob")
	return p
}

func newConnectedSession(t *testing.T, c *Channel, credential string) *Session {
	t.Helper()

	s, err := NewSession(discardLogger(), c, newTestProvider())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.Connect(context.Background(), credential); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func TestSession_ConnectMovesToIdle(t *testing.T) {
	s := newConnectedSession(t, NewChannel(discardLogger(), nil, nil), "tok-alice")

	if got := s.State(); got != StateIdle {
		t.Fatalf("state=%v want idle", got)
	}
	if s.UserID() != "alice" {
		t.Fatalf("user=%q want alice", s.UserID())
	}
}

func TestSession_ConnectRejectsBadCredential(t *testing.T) {
	s, err := NewSession(discardLogger(), NewChannel(discardLogger(), nil, nil), newTestProvider())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	err = s.Connect(context.Background(), "tok-wrong")
	if !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state=%v want disconnected after failed auth", got)
	}
}

type slowProvider struct{}

func (slowProvider) Resolve(ctx context.Context, credential string) (identity.Identity, error) {
	<-ctx.Done()
	return identity.Identity{}, ctx.Err()
}

func TestSession_ConnectTimesOutAsAuthError(t *testing.T) {
	s, err := NewSession(discardLogger(), NewChannel(discardLogger(), nil, nil), slowProvider{},
		WithAuthTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	start := time.Now()
	err = s.Connect(context.Background(), "tok")
	if !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("auth timeout not applied")
	}
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state=%v want disconnected", got)
	}
}

func TestSession_SelectPeerBeforeConnectFails(t *testing.T) {
	s, err := NewSession(discardLogger(), NewChannel(discardLogger(), nil, nil), newTestProvider())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if _, err := s.SelectPeer(context.Background(), "bob"); !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestSession_SelectPeerJoinsDerivedRoom(t *testing.T) {
	s := newConnectedSession(t, NewChannel(discardLogger(), nil, nil), "tok-alice")

	key, err := s.SelectPeer(context.Background(), "bob")
	if err != nil {
		t.Fatalf("select peer: %v", err)
	}
	if key != "alice_bob" {
		t.Fatalf("key=%q want alice_bob", key)
	}
	if got := s.State(); got != StateJoined {
		t.Fatalf("state=%v want joined", got)
	}
	if s.RoomKey() != "alice_bob" {
		t.Fatalf("room=%q want alice_bob", s.RoomKey())
	}
}

func TestSession_SelectSelfRejected(t *testing.T) {
	s := newConnectedSession(t, NewChannel(discardLogger(), nil, nil), "tok-alice")

	if _, err := s.SelectPeer(context.Background(), "alice"); !IsInvalidParticipant(err) {
		t.Fatalf("expected invalid participant, got %v", err)
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("state=%v want idle after rejected select", got)
	}
}

func TestSession_SendRequiresJoinedRoom(t *testing.T) {
	s := newConnectedSession(t, NewChannel(discardLogger(), nil, nil), "tok-alice")

	if _, err := s.Send(context.Background(), "", "hi"); !IsNotJoined(err) {
		t.Fatalf("expected not joined, got %v", err)
	}
}

func TestSession_SendRejectsBlankText(t *testing.T) {
	s := newConnectedSession(t, NewChannel(discardLogger(), nil, nil), "tok-alice")

	if _, err := s.SelectPeer(context.Background(), "bob"); err != nil {
		t.Fatalf("select peer: %v", err)
	}
	if _, err := s.Send(context.Background(), "", "   "); !IsEmptyMessage(err) {
		t.Fatalf("expected empty message, got %v", err)
	}
}

func TestSession_SendEchoesToOwnStream(t *testing.T) {
	s := newConnectedSession(t, NewChannel(discardLogger(), nil, nil), "tok-alice")
	ctx := context.Background()

	if _, err := s.SelectPeer(ctx, "bob"); err != nil {
		t.Fatalf("select peer: %v", err)
	}

	res, err := s.Send(ctx, "", "hello bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Message.SenderID != "alice" || res.Message.Seq != 1 {
		t.Fatalf("stored=%+v", res.Message)
	}

	m := recvMessage(t, s.Stream())
	if m.Seq != res.Message.Seq || m.Text != "hello bob" {
		t.Fatalf("stream got %+v", m)
	}
}

func TestSession_TwoSessionsExchangeMessages(t *testing.T) {
	c := NewChannel(discardLogger(), nil, nil)
	ctx := context.Background()

	alice := newConnectedSession(t, c, "tok-alice")
	bob := newConnectedSession(t, c, "tok-bob")

	if _, err := alice.SelectPeer(ctx, "bob"); err != nil {
		t.Fatalf("alice select: %v", err)
	}
	if _, err := bob.SelectPeer(ctx, "alice"); err != nil {
		t.Fatalf("bob select: %v", err)
	}
	if alice.RoomKey() != bob.RoomKey() {
		t.Fatalf("rooms differ: %q vs %q", alice.RoomKey(), bob.RoomKey())
	}

	if _, err := alice.Send(ctx, "", "ping"); err != nil {
		t.Fatalf("alice send: %v", err)
	}

	got := recvMessage(t, bob.Stream())
	if got.Text != "ping" || got.SenderID != "alice" {
		t.Fatalf("bob got %+v", got)
	}
	echo := recvMessage(t, alice.Stream())
	if echo.Text != "ping" {
		t.Fatalf("alice echo %+v", echo)
	}
}

func TestSession_StreamHydratesHistoryBeforeLive(t *testing.T) {
	c := NewChannel(discardLogger(), nil, nil)
	ctx := context.Background()

	seed := newConnectedSession(t, c, "tok-alice")
	if _, err := seed.SelectPeer(ctx, "bob"); err != nil {
		t.Fatalf("seed select: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := seed.Send(ctx, "", fmt.Sprintf("old %d", i)); err != nil {
			t.Fatalf("seed send %d: %v", i, err)
		}
	}

	late := newConnectedSession(t, c, "tok-bob")
	if _, err := late.SelectPeer(ctx, "alice"); err != nil {
		t.Fatalf("late select: %v", err)
	}

	if _, err := seed.Send(ctx, "", "live"); err != nil {
		t.Fatalf("live send: %v", err)
	}

	for want := int64(1); want <= 4; want++ {
		m := recvMessage(t, late.Stream())
		if m.Seq != want {
			t.Fatalf("seq=%d want %d", m.Seq, want)
		}
	}
}

func TestSession_RoomSwitchStopsOldRoomDelivery(t *testing.T) {
	c := NewChannel(discardLogger(), nil, nil)
	ctx := context.Background()

	alice := newConnectedSession(t, c, "tok-alice")
	bob := newConnectedSession(t, c, "tok-bob")

	if _, err := alice.SelectPeer(ctx, "bob"); err != nil {
		t.Fatalf("alice select bob: %v", err)
	}
	if _, err := bob.SelectPeer(ctx, "alice"); err != nil {
		t.Fatalf("bob select alice: %v", err)
	}

	// Bob switches to a different conversation.
	if _, err := bob.SelectPeer(ctx, "carol"); err != nil {
		t.Fatalf("bob select carol: %v", err)
	}
	if bob.RoomKey() != "bob_carol" {
		t.Fatalf("room=%q want bob_carol", bob.RoomKey())
	}

	if _, err := alice.Send(ctx, "", "for the old room"); err != nil {
		t.Fatalf("alice send: %v", err)
	}

	// Nothing from alice_bob may reach bob's stream anymore.
	expectNoMessage(t, bob.Stream(), 150*time.Millisecond)
}

func TestSession_ReselectSamePeerIsNoop(t *testing.T) {
	c := NewChannel(discardLogger(), nil, nil)
	ctx := context.Background()

	s := newConnectedSession(t, c, "tok-alice")
	if _, err := s.SelectPeer(ctx, "bob"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := s.Send(ctx, "", "before"); err != nil {
		t.Fatalf("send: %v", err)
	}
	m := recvMessage(t, s.Stream())

	// Re-selecting the same peer must not re-hydrate or duplicate delivery.
	if _, err := s.SelectPeer(ctx, "bob"); err != nil {
		t.Fatalf("re-select: %v", err)
	}
	expectNoMessage(t, s.Stream(), 150*time.Millisecond)

	if m.Text != "before" {
		t.Fatalf("got %+v", m)
	}
}

type flakyProvider struct {
	failures int32
	userID   string
}

func (p *flakyProvider) Resolve(ctx context.Context, credential string) (identity.Identity, error) {
	if atomic.AddInt32(&p.failures, -1) >= 0 {
		return identity.Identity{}, identity.ErrUnavailable
	}
	return identity.Identity{UserID: p.userID}, nil
}

func TestSession_ResumeRetriesAndRehydrates(t *testing.T) {
	c := NewChannel(discardLogger(), nil, nil)
	ctx := context.Background()

	provider := &flakyProvider{userID: "alice"}
	s, err := NewSession(discardLogger(), c, provider)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.Connect(ctx, "tok-alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := s.SelectPeer(ctx, "bob"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := s.Send(ctx, "", "before drop"); err != nil {
		t.Fatalf("send: %v", err)
	}
	recvMessage(t, s.Stream())

	// Provider fails once during resume, then recovers.
	atomic.StoreInt32(&provider.failures, 1)

	if err := s.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := s.State(); got != StateJoined {
		t.Fatalf("state=%v want joined", got)
	}

	// Resume re-hydrates the room history, so the earlier message comes again.
	m := recvMessage(t, s.Stream())
	if m.Text != "before drop" || m.Seq != 1 {
		t.Fatalf("rehydrated got %+v", m)
	}
}

type revokingProvider struct {
	grantsLeft int32
	userID     string
}

func (p *revokingProvider) Resolve(ctx context.Context, credential string) (identity.Identity, error) {
	if atomic.AddInt32(&p.grantsLeft, -1) >= 0 {
		return identity.Identity{UserID: p.userID}, nil
	}
	return identity.Identity{}, identity.ErrInvalidCredential
}

func TestSession_FailedResumeStopsRoomDelivery(t *testing.T) {
	c := NewChannel(discardLogger(), nil, nil)
	ctx := context.Background()

	provider := &revokingProvider{grantsLeft: 1, userID: "alice"}
	alice, err := NewSession(discardLogger(), c, provider)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer alice.Close()

	if err := alice.Connect(ctx, "tok-alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := alice.SelectPeer(ctx, "bob"); err != nil {
		t.Fatalf("select: %v", err)
	}

	bob := newConnectedSession(t, c, "tok-bob")
	if _, err := bob.SelectPeer(ctx, "alice"); err != nil {
		t.Fatalf("bob select: %v", err)
	}

	// The credential was revoked while alice was away, so Resume fails.
	if err := alice.Resume(ctx); !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if got := alice.State(); got != StateDisconnected {
		t.Fatalf("state=%v want disconnected", got)
	}
	if alice.RoomKey() != "" {
		t.Fatalf("room=%q want empty after failed resume", alice.RoomKey())
	}

	if _, err := bob.Send(ctx, "", "hi after alice dropped"); err != nil {
		t.Fatalf("bob send: %v", err)
	}
	recvMessage(t, bob.Stream())

	// The room subscription is gone with the session.
	expectNoMessage(t, alice.Stream(), 150*time.Millisecond)
}

func TestSession_ResumeWithoutCredentialFails(t *testing.T) {
	s, err := NewSession(discardLogger(), NewChannel(discardLogger(), nil, nil), newTestProvider())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.Resume(context.Background()); !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestSession_CloseIsTerminalAndIdempotent(t *testing.T) {
	c := NewChannel(discardLogger(), nil, nil)
	ctx := context.Background()

	s := newConnectedSession(t, c, "tok-alice")
	if _, err := s.SelectPeer(ctx, "bob"); err != nil {
		t.Fatalf("select: %v", err)
	}

	s.Close()
	s.Close()

	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state=%v want disconnected", got)
	}
	if _, err := s.Send(ctx, "", "late"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected session closed, got %v", err)
	}
	if err := s.Connect(ctx, "tok-alice"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("connect after close: got %v", err)
	}

	// The stream must be closed.
	for range s.Stream() {
	}
}

func TestSession_HistoryPagesJoinedRoom(t *testing.T) {
	c := NewChannel(discardLogger(), nil, nil)
	ctx := context.Background()

	s := newConnectedSession(t, c, "tok-alice")
	if _, err := s.SelectPeer(ctx, "bob"); err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.Send(ctx, "", "x"); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	res, err := s.History(ctx, nil, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(res.Messages) != 2 || !res.HasMore {
		t.Fatalf("len=%d hasMore=%v", len(res.Messages), res.HasMore)
	}
}
