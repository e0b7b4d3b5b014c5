package dm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"wren/cmd/identity"
)

// SessionState is the connection lifecycle position.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateAuthenticating
	StateIdle
	StateJoined
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

const (
	resumeAttempts    = 3
	resumeBackoffBase = 250 * time.Millisecond
)

// Session binds one connection to the DM core. It owns the state machine
//
//	Disconnected -> Authenticating -> Idle -> Joined(room) -> Disconnected
//
// and holds at most one active room subscription at a time. It is also the
// client-facing facade: select a peer, send, read the stream, close.
//
// All methods are safe for concurrent use, but the intended shape is one
// driver (the transport read loop or the embedding caller) plus one stream
// consumer.
type Session struct {
	log      *slog.Logger
	channel  *Channel
	provider identity.Provider

	id          string
	authTimeout time.Duration

	out chan Message

	mu         sync.Mutex
	state      SessionState
	userID     string
	credential string
	peerID     string
	roomKey    string
	sub        *Subscription
	pumpStop   chan struct{}
	pumpDone   chan struct{}
	closed     bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithAuthTimeout bounds the identity provider round-trip during Connect and
// Resume.
func WithAuthTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.authTimeout = d
		}
	}
}

// WithSessionID overrides the generated connection id (transports that
// already allocated one).
func WithSessionID(id string) SessionOption {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// NewSession constructs a disconnected session over a channel and an
// identity provider.
func NewSession(log *slog.Logger, channel *Channel, provider identity.Provider, opts ...SessionOption) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	if channel == nil {
		channel = NewChannel(log, nil, nil)
	}
	if provider == nil {
		provider = identity.NewStaticProvider()
	}

	id, err := NewConnectionID(time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s := &Session{
		log:         log,
		channel:     channel,
		provider:    provider,
		id:          id,
		authTimeout: defaultAuthTimeout,
		out:         make(chan Message, 256),
		state:       StateDisconnected,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the confirmed user identity, empty before Connect succeeds.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// RoomKey returns the active room key, empty unless Joined.
func (s *Session) RoomKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomKey
}

// Stream exposes the history-then-live message sequence for the currently
// joined room. The channel survives room switches (it is the session's, not
// the subscription's) and is closed by Close.
func (s *Session) Stream() <-chan Message { return s.out }

// Connect establishes the session identity: Disconnected -> Authenticating
// -> Idle. The provider round-trip is bounded by the auth timeout; failures
// and timeouts surface as ErrAuth and leave the session Disconnected.
func (s *Session) Connect(ctx context.Context, credential string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return OpError{Op: "dm.Session.Connect", Kind: ErrSessionClosed}
	}
	if s.state != StateDisconnected {
		st := s.state
		s.mu.Unlock()
		return OpError{Op: "dm.Session.Connect", Kind: ErrAuth, Msg: "connect from state " + st.String()}
	}
	s.state = StateAuthenticating
	s.mu.Unlock()

	ident, err := s.resolveIdentity(ctx, credential)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.state = StateIdle
	s.userID = ident.UserID
	s.credential = credential
	s.mu.Unlock()

	s.log.Info("dm.session.connect", "conn_id", s.id, "user_id", ident.UserID)
	return nil
}

// SelectPeer resolves the DM room for the current user and the peer, then
// moves the session to Joined(room). Switching from another room first tears
// down the old subscription and clears any of its messages still buffered in
// the stream, so the consumer never sees stale-room messages after
// SelectPeer returns. Selecting the already-joined peer is a no-op.
func (s *Session) SelectPeer(ctx context.Context, peerID string) (string, error) {
	return s.selectPeer(ctx, peerID, false)
}

func (s *Session) selectPeer(ctx context.Context, peerID string, force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", OpError{Op: "dm.Session.SelectPeer", Kind: ErrSessionClosed}
	}
	if s.state != StateIdle && s.state != StateJoined {
		return "", OpError{Op: "dm.Session.SelectPeer", Kind: ErrAuth, Msg: "session not established"}
	}

	key, err := ResolveRoom(s.userID, peerID)
	if err != nil {
		return "", err
	}

	if !force && key == s.roomKey && s.sub != nil {
		return key, nil
	}

	s.teardownSubscriptionLocked()
	s.drainStreamLocked()

	sub, err := s.channel.Subscribe(ctx, key, s.id)
	if err != nil {
		s.state = StateIdle
		s.roomKey = ""
		s.peerID = ""
		return "", err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go s.pumpSubscription(sub, stop, done)

	s.sub = sub
	s.pumpStop = stop
	s.pumpDone = done
	s.state = StateJoined
	s.roomKey = key
	s.peerID = peerID

	s.log.Info("dm.session.join", "conn_id", s.id, "room_key", key)
	return key, nil
}

// Send appends a message to the joined room and fans it out, including back
// to this session's own stream. clientMsgID is optional; when empty a fresh
// id is generated, when set a re-send is deduplicated.
func (s *Session) Send(ctx context.Context, clientMsgID, text string) (AppendResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return AppendResult{}, OpError{Op: "dm.Session.Send", Kind: ErrSessionClosed}
	}
	if s.state != StateJoined {
		s.mu.Unlock()
		return AppendResult{}, OpError{Op: "dm.Session.Send", Kind: ErrNotJoined, Msg: "no room selected"}
	}
	roomKey := s.roomKey
	userID := s.userID
	s.mu.Unlock()

	if clientMsgID == "" {
		id, err := NewMessageID(time.Now().UTC())
		if err != nil {
			return AppendResult{}, OpError{Op: "dm.Session.Send", Kind: ErrStoreUnavailable, Msg: "id generation failed"}
		}
		clientMsgID = id
	}

	return s.channel.Publish(ctx, AppendInput{
		RoomKey:     roomKey,
		SenderID:    userID,
		ClientMsgID: clientMsgID,
		Text:        text,
	})
}

// History returns a window of the joined room's log, for transports that
// page explicitly on top of the hydrated stream.
func (s *Session) History(ctx context.Context, afterSeq *int64, limit int) (FetchResult, error) {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return FetchResult{}, OpError{Op: "dm.Session.History", Kind: ErrNotJoined, Msg: "no room selected"}
	}
	roomKey := s.roomKey
	s.mu.Unlock()

	return s.channel.History(ctx, FetchInput{RoomKey: roomKey, AfterSeq: afterSeq, Limit: limit})
}

// Resume re-establishes the session after an unexpected drop: it
// re-authenticates with the stored credential (with backoff) and, if a room
// was joined, re-subscribes and re-hydrates its history so no gap is
// silently skipped.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return OpError{Op: "dm.Session.Resume", Kind: ErrSessionClosed}
	}
	credential := s.credential
	peerID := s.peerID
	s.state = StateAuthenticating
	s.mu.Unlock()

	if credential == "" {
		s.mu.Lock()
		s.disconnectLocked()
		s.mu.Unlock()
		return OpError{Op: "dm.Session.Resume", Kind: ErrAuth, Msg: "no credential to resume with"}
	}

	var (
		ident identity.Identity
		err   error
	)
	backoff := resumeBackoffBase
	for attempt := 1; attempt <= resumeAttempts; attempt++ {
		ident, err = s.resolveIdentity(ctx, credential)
		if err == nil {
			break
		}
		if !IsRetryable(err) {
			break
		}
		s.log.Info("dm.session.resume.retry", "conn_id", s.id, "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			continue
		}
		break
	}
	if err != nil {
		s.mu.Lock()
		s.disconnectLocked()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.state = StateIdle
	s.userID = ident.UserID
	s.mu.Unlock()

	if peerID == "" {
		return nil
	}
	_, err = s.selectPeer(ctx, peerID, true)
	return err
}

// Close tears down the subscription and the stream: any state -> Disconnected.
// Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	s.teardownSubscriptionLocked()
	close(s.out)

	s.state = StateDisconnected
	s.roomKey = ""
	s.peerID = ""

	s.log.Info("dm.session.close", "conn_id", s.id)
}

// resolveIdentity runs the provider with the auth timeout applied and maps
// failures into the session error taxonomy.
func (s *Session) resolveIdentity(ctx context.Context, credential string) (identity.Identity, error) {
	authCtx, cancel := context.WithTimeout(ctx, s.authTimeout)
	defer cancel()

	ident, err := s.provider.Resolve(authCtx, credential)
	if err != nil {
		msg := "identity provider rejected credential"
		if identityRetryable(err) {
			msg = "identity provider unreachable"
		}
		return identity.Identity{}, OpError{Op: "dm.Session.Authenticate", Kind: ErrAuth, Msg: msg}
	}
	if ident.UserID == "" {
		return identity.Identity{}, OpError{Op: "dm.Session.Authenticate", Kind: ErrAuth, Msg: "provider returned empty user id"}
	}
	return ident, nil
}

func identityRetryable(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, identity.ErrUnavailable)
}

// disconnectLocked moves the session to Disconnected: the subscription is
// torn down, buffered messages dropped and the room binding cleared, so no
// further fan-out reaches the stream. Callers hold s.mu.
func (s *Session) disconnectLocked() {
	s.teardownSubscriptionLocked()
	s.drainStreamLocked()
	s.state = StateDisconnected
	s.roomKey = ""
	s.peerID = ""
}

// teardownSubscriptionLocked stops the pump and cancels the current
// subscription. Callers hold s.mu.
func (s *Session) teardownSubscriptionLocked() {
	if s.pumpStop != nil {
		close(s.pumpStop)
		<-s.pumpDone
		s.pumpStop = nil
		s.pumpDone = nil
	}
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
}

// drainStreamLocked discards messages buffered for a previous room so the
// consumer never renders them under the new room. Callers hold s.mu after
// the pump has stopped.
func (s *Session) drainStreamLocked() {
	for {
		select {
		case <-s.out:
		default:
			return
		}
	}
}

// pumpSubscription copies one subscription's stream into the session stream.
func (s *Session) pumpSubscription(sub *Subscription, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case m, ok := <-sub.Messages():
			if !ok {
				// Subscription ended underneath us; the owner decides whether
				// to Resume.
				s.log.Info("dm.session.subscription.dropped", "conn_id", s.id, "room_key", sub.RoomKey)
				return
			}
			select {
			case s.out <- m:
			case <-stop:
				return
			}
		}
	}
}
