package dm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "wren/contracts/dm/v1"
	"wren/cmd/identity"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "wren.dm.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for Wren DM.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and drives one Session per connection through the hello / peer_select /
// message_send / history_fetch protocol.
type WSGateway struct {
	log      *slog.Logger
	channel  *Channel
	provider identity.Provider

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	authTimeout time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// When channel/provider are nil, it falls back to in-memory implementations for dev.
func NewWSGateway(log *slog.Logger, channel *Channel, provider identity.Provider) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if channel == nil {
		channel = NewChannel(log, nil, nil)
	}
	if provider == nil {
		provider = identity.NewStaticProvider()
	}

	g := &WSGateway{log: log, channel: channel, provider: provider}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("WREN_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("WREN_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("WREN_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// IMPORTANT:
	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("WREN_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("WREN_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("WREN_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("WREN_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("WREN_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("WREN_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("WREN_WS_RATE_WINDOW", rateLimitWindow)

	g.authTimeout = envDurationWS("WREN_WS_AUTH_TIMEOUT", defaultAuthTimeout)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the DM loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sess, err := NewSession(g.log, g.channel, g.provider, WithAuthTimeout(g.authTimeout))
	if err != nil {
		g.log.Error("ws.session.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session init failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Control-plane envelopes (acks, errors, history chunks) from the read
	// loop to the writer. Broadcast deliveries arrive via sess.Stream().
	ctrl := make(chan v1.Envelope, g.sendQueueSize)

	var closeOnce sync.Once

	// shutdown is idempotent. Closing the session tears down its room
	// subscription before the connection goes away.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case env := <-ctrl:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", sess.ID(), "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			case m, ok := <-sess.Stream():
				if !ok {
					return
				}
				env := newEnvelope(v1.TypeMessageNew, marshalMessagePayload(m), m.CreatedAt)
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", sess.ID(), "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", sess.ID(), "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, ctrl, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", sess.ID(), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, ctrl, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, ctrl, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, sess, ctrl, env); err != nil {
				g.trySendError(ctx, ctrl, errorCode(err), err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypePeerSelect:
			if err := g.onPeerSelect(ctx, sess, ctrl, env); err != nil {
				g.trySendError(ctx, ctrl, errorCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, sess, ctrl, env, now); err != nil {
				g.trySendError(ctx, ctrl, errorCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeHistoryFetch:
			if err := g.onHistoryFetch(ctx, sess, ctrl, env); err != nil {
				g.trySendError(ctx, ctrl, errorCode(err), err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, ctrl, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, sess *Session, ctrl chan v1.Envelope, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if err := sess.Connect(ctx, p.Credential); err != nil {
		return err
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: sess.ID(), UserID: sess.UserID()})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, ctrl, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onPeerSelect(ctx context.Context, sess *Session, ctrl chan v1.Envelope, env v1.Envelope) error {
	var p v1.PeerSelectPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	key, err := sess.SelectPeer(ctx, strings.TrimSpace(p.PeerID))
	if err != nil {
		return err
	}

	echoPayload, _ := json.Marshal(v1.RoomJoinedPayload{RoomKey: key, PeerID: strings.TrimSpace(p.PeerID)})
	echo := newEnvelope(v1.TypeRoomJoined, echoPayload, time.Now().UTC())

	if !g.enqueue(ctx, ctrl, echo) {
		return errors.New("backpressure: room_joined")
	}
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, sess *Session, ctrl chan v1.Envelope, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.RoomKey) != "" && p.RoomKey != sess.RoomKey() {
		return OpError{Op: "dm.WSGateway.onMessageSend", Kind: ErrNotJoined, Msg: "room_key does not match joined room"}
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return errors.New("missing client_msg_id")
	}

	text := strings.TrimSpace(p.Text)
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	res, err := sess.Send(ctx, p.ClientMsgID, text)
	if err != nil {
		return err
	}

	stored := res.Message

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		RoomKey:     stored.RoomKey,
		ClientMsgID: stored.ClientMsgID,
		MsgID:       stored.ID,
		Seq:         stored.Seq,
	})
	ack := newEnvelope(v1.TypeMessageAck, ackPayload, now)

	if !g.enqueue(ctx, ctrl, ack) {
		return errors.New("backpressure: message_ack")
	}
	return nil
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, sess *Session, ctrl chan v1.Envelope, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.RoomKey) != "" && p.RoomKey != sess.RoomKey() {
		return OpError{Op: "dm.WSGateway.onHistoryFetch", Kind: ErrNotJoined, Msg: "room_key does not match joined room"}
	}

	out, err := sess.History(ctx, p.AfterSeq, p.Limit)
	if err != nil {
		return err
	}

	msgs := make([]v1.MessageNewPayload, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, messagePayload(m))
	}

	chunkPayload, _ := json.Marshal(v1.HistoryChunkPayload{
		RoomKey:  sess.RoomKey(),
		Messages: msgs,
		HasMore:  out.HasMore,
	})
	chunk := newEnvelope(v1.TypeHistoryChunk, chunkPayload, time.Now().UTC())

	if !g.enqueue(ctx, ctrl, chunk) {
		return errors.New("backpressure: history_chunk")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, ctrl chan v1.Envelope, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, ctrl, env)
}

func (g *WSGateway) enqueue(ctx context.Context, ctrl chan v1.Envelope, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case ctrl <- env:
		return true
	default:
		return false
	}
}

// errorCode maps core error kinds to wire error codes.
func errorCode(err error) string {
	switch {
	case IsInvalidParticipant(err):
		return "invalid_participant"
	case IsEmptyMessage(err):
		return "empty_message"
	case IsNotJoined(err):
		return "not_joined"
	case IsAuth(err):
		return "auth_failed"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrChannelDropped):
		return "channel_dropped"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	default:
		return "internal"
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func messagePayload(m Message) v1.MessageNewPayload {
	return v1.MessageNewPayload{
		RoomKey:     m.RoomKey,
		MsgID:       m.ID,
		ClientMsgID: m.ClientMsgID,
		Seq:         m.Seq,
		SenderID:    m.SenderID,
		Text:        m.Text,
		CreatedAt:   m.CreatedAt,
	}
}

func marshalMessagePayload(m Message) json.RawMessage {
	b, _ := json.Marshal(messagePayload(m))
	return b
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
