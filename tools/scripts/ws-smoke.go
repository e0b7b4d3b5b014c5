// Package main provides a CI-friendly WebSocket smoke test for the Wren DM
// gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment for two users
//   - peer_select room derivation (both sides land in the same room)
//   - send -> ack
//   - fanout message_new to the peer
//   - history fetch and paging past the end
//   - idempotent dedupe by client_msg_id
//
// Run against a dev server started with static grants, e.g.
//
//	WREN_DM_CREDENTIALS=tok-alice:alice,tok-bob:bob go run ./cmd/wren
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "wren/contracts/dm/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "wren.dm.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		credA   = flag.String("cred-a", "tok-alice", "Credential for the first client")
		credB   = flag.String("cred-b", "tok-bob", "Credential for the second client")
		text    = flag.String("text", "hello from wren 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *credA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *credB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s(%s) B=%s(%s) origin=%q\n", a.userID, a.sessionID, b.userID, b.sessionID, *origin)
	}

	roomA := mustSelectPeer(root, a, b.userID, *timeout)
	roomB := mustSelectPeer(root, b, a.userID, *timeout)
	if roomA != roomB {
		fatalf("room mismatch: A=%q B=%q", roomA, roomB)
	}

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	msgID, seq := mustSendAndAssertAck(root, a, roomA, clientMsgID, *text, *timeout)

	mustAssertNew(root, b, roomA, clientMsgID, msgID, seq, a.userID, *text, *timeout)

	_ = drainOptionalNew(root, a, 750*time.Millisecond)

	mustHistoryFetchContains(root, b, roomA, nil, 50, clientMsgID, msgID, seq, a.userID, *text, *timeout)

	after := seq
	mustHistoryFetchEmpty(root, b, roomA, &after, 50, *timeout)

	_, seq2 := mustSendAndAssertAck(root, a, roomA, clientMsgID, *text, *timeout)
	if seq2 != seq {
		fatalf("dedupe: seq mismatch: first=%d second=%d", seq, seq2)
	}

	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)
	mustAssertNoType(root, a, v1.TypeMessageNew, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s room_key=%s seq=%d msg_id=%s\n", a.userID, b.userID, roomA, seq, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, credential string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Credential: credential}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if strings.TrimSpace(p.UserID) == "" {
		fatalf("hello_ack missing user_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSelectPeer(parent context.Context, c *smokeClient, peerID string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypePeerSelect,
		ID:      fmt.Sprintf("%s-peer-select", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.PeerSelectPayload{PeerID: peerID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	joined := c.mustReadUntilType(parent, v1.TypeRoomJoined, stepTimeout, nil)

	var p v1.RoomJoinedPayload
	if err := json.Unmarshal(joined.Payload, &p); err != nil {
		fatalf("unmarshal room_joined payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.RoomKey) == "" {
		fatalf("room_joined missing room_key (%s)", c.name)
	}
	if p.PeerID != peerID {
		fatalf("room_joined peer mismatch (%s): got=%q want=%q", c.name, p.PeerID, peerID)
	}
	return p.RoomKey
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, roomKey, clientMsgID, text string, stepTimeout time.Duration) (msgID string, seq int64) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			RoomKey:     roomKey,
			ClientMsgID: clientMsgID,
			Text:        text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageNew: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.RoomKey != roomKey {
		fatalf("ack room_key mismatch (%s): got=%q want=%q", c.name, p.RoomKey, roomKey)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MsgID) == "" {
		fatalf("ack missing msg_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	return p.MsgID, p.Seq
}

func mustAssertNew(parent context.Context, c *smokeClient, roomKey, clientMsgID, msgID string, seq int64, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, nil)

	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_new payload (%s): %v", c.name, err)
	}

	if p.RoomKey != roomKey {
		fatalf("new room_key mismatch (%s): got=%q want=%q", c.name, p.RoomKey, roomKey)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("new client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if p.MsgID != msgID {
		fatalf("new msg_id mismatch (%s): got=%q want=%q", c.name, p.MsgID, msgID)
	}
	if p.Seq != seq {
		fatalf("new seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	}
	if p.SenderID != senderID {
		fatalf("new sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.Text != text {
		fatalf("new text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	if p.CreatedAt.IsZero() {
		fatalf("new created_at missing/zero (%s)", c.name)
	}
}

func mustHistoryFetchContains(
	parent context.Context,
	c *smokeClient,
	roomKey string,
	afterSeq *int64,
	limit int,
	clientMsgID, msgID string,
	seq int64,
	senderID, text string,
	stepTimeout time.Duration,
) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{
			RoomKey:  roomKey,
			AfterSeq: afterSeq,
			Limit:    limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, nil)

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history_chunk payload (%s): %v", c.name, err)
	}
	if p.RoomKey != roomKey {
		fatalf("history_chunk room_key mismatch (%s): got=%q want=%q", c.name, p.RoomKey, roomKey)
	}

	found := false
	for _, m := range p.Messages {
		if m.RoomKey == roomKey &&
			m.ClientMsgID == clientMsgID &&
			m.MsgID == msgID &&
			m.Seq == seq &&
			m.SenderID == senderID &&
			m.Text == text &&
			!m.CreatedAt.IsZero() {
			found = true
			break
		}
	}
	if !found {
		fatalf("history_chunk missing expected message (%s)", c.name)
	}
}

func mustHistoryFetchEmpty(parent context.Context, c *smokeClient, roomKey string, afterSeq *int64, limit int, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch-empty", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{
			RoomKey:  roomKey,
			AfterSeq: afterSeq,
			Limit:    limit,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, nil)

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history_chunk payload (%s): %v", c.name, err)
	}
	if p.RoomKey != roomKey {
		fatalf("history_chunk room_key mismatch (%s): got=%q want=%q", c.name, p.RoomKey, roomKey)
	}
	if len(p.Messages) != 0 {
		fatalf("expected empty history chunk (%s), got=%d", c.name, len(p.Messages))
	}
}

func drainOptionalNew(parent context.Context, c *smokeClient, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == v1.TypeMessageNew {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
