package dm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	v1 "wren/contracts/dm/v1"
	"wren/cmd/identity"

	"github.com/coder/websocket"
)

func newGatewayServer(t *testing.T) *httptest.Server {
	t.Helper()

	provider := identity.NewStaticProvider()
	provider.Grant("tok-alice", "alice")
	provider.Grant("tok-bob", "bob")

	gw := NewWSGateway(discardLogger(), NewChannel(discardLogger(), nil, nil), provider)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv
}

func dialGateway(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		// The dialer does not send Origin on its own and the gateway requires one.
		HTTPHeader: http.Header{"Origin": []string{srv.URL}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: NewRandomHex(8), TS: time.Now().UTC(), Payload: b}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// awaitEnvelope reads until an envelope of the wanted type arrives, skipping
// interleaved deliveries of other types (ack vs broadcast order is not fixed).
func awaitEnvelope(t *testing.T, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", typ, err)
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == typ {
			return env
		}
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			t.Fatalf("got error envelope while waiting for %s: %s %s", typ, p.Code, p.Message)
		}
	}
	t.Fatalf("timed out waiting for %s", typ)
	return v1.Envelope{}
}

func helloGateway(t *testing.T, conn *websocket.Conn, credential string) v1.HelloAckPayload {
	t.Helper()

	sendEnvelope(t, conn, v1.TypeHello, v1.HelloPayload{Credential: credential})
	env := awaitEnvelope(t, conn, v1.TypeHelloAck)

	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("unmarshal hello_ack: %v", err)
	}
	return ack
}

func TestWSGateway_HelloPeerSelectSend(t *testing.T) {
	srv := newGatewayServer(t)
	conn := dialGateway(t, srv)

	ack := helloGateway(t, conn, "tok-alice")
	if ack.UserID != "alice" || ack.SessionID == "" {
		t.Fatalf("hello_ack=%+v", ack)
	}

	sendEnvelope(t, conn, v1.TypePeerSelect, v1.PeerSelectPayload{PeerID: "bob"})
	joined := awaitEnvelope(t, conn, v1.TypeRoomJoined)

	var jp v1.RoomJoinedPayload
	if err := json.Unmarshal(joined.Payload, &jp); err != nil {
		t.Fatalf("unmarshal room_joined: %v", err)
	}
	if jp.RoomKey != "alice_bob" {
		t.Fatalf("room_key=%q want alice_bob", jp.RoomKey)
	}

	sendEnvelope(t, conn, v1.TypeMessageSend, v1.MessageSendPayload{
		RoomKey: "alice_bob", ClientMsgID: "c-1", Text: "hello bob",
	})

	ackEnv := awaitEnvelope(t, conn, v1.TypeMessageAck)
	var ma v1.MessageAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ma); err != nil {
		t.Fatalf("unmarshal message_ack: %v", err)
	}
	if ma.Seq != 1 || ma.ClientMsgID != "c-1" || ma.MsgID == "" {
		t.Fatalf("message_ack=%+v", ma)
	}

	newEnv := awaitEnvelope(t, conn, v1.TypeMessageNew)
	var mn v1.MessageNewPayload
	if err := json.Unmarshal(newEnv.Payload, &mn); err != nil {
		t.Fatalf("unmarshal message_new: %v", err)
	}
	if mn.Text != "hello bob" || mn.SenderID != "alice" || mn.Seq != 1 {
		t.Fatalf("message_new=%+v", mn)
	}
}

func TestWSGateway_DeliversBetweenTwoConnections(t *testing.T) {
	srv := newGatewayServer(t)

	alice := dialGateway(t, srv)
	bob := dialGateway(t, srv)

	helloGateway(t, alice, "tok-alice")
	helloGateway(t, bob, "tok-bob")

	sendEnvelope(t, alice, v1.TypePeerSelect, v1.PeerSelectPayload{PeerID: "bob"})
	awaitEnvelope(t, alice, v1.TypeRoomJoined)
	sendEnvelope(t, bob, v1.TypePeerSelect, v1.PeerSelectPayload{PeerID: "alice"})
	awaitEnvelope(t, bob, v1.TypeRoomJoined)

	sendEnvelope(t, alice, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "c-1", Text: "ping"})
	awaitEnvelope(t, alice, v1.TypeMessageAck)

	env := awaitEnvelope(t, bob, v1.TypeMessageNew)
	var mn v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &mn); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if mn.Text != "ping" || mn.SenderID != "alice" {
		t.Fatalf("bob got %+v", mn)
	}
}

func TestWSGateway_LateJoinerGetsHistoryThenLive(t *testing.T) {
	srv := newGatewayServer(t)

	alice := dialGateway(t, srv)
	helloGateway(t, alice, "tok-alice")
	sendEnvelope(t, alice, v1.TypePeerSelect, v1.PeerSelectPayload{PeerID: "bob"})
	awaitEnvelope(t, alice, v1.TypeRoomJoined)

	sendEnvelope(t, alice, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "c-1", Text: "first"})
	awaitEnvelope(t, alice, v1.TypeMessageAck)
	sendEnvelope(t, alice, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "c-2", Text: "second"})
	awaitEnvelope(t, alice, v1.TypeMessageAck)

	bob := dialGateway(t, srv)
	helloGateway(t, bob, "tok-bob")
	sendEnvelope(t, bob, v1.TypePeerSelect, v1.PeerSelectPayload{PeerID: "alice"})
	awaitEnvelope(t, bob, v1.TypeRoomJoined)

	for want := int64(1); want <= 2; want++ {
		env := awaitEnvelope(t, bob, v1.TypeMessageNew)
		var mn v1.MessageNewPayload
		if err := json.Unmarshal(env.Payload, &mn); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if mn.Seq != want {
			t.Fatalf("seq=%d want %d", mn.Seq, want)
		}
	}
}

func TestWSGateway_HistoryFetchReturnsChunk(t *testing.T) {
	srv := newGatewayServer(t)
	conn := dialGateway(t, srv)

	helloGateway(t, conn, "tok-alice")
	sendEnvelope(t, conn, v1.TypePeerSelect, v1.PeerSelectPayload{PeerID: "bob"})
	awaitEnvelope(t, conn, v1.TypeRoomJoined)

	for _, id := range []string{"c-1", "c-2", "c-3"} {
		sendEnvelope(t, conn, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: id, Text: "m " + id})
		awaitEnvelope(t, conn, v1.TypeMessageAck)
	}

	sendEnvelope(t, conn, v1.TypeHistoryFetch, v1.HistoryFetchPayload{Limit: 2})
	env := awaitEnvelope(t, conn, v1.TypeHistoryChunk)

	var chunk v1.HistoryChunkPayload
	if err := json.Unmarshal(env.Payload, &chunk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(chunk.Messages) != 2 || !chunk.HasMore || chunk.RoomKey != "alice_bob" {
		t.Fatalf("chunk=%+v", chunk)
	}
}

func TestWSGateway_SendBeforeJoinReturnsError(t *testing.T) {
	srv := newGatewayServer(t)
	conn := dialGateway(t, srv)

	helloGateway(t, conn, "tok-alice")
	sendEnvelope(t, conn, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "c-1", Text: "early"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != v1.TypeError {
		t.Fatalf("type=%q want error", env.Type)
	}
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Code != "not_joined" {
		t.Fatalf("code=%q want not_joined", p.Code)
	}
}

func TestWSGateway_BadCredentialClosesConnection(t *testing.T) {
	srv := newGatewayServer(t)
	conn := dialGateway(t, srv)

	sendEnvelope(t, conn, v1.TypeHello, v1.HelloPayload{Credential: "tok-wrong"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// First an error envelope, then the server closes the socket.
	sawAuthError := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !sawAuthError {
				t.Fatalf("connection closed without auth error: %v", err)
			}
			if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
				t.Fatalf("close status=%v want policy violation", websocket.CloseStatus(err))
			}
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			if p.Code != "auth_failed" {
				t.Fatalf("code=%q want auth_failed", p.Code)
			}
			sawAuthError = true
		}
	}
}

func TestWSGateway_RejectsMissingSubprotocol(t *testing.T) {
	srv := newGatewayServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{srv.URL}},
	})
	if err != nil {
		// Some handshakes surface the rejection at dial time already.
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusProtocolError {
		t.Fatalf("close status=%v want protocol error", websocket.CloseStatus(err))
	}
}

func TestWSGateway_RejectsForeignOrigin(t *testing.T) {
	srv := newGatewayServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   http.Header{"Origin": []string{"http://evil.example"}},
	})
	if err == nil {
		t.Fatalf("expected dial to fail for foreign origin")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d want 403", resp.StatusCode)
	}
}

func TestWSGateway_RoomMismatchRejected(t *testing.T) {
	srv := newGatewayServer(t)
	conn := dialGateway(t, srv)

	helloGateway(t, conn, "tok-alice")
	sendEnvelope(t, conn, v1.TypePeerSelect, v1.PeerSelectPayload{PeerID: "bob"})
	awaitEnvelope(t, conn, v1.TypeRoomJoined)

	sendEnvelope(t, conn, v1.TypeMessageSend, v1.MessageSendPayload{
		RoomKey: "alice_carol", ClientMsgID: "c-1", Text: "misrouted",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != v1.TypeError {
		t.Fatalf("type=%q want error", env.Type)
	}
}
