package chatsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// wsServer is a minimal socket endpoint. It answers RPCs and pings by cid and
// hands every accepted connection to the test so frames can be pushed.
type wsServer struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *websocket.Conn

	mu     sync.Mutex
	tokens []string
	rpcs   []socketRPC
}

func newWSServer(t *testing.T) *wsServer {
	ws := &wsServer{t: t, conns: make(chan *websocket.Conn, 4)}
	ws.srv = httptest.NewServer(http.HandlerFunc(ws.handle))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws" {
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		ws.t.Errorf("accept: %v", err)
		return
	}
	ws.mu.Lock()
	ws.tokens = append(ws.tokens, r.URL.Query().Get("token"))
	ws.mu.Unlock()
	ws.conns <- conn

	ctx := context.Background()
	for {
		var env socketEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		reply := socketEnvelope{CID: env.CID}
		switch {
		case env.RPC != nil:
			ws.mu.Lock()
			ws.rpcs = append(ws.rpcs, *env.RPC)
			ws.mu.Unlock()
			reply.RPC = &socketRPC{ID: env.RPC.ID, Payload: "{}"}
		case env.Ping != nil:
			reply.Pong = &struct{}{}
		default:
			continue
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			return
		}
	}
}

func (ws *wsServer) accepted(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ws.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (ws *wsServer) rpcIDs() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]string, len(ws.rpcs))
	for i, r := range ws.rpcs {
		out[i] = r.ID
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSocketDispatch(t *testing.T) {
	ws := newWSServer(t)
	sock := NewSocket(ws.srv.URL, SocketConfig{Token: "session-token"})

	notifs := make(chan Notification, 1)
	streams := make(chan StreamData, 1)
	sock.OnNotification(func(n Notification) { notifs <- n })
	sock.OnStreamData(func(sd StreamData) { streams <- sd })

	ctx := context.Background()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sock.Disconnect()
	server := ws.accepted(t)

	if sock.State() != StateConnected {
		t.Fatalf("expected connected, got %s", sock.State())
	}
	if ws.tokens[0] != "session-token" {
		t.Fatalf("unexpected token %q", ws.tokens[0])
	}

	if err := sock.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := sock.JoinChannelStream(ctx, testChannel); err != nil {
		t.Fatalf("JoinChannelStream: %v", err)
	}

	wsjson.Write(ctx, server, socketEnvelope{Notifications: &notificationsFrame{
		Notifications: []Notification{{ID: "n1", Code: CodeTyping, Content: `{"channel_id":"channel-1","user_id":"u1","is_typing":true}`}},
	}})
	select {
	case n := <-notifs:
		if n.ID != "n1" || n.Code != CodeTyping {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification not dispatched")
	}

	frame := &streamDataFrame{Data: `{"type":"typing","channelId":"channel-1","data":{"userId":"u1","isTyping":true}}`}
	frame.Sender = &struct {
		UserID   string `json:"user_id"`
		Username string `json:"username"`
	}{UserID: "u1"}
	wsjson.Write(ctx, server, socketEnvelope{StreamData: frame})
	select {
	case sd := <-streams:
		if sd.SenderID != "u1" || string(sd.Payload) != frame.Data {
			t.Fatalf("unexpected stream data %+v", sd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream data not dispatched")
	}
}

func TestSocketRequestWhenDisconnected(t *testing.T) {
	sock := NewSocket("http://127.0.0.1:1", SocketConfig{})
	if err := sock.Ping(context.Background()); err == nil {
		t.Fatal("expected an error without a connection")
	}
}

func TestSocketReconnectRejoins(t *testing.T) {
	ws := newWSServer(t)
	sock := NewSocket(ws.srv.URL, SocketConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	})

	var mu sync.Mutex
	var disconnects int
	sock.OnDisconnected(func(int, string) {
		mu.Lock()
		disconnects++
		mu.Unlock()
	})

	ctx := context.Background()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sock.Disconnect()
	first := ws.accepted(t)
	if err := sock.JoinChannelStream(ctx, testChannel); err != nil {
		t.Fatalf("JoinChannelStream: %v", err)
	}

	first.Close(websocket.StatusGoingAway, "restart")
	ws.accepted(t)

	waitFor(t, "stream rejoin", func() bool {
		n := 0
		for _, id := range ws.rpcIDs() {
			if id == SocketRPCJoinStream {
				n++
			}
		}
		return n == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if disconnects == 0 {
		t.Fatal("disconnect handler not called")
	}
}

func TestEngineAttachSocket(t *testing.T) {
	ws := newWSServer(t)
	te := newTestEngine(false)
	sock := NewSocket(ws.srv.URL, SocketConfig{Token: "session-token"})
	te.AttachSocket(sock)

	ctx := context.Background()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := ws.accepted(t)
	waitFor(t, "online", te.Network().Online)

	conv := te.open(t, testChannel)
	waitFor(t, "stream join", func() bool {
		for _, id := range ws.rpcIDs() {
			if id == SocketRPCJoinStream {
				return true
			}
		}
		return false
	})

	n := chatNotification(t, "m-socket", testOther)
	wsjson.Write(ctx, server, socketEnvelope{Notifications: &notificationsFrame{Notifications: []Notification{n}}})
	waitFor(t, "message in view", func() bool { return conv.View().Has("m-socket") })

	sock.Disconnect()
	waitFor(t, "offline", func() bool { return !te.Network().Online() })
}

func TestReconnectorBackoffBudget(t *testing.T) {
	clock := &testClock{now: testEpoch}
	r := newReconnector(&SocketConfig{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: 30 * time.Second, MaxReconnectAttempts: 10})
	r.now = clock.Now

	// Connections that drop within seconds use up the attempt budget.
	for i := 0; i < 10; i++ {
		r.markConnected()
		clock.Advance(5 * time.Second)
		r.markDropped()
		if !r.shouldReconnect() {
			t.Fatalf("reconnect refused after %d short connections", i)
		}
		r.nextDelay()
	}
	r.markConnected()
	clock.Advance(5 * time.Second)
	r.markDropped()
	if r.shouldReconnect() {
		t.Fatal("expected the attempt budget to be exhausted")
	}

	t.Run("stable connection resets the budget", func(t *testing.T) {
		r.markConnected()
		clock.Advance(2 * time.Hour)
		r.markDropped()
		if !r.shouldReconnect() {
			t.Fatal("reconnect refused after a stable connection")
		}
		attempt, delay := r.nextDelay()
		if attempt != 1 || delay < time.Second || delay > 2*time.Second {
			t.Fatalf("expected backoff to start over, got attempt %d delay %v", attempt, delay)
		}
	})

	t.Run("failed dials do not reset the budget", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			clock.Advance(time.Minute)
			r.nextDelay()
		}
		if r.shouldReconnect() {
			t.Fatal("expected failed dials to use up the budget")
		}
	})
}
