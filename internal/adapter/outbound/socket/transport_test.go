package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/relaygate/internal/domain/event"
	"github.com/Sentinel-Gate/relaygate/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// tenantServer accepts agent links. handle runs per connection; nil
// answers every login with login_success.
func tenantServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	if handle == nil {
		handle = func(conn *websocket.Conn, r *http.Request) { echoLogins(conn) }
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
}

func echoLogins(conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Event == event.Login {
			var p event.LoginPayload
			_ = json.Unmarshal(f.Data, &p)
			reply, _ := json.Marshal(event.LoginReply{AgentID: p.AgentID})
			_ = conn.WriteJSON(Frame{Event: event.LoginSuccess, Data: reply})
		}
	}
}

func httpURL(srv *httptest.Server) string {
	return srv.URL + "/agents"
}

func fastPolicy(enabled bool, attempts int) outbound.ReconnectPolicy {
	return outbound.ReconnectPolicy{
		Enabled:     enabled,
		MaxAttempts: attempts,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
	}
}

// next returns the next event or fails after a timeout.
func next(t *testing.T, l outbound.Link) event.Event {
	t.Helper()
	select {
	case ev, ok := <-l.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for link event")
	}
	return event.Event{}
}

func expectControl(t *testing.T, l outbound.Link, want event.ControlKind) event.Event {
	t.Helper()
	ev := next(t, l)
	if !ev.IsControl() || ev.Control != want {
		t.Fatalf("event = %v, want control:%s", ev, want)
	}
	return ev
}

func expectClosed(t *testing.T, l outbound.Link) {
	t.Helper()
	select {
	case ev, ok := <-l.Events():
		if ok {
			t.Fatalf("unexpected event %v, want closed channel", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestWebSocketURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://h:8080/agents", want: "ws://h:8080/agents"},
		{in: "https://h:8443/agents", want: "wss://h:8443/agents"},
		{in: "ws://h/agents", want: "ws://h/agents"},
		{in: "wss://h/agents", want: "wss://h/agents"},
		{in: "ftp://h/agents", wantErr: true},
		{in: "://bad", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := WebSocketURL(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("WebSocketURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("WebSocketURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLink_ConnectEmitAndReceive(t *testing.T) {
	defer goleak.VerifyNone(t)

	var gotAuth atomic.Value
	srv := tenantServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		echoLogins(conn)
	})
	defer srv.Close()

	tr := NewTransport(testLogger())
	header := http.Header{}
	header.Set("Authorization", "Bearer k")
	l, err := tr.Open(context.Background(), httpURL(srv), header, fastPolicy(true, 3))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	expectControl(t, l, event.ControlConnect)
	if !l.Connected() {
		t.Fatal("Connected() = false after connect")
	}
	if got, _ := gotAuth.Load().(string); got != "Bearer k" {
		t.Errorf("server saw Authorization %q, want %q", got, "Bearer k")
	}

	payload := json.RawMessage(`{"agentId":"A","password":"p"}`)
	if err := l.Emit(context.Background(), event.Login, payload); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	ev := next(t, l)
	if ev.IsControl() || ev.Name != event.LoginSuccess {
		t.Fatalf("event = %v, want login_success", ev)
	}
	if !strings.Contains(string(ev.Payload), `"agentId":"A"`) {
		t.Errorf("payload = %s", ev.Payload)
	}
}

func TestLink_InitialDialFailureWithoutReconnection(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := tenantServer(t, nil)
	addr := httpURL(srv)
	srv.Close()

	l, err := NewTransport(testLogger()).Open(context.Background(), addr, nil, fastPolicy(false, 0))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	ev := expectControl(t, l, event.ControlConnectError)
	if ev.Err == nil {
		t.Error("connect_error without cause")
	}
	expectClosed(t, l)
	if err := l.Emit(context.Background(), "chat", nil); err == nil {
		t.Error("Emit() on a failed link succeeded")
	}
}

func TestLink_ReconnectsAfterDrop(t *testing.T) {
	defer goleak.VerifyNone(t)

	var conns atomic.Int32
	srv := tenantServer(t, func(conn *websocket.Conn, r *http.Request) {
		if conns.Add(1) == 1 {
			// Drop the first connection immediately.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	l, err := NewTransport(testLogger()).Open(context.Background(), httpURL(srv), nil, fastPolicy(true, 3))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	expectControl(t, l, event.ControlConnect)
	expectControl(t, l, event.ControlDisconnect)
	if ev := expectControl(t, l, event.ControlReconnectAttempt); ev.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", ev.Attempt)
	}
	expectControl(t, l, event.ControlReconnecting)
	expectControl(t, l, event.ControlReconnect)
	if !l.Connected() {
		t.Error("Connected() = false after reconnect")
	}
}

func TestLink_ReconnectExhausted(t *testing.T) {
	defer goleak.VerifyNone(t)

	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	l, err := NewTransport(testLogger()).Open(context.Background(), httpURL(srv), nil, fastPolicy(true, 2))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	expectControl(t, l, event.ControlConnect)
	expectControl(t, l, event.ControlDisconnect)
	for n := 1; n <= 2; n++ {
		if ev := expectControl(t, l, event.ControlReconnectAttempt); ev.Attempt != n {
			t.Errorf("attempt = %d, want %d", ev.Attempt, n)
		}
		expectControl(t, l, event.ControlReconnecting)
		ev := expectControl(t, l, event.ControlReconnectError)
		if ev.Err == nil || !strings.Contains(ev.Err.Error(), "503") {
			t.Errorf("reconnect_error = %v, want status 503", ev.Err)
		}
	}
	expectControl(t, l, event.ControlReconnectFailed)
	expectClosed(t, l)
}

func TestLink_DropsPeerLifecycleFrames(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := tenantServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteJSON(Frame{Event: "reconnect"})
		_ = conn.WriteJSON(Frame{Event: "disconnect"})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(Frame{Event: "error", Data: json.RawMessage(`{"message":"agent busy"}`)})
		_ = conn.WriteJSON(Frame{Event: "chat", Data: json.RawMessage(`{"text":"hi"}`)})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	l, err := NewTransport(testLogger()).Open(context.Background(), httpURL(srv), nil, fastPolicy(true, 1))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	expectControl(t, l, event.ControlConnect)
	ev := next(t, l)
	if ev.IsControl() || ev.Name != "error" || string(ev.Payload) != `{"message":"agent busy"}` {
		t.Fatalf("event = %v (%s), want peer error payload", ev, ev.Payload)
	}
	ev = next(t, l)
	if ev.IsControl() || ev.Name != "chat" {
		t.Fatalf("event = %v, want chat", ev)
	}
}

func TestLink_CloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := tenantServer(t, nil)
	defer srv.Close()

	l, err := NewTransport(testLogger()).Open(context.Background(), httpURL(srv), nil, fastPolicy(true, 3))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	expectControl(t, l, event.ControlConnect)

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	expectClosed(t, l)
	if l.Connected() {
		t.Error("Connected() = true after Close")
	}
	if err := l.Emit(context.Background(), "chat", nil); err != ErrNotConnected {
		t.Errorf("Emit() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestTransport_OpenRejectsBadScheme(t *testing.T) {
	t.Parallel()

	if _, err := NewTransport(testLogger()).Open(context.Background(), "ftp://h/agents", nil, fastPolicy(false, 0)); err == nil {
		t.Error("Open() with ftp url succeeded")
	}
}
