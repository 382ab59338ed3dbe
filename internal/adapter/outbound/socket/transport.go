// Package socket implements outbound.Transport over gorilla/websocket.
// Each text frame carries one named event as {"event": name, "data": payload}.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Sentinel-Gate/relaygate/internal/domain/event"
	"github.com/Sentinel-Gate/relaygate/internal/port/outbound"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	eventBuffer    = 256
)

// ErrNotConnected is returned by Emit while the link is down.
var ErrNotConnected = errors.New("link not connected")

// Frame is the envelope of every text message on a tenant link.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Transport dials tenant endpoints. It implements outbound.Transport.
type Transport struct {
	dialer *websocket.Dialer
	logger *slog.Logger
	random func() float64
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// NewTransport creates a websocket Transport.
func NewTransport(logger *slog.Logger, opts ...Option) *Transport {
	t := &Transport{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open starts a link to rawURL. The connection is dialed in the background;
// the link's lifetime is independent of ctx.
func (t *Transport) Open(ctx context.Context, rawURL string, header http.Header, policy outbound.ReconnectPolicy) (outbound.Link, error) {
	wsURL, err := WebSocketURL(rawURL)
	if err != nil {
		return nil, err
	}
	linkCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &Link{
		url:    wsURL,
		header: header.Clone(),
		policy: policy,
		dialer: t.dialer,
		random: t.random,
		logger: t.logger.With("link_url", wsURL),
		events: make(chan event.Event, eventBuffer),
		ctx:    linkCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// WebSocketURL maps an http(s) link URL to its ws(s) form.
func WebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse link url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported link url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Link is one websocket connection to a tenant endpoint together with its
// reconnect loop.
type Link struct {
	url    string
	header http.Header
	policy outbound.ReconnectPolicy
	dialer *websocket.Dialer
	random func() float64
	logger *slog.Logger

	events chan event.Event

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Emit writes one event frame. Safe for concurrent use.
func (l *Link) Emit(ctx context.Context, name string, payload json.RawMessage) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil || !l.connected.Load() {
		return ErrNotConnected
	}

	data, err := json.Marshal(Frame{Event: name, Data: payload})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Events returns the link's event stream. It is closed once the link stops.
func (l *Link) Events() <-chan event.Event { return l.events }

// Connected reports whether a connection is currently established.
func (l *Link) Connected() bool { return l.connected.Load() }

// Close stops the reconnect loop, closes the connection and waits for the
// event stream to close. Idempotent.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.connected.Store(false)
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn != nil {
			l.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			l.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	<-l.done
	return nil
}

func (l *Link) run() {
	defer close(l.done)
	defer close(l.events)

	conn, err := l.dial()
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		l.emit(event.ControlWithError(event.ControlConnectError, err))
		if !l.policy.Enabled {
			return
		}
		if conn = l.redial(); conn == nil {
			return
		}
	} else {
		if !l.attach(conn) {
			return
		}
		l.emit(event.Control(event.ControlConnect))
	}

	for {
		reason := l.serve(conn)
		l.detach()
		if l.ctx.Err() != nil {
			return
		}
		l.logger.Debug("link dropped", "reason", reason)
		l.emit(event.Disconnected(reason))
		if !l.policy.Enabled {
			return
		}
		if conn = l.redial(); conn == nil {
			return
		}
	}
}

// redial runs the bounded reconnect loop. It returns nil when attempts are
// exhausted or the link is closed. MaxAttempts <= 0 retries until Close.
func (l *Link) redial() *websocket.Conn {
	for n := 1; l.policy.MaxAttempts <= 0 || n <= l.policy.MaxAttempts; n++ {
		if !l.sleep(l.policy.Delay(n, l.random())) {
			return nil
		}
		l.emit(event.ControlWithAttempt(event.ControlReconnectAttempt, n))
		l.emit(event.ControlWithAttempt(event.ControlReconnecting, n))

		conn, err := l.dial()
		if err == nil {
			if !l.attach(conn) {
				return nil
			}
			l.emit(event.Control(event.ControlReconnect))
			return conn
		}
		if l.ctx.Err() != nil {
			return nil
		}
		l.logger.Debug("reconnect attempt failed", "attempt", n, "error", err)
		l.emit(event.ControlWithError(event.ControlReconnectError, err))
	}
	l.emit(event.Control(event.ControlReconnectFailed))
	return nil
}

func (l *Link) dial() (*websocket.Conn, error) {
	conn, resp, err := l.dialer.DialContext(l.ctx, l.url, l.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// attach publishes conn unless the link was closed while dialing.
func (l *Link) attach(conn *websocket.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		_ = conn.Close()
		return false
	}
	l.conn = conn
	l.connected.Store(true)
	return true
}

func (l *Link) detach() {
	l.connected.Store(false)
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// serve reads frames until the connection fails and returns the reason.
func (l *Link) serve(conn *websocket.Conn) string {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.ping(conn, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Sprintf("server close (%d)", ce.Code)
			}
			return "transport error: " + err.Error()
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			l.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		ev := event.Decode(f.Event, f.Data)
		// Lifecycle events come only from this loop, never from the peer.
		if ev.IsControl() {
			l.logger.Debug("dropping peer frame with reserved name", "event", f.Event)
			continue
		}
		if !l.emit(ev) {
			return "client close"
		}
	}
}

func (l *Link) ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			l.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// emit queues ev in order. It returns false once the link is closed.
func (l *Link) emit(ev event.Event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.ctx.Done():
		return false
	}
}

func (l *Link) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// Compile-time interface verification.
var (
	_ outbound.Transport = (*Transport)(nil)
	_ outbound.Link      = (*Link)(nil)
)
