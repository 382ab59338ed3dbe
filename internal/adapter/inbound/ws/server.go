// Package ws serves front-end sessions over WebSocket. Each connection is
// one relay session; frames are {"event": name, "data": payload}.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Sentinel-Gate/relaygate/internal/ctxkey"
	"github.com/Sentinel-Gate/relaygate/internal/domain/auth"
	"github.com/Sentinel-Gate/relaygate/internal/domain/event"
	"github.com/Sentinel-Gate/relaygate/internal/port/inbound"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var (
	// ErrConnectionClosed is returned by Emit after the connection closed.
	ErrConnectionClosed = errors.New("session connection closed")
	// ErrSendBufferFull is returned by Emit when the client is not reading.
	ErrSendBufferFull = errors.New("session send buffer full")
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Config configures the session server.
type Config struct {
	// AllowedOrigins lists accepted Origin headers. "*" accepts any origin.
	// Empty means same-origin only. Requests without Origin are accepted.
	AllowedOrigins []string
}

// Server upgrades HTTP requests to session connections.
type Server struct {
	relay    inbound.RelayService
	verifier *auth.KeyVerifier
	upgrader websocket.Upgrader
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// NewServer creates a session server. A nil verifier accepts every caller.
func NewServer(relay inbound.RelayService, verifier *auth.KeyVerifier, cfg Config, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		relay:    relay,
		verifier: verifier,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
	}
	return s
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		// nil selects gorilla's same-origin check.
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// apiKey reads the caller's key from the Authorization header or, for
// browsers that cannot set headers, the api_key query parameter.
func apiKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}

// ServeHTTP authenticates the caller, upgrades the connection and runs the
// session until either side closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.verifier != nil {
		if err := s.verifier.Verify(apiKey(r)); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(ws)
	if !s.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	defer s.untrack(c)

	id := s.relay.Connect(c)
	logger := s.requestLogger(r).With("session_id", id)
	logger.Info("session opened", "remote", r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()

	s.readPump(c, id, logger)

	c.shutdown()
	s.relay.Disconnect(id)
	logger.Info("session closed")
}

// requestLogger prefers the request-scoped logger set by HTTP middleware.
func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return l
	}
	return s.logger
}

func (s *Server) readPump(c *conn, id string, logger *slog.Logger) {
	defer c.ws.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("session read failed", "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			msg, _ := json.Marshal(event.ErrorNotice{Message: "malformed frame"})
			_ = c.Emit(event.NotifyError, msg)
			continue
		}

		// Requests run concurrently; a slow selection must not stall forwards.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.relay.Dispatch(ctx, id, f.Event, f.Data)
		}()
	}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Sessions returns the number of open session connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every session connection and waits for their goroutines,
// or until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = c.ws.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// conn is one front-end connection. It implements inbound.SessionChannel.
type conn struct {
	ws        *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	open      atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

// Emit queues a frame for the write pump. It never blocks.
func (c *conn) Emit(name string, payload json.RawMessage) error {
	if !c.open.Load() {
		return ErrConnectionClosed
	}
	data, err := json.Marshal(Frame{Event: name, Data: payload})
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Open reports whether the connection is still open.
func (c *conn) Open() bool {
	return c.open.Load()
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.closed)
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.closed:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// Compile-time interface verification.
var _ inbound.SessionChannel = (*conn)(nil)
