package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/relaygate/internal/domain/event"
	"github.com/Sentinel-Gate/relaygate/internal/domain/tenant"
	"github.com/Sentinel-Gate/relaygate/internal/port/inbound"
	"github.com/Sentinel-Gate/relaygate/internal/port/outbound"
)

var errNotConnected = errors.New("link not connected")

// --- Fake Link ---

type emission struct {
	name    string
	payload json.RawMessage
}

// fakeLink implements outbound.Link. Events are pushed by tests.
type fakeLink struct {
	url    string
	header http.Header
	policy outbound.ReconnectPolicy

	events chan event.Event

	mu        sync.Mutex
	connected bool
	closed    bool
	emitted   []emission
	onEmit    func(l *fakeLink, name string, payload json.RawMessage)
}

func newFakeLink(url string, header http.Header, policy outbound.ReconnectPolicy) *fakeLink {
	return &fakeLink{
		url:    url,
		header: header,
		policy: policy,
		events: make(chan event.Event, 256),
	}
}

func (l *fakeLink) Emit(ctx context.Context, name string, payload json.RawMessage) error {
	l.mu.Lock()
	if l.closed || !l.connected {
		l.mu.Unlock()
		return errNotConnected
	}
	l.emitted = append(l.emitted, emission{name: name, payload: append(json.RawMessage(nil), payload...)})
	hook := l.onEmit
	l.mu.Unlock()
	if hook != nil {
		hook(l, name, payload)
	}
	return nil
}

func (l *fakeLink) Events() <-chan event.Event { return l.events }

func (l *fakeLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected && !l.closed
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.connected = false
		close(l.events)
	}
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// push queues ev unless the link is closed.
func (l *fakeLink) push(ev event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.events <- ev
}

func (l *fakeLink) setConnected(v bool) {
	l.mu.Lock()
	l.connected = v
	l.mu.Unlock()
}

func (l *fakeLink) connect() {
	l.setConnected(true)
	l.push(event.Control(event.ControlConnect))
}

func (l *fakeLink) drop(reason string) {
	l.setConnected(false)
	l.push(event.Disconnected(reason))
}

func (l *fakeLink) reconnect() {
	l.setConnected(true)
	l.push(event.Control(event.ControlReconnect))
}

func (l *fakeLink) emissions() []emission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]emission(nil), l.emitted...)
}

func (l *fakeLink) emittedNames() []string {
	var names []string
	for _, e := range l.emissions() {
		names = append(names, e.name)
	}
	return names
}

// loginAgents returns the agentId of every login emitted, in order.
func (l *fakeLink) loginAgents() []string {
	var ids []string
	for _, e := range l.emissions() {
		if e.name != event.Login {
			continue
		}
		var p event.LoginPayload
		_ = json.Unmarshal(e.payload, &p)
		ids = append(ids, p.AgentID)
	}
	return ids
}

var _ outbound.Link = (*fakeLink)(nil)

// --- Fake Transport ---

// fakeTransport implements outbound.Transport and records every link.
type fakeTransport struct {
	mu      sync.Mutex
	links   []*fakeLink
	openErr error
	// overlap is set when a link was opened while an earlier one was open.
	overlap bool

	// autoConnect marks new links connected and queues a connect event.
	autoConnect bool
	// onOpen runs after the link is recorded.
	onOpen func(l *fakeLink)
	// responder is installed as every link's onEmit hook.
	responder func(l *fakeLink, name string, payload json.RawMessage)
}

func (tr *fakeTransport) Open(ctx context.Context, url string, header http.Header, policy outbound.ReconnectPolicy) (outbound.Link, error) {
	tr.mu.Lock()
	if tr.openErr != nil {
		tr.mu.Unlock()
		return nil, tr.openErr
	}
	for _, prev := range tr.links {
		if !prev.isClosed() {
			tr.overlap = true
		}
	}
	l := newFakeLink(url, header, policy)
	l.onEmit = tr.responder
	if tr.autoConnect {
		l.connected = true
		l.events <- event.Control(event.ControlConnect)
	}
	tr.links = append(tr.links, l)
	hook := tr.onOpen
	tr.mu.Unlock()

	if hook != nil {
		hook(l)
	}
	return l, nil
}

func (tr *fakeTransport) count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.links)
}

func (tr *fakeTransport) link(i int) *fakeLink {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if i < 0 {
		i = len(tr.links) + i
	}
	if i < 0 || i >= len(tr.links) {
		return nil
	}
	return tr.links[i]
}

func (tr *fakeTransport) overlapped() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.overlap
}

var _ outbound.Transport = (*fakeTransport)(nil)

// loginResponder answers login with login_success, or login_error for
// agents listed in reject.
func loginResponder(reject func(agentID string) string) func(l *fakeLink, name string, payload json.RawMessage) {
	return func(l *fakeLink, name string, payload json.RawMessage) {
		if name != event.Login {
			return
		}
		var p event.LoginPayload
		_ = json.Unmarshal(payload, &p)
		if reject != nil {
			if msg := reject(p.AgentID); msg != "" {
				body, _ := json.Marshal(event.LoginReply{AgentID: p.AgentID, Error: msg})
				l.push(event.Application(event.LoginError, body))
				return
			}
		}
		body, _ := json.Marshal(event.LoginReply{AgentID: p.AgentID})
		l.push(event.Application(event.LoginSuccess, body))
	}
}

// --- Recording session channel ---

type received struct {
	name    string
	payload json.RawMessage
}

// recordingChannel implements inbound.SessionChannel.
type recordingChannel struct {
	mu     sync.Mutex
	events []received
	closed bool
}

func (c *recordingChannel) Emit(name string, payload json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, received{name: name, payload: append(json.RawMessage(nil), payload...)})
	return nil
}

func (c *recordingChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *recordingChannel) named(name string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, e := range c.events {
		if e.name == name {
			out = append(out, e.payload)
		}
	}
	return out
}

func (c *recordingChannel) count(name string) int {
	return len(c.named(name))
}

// errorMessages returns the message of every error event received.
func (c *recordingChannel) errorMessages() []string {
	var msgs []string
	for _, p := range c.named(event.NotifyError) {
		var n event.ErrorNotice
		_ = json.Unmarshal(p, &n)
		msgs = append(msgs, n.Message)
	}
	return msgs
}

var _ inbound.SessionChannel = (*recordingChannel)(nil)

// --- Fake stores ---

type fakeProfiles struct {
	profiles map[string]*tenant.Profile
}

func (f *fakeProfiles) Resolve(ctx context.Context, tenantID string) (*tenant.Profile, error) {
	p, ok := f.profiles[tenantID]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	return p.Clone(), nil
}

type fakeCredentials struct {
	mu        sync.Mutex
	passwords map[string]string // tenantID/agentID -> password
}

func (f *fakeCredentials) Find(ctx context.Context, tenantID, agentID string) (*tenant.AgentCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pw, ok := f.passwords[tenantID+"/"+agentID]
	if !ok {
		return nil, nil
	}
	return &tenant.AgentCredential{TenantID: tenantID, AgentID: agentID, Password: pw}, nil
}

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) AccessToken(ctx context.Context, p *tenant.Profile) (string, error) {
	return f.token, f.err
}

// --- Test Helpers ---

func testRelayLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRelayConfig() RelayConfig {
	return RelayConfig{
		Link: LinkConfig{
			DefaultAgentPort: 8080,
			AgentPath:        "/agents",
			SelectTimeout:    2 * time.Second,
			Reconnect: outbound.ReconnectPolicy{
				Enabled:     true,
				MaxAttempts: 3,
				BaseDelay:   10 * time.Millisecond,
				MaxDelay:    50 * time.Millisecond,
			},
			FallbackAttempts:  2,
			FallbackBaseDelay: 10 * time.Millisecond,
			FallbackMaxDelay:  20 * time.Millisecond,
		},
		ForwardWait:  300 * time.Millisecond,
		LoginTimeout: 300 * time.Millisecond,
	}
}

func staticProfile(id, endpoint string) *tenant.Profile {
	return &tenant.Profile{ID: id, Endpoint: endpoint, AuthMode: tenant.AuthModeStaticKey, StaticKey: "k"}
}

type relayFixture struct {
	svc       *RelayService
	transport *fakeTransport
	profiles  *fakeProfiles
	creds     *fakeCredentials
	metrics   *Metrics
}

func newRelayFixture(t *testing.T, tr *fakeTransport, cfg RelayConfig) *relayFixture {
	t.Helper()
	f := &relayFixture{
		transport: tr,
		profiles: &fakeProfiles{profiles: map[string]*tenant.Profile{
			"T":  staticProfile("T", "http://h:3000"),
			"T2": staticProfile("T2", "http://h2:3000"),
		}},
		creds: &fakeCredentials{passwords: map[string]string{
			"T/A":  "p",
			"T/A1": "p1",
			"T/A2": "p2",
		}},
	}
	f.svc = NewRelayService(cfg, Dependencies{
		Profiles:    f.profiles,
		Credentials: f.creds,
		Transport:   tr,
		Tokens:      &fakeTokens{token: "oauth-token"},
	}, testRelayLogger())
	return f
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// connectSession registers a new session and returns its id and channel.
func (f *relayFixture) connectSession() (string, *recordingChannel) {
	ch := &recordingChannel{}
	return f.svc.Connect(ch), ch
}

func (f *relayFixture) selectTenant(t *testing.T, sessionID, tenantID string) {
	t.Helper()
	f.svc.Dispatch(context.Background(), sessionID, event.RequestSelectTenant, mustJSON(t, event.SelectTenantRequest{TenantID: tenantID}))
}

func (f *relayFixture) forward(t *testing.T, sessionID string, req event.ForwardRequest) {
	t.Helper()
	f.svc.Dispatch(context.Background(), sessionID, event.RequestForward, mustJSON(t, req))
}

// session returns the registered session for white-box assertions.
func (f *relayFixture) session(id string) (*session, bool) {
	return f.svc.sessions.get(id)
}

func (f *relayFixture) agents(id string) []string {
	s, ok := f.session(id)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents.Snapshot()
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: "+format, args...)
}

func containsAny(msgs []string, sub string) bool {
	for _, m := range msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}
