package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockRelayServer simulates the cloud relay endpoint for testing. It accepts
// websocket handshakes, records what it saw, and hands accepted sockets to
// the test through a channel.
type mockRelayServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	accepted chan *websocket.Conn

	mu         sync.Mutex
	sockets    []*websocket.Conn
	handshakes int
	lastAuth   string
	reject     int
	rejectOnce bool
}

func newMockRelayServer(t *testing.T) *mockRelayServer {
	t.Helper()

	s := &mockRelayServer{
		t:        t,
		accepted: make(chan *websocket.Conn, 8),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *mockRelayServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.handshakes++
	s.lastAuth = r.Header.Get("Authorization")
	reject := s.reject
	if reject != 0 && s.rejectOnce {
		s.reject = 0
	}
	s.mu.Unlock()

	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.sockets = append(s.sockets, ws)
	s.mu.Unlock()
	s.accepted <- ws
}

// url returns the ws:// address clients should dial.
func (s *mockRelayServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// setReject makes every subsequent handshake fail with the given HTTP status.
func (s *mockRelayServer) setReject(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = status
	s.rejectOnce = false
}

// rejectNext makes only the next handshake fail with the given HTTP status.
func (s *mockRelayServer) rejectNext(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = status
	s.rejectOnce = true
}

func (s *mockRelayServer) handshakeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

func (s *mockRelayServer) authHeader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuth
}

// waitConn blocks until the server has accepted a websocket connection.
func (s *mockRelayServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()

	select {
	case ws := <-s.accepted:
		return ws
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for websocket connection")
		return nil
	}
}

func (s *mockRelayServer) Close() {
	s.mu.Lock()
	for _, ws := range s.sockets {
		ws.Close()
	}
	s.sockets = nil
	s.mu.Unlock()
	s.server.Close()
}

// readEnvelope reads one frame from the server side of a socket and decodes
// it as a message envelope.
func readEnvelope(t *testing.T, ws *websocket.Conn) envelope {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("server decode: %v", err)
	}
	return env
}

// writeServerJSON sends a JSON frame from the server side of a socket.
func writeServerJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()

	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("server encode: %v", err)
	}
	ws.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// mockSession provides token and subscription state for tests.
type mockSession struct {
	mu       sync.Mutex
	token    string
	checkErr error
	expired  bool
	checks   int
}

func (s *mockSession) CheckToken(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	return s.checkErr
}

func (s *mockSession) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *mockSession) SubscriptionExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

func (s *mockSession) checkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks
}

func (s *mockSession) setCheckErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkErr = err
}

// mockNotifier records user-facing notifications.
type mockNotifier struct {
	mu          sync.Mutex
	identifiers []string
}

func (n *mockNotifier) UserMessage(identifier, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.identifiers = append(n.identifiers, identifier)
}

func (n *mockNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.identifiers)
}

// zeroBackoff pins retry delays to the exponential base with no jitter so
// tests that must wait out a retry know exactly how long it takes.
func zeroBackoff() *Backoff {
	return NewBackoffWithRand(func(int) int { return 0 })
}

// newTestConn builds a Conn and registers a cleanup that tears the
// connection loop down.
func newTestConn(t *testing.T, cfg Config) *Conn {
	t.Helper()

	if cfg.Session == nil {
		cfg.Session = &mockSession{token: "test-token"}
	}
	if cfg.Backoff == nil {
		cfg.Backoff = zeroBackoff()
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.Disconnect(ctx)
	})
	return c
}

// startConn launches the connection loop and returns a channel carrying its
// final error.
func startConn(t *testing.T, c *Conn) <-chan error {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		done <- c.Connect(context.Background())
	}()
	return done
}

// waitReady blocks until the connection is established.
func waitReady(t *testing.T, c *Conn) {
	t.Helper()

	select {
	case <-c.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for connection to become ready")
	}
}

// waitState polls until the connection reaches the wanted state.
func waitState(t *testing.T, c *Conn, want State) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("State() = %v, want %v", c.State(), want)
}

// waitLoopDone asserts the connection loop finished and returns its error.
func waitLoopDone(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for connection loop to finish")
		return nil
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State.String() = %q, want %q", got, tt.want)
		}
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid",
			cfg:     Config{URL: "wss://relay.example/ws", Session: &mockSession{}},
			wantErr: false,
		},
		{
			name:    "missing URL",
			cfg:     Config{Session: &mockSession{}},
			wantErr: true,
		},
		{
			name:    "missing session",
			cfg:     Config{URL: "wss://relay.example/ws"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewDefaults(t *testing.T) {
	c, err := New(Config{URL: "wss://relay.example/ws", Session: &mockSession{}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if c.cfg.PingInterval != defaultPingInterval {
		t.Errorf("PingInterval = %v, want %v", c.cfg.PingInterval, defaultPingInterval)
	}
	if c.cfg.PongTimeout != defaultPongTimeout {
		t.Errorf("PongTimeout = %v, want %v", c.cfg.PongTimeout, defaultPongTimeout)
	}
	if c.cfg.Dialer == nil {
		t.Error("Dialer not defaulted")
	}
	if c.cfg.Backoff == nil {
		t.Error("Backoff not defaulted")
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}
}

func TestConnConnectAndDisconnect(t *testing.T) {
	server := newMockRelayServer(t)
	conn := newTestConn(t, Config{URL: server.url()})

	done := startConn(t, conn)
	server.waitConn(t)
	waitReady(t, conn)

	if !conn.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if got := conn.LastDisconnectReason(); got != nil {
		t.Errorf("LastDisconnectReason() = %+v, want nil while connected", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}

	if err := waitLoopDone(t, done); err != nil {
		t.Errorf("Connect() error = %v, want nil", err)
	}
	if got := conn.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}

	reason := conn.LastDisconnectReason()
	if reason == nil {
		t.Fatal("LastDisconnectReason() = nil, want recorded reason")
	}
	if !reason.Clean {
		t.Errorf("reason.Clean = false, want true")
	}
	if !strings.Contains(reason.Reason, "close requested") {
		t.Errorf("reason.Reason = %q, want close requested", reason.Reason)
	}
}

func TestConnConnectWhileRunning(t *testing.T) {
	server := newMockRelayServer(t)
	conn := newTestConn(t, Config{URL: server.url()})

	startConn(t, conn)
	server.waitConn(t)
	waitReady(t, conn)

	if err := conn.Connect(context.Background()); !errors.Is(err, ErrNotDisconnected) {
		t.Errorf("Connect() error = %v, want ErrNotDisconnected", err)
	}
}

func TestConnAuthorizationHeader(t *testing.T) {
	server := newMockRelayServer(t)
	session := &mockSession{token: "secret-access-token"}
	conn := newTestConn(t, Config{URL: server.url(), Session: session})

	startConn(t, conn)
	server.waitConn(t)
	waitReady(t, conn)

	if got, want := server.authHeader(), "Bearer secret-access-token"; got != want {
		t.Errorf("Authorization header = %q, want %q", got, want)
	}
	if session.checkCalls() == 0 {
		t.Error("CheckToken not called before dialing")
	}
}

func TestConnInvalidAuth(t *testing.T) {
	server := newMockRelayServer(t)
	server.setReject(http.StatusUnauthorized)
	conn := newTestConn(t, Config{URL: server.url()})

	done := startConn(t, conn)
	if err := waitLoopDone(t, done); err != nil {
		t.Errorf("Connect() error = %v, want nil", err)
	}

	if got := server.handshakeCount(); got != 1 {
		t.Errorf("handshake count = %d, want 1 (no retry on rejected credentials)", got)
	}
	reason := conn.LastDisconnectReason()
	if reason == nil {
		t.Fatal("LastDisconnectReason() = nil, want recorded reason")
	}
	if reason.Clean {
		t.Error("reason.Clean = true, want false")
	}
	if !strings.Contains(reason.Reason, "invalid auth") {
		t.Errorf("reason.Reason = %q, want invalid auth", reason.Reason)
	}
}

func TestConnSubscriptionExpired(t *testing.T) {
	server := newMockRelayServer(t)
	session := &mockSession{token: "tok", expired: true}
	notifier := &mockNotifier{}
	conn := newTestConn(t, Config{
		URL:                 server.url(),
		Session:             session,
		Notifier:            notifier,
		RequireSubscription: true,
	})

	done := startConn(t, conn)
	if err := waitLoopDone(t, done); err != nil {
		t.Errorf("Connect() error = %v, want nil", err)
	}

	if got := server.handshakeCount(); got != 0 {
		t.Errorf("handshake count = %d, want 0 (expired subscription must not dial)", got)
	}
	if got := notifier.count(); got != 1 {
		t.Errorf("notification count = %d, want exactly 1", got)
	}
	if got := conn.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}
}

func TestConnSubscriptionIgnoredWhenNotRequired(t *testing.T) {
	server := newMockRelayServer(t)
	session := &mockSession{token: "tok", expired: true}
	conn := newTestConn(t, Config{URL: server.url(), Session: session})

	startConn(t, conn)
	server.waitConn(t)
	waitReady(t, conn)

	if !conn.IsConnected() {
		t.Error("IsConnected() = false, want true when subscription not required")
	}
}

func TestConnDisconnectDuringRetryWait(t *testing.T) {
	server := newMockRelayServer(t)
	session := &mockSession{token: "tok", checkErr: errors.New("refresh failed")}
	conn := newTestConn(t, Config{URL: server.url(), Session: session})

	done := startConn(t, conn)

	deadline := time.Now().Add(3 * time.Second)
	for session.checkCalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if session.checkCalls() == 0 {
		t.Fatal("Timeout waiting for first token check")
	}
	// Give the loop a moment to enter its retry wait.
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Disconnect during retry wait took %v, want well under the retry delay", elapsed)
	}

	if err := waitLoopDone(t, done); err != nil {
		t.Errorf("Connect() error = %v, want nil", err)
	}
	if got := server.handshakeCount(); got != 0 {
		t.Errorf("handshake count = %d, want 0 after failed token refresh", got)
	}
}

func TestConnSendJSONNotConnected(t *testing.T) {
	conn := newTestConn(t, Config{URL: "wss://relay.example/ws"})

	err := conn.SendJSON(map[string]string{"msgid": "1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendJSON() error = %v, want ErrNotConnected", err)
	}
}

func TestConnSendAndReceive(t *testing.T) {
	server := newMockRelayServer(t)
	conn := newTestConn(t, Config{URL: server.url()})

	received := make(chan []byte, 4)
	conn.SetOnMessage(func(ctx context.Context, raw []byte) {
		received <- raw
	})

	startConn(t, conn)
	ws := server.waitConn(t)
	waitReady(t, conn)

	if err := conn.SendJSON(map[string]string{"msgid": "abc", "handler": "cloud"}); err != nil {
		t.Fatalf("SendJSON() error: %v", err)
	}
	env := readEnvelope(t, ws)
	if env.MsgID != "abc" || env.Handler != "cloud" {
		t.Errorf("server received msgid=%q handler=%q, want abc/cloud", env.MsgID, env.Handler)
	}

	writeServerJSON(t, ws, map[string]string{"msgid": "abc", "payload": "ok"})
	select {
	case raw := <-received:
		if !strings.Contains(string(raw), `"abc"`) {
			t.Errorf("received frame %s, want msgid abc", raw)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for inbound frame")
	}

	stats := conn.Stats()
	if stats.FramesTx != 1 {
		t.Errorf("FramesTx = %d, want 1", stats.FramesTx)
	}
	if stats.FramesRx != 1 {
		t.Errorf("FramesRx = %d, want 1", stats.FramesRx)
	}
	if stats.LastActivity.IsZero() {
		t.Error("LastActivity is zero, want recent timestamp")
	}
}

func TestConnServerCloseFrame(t *testing.T) {
	server := newMockRelayServer(t)
	conn := newTestConn(t, Config{URL: server.url()})

	startConn(t, conn)
	ws := server.waitConn(t)
	waitReady(t, conn)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "maintenance")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("server close: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for conn.LastDisconnectReason() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	reason := conn.LastDisconnectReason()
	if reason == nil {
		t.Fatal("LastDisconnectReason() = nil, want recorded reason")
	}
	if !reason.Clean {
		t.Error("reason.Clean = false, want true for server close frame")
	}
	if !strings.Contains(reason.Reason, "closed by server") {
		t.Errorf("reason.Reason = %q, want closed by server", reason.Reason)
	}
}

func TestConnNonTextFrame(t *testing.T) {
	server := newMockRelayServer(t)
	conn := newTestConn(t, Config{URL: server.url()})

	startConn(t, conn)
	ws := server.waitConn(t)
	waitReady(t, conn)

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for conn.LastDisconnectReason() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	reason := conn.LastDisconnectReason()
	if reason == nil {
		t.Fatal("LastDisconnectReason() = nil, want recorded reason")
	}
	if reason.Clean {
		t.Error("reason.Clean = true, want false for binary frame")
	}
	if !strings.Contains(reason.Reason, "non-text") {
		t.Errorf("reason.Reason = %q, want non-text message", reason.Reason)
	}
}

func TestConnInvalidJSONFrame(t *testing.T) {
	server := newMockRelayServer(t)
	conn := newTestConn(t, Config{URL: server.url()})

	startConn(t, conn)
	ws := server.waitConn(t)
	waitReady(t, conn)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for conn.LastDisconnectReason() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	reason := conn.LastDisconnectReason()
	if reason == nil {
		t.Fatal("LastDisconnectReason() = nil, want recorded reason")
	}
	if reason.Clean {
		t.Error("reason.Clean = true, want false for invalid JSON")
	}
	if !strings.Contains(reason.Reason, "invalid JSON") {
		t.Errorf("reason.Reason = %q, want invalid JSON", reason.Reason)
	}
}

func TestConnReconnectAfterDrop(t *testing.T) {
	server := newMockRelayServer(t)
	conn := newTestConn(t, Config{URL: server.url()})

	startConn(t, conn)
	ws := server.waitConn(t)
	waitReady(t, conn)

	// Kill the link without a close frame so the drop is unclean.
	ws.Close()

	// First retry waits the 2s exponential base with jitter pinned to zero.
	server.waitConn(t)
	waitReady(t, conn)

	if !conn.IsConnected() {
		t.Error("IsConnected() = false, want true after reconnect")
	}
	stats := conn.Stats()
	if stats.ReconnectsTotal != 1 {
		t.Errorf("ReconnectsTotal = %d, want 1", stats.ReconnectsTotal)
	}
	if got := server.handshakeCount(); got != 2 {
		t.Errorf("handshake count = %d, want 2", got)
	}
}

func TestConnReadyResetAfterDrop(t *testing.T) {
	server := newMockRelayServer(t)
	conn := newTestConn(t, Config{URL: server.url()})

	startConn(t, conn)
	ws := server.waitConn(t)
	waitReady(t, conn)

	ready := conn.Ready()
	ws.Close()

	deadline := time.Now().Add(3 * time.Second)
	for conn.Ready() == ready && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	next := conn.Ready()
	if next == ready {
		t.Fatal("Ready() channel not replaced after drop")
	}
	select {
	case <-next:
		t.Error("fresh Ready() channel already closed before reconnect")
	default:
	}
}

func TestConnMarkConnectedAfterFirstMessage(t *testing.T) {
	server := newMockRelayServer(t)
	conn := newTestConn(t, Config{
		URL:                            server.url(),
		MarkConnectedAfterFirstMessage: true,
	})

	received := make(chan []byte, 1)
	conn.SetOnMessage(func(ctx context.Context, raw []byte) {
		received <- raw
	})

	startConn(t, conn)
	ws := server.waitConn(t)

	// Handshake done but no greeting yet: still not connected.
	time.Sleep(100 * time.Millisecond)
	if conn.IsConnected() {
		t.Fatal("IsConnected() = true before first frame, want false")
	}
	select {
	case <-conn.Ready():
		t.Fatal("Ready() closed before first frame")
	default:
	}

	writeServerJSON(t, ws, map[string]string{"msgid": "greeting"})
	waitReady(t, conn)

	if !conn.IsConnected() {
		t.Error("IsConnected() = false after first frame, want true")
	}
	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for the first frame to reach the message sink")
	}
}

func TestConnLifecycleHooks(t *testing.T) {
	server := newMockRelayServer(t)
	conn := newTestConn(t, Config{URL: server.url()})

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	conn.RegisterOnConnect(func(ctx context.Context) error {
		record("connect-1")
		return errors.New("hook failure")
	})
	conn.RegisterOnConnect(func(ctx context.Context) error {
		record("connect-2")
		panic("hook panic")
	})
	conn.RegisterOnConnect(func(ctx context.Context) error {
		record("connect-3")
		return nil
	})
	conn.RegisterOnDisconnect(func(ctx context.Context) error {
		record("disconnect-1")
		return nil
	})

	done := startConn(t, conn)
	server.waitConn(t)
	waitReady(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	waitLoopDone(t, done)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"connect-1", "connect-2", "connect-3", "disconnect-1"}
	if len(order) != len(want) {
		t.Fatalf("hook order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("hook[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestConnMessageSinkPanicIsolated(t *testing.T) {
	server := newMockRelayServer(t)
	conn := newTestConn(t, Config{URL: server.url()})

	var calls callCounter
	conn.SetOnMessage(func(ctx context.Context, raw []byte) {
		if calls.add() == 1 {
			panic("sink panic")
		}
	})

	startConn(t, conn)
	ws := server.waitConn(t)
	waitReady(t, conn)

	writeServerJSON(t, ws, map[string]string{"msgid": "1"})
	writeServerJSON(t, ws, map[string]string{"msgid": "2"})

	deadline := time.Now().Add(3 * time.Second)
	for calls.load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := calls.load(); got != 2 {
		t.Fatalf("sink calls = %d, want 2 (panic must not kill the read loop)", got)
	}
	if !conn.IsConnected() {
		t.Error("IsConnected() = false, want true after sink panic")
	}
}

func TestConnKeepaliveTimeout(t *testing.T) {
	server := newMockRelayServer(t)
	conn := newTestConn(t, Config{
		URL:          server.url(),
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  50 * time.Millisecond,
	})

	startConn(t, conn)
	// Never read on the server side so pings go unanswered and the read
	// deadline expires.
	server.waitConn(t)
	waitReady(t, conn)

	deadline := time.Now().Add(3 * time.Second)
	for conn.LastDisconnectReason() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	reason := conn.LastDisconnectReason()
	if reason == nil {
		t.Fatal("LastDisconnectReason() = nil, want keepalive drop")
	}
	if reason.Clean {
		t.Error("reason.Clean = true, want false for keepalive timeout")
	}
}

func TestConnDisconnectWhenNeverStarted(t *testing.T) {
	conn := newTestConn(t, Config{URL: "wss://relay.example/ws"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Disconnect(ctx); err != nil {
		t.Errorf("Disconnect() error = %v, want nil for idle connection", err)
	}
}

// callCounter is a tiny test helper for counting calls across goroutines.
type callCounter struct {
	mu sync.Mutex
	n  int
}

func (c *callCounter) add() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *callCounter) load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
