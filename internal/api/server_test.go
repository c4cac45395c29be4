package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-cloud/internal/audit"
	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-cloud/internal/relay"
)

// fakeLink implements RelayStatus with canned values.
type fakeLink struct {
	stats  relay.Stats
	reason *relay.DisconnectReason
}

func (f *fakeLink) Stats() relay.Stats                            { return f.stats }
func (f *fakeLink) LastDisconnectReason() *relay.DisconnectReason { return f.reason }

// fakeQueue implements QueueStats.
type fakeQueue struct {
	depth   int
	pending int
}

func (f *fakeQueue) QueueDepth() int   { return f.depth }
func (f *fakeQueue) PendingCount() int { return f.pending }

// fakeSession implements SessionInfo.
type fakeSession struct {
	loggedIn   bool
	username   string
	subExpired bool
}

func (f *fakeSession) LoggedIn() bool            { return f.loggedIn }
func (f *fakeSession) Username() string          { return f.username }
func (f *fakeSession) SubscriptionExpired() bool { return f.subExpired }

// fakeBus implements BusStatus.
type fakeBus struct {
	connected bool
}

func (f *fakeBus) IsConnected() bool { return f.connected }

// fakeAuditRepo implements audit.Repository, capturing the last filter.
type fakeAuditRepo struct {
	lastFilter audit.Filter
	result     *audit.ListResult
	listErr    error
}

func (f *fakeAuditRepo) Create(ctx context.Context, log *audit.AuditLog) error {
	return nil
}

func (f *fakeAuditRepo) List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error) {
	f.lastFilter = filter
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &audit.ListResult{Logs: []audit.AuditLog{}, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		Host: "127.0.0.1",
		Port: 0,
		Timeouts: config.APITimeoutConfig{
			Read:  5,
			Write: 5,
			Idle:  5,
		},
	}
}

// testServer creates a Server with every collaborator faked.
func testServer(t *testing.T, deps Deps) *Server {
	t.Helper()

	deps.Config = testAPIConfig()
	if deps.Logger == nil {
		deps.Logger = testLogger()
	}
	if deps.Link == nil {
		deps.Link = &fakeLink{stats: relay.Stats{State: relay.StateDisconnected}}
	}
	deps.InstanceID = "hub-test"
	deps.Version = "test"

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv
}

// get performs a request against the router and decodes the JSON body.
func get(t *testing.T, srv *Server, path string, out any) *httptest.ResponseRecorder {
	t.Helper()

	router := srv.buildRouter()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if out != nil && w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("unmarshal %s: %v", path, err)
		}
	}
	return w
}

// ─── Construction ──────────────────────────────────────────────────

func TestNewMissingLogger(t *testing.T) {
	_, err := New(Deps{Link: &fakeLink{}})
	if err == nil {
		t.Error("New() error = nil, want error for missing logger")
	}
}

func TestNewMissingLink(t *testing.T) {
	_, err := New(Deps{Logger: testLogger()})
	if err == nil {
		t.Error("New() error = nil, want error for missing relay link")
	}
}

// ─── Health Endpoint ───────────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv := testServer(t, Deps{})

	var resp map[string]any
	w := get(t, srv, "/api/v1/health", &resp)

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

// ─── Status Endpoint ───────────────────────────────────────────────

func TestStatus(t *testing.T) {
	lastActivity := time.Now().UTC().Truncate(time.Second)
	link := &fakeLink{
		stats: relay.Stats{
			State:           relay.StateConnected,
			Tries:           0,
			FramesTx:        10,
			FramesRx:        20,
			ReconnectsTotal: 2,
			ErrorsTotal:     1,
			LastActivity:    lastActivity,
		},
		reason: &relay.DisconnectReason{Clean: false, Reason: "read error"},
	}
	reportLink := &fakeLink{
		stats: relay.Stats{State: relay.StateConnecting, Tries: 3},
	}

	srv := testServer(t, Deps{
		Link:       link,
		ReportLink: reportLink,
		Reporter:   &fakeQueue{depth: 7, pending: 1},
		Session:    &fakeSession{loggedIn: true, username: "installer@example.com"},
		Bus:        &fakeBus{connected: true},
	})

	var resp StatusResponse
	w := get(t, srv, "/api/v1/status", &resp)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if resp.InstanceID != "hub-test" {
		t.Errorf("InstanceID = %q, want hub-test", resp.InstanceID)
	}
	if resp.Relay.State != "connected" {
		t.Errorf("Relay.State = %q, want connected", resp.Relay.State)
	}
	if resp.Relay.FramesTx != 10 || resp.Relay.FramesRx != 20 {
		t.Errorf("Relay frames = %d/%d, want 10/20", resp.Relay.FramesTx, resp.Relay.FramesRx)
	}
	if resp.Relay.ReconnectsTotal != 2 {
		t.Errorf("Relay.ReconnectsTotal = %d, want 2", resp.Relay.ReconnectsTotal)
	}
	if resp.Relay.LastActivity == nil || !resp.Relay.LastActivity.Equal(lastActivity) {
		t.Errorf("Relay.LastActivity = %v, want %v", resp.Relay.LastActivity, lastActivity)
	}
	if resp.Relay.LastDisconnect == nil {
		t.Fatal("Relay.LastDisconnect is nil")
	}
	if resp.Relay.LastDisconnect.Clean || resp.Relay.LastDisconnect.Reason != "read error" {
		t.Errorf("Relay.LastDisconnect = %+v, want {false read error}", resp.Relay.LastDisconnect)
	}

	if resp.ReportState == nil {
		t.Fatal("ReportState is nil")
	}
	if resp.ReportState.State != "connecting" || resp.ReportState.Tries != 3 {
		t.Errorf("ReportState = %s/%d, want connecting/3", resp.ReportState.State, resp.ReportState.Tries)
	}
	if resp.ReportState.LastActivity != nil {
		t.Error("ReportState.LastActivity set, want omitted for zero time")
	}

	if resp.ReportQueue == nil || resp.ReportQueue.Depth != 7 || resp.ReportQueue.Pending != 1 {
		t.Errorf("ReportQueue = %+v, want depth 7 pending 1", resp.ReportQueue)
	}

	if resp.Session == nil {
		t.Fatal("Session is nil")
	}
	if !resp.Session.LoggedIn || resp.Session.Username != "installer@example.com" {
		t.Errorf("Session = %+v, want logged in as installer@example.com", resp.Session)
	}
	if !resp.MQTTConnected {
		t.Error("MQTTConnected = false, want true")
	}
}

func TestStatusDegraded(t *testing.T) {
	srv := testServer(t, Deps{
		Link: &fakeLink{stats: relay.Stats{State: relay.StateDisconnected}},
	})

	var resp map[string]any
	w := get(t, srv, "/api/v1/status", &resp)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	// Absent collaborators leave their sections out entirely
	for _, key := range []string{"report_state", "report_queue", "session"} {
		if _, ok := resp[key]; ok {
			t.Errorf("response contains %q, want omitted", key)
		}
	}
	if resp["mqtt_connected"] != false {
		t.Errorf("mqtt_connected = %v, want false", resp["mqtt_connected"])
	}
}

// ─── Metrics Endpoint ──────────────────────────────────────────────

func TestMetrics(t *testing.T) {
	srv := testServer(t, Deps{
		Link: &fakeLink{
			stats: relay.Stats{
				State:           relay.StateConnected,
				FramesTx:        100,
				FramesRx:        250,
				ReconnectsTotal: 4,
			},
		},
		Bus: &fakeBus{connected: true},
	})

	var resp SystemMetrics
	w := get(t, srv, "/api/v1/metrics", &resp)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if resp.Version != "test" {
		t.Errorf("Version = %q, want test", resp.Version)
	}
	if resp.Runtime.Goroutines <= 0 {
		t.Errorf("Runtime.Goroutines = %d, want > 0", resp.Runtime.Goroutines)
	}
	if resp.Relay.State != "connected" {
		t.Errorf("Relay.State = %q, want connected", resp.Relay.State)
	}
	if resp.Relay.FramesTx != 100 || resp.Relay.FramesRx != 250 {
		t.Errorf("Relay frames = %d/%d, want 100/250", resp.Relay.FramesTx, resp.Relay.FramesRx)
	}
	if !resp.MQTT.Connected {
		t.Error("MQTT.Connected = false, want true")
	}
}

// ─── Audit Endpoint ────────────────────────────────────────────────

func TestAuditEndpoint(t *testing.T) {
	repo := &fakeAuditRepo{
		result: &audit.ListResult{
			Logs: []audit.AuditLog{
				{ID: "a1", Action: "command", Handler: "command", Source: "relay"},
			},
			Total:  1,
			Limit:  10,
			Offset: 5,
		},
	}
	srv := testServer(t, Deps{AuditRepo: repo})

	var resp audit.ListResult
	w := get(t, srv, "/api/v1/audit?action=command&handler=command&limit=10&offset=5", &resp)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if repo.lastFilter.Action != "command" {
		t.Errorf("filter.Action = %q, want command", repo.lastFilter.Action)
	}
	if repo.lastFilter.Handler != "command" {
		t.Errorf("filter.Handler = %q, want command", repo.lastFilter.Handler)
	}
	if repo.lastFilter.Limit != 10 || repo.lastFilter.Offset != 5 {
		t.Errorf("filter limit/offset = %d/%d, want 10/5", repo.lastFilter.Limit, repo.lastFilter.Offset)
	}
	if resp.Total != 1 || len(resp.Logs) != 1 {
		t.Errorf("result total/logs = %d/%d, want 1/1", resp.Total, len(resp.Logs))
	}
}

func TestAuditEndpointBadPagination(t *testing.T) {
	repo := &fakeAuditRepo{}
	srv := testServer(t, Deps{AuditRepo: repo})

	w := get(t, srv, "/api/v1/audit?limit=abc&offset=-", nil)

	// Unparsable values are ignored, not rejected
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if repo.lastFilter.Limit != 0 || repo.lastFilter.Offset != 0 {
		t.Errorf("filter limit/offset = %d/%d, want 0/0", repo.lastFilter.Limit, repo.lastFilter.Offset)
	}
}

func TestAuditEndpointNotConfigured(t *testing.T) {
	srv := testServer(t, Deps{})

	w := get(t, srv, "/api/v1/audit", nil)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	var apiErr Error
	if err := json.Unmarshal(w.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if apiErr.Code != ErrCodeInternal {
		t.Errorf("error code = %q, want %q", apiErr.Code, ErrCodeInternal)
	}
}

func TestAuditEndpointRepoError(t *testing.T) {
	repo := &fakeAuditRepo{listErr: errors.New("database locked")}
	srv := testServer(t, Deps{AuditRepo: repo})

	w := get(t, srv, "/api/v1/audit", nil)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// ─── Middleware ────────────────────────────────────────────────────

func TestRequestIDGenerated(t *testing.T) {
	srv := testServer(t, Deps{})

	w := get(t, srv, "/api/v1/health", nil)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	srv := testServer(t, Deps{})
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req-12345")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-12345" {
		t.Errorf("X-Request-ID = %q, want req-12345", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv := testServer(t, Deps{})

	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	handler := srv.recoveryMiddleware(panicking)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	var apiErr Error
	if err := json.Unmarshal(w.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if apiErr.Code != ErrCodeInternal {
		t.Errorf("error code = %q, want %q", apiErr.Code, ErrCodeInternal)
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func TestServerLifecycle(t *testing.T) {
	srv := testServer(t, Deps{})
	ctx := context.Background()

	if err := srv.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() before Start = nil, want error")
	}

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := srv.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() after Start = %v, want nil", err)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	// Close on a never-started server is a no-op
	fresh := testServer(t, Deps{})
	if err := fresh.Close(); err != nil {
		t.Errorf("Close() on unstarted server = %v, want nil", err)
	}
}
