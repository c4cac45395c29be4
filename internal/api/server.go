package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-cloud/internal/audit"
	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-cloud/internal/relay"
)

// gracefulShutdownTimeout bounds how long Stop waits for in-flight
// requests before the listener is torn down regardless.
const gracefulShutdownTimeout = 10 * time.Second

// RelayStatus is the read-only view of a relay channel the API exposes.
// Satisfied by *relay.Conn.
type RelayStatus interface {
	// Stats returns a snapshot of the connection counters.
	Stats() relay.Stats

	// LastDisconnectReason returns why the last link ended, or nil.
	LastDisconnectReason() *relay.DisconnectReason
}

// QueueStats is the read-only view of the report queue.
// Satisfied by *relay.Reporter.
type QueueStats interface {
	// QueueDepth returns the number of entries waiting to be sent.
	QueueDepth() int

	// PendingCount returns the number of callers awaiting an ack.
	PendingCount() int
}

// SessionInfo is the read-only view of the cloud session.
// Satisfied by *auth.Session.
type SessionInfo interface {
	// LoggedIn reports whether credentials are stored.
	LoggedIn() bool

	// Username returns the account the stored credentials belong to.
	Username() string

	// SubscriptionExpired reports whether the cloud subscription has lapsed.
	SubscriptionExpired() bool
}

// BusStatus reports local MQTT bus connectivity.
// Satisfied by *mqtt.Client.
type BusStatus interface {
	// IsConnected reports whether the broker session is up.
	IsConnected() bool
}

// Deps carries everything New needs. Only Link is mandatory; the rest
// degrade to absent fields in the responses.
type Deps struct {
	Config     config.APIConfig
	Logger     *logging.Logger
	InstanceID string
	Version    string

	// Link is the relay command channel (required).
	Link RelayStatus

	// ReportLink is the report-state channel (optional; omitted from the
	// status response when nil).
	ReportLink RelayStatus

	// Reporter exposes the report queue counters (optional).
	Reporter QueueStats

	// Session is the cloud session (optional).
	Session SessionInfo

	// Bus reports local MQTT connectivity (optional).
	Bus BusStatus

	// DB exposes connection pool stats on the metrics endpoint (optional).
	DB *database.DB

	// AuditRepo serves the audit trail endpoint (optional; the endpoint
	// reports an error when absent).
	AuditRepo audit.Repository
}

// Server is the local status API for the cloud link daemon.
//
// It exposes read-only diagnostics on the loopback interface: relay link
// health, report queue depth, session state and the audit trail. The hub's
// admin UI and installers use it to answer "is remote access working, and
// what has the cloud done lately".
//
// Construct with New, then Start; Stop drains in-flight requests.
type Server struct {
	cfg        config.APIConfig
	logger     *logging.Logger
	instanceID string
	version    string
	startTime  time.Time

	link       RelayStatus
	reportLink RelayStatus
	reporter   QueueStats
	session    SessionInfo
	bus        BusStatus
	db         *database.DB
	auditRepo  audit.Repository

	server *http.Server
}

// New wires up the server. Logger and Link are mandatory; every other
// dependency degrades its section of the responses when absent. The
// listener is not opened until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Link == nil {
		return nil, fmt.Errorf("relay link is required")
	}

	return &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		instanceID: deps.InstanceID,
		version:    deps.Version,
		startTime:  time.Now(),
		link:       deps.Link,
		reportLink: deps.ReportLink,
		reporter:   deps.Reporter,
		session:    deps.Session,
		bus:        deps.Bus,
		db:         deps.DB,
		auditRepo:  deps.AuditRepo,
	}, nil
}

// Start opens the listener in a background goroutine. Listener errors
// after startup are logged, not returned; stop the server with Close.
func (s *Server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("status API listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status API error", "error", err)
		}
	}()

	return nil
}

// Close drains in-flight requests for up to gracefulShutdownTimeout,
// then drops whatever remains. Closing an unstarted server is a no-op.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("status API shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down status API: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
