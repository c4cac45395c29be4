// Gray Logic Cloud - Cloud Link Daemon
//
// This is the main entry point for the Gray Logic cloud link. The cloud
// link is the optional companion service that connects a Gray Logic hub
// to the cloud relay:
//   - Persistent duplex WebSocket to the relay for cloud-initiated requests
//   - On-demand report channel for device state updates
//   - Local MQTT bridge mirroring link state and forwarding commands
//
// The hub itself is offline-first; losing this service degrades remote
// access only, never local control.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-cloud/migrations"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-cloud/internal/api"
	"github.com/nerrad567/gray-logic-cloud/internal/audit"
	"github.com/nerrad567/gray-logic-cloud/internal/auth"
	"github.com/nerrad567/gray-logic-cloud/internal/bridge"
	"github.com/nerrad567/gray-logic-cloud/internal/history"
	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-cloud/internal/relay"
)

// Build metadata, stamped by the release pipeline through ldflags
// (-X main.version=1.2.0 and friends).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// disconnectTimeout bounds the wait for a relay loop to wind down at
// shutdown.
const disconnectTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the daemon together and blocks until ctx is cancelled or a
// component fails hard. Split from main so tests can drive it.
func run(ctx context.Context) error {
	// Bootstrap logger; replaced once the config names a level and format.
	log := logging.Default()
	log.Info("starting Gray Logic Cloud",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer closeLogged(log, "database", db.Close)
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer closeLogged(log, "mqtt connection", mqttClient.Close)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Notifier pushes user-facing messages onto the local bus
	notifier := bridge.NewNotifier(mqttClient, log)

	// Cloud session: holds credentials, keeps the access token fresh.
	// The connections are created below; the auth failure callback closes
	// over them so a terminal rejection drops both channels.
	var cmdConn, reportConn *relay.Conn
	session, err := auth.NewSession(auth.SessionConfig{
		TokenURL:      cfg.Auth.TokenURL,
		InstanceID:    cfg.Instance.ID,
		Repository:    auth.NewCredentialsRepository(db.DB),
		RefreshMargin: cfg.GetRefreshAhead(),
		Notifier:      notifier,
		OnAuthFailure: func() {
			dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			defer cancel()
			if cmdConn != nil {
				_ = cmdConn.Disconnect(dctx)
			}
			if reportConn != nil {
				_ = reportConn.Disconnect(dctx)
			}
		},
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("creating cloud session: %w", err)
	}

	// Prime the session from the store. Running without credentials is
	// allowed: the loops retry until a login lands, and the token renewal
	// path recovers from a stale access token on its own.
	switch loadErr := session.Load(ctx); {
	case loadErr == nil:
		log.Info("cloud session loaded", "username", session.Username())
	case errors.Is(loadErr, auth.ErrNotLoggedIn):
		log.Warn("no cloud credentials stored, relay stays down until login")
	default:
		log.Warn("stored cloud credentials unusable", "error", loadErr)
	}

	// Command channel: the persistent duplex link carrying cloud-initiated
	// requests.
	cmdConn, err = relay.New(relay.Config{
		URL:                 cfg.Cloud.RelayURL,
		Session:             session,
		Notifier:            notifier,
		PingInterval:        cfg.GetPingInterval(),
		PongTimeout:         cfg.GetPongTimeout(),
		RequireSubscription: cfg.Cloud.RequireSubscription,
		Logger:              log,
	})
	if err != nil {
		return fmt.Errorf("creating relay connection: %w", err)
	}

	// The background token refresher follows the command channel lifecycle
	cmdConn.RegisterOnConnect(session.OnConnect)
	cmdConn.RegisterOnDisconnect(session.OnDisconnect)

	messenger := relay.NewMessenger(cmdConn, log)

	// Report channel: one-way state reports, connected on demand by the
	// reporter. The server may reject after the handshake, so the
	// connected transition waits for the first frame.
	reportConn, err = relay.New(relay.Config{
		URL:                            cfg.Cloud.ReportStateURL,
		Session:                        session,
		Notifier:                       notifier,
		PingInterval:                   cfg.GetPingInterval(),
		PongTimeout:                    cfg.GetPongTimeout(),
		MarkConnectedAfterFirstMessage: true,
		Logger:                         log,
	})
	if err != nil {
		return fmt.Errorf("creating report connection: %w", err)
	}

	reporter := relay.NewReporter(reportConn, log)

	// Optional relay history: an InfluxDB client plus the recorder that
	// samples link state into it.
	var influxClient *influxdb.Client
	var recorder *history.Recorder
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer closeLogged(log, "influxdb connection", influxClient.Close)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		recorder, err = history.NewRecorder(history.RecorderConfig{
			Writer: influxClient,
			Logger: log,
		})
		if err != nil {
			return fmt.Errorf("creating history recorder: %w", err)
		}
		recorder.Track("relay", cmdConn)
		recorder.Track("report_state", reportConn)
		recorder.TrackQueue("report_state", reporter)
		recorder.Start(ctx)
		defer func() {
			log.Info("stopping history recorder")
			recorder.Stop()
		}()
		log.Info("connection history recorder started")
	} else {
		log.Info("InfluxDB disabled")
	}

	// Audit trail for relay-initiated actions
	auditRepo := audit.NewSQLiteRepository(db.DB)

	// Bridge: mirrors link state onto the bus, forwards device state to
	// the cloud and serves the cloud-initiated frame handlers. Started
	// before the connection loop so no transition is missed.
	br, err := bridge.New(bridge.Options{
		InstanceID: cfg.Instance.ID,
		Version:    version,
		MQTT:       mqttClient,
		Link:       cmdConn,
		Messenger:  messenger,
		Reporter:   reporter,
		Session:    session,
		Notifier:   notifier,
		Audit:      auditRepo,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if startErr := br.Start(ctx); startErr != nil {
		return fmt.Errorf("starting bridge: %w", startErr)
	}
	defer func() {
		log.Info("stopping bridge")
		br.Stop()
	}()

	// Local status API
	apiServer, err := api.New(api.Deps{
		Config:     cfg.API,
		Logger:     log,
		InstanceID: cfg.Instance.ID,
		Version:    version,
		Link:       cmdConn,
		ReportLink: reportConn,
		Reporter:   reporter,
		Session:    session,
		Bus:        mqttClient,
		DB:         db,
		AuditRepo:  auditRepo,
	})
	if err != nil {
		return fmt.Errorf("creating status API: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting status API: %w", startErr)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, cloud link running")

	// Supervise the relay loop and the API server until shutdown. The
	// report channel loop is started on demand by the reporter, so it only
	// needs winding down here.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if connErr := cmdConn.Connect(gctx); connErr != nil && !errors.Is(connErr, context.Canceled) {
			return fmt.Errorf("relay command loop: %w", connErr)
		}
		if gctx.Err() == nil {
			// Permanent failure (rejected credentials, lapsed
			// subscription). The daemon stays up for diagnostics.
			log.Warn("relay command loop ended, cloud unreachable until restart")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return apiServer.Close()
	})

	g.Go(func() error {
		<-gctx.Done()
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if dcErr := reportConn.Disconnect(dctx); dcErr != nil {
			log.Warn("report channel did not stop cleanly", "error", dcErr)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")

	// The deferred closers unwind the rest: bridge, recorder, influx,
	// mqtt, database.

	log.Info("Gray Logic Cloud stopped")
	return nil
}

// getConfigPath honours GRAYLOGIC_CLOUD_CONFIG before falling back to
// the bundled default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CLOUD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck proves the infrastructure connections before the daemon
// declares itself up. The relay loops are not gated here: they
// reconnect on their own and their state shows in the status API.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	// nil when history recording is disabled.
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// closeLogged runs a shutdown step, logging failures instead of
// propagating them.
func closeLogged(log *logging.Logger, name string, fn func() error) {
	log.Info("closing " + name)
	if err := fn(); err != nil {
		log.Error("error closing "+name, "error", err)
	}
}
