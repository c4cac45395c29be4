package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-cloud/internal/audit"
	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-cloud/internal/relay"
)

const (
	// stateTopicParts is the segment count of a canonical device state
	// topic (graylogic/core/device/{id}/state).
	stateTopicParts = 5

	// alertTopicParts is the segment count of an alert topic
	// (graylogic/core/alert/{id}).
	alertTopicParts = 4

	// disconnectTimeout bounds the wait for a requested link teardown.
	disconnectTimeout = 10 * time.Second

	// auditSource tags audit rows created from relay traffic.
	auditSource = "relay"
)

// Bridge ties the relay link to the local MQTT bus. It handles:
//   - Forwarding canonical device state and alerts from the bus to the
//     cloud through the queued reporter
//   - Executing cloud-initiated frames: device commands, admin actions
//     and status queries
//   - Mirroring relay link transitions onto the bus as retained status
//     and transient events
//   - Recording every cloud-initiated action in the audit trail
//
// Methods may be called from any goroutine.
type Bridge struct {
	instanceID string
	version    string
	startTime  time.Time

	mqtt      MQTTClient
	link      RelayLink
	messenger HandlerRegistry
	reporter  StateReporter
	session   SessionControl
	notifier  *Notifier
	audit     audit.Repository
	topics    mqtt.Topics

	// Rundown: Stop cancels ctx and waits out in-flight goroutines.
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger Logger
}

// MQTTClient is the slice of the bus client the bridge drives.
// Satisfied by *mqtt.Client.
type MQTTClient interface {
	// Publish delivers payload to a topic, optionally retained.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe attaches handler to a topic filter.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// IsConnected reports whether the broker session is up.
	IsConnected() bool
}

// RelayLink is the subset of the relay connection the bridge drives.
type RelayLink interface {
	// Disconnect requests the connection loop to stop.
	Disconnect(ctx context.Context) error

	// RegisterOnConnect adds a hook run after each link is established.
	RegisterOnConnect(fn func(context.Context) error)

	// RegisterOnDisconnect adds a hook run after each established link ends.
	RegisterOnDisconnect(fn func(context.Context) error)

	// State returns the current connection state.
	State() relay.State

	// LastDisconnectReason returns why the last link ended, or nil.
	LastDisconnectReason() *relay.DisconnectReason
}

// HandlerRegistry registers handlers for cloud-initiated frames.
// This is satisfied by *relay.Messenger.
type HandlerRegistry interface {
	RegisterHandler(kind string, handler relay.HandlerFunc)
}

// StateReporter delivers state reports to the cloud.
// This is satisfied by *relay.Reporter.
type StateReporter interface {
	// Send enqueues a report and waits for the peer's acknowledgement.
	Send(ctx context.Context, payload any) (json.RawMessage, error)

	// QueueDepth returns the number of entries waiting to be sent.
	QueueDepth() int

	// PendingCount returns the number of callers awaiting an ack.
	PendingCount() int
}

// SessionControl is the subset of the auth session the bridge needs.
type SessionControl interface {
	// Logout clears the stored credentials.
	Logout(ctx context.Context) error
}

// Logger is the minimal structured logging interface used by this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds configuration for creating a bridge.
type Options struct {
	// InstanceID identifies this hub installation.
	InstanceID string

	// Version is the cloud link daemon version.
	Version string

	// MQTT is the local bus client.
	MQTT MQTTClient

	// Link is the relay connection carrying cloud-initiated frames.
	Link RelayLink

	// Messenger registers the relay frame handlers.
	Messenger HandlerRegistry

	// Reporter carries state reports to the cloud.
	Reporter StateReporter

	// Session is the auth session (for the remote logout action).
	Session SessionControl

	// Notifier pushes user notifications onto the bus.
	Notifier *Notifier

	// Audit is optional; nil disables the audit trail.
	Audit audit.Repository

	// Logger is optional; nil silences the bridge.
	Logger Logger
}

// New validates the wiring and returns an idle bridge. Nothing runs
// until Start.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Link == nil {
		return nil, fmt.Errorf("relay link is required")
	}
	if opts.Messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if opts.Reporter == nil {
		return nil, fmt.Errorf("reporter is required")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}

	// Bridge-level context aborts in-flight reports and disconnects on Stop
	ctx, ctxCancel := context.WithCancel(context.Background())

	return &Bridge{
		instanceID: opts.InstanceID,
		version:    opts.Version,
		startTime:  time.Now(),
		mqtt:       opts.MQTT,
		link:       opts.Link,
		messenger:  opts.Messenger,
		reporter:   opts.Reporter,
		session:    opts.Session,
		notifier:   opts.Notifier,
		audit:      opts.Audit,
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}, nil
}

// Start registers the relay frame handlers and lifecycle hooks and
// subscribes to the bus topics the cloud consumes. Call it before the
// relay connection loop starts so no transition is missed.
func (b *Bridge) Start(ctx context.Context) error {
	// Cloud-initiated frames
	b.messenger.RegisterHandler(HandlerCloud, b.handleCloudAdmin)
	b.messenger.RegisterHandler(HandlerCommand, b.handleCommand)
	b.messenger.RegisterHandler(HandlerStatus, b.handleStatus)

	// Mirror link transitions onto the bus
	b.link.RegisterOnConnect(b.onRelayConnect)
	b.link.RegisterOnDisconnect(b.onRelayDisconnect)

	// Forward canonical state and alerts to the cloud
	stateTopic := b.topics.AllCoreDeviceStates()
	if err := b.mqtt.Subscribe(stateTopic, 1, b.handleDeviceState); err != nil {
		return fmt.Errorf("subscribe to device states: %w", err)
	}
	b.logInfo("subscribed to device states", "topic", stateTopic)

	alertTopic := b.topics.AllCoreAlerts()
	if err := b.mqtt.Subscribe(alertTopic, 1, b.handleAlert); err != nil {
		return fmt.Errorf("subscribe to alerts: %w", err)
	}
	b.logInfo("subscribed to alerts", "topic", alertTopic)

	b.publishStatus(NewStatusMessage(LinkStarting))

	b.logInfo("bridge started", "instance_id", b.instanceID)
	return nil
}

// Stop tears the bridge down, once. In-flight report forwards are
// aborted; the retained status topic is left announcing the stop.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.wg.Wait()
		b.publishStatus(NewStatusMessage(LinkStopped))
		b.logInfo("bridge stopped")
	})
}

// onRelayConnect runs as the link's on-connect hook.
func (b *Bridge) onRelayConnect(context.Context) error {
	b.publishStatus(NewStatusMessage(LinkConnected))
	b.publishEvent(NewEventMessage(string(LinkConnected), ""))
	b.recordAudit(&audit.AuditLog{
		Action: "connected",
		Source: auditSource,
	})
	return nil
}

// onRelayDisconnect runs as the link's on-disconnect hook.
func (b *Bridge) onRelayDisconnect(context.Context) error {
	clean := false
	reason := ""
	if dr := b.link.LastDisconnectReason(); dr != nil {
		clean = dr.Clean
		reason = dr.Reason
	}

	b.publishStatus(NewDisconnectedStatus(clean, reason))
	b.publishEvent(NewEventMessage(string(LinkDisconnected), reason))
	b.recordAudit(&audit.AuditLog{
		Action:  "disconnected",
		Source:  auditSource,
		Details: map[string]any{"clean": clean, "reason": reason},
	})
	return nil
}

// handleDeviceState forwards a canonical device state message to the cloud.
func (b *Bridge) handleDeviceState(topic string, payload []byte) error {
	deviceID, ok := deviceIDFromStateTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected state topic: %s", topic)
	}

	b.forwardReport(NewStateReport(deviceID, payload))
	return nil
}

// handleAlert forwards a Core alert to the cloud.
func (b *Bridge) handleAlert(topic string, payload []byte) error {
	alertID, ok := alertIDFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected alert topic: %s", topic)
	}

	b.forwardReport(NewAlertReport(alertID, payload))
	return nil
}

// forwardReport hands one report to the queued reporter without blocking
// the bus callback. Send suspends until the cloud acks, so each report
// gets its own goroutine; the reporter's bounded queue caps how many can
// wait, with older reports evicted under sustained backlog.
func (b *Bridge) forwardReport(report StateReport) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if _, err := b.reporter.Send(b.ctx, report); err != nil {
			b.logDebug("report dropped",
				"kind", report.Kind,
				"device_id", report.DeviceID,
				"alert_id", report.AlertID,
				"error", err)
		}
	}()
}

// disconnectLink drops the relay link without blocking the dispatch
// goroutine that asked for it.
func (b *Bridge) disconnectLink() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, disconnectTimeout)
		defer cancel()
		if err := b.link.Disconnect(ctx); err != nil {
			b.logWarn("link disconnect failed", "error", err)
		}
	}()
}

// publishStatus publishes the retained link status.
func (b *Bridge) publishStatus(msg StatusMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal status", "error", err)
		return
	}

	if err := b.mqtt.Publish(b.topics.CloudStatus(), payload, 1, true); err != nil {
		b.logError("failed to publish status", "state", string(msg.State), "error", err)
	}
}

// publishEvent publishes a transient lifecycle event.
func (b *Bridge) publishEvent(msg EventMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal event", "error", err)
		return
	}

	if err := b.mqtt.Publish(b.topics.CloudEvent(msg.Event), payload, 1, false); err != nil {
		b.logError("failed to publish event", "event", msg.Event, "error", err)
	}
}

// recordAudit appends one audit trail entry. Uses the bridge context so
// entries survive the teardown of the frame that caused them.
func (b *Bridge) recordAudit(entry *audit.AuditLog) {
	if b.audit == nil {
		return
	}
	if err := b.audit.Create(b.ctx, entry); err != nil {
		b.logError("failed to record audit entry", "action", entry.Action, "error", err)
	}
}

// deviceIDFromStateTopic extracts the device ID from a canonical state
// topic (graylogic/core/device/{id}/state).
func deviceIDFromStateTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != stateTopicParts || parts[stateTopicParts-1] != "state" {
		return "", false
	}
	return parts[3], parts[3] != ""
}

// alertIDFromTopic extracts the alert ID from an alert topic
// (graylogic/core/alert/{id}).
func alertIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != alertTopicParts {
		return "", false
	}
	return parts[3], parts[3] != ""
}

// The log helpers tolerate a nil logger.

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Error(msg, keysAndValues...)
	}
}
