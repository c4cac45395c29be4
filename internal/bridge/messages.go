package bridge

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message types exchanged between the cloud link, the relay and the local
// MQTT bus.

// LinkState is the relay link state announced on the cloud status topic.
type LinkState string

const (
	// LinkStarting indicates the cloud link daemon is up but the relay
	// connection has not been established yet.
	LinkStarting LinkState = "starting"

	// LinkConnected indicates the relay link is established.
	LinkConnected LinkState = "connected"

	// LinkDisconnected indicates an established relay link ended.
	LinkDisconnected LinkState = "disconnected"

	// LinkStopped indicates the cloud link daemon shut down.
	LinkStopped LinkState = "stopped"
)

// StatusMessage is published retained to the cloud status topic on every
// relay link transition, so local consumers always see the current state.
// Topic: graylogic/cloud/status
type StatusMessage struct {
	// State is the relay link state.
	State LinkState `json:"state"`

	// Timestamp is when the transition happened (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Clean reports whether a disconnect was a proper close.
	// Only present when State is "disconnected".
	Clean *bool `json:"clean,omitempty"`

	// Reason explains the transition (especially disconnects).
	Reason string `json:"reason,omitempty"`
}

// NewStatusMessage creates a status message for a link transition.
func NewStatusMessage(state LinkState) StatusMessage {
	return StatusMessage{
		State:     state,
		Timestamp: time.Now().UTC(),
	}
}

// NewDisconnectedStatus creates the status message for a dropped link.
func NewDisconnectedStatus(clean bool, reason string) StatusMessage {
	return StatusMessage{
		State:     LinkDisconnected,
		Timestamp: time.Now().UTC(),
		Clean:     &clean,
		Reason:    reason,
	}
}

// EventMessage is published non-retained per relay lifecycle event.
// Topic: graylogic/cloud/event/{event}
type EventMessage struct {
	// Event is the lifecycle event name ("connected", "disconnected").
	Event string `json:"event"`

	// Timestamp is when the event happened (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Reason explains the event, when there is one.
	Reason string `json:"reason,omitempty"`
}

// NewEventMessage creates a lifecycle event message.
func NewEventMessage(event, reason string) EventMessage {
	return EventMessage{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
	}
}

// NotificationLevel classifies a user notification.
type NotificationLevel string

const (
	// LevelInfo is a routine notification.
	LevelInfo NotificationLevel = "info"

	// LevelCritical is a notification the user must see (forced logout,
	// lapsed subscription).
	LevelCritical NotificationLevel = "critical"
)

// NotificationMessage is a user-facing message pushed to the local bus.
// Wall panels and companion apps subscribe and render these.
// Topic: graylogic/cloud/notification
type NotificationMessage struct {
	// Identifier groups related notifications so UIs can replace rather
	// than stack them (e.g. "cloud_auth_failure").
	Identifier string `json:"identifier"`

	// Title is the short heading.
	Title string `json:"title"`

	// Message is the body text.
	Message string `json:"message"`

	// Level classifies the notification.
	Level NotificationLevel `json:"level"`

	// Timestamp is when the notification was created (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`
}

// NewNotificationMessage creates a user notification.
func NewNotificationMessage(identifier, title, message string, level NotificationLevel) NotificationMessage {
	return NotificationMessage{
		Identifier: identifier,
		Title:      title,
		Message:    message,
		Level:      level,
		Timestamp:  time.Now().UTC(),
	}
}

// CommandMessage is the payload of a "command" frame from the relay: a
// device command issued remotely through the cloud.
type CommandMessage struct {
	// DeviceID names the target device in Core's registry.
	DeviceID string `json:"device_id"`

	// Command is the command name (e.g., "on", "off", "dim").
	Command string `json:"command"`

	// Parameters carries whatever arguments the command takes.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ForwardedCommand is the command as published to the local bus for Core
// to execute. It carries a generated ID so acks and audit rows can be
// correlated with the bus traffic.
// Topic: graylogic/cloud/command/{device_id}
type ForwardedCommand struct {
	// ID uniquely identifies this command.
	ID string `json:"id"`

	// Timestamp is when the command was forwarded (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID, Command and Parameters are copied from the relay frame.
	DeviceID   string         `json:"device_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source is always "cloud" for relay-originated commands.
	Source string `json:"source"`
}

// NewForwardedCommand stamps a relay command for the local bus.
func NewForwardedCommand(cmd CommandMessage) ForwardedCommand {
	return ForwardedCommand{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		DeviceID:   cmd.DeviceID,
		Command:    cmd.Command,
		Parameters: cmd.Parameters,
		Source:     "cloud",
	}
}

// CommandAck is the reply payload for a "command" frame.
type CommandAck struct {
	// Status is "accepted": the command was handed to the local bus.
	// Execution results flow back through state reports, not the ack.
	Status string `json:"status"`

	// CommandID is the generated ID of the forwarded command.
	CommandID string `json:"command_id"`

	// DeviceID is the target device.
	DeviceID string `json:"device_id"`

	// Timestamp is when the ack was created (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`
}

// NewCommandAck creates the accepted-ack for a forwarded command.
func NewCommandAck(fwd ForwardedCommand) CommandAck {
	return CommandAck{
		Status:    "accepted",
		CommandID: fwd.ID,
		DeviceID:  fwd.DeviceID,
		Timestamp: time.Now().UTC(),
	}
}

// AdminMessage is the payload of a "cloud" frame: an administrative action
// the cloud asks this instance to perform.
type AdminMessage struct {
	// Action is the admin action name.
	Action string `json:"action"`

	// Reason explains the action (used by logout).
	Reason string `json:"reason,omitempty"`

	// Title is the notification heading (notification actions only).
	Title string `json:"title,omitempty"`

	// Message is the notification body (notification actions only).
	Message string `json:"message,omitempty"`
}

// StatusReply is the reply payload for a "status" frame: a snapshot of
// this instance's cloud link health for cloud-side diagnostics.
type StatusReply struct {
	// InstanceID identifies this hub installation.
	InstanceID string `json:"instance_id"`

	// Version is the cloud link daemon version.
	Version string `json:"version"`

	// UptimeSeconds is how long the daemon has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// RelayState is the current relay link state.
	RelayState string `json:"relay_state"`

	// ReportQueueDepth is the number of queued state reports.
	ReportQueueDepth int `json:"report_queue_depth"`

	// ReportPending is the number of reports awaiting an ack.
	ReportPending int `json:"report_pending"`

	// MQTTConnected reports whether the local bus is reachable.
	MQTTConnected bool `json:"mqtt_connected"`
}

// Report kinds for StateReport.
const (
	// ReportKindState is a canonical device state change.
	ReportKindState = "state"

	// ReportKindAlert is a system alert raised by Core.
	ReportKindAlert = "alert"
)

// StateReport is the payload sent to the report-state endpoint when Core
// publishes a device state change or an alert.
type StateReport struct {
	// Kind distinguishes device state from alerts.
	Kind string `json:"kind"`

	// DeviceID is set for device state reports.
	DeviceID string `json:"device_id,omitempty"`

	// AlertID is set for alert reports.
	AlertID string `json:"alert_id,omitempty"`

	// Payload is the bus message, forwarded verbatim.
	Payload json.RawMessage `json:"payload"`

	// Timestamp is when the report was created (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`
}

// NewStateReport wraps a canonical device state message for the cloud.
func NewStateReport(deviceID string, payload []byte) StateReport {
	return StateReport{
		Kind:      ReportKindState,
		DeviceID:  deviceID,
		Payload:   json.RawMessage(payload),
		Timestamp: time.Now().UTC(),
	}
}

// NewAlertReport wraps a Core alert message for the cloud.
func NewAlertReport(alertID string, payload []byte) StateReport {
	return StateReport{
		Kind:      ReportKindAlert,
		AlertID:   alertID,
		Payload:   json.RawMessage(payload),
		Timestamp: time.Now().UTC(),
	}
}
