package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-cloud/internal/audit"
)

// Relay frame handler kinds served by the bridge.
const (
	// HandlerCloud carries administrative actions from the cloud.
	HandlerCloud = "cloud"

	// HandlerCommand carries remote device commands.
	HandlerCommand = "command"

	// HandlerStatus carries cloud-side health probes.
	HandlerStatus = "status"
)

// Admin actions delivered through the "cloud" handler.
const (
	actionLogout               = "logout"
	actionDisconnect           = "disconnect"
	actionUserNotification     = "user_notification"
	actionCriticalNotification = "critical_user_notification"
)

// cloudNotificationID groups remote notifications on panel UIs.
const cloudNotificationID = "cloud_notification"

// handleCloudAdmin executes an administrative action requested by the
// cloud. Admin frames never carry a reply; the effect is observable
// through the link itself or the notification topic.
func (b *Bridge) handleCloudAdmin(ctx context.Context, payload json.RawMessage) (any, error) {
	var msg AdminMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("parse cloud action: %w", err)
	}

	switch msg.Action {
	case actionLogout:
		b.logError("logged out by the cloud", "reason", msg.Reason)
		if err := b.session.Logout(ctx); err != nil {
			return nil, fmt.Errorf("logout: %w", err)
		}
		b.recordAudit(&audit.AuditLog{
			Action:  "admin",
			Handler: HandlerCloud,
			Source:  auditSource,
			Details: map[string]any{"action": msg.Action, "reason": msg.Reason},
		})
		// With credentials cleared the loop must not linger on a live
		// socket the cloud no longer honours.
		b.disconnectLink()
		return nil, nil

	case actionDisconnect:
		b.logInfo("disconnect requested by the cloud", "reason", msg.Reason)
		b.recordAudit(&audit.AuditLog{
			Action:  "admin",
			Handler: HandlerCloud,
			Source:  auditSource,
			Details: map[string]any{"action": msg.Action, "reason": msg.Reason},
		})
		b.disconnectLink()
		return nil, nil

	case actionUserNotification, actionCriticalNotification:
		level := LevelInfo
		if msg.Action == actionCriticalNotification {
			level = LevelCritical
			b.notifier.CriticalUserMessage(cloudNotificationID, msg.Title, msg.Message)
		} else {
			b.notifier.UserMessage(cloudNotificationID, msg.Title, msg.Message)
		}
		b.recordAudit(&audit.AuditLog{
			Action:  "notification",
			Handler: HandlerCloud,
			Source:  auditSource,
			Details: map[string]any{"level": string(level), "title": msg.Title},
		})
		return nil, nil

	default:
		b.logWarn("received unknown cloud action", "action", msg.Action)
		return nil, nil
	}
}

// handleCommand forwards a remote device command to the local bus and
// acks it. The ack means "handed to the bus": execution results reach the
// cloud through the normal state report flow.
func (b *Bridge) handleCommand(_ context.Context, payload json.RawMessage) (any, error) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if cmd.DeviceID == "" {
		return nil, fmt.Errorf("command missing device_id")
	}
	if cmd.Command == "" {
		return nil, fmt.Errorf("command missing command")
	}

	fwd := NewForwardedCommand(cmd)
	data, err := json.Marshal(fwd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	topic := b.topics.CloudCommand(cmd.DeviceID)
	if err := b.mqtt.Publish(topic, data, 1, false); err != nil {
		return nil, fmt.Errorf("publish command: %w", err)
	}

	b.logInfo("forwarded cloud command",
		"command_id", fwd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)
	b.recordAudit(&audit.AuditLog{
		Action:  "command",
		Handler: HandlerCommand,
		Source:  auditSource,
		Details: map[string]any{
			"command_id": fwd.ID,
			"device_id":  cmd.DeviceID,
			"command":    cmd.Command,
		},
	})

	return NewCommandAck(fwd), nil
}

// handleStatus replies with a health snapshot of this instance.
func (b *Bridge) handleStatus(context.Context, json.RawMessage) (any, error) {
	return StatusReply{
		InstanceID:       b.instanceID,
		Version:          b.version,
		UptimeSeconds:    int64(time.Since(b.startTime).Seconds()),
		RelayState:       b.link.State().String(),
		ReportQueueDepth: b.reporter.QueueDepth(),
		ReportPending:    b.reporter.PendingCount(),
		MQTTConnected:    b.mqtt.IsConnected(),
	}, nil
}
