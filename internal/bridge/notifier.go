package bridge

import (
	"encoding/json"

	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/mqtt"
)

// notificationQoS delivers notifications at least once; panels deduplicate
// by identifier.
const notificationQoS = 1

// Publisher is the minimal MQTT surface the notifier needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Notifier pushes user-facing messages from the cloud machinery onto the
// local bus, where wall panels and companion apps render them.
//
// It satisfies the notifier interfaces of both the relay and auth
// packages, which only ever emit informational messages; the bridge's
// admin handler additionally emits critical ones.
type Notifier struct {
	pub    Publisher
	topics mqtt.Topics
	logger Logger
}

// NewNotifier creates a notifier publishing to the cloud notification topic.
func NewNotifier(pub Publisher, logger Logger) *Notifier {
	return &Notifier{
		pub:    pub,
		logger: logger,
	}
}

// UserMessage publishes an informational notification.
func (n *Notifier) UserMessage(identifier, title, message string) {
	n.publish(NewNotificationMessage(identifier, title, message, LevelInfo))
}

// CriticalUserMessage publishes a notification the user must see.
func (n *Notifier) CriticalUserMessage(identifier, title, message string) {
	n.publish(NewNotificationMessage(identifier, title, message, LevelCritical))
}

func (n *Notifier) publish(msg NotificationMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		n.logError("failed to marshal notification", "identifier", msg.Identifier, "error", err)
		return
	}

	topic := n.topics.CloudNotification()
	if err := n.pub.Publish(topic, payload, notificationQoS, false); err != nil {
		n.logError("failed to publish notification", "identifier", msg.Identifier, "error", err)
		return
	}

	n.logDebug("published notification", "identifier", msg.Identifier, "level", string(msg.Level))
}

func (n *Notifier) logDebug(msg string, args ...any) {
	if n.logger != nil {
		n.logger.Debug(msg, args...)
	}
}

func (n *Notifier) logError(msg string, args ...any) {
	if n.logger != nil {
		n.logger.Error(msg, args...)
	}
}
