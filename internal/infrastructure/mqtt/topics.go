package mqtt

import "fmt"

// Topic prefixes shared across the Gray Logic stack.
//
// The cloud link is a peer on the hub's bus: it consumes the canonical
// state Core publishes under graylogic/core and owns its own branch
// under graylogic/cloud.
const (
	// TopicPrefixCore is the base for topics published by Core.
	TopicPrefixCore = "graylogic/core"

	// TopicPrefixCloud is the base for topics owned by the cloud link.
	TopicPrefixCloud = "graylogic/cloud"
)

// Topics builds the bus topics the cloud link publishes or subscribes
// to. Routing every topic through these methods keeps the grammar in
// one place:
//
//	mqtt.Topics{}.CloudCommand("light-hall-1") // graylogic/cloud/command/light-hall-1
type Topics struct{}

// CloudStatus returns the relay link status topic. The bridge publishes
// link state transitions here, retained, so local consumers always see
// the current relay state.
//
// Example: graylogic/cloud/status
func (Topics) CloudStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixCloud)
}

// CloudPresence returns the daemon's bus presence topic. The MQTT client
// publishes online/offline here, retained, and registers it as the LWT
// topic so a crash flips it to offline. Kept separate from CloudStatus:
// presence tracks the process, status tracks the relay link.
//
// Example: graylogic/cloud/presence
func (Topics) CloudPresence() string {
	return fmt.Sprintf("%s/presence", TopicPrefixCloud)
}

// CloudCommand returns the topic for cloud-originated device commands.
// Core subscribes to this branch and executes the commands.
//
// Example: graylogic/cloud/command/light-living-main
func (Topics) CloudCommand(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefixCloud, deviceID)
}

// CloudNotification returns the topic for user-facing messages pushed by
// the cloud (auth failures, subscription notices, remote messages).
//
// Example: graylogic/cloud/notification
func (Topics) CloudNotification() string {
	return fmt.Sprintf("%s/notification", TopicPrefixCloud)
}

// CloudEvent returns the topic for relay lifecycle events.
//
// Example: graylogic/cloud/event/connected
func (Topics) CloudEvent(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefixCloud, eventType)
}

// CoreDeviceState returns the topic where Core publishes a device's
// canonical state once it has absorbed the bridge updates. The cloud
// link treats it as read-only truth.
//
// Example: graylogic/core/device/thermostat-hall/state
func (Topics) CoreDeviceState(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/state", TopicPrefixCore, deviceID)
}

// CoreAlert returns the topic a single system alert is raised on.
//
// Example: graylogic/core/alert/alert-heating-pump
func (Topics) CoreAlert(alertID string) string {
	return fmt.Sprintf("%s/alert/%s", TopicPrefixCore, alertID)
}

// AllCoreDeviceStates returns the subscription filter covering every
// device's canonical state.
//
// Filter: graylogic/core/device/+/state
func (Topics) AllCoreDeviceStates() string {
	return fmt.Sprintf("%s/device/+/state", TopicPrefixCore)
}

// AllCoreAlerts returns the subscription filter covering the whole
// alert branch.
//
// Filter: graylogic/core/alert/+
func (Topics) AllCoreAlerts() string {
	return fmt.Sprintf("%s/alert/+", TopicPrefixCore)
}

// AllCloudCommands returns the subscription filter for cloud-originated
// commands. Used by tests and diagnostics; Core holds the production
// subscription.
//
// Filter: graylogic/cloud/command/+
func (Topics) AllCloudCommands() string {
	return fmt.Sprintf("%s/command/+", TopicPrefixCloud)
}
