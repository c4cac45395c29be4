// Package bridge ties the relay link to the hub's local MQTT bus.
//
// The cloud link daemon sits between two worlds: the relay connection to
// the managed cloud (package relay) and the hub's internal bus where Core
// publishes canonical device state. This package is the glue.
//
// # Responsibilities
//
//   - Forward canonical device state and Core alerts from the bus to the
//     cloud's report-state endpoint through the queued reporter
//   - Serve cloud-initiated frames: "command" (remote device commands,
//     republished on the bus for Core), "cloud" (admin actions: logout,
//     disconnect, user notifications) and "status" (health snapshot)
//   - Mirror relay link transitions onto the bus: a retained status topic
//     plus transient per-event topics
//   - Record every cloud-initiated action in the SQLite audit trail
//
// # Message Flow
//
//	Core ──state/alerts──► MQTT ──► Bridge ──► Reporter ──► Cloud
//	Cloud ──frames──► Messenger ──► Bridge ──► MQTT ──► Core
//
// # Notifications
//
// The Notifier type publishes user-facing messages (auth failures, forced
// logouts, remote notices) on the cloud notification topic. It satisfies
// the notifier interfaces of the relay and auth packages, so one instance
// serves the whole daemon.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package bridge
