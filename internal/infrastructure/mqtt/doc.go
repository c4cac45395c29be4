// Package mqtt connects the cloud link to the hub's message bus.
//
// Gray Logic installations use MQTT (Mosquitto) as the internal bus.
// The cloud link is one peer on it: Core publishes canonical device
// state and alerts under graylogic/core, and the link publishes
// cloud-originated commands, notifications and its own status under
// graylogic/cloud.
//
//	Cloud Relay <-> Cloud Link <-> MQTT Broker <-> Gray Logic Core
//
// The Client wrapper adds what the daemon needs on top of
// paho.mqtt.golang: subscriptions that are replayed after a reconnect,
// a retained presence record with a last will so peers can tell a
// crash from a shutdown, panic recovery around message handlers, and
// a health check for the HTTP API.
//
// Typical wiring:
//
//	bus, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer bus.Close()
//
//	err = bus.Subscribe(mqtt.Topics{}.AllCoreDeviceStates(), 1,
//	    func(topic string, payload []byte) error {
//	        return forwardToCloud(topic, payload)
//	    })
//
// Production brokers require TLS (cfg.Broker.TLS) and per-client
// credentials enforced by the broker ACL; anonymous access is a
// development convenience only.
package mqtt
