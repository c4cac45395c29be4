package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/config"
)

const (
	// connectTimeout bounds the initial CONNECT handshake.
	connectTimeout = 10 * time.Second

	// opTimeout bounds the acknowledgement wait for publish, subscribe
	// and unsubscribe operations.
	opTimeout = 5 * time.Second

	// disconnectQuiesceMS is how long Close lets in-flight work drain,
	// in milliseconds as paho expects.
	disconnectQuiesceMS = 1000

	// keepAliveInterval is the MQTT keepalive. The broker declares the
	// client dead after 1.5x this without traffic, which is what fires
	// the last will.
	keepAliveInterval = 60 * time.Second

	// maxQoS is the highest QoS level MQTT defines.
	maxQoS = 2
)

// Client is the cloud link's handle on the hub bus. It wraps
// paho.mqtt.golang with subscription replay, retained presence
// publishing and panic-safe handler dispatch.
//
// All methods are safe for concurrent use. Subscriptions made through
// Subscribe are replayed automatically after a reconnect.
type Client struct {
	paho pahomqtt.Client
	cfg  config.MQTTConfig

	mu           sync.RWMutex
	up           bool
	onConnect    func()
	onDisconnect func(err error)
	log          Logger

	subMu sync.RWMutex
	subs  map[string]subscription
}

// Logger is the slice of the structured logger the client needs for
// reporting handler failures. *logging.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler receives messages for a subscribed topic. Paho invokes
// handlers on its own delivery goroutines, so a handler that blocks
// stalls its subscription; hand long work off elsewhere. A returned
// error is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// subscription is the replay record for one Subscribe call, keyed by
// topic in Client.subs.
type subscription struct {
	qos     byte
	handler MessageHandler
}

// Connect dials the hub broker and returns a ready client.
//
// The connection registers a retained last will on the cloud presence
// topic so the rest of the installation can tell a crashed link from a
// stopped one, and the client re-announces itself online on every
// (re)connect. Reconnection itself is left to paho, bounded by the
// backoff settings in cfg.Reconnect.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		cfg:  cfg,
		subs: make(map[string]subscription),
	}

	opts := brokerOptions(cfg)
	opts.SetWill(Topics{}.CloudPresence(),
		string(presencePayload(cfg.Broker.ClientID, presenceOffline, reasonLinkLost)), 1, true)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.brokerUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.brokerDown(err) })

	c.paho = pahomqtt.NewClient(opts)
	if err := awaitToken(c.paho.Connect(), connectTimeout, ErrConnectionFailed); err != nil {
		return nil, err
	}

	// Mark the link up here rather than waiting for the connect
	// callback, which paho runs asynchronously, so IsConnected is true
	// the moment Connect returns.
	c.mu.Lock()
	c.up = true
	c.mu.Unlock()

	return c, nil
}

// brokerOptions maps the cloud link's MQTT config onto paho options.
func brokerOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAliveInterval)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	return opts
}

// brokerUp runs on every successful (re)connect: replay subscriptions,
// refresh the retained presence record, then notify the owner.
func (c *Client) brokerUp() {
	c.mu.Lock()
	c.up = true
	cb := c.onConnect
	c.mu.Unlock()

	c.subMu.RLock()
	for topic, sub := range c.subs {
		// Replay failures surface through the handler simply never
		// firing; paho retries on the next reconnect.
		c.paho.Subscribe(topic, sub.qos, c.guard(sub.handler))
	}
	c.subMu.RUnlock()

	c.announce(presenceOnline, "")

	if cb != nil {
		cb()
	}
}

// brokerDown runs when an established connection drops.
func (c *Client) brokerDown(err error) {
	c.mu.Lock()
	c.up = false
	cb := c.onDisconnect
	c.mu.Unlock()

	if cb != nil {
		cb(err)
	}
}

// announce publishes this client's retained presence record.
func (c *Client) announce(status, reason string) pahomqtt.Token {
	payload := presencePayload(c.cfg.Broker.ClientID, status, reason)
	return c.paho.Publish(Topics{}.CloudPresence(), byte(c.cfg.QoS), true, payload)
}

// Close replaces the retained presence record with a graceful offline
// announcement, distinct from the last will's crash reason, then
// disconnects. Closing a zero-value client is a no-op.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}

	if c.IsConnected() {
		c.announce(presenceOffline, reasonShutdown).WaitTimeout(opTimeout)
	}

	c.paho.Disconnect(disconnectQuiesceMS)

	c.mu.Lock()
	c.up = false
	c.mu.Unlock()

	return nil
}

// HealthCheck reports whether the broker link is usable. It honours
// ctx so it can sit behind the HTTP health endpoint's deadline.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected combines the last observed connection state with paho's
// own view of the socket.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	up := c.up
	c.mu.RUnlock()
	return up && c.paho.IsConnected()
}

// SetOnConnect registers a hook run after every established
// connection, the initial one included.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect registers a hook run when an established connection
// drops. The error is paho's reason for the loss.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// SetLogger wires a logger for handler errors and recovered panics.
// Without one those events are dropped silently.
func (c *Client) SetLogger(log Logger) {
	c.mu.Lock()
	c.log = log
	c.mu.Unlock()
}

func (c *Client) logger() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.log
}

// guard adapts a MessageHandler to paho's callback shape, recovering
// panics so one bad payload cannot take the bus client down with it.
func (c *Client) guard(h MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if log := c.logger(); log != nil {
					log.Error("mqtt handler panicked", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := h(msg.Topic(), msg.Payload()); err != nil {
			if log := c.logger(); log != nil {
				log.Warn("mqtt handler failed", "topic", msg.Topic(), "error", err)
			}
		}
	}
}

// awaitToken waits on a paho token and folds both timeout and broker
// rejection into the given sentinel.
func awaitToken(token pahomqtt.Token, limit time.Duration, sentinel error) error {
	if !token.WaitTimeout(limit) {
		return fmt.Errorf("%w: no response within %v", sentinel, limit)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}
