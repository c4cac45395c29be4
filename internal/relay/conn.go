package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// closeOnce is a signal channel that tolerates repeated Close calls.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for the relay link.
const (
	// defaultPingInterval is the keepalive ping period.
	defaultPingInterval = 55 * time.Second

	// defaultPongTimeout is the extra grace beyond the ping interval before
	// the read deadline expires.
	defaultPongTimeout = 15 * time.Second

	// writeWait is the deadline for individual socket writes.
	writeWait = 10 * time.Second
)

// State identifies the connection lifecycle phase.
type State string

const (
	// StateDisconnected means no connection loop is running.
	StateDisconnected State = "disconnected"

	// StateConnecting covers the initial attempt and the gap between a
	// drop and the next attempt.
	StateConnecting State = "connecting"

	// StateConnected means the relay link is established and frames flow.
	StateConnected State = "connected"
)

func (s State) String() string {
	return string(s)
}

// DisconnectReason records why the last established link ended.
type DisconnectReason struct {
	// Clean is true when the link ended with a proper close handshake or a
	// requested disconnect.
	Clean bool

	// Reason is a short human-readable description.
	Reason string
}

// Session supplies credentials and subscription state for the relay
// handshake.
type Session interface {
	// CheckToken refreshes the access token when it is missing or expired.
	CheckToken(ctx context.Context) error

	// AccessToken returns the current bearer token.
	AccessToken() string

	// SubscriptionExpired reports whether the cloud subscription has lapsed.
	SubscriptionExpired() bool
}

// Notifier delivers user-facing notifications for conditions that need
// human attention. Implementations must not block for long.
type Notifier interface {
	UserMessage(identifier, title, message string)
}

// Dialer opens the WebSocket to the relay. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Logger receives connection events. logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// User-facing notification texts for permanent failure modes.
const (
	notifyTitle = "Gray Logic Cloud"

	// notifySubscriptionExpired identifies the subscription-lapse message.
	notifySubscriptionExpired = "cloud_subscription_expired"

	messageSubscriptionExpired = "Your Gray Logic Cloud subscription has expired. " +
		"Renew the subscription to restore the relay connection."
)

// Config holds the settings for one relay connection.
type Config struct {
	// URL is the relay WebSocket endpoint. Required.
	URL string

	// Session supplies credentials. Required.
	Session Session

	// Notifier receives user-facing messages. Optional.
	Notifier Notifier

	// Dialer opens the socket. Default: websocket.DefaultDialer.
	Dialer Dialer

	// Backoff computes reconnect delays. Default: NewBackoff().
	Backoff *Backoff

	// PingInterval is the keepalive ping period. Default: 55 seconds.
	PingInterval time.Duration

	// PongTimeout is the extra grace beyond PingInterval before the read
	// deadline expires. Default: 15 seconds.
	PongTimeout time.Duration

	// RequireSubscription gates connection attempts on an active
	// subscription. When the subscription lapses the loop ends without
	// retrying and the Notifier is told once.
	RequireSubscription bool

	// MarkConnectedAfterFirstMessage defers the connected transition until
	// the first frame arrives. Used for endpoints where the server may
	// still reject the client after the handshake.
	MarkConnectedAfterFirstMessage bool

	// Logger for connection events. Optional.
	Logger Logger
}

// Stats holds operational statistics for one relay connection.
type Stats struct {
	FramesTx        uint64
	FramesRx        uint64
	ReconnectsTotal uint64
	ErrorsTotal     uint64
	LastActivity    time.Time
	State           State
	Tries           int
}

// Conn maintains one persistent duplex WebSocket link to the relay.
//
// The lifecycle is driven by Connect, which runs the full
// connect → receive → disconnect → backoff → retry cycle until a requested
// disconnect or a permanent failure. Callers usually run Connect in its own
// goroutine and use SendJSON, Ready and the lifecycle hooks from others.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - At most one Connect loop runs per Conn; a second call fails with
//     ErrNotDisconnected.
type Conn struct {
	cfg Config

	// Connection state. The state field is mutated only by the Connect
	// loop; Disconnect requests a transition via closeRequested.
	stateMu        sync.RWMutex
	state          State
	closeRequested bool
	tries          int
	lastDisconnect *DisconnectReason
	ws             *websocket.Conn

	// ready is closed while a link is established and replaced with a
	// fresh open channel when the link drops. readyClosed tracks which.
	ready       chan struct{}
	readyClosed bool

	// Per-Connect-cycle signals. closing is signalled by Disconnect to
	// cancel an in-flight dial or backoff sleep; disconnected is closed
	// exactly when the loop reaches StateDisconnected.
	closing      *closeOnce
	disconnected *closeOnce

	// Write serialisation for the socket.
	writeMu sync.Mutex

	// Lifecycle hooks, invoked in registration order.
	hookMu       sync.Mutex
	onConnect    []func(context.Context) error
	onDisconnect []func(context.Context) error

	// Message sink for valid inbound text frames.
	sinkMu    sync.RWMutex
	onMessage func(ctx context.Context, raw []byte)

	// Counters, read lock-free by Stats.
	framesTx     atomic.Uint64
	framesRx     atomic.Uint64
	reconnects   atomic.Uint64
	errorsTotal  atomic.Uint64
	lastActivity atomic.Int64 // Unix timestamp
}

// New creates a Conn for the given configuration.
//
// Returns:
//   - *Conn: Connection manager in the disconnected state
//   - error: If required configuration is missing
func New(cfg Config) (*Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay: config requires URL")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("relay: config requires Session")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff()
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = defaultPongTimeout
	}

	return &Conn{
		cfg:   cfg,
		state: StateDisconnected,
		ready: make(chan struct{}),
	}, nil
}

// Connect runs the connection loop until the context is cancelled, a
// disconnect is requested, or a permanent failure ends the loop.
//
// The loop retries transient failures with capped exponential backoff.
// Permanent failures (rejected credentials, lapsed subscription while one
// is required) end the loop without retry.
//
// Parameters:
//   - ctx: Context for cancellation; cancelling it stops the loop
//
// Returns:
//   - error: ErrNotDisconnected when a loop is already running, the
//     context error when cancelled, nil otherwise
func (c *Conn) Connect(ctx context.Context) error {
	c.stateMu.Lock()
	if c.state != StateDisconnected {
		c.stateMu.Unlock()
		return ErrNotDisconnected
	}
	c.state = StateConnecting
	c.closeRequested = false
	c.tries = 0
	c.closing = newCloseOnce()
	c.disconnected = newCloseOnce()
	closing := c.closing
	disconnected := c.disconnected
	c.stateMu.Unlock()

	defer func() {
		c.stateMu.Lock()
		c.state = StateDisconnected
		c.stateMu.Unlock()
		disconnected.Close()
	}()

	for {
		c.logDebug("trying to connect", "url", c.cfg.URL)
		c.attempt(ctx, closing)

		if c.State() == StateConnected {
			c.runHooks(ctx, "on_disconnect", c.disconnectHooks())
		}

		if c.isCloseRequested() || ctx.Err() != nil {
			break
		}

		if c.cfg.RequireSubscription && c.cfg.Session.SubscriptionExpired() {
			break
		}

		c.stateMu.Lock()
		c.state = StateConnecting
		c.tries++
		tries := c.tries
		c.stateMu.Unlock()

		if !c.waitRetry(ctx, tries, closing) {
			break
		}
	}

	return ctx.Err()
}

// attempt runs one connection attempt with a catch-all so an unexpected
// panic never kills the loop.
func (c *Conn) attempt(ctx context.Context, closing *closeOnce) {
	defer func() {
		if r := recover(); r != nil {
			c.errorsTotal.Add(1)
			c.logError("unexpected connection error", "panic", fmt.Sprintf("%v", r))
		}
	}()
	c.runOnce(ctx, closing)
}

// runOnce performs a single pass of the connection lifecycle: token gate,
// subscription gate, dial, then the receive loop until the link ends.
func (c *Conn) runOnce(ctx context.Context, closing *closeOnce) {
	if err := c.cfg.Session.CheckToken(ctx); err != nil {
		c.logWarn("cannot connect: unable to refresh token", "error", err)
		return
	}

	if c.cfg.RequireSubscription && c.cfg.Session.SubscriptionExpired() {
		c.logDebug("cloud subscription expired, not connecting")
		c.notifyUser(notifySubscriptionExpired, notifyTitle, messageSubscriptionExpired)
		c.requestClose()
		return
	}

	// A watcher turns the close signal into a cancelled dial and a closed
	// socket so both an in-flight handshake and a blocked read unblock
	// promptly.
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-closing.Done():
		case <-ctx.Done():
		case <-stop:
			return
		}
		cancel()
		c.closeSocket()
	}()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Session.AccessToken())

	ws, resp, err := c.cfg.Dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.logWarn("invalid auth connecting to relay")
			c.requestClose()
			c.storeDisconnectReason(false, "invalid auth")
			return
		}
		c.errorsTotal.Add(1)
		c.logWarn("unable to connect", "error", err)
		c.storeDisconnectReason(false, "unable to connect: "+err.Error())
		return
	}

	c.setSocket(ws)
	defer c.closeSocket()

	// Disconnect may have fired between the dial completing and the
	// socket being registered.
	select {
	case <-closing.Done():
		c.storeDisconnectReason(true, "close requested")
		return
	default:
	}

	if !c.cfg.MarkConnectedAfterFirstMessage {
		c.markConnected(ctx)
	}

	clean, reason := c.receiveLoop(ctx, ws)
	c.storeDisconnectReason(clean, reason)
}

// receiveLoop reads frames until the link ends, returning whether the end
// was clean and a human-readable reason.
func (c *Conn) receiveLoop(ctx context.Context, ws *websocket.Conn) (clean bool, reason string) {
	pongWait := c.cfg.PingInterval + c.cfg.PongTimeout
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(ws, stopPing)

	for {
		msgType, raw, err := ws.ReadMessage()
		if err != nil {
			// A CloseError with code 1006 is synthesised locally for an
			// abrupt drop, not received from the server, so it does not
			// count as a clean close.
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
				return c.IsConnected(), fmt.Sprintf("closed by server: %d %s", closeErr.Code, closeErr.Text)
			}
			if c.isCloseRequested() {
				return c.IsConnected(), "close requested"
			}
			return false, "connection error: " + err.Error()
		}

		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		// The server can complete the handshake and still drop the client
		// afterwards, so the connected transition may happen here on the
		// first frame rather than at dial time.
		if c.State() != StateConnected {
			c.markConnected(ctx)
		}

		if msgType != websocket.TextMessage {
			return false, fmt.Sprintf("received non-text message: %d", msgType)
		}

		if !json.Valid(raw) {
			return false, "received invalid JSON"
		}

		c.framesRx.Add(1)
		c.lastActivity.Store(time.Now().Unix())

		c.handleFrame(ctx, raw)
	}
}

// pingLoop sends keepalive pings until the stop channel closes or a write
// fails.
func (c *Conn) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// handleFrame passes a validated frame to the message sink, recovering
// panics so one bad frame never kills the receive loop.
func (c *Conn) handleFrame(ctx context.Context, raw []byte) {
	c.sinkMu.RLock()
	sink := c.onMessage
	c.sinkMu.RUnlock()

	if sink == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.errorsTotal.Add(1)
			c.logError("unexpected error handling message", "panic", fmt.Sprintf("%v", r))
		}
	}()
	sink(ctx, raw)
}

// waitRetry sleeps for the backoff delay. Returns false when the sleep was
// interrupted by a requested disconnect or context cancellation.
func (c *Conn) waitRetry(ctx context.Context, tries int, closing *closeOnce) bool {
	delay := c.cfg.Backoff.Next(tries)
	c.logDebug("waiting before reconnect", "tries", tries, "delay", delay.String())

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-closing.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// Disconnect requests the connection loop to stop and waits until it
// reaches the disconnected state.
//
// It closes the live socket if one is open and always signals the close
// channel so a backoff sleep or in-flight dial ends promptly rather than
// running out its timer.
//
// Parameters:
//   - ctx: Bounds the wait for the loop to finish
//
// Returns:
//   - error: ctx.Err() if the wait was cut short, nil otherwise
func (c *Conn) Disconnect(ctx context.Context) error {
	c.stateMu.Lock()
	if c.state == StateDisconnected {
		c.stateMu.Unlock()
		return nil
	}
	c.closeRequested = true
	ws := c.ws
	closing := c.closing
	disconnected := c.disconnected
	c.stateMu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
	if closing != nil {
		closing.Close()
	}

	if disconnected == nil {
		return nil
	}

	select {
	case <-disconnected.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendJSON marshals v and writes it as a single text frame.
//
// Valid only while connected; there is no internal retry. Retry behaviour
// belongs to the connection lifecycle, not to an individual send.
//
// Returns:
//   - error: ErrNotConnected when no link is established, or the
//     marshal/write error
func (c *Conn) SendJSON(v any) error {
	c.stateMu.RLock()
	connected := c.state == StateConnected
	ws := c.ws
	c.stateMu.RUnlock()

	if !connected || ws == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: marshal message: %w", err)
	}

	c.logDebug("publishing message", "message", string(data))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("relay: write message: %w", err)
	}

	c.framesTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

// Ready returns a channel that is closed while a link is established.
//
// Callers that triggered a connect can wait on it to learn when sends will
// be accepted. After a drop the channel is replaced, so the result must be
// re-fetched per wait.
func (c *Conn) Ready() <-chan struct{} {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.ready
}

// RegisterOnConnect registers a hook invoked after each successful
// connected transition, in registration order. A hook error is logged and
// does not prevent later hooks from running.
func (c *Conn) RegisterOnConnect(fn func(context.Context) error) {
	c.hookMu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.hookMu.Unlock()
}

// RegisterOnDisconnect registers a hook invoked after each established
// link ends, in registration order. A hook error is logged and does not
// prevent later hooks from running.
func (c *Conn) RegisterOnDisconnect(fn func(context.Context) error) {
	c.hookMu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.hookMu.Unlock()
}

// SetOnMessage sets the sink for valid inbound text frames. The sink is
// invoked from the receive loop; panics are recovered and logged.
func (c *Conn) SetOnMessage(fn func(ctx context.Context, raw []byte)) {
	c.sinkMu.Lock()
	c.onMessage = fn
	c.sinkMu.Unlock()
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// IsConnected returns true if the link is established.
func (c *Conn) IsConnected() bool {
	return c.State() == StateConnected
}

// LastDisconnectReason returns why the last link ended, or nil when the
// link is up or never dropped.
func (c *Conn) LastDisconnectReason() *DisconnectReason {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.lastDisconnect == nil {
		return nil
	}
	r := *c.lastDisconnect
	return &r
}

// Stats returns a point-in-time snapshot of the connection counters.
func (c *Conn) Stats() Stats {
	c.stateMu.RLock()
	state := c.state
	tries := c.tries
	c.stateMu.RUnlock()

	s := Stats{
		FramesTx:        c.framesTx.Load(),
		FramesRx:        c.framesRx.Load(),
		ReconnectsTotal: c.reconnects.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		State:           state,
		Tries:           tries,
	}
	// LastActivity stays the zero time until the first frame moves.
	if la := c.lastActivity.Load(); la != 0 {
		s.LastActivity = time.Unix(la, 0)
	}
	return s
}

// markConnected transitions to connected, resets the retry counter and
// runs the on-connect hooks.
func (c *Conn) markConnected(ctx context.Context) {
	c.stateMu.Lock()
	wasRetry := c.tries > 0
	c.state = StateConnected
	c.tries = 0
	c.lastDisconnect = nil
	if !c.readyClosed {
		close(c.ready)
		c.readyClosed = true
	}
	c.stateMu.Unlock()

	if wasRetry {
		c.reconnects.Add(1)
	}
	c.lastActivity.Store(time.Now().Unix())
	c.logInfo("connected", "url", c.cfg.URL)

	c.runHooks(ctx, "on_connect", c.connectHooks())
}

// storeDisconnectReason records why the link ended and resets the ready
// channel so new waiters block until the next connected transition.
func (c *Conn) storeDisconnectReason(clean bool, reason string) {
	c.stateMu.Lock()
	c.lastDisconnect = &DisconnectReason{Clean: clean, Reason: reason}
	if c.readyClosed {
		c.ready = make(chan struct{})
		c.readyClosed = false
	}
	c.stateMu.Unlock()

	if clean {
		c.logInfo("connection closed", "reason", reason)
	} else {
		c.logWarn("connection closed", "reason", reason)
	}
}

// runHooks invokes lifecycle hooks in order, isolating each failure.
func (c *Conn) runHooks(ctx context.Context, name string, hooks []func(context.Context) error) {
	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logError("lifecycle hook panic", "hook", name, "panic", fmt.Sprintf("%v", r))
				}
			}()
			if err := hook(ctx); err != nil {
				c.logError("lifecycle hook failed", "hook", name, "error", err)
			}
		}()
	}
}

func (c *Conn) connectHooks() []func(context.Context) error {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	hooks := make([]func(context.Context) error, len(c.onConnect))
	copy(hooks, c.onConnect)
	return hooks
}

func (c *Conn) disconnectHooks() []func(context.Context) error {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	hooks := make([]func(context.Context) error, len(c.onDisconnect))
	copy(hooks, c.onDisconnect)
	return hooks
}

// setSocket registers the live socket so Disconnect can close it.
func (c *Conn) setSocket(ws *websocket.Conn) {
	c.stateMu.Lock()
	c.ws = ws
	c.stateMu.Unlock()
}

// closeSocket closes and clears the live socket if one is registered.
func (c *Conn) closeSocket() {
	c.stateMu.Lock()
	ws := c.ws
	c.ws = nil
	c.stateMu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
}

// requestClose marks the loop as done after the current attempt.
func (c *Conn) requestClose() {
	c.stateMu.Lock()
	c.closeRequested = true
	c.stateMu.Unlock()
}

func (c *Conn) isCloseRequested() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.closeRequested
}

// notifyUser forwards a user-facing message when a notifier is configured.
func (c *Conn) notifyUser(identifier, title, message string) {
	if c.cfg.Notifier != nil {
		c.cfg.Notifier.UserMessage(identifier, title, message)
	}
}

func (c *Conn) logDebug(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(msg, args...)
	}
}

func (c *Conn) logInfo(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info(msg, args...)
	}
}

func (c *Conn) logWarn(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Warn(msg, args...)
	}
}

func (c *Conn) logError(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Error(msg, args...)
	}
}
