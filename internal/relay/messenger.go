package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Error codes sent to the peer in replies to peer-initiated requests.
// The codes carry no local detail; that stays in the logs.
const (
	errCodeUnknownHandler = "unknown-handler"
	errCodeException      = "exception"
)

// envelope is the wire format exchanged with the relay.
//
// Outbound calls carry msgid, handler and payload. Replies carry msgid and
// either payload or error; the reporter endpoint adds a human-readable
// message beside the error code.
type envelope struct {
	MsgID   string          `json:"msgid"`
	Handler string          `json:"handler,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// callResult delivers a reply or failure to the caller awaiting it.
type callResult struct {
	payload json.RawMessage
	err     error
}

// HandlerFunc processes one peer-initiated request.
//
// payload is the raw JSON payload of the request. The returned value is
// marshalled into the reply payload; a nil result with a nil error means
// no reply is sent.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// newMsgID returns a 128-bit random correlation id as 32 hex characters.
func newMsgID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Messenger multiplexes request/reply calls and peer-initiated requests
// over one relay connection.
//
// Outbound calls are correlated by msgid: each call registers a pending
// entry, sends its envelope and suspends until the receive path delivers
// the frame bearing the same msgid. Inbound frames that are not replies are
// dispatched to registered handlers, each invocation in its own goroutine
// so a slow handler never blocks the receive loop.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
type Messenger struct {
	conn   *Conn
	logger Logger

	// connectMu narrows the window in which two concurrent callers could
	// both kick a cold connection.
	connectMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callResult

	handlerMu sync.RWMutex
	handlers  map[string]HandlerFunc
}

// NewMessenger creates a Messenger bound to conn.
//
// It installs itself as the connection's message sink and registers a
// disconnect hook that fails every pending call with ErrDisconnected, so
// callers never hang across a drop waiting for a reply that cannot arrive.
func NewMessenger(conn *Conn, logger Logger) *Messenger {
	m := &Messenger{
		conn:     conn,
		logger:   logger,
		pending:  make(map[string]chan callResult),
		handlers: make(map[string]HandlerFunc),
	}
	conn.SetOnMessage(m.handleMessage)
	conn.RegisterOnDisconnect(m.failPending)
	return m
}

// RegisterHandler registers the handler invoked for peer-initiated
// requests of the given kind. Registering the same kind again replaces the
// previous handler.
func (m *Messenger) RegisterHandler(kind string, handler HandlerFunc) {
	m.handlerMu.Lock()
	m.handlers[kind] = handler
	m.handlerMu.Unlock()
}

// Call sends a request to the peer and waits for the correlated reply.
//
// When the connection is down, Call kicks the connection loop and waits
// for the link before sending, so burst callers can wake a cold
// connection. The wait, and the wait for the reply, are bounded by ctx.
//
// Parameters:
//   - ctx: Bounds the whole call
//   - handler: Peer-side handler kind
//   - payload: Marshalled into the request payload; may be nil
//
// Returns:
//   - json.RawMessage: The reply payload
//   - error: *ServerError when the peer replied with an error code,
//     ErrDisconnected when the link dropped before the reply, or a
//     connection/context error
func (m *Messenger) Call(ctx context.Context, handler string, payload any) (json.RawMessage, error) {
	env, err := newRequestEnvelope(handler, payload)
	if err != nil {
		return nil, err
	}

	if err := m.ensureConnected(ctx); err != nil {
		return nil, err
	}

	ch := make(chan callResult, 1)
	m.pendingMu.Lock()
	m.pending[env.MsgID] = ch
	m.pendingMu.Unlock()
	defer m.removePending(env.MsgID)

	if err := m.conn.SendJSON(env); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget request to the peer. No pending entry is
// created and no reply is expected.
//
// Unlike Call it does not kick a cold connection; it returns
// ErrNotConnected when the link is down.
func (m *Messenger) Notify(_ context.Context, handler string, payload any) error {
	env, err := newRequestEnvelope(handler, payload)
	if err != nil {
		return err
	}
	return m.conn.SendJSON(env)
}

// PendingCount returns the number of calls awaiting a reply.
func (m *Messenger) PendingCount() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

// newRequestEnvelope builds an outbound request envelope with a fresh
// msgid.
func newRequestEnvelope(handler string, payload any) (envelope, error) {
	env := envelope{MsgID: newMsgID(), Handler: handler}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return envelope{}, fmt.Errorf("relay: marshal payload: %w", err)
		}
		env.Payload = data
	}
	return env, nil
}

// ensureConnected kicks the connection loop when the link is down and
// waits until the link is ready or ctx expires.
//
// The kicked loop runs under a background context; it is stopped through
// Disconnect, not through the caller's ctx, so one caller's timeout cannot
// tear down the shared connection.
func (m *Messenger) ensureConnected(ctx context.Context) error {
	m.connectMu.Lock()
	if m.conn.State() == StateDisconnected {
		go func() {
			_ = m.conn.Connect(context.Background())
		}()
	}
	ready := m.conn.Ready()
	m.connectMu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Messenger) removePending(msgid string) {
	m.pendingMu.Lock()
	delete(m.pending, msgid)
	m.pendingMu.Unlock()
}

// failPending fails every outstanding call with ErrDisconnected. Runs as a
// disconnect hook.
func (m *Messenger) failPending(context.Context) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	for msgid, ch := range m.pending {
		delete(m.pending, msgid)
		ch <- callResult{err: ErrDisconnected}
	}
	return nil
}

// handleMessage is the connection's message sink. Frames bearing a known
// msgid resolve or fail the matching pending call; frames carrying a
// handler kind are dispatched; everything else is logged and dropped.
func (m *Messenger) handleMessage(ctx context.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logWarn("dropping malformed frame", "error", err)
		return
	}

	m.pendingMu.Lock()
	ch, ok := m.pending[env.MsgID]
	if ok {
		delete(m.pending, env.MsgID)
	}
	m.pendingMu.Unlock()

	if ok {
		if env.Error != "" {
			ch <- callResult{err: &ServerError{Code: env.Error, Message: env.Message}}
		} else {
			ch <- callResult{payload: env.Payload}
		}
		return
	}

	if env.Handler == "" {
		m.logWarn("got unhandled message", "msgid", env.MsgID)
		return
	}

	go m.dispatch(ctx, env)
}

// dispatch invokes the handler for one peer-initiated request and sends
// the correlated reply.
//
// Handler failures are logged locally with full detail; the peer only ever
// sees an opaque error code.
func (m *Messenger) dispatch(ctx context.Context, env envelope) {
	reply := envelope{MsgID: env.MsgID}

	m.handlerMu.RLock()
	handler, ok := m.handlers[env.Handler]
	m.handlerMu.RUnlock()

	if !ok {
		reply.Error = errCodeUnknownHandler
	} else {
		result, err := m.invoke(ctx, handler, env.Payload)
		switch {
		case err != nil:
			m.logError("error handling message", "handler", env.Handler, "error", err)
			reply.Error = errCodeException
		case result == nil:
			// No reply expected.
			return
		default:
			data, merr := json.Marshal(result)
			if merr != nil {
				m.logError("error handling message", "handler", env.Handler, "error", merr)
				reply.Error = errCodeException
			} else {
				reply.Payload = data
			}
		}
	}

	if err := m.conn.SendJSON(reply); err != nil {
		m.logWarn("failed to send reply", "msgid", env.MsgID, "error", err)
	}
}

// invoke runs a handler with panic recovery.
func (m *Messenger) invoke(ctx context.Context, handler HandlerFunc, payload json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, payload)
}

func (m *Messenger) logWarn(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, args...)
	}
}

func (m *Messenger) logError(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Error(msg, args...)
	}
}
