package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const (
	// maxPending is the outbound queue capacity. When the queue is full the
	// oldest entry is evicted and its caller fails with the discard code.
	maxPending = 100

	errCodeDiscard    = "message_discarded"
	errMessageDiscard = "message discarded because the outbound queue is full"
)

// Reporter sends state-report payloads to a relay endpoint through a
// bounded outbound queue.
//
// Callers enqueue through Send and suspend until the peer acknowledges
// their message. A pump goroutine, started when the link comes up and
// stopped when it drops, drains the queue in strict FIFO order with at
// most one send in flight. Queued entries survive a reconnect; only the
// entry being sent when the link dropped fails.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
type Reporter struct {
	conn   *Conn
	logger Logger

	// connectMu narrows the window in which two concurrent callers could
	// both kick a cold connection.
	connectMu sync.Mutex

	// queueMu serialises producers so the eviction check and the enqueue
	// stay atomic; the pump consumes without it.
	queueMu sync.Mutex
	queue   chan envelope

	pendingMu sync.Mutex
	pending   map[string]chan callResult

	pumpMu   sync.Mutex
	pumpStop chan struct{}
}

// NewReporter creates a Reporter bound to conn.
//
// It installs itself as the connection's message sink and registers the
// lifecycle hooks that start and stop the queue pump.
func NewReporter(conn *Conn, logger Logger) *Reporter {
	r := &Reporter{
		conn:    conn,
		logger:  logger,
		queue:   make(chan envelope, maxPending),
		pending: make(map[string]chan callResult),
	}
	conn.SetOnMessage(r.handleMessage)
	conn.RegisterOnConnect(r.startPump)
	conn.RegisterOnDisconnect(r.stopPump)
	return r
}

// Send enqueues a report and waits for the peer's acknowledgement.
//
// When the connection is down, Send kicks the connection loop; the entry
// waits in the queue until the pump delivers it after the link comes up.
// When the queue is full the oldest queued entry is evicted and its caller
// fails with a *ServerError carrying the discard code; Send itself never
// blocks on a full queue.
//
// Parameters:
//   - ctx: Bounds the wait for the acknowledgement
//   - payload: Marshalled into the report payload
//
// Returns:
//   - json.RawMessage: The acknowledgement payload
//   - error: *ServerError when the peer rejected the report or the entry
//     was discarded, ErrDisconnected when the link dropped mid-send, or a
//     context error
func (r *Reporter) Send(ctx context.Context, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal payload: %w", err)
	}
	env := envelope{MsgID: newMsgID(), Payload: data}

	r.kickConnect()

	ch := make(chan callResult, 1)

	r.queueMu.Lock()
	if len(r.queue) == cap(r.queue) {
		select {
		case old := <-r.queue:
			r.failPendingCall(old.MsgID, &ServerError{Code: errCodeDiscard, Message: errMessageDiscard})
		default:
		}
	}

	r.pendingMu.Lock()
	r.pending[env.MsgID] = ch
	r.pendingMu.Unlock()

	r.queue <- env
	r.queueMu.Unlock()

	defer r.removePending(env.MsgID)

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueDepth returns the number of entries waiting to be sent.
func (r *Reporter) QueueDepth() int {
	return len(r.queue)
}

// PendingCount returns the number of callers awaiting an acknowledgement.
func (r *Reporter) PendingCount() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// kickConnect starts the connection loop when the link is down.
//
// The kicked loop runs under a background context and is stopped through
// the connection's Disconnect.
func (r *Reporter) kickConnect() {
	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	if r.conn.State() == StateDisconnected {
		go func() {
			_ = r.conn.Connect(context.Background())
		}()
	}
}

// startPump runs as the connection's on-connect hook.
func (r *Reporter) startPump(context.Context) error {
	r.pumpMu.Lock()
	defer r.pumpMu.Unlock()

	if r.pumpStop != nil {
		return nil
	}
	stop := make(chan struct{})
	r.pumpStop = stop
	go r.pump(stop)
	return nil
}

// stopPump runs as the connection's on-disconnect hook.
func (r *Reporter) stopPump(context.Context) error {
	r.pumpMu.Lock()
	defer r.pumpMu.Unlock()

	if r.pumpStop != nil {
		close(r.pumpStop)
		r.pumpStop = nil
	}
	return nil
}

// pump drains the queue one entry at a time while the link is up.
//
// A send failure means the link is going down: the in-flight entry's
// caller fails and the pump exits, leaving the rest of the queue for the
// pump of the next connected session.
func (r *Reporter) pump(stop <-chan struct{}) {
	r.logDebug("message sender activated")
	defer r.logDebug("message sender shut down")

	for {
		select {
		case <-stop:
			return
		case env := <-r.queue:
			if err := r.conn.SendJSON(env); err != nil {
				r.logWarn("failed to send queued message", "msgid", env.MsgID, "error", err)
				r.failPendingCall(env.MsgID, ErrDisconnected)
				return
			}
		}
	}
}

// handleMessage is the connection's message sink. Frames bearing a known
// msgid resolve or fail the matching pending call; everything else is
// logged and dropped.
func (r *Reporter) handleMessage(_ context.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logWarn("dropping malformed frame", "error", err)
		return
	}

	r.pendingMu.Lock()
	ch, ok := r.pending[env.MsgID]
	if ok {
		delete(r.pending, env.MsgID)
	}
	r.pendingMu.Unlock()

	if !ok {
		r.logWarn("got unhandled message", "msgid", env.MsgID)
		return
	}

	if env.Error != "" {
		ch <- callResult{err: &ServerError{Code: env.Error, Message: env.Message}}
		return
	}
	ch <- callResult{payload: env.Payload}
}

// failPendingCall fails one pending call if it is still registered.
func (r *Reporter) failPendingCall(msgid string, err error) {
	r.pendingMu.Lock()
	ch, ok := r.pending[msgid]
	if ok {
		delete(r.pending, msgid)
	}
	r.pendingMu.Unlock()

	if ok {
		ch <- callResult{err: err}
	}
}

func (r *Reporter) removePending(msgid string) {
	r.pendingMu.Lock()
	delete(r.pending, msgid)
	r.pendingMu.Unlock()
}

func (r *Reporter) logDebug(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}

func (r *Reporter) logWarn(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}
