// Package relay maintains the persistent duplex WebSocket link between a
// Gray Logic hub and the managed cloud relay.
//
// This package is the concurrency core of the Cloud Link daemon. It owns
// exactly one connection per endpoint, keeps it alive across network
// failures, and multiplexes concurrent callers onto it with request/reply
// correlation.
//
// # Architecture
//
//	┌──────────────┐            ┌──────────────┐            ┌─────────────┐
//	│  Messenger   │  SendJSON  │     Conn     │  WebSocket │ Cloud Relay │
//	│  Reporter    │◄──────────►│  (this pkg)  │◄──────────►│   Server    │
//	└──────────────┘            └──────────────┘            └─────────────┘
//
// # Responsibilities
//
//   - Run the connect → receive → disconnect → backoff → retry cycle
//   - Gate attempts on a valid token and an active subscription
//   - Correlate request/reply traffic by 128-bit random msgid
//   - Dispatch peer-initiated requests to registered handlers
//   - Bound outbound state reports in a FIFO queue with evict-oldest
//     overflow
//
// # Connection Lifecycle
//
// Conn.Connect runs the full lifecycle loop and blocks until an explicit
// Disconnect, a permanent failure (rejected credentials, lapsed
// subscription) or context cancellation. Transient failures retry with
// capped exponential backoff plus growing jitter. Callers typically run
// the loop in its own goroutine:
//
//	conn, err := relay.New(relay.Config{URL: url, Session: session})
//	if err != nil {
//	    return err
//	}
//	go conn.Connect(ctx)
//
// # Messaging
//
// Messenger layers request/reply correlation and handler dispatch on one
// Conn. Reporter is the queued variant used for state reporting: sends
// pass through a bounded FIFO queue drained by a pump goroutine while the
// link is up.
//
// # Thread Safety
//
// Every exported type here may be shared freely across goroutines. At
// most one Connect loop runs per Conn.
package relay
