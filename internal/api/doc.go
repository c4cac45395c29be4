// Package api implements the local status API for Gray Logic Cloud Link.
//
// This package provides:
//   - GET /api/v1/health: liveness and version
//   - GET /api/v1/status: relay channel health, report queue depth,
//     session state and local bus connectivity
//   - GET /api/v1/metrics: Go runtime, relay counters and DB pool stats
//   - GET /api/v1/audit: the trail of cloud-initiated actions
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Architecture
//
// The server is read-only diagnostics for installers and the hub's admin
// UI. It binds to the loopback interface by default and carries no
// authentication layer; anything that can reach it already has shell
// access to the hub. All mutating paths to this instance run through the
// relay, and every one of those leaves an audit row this API can list.
//
// # Partial Wiring
//
// Only the relay command channel is required. Sections of the status
// response whose collaborator is absent (report channel, queue, session,
// bus) are omitted rather than failing the whole snapshot.
package api
