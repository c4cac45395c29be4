// Package auth manages this instance's cloud credentials.
//
// The cloud issues a short-lived JWT access token and a long-lived refresh
// token when an instance is paired. This package:
//   - Persists the token pair in SQLite so a restart does not require
//     re-pairing
//   - Renews the access token at the cloud token endpoint, slightly ahead
//     of expiry, with a background refresher that runs while the relay
//     link is up
//   - Reads the claims the service needs locally (expiry for scheduling,
//     sub_exp for the subscription gate) without signature verification;
//     the cloud verifies signatures on every relay dial
//   - Treats a rejected renewal as terminal: the user is notified once,
//     the credentials are cleared and the relay is told to stand down
//
// Session is the integration point: it satisfies the relay connection's
// session interface and exposes OnConnect/OnDisconnect for registration as
// relay lifecycle hooks.
package auth
