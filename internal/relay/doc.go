// Package relay is the server side of the uplink protocol.
//
// Ownership boundary:
// - accept loop over any transport.Listener, plus websocket upgrades
// - server-side handshake processing: version check, login account,
//   namespace assignment and collision refusal, shutdown refusal
// - per-session outbox/inbox workers and heartbeat answers
// - admin HTTP surface (health, readiness, metrics, session listing)
package relay
