// Package session runs one uplink connection end to end.
//
// Ownership boundary:
// - immutable timing/backpressure configuration and its provider
// - handshake state machine (client and server variants)
// - dispatch loop and the synchronized send path
// - heartbeat, priority outbox and bounded inbox helpers
//
// Wire layout lives in package frame; error codes in package protocol.
package session
