// Package protocol owns the uplink wire contract shared by every layer.
//
// Ownership boundary:
// - error taxonomy and the "E<code>: <message>" goodbye text format
// - handshake data keys and the protocol version
// - frame codec (subpackage frame)
// - handshake and dispatch state machine (subpackage session)
package protocol
