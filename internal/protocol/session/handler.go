package session

import (
	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/danmuck/uplinkctl/internal/protocol/frame"
)

// EventHandler receives session events. Callbacks run synchronously on the
// session's dispatch goroutine and must not block indefinitely.
type EventHandler interface {
	// ProvideOrProcessHandshakeData is called once per handshake. On the
	// client, incoming is nil and outgoing must be filled with the request;
	// afterwards it is called again with the server's response and a nil
	// outgoing map. On the server, incoming carries the client request and
	// outgoing receives the response. Returning a *Refusal selects the error
	// type reported to the peer; any other error maps to
	// INTERNAL_SERVER_ERROR.
	ProvideOrProcessHandshakeData(incoming map[string]string, outgoing map[string]string) error

	OnHandshakeComplete()
	OnHandshakeFailed(refusal *Refusal)
	OnMessageBlock(ch frame.ChannelID, block frame.MessageBlock)
	OnRegularGoodbye()
	OnErrorGoodbye(errType protocol.ErrorType, message string)
	OnStreamClosedOrEOF()
	OnStreamReadError(err error)
	OnStreamWriteError(err error)
	OnNonProtocolError(err error)
}

// BaseHandler implements every callback as a no-op. Embed it to override
// only what matters.
type BaseHandler struct{}

func (BaseHandler) ProvideOrProcessHandshakeData(map[string]string, map[string]string) error {
	return nil
}

func (BaseHandler) OnHandshakeComplete()                               {}
func (BaseHandler) OnHandshakeFailed(*Refusal)                         {}
func (BaseHandler) OnMessageBlock(frame.ChannelID, frame.MessageBlock) {}
func (BaseHandler) OnRegularGoodbye()                                  {}
func (BaseHandler) OnErrorGoodbye(protocol.ErrorType, string)          {}
func (BaseHandler) OnStreamClosedOrEOF()                               {}
func (BaseHandler) OnStreamReadError(error)                            {}
func (BaseHandler) OnStreamWriteError(error)                           {}
func (BaseHandler) OnNonProtocolError(error)                           {}
