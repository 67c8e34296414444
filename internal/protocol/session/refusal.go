package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/uplinkctl/internal/protocol"
)

// RefusalCause tells where a handshake failure originated.
type RefusalCause int

const (
	// CauseRemote: the peer refused with an error goodbye.
	CauseRemote RefusalCause = iota
	// CauseProtocol: the peer sent something malformed or unexpected.
	CauseProtocol
	// CauseTimeout: the peer did not answer within the handshake timeout.
	CauseTimeout
	// CauseIO: the stream failed or was closed.
	CauseIO
	// CauseLocal: local processing failed.
	CauseLocal
)

func (c RefusalCause) String() string {
	switch c {
	case CauseRemote:
		return "remote"
	case CauseProtocol:
		return "protocol"
	case CauseTimeout:
		return "timeout"
	case CauseIO:
		return "io"
	case CauseLocal:
		return "local"
	}
	return fmt.Sprintf("RefusalCause(%d)", int(c))
}

// Refusal is the single outcome value of a failed handshake.
type Refusal struct {
	Type    protocol.ErrorType
	Message string
	// NotifyPeer requests a best-effort error goodbye before closing.
	NotifyPeer bool
	Cause      RefusalCause
	Err        error
}

// NewRefusal builds a refusal for handshake processors to return from
// ProvideOrProcessHandshakeData. The peer is notified.
func NewRefusal(errType protocol.ErrorType, message string) *Refusal {
	return &Refusal{Type: errType, Message: message, NotifyPeer: true, Cause: CauseLocal}
}

func (r *Refusal) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("session: handshake refused (%s, %s): %s: %v", r.Type, r.Cause, r.Message, r.Err)
	}
	return fmt.Sprintf("session: handshake refused (%s, %s): %s", r.Type, r.Cause, r.Message)
}

func (r *Refusal) Unwrap() error {
	return r.Err
}

// Retryable reports whether a client may reconnect after this refusal.
func (r *Refusal) Retryable() bool {
	return r.Type.ClientShouldRetry()
}

// Timeout reports whether the refusal was caused by a missing response.
func (r *Refusal) Timeout() bool {
	return r.Cause == CauseTimeout
}

// AsRefusal extracts a *Refusal from err.
func AsRefusal(err error) (*Refusal, bool) {
	var r *Refusal
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
