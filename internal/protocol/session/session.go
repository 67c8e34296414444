package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"unicode/utf8"

	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/danmuck/uplinkctl/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionStarted = errors.New("session: already started")
	ErrNotEstablished = errors.New("session: not established")
	ErrOutgoingClosed = errors.New("session: outgoing stream closed")
)

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

type State int32

const (
	StateFresh State = iota
	StateHandshaking
	StateEstablished
	// StateDraining: a goodbye was received; reading only to observe the
	// stream close.
	StateDraining
	StateTerminated
	StateRefused
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	case StateRefused:
		return "refused"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options tune one session.
type Options struct {
	// Config supplies the timing snapshot taken when the session is created.
	Config *ConfigProvider
	// PeerLabel identifies the remote side in logs.
	PeerLabel string
}

// Session owns one connection: it runs the handshake, then the dispatch
// loop, and serializes every outgoing frame.
type Session struct {
	id      string
	role    Role
	conn    io.ReadWriteCloser
	r       *bufio.Reader
	w       *frame.SyncWriter
	handler EventHandler
	cfg     Config
	log     zerolog.Logger

	state atomic.Int32

	closeOutgoingOnce sync.Once
	closeOnce         sync.Once
	closeErr          error
}

func NewSession(conn io.ReadWriteCloser, role Role, handler EventHandler, opts Options) *Session {
	if handler == nil {
		handler = BaseHandler{}
	}
	id := uuid.NewString()
	s := &Session{
		id:      id,
		role:    role,
		conn:    conn,
		r:       bufio.NewReaderSize(conn, 64*1024),
		w:       frame.NewSyncWriter(conn),
		handler: handler,
		cfg:     opts.Config.Current(),
		log: log.With().
			Str("session", id).
			Str("role", role.String()).
			Str("peer", opts.PeerLabel).
			Logger(),
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Role() Role {
	return s.role
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Config() Config {
	return s.cfg
}

// Run performs the handshake and, on success, dispatches incoming frames
// until the stream ends. It returns nil once an established session ends
// and the *Refusal if the handshake failed; all other outcomes are reported
// to the EventHandler. The connection is always closed on return.
// Cancelling ctx closes the connection.
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateFresh), int32(StateHandshaking)) {
		return ErrSessionStarted
	}
	defer s.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()

	if refusal := s.handshake(ctx); refusal != nil {
		s.state.Store(int32(StateRefused))
		s.log.Warn().
			Str("error_type", refusal.Type.String()).
			Str("cause", refusal.Cause.String()).
			Err(refusal.Err).
			Msg("session.Session.Run handshake failed: " + refusal.Message)
		if refusal.NotifyPeer {
			s.SendErrorGoodbye(refusal.Type, refusal.Message)
		}
		s.handler.OnHandshakeFailed(refusal)
		return refusal
	}

	s.state.Store(int32(StateEstablished))
	s.log.Debug().Msg("session.Session.Run handshake complete")
	s.handler.OnHandshakeComplete()
	s.dispatch()
	s.state.Store(int32(StateTerminated))
	return nil
}

func (s *Session) dispatch() {
	expectingMessages := true
	for {
		var (
			fr  frame.MessageBlockWithChannelID
			err error
		)
		if expectingMessages {
			fr, err = frame.ReadFrame(s.r)
		} else {
			// bounded so a peer that never closes cannot pin the session
			fr, err = readBounded(s.conn, s.cfg.HandshakeTimeout(), func() (frame.MessageBlockWithChannelID, error) {
				return frame.ReadFrame(s.r)
			})
		}
		if err != nil {
			if isStreamClosed(err) {
				s.log.Debug().Err(err).Msg("session.Session.dispatch stream closed")
				s.handler.OnStreamClosedOrEOF()
				return
			}
			if !expectingMessages {
				// Heuristic: after a goodbye any read failure is treated as
				// the peer finishing its close.
				s.log.Debug().Err(err).Msg("session.Session.dispatch read error after goodbye, treating as closed")
				s.handler.OnStreamClosedOrEOF()
				return
			}
			marker := uuid.NewString()
			s.log.Error().Err(err).Str("marker", marker).Msg("session.Session.dispatch read failed, closing the connection")
			s.handler.OnStreamReadError(err)
			s.SendErrorGoodbye(protocol.ErrorInternalServerError,
				"Closing the connection after an error (internal error log marker "+marker+")")
			return
		}

		if !expectingMessages {
			s.log.Debug().
				Int64("channel", int64(fr.Channel)).
				Str("type", fr.Type().String()).
				Msg("session.Session.dispatch ignoring frame after goodbye")
			continue
		}

		if fr.Type() == frame.TypeGoodbye {
			expectingMessages = false
			s.state.Store(int32(StateDraining))
			if fr.DataLength() == 0 {
				s.log.Debug().Msg("session.Session.dispatch regular goodbye")
				s.handler.OnRegularGoodbye()
			} else {
				errType, msg := protocol.UnwrapError(string(fr.Data()))
				s.log.Info().Str("error_type", errType.String()).Msg("session.Session.dispatch error goodbye: " + msg)
				s.handler.OnErrorGoodbye(errType, msg)
			}
			continue
		}

		s.handler.OnMessageBlock(fr.Channel, fr.MessageBlock)
	}
}

// SendMessageBlock writes one frame. Safe for concurrent use.
func (s *Session) SendMessageBlock(ch frame.ChannelID, block frame.MessageBlock) error {
	switch s.State() {
	case StateEstablished, StateDraining:
	default:
		return ErrNotEstablished
	}
	return s.writeFrame(ch, block)
}

func (s *Session) writeFrame(ch frame.ChannelID, block frame.MessageBlock) error {
	err := s.w.WriteFrame(ch, block)
	if errors.Is(err, frame.ErrWriterClosed) {
		return ErrOutgoingClosed
	}
	return err
}

// SendRegularGoodbye sends an empty goodbye and reports whether it was
// written. Failures are logged, not returned.
func (s *Session) SendRegularGoodbye() bool {
	if err := s.writeFrame(frame.DefaultChannelID, frame.MustMessageBlock(frame.TypeGoodbye, nil)); err != nil {
		s.log.Debug().Err(err).Msg("session.Session.SendRegularGoodbye failed; the connection has most likely failed already")
		return false
	}
	return true
}

// SendErrorGoodbye sends a goodbye carrying a wrapped error. Best effort.
func (s *Session) SendErrorGoodbye(errType protocol.ErrorType, message string) {
	wrapped := errType.Wrap(message)
	data := truncateUTF8([]byte(wrapped), frame.MaxDataLength)
	if err := s.writeFrame(frame.DefaultChannelID, frame.MustMessageBlock(frame.TypeGoodbye, data)); err != nil {
		s.log.Debug().Err(err).Str("body", wrapped).Msg("session.Session.SendErrorGoodbye failed; usually safe to ignore")
	}
}

// truncateUTF8 cuts b to at most n bytes without splitting a rune.
func truncateUTF8(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return b[:n]
}

type writeCloser interface {
	CloseWrite() error
}

// CloseOutgoing sends a regular goodbye once and half-closes the write side
// where the transport supports it. Later sends fail with ErrOutgoingClosed.
func (s *Session) CloseOutgoing() {
	s.closeOutgoing(func() { s.SendRegularGoodbye() })
}

// CloseOutgoingWithError is CloseOutgoing with an error goodbye instead of
// a regular one.
func (s *Session) CloseOutgoingWithError(errType protocol.ErrorType, message string) {
	s.closeOutgoing(func() { s.SendErrorGoodbye(errType, message) })
}

func (s *Session) closeOutgoing(goodbye func()) {
	s.closeOutgoingOnce.Do(func() {
		goodbye()
		s.w.Close()
		if wc, ok := s.conn.(writeCloser); ok {
			if err := wc.CloseWrite(); err != nil {
				s.log.Debug().Err(err).Msg("session.Session.CloseOutgoing half-close failed")
			}
		}
	})
}

// Close closes the connection. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		// the conn first: a write stalled on the peer holds the writer lock
		s.closeErr = s.conn.Close()
		s.w.Close()
	})
	return s.closeErr
}

func isStreamClosed(err error) bool {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, frame.ErrShortHeader),
		errors.Is(err, frame.ErrShortPayload),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}
