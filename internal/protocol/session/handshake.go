package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/danmuck/uplinkctl/internal/protocol/frame"
)

// HandshakeMarker precedes all framing in both directions.
const HandshakeMarker = "INIT v0 "

const missingGoodbyeMessage = "<no error message available>"

var (
	errExpectTimeout      = errors.New("session: no response within handshake timeout")
	ErrEmptyHandshakeData = errors.New("session: empty handshake data")
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type readResult[T any] struct {
	val T
	err error
}

// readBounded runs read with a wall-clock bound. Streams with native read
// deadlines use them; otherwise the read runs on a helper goroutine whose
// late result is discarded. Either way the stream position is undefined
// after a timeout, so callers must close the connection.
func readBounded[T any](conn io.Reader, timeout time.Duration, read func() (T, error)) (T, error) {
	if d, ok := conn.(readDeadliner); ok {
		if err := d.SetReadDeadline(time.Now().Add(timeout)); err == nil {
			val, err := read()
			_ = d.SetReadDeadline(time.Time{})
			if err != nil && isTimeout(err) {
				return val, errExpectTimeout
			}
			return val, err
		}
	}

	done := make(chan readResult[T], 1)
	go func() {
		val, err := read()
		done <- readResult[T]{val: val, err: err}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.val, res.err
	case <-timer.C:
		var zero T
		return zero, errExpectTimeout
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// EncodeHandshakeData serializes handshake key/value data.
func EncodeHandshakeData(data map[string]string) ([]byte, error) {
	if data == nil {
		data = map[string]string{}
	}
	return json.Marshal(data)
}

// DecodeHandshakeData parses handshake key/value data. Values must be strings.
func DecodeHandshakeData(raw []byte) (map[string]string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyHandshakeData
	}
	out := map[string]string{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("session: decode handshake data: %w", err)
	}
	if out == nil {
		return nil, ErrEmptyHandshakeData
	}
	return out, nil
}

func (s *Session) handshake(ctx context.Context) *Refusal {
	if s.role == RoleClient {
		return s.clientHandshake(ctx)
	}
	return s.serverHandshake(ctx)
}

func (s *Session) clientHandshake(ctx context.Context) *Refusal {
	outgoing := map[string]string{}
	if err := s.handler.ProvideOrProcessHandshakeData(nil, outgoing); err != nil {
		r := s.processingRefusal(err)
		r.NotifyPeer = false
		return r
	}
	payload, err := EncodeHandshakeData(outgoing)
	if err != nil {
		return &Refusal{Type: protocol.ErrorInternalServerError, Message: "failed to encode handshake data", Cause: CauseLocal, Err: err}
	}
	block, err := frame.NewMessageBlock(frame.TypeHandshake, payload)
	if err != nil {
		return &Refusal{Type: protocol.ErrorInternalServerError, Message: "handshake data too large", Cause: CauseLocal, Err: err}
	}
	if err := s.w.WriteRaw([]byte(HandshakeMarker)); err != nil {
		return s.ioRefusal(ctx, "sending handshake marker", err)
	}
	if err := s.w.WriteFrame(frame.DefaultChannelID, block); err != nil {
		return s.ioRefusal(ctx, "sending handshake data", err)
	}
	if r := s.expectMarker(ctx); r != nil {
		return r
	}
	incoming, r := s.expectHandshakeData(ctx, "handshake response")
	if r != nil {
		return r
	}
	if err := s.handler.ProvideOrProcessHandshakeData(incoming, nil); err != nil {
		return s.processingRefusal(err)
	}
	if err := s.w.WriteFrame(frame.DefaultChannelID, frame.MustMessageBlock(frame.TypeHandshake, nil)); err != nil {
		return s.ioRefusal(ctx, "sending handshake confirmation", err)
	}
	return nil
}

func (s *Session) serverHandshake(ctx context.Context) *Refusal {
	if r := s.expectMarker(ctx); r != nil {
		return r
	}
	if err := s.w.WriteRaw([]byte(HandshakeMarker)); err != nil {
		return s.ioRefusal(ctx, "sending handshake marker", err)
	}
	incoming, r := s.expectHandshakeData(ctx, "handshake data")
	if r != nil {
		return r
	}
	outgoing := map[string]string{}
	if err := s.handler.ProvideOrProcessHandshakeData(incoming, outgoing); err != nil {
		return s.processingRefusal(err)
	}
	payload, err := EncodeHandshakeData(outgoing)
	if err != nil {
		return &Refusal{Type: protocol.ErrorInternalServerError, Message: "failed to encode handshake response", NotifyPeer: true, Cause: CauseLocal, Err: err}
	}
	block, err := frame.NewMessageBlock(frame.TypeHandshake, payload)
	if err != nil {
		return &Refusal{Type: protocol.ErrorInternalServerError, Message: "handshake response too large", NotifyPeer: true, Cause: CauseLocal, Err: err}
	}
	if err := s.w.WriteFrame(frame.DefaultChannelID, block); err != nil {
		return s.ioRefusal(ctx, "sending handshake response", err)
	}

	fr, r := s.expectHandshakeBlock(ctx, "handshake confirmation")
	if r != nil {
		return r
	}
	if fr.DataLength() != 0 {
		return &Refusal{
			Type:       protocol.ErrorInvalidHandshakeData,
			Message:    fmt.Sprintf("expected an empty handshake confirmation, received %d bytes", fr.DataLength()),
			NotifyPeer: true,
			Cause:      CauseProtocol,
		}
	}
	return nil
}

func (s *Session) expectMarker(ctx context.Context) *Refusal {
	marker, err := readBounded(s.conn, s.cfg.HandshakeTimeout(), func() ([]byte, error) {
		buf := make([]byte, len(HandshakeMarker))
		_, err := io.ReadFull(s.r, buf)
		return buf, err
	})
	if err != nil {
		return s.ioRefusal(ctx, "handshake marker", err)
	}
	if string(marker) != HandshakeMarker {
		return &Refusal{
			Type:    protocol.ErrorProtocolVersionMismatch,
			Message: fmt.Sprintf("received invalid handshake marker %q", marker),
			Cause:   CauseProtocol,
		}
	}
	return nil
}

// expectHandshakeBlock reads one HANDSHAKE block on the default channel. An
// error goodbye in its place becomes a remote refusal.
func (s *Session) expectHandshakeBlock(ctx context.Context, what string) (frame.MessageBlockWithChannelID, *Refusal) {
	fr, err := readBounded(s.conn, s.cfg.HandshakeTimeout(), func() (frame.MessageBlockWithChannelID, error) {
		return frame.ReadFrame(s.r)
	})
	if err != nil {
		if errors.Is(err, frame.ErrProtocolViolation) {
			return fr, &Refusal{Type: protocol.ErrorInvalidHandshakeData, Message: "malformed " + what, NotifyPeer: true, Cause: CauseProtocol, Err: err}
		}
		return fr, s.ioRefusal(ctx, what, err)
	}
	if fr.Type() == frame.TypeGoodbye {
		wrapped := string(fr.Data())
		if fr.DataLength() == 0 {
			wrapped = protocol.ErrorUnknown.Wrap(missingGoodbyeMessage)
		}
		errType, msg := protocol.UnwrapError(wrapped)
		return fr, &Refusal{Type: errType, Message: msg, Cause: CauseRemote}
	}
	if fr.Channel != frame.DefaultChannelID {
		return fr, &Refusal{
			Type:       protocol.ErrorInvalidHandshakeData,
			Message:    fmt.Sprintf("unexpected handshake channel id %d", fr.Channel),
			NotifyPeer: true,
			Cause:      CauseProtocol,
		}
	}
	if fr.Type() != frame.TypeHandshake {
		return fr, &Refusal{
			Type:       protocol.ErrorInvalidHandshakeData,
			Message:    fmt.Sprintf("expected %s, received message type %s", what, fr.Type()),
			NotifyPeer: true,
			Cause:      CauseProtocol,
		}
	}
	return fr, nil
}

func (s *Session) expectHandshakeData(ctx context.Context, what string) (map[string]string, *Refusal) {
	fr, r := s.expectHandshakeBlock(ctx, what)
	if r != nil {
		return nil, r
	}
	data, err := DecodeHandshakeData(fr.Data())
	if err != nil {
		return nil, &Refusal{Type: protocol.ErrorInvalidHandshakeData, Message: "invalid " + what, NotifyPeer: true, Cause: CauseProtocol, Err: err}
	}
	return data, nil
}

// ioRefusal classifies a transport failure. Timeouts, peer closes and other
// I/O errors get distinct messages; none of them notify the peer.
func (s *Session) ioRefusal(ctx context.Context, what string, err error) *Refusal {
	r := &Refusal{Type: protocol.ErrorLowLevelConnection, Cause: CauseIO, Err: err}
	switch {
	case errors.Is(err, errExpectTimeout):
		r.Cause = CauseTimeout
		r.Err = nil
		r.Message = fmt.Sprintf("no response within %d ms while waiting for %s", s.cfg.HandshakeTimeout().Milliseconds(), what)
	case ctx.Err() != nil:
		r.Message = "handshake cancelled during " + what
		r.Err = ctx.Err()
	case isStreamClosed(err):
		r.Message = "connection closed by peer during " + what
	default:
		r.Message = "i/o error during " + what
	}
	return r
}

// processingRefusal maps a handshake collaborator error onto a refusal.
func (s *Session) processingRefusal(err error) *Refusal {
	if r, ok := AsRefusal(err); ok {
		cp := *r
		return &cp
	}
	return &Refusal{
		Type:       protocol.ErrorInternalServerError,
		Message:    "failed to process handshake data",
		NotifyPeer: true,
		Cause:      CauseLocal,
		Err:        err,
	}
}
