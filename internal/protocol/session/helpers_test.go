package session

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/danmuck/uplinkctl/internal/protocol/frame"
	"github.com/stretchr/testify/require"
)

// recorder captures every callback in order.
type recorder struct {
	mu       sync.Mutex
	events   []string
	refusal  *Refusal
	incoming map[string]string
	blocks   []frame.MessageBlockWithChannelID
	errType  protocol.ErrorType
	errMsg   string
	readErr  error

	provide   func(incoming, outgoing map[string]string) error
	onGoodbye func()
	complete  chan struct{}
}

func newRecorder(provide func(incoming, outgoing map[string]string) error) *recorder {
	return &recorder{provide: provide, complete: make(chan struct{})}
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) Blocks() []frame.MessageBlockWithChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frame.MessageBlockWithChannelID, len(r.blocks))
	copy(out, r.blocks)
	return out
}

func (r *recorder) ProvideOrProcessHandshakeData(incoming, outgoing map[string]string) error {
	if incoming != nil {
		r.mu.Lock()
		r.incoming = incoming
		r.mu.Unlock()
	}
	if r.provide == nil {
		return nil
	}
	return r.provide(incoming, outgoing)
}

func (r *recorder) OnHandshakeComplete() {
	r.add("handshake_complete")
	close(r.complete)
}

func (r *recorder) OnHandshakeFailed(refusal *Refusal) {
	r.mu.Lock()
	r.refusal = refusal
	r.mu.Unlock()
	r.add("handshake_failed")
}

func (r *recorder) OnMessageBlock(ch frame.ChannelID, block frame.MessageBlock) {
	r.mu.Lock()
	r.blocks = append(r.blocks, frame.MessageBlockWithChannelID{MessageBlock: block, Channel: ch})
	r.mu.Unlock()
	r.add("message")
}

func (r *recorder) OnRegularGoodbye() {
	r.add("regular_goodbye")
	if r.onGoodbye != nil {
		r.onGoodbye()
	}
}

func (r *recorder) OnErrorGoodbye(errType protocol.ErrorType, message string) {
	r.mu.Lock()
	r.errType, r.errMsg = errType, message
	r.mu.Unlock()
	r.add("error_goodbye")
}

func (r *recorder) OnStreamClosedOrEOF() { r.add("stream_closed") }

func (r *recorder) OnStreamReadError(err error) {
	r.mu.Lock()
	r.readErr = err
	r.mu.Unlock()
	r.add("read_error")
}

func (r *recorder) OnStreamWriteError(error) { r.add("write_error") }
func (r *recorder) OnNonProtocolError(error) { r.add("non_protocol_error") }

// plainStream hides deadline and half-close support of the wrapped conn.
type plainStream struct {
	io.ReadWriteCloser
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func testProvider(t *testing.T, handshakeTimeout time.Duration) *ConfigProvider {
	t.Helper()
	cfg, err := NewConfigBuilder().HandshakeTimeout(handshakeTimeout).Build()
	require.NoError(t, err)
	return StaticConfigProvider(cfg)
}

func runAsync(s *Session) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background())
	}()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish")
		return nil
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for handshake completion")
	}
}

// rawClientHandshake performs the client side of the handshake by hand and
// returns the reader and writer positioned after it.
func rawClientHandshake(t *testing.T, conn net.Conn, data map[string]string) (*bufio.Reader, *frame.SyncWriter) {
	t.Helper()
	w := frame.NewSyncWriter(conn)
	require.NoError(t, w.WriteRaw([]byte(HandshakeMarker)))
	payload, err := EncodeHandshakeData(data)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(frame.DefaultChannelID, frame.MustMessageBlock(frame.TypeHandshake, payload)))

	br := bufio.NewReader(conn)
	marker := make([]byte, len(HandshakeMarker))
	_, err = io.ReadFull(br, marker)
	require.NoError(t, err)
	require.Equal(t, HandshakeMarker, string(marker))
	fr, err := frame.ReadFrame(br)
	require.NoError(t, err)
	require.Equal(t, frame.TypeHandshake, fr.Type())
	require.NoError(t, w.WriteFrame(frame.DefaultChannelID, frame.MustMessageBlock(frame.TypeHandshake, nil)))
	return br, w
}

// rawServerReadRequest consumes the client's marker and handshake frame.
func rawServerReadRequest(t *testing.T, br *bufio.Reader) map[string]string {
	t.Helper()
	marker := make([]byte, len(HandshakeMarker))
	_, err := io.ReadFull(br, marker)
	require.NoError(t, err)
	require.Equal(t, HandshakeMarker, string(marker))
	fr, err := frame.ReadFrame(br)
	require.NoError(t, err)
	data, err := DecodeHandshakeData(fr.Data())
	require.NoError(t, err)
	return data
}
