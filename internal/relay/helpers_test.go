package relay_test

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
	"github.com/danmuck/uplinkctl/internal/protocol/session"
	"github.com/danmuck/uplinkctl/internal/relay"
	"github.com/danmuck/uplinkctl/internal/transport"
	"github.com/stretchr/testify/require"
)

// testClient is a hand-driven client handler.
type testClient struct {
	session.BaseHandler

	data map[string]string

	mu       sync.Mutex
	response map[string]string
	errType  protocol.ErrorType
	errMsg   string

	sess     *session.Session
	complete chan struct{}
	goodbye  chan struct{}
	blocks   chan frame.MessageBlockWithChannelID
}

func newTestClient(data map[string]string) *testClient {
	return &testClient{
		data:     data,
		complete: make(chan struct{}),
		goodbye:  make(chan struct{}),
		blocks:   make(chan frame.MessageBlockWithChannelID, 16),
	}
}

func (p *testClient) ProvideOrProcessHandshakeData(incoming, outgoing map[string]string) error {
	if incoming == nil {
		for k, v := range p.data {
			outgoing[k] = v
		}
		return nil
	}
	p.mu.Lock()
	p.response = incoming
	p.mu.Unlock()
	return nil
}

func (p *testClient) OnHandshakeComplete() { close(p.complete) }

func (p *testClient) OnMessageBlock(ch frame.ChannelID, block frame.MessageBlock) {
	p.blocks <- frame.MessageBlockWithChannelID{MessageBlock: block, Channel: ch}
}

func (p *testClient) OnRegularGoodbye() {
	close(p.goodbye)
	p.sess.CloseOutgoing()
}

func (p *testClient) OnErrorGoodbye(errType protocol.ErrorType, message string) {
	p.mu.Lock()
	p.errType, p.errMsg = errType, message
	p.mu.Unlock()
	close(p.goodbye)
	p.sess.CloseOutgoing()
}

func (p *testClient) Response() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.response
}

func testProvider(t *testing.T, handshakeTimeout time.Duration) *session.ConfigProvider {
	t.Helper()
	cfg, err := session.NewConfigBuilder().HandshakeTimeout(handshakeTimeout).Build()
	require.NoError(t, err)
	return session.StaticConfigProvider(cfg)
}

func startRelay(t *testing.T, cfg relay.ServiceConfig, provider *session.ConfigProvider) (*relay.Service, string) {
	t.Helper()
	svc := relay.NewService(cfg, provider)
	ln, err := transport.Listen(transport.Config{Address: "127.0.0.1:0"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("relay did not stop")
		}
	})
	require.Eventually(t, svc.Ready, 2*time.Second, 10*time.Millisecond)
	return svc, ln.Addr().String()
}

// dial starts a client session against addr and returns it with its handler
// and the channel carrying the Run result.
func dial(t *testing.T, addr string, data map[string]string, provider *session.ConfigProvider) (*session.Session, *testClient, <-chan error) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return runTestClient(conn, data, provider)
}

func runTestClient(conn net.Conn, data map[string]string, provider *session.ConfigProvider) (*session.Session, *testClient, <-chan error) {
	p := newTestClient(data)
	s := session.NewSession(conn, session.RoleClient, p, session.Options{Config: provider})
	p.sess = s
	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background())
	}()
	return s, p, done
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

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func refusalOf(t *testing.T, err error) *session.Refusal {
	t.Helper()
	r, ok := session.AsRefusal(err)
	require.True(t, ok, "expected a refusal, got %v", err)
	return r
}

func versioned(kv ...string) map[string]string {
	out := map[string]string{protocol.KeyProtocolVersion: protocol.Version}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

// serveStalledClient runs a relay session over an in-memory pipe. The client
// side completes the handshake by hand and then never reads again.
func serveStalledClient(t *testing.T, svc *relay.Service) <-chan error {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})
	served := make(chan error, 1)
	go func() {
		served <- svc.ServeConn(context.Background(), serverConn)
	}()

	w := frame.NewSyncWriter(clientConn)
	br := bufio.NewReader(clientConn)
	require.NoError(t, w.WriteRaw([]byte(session.HandshakeMarker)))
	marker := make([]byte, len(session.HandshakeMarker))
	_, err := io.ReadFull(br, marker)
	require.NoError(t, err)
	require.Equal(t, session.HandshakeMarker, string(marker))

	payload, err := session.EncodeHandshakeData(versioned())
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(frame.DefaultChannelID, frame.MustMessageBlock(frame.TypeHandshake, payload)))
	fr, err := frame.ReadFrame(br)
	require.NoError(t, err)
	require.Equal(t, frame.TypeHandshake, fr.Type())
	require.NoError(t, w.WriteFrame(frame.DefaultChannelID, frame.MustMessageBlock(frame.TypeHandshake, nil)))

	require.Eventually(t, func() bool {
		for _, info := range svc.Sessions() {
			if info.State == session.StateEstablished.String() {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return served
}
