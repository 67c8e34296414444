package relay_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/uplinkctl/internal/auth"
	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/danmuck/uplinkctl/internal/protocol/frame"
	"github.com/danmuck/uplinkctl/internal/protocol/session"
	"github.com/danmuck/uplinkctl/internal/relay"
	"github.com/danmuck/uplinkctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestHandshakeAssignsNamespaceAndReleasesIt(t *testing.T) {
	testlog.Start(t)
	svc, addr := startRelay(t, relay.DefaultServiceConfig(), nil)

	sess, p, done := dial(t, addr, versioned(protocol.KeySessionQualifier, "laptop", "custom", "kept"), nil)
	waitClosed(t, p.complete, "handshake")

	resp := p.Response()
	require.Equal(t, "anonymoulaptop__", resp[protocol.KeyNamespace])
	require.Equal(t, "kept", resp["custom"], "client entries are echoed")
	require.Equal(t, protocol.Version, resp[protocol.KeyProtocolVersion])

	require.Eventually(t, func() bool { return len(svc.Sessions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	info := svc.Sessions()[0]
	require.Equal(t, "anonymoulaptop__", info.Namespace)
	require.Equal(t, protocol.AnonymousAccount, info.Account)
	require.Equal(t, "established", info.State)

	sess.CloseOutgoing()
	require.NoError(t, waitRun(t, done))
	waitClosed(t, p.goodbye, "relay goodbye")
	require.Eventually(t, func() bool { return len(svc.Namespaces().Snapshot()) == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(svc.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandshakeRequiresVersion(t *testing.T) {
	testlog.Start(t)
	_, addr := startRelay(t, relay.DefaultServiceConfig(), nil)

	_, _, done := dial(t, addr, map[string]string{"clientVersion": "1.0"}, nil)
	r := refusalOf(t, waitRun(t, done))
	require.Equal(t, protocol.ErrorInvalidHandshakeData, r.Type)
	require.Equal(t, "Missing handshake version information", r.Message)
	require.Equal(t, session.CauseRemote, r.Cause)
}

func TestHandshakeVersionMismatch(t *testing.T) {
	testlog.Start(t)
	_, addr := startRelay(t, relay.DefaultServiceConfig(), nil)

	_, _, done := dial(t, addr, map[string]string{protocol.KeyProtocolVersion: "0.1"}, nil)
	r := refusalOf(t, waitRun(t, done))
	require.Equal(t, protocol.ErrorProtocolVersionMismatch, r.Type)
	require.Contains(t, r.Message, "0.1 vs. "+protocol.Version)
	require.False(t, r.Retryable())
}

func TestNamespaceCollision(t *testing.T) {
	testlog.Start(t)
	svc, addr := startRelay(t, relay.DefaultServiceConfig(), nil)
	data := versioned(protocol.KeySessionQualifier, "dup")

	first, p1, done1 := dial(t, addr, data, nil)
	waitClosed(t, p1.complete, "first handshake")

	_, _, done2 := dial(t, addr, data, nil)
	r := refusalOf(t, waitRun(t, done2))
	require.Equal(t, protocol.ErrorClientNamespaceCollision, r.Type)
	require.False(t, r.Retryable())

	first.CloseOutgoing()
	require.NoError(t, waitRun(t, done1))
	require.Eventually(t, func() bool { return len(svc.Namespaces().Snapshot()) == 0 }, 2*time.Second, 10*time.Millisecond)

	third, p3, done3 := dial(t, addr, data, nil)
	waitClosed(t, p3.complete, "third handshake")
	third.CloseOutgoing()
	require.NoError(t, waitRun(t, done3))
}

func TestAccountAuthentication(t *testing.T) {
	testlog.Start(t)
	cfg := relay.DefaultServiceConfig()
	cfg.Accounts = map[string]string{"alice": "a-token"}
	cfg.AllowAnonymous = false
	_, addr := startRelay(t, cfg, nil)

	sess, p, done := dial(t, addr, versioned(protocol.KeyAccountName, "alice", protocol.KeyAuthToken, "a-token"), nil)
	waitClosed(t, p.complete, "handshake")
	require.Equal(t, "alice___default_", p.Response()[protocol.KeyNamespace])
	sess.CloseOutgoing()
	require.NoError(t, waitRun(t, done))

	_, _, done = dial(t, addr, versioned(protocol.KeyAccountName, "alice", protocol.KeyAuthToken, "wrong"), nil)
	r := refusalOf(t, waitRun(t, done))
	require.Equal(t, protocol.ErrorInvalidHandshakeData, r.Type)
	require.Contains(t, r.Message, "authentication failed")

	_, _, done = dial(t, addr, versioned(), nil)
	r = refusalOf(t, waitRun(t, done))
	require.Equal(t, protocol.ErrorInvalidHandshakeData, r.Type)
	require.Contains(t, r.Message, "anonymous")
}

func TestSetValidatorWhileServing(t *testing.T) {
	testlog.Start(t)
	cfg := relay.DefaultServiceConfig()
	cfg.AllowAnonymous = false
	svc, addr := startRelay(t, cfg, nil)

	stop := make(chan struct{})
	swapped := make(chan struct{})
	go func() {
		defer close(swapped)
		for {
			select {
			case <-stop:
				return
			default:
				svc.SetValidator(auth.Accounts{"alice": "a-token"})
				time.Sleep(time.Millisecond)
			}
		}
	}()
	sess, p, done := dial(t, addr, versioned(protocol.KeyAccountName, "alice", protocol.KeyAuthToken, "a-token"), nil)
	waitClosed(t, p.complete, "handshake")
	close(stop)
	<-swapped
	sess.CloseOutgoing()
	require.NoError(t, waitRun(t, done))

	svc.SetValidator(auth.FuncValidator(func(string, string) error {
		return errors.New("revoked")
	}))
	_, _, done = dial(t, addr, versioned(protocol.KeyAccountName, "alice", protocol.KeyAuthToken, "a-token"), nil)
	r := refusalOf(t, waitRun(t, done))
	require.Equal(t, protocol.ErrorInvalidHandshakeData, r.Type)
	require.Contains(t, r.Message, "authentication failed")
}

func TestDevFlags(t *testing.T) {
	testlog.Start(t)
	provider := testProvider(t, 200*time.Millisecond)
	cfg := relay.DefaultServiceConfig()
	cfg.DevFlags = true
	svc, addr := startRelay(t, cfg, provider)

	_, _, done := dial(t, addr, versioned(protocol.KeySimulateHandshakeFailure, "boom"), provider)
	r := refusalOf(t, waitRun(t, done))
	require.Equal(t, protocol.ErrorInternalServerError, r.Type)
	require.Equal(t, "failed to process handshake data", r.Message)

	_, _, done = dial(t, addr, versioned(protocol.KeySimulateRefusedConnection, "not today"), provider)
	r = refusalOf(t, waitRun(t, done))
	require.Equal(t, protocol.ErrorInternalServerError, r.Type)
	require.Equal(t, "not today", r.Message)

	_, _, done = dial(t, addr, versioned(protocol.KeySimulateHandshakeResponseDelay, "1"), provider)
	r = refusalOf(t, waitRun(t, done))
	require.Equal(t, session.CauseTimeout, r.Cause)
	require.True(t, r.Timeout())
	require.True(t, r.Retryable())

	require.Eventually(t, func() bool { return len(svc.Namespaces().Snapshot()) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestDevFlagsIgnoredWhenDisabled(t *testing.T) {
	testlog.Start(t)
	_, addr := startRelay(t, relay.DefaultServiceConfig(), nil)

	sess, p, done := dial(t, addr, versioned(protocol.KeySimulateRefusedConnection, "ignored"), nil)
	waitClosed(t, p.complete, "handshake")
	sess.CloseOutgoing()
	require.NoError(t, waitRun(t, done))
}

func TestHeartbeatIsAnswered(t *testing.T) {
	testlog.Start(t)
	_, addr := startRelay(t, relay.DefaultServiceConfig(), nil)

	sess, p, done := dial(t, addr, versioned(), nil)
	waitClosed(t, p.complete, "handshake")

	sent := time.UnixMilli(time.Now().UnixMilli())
	require.NoError(t, sess.SendMessageBlock(frame.DefaultChannelID, session.NewHeartbeatBlock(sent)))
	select {
	case fr := <-p.blocks:
		require.Equal(t, frame.TypeHeartbeatResponse, fr.Type())
		require.Equal(t, frame.DefaultChannelID, fr.Channel)
		at, err := session.HeartbeatSentAt(fr.MessageBlock)
		require.NoError(t, err)
		require.True(t, sent.Equal(at))
	case <-time.After(5 * time.Second):
		t.Fatalf("no heartbeat response")
	}
	sess.CloseOutgoing()
	require.NoError(t, waitRun(t, done))
}

func TestMessageHandlerReplies(t *testing.T) {
	testlog.Start(t)
	svc, addr := startRelay(t, relay.DefaultServiceConfig(), nil)
	svc.SetMessageHandler(func(p *relay.Peer, ch frame.ChannelID, block frame.MessageBlock) {
		reply := frame.MustMessageBlock(block.Type(), append([]byte(p.Namespace()+":"), block.Data()...))
		_ = p.Send(context.Background(), ch, reply, frame.PriorityDefault)
	})

	sess, p, done := dial(t, addr, versioned(protocol.KeySessionQualifier, "echo"), nil)
	waitClosed(t, p.complete, "handshake")
	require.NoError(t, sess.SendMessageBlock(9, frame.MustMessageBlock(5, []byte("ping"))))

	select {
	case fr := <-p.blocks:
		require.Equal(t, frame.ChannelID(9), fr.Channel)
		require.Equal(t, frame.MessageType(5), fr.Type())
		require.Equal(t, "anonymouecho____:ping", string(fr.Data()))
	case <-time.After(5 * time.Second):
		t.Fatalf("no reply")
	}

	peer, ok := svc.Peer("anonymouecho____")
	require.True(t, ok)
	require.Equal(t, uint64(1), peer.Info().BlocksIn)

	sess.CloseOutgoing()
	require.NoError(t, waitRun(t, done))
}

func TestShutdownDrainsSessionsAndRefusesNewOnes(t *testing.T) {
	testlog.Start(t)
	svc, addr := startRelay(t, relay.DefaultServiceConfig(), nil)

	_, p, done := dial(t, addr, versioned(), nil)
	waitClosed(t, p.complete, "handshake")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	shutdownDone := make(chan struct{})
	go func() {
		svc.Shutdown(ctx)
		close(shutdownDone)
	}()

	waitClosed(t, p.goodbye, "shutdown goodbye")
	require.NoError(t, waitRun(t, done))
	p.mu.Lock()
	require.Equal(t, protocol.ErrorServerShuttingDown, p.errType)
	p.mu.Unlock()
	waitClosed(t, shutdownDone, "shutdown")
	require.True(t, svc.Draining())
	require.False(t, svc.Ready())

	_, _, done = dial(t, addr, versioned(), nil)
	r := refusalOf(t, waitRun(t, done))
	require.Equal(t, protocol.ErrorServerShuttingDown, r.Type)
	require.True(t, r.Retryable())
}

func TestShutdownClosesClientThatStoppedReading(t *testing.T) {
	testlog.Start(t)
	svc := relay.NewService(relay.DefaultServiceConfig(), nil)
	served := serveStalledClient(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	shutdownDone := make(chan struct{})
	go func() {
		svc.Shutdown(ctx)
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("Shutdown ignored its grace period")
	}
	require.NoError(t, waitRun(t, served))
	require.Empty(t, svc.Sessions())
}

func TestDisconnectClosesClientThatStoppedReading(t *testing.T) {
	testlog.Start(t)
	svc := relay.NewService(relay.DefaultServiceConfig(), testProvider(t, 200*time.Millisecond))
	served := serveStalledClient(t, svc)

	p, ok := svc.Peer(relay.DeriveNamespace(protocol.AnonymousAccount, protocol.DefaultSessionQualifier))
	require.True(t, ok)
	start := time.Now()
	p.Disconnect(protocol.ErrorUnknown, "Disconnected by the relay operator")
	require.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, waitRun(t, served))
	_, ok = svc.Namespaces().Owner(relay.DeriveNamespace(protocol.AnonymousAccount, protocol.DefaultSessionQualifier))
	require.False(t, ok)
}
