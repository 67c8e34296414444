package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/danmuck/uplinkctl/internal/protocol/frame"
	"github.com/danmuck/uplinkctl/internal/relay"
	"github.com/danmuck/uplinkctl/internal/testutil/testlog"
	"github.com/danmuck/uplinkctl/internal/transport"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestVersionShort(t *testing.T) {
	testlog.Start(t)
	out, err := execute(t, context.Background(), "version", "--short")
	require.NoError(t, err)
	require.Equal(t, protocol.Version+"\n", out)
}

func TestConfigInitAndValidate(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	relayPath := filepath.Join(dir, "relay.toml")
	clientPath := filepath.Join(dir, "client.toml")

	out, err := execute(t, context.Background(), "config", "init", relayPath)
	require.NoError(t, err)
	require.Contains(t, out, "wrote relay config")

	_, err = execute(t, context.Background(), "config", "init", "--kind", "client", clientPath)
	require.NoError(t, err)

	for _, path := range []string{relayPath, clientPath} {
		out, err = execute(t, context.Background(), "config", "validate", path)
		require.NoError(t, err)
		require.Contains(t, out, "ok")
	}

	_, err = execute(t, context.Background(), "config", "init", relayPath)
	require.Error(t, err, "existing files are not overwritten without --force")
}

func TestConnectSendsOneBlock(t *testing.T) {
	testlog.Start(t)
	svc := relay.NewService(relay.DefaultServiceConfig(), nil)
	svc.SetMessageHandler(func(p *relay.Peer, ch frame.ChannelID, block frame.MessageBlock) {
		reply := frame.MustMessageBlock(block.Type(), []byte(strings.ToUpper(string(block.Data()))))
		_ = p.Send(context.Background(), ch, reply, frame.PriorityDefault)
	})
	ln, err := transport.Listen(transport.Config{Address: "127.0.0.1:0"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Serve(ctx, ln) }()
	require.Eventually(t, svc.Ready, 2*time.Second, 10*time.Millisecond)

	out, err := execute(t, ctx, "connect",
		"--addr", ln.Addr().String(),
		"--qualifier", "cli",
		"--send", "hello",
		"--channel", "4",
		"--type", "9",
		"--wait", "2s",
	)
	require.NoError(t, err)
	require.Contains(t, out, "connected: namespace=anonymoucli_____")
	require.Contains(t, out, `< channel=4 type=9 "HELLO"`)
}

func TestConnectRejectsReservedType(t *testing.T) {
	testlog.Start(t)
	_, err := execute(t, context.Background(), "connect", "--addr", "127.0.0.1:1", "--send", "x", "--type", "127")
	require.Error(t, err)
	require.Contains(t, err.Error(), "reserved")
}
