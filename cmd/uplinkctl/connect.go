package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/uplinkctl/internal/client"
	"github.com/danmuck/uplinkctl/internal/config"
	"github.com/danmuck/uplinkctl/internal/protocol/frame"
	"github.com/danmuck/uplinkctl/internal/protocol/session"
	"github.com/danmuck/uplinkctl/internal/transport"
	"github.com/spf13/cobra"
)

type connectOptions struct {
	configPath string
	addr       string
	kind       string
	qualifier  string
	send       string
	channel    int64
	msgType    uint8
	wait       time.Duration
}

func connectCmd() *cobra.Command {
	var opts connectOptions
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a relay, optionally send one block, then say goodbye",
		Long: `connect performs the client handshake and prints the assigned namespace.

With --send it sends one application block, waits --wait for replies and
closes the session with a goodbye. Without --send it stays connected,
reconnecting after retryable failures, until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), cmd.OutOrStdout(), cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Client config file (TOML or YAML)")
	f.StringVar(&opts.addr, "addr", "", "Relay address (overrides the config file)")
	f.StringVar(&opts.kind, "kind", "", "Transport: tcp, tls, quic or websocket")
	f.StringVarP(&opts.qualifier, "qualifier", "q", "", "Session qualifier")
	f.StringVar(&opts.send, "send", "", "Payload of one application block to send")
	f.Int64Var(&opts.channel, "channel", int64(frame.DefaultChannelID), "Channel for --send")
	f.Uint8Var(&opts.msgType, "type", 1, "Message type for --send (1-120)")
	f.DurationVar(&opts.wait, "wait", time.Second, "How long to wait for replies after --send")
	return cmd
}

func loadClientConfig(cmd *cobra.Command, opts connectOptions) (client.Config, session.Config, error) {
	cfg := client.DefaultConfig()
	sessCfg := session.DefaultConfig()
	if strings.TrimSpace(opts.configPath) != "" {
		loaded, err := config.LoadClient(opts.configPath)
		if err != nil {
			return client.Config{}, session.Config{}, err
		}
		cfg, sessCfg = loaded.Client, loaded.Session
	}
	if cmd.Flags().Changed("addr") {
		cfg.Transport.Address = strings.TrimSpace(opts.addr)
	}
	if cmd.Flags().Changed("kind") {
		cfg.Transport.Kind = transport.NormalizeKind(transport.Kind(opts.kind))
	}
	if cmd.Flags().Changed("qualifier") {
		cfg.SessionQualifier = strings.TrimSpace(opts.qualifier)
	}
	return cfg.WithDefaults(), sessCfg, nil
}

func runConnect(ctx context.Context, out io.Writer, cmd *cobra.Command, opts connectOptions) error {
	cfg, sessCfg, err := loadClientConfig(cmd, opts)
	if err != nil {
		return err
	}
	c, err := client.New(cfg, session.StaticConfigProvider(sessCfg))
	if err != nil {
		return err
	}

	var outMu sync.Mutex
	c.SetMessageHandler(func(conn *client.Conn, ch frame.ChannelID, block frame.MessageBlock) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, "< channel=%d type=%d %q\n", ch, block.Type(), block.Data())
	})
	printConnected := func(conn *client.Conn) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, "connected: namespace=%s session=%s\n", conn.Namespace(), conn.ID())
	}

	if opts.send == "" {
		return c.Run(ctx, printConnected)
	}

	block, err := frame.NewMessageBlock(frame.MessageType(opts.msgType), []byte(opts.send))
	if err != nil {
		return err
	}
	if block.Type().Control() {
		return fmt.Errorf("--type %d is reserved for the session layer", opts.msgType)
	}
	conn, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	printConnected(conn)
	if err := conn.Send(ctx, frame.ChannelID(opts.channel), block, frame.PriorityDefault); err != nil {
		_ = conn.Close()
		return err
	}

	select {
	case <-time.After(opts.wait):
	case <-ctx.Done():
	case <-conn.Done():
	}
	if err := conn.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return conn.Err()
}
