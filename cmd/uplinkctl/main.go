package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/uplinkctl/internal/observability"
	"github.com/spf13/cobra"
)

// set at build time
var (
	version = "dev"
	commit  = "none"
)

func main() {
	observability.InitLogger("uplinkctl")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "uplinkctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "uplinkctl",
		Short: "Run an uplink relay or connect to one",
		Long: `uplinkctl speaks the uplink wire protocol: framed message blocks over a
single byte stream (tcp, tls, quic or websocket), opened by a handshake that
assigns the client a namespace and closed with goodbye frames.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		relayCmd(),
		connectCmd(),
		configCmd(),
		versionCmd(),
	)
	return root
}
