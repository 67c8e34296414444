package main

import (
	"fmt"
	"runtime"

	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and protocol information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, protocol.Version)
				return
			}
			fmt.Fprintf(out, "uplinkctl %s (%s)\n", version, commit)
			fmt.Fprintf(out, "  protocol:   %s\n", protocol.Version)
			fmt.Fprintf(out, "  go version: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only the protocol version")
	return cmd
}
