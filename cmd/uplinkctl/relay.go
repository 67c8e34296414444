package main

import (
	"strings"

	"github.com/danmuck/uplinkctl/internal/config"
	"github.com/danmuck/uplinkctl/internal/protocol/session"
	"github.com/danmuck/uplinkctl/internal/relay"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func relayCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		adminAddr  string
		devFlags   bool
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Accept uplink sessions until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			svcCfg := relay.DefaultServiceConfig()
			sessCfg := session.DefaultConfig()
			if strings.TrimSpace(configPath) != "" {
				loaded, err := config.LoadRelay(configPath)
				if err != nil {
					return err
				}
				svcCfg, sessCfg = loaded.Service, loaded.Session
			}
			if cmd.Flags().Changed("listen") {
				svcCfg.Listen.Address = strings.TrimSpace(listenAddr)
			}
			if cmd.Flags().Changed("admin") {
				svcCfg.AdminListenAddr = strings.TrimSpace(adminAddr)
			}
			if cmd.Flags().Changed("dev-flags") {
				svcCfg.DevFlags = devFlags
			}

			provider := session.StaticConfigProvider(sessCfg)
			if watch && strings.TrimSpace(configPath) != "" {
				if err := config.WatchSession(cmd.Context(), configPath, provider, nil); err != nil {
					return err
				}
			}
			svc := relay.NewService(svcCfg, provider)
			log.Info().
				Str("relay", svcCfg.RelayID).
				Str("kind", string(svcCfg.Listen.Kind)).
				Str("addr", svcCfg.Listen.Address).
				Str("admin", svcCfg.AdminListenAddr).
				Msg("uplinkctl.relay starting")
			return svc.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Relay config file (TOML or YAML)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Override the session listen address")
	cmd.Flags().StringVar(&adminAddr, "admin", "", "Override the admin HTTP listen address")
	cmd.Flags().BoolVar(&devFlags, "dev-flags", false, "Honor the simulate* handshake keys")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload the [session] section when the config file changes")
	return cmd
}
