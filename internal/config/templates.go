package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/uplinkctl/internal/client"
	"github.com/danmuck/uplinkctl/internal/protocol/frame"
	"github.com/danmuck/uplinkctl/internal/protocol/session"
	"github.com/danmuck/uplinkctl/internal/relay"
	"github.com/danmuck/uplinkctl/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

type relayTemplate struct {
	Relay   RelayFile   `toml:"relay"`
	Session SessionFile `toml:"session"`
}

type clientTemplate struct {
	Client  ClientFile  `toml:"client"`
	Session SessionFile `toml:"session"`
}

// Template renders a starter config for kind ("relay" or "client") filled
// with the current defaults.
func Template(kind string) (string, error) {
	var (
		header string
		doc    any
	)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "relay":
		header = "# uplinkctl relay config\n\n"
		doc = relayTemplate{Relay: relayFileDefaults(), Session: sessionFileDefaults()}
	case "client":
		header = "# uplinkctl client config\n\n"
		doc = clientTemplate{Client: clientFileDefaults(), Session: sessionFileDefaults()}
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}

	var buf bytes.Buffer
	buf.WriteString(header)
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return buf.String(), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func relayFileDefaults() RelayFile {
	cfg := relay.DefaultServiceConfig().WithDefaults()
	return RelayFile{
		ID:              cfg.RelayID,
		ProtocolVersion: cfg.ProtocolVersion,
		AdminListenAddr: ":7521",
		CORSOrigins:     []string{},
		AllowAnonymous:  cfg.AllowAnonymous,
		DevFlags:        cfg.DevFlags,
		ShutdownGraceMS: cfg.ShutdownGrace.Milliseconds(),
		Listen:          transportFileFrom(cfg.Listen),
	}
}

func clientFileDefaults() ClientFile {
	cfg := client.DefaultConfig()
	cfg.Transport.Address = "localhost:7520"
	cfg = cfg.WithDefaults()
	return ClientFile{
		ProtocolVersion:   cfg.ProtocolVersion,
		SessionQualifier:  "default",
		BackoffInitialMS:  cfg.Backoff.InitialDelay.Milliseconds(),
		BackoffMultiplier: cfg.Backoff.Multiplier,
		BackoffMaxMS:      cfg.Backoff.MaxDelay.Milliseconds(),
		BackoffJitter:     cfg.Backoff.Jitter,
		Transport:         transportFileFrom(cfg.Transport),
	}
}

func transportFileFrom(cfg transport.Config) TransportFile {
	return TransportFile{
		Kind:              string(cfg.Kind),
		Addr:              cfg.Address,
		ConnectTimeoutMS:  cfg.ConnectTimeout.Milliseconds(),
		QUICIdleTimeoutMS: cfg.QUICIdleTimeout.Milliseconds(),
		WebSocketPath:     cfg.WebSocketPath,
		SecurityMode:      string(cfg.SecurityMode),
		TLSEnabled:        cfg.TLS.Enabled,
		TLSMutual:         cfg.TLS.Mutual,
	}
}

func sessionFileDefaults() SessionFile {
	cfg := session.DefaultConfig()
	limits := make(map[string]int, len(frame.Priorities()))
	for _, p := range frame.Priorities() {
		limits[strings.ToLower(p.String())] = cfg.QueueLimit(p)
	}
	return SessionFile{
		HandshakeTimeoutMS:            cfg.HandshakeTimeout().Milliseconds(),
		HeartbeatIntervalMS:           cfg.HeartbeatInterval().Milliseconds(),
		HeartbeatSpreadMS:             cfg.HeartbeatSpread().Milliseconds(),
		HeartbeatWarningThresholdMS:   cfg.HeartbeatWarningThreshold().Milliseconds(),
		ChannelRequestTimeoutMS:       cfg.ChannelRequestTimeout().Milliseconds(),
		DocumentationRequestTimeoutMS: cfg.DocumentationRequestTimeout().Milliseconds(),
		InboundBufferLimit:            cfg.InboundBufferLimit(),
		QueueLimits:                   limits,
	}
}
