package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/uplinkctl/internal/client"
	"github.com/danmuck/uplinkctl/internal/protocol/frame"
	"github.com/danmuck/uplinkctl/internal/protocol/session"
	"github.com/danmuck/uplinkctl/internal/relay"
	"github.com/danmuck/uplinkctl/internal/transport"
)

// Relay is everything the relay command needs from a config file.
type Relay struct {
	Service relay.ServiceConfig
	Session session.Config
}

// Client is everything the connect command needs from a config file.
type Client struct {
	Client  client.Config
	Session session.Config
}

// LoadRelay reads path and overlays it onto the relay defaults.
func LoadRelay(path string) (Relay, error) {
	raw, keys, err := decode(path)
	if err != nil {
		return Relay{}, err
	}
	svc := relayFromFile(raw.Relay, keys)
	if err := svc.Validate(); err != nil {
		return Relay{}, fmt.Errorf("load relay config: %w", err)
	}
	sess, err := sessionFromFile(raw.Session, keys)
	if err != nil {
		return Relay{}, fmt.Errorf("load relay config: %w", err)
	}
	return Relay{Service: svc, Session: sess}, nil
}

// LoadClient reads path and overlays it onto the client defaults.
func LoadClient(path string) (Client, error) {
	raw, keys, err := decode(path)
	if err != nil {
		return Client{}, err
	}
	cfg := clientFromFile(raw.Client, keys)
	// the address may still come from a command line flag
	if err := cfg.Transport.ValidateClient(); err != nil {
		return Client{}, fmt.Errorf("load client config: %w", err)
	}
	sess, err := sessionFromFile(raw.Session, keys)
	if err != nil {
		return Client{}, fmt.Errorf("load client config: %w", err)
	}
	return Client{Client: cfg, Session: sess}, nil
}

func relayFromFile(raw RelayFile, keys keySet) relay.ServiceConfig {
	cfg := relay.DefaultServiceConfig()
	def := func(key string) bool { return keys.IsDefined("relay", key) }

	if def("id") {
		cfg.RelayID = strings.TrimSpace(raw.ID)
	}
	if def("protocol_version") {
		cfg.ProtocolVersion = strings.TrimSpace(raw.ProtocolVersion)
	}
	if def("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if def("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if def("allow_anonymous") {
		cfg.AllowAnonymous = raw.AllowAnonymous
	}
	if def("dev_flags") {
		cfg.DevFlags = raw.DevFlags
	}
	if def("shutdown_grace_ms") {
		cfg.ShutdownGrace = millis(raw.ShutdownGraceMS)
	}
	if def("accounts") {
		cfg.Accounts = raw.Accounts
	}
	cfg.Listen = transportFromFile(cfg.Listen, raw.Listen, keys, "relay", "listen")
	return cfg.WithDefaults()
}

func clientFromFile(raw ClientFile, keys keySet) client.Config {
	cfg := client.DefaultConfig()
	def := func(key string) bool { return keys.IsDefined("client", key) }

	if def("protocol_version") {
		cfg.ProtocolVersion = strings.TrimSpace(raw.ProtocolVersion)
	}
	if def("client_version") {
		cfg.ClientVersion = strings.TrimSpace(raw.ClientVersion)
	}
	if def("session_qualifier") {
		cfg.SessionQualifier = strings.TrimSpace(raw.SessionQualifier)
	}
	if def("account_name") {
		cfg.AccountName = strings.TrimSpace(raw.AccountName)
	}
	if def("auth_token") {
		cfg.AuthToken = raw.AuthToken
	}
	if def("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if def("backoff_initial_ms") {
		cfg.Backoff.InitialDelay = millis(raw.BackoffInitialMS)
	}
	if def("backoff_multiplier") {
		cfg.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if def("backoff_max_ms") {
		cfg.Backoff.MaxDelay = millis(raw.BackoffMaxMS)
	}
	if def("backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}
	if def("disable_heartbeat") {
		cfg.DisableHeartbeat = raw.DisableHeartbeat
	}
	if def("extra") {
		cfg.Extra = raw.Extra
	}
	cfg.Transport = transportFromFile(cfg.Transport, raw.Transport, keys, "client", "transport")
	return cfg.WithDefaults()
}

func transportFromFile(cfg transport.Config, raw TransportFile, keys keySet, prefix ...string) transport.Config {
	def := func(key string) bool {
		path := append(append([]string{}, prefix...), key)
		return keys.IsDefined(path...)
	}

	if def("kind") {
		cfg.Kind = transport.Kind(strings.TrimSpace(raw.Kind))
	}
	if def("addr") {
		cfg.Address = strings.TrimSpace(raw.Addr)
	}
	if def("connect_timeout_ms") {
		cfg.ConnectTimeout = millis(raw.ConnectTimeoutMS)
	}
	if def("quic_idle_timeout_ms") {
		cfg.QUICIdleTimeout = millis(raw.QUICIdleTimeoutMS)
	}
	if def("websocket_path") {
		cfg.WebSocketPath = strings.TrimSpace(raw.WebSocketPath)
	}
	if def("security_mode") {
		cfg.SecurityMode = transport.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if def("tls_enabled") {
		cfg.TLS.Enabled = raw.TLSEnabled
	}
	if def("tls_mutual") {
		cfg.TLS.Mutual = raw.TLSMutual
	}
	if def("tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if def("tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if def("tls_ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if def("tls_server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if def("tls_insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLSInsecureSkipVerify
	}
	return cfg.WithDefaults()
}

func sessionFromFile(raw SessionFile, keys keySet) (session.Config, error) {
	def := func(key string) bool { return keys.IsDefined("session", key) }
	base := session.DefaultConfig()
	b := base.Builder()

	if def("handshake_timeout_ms") {
		b = b.HandshakeTimeout(millis(raw.HandshakeTimeoutMS))
	}
	if def("heartbeat_interval_ms") || def("heartbeat_spread_ms") {
		interval, spread := base.HeartbeatInterval(), base.HeartbeatSpread()
		if def("heartbeat_interval_ms") {
			interval = millis(raw.HeartbeatIntervalMS)
		}
		if def("heartbeat_spread_ms") {
			spread = millis(raw.HeartbeatSpreadMS)
		}
		b = b.Heartbeat(interval, spread)
	}
	if def("heartbeat_warning_threshold_ms") {
		b = b.HeartbeatWarningThreshold(millis(raw.HeartbeatWarningThresholdMS))
	}
	if def("channel_request_timeout_ms") {
		b = b.ChannelRequestTimeout(millis(raw.ChannelRequestTimeoutMS))
	}
	if def("documentation_request_timeout_ms") {
		b = b.DocumentationRequestTimeout(millis(raw.DocumentationRequestTimeoutMS))
	}
	if def("inbound_buffer_limit") {
		b = b.InboundBufferLimit(raw.InboundBufferLimit)
	}
	for name, n := range raw.QueueLimits {
		p, err := ParsePriority(name)
		if err != nil {
			return session.Config{}, err
		}
		b = b.QueueLimit(p, n)
	}
	return b.Build()
}

// ParsePriority maps a queue_limits key onto its priority. Matching is
// case-insensitive and accepts dashes for underscores.
func ParsePriority(name string) (frame.Priority, error) {
	want := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for _, p := range frame.Priorities() {
		if p.String() == want {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown priority %q in queue_limits", ErrInvalidConfig, name)
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
