// Package config maps uplinkctl configuration files onto the relay, client
// and session configs. TOML is the primary format; files ending in .yaml or
// .yml are read as YAML with the same keys. Keys left out of a file keep
// their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid")

// File is the on-disk layout. The relay command reads [relay] and
// [session]; the connect command reads [client] and [session].
type File struct {
	Relay   RelayFile   `toml:"relay" yaml:"relay"`
	Client  ClientFile  `toml:"client" yaml:"client"`
	Session SessionFile `toml:"session" yaml:"session"`
}

// TransportFile is one endpoint: a relay listener or a client dial target.
type TransportFile struct {
	Kind                  string `toml:"kind" yaml:"kind"`
	Addr                  string `toml:"addr" yaml:"addr"`
	ConnectTimeoutMS      int64  `toml:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	QUICIdleTimeoutMS     int64  `toml:"quic_idle_timeout_ms" yaml:"quic_idle_timeout_ms"`
	WebSocketPath         string `toml:"websocket_path" yaml:"websocket_path"`
	SecurityMode          string `toml:"security_mode" yaml:"security_mode"`
	TLSEnabled            bool   `toml:"tls_enabled" yaml:"tls_enabled"`
	TLSMutual             bool   `toml:"tls_mutual" yaml:"tls_mutual"`
	TLSCertFile           string `toml:"tls_cert_file,omitempty" yaml:"tls_cert_file"`
	TLSKeyFile            string `toml:"tls_key_file,omitempty" yaml:"tls_key_file"`
	TLSCAFile             string `toml:"tls_ca_file,omitempty" yaml:"tls_ca_file"`
	TLSServerName         string `toml:"tls_server_name,omitempty" yaml:"tls_server_name"`
	TLSInsecureSkipVerify bool   `toml:"tls_insecure_skip_verify" yaml:"tls_insecure_skip_verify"`
}

type RelayFile struct {
	ID              string            `toml:"id" yaml:"id"`
	ProtocolVersion string            `toml:"protocol_version" yaml:"protocol_version"`
	AdminListenAddr string            `toml:"admin_listen_addr" yaml:"admin_listen_addr"`
	CORSOrigins     []string          `toml:"cors_origins" yaml:"cors_origins"`
	AllowAnonymous  bool              `toml:"allow_anonymous" yaml:"allow_anonymous"`
	DevFlags        bool              `toml:"dev_flags" yaml:"dev_flags"`
	ShutdownGraceMS int64             `toml:"shutdown_grace_ms" yaml:"shutdown_grace_ms"`
	Listen          TransportFile     `toml:"listen" yaml:"listen"`
	Accounts        map[string]string `toml:"accounts,omitempty" yaml:"accounts"`
}

type ClientFile struct {
	ProtocolVersion    string            `toml:"protocol_version" yaml:"protocol_version"`
	ClientVersion      string            `toml:"client_version" yaml:"client_version"`
	SessionQualifier   string            `toml:"session_qualifier" yaml:"session_qualifier"`
	AccountName        string            `toml:"account_name" yaml:"account_name"`
	AuthToken          string            `toml:"auth_token" yaml:"auth_token"`
	MaxConnectAttempts int               `toml:"max_connect_attempts" yaml:"max_connect_attempts"`
	BackoffInitialMS   int64             `toml:"backoff_initial_ms" yaml:"backoff_initial_ms"`
	BackoffMultiplier  float64           `toml:"backoff_multiplier" yaml:"backoff_multiplier"`
	BackoffMaxMS       int64             `toml:"backoff_max_ms" yaml:"backoff_max_ms"`
	BackoffJitter      bool              `toml:"backoff_jitter" yaml:"backoff_jitter"`
	DisableHeartbeat   bool              `toml:"disable_heartbeat" yaml:"disable_heartbeat"`
	Transport          TransportFile     `toml:"transport" yaml:"transport"`
	Extra              map[string]string `toml:"extra,omitempty" yaml:"extra"`
}

// SessionFile holds the protocol timing knobs. Queue limits are keyed by
// priority name (high, default, forwarding, low_non_blockable,
// low_blockable).
type SessionFile struct {
	HandshakeTimeoutMS            int64          `toml:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`
	HeartbeatIntervalMS           int64          `toml:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	HeartbeatSpreadMS             int64          `toml:"heartbeat_spread_ms" yaml:"heartbeat_spread_ms"`
	HeartbeatWarningThresholdMS   int64          `toml:"heartbeat_warning_threshold_ms" yaml:"heartbeat_warning_threshold_ms"`
	ChannelRequestTimeoutMS       int64          `toml:"channel_request_timeout_ms" yaml:"channel_request_timeout_ms"`
	DocumentationRequestTimeoutMS int64          `toml:"documentation_request_timeout_ms" yaml:"documentation_request_timeout_ms"`
	InboundBufferLimit            int            `toml:"inbound_buffer_limit" yaml:"inbound_buffer_limit"`
	QueueLimits                   map[string]int `toml:"queue_limits" yaml:"queue_limits"`
}

// keySet reports whether a dotted key path was present in the file.
type keySet interface {
	IsDefined(key ...string) bool
}

// yamlKeys answers IsDefined from a generic decode of the document.
type yamlKeys map[string]any

func (m yamlKeys) IsDefined(key ...string) bool {
	var cur any = map[string]any(m)
	for _, k := range key {
		node, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		if cur, ok = node[k]; !ok {
			return false
		}
	}
	return true
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// decode reads path into a File and reports which keys it set.
func decode(path string) (File, keySet, error) {
	var raw File
	if !isYAML(path) {
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return File{}, nil, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		return raw, &meta, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return File{}, nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	keys := yamlKeys{}
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return File{}, nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return raw, keys, nil
}
