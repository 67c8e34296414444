package client

import (
	"errors"
	"maps"
	"strings"

	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/danmuck/uplinkctl/internal/transport"
)

var ErrAddressRequired = errors.New("client: relay address required")

// Config configures one uplink client.
type Config struct {
	Transport        transport.Config
	ProtocolVersion  string
	ClientVersion    string
	SessionQualifier string
	AccountName      string
	AuthToken        string
	// Extra entries are sent with the handshake data; the standard keys
	// above take precedence.
	Extra map[string]string
	// MaxConnectAttempts bounds dial+handshake attempts; 0 retries until
	// the context ends.
	MaxConnectAttempts int
	Backoff            BackoffConfig
	DisableHeartbeat   bool
}

func DefaultConfig() Config {
	return Config{
		Transport:       transport.DefaultConfig(),
		ProtocolVersion: protocol.Version,
		Backoff:         DefaultBackoffConfig(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Transport = c.Transport.WithDefaults()
	if strings.TrimSpace(c.ProtocolVersion) == "" {
		c.ProtocolVersion = def.ProtocolVersion
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	c.Extra = maps.Clone(c.Extra)
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Transport.Address) == "" {
		return ErrAddressRequired
	}
	return c.Transport.ValidateClient()
}

// handshakeData builds the client's side of the handshake exchange.
func (c Config) handshakeData(out map[string]string) {
	for k, v := range c.Extra {
		out[k] = v
	}
	out[protocol.KeyProtocolVersion] = c.ProtocolVersion
	if v := strings.TrimSpace(c.ClientVersion); v != "" {
		out[protocol.KeyClientVersion] = v
	}
	if v := strings.TrimSpace(c.SessionQualifier); v != "" {
		out[protocol.KeySessionQualifier] = v
	}
	if v := strings.TrimSpace(c.AccountName); v != "" {
		out[protocol.KeyAccountName] = v
		out[protocol.KeyAuthToken] = c.AuthToken
	}
}
