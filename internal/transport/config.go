package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind selects the byte-stream carrier for uplink sessions.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindTLS       Kind = "tls"
	KindQUIC      Kind = "quic"
	KindWebSocket Kind = "websocket"
)

// SecurityMode gates how strict transport validation is.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

var ErrUnknownKind = errors.New("transport: unknown kind")

// TLSConfig holds certificate material for tls, quic and secure websocket
// transports.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config describes one endpoint: the address to dial or listen on and the
// carrier used for it.
type Config struct {
	Kind            Kind
	Address         string
	ConnectTimeout  time.Duration
	QUICIdleTimeout time.Duration
	// WebSocketPath is the HTTP path of the websocket endpoint.
	WebSocketPath string
	SecurityMode  SecurityMode
	TLS           TLSConfig
}

func DefaultConfig() Config {
	return Config{
		Kind:            KindTCP,
		ConnectTimeout:  5 * time.Second,
		QUICIdleTimeout: 30 * time.Second,
		WebSocketPath:   "/uplink",
		SecurityMode:    SecurityModeDevelopment,
	}
}

// WithDefaults fills zero fields from DefaultConfig and normalizes names.
// tls and quic always run with TLS enabled.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Kind = NormalizeKind(c.Kind)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.QUICIdleTimeout <= 0 {
		c.QUICIdleTimeout = def.QUICIdleTimeout
	}
	if strings.TrimSpace(c.WebSocketPath) == "" {
		c.WebSocketPath = def.WebSocketPath
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	if c.Kind == KindTLS || c.Kind == KindQUIC {
		c.TLS.Enabled = true
	}
	return c
}

func NormalizeKind(k Kind) Kind {
	v := Kind(strings.ToLower(strings.TrimSpace(string(k))))
	switch v {
	case "":
		return KindTCP
	case "ws":
		return KindWebSocket
	}
	return v
}

func (k Kind) Valid() bool {
	switch k {
	case KindTCP, KindTLS, KindQUIC, KindWebSocket:
		return true
	}
	return false
}

func checkKind(k Kind) error {
	if !k.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
	return nil
}
