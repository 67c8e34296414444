package relay

import (
	"errors"
	"strings"
	"time"

	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/danmuck/uplinkctl/internal/transport"
)

var ErrInvalidConfig = errors.New("relay: invalid config")

// ServiceConfig configures one relay.
type ServiceConfig struct {
	RelayID         string
	ProtocolVersion string
	Listen          transport.Config
	// AdminListenAddr enables the admin HTTP server when set. It also hosts
	// the websocket endpoint for websocket listen configs.
	AdminListenAddr string
	CORSOrigins     []string
	// Accounts maps account names to tokens for clients without a client
	// certificate.
	Accounts       map[string]string
	AllowAnonymous bool
	// DevFlags enables the simulate* handshake keys.
	DevFlags      bool
	ShutdownGrace time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	listen := transport.DefaultConfig()
	listen.Address = ":7520"
	return ServiceConfig{
		RelayID:         "relay.local",
		ProtocolVersion: protocol.Version,
		Listen:          listen,
		AdminListenAddr: "",
		AllowAnonymous:  true,
		DevFlags:        false,
		ShutdownGrace:   5 * time.Second,
	}
}

func (c ServiceConfig) WithDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(c.RelayID) == "" {
		c.RelayID = def.RelayID
	}
	if strings.TrimSpace(c.ProtocolVersion) == "" {
		c.ProtocolVersion = def.ProtocolVersion
	}
	if strings.TrimSpace(c.Listen.Address) == "" {
		c.Listen.Address = def.Listen.Address
	}
	c.Listen = c.Listen.WithDefaults()
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	return c
}

// Validate checks the config after defaults are applied.
func (c ServiceConfig) Validate() error {
	c = c.WithDefaults()
	if err := c.Listen.ValidateServer(); err != nil {
		return err
	}
	if c.Listen.Kind == transport.KindWebSocket && strings.TrimSpace(c.AdminListenAddr) == "" {
		return errors.Join(ErrInvalidConfig, errors.New("websocket listen requires admin_listen_addr"))
	}
	return nil
}
