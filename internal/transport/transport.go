// Package transport opens the byte streams that uplink sessions run over.
// Every carrier yields a net.Conn; tcp, tls and quic connections also
// support CloseWrite so a session can half-close after its goodbye.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"
)

const handshakeWait = 5 * time.Second

// ErrWebSocketListen is returned by Listen for websocket configs; websocket
// sessions are accepted through UpgradeWebSocket on an HTTP server.
var ErrWebSocketListen = errors.New("transport: websocket is served over http")

// Listener accepts session streams.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Addr() net.Addr
	Close() error
}

// Dial connects to c.Address using c.Kind.
func Dial(ctx context.Context, c Config) (net.Conn, error) {
	c = c.WithDefaults()
	if err := c.ValidateClient(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()

	switch c.Kind {
	case KindTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", c.Address)
	case KindTLS:
		tlsConfig, err := c.ClientTLSConfig()
		if err != nil {
			return nil, err
		}
		d := tls.Dialer{Config: tlsConfig}
		return d.DialContext(ctx, "tcp", c.Address)
	case KindQUIC:
		return dialQUIC(ctx, c)
	case KindWebSocket:
		return dialWebSocket(ctx, c)
	}
	return nil, checkKind(c.Kind)
}

// Listen binds c.Address for tcp, tls or quic.
func Listen(c Config) (Listener, error) {
	c = c.WithDefaults()
	if err := c.ValidateServer(); err != nil {
		return nil, err
	}
	switch c.Kind {
	case KindTCP:
		ln, err := net.Listen("tcp", c.Address)
		if err != nil {
			return nil, err
		}
		return &netListener{ln: ln}, nil
	case KindTLS:
		tlsConfig, err := c.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		ln, err := tls.Listen("tcp", c.Address, tlsConfig)
		if err != nil {
			return nil, err
		}
		return &netListener{ln: ln}, nil
	case KindQUIC:
		return listenQUIC(c)
	case KindWebSocket:
		return nil, ErrWebSocketListen
	}
	return nil, checkKind(c.Kind)
}

type netListener struct {
	ln net.Listener
}

// Accept ignores ctx; callers close the listener to unblock it.
func (l *netListener) Accept(context.Context) (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*tls.Conn); ok {
		return &tlsConn{Conn: tc}, nil
	}
	return conn, nil
}

func (l *netListener) Addr() net.Addr { return l.ln.Addr() }
func (l *netListener) Close() error   { return l.ln.Close() }

// tlsConn completes the server handshake before the first read so
// PeerIdentity sees the client certificate.
type tlsConn struct {
	*tls.Conn
}

func (c *tlsConn) ConnectionState() tls.ConnectionState {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeWait)
	defer cancel()
	_ = c.Conn.HandshakeContext(ctx)
	return c.Conn.ConnectionState()
}
