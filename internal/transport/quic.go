package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
)

// streamConn carries one uplink session on the first bidirectional stream
// of a quic connection.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn

	closeOnce sync.Once
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// CloseWrite finishes the send direction of the stream.
func (c *streamConn) CloseWrite() error { return c.Stream.Close() }

// Close tears down the whole quic connection.
func (c *streamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.Stream.CancelRead(0)
		_ = c.Stream.Close()
		err = c.conn.CloseWithError(0, "")
	})
	return err
}

func (c *streamConn) ConnectionState() tls.ConnectionState {
	return c.conn.ConnectionState().TLS
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{MaxIdleTimeout: c.QUICIdleTimeout, KeepAlivePeriod: c.QUICIdleTimeout / 2}
}

func dialQUIC(ctx context.Context, c Config) (net.Conn, error) {
	tlsConfig, err := c.ClientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, c.Address, tlsConfig, c.quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

// quicListener hands out one streamConn per accepted quic connection. Stream
// acceptance runs per connection so a silent peer does not stall the loop.
type quicListener struct {
	ln     *quic.Listener
	conns  chan net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func listenQUIC(c Config) (Listener, error) {
	tlsConfig, err := c.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(c.Address, tlsConfig, c.quicConfig())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:     ln,
		conns:  make(chan net.Conn),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *quicListener) acceptLoop() {
	defer close(l.done)
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		go l.acceptStream(conn)
	}
}

func (l *quicListener) acceptStream(conn *quic.Conn) {
	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return
	}
	sc := &streamConn{Stream: stream, conn: conn}
	select {
	case l.conns <- sc:
	case <-l.ctx.Done():
		_ = sc.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
