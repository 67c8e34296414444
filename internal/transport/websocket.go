package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/uplinkctl/internal/protocol/frame"
	"github.com/gorilla/websocket"
)

// wsConn presents a websocket as a byte stream. Each Write becomes one binary
// message; reads concatenate binary messages in arrival order.
type wsConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	reader io.Reader
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(int64(frame.HeaderLen + frame.MaxDataLength))
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, wsReadError(err)
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func wsReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	if websocket.IsUnexpectedCloseError(err) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite sends a normal close frame; the peer sees EOF.
func (c *wsConn) CloseWrite() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) ConnectionState() tls.ConnectionState {
	if tc, ok := c.ws.NetConn().(*tls.Conn); ok {
		return tc.ConnectionState()
	}
	return tls.ConnectionState{}
}

// WebSocketURL derives the dial URL for c. A full ws:// or wss:// address is
// used as given.
func (c Config) WebSocketURL() string {
	addr := strings.TrimSpace(c.Address)
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	scheme := "ws"
	if c.TLS.Enabled {
		scheme = "wss"
	}
	return scheme + "://" + addr + c.WebSocketPath
}

func dialWebSocket(ctx context.Context, c Config) (net.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.ConnectTimeout}
	if c.TLS.Enabled {
		tlsConfig, err := c.ClientTLSConfig()
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsConfig
	}
	ws, resp, err := dialer.DialContext(ctx, c.WebSocketURL(), http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  frame.HeaderLen + 4096,
	WriteBufferSize: frame.HeaderLen + 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// UpgradeWebSocket upgrades an HTTP request into a session byte stream.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}
