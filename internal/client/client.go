// Package client is the dialing side of the uplink protocol: it connects to
// a relay, performs the client handshake, keeps the session alive with
// heartbeats and reconnects after retryable failures.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/uplinkctl/internal/observability"
	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/danmuck/uplinkctl/internal/protocol/frame"
	"github.com/danmuck/uplinkctl/internal/protocol/session"
	"github.com/danmuck/uplinkctl/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectionLost   = errors.New("client: connection lost")
	ErrMissingNamespace = errors.New("client: relay response carries no namespace")
)

// GoodbyeError is how a session ends when the relay sent an error goodbye.
type GoodbyeError struct {
	Type    protocol.ErrorType
	Message string
}

func (e *GoodbyeError) Error() string {
	return "client: relay closed the session: " + e.Type.Wrap(e.Message)
}

func (e *GoodbyeError) Retryable() bool {
	return e.Type.ClientShouldRetry()
}

// Retryable reports whether err permits another connect attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if r, ok := session.AsRefusal(err); ok {
		return r.Retryable()
	}
	var gb *GoodbyeError
	if errors.As(err, &gb) {
		return gb.Retryable()
	}
	if errors.Is(err, ErrAddressRequired) || errors.Is(err, ErrMissingNamespace) {
		return false
	}
	// dial failures and lost connections
	return true
}

// MessageHandler receives application blocks from the relay.
type MessageHandler func(c *Conn, ch frame.ChannelID, block frame.MessageBlock)

// Client dials a relay and establishes sessions.
type Client struct {
	cfg      Config
	provider *session.ConfigProvider

	rngMu sync.Mutex
	rng   *rand.Rand

	onMessage MessageHandler
}

// New validates cfg. A nil provider serves the default timing
// configuration.
func New(cfg Config, provider *session.ConfigProvider) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		provider = session.NewConfigProvider()
	}
	return &Client{
		cfg:      cfg,
		provider: provider,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetMessageHandler installs the handler for application blocks of
// sessions established afterwards.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.onMessage = h
}

// Connect dials and handshakes, retrying retryable failures with backoff
// until MaxConnectAttempts is reached or ctx ends. The returned Conn runs
// until it is closed, the relay says goodbye, or ctx ends.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.connectOnce(ctx)
		observability.RecordConnectAttempt(err == nil)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().
			Int("attempt", attempt).
			Str("addr", c.cfg.Transport.Address).
			Err(err).
			Msg("client.Client.Connect attempt failed")
		if !Retryable(err) || !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// Run keeps a session up until ctx ends: it reconnects after retryable
// session endings and returns on the first non-retryable one. onConnected
// is called for every established Conn.
func (c *Client) Run(ctx context.Context, onConnected func(*Conn)) error {
	var failures int
	for {
		conn, err := c.Connect(ctx)
		if err != nil {
			return err
		}
		connectedAt := time.Now()
		if onConnected != nil {
			onConnected(conn)
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		case <-conn.Done():
		}
		err = conn.Err()
		if err == nil || !Retryable(err) {
			return err
		}
		failures = nextSessionFailures(failures, time.Since(connectedAt), c.cfg.Backoff)
		log.Info().Err(err).Int("failures", failures).Msg("client.Client.Run session ended, reconnecting")
		if err := c.sleepBackoff(ctx, failures); err != nil {
			return nil
		}
	}
}

// nextSessionFailures counts consecutive sessions that ended with a
// retryable error. A session that stayed up past the backoff cap resets the
// count.
func nextSessionFailures(failures int, lived time.Duration, cfg BackoffConfig) int {
	stable := cfg.MaxDelay
	if stable <= 0 {
		stable = DefaultBackoffConfig().MaxDelay
	}
	if lived >= stable {
		failures = 0
	}
	return failures + 1
}

func (c *Client) connectOnce(ctx context.Context) (*Conn, error) {
	nc, err := transport.Dial(ctx, c.cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", c.cfg.Transport.Address, err)
	}
	conn := newConn(c, nc)
	if err := conn.start(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	c.rngMu.Lock()
	delay := NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
	c.rngMu.Unlock()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
