package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/uplinkctl/internal/observability"
	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/danmuck/uplinkctl/internal/protocol/frame"
	"github.com/danmuck/uplinkctl/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const roleLabel = "client"

var ErrReservedType = errors.New("client: message type is reserved for the session layer")

// Conn is one established client session.
type Conn struct {
	client *Client
	sess   *session.Session
	log    zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	outbox    *session.Outbox
	inbox     *session.Inbox
	heartbeat *session.Heartbeat
	wg        sync.WaitGroup

	established chan struct{}
	done        chan struct{}

	mu        sync.Mutex
	namespace string
	response  map[string]string
	endErr    error
	goodbye   bool
	closing   bool
	lastRTT   time.Duration
}

func newConn(c *Client, nc net.Conn) *Conn {
	conn := &Conn{
		client:      c,
		established: make(chan struct{}),
		done:        make(chan struct{}),
	}
	remote := nc.RemoteAddr().String()
	conn.sess = session.NewSession(nc, session.RoleClient, conn, session.Options{
		Config:    c.provider,
		PeerLabel: remote,
	})
	cfg := conn.sess.Config()
	conn.outbox = session.NewOutbox(cfg)
	conn.inbox = session.NewInbox(cfg)
	c.rngMu.Lock()
	seed := c.rng.Int63()
	c.rngMu.Unlock()
	conn.heartbeat = session.NewHeartbeat(conn.sess, cfg, rand.New(rand.NewSource(seed)), conn.recordRTT)
	conn.log = log.With().Str("session", conn.sess.ID()).Str("remote", remote).Logger()
	return conn
}

// start runs the session and waits for the handshake outcome.
func (c *Conn) start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() {
		defer close(c.done)
		err := c.sess.Run(c.ctx)
		c.finish()
		runErr <- err
	}()
	select {
	case <-c.established:
		return nil
	case err := <-runErr:
		if err != nil {
			return err
		}
		return c.Err()
	}
}

func (c *Conn) finish() {
	c.cancel()
	c.outbox.Close()
	c.inbox.Close()
	c.wg.Wait()
	select {
	case <-c.established:
		observability.SessionClosed(roleLabel)
	default:
	}
}

func (c *Conn) ID() string { return c.sess.ID() }

// Namespace is the namespace the relay assigned to this session.
func (c *Conn) Namespace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namespace
}

// HandshakeResponse returns a copy of the relay's handshake data.
func (c *Conn) HandshakeResponse() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.response))
	for k, v := range c.response {
		out[k] = v
	}
	return out
}

// LastRTT is the most recent heartbeat round trip, zero before the first.
func (c *Conn) LastRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRTT
}

// Done is closed once the session has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the session ended: nil after a regular goodbye or Close,
// a *GoodbyeError after an error goodbye, ErrConnectionLost otherwise.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endErr
}

// Send queues an application block at prio.
func (c *Conn) Send(ctx context.Context, ch frame.ChannelID, block frame.MessageBlock, prio frame.Priority) error {
	if block.Type().Control() {
		return ErrReservedType
	}
	err := c.outbox.Enqueue(ctx, ch, block, prio)
	switch {
	case errors.Is(err, session.ErrQueueFull):
		observability.RecordOutboxRejected(roleLabel, prio.String())
	case err == nil:
		observability.RecordBlock(roleLabel, "out", block.DataLength())
	}
	return err
}

// Close says goodbye and waits for the relay to finish the session. The
// connection is torn down if the relay does not answer in time.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	c.outbox.Close()
	c.sess.CloseOutgoing()
	timer := time.NewTimer(2 * c.sess.Config().HandshakeTimeout())
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-timer.C:
	}
	err := c.sess.Close()
	<-c.done
	return err
}

func (c *Conn) recordRTT(rtt time.Duration) {
	observability.RecordHeartbeatRTT(rtt)
	c.mu.Lock()
	c.lastRTT = rtt
	c.mu.Unlock()
}

func (c *Conn) setEnd(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endErr == nil && !c.goodbye && !c.closing {
		c.endErr = err
	}
}

func (c *Conn) ProvideOrProcessHandshakeData(incoming, outgoing map[string]string) error {
	if incoming == nil {
		c.client.cfg.handshakeData(outgoing)
		return nil
	}
	ns := strings.TrimSpace(incoming[protocol.KeyNamespace])
	if ns == "" {
		return &session.Refusal{
			Type:       protocol.ErrorInvalidHandshakeData,
			Message:    "handshake response carries no namespace",
			NotifyPeer: true,
			Cause:      session.CauseProtocol,
			Err:        ErrMissingNamespace,
		}
	}
	c.mu.Lock()
	c.namespace = ns
	c.response = incoming
	c.mu.Unlock()
	return nil
}

func (c *Conn) OnHandshakeComplete() {
	observability.RecordHandshake(roleLabel, "")
	observability.SessionOpened(roleLabel)
	c.log.Info().Str("namespace", c.Namespace()).Msg("client.Conn.OnHandshakeComplete session established")

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		_ = c.outbox.Run(c.ctx, c.sess, c.OnStreamWriteError)
	}()
	go func() {
		defer c.wg.Done()
		c.inbox.Run(c.ctx, c.deliver)
	}()
	if !c.client.cfg.DisableHeartbeat {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.heartbeat.Run(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Debug().Err(err).Msg("client.Conn heartbeat stopped")
			}
		}()
	}
	close(c.established)
}

func (c *Conn) OnHandshakeFailed(r *session.Refusal) {
	observability.RecordHandshake(roleLabel, r.Type.String())
	c.log.Warn().
		Str("error_type", r.Type.String()).
		Str("cause", r.Cause.String()).
		Bool("retry", r.Retryable()).
		Msg("client.Conn.OnHandshakeFailed " + r.Message)
}

func (c *Conn) OnMessageBlock(ch frame.ChannelID, block frame.MessageBlock) {
	switch block.Type() {
	case frame.TypeHeartbeatResponse:
		if _, err := c.heartbeat.HandleResponse(block); err != nil {
			c.log.Debug().Err(err).Msg("client.Conn.OnMessageBlock invalid heartbeat response")
		}
		return
	case frame.TypeHeartbeat:
		_ = session.AnswerHeartbeat(c.sess, ch, block)
		return
	}
	observability.RecordBlock(roleLabel, "in", block.DataLength())
	c.inbox.Push(ch, block)
}

func (c *Conn) deliver(ch frame.ChannelID, block frame.MessageBlock) {
	if h := c.client.onMessage; h != nil {
		h(c, ch, block)
		return
	}
	c.log.Debug().
		Int64("channel", int64(ch)).
		Str("type", block.Type().String()).
		Int("bytes", block.DataLength()).
		Msg("client.Conn.deliver unhandled message block")
}

func (c *Conn) OnRegularGoodbye() {
	observability.RecordGoodbye(roleLabel, "")
	c.mu.Lock()
	c.goodbye = true
	c.mu.Unlock()
	c.outbox.Close()
	c.sess.CloseOutgoing()
}

func (c *Conn) OnErrorGoodbye(errType protocol.ErrorType, message string) {
	observability.RecordGoodbye(roleLabel, errType.String())
	c.log.Warn().Str("error_type", errType.String()).Msg("client.Conn.OnErrorGoodbye " + message)
	c.setEnd(&GoodbyeError{Type: errType, Message: message})
	c.mu.Lock()
	c.goodbye = true
	c.mu.Unlock()
	c.outbox.Close()
	c.sess.CloseOutgoing()
}

func (c *Conn) OnStreamClosedOrEOF() {
	c.setEnd(ErrConnectionLost)
}

func (c *Conn) OnStreamReadError(err error) {
	c.log.Warn().Err(err).Msg("client.Conn.OnStreamReadError")
	c.setEnd(fmt.Errorf("%w: %v", ErrConnectionLost, err))
}

func (c *Conn) OnStreamWriteError(err error) {
	if errors.Is(err, session.ErrOutgoingClosed) {
		return
	}
	c.log.Warn().Err(err).Msg("client.Conn.OnStreamWriteError closing session")
	c.setEnd(fmt.Errorf("%w: %v", ErrConnectionLost, err))
	_ = c.sess.Close()
}

func (c *Conn) OnNonProtocolError(err error) {
	c.log.Error().Err(err).Msg("client.Conn.OnNonProtocolError")
}
