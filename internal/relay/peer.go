package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/uplinkctl/internal/observability"
	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/danmuck/uplinkctl/internal/protocol/frame"
	"github.com/danmuck/uplinkctl/internal/protocol/session"
	"github.com/danmuck/uplinkctl/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const roleLabel = "server"

// SessionInfo is the admin view of one session.
type SessionInfo struct {
	ID            string    `json:"id"`
	Namespace     string    `json:"namespace"`
	Account       string    `json:"account"`
	Remote        string    `json:"remote"`
	ClientVersion string    `json:"client_version,omitempty"`
	State         string    `json:"state"`
	EstablishedAt time.Time `json:"established_at"`
	BlocksIn      uint64    `json:"blocks_in"`
}

// MessageHandler processes application blocks received from a peer.
type MessageHandler func(p *Peer, ch frame.ChannelID, block frame.MessageBlock)

// Peer is one client connection as seen by the relay.
type Peer struct {
	svc      *Service
	sess     *session.Session
	remote   string
	identity string
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	outbox *session.Outbox
	inbox  *session.Inbox
	wg     sync.WaitGroup

	mu   sync.Mutex
	info SessionInfo
}

func newPeer(svc *Service, conn net.Conn) *Peer {
	remote := conn.RemoteAddr().String()
	identity, _ := transport.PeerIdentity(conn)
	p := &Peer{
		svc:      svc,
		remote:   remote,
		identity: identity,
	}
	p.sess = session.NewSession(conn, session.RoleServer, p, session.Options{
		Config:    svc.provider,
		PeerLabel: remote,
	})
	cfg := p.sess.Config()
	p.outbox = session.NewOutbox(cfg)
	p.inbox = session.NewInbox(cfg)
	p.info = SessionInfo{ID: p.sess.ID(), Remote: remote}
	p.log = log.With().Str("session", p.sess.ID()).Str("remote", remote).Logger()
	return p
}

func (p *Peer) ID() string { return p.sess.ID() }

func (p *Peer) Namespace() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.Namespace
}

func (p *Peer) Account() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.Account
}

func (p *Peer) Info() SessionInfo {
	p.mu.Lock()
	info := p.info
	p.mu.Unlock()
	info.State = p.sess.State().String()
	return info
}

// Send queues a block for the peer at prio.
func (p *Peer) Send(ctx context.Context, ch frame.ChannelID, block frame.MessageBlock, prio frame.Priority) error {
	err := p.outbox.Enqueue(ctx, ch, block, prio)
	if errors.Is(err, session.ErrQueueFull) {
		observability.RecordOutboxRejected(roleLabel, prio.String())
	}
	return err
}

// run drives the session to completion and releases everything it held.
func (p *Peer) run(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	defer p.finish()
	return p.sess.Run(p.ctx)
}

func (p *Peer) finish() {
	p.cancel()
	p.outbox.Close()
	p.inbox.Close()
	p.wg.Wait()

	p.mu.Lock()
	ns := p.info.Namespace
	established := !p.info.EstablishedAt.IsZero()
	p.mu.Unlock()
	if ns != "" {
		p.svc.namespaces.Release(ns, p.ID())
	}
	if established {
		observability.SessionClosed(roleLabel)
	}
}

// Disconnect ends the session with an error goodbye and half-closes it. The
// client's answer finishes the session. It returns without waiting for the
// client; a session still open after the handshake timeout is closed.
func (p *Peer) Disconnect(errType protocol.ErrorType, message string) {
	p.log.Info().Str("error_type", errType.String()).Msg("relay.Peer.Disconnect " + message)
	p.outbox.Close()
	go p.sess.CloseOutgoingWithError(errType, message)
	go func() {
		timer := time.NewTimer(p.sess.Config().HandshakeTimeout())
		defer timer.Stop()
		select {
		case <-p.ctx.Done():
		case <-timer.C:
			p.log.Warn().Msg("relay.Peer.Disconnect client did not finish the session, closing")
			_ = p.sess.Close()
		}
	}()
}

// shutdown tells an established peer the relay is going away.
func (p *Peer) shutdown() {
	p.Disconnect(protocol.ErrorServerShuttingDown, "The relay is shutting down")
}

func (p *Peer) ProvideOrProcessHandshakeData(incoming, outgoing map[string]string) error {
	for k, v := range incoming {
		outgoing[k] = v
	}
	cfg := p.svc.cfg

	if p.svc.Draining() {
		return session.NewRefusal(protocol.ErrorServerShuttingDown, "The relay is shutting down; try again later")
	}

	version := strings.TrimSpace(incoming[protocol.KeyProtocolVersion])
	if version == "" {
		return session.NewRefusal(protocol.ErrorInvalidHandshakeData, "Missing handshake version information")
	}
	if version != cfg.ProtocolVersion {
		return session.NewRefusal(protocol.ErrorProtocolVersionMismatch, fmt.Sprintf(
			"The client and relay protocol versions are incompatible (%s vs. %s); "+
				"update the client or connect to a relay of a matching version",
			version, cfg.ProtocolVersion))
	}

	account, err := p.svc.loginAccount(p.identity, incoming)
	if err != nil {
		return session.NewRefusal(protocol.ErrorInvalidHandshakeData, err.Error())
	}
	qualifier := strings.TrimSpace(incoming[protocol.KeySessionQualifier])
	if qualifier == "" {
		qualifier = protocol.DefaultSessionQualifier
	}
	ns := DeriveNamespace(account, qualifier)
	if !p.svc.namespaces.Acquire(ns, p.ID()) {
		return session.NewRefusal(protocol.ErrorClientNamespaceCollision, fmt.Sprintf(
			"Another client is already connected with account %q and client id %q; "+
				"use a different client id", account, qualifier))
	}
	outgoing[protocol.KeyNamespace] = ns

	p.mu.Lock()
	p.info.Namespace = ns
	p.info.Account = account
	p.info.ClientVersion = incoming[protocol.KeyClientVersion]
	p.mu.Unlock()

	if cfg.DevFlags {
		if msg, ok := incoming[protocol.KeySimulateHandshakeFailure]; ok {
			return errors.New(msg)
		}
		if msg, ok := incoming[protocol.KeySimulateRefusedConnection]; ok {
			return session.NewRefusal(protocol.ErrorInternalServerError, msg)
		}
		if _, ok := incoming[protocol.KeySimulateHandshakeResponseDelay]; ok {
			delay := 2 * p.sess.Config().HandshakeTimeout()
			select {
			case <-time.After(delay):
			case <-p.ctx.Done():
			}
		}
	}
	return nil
}

func (p *Peer) OnHandshakeComplete() {
	p.mu.Lock()
	p.info.EstablishedAt = time.Now()
	ns := p.info.Namespace
	p.mu.Unlock()

	observability.RecordHandshake(roleLabel, "")
	observability.SessionOpened(roleLabel)
	p.log.Info().Str("namespace", ns).Msg("relay.Peer.OnHandshakeComplete session established")

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		_ = p.outbox.Run(p.ctx, p.sess, p.OnStreamWriteError)
	}()
	go func() {
		defer p.wg.Done()
		p.inbox.Run(p.ctx, p.deliver)
	}()
}

func (p *Peer) OnHandshakeFailed(r *session.Refusal) {
	observability.RecordHandshake(roleLabel, r.Type.String())
	p.log.Warn().
		Str("error_type", r.Type.String()).
		Str("cause", r.Cause.String()).
		Msg("relay.Peer.OnHandshakeFailed " + r.Message)
}

func (p *Peer) OnMessageBlock(ch frame.ChannelID, block frame.MessageBlock) {
	switch block.Type() {
	case frame.TypeHeartbeat:
		if err := session.AnswerHeartbeat(p.sess, ch, block); err != nil {
			p.log.Debug().Err(err).Msg("relay.Peer.OnMessageBlock heartbeat answer failed")
		}
		return
	case frame.TypeHeartbeatResponse:
		return
	}
	observability.RecordBlock(roleLabel, "in", block.DataLength())
	p.mu.Lock()
	p.info.BlocksIn++
	p.mu.Unlock()
	p.inbox.Push(ch, block)
}

func (p *Peer) deliver(ch frame.ChannelID, block frame.MessageBlock) {
	if h := p.svc.messageHandler(); h != nil {
		h(p, ch, block)
		return
	}
	p.log.Debug().
		Int64("channel", int64(ch)).
		Str("type", block.Type().String()).
		Int("bytes", block.DataLength()).
		Msg("relay.Peer.deliver unhandled message block")
}

func (p *Peer) OnRegularGoodbye() {
	observability.RecordGoodbye(roleLabel, "")
	p.log.Debug().Msg("relay.Peer.OnRegularGoodbye")
	p.outbox.Close()
	p.sess.CloseOutgoing()
}

func (p *Peer) OnErrorGoodbye(errType protocol.ErrorType, message string) {
	observability.RecordGoodbye(roleLabel, errType.String())
	p.log.Warn().Str("error_type", errType.String()).Msg("relay.Peer.OnErrorGoodbye " + message)
	p.outbox.Close()
	p.sess.CloseOutgoing()
}

func (p *Peer) OnStreamClosedOrEOF() {
	p.log.Debug().Msg("relay.Peer.OnStreamClosedOrEOF")
}

func (p *Peer) OnStreamReadError(err error) {
	p.log.Warn().Err(err).Msg("relay.Peer.OnStreamReadError")
}

func (p *Peer) OnStreamWriteError(err error) {
	if errors.Is(err, session.ErrOutgoingClosed) {
		return
	}
	p.log.Warn().Err(err).Msg("relay.Peer.OnStreamWriteError closing session")
	_ = p.sess.Close()
}

func (p *Peer) OnNonProtocolError(err error) {
	p.log.Error().Err(err).Msg("relay.Peer.OnNonProtocolError")
}
