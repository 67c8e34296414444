package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/uplinkctl/internal/auth"
	"github.com/danmuck/uplinkctl/internal/observability"
	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/danmuck/uplinkctl/internal/protocol/session"
	"github.com/danmuck/uplinkctl/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrAnonymousNotAllowed = errors.New("relay: anonymous clients are not allowed")
	ErrAuthFailed          = errors.New("relay: authentication failed")
)

// Service accepts client sessions and tracks them until they end.
type Service struct {
	cfg      ServiceConfig
	provider *session.ConfigProvider

	namespaces *NamespaceRegistry
	draining   atomic.Bool
	ready      atomic.Bool
	started    time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	peersMu sync.Mutex
	peers   map[string]*Peer

	handlerMu sync.RWMutex
	onMessage MessageHandler
	validator auth.Validator
}

// NewService builds a relay. A nil provider serves the default timing
// configuration.
func NewService(cfg ServiceConfig, provider *session.ConfigProvider) *Service {
	cfg = cfg.WithDefaults()
	if provider == nil {
		provider = session.NewConfigProvider()
	}
	var validator auth.Validator
	if len(cfg.Accounts) > 0 {
		validator = auth.Accounts(cfg.Accounts)
	}
	return &Service{
		cfg:        cfg,
		provider:   provider,
		validator:  validator,
		namespaces: NewNamespaceRegistry(),
		started:    time.Now(),
		conns:      make(map[net.Conn]struct{}),
		peers:      make(map[string]*Peer),
	}
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// SetValidator replaces the account validator. Handshakes already past
// authentication keep the previous one.
func (s *Service) SetValidator(v auth.Validator) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.validator = v
}

func (s *Service) accountValidator() auth.Validator {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.validator
}

// SetMessageHandler installs the handler for application blocks.
func (s *Service) SetMessageHandler(h MessageHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onMessage = h
}

func (s *Service) messageHandler() MessageHandler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.onMessage
}

func (s *Service) Namespaces() *NamespaceRegistry {
	return s.namespaces
}

func (s *Service) Draining() bool {
	return s.draining.Load()
}

func (s *Service) Ready() bool {
	return s.ready.Load() && !s.draining.Load()
}

// loginAccount resolves the account of a client: the certificate identity
// first, then accountName+authToken, then anonymous.
func (s *Service) loginAccount(identity string, incoming map[string]string) (string, error) {
	if identity != "" {
		return identity, nil
	}
	account := strings.TrimSpace(incoming[protocol.KeyAccountName])
	if account != "" {
		validator := s.accountValidator()
		if validator == nil {
			return "", ErrAuthFailed
		}
		if err := validator.Validate(account, incoming[protocol.KeyAuthToken]); err != nil {
			return "", ErrAuthFailed
		}
		return account, nil
	}
	if !s.cfg.AllowAnonymous {
		return "", ErrAnonymousNotAllowed
	}
	return protocol.AnonymousAccount, nil
}

// Run listens on the configured transport and serves until ctx ends, then
// drains within ShutdownGrace.
func (s *Service) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	observability.RegisterMetrics()

	// sessions outlive ctx so Shutdown can drain them
	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()

	errCh := make(chan error, 2)
	var httpSrv *http.Server
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		httpSrv = &http.Server{Addr: addr, Handler: s.AdminRouter(serveCtx), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", addr).Msg("relay.Service.Run admin listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	if s.cfg.Listen.Kind != transport.KindWebSocket {
		ln, err := transport.Listen(s.cfg.Listen)
		if err != nil {
			return err
		}
		log.Info().
			Str("relay", s.cfg.RelayID).
			Str("kind", string(s.cfg.Listen.Kind)).
			Str("addr", ln.Addr().String()).
			Msg("relay.Service.Run listening")
		go func() {
			errCh <- s.Serve(serveCtx, ln)
		}()
	} else {
		s.ready.Store(true)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	s.Shutdown(shutdownCtx)
	cancelServe()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return runErr
}

// Serve accepts sessions from ln until ctx ends or ln fails.
func (s *Service) Serve(ctx context.Context, ln transport.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	s.ready.Store(true)
	defer s.ready.Store(false)
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			_ = s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs one session on conn and blocks until it ends.
func (s *Service) ServeConn(ctx context.Context, conn net.Conn) error {
	s.trackConn(conn)
	defer s.untrackConn(conn)

	p := newPeer(s, conn)
	s.addPeer(p)
	defer s.removePeer(p)

	log.Debug().Str("remote", p.remote).Str("session", p.ID()).Msg("relay.Service.ServeConn client connected")
	err := p.run(ctx)
	log.Debug().Str("remote", p.remote).Str("session", p.ID()).Err(err).Msg("relay.Service.ServeConn client disconnected")
	return err
}

// Shutdown refuses new handshakes, sends SERVER_SHUTTING_DOWN goodbyes to
// established sessions and waits for them to end. Goodbyes are sent without
// waiting on the clients, so connections still open when ctx ends are closed
// even if a client stopped reading.
func (s *Service) Shutdown(ctx context.Context) {
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	log.Info().Int("sessions", len(s.Sessions())).Msg("relay.Service.Shutdown draining")
	s.peersMu.Lock()
	established := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.sess.State() == session.StateEstablished {
			established = append(established, p)
		}
	}
	s.peersMu.Unlock()
	for _, p := range established {
		p.shutdown()
	}

	if s.waitIdle(ctx) {
		return
	}
	log.Warn().Msg("relay.Service.Shutdown grace expired, closing remaining connections")
	s.closeAllConns()
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.waitIdle(waitCtx)
}

// waitIdle polls until no peers remain or ctx ends.
func (s *Service) waitIdle(ctx context.Context) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.peersMu.Lock()
		n := len(s.peers)
		s.peersMu.Unlock()
		if n == 0 {
			return true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

// Sessions lists the current sessions ordered by namespace.
func (s *Service) Sessions() []SessionInfo {
	s.peersMu.Lock()
	out := make([]SessionInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.Info())
	}
	s.peersMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Peer returns the established peer holding namespace ns.
func (s *Service) Peer(ns string) (*Peer, bool) {
	owner, ok := s.namespaces.Owner(ns)
	if !ok {
		return nil, false
	}
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	p, ok := s.peers[owner]
	return p, ok
}

func (s *Service) addPeer(p *Peer) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	s.peers[p.ID()] = p
}

func (s *Service) removePeer(p *Peer) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	delete(s.peers, p.ID())
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
