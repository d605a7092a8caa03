package mta

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/google/uuid"
	"github.com/matoous/go-nanoid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matoous/gosmtpd/auth"
	"github.com/matoous/gosmtpd/config"
	"github.com/matoous/gosmtpd/events"
	"github.com/matoous/gosmtpd/mail"
	"github.com/matoous/gosmtpd/policy"
	"github.com/matoous/gosmtpd/queue"
	"github.com/matoous/gosmtpd/ratelimit"
	"github.com/matoous/gosmtpd/store"
)

// ErrServerClosed is returned by the Serve methods after Shutdown
var ErrServerClosed = errors.New("mta: server closed")

/*
MessageStore persists messages for local recipients
*/
type MessageStore interface {
	Persist(ctx context.Context, msg *mail.Message) (store.Receipt, error)
	Discard(r store.Receipt) error
}

/*
RelayQueue accepts messages for remote recipients, one destination per domain
*/
type RelayQueue interface {
	Enqueue(ctx context.Context, msg *mail.Message, dests ...queue.Destination) ([]uuid.UUID, error)
}

// Backends are the collaborators the sessions hand accepted messages and facts to
type Backends struct {
	Store      MessageStore
	Queue      RelayQueue
	Events     events.Sink      // optional
	Heuristics policy.Heuristic // optional, run after content rules
}

// snapshot is the immutable configuration a session sees while handling a command
type snapshot struct {
	cfg    *config.Config
	limits Limits
	rules  *policy.RuleSet
	creds  *auth.Store
	tls    *tls.Config
}

func newSnapshot(cfg *config.Config) (*snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rules, err := cfg.RuleSet()
	if err != nil {
		return nil, err
	}
	creds, err := cfg.Credentials()
	if err != nil {
		return nil, err
	}
	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}
	return &snapshot{
		cfg:    cfg,
		limits: limitsFromConfig(cfg.Limits),
		rules:  rules,
		creds:  creds,
		tls:    tlsConfig,
	}, nil
}

/*
Server - SMTP server accepting mail for local domains and relaying the rest
*/
type Server struct {
	log        *zap.Logger
	current    atomic.Value // *snapshot
	limiter    *ratelimit.Limiter
	gate       *ratelimit.Gate
	store      MessageStore
	queue      RelayQueue
	events     events.Sink
	heuristics policy.Heuristic

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	listeners    map[net.Listener]struct{}
	sessions     map[*session]struct{}
	wg           sync.WaitGroup
	shuttingDown int32
}

/*
NewServer creates new server
*/
func NewServer(cfg *config.Config, log *zap.Logger, b Backends) (*Server, error) {
	if b.Store == nil || b.Queue == nil {
		return nil, errors.New("message store and relay queue are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	snap, err := newSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	if b.Events == nil {
		b.Events = events.Discard
	}
	if b.Heuristics == nil {
		b.Heuristics = policy.Heuristics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		log:        log,
		limiter:    ratelimit.NewLimiter(cfg.RateLimit.Window, cfg.RateLimit.Global, cfg.RateLimit.PerIP),
		gate:       ratelimit.NewGate(cfg.Server.MaxConnections),
		store:      b.Store,
		queue:      b.Queue,
		events:     b.Events,
		heuristics: b.Heuristics,
		ctx:        ctx,
		cancel:     cancel,
		listeners:  make(map[net.Listener]struct{}),
		sessions:   make(map[*session]struct{}),
	}
	srv.current.Store(snap)
	return srv, nil
}

func (srv *Server) snapshot() *snapshot {
	return srv.current.Load().(*snapshot)
}

// Reload publishes new configuration. Sessions pick it up with their next
// command, a command in progress finishes with the configuration it started with.
// Listen addresses are not changed.
func (srv *Server) Reload(cfg *config.Config) error {
	snap, err := newSnapshot(cfg)
	if err != nil {
		return err
	}
	srv.current.Store(snap)
	srv.limiter.SetLimits(cfg.RateLimit.Global, cfg.RateLimit.PerIP)
	srv.gate.SetMax(cfg.Server.MaxConnections)
	srv.log.Info("configuration reloaded", zap.Int("rules", len(snap.rules.Rules())), zap.Int("users", snap.creds.Len()))
	return nil
}

// LiveConnections is the number of open sessions
func (srv *Server) LiveConnections() int {
	return srv.gate.Live()
}

// ListenAndServe listens on the configured plain and implicit TLS addresses
// and serves both until one of them fails or the server is shut down.
func (srv *Server) ListenAndServe() error {
	cfg := srv.snapshot().cfg.Server
	g, ctx := errgroup.WithContext(srv.ctx)
	if cfg.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return errors.WithMessage(err, "net.Listen")
		}
		g.Go(func() error { return srv.Serve(ln) })
	}
	if cfg.TLSAddr != "" {
		ln, err := net.Listen("tcp", cfg.TLSAddr)
		if err != nil {
			srv.closeListeners()
			return errors.WithMessage(err, "net.Listen")
		}
		g.Go(func() error { return srv.ServeTLS(ln) })
	}
	g.Go(func() error {
		<-ctx.Done()
		srv.closeListeners()
		return nil
	})
	return g.Wait()
}

// Serve incoming connections
// Creates new session for each connection and starts go routine to handle it
func (srv *Server) Serve(ln net.Listener) error {
	return srv.serve(ln, false)
}

// ServeTLS serves connections which start with the TLS handshake (implicit TLS)
func (srv *Server) ServeTLS(ln net.Listener) error {
	if srv.snapshot().tls == nil {
		return errors.New("implicit TLS requires a certificate")
	}
	return srv.serve(ln, true)
}

func (srv *Server) serve(ln net.Listener, implicitTLS bool) error {
	if !srv.trackListener(ln) {
		ln.Close()
		return ErrServerClosed
	}
	defer srv.untrackListener(ln)

	srv.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.Bool("tls", implicitTLS))
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if srv.isShuttingDown() {
				return ErrServerClosed
			}
			if netError, ok := err.(net.Error); ok && netError.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				srv.log.Error("temporary accept error", zap.Error(err), zap.Duration("retry_in", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		if !srv.gate.Acquire() {
			// over the cap the connection is dropped without any reply
			srv.events.Emit(events.Event{
				Kind:   events.Rejected,
				Time:   time.Now(),
				Remote: conn.RemoteAddr().String(),
				Phase:  events.PhaseConnect,
				Reason: "too many connections",
			})
			conn.Close()
			continue
		}
		s := srv.newSession(conn)
		if !srv.trackSession(s) {
			srv.gate.Release()
			conn.Close()
			return ErrServerClosed
		}
		go srv.handle(s, implicitTLS)
	}
}

// handle runs the session, the connection slot is released however the session ends
func (srv *Server) handle(s *session, implicitTLS bool) {
	defer srv.wg.Done()
	defer srv.gate.Release()
	defer srv.untrackSession(s)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session panic", zap.String("stack", goerrors.Wrap(r, 2).ErrorStack()))
			s.conn.Close()
		}
	}()

	if implicitTLS && !s.handshake() {
		s.conn.Close()
		return
	}
	s.Serve()
}

// Generate new context upon connection
func (srv *Server) newSession(conn net.Conn) *session {
	id, err := gonanoid.Nanoid()
	if err != nil {
		// generating nanoid shouldn't really fail, and if, panicing is OK
		panic(err)
	}
	ctx, cancel := context.WithCancel(srv.ctx)
	s := &session{
		conn:     conn,
		raw:      conn,
		id:       id,
		remoteIP: remoteIP(conn.RemoteAddr()),
		bufin:    bufio.NewReader(conn),
		bufout:   bufio.NewWriter(conn),
		srv:      srv,
		cfg:      srv.snapshot(),
		envelope: &mail.Envelope{},
		start:    time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.log = srv.log.With(zap.String("session", id), zap.String("remote", conn.RemoteAddr().String()))
	return s
}

func (srv *Server) isShuttingDown() bool {
	return atomic.LoadInt32(&srv.shuttingDown) == 1
}

func (srv *Server) trackListener(ln net.Listener) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.isShuttingDown() {
		return false
	}
	srv.listeners[ln] = struct{}{}
	return true
}

func (srv *Server) untrackListener(ln net.Listener) {
	srv.mu.Lock()
	delete(srv.listeners, ln)
	srv.mu.Unlock()
}

func (srv *Server) closeListeners() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for ln := range srv.listeners {
		ln.Close()
	}
}

func (srv *Server) trackSession(s *session) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.isShuttingDown() {
		return false
	}
	srv.sessions[s] = struct{}{}
	srv.wg.Add(1)
	return true
}

func (srv *Server) untrackSession(s *session) {
	srv.mu.Lock()
	delete(srv.sessions, s)
	srv.mu.Unlock()
}

// Shutdown stops accepting connections and waits for sessions to finish.
// Idle sessions are told the server is going away, sessions receiving data
// are allowed to finish until ctx is done, then all connections are closed.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	atomic.StoreInt32(&srv.shuttingDown, 1)
	for ln := range srv.listeners {
		ln.Close()
	}
	for s := range srv.sessions {
		s.interruptIfIdle()
	}
	srv.mu.Unlock()

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		srv.mu.Lock()
		for s := range srv.sessions {
			s.raw.Close()
		}
		srv.mu.Unlock()
		<-done
	}
	srv.cancel()
	return err
}
