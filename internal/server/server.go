// Package server 实现了STOMP监听器, 负责接受连接, TLS握手以及会话的创建与回收
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/heartbeat"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/session"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/subscription"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/tlsconn"
	"golang.org/x/time/rate"
)

const Version = "1.0.0"

// Options carries the collaborators that outlive a single listener.
type Options struct {
	Authenticator session.Authenticator
	Recorder      database.Recorder
	Clock         heartbeat.Clock // nil uses the wall clock
}

type Server struct {
	cfg      *config.Config
	adapter  *tlsconn.Adapter
	registry *subscription.Registry
	monitor  *heartbeat.Monitor
	manager  *connection.ConnectionManager
	sessions *session.Options

	sem              chan struct{}
	handshakeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	ln       net.Listener
	httpSrv  *http.Server
	wsLn     net.Listener
	started  bool
	shutdown bool
}

// NewServer wires the registry, heart-beat monitor and TLS adapter described by cfg.
// Nothing listens until Start.
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	adapter, err := newAdapter(cfg)
	if err != nil {
		return nil, err
	}
	if opts.Authenticator == nil {
		a, err := auth.New(auth.Options{
			AllowAnonymous: cfg.Auth.AllowAnonymous,
			AnonymousLogin: cfg.Auth.AnonymousLogin,
			CertLogin:      cfg.Auth.CertLogin,
			JWTSecret:      cfg.Auth.JWTSecret,
			CacheSize:      cfg.Auth.CacheSize,
			Users:          Users(cfg),
		})
		if err != nil {
			return nil, err
		}
		opts.Authenticator = a
	}

	monitorOpts := []heartbeat.Option{heartbeat.WithSweepInterval(cfg.HeartbeatSweep())}
	if cfg.Heartbeat.Tolerance > 0 {
		monitorOpts = append(monitorOpts, heartbeat.WithTolerance(cfg.Heartbeat.Tolerance))
	}
	if opts.Clock != nil {
		monitorOpts = append(monitorOpts, heartbeat.WithClock(opts.Clock))
	}

	maxConns := cfg.Server.MaxConnections
	if maxConns <= 0 {
		maxConns = 10000
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		adapter: adapter,
		registry: subscription.NewRegistry(
			subscription.WithNackPolicy(subscription.NackPolicy{
				Requeue:         cfg.Nack.Requeue,
				MaxRedeliveries: cfg.Nack.MaxRedeliveries,
			}),
			subscription.WithShards(cfg.Server.RegistryShards),
		),
		monitor:          heartbeat.NewMonitor(monitorOpts...),
		manager:          connection.NewConnectionManager(),
		sem:              make(chan struct{}, maxConns),
		handshakeTimeout: cfg.HandshakeTimeout(),
		ctx:              ctx,
		cancel:           cancel,
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = 10 * time.Second
	}

	limits := stomp.DefaultLimits
	if cfg.Server.MaxHeaderBytes > 0 {
		limits.MaxHeaderBytes = cfg.Server.MaxHeaderBytes
	}
	if cfg.Server.MaxHeaders > 0 {
		limits.MaxHeaders = cfg.Server.MaxHeaders
	}
	if cfg.Server.MaxBodyBytes > 0 {
		limits.MaxBodyBytes = cfg.Server.MaxBodyBytes
	}

	s.sessions = &session.Options{
		ServerName:       fmt.Sprintf("%s/%s", cfg.AppName, Version),
		Registry:         s.registry,
		Monitor:          s.monitor,
		Authenticator:    opts.Authenticator,
		Recorder:         opts.Recorder,
		Limits:           limits,
		HeartbeatSend:    cfg.HeartbeatSend(),
		HeartbeatReceive: cfg.HeartbeatReceive(),
		ConnectTimeout:   cfg.ConnectTimeout(),
		CloseGrace:       cfg.CloseGrace(),
		MaxPending:       cfg.Server.MaxPendingMessages,
		FrameRate:        rate.Limit(cfg.Server.FrameRate),
		FrameBurst:       cfg.Server.FrameBurst,
		OnClose: func(sess *session.Session) {
			s.manager.RemoveConnection(sess.ID())
		},
	}
	return s, nil
}

func newAdapter(cfg *config.Config) (*tlsconn.Adapter, error) {
	opts := tlsconn.Options{
		CertFile:      cfg.TLS.CertFile,
		KeyFile:       cfg.TLS.KeyFile,
		CAFile:        cfg.TLS.CAFile,
		ClientAuth:    tlsconn.ClientAuth(cfg.TLS.ClientAuth),
		PrincipalFrom: tlsconn.PrincipalSource(cfg.TLS.PrincipalFrom),
	}
	if !cfg.TLS.Enabled {
		return tlsconn.NewAdapter(nil, opts), nil
	}
	tlsConfig, err := tlsconn.NewServerConfig(opts)
	if err != nil {
		return nil, err
	}
	return tlsconn.NewAdapter(tlsConfig, opts), nil
}

// Users flattens the configured user list into login -> bcrypt hash.
func Users(cfg *config.Config) map[string]string {
	users := make(map[string]string, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		users[u.Login] = u.PasswordHash
	}
	return users
}

// Start opens the STOMP listener, and the WebSocket listener when a port is set,
// and returns once both accept connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrServerClosed
	}
	if s.started {
		return errors.New("server already started")
	}

	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.ln = ln
	scheme := "stomp"
	if s.adapter.Enabled() {
		scheme = "stomp+ssl"
	}
	logger.InfoF("STOMP Server Listen On %s://%s", scheme, ln.Addr().String())

	if s.cfg.Server.WebSocketPort != 0 {
		if err := s.startWebSocket(); err != nil {
			_ = ln.Close()
			return err
		}
	}

	s.started = true
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

var ErrServerClosed = errors.New("server closed")

// Addr is the STOMP listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Registry() *subscription.Registry {
	return s.registry
}

func (s *Server) Connections() *connection.ConnectionManager {
	return s.manager
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(c)
			<-s.sem
		}(conn)
	}
}

func (s *Server) handleConnection(raw net.Conn) {
	remote := raw.RemoteAddr().String()
	ctx, cancel := context.WithTimeout(s.ctx, s.handshakeTimeout)
	conn, err := s.adapter.Handshake(ctx, raw)
	cancel()
	if err != nil {
		var authErr *auth.AuthError
		switch {
		case errors.As(err, &authErr):
			logger.WarnF("[%s] Client certificate rejected: %v", remote, err)
		default:
			logger.WarnF("[%s] %v", remote, err)
		}
		return
	}
	s.serve(conn, conn.Principal())
}

// serve runs one session to completion on the calling goroutine.
func (s *Server) serve(conn net.Conn, certPrincipal string) {
	sess := session.New(conn, certPrincipal, s.sessions)
	s.manager.AddConnection(sess)
	if err := sess.Serve(s.ctx); err != nil {
		logger.DebugF("[%s] Session ended: %v", sess.ID(), err)
	}
}

// Shutdown stops accepting, closes every session with an ERROR frame and waits for
// their goroutines until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln, httpSrv, wsLn := s.ln, s.httpSrv, s.wsLn
	s.mu.Unlock()

	logger.Info("STOMP Server shutting down")
	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	} else if wsLn != nil {
		_ = wsLn.Close()
	}

	if err := s.manager.CloseAll(ctx, session.ErrServerShutdown); err != nil {
		errs = append(errs, err)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// Invoke lets the cleaner shut the server down.
func (s *Server) Invoke(ctx context.Context) error {
	return s.Shutdown(ctx)
}
