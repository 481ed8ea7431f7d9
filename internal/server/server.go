// Package server wires spec.md's out-of-scope collaborators — TLS
// context construction and the listener accept loop — around the
// relay.Session core, taking an already-loaded config.Configuration (file
// parsing lives in internal/config, the CLI in cmd/relaycloak-server).
// None of this is part of the session state machine itself; it is the
// ambient plumbing a complete repository needs to actually start one.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/xtaci/smux"
	"golang.org/x/sync/semaphore"

	"relaycloak/internal/auth"
	"relaycloak/internal/config"
	"relaycloak/internal/logging"
	"relaycloak/internal/pipeline"
	"relaycloak/internal/relay"
	"relaycloak/internal/resolver"
)

// maxInFlightHandshakes bounds how many TLS handshakes may be in
// progress concurrently, so a burst of connection attempts (real or a
// probing scanner) cannot starve the process of handshake goroutines —
// grounded on the teacher's accept-loop style (tcp_chacha20/worker.go's
// HandleTransport) generalized with golang.org/x/sync/semaphore, which
// the teacher's own accept loop does not bound but a production relay
// core should.
const maxInFlightHandshakes = 512

// Server owns the TLS listener and dispatches each accepted connection to
// a fresh relay.Session. It implements spec.md §1's "listener accept
// loop" collaborator, left unspecified by the core itself.
type Server struct {
	cfg           *config.Configuration
	tlsConfig     *tls.Config
	authenticator auth.Authenticator
	resolver      resolver.Resolver
	log           logging.Logger
	ids           SessionIDGenerator
	fallbackDial  FallbackDialFunc

	sem *semaphore.Weighted
}

// New builds a Server ready to Serve once a listener is available.
func New(cfg *config.Configuration, authenticator auth.Authenticator, res resolver.Resolver, log logging.Logger) (*Server, error) {
	tlsConfig, err := BuildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	var fallbackDial FallbackDialFunc
	if cfg.SSL.FallbackTLS {
		fallbackDial = NewH2FallbackDialer()
	}
	return &Server{
		cfg:           cfg,
		tlsConfig:     tlsConfig,
		authenticator: authenticator,
		resolver:      res,
		log:           log,
		ids:           NewSessionIDGenerator(cfg.SessionIDMode),
		fallbackDial:  fallbackDial,
		sem:           semaphore.NewWeighted(maxInFlightHandshakes),
	}, nil
}

// Listen opens the TCP listener Serve will accept on, honoring
// Config.TCP.ReusePort where the platform supports it.
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	lc := listenConfig(s.cfg.TCP.ReusePort)
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("server: listen on %s: %w", s.cfg.Listen, err)
	}
	return ln, nil
}

// Serve runs the accept loop until ctx is cancelled or the listener
// errors. Each accepted connection is dispatched to its own goroutine
// after acquiring a handshake slot from the semaphore, mirroring the
// teacher's "go w.registerClient(conn, ...)" dispatch pattern with an
// added concurrency ceiling.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var nextID uint64
	for {
		conn, err := ln.Accept()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.log.Printf("server: accept failed: %v", err)
			continue
		}
		nextID = s.ids.Next()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			_ = conn.Close()
			continue
		}
		go func(conn net.Conn, id uint64) {
			defer s.sem.Release(1)
			s.handleConn(ctx, conn, id)
		}(conn, nextID)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, id uint64) {
	sess := relay.NewSession(id, s.cfg, s.authenticator, s.resolver, s.log)
	sess.SetFallbackDialer(s.fallbackDial)
	sess.StartTLS(ctx, conn, s.tlsConfig)
}

// ServePipeline runs a single shared-transport listener where every
// accepted connection carries many multiplexed logical sessions instead
// of one — spec.md §4.5's pipeline mode. Each smux stream the peer opens
// becomes its own relay.Session via StartPipeline.
func (s *Server) ServePipeline(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.log.Printf("server: pipeline accept failed: %v", err)
			continue
		}
		go s.handlePipelineConn(ctx, conn)
	}
}

func (s *Server) handlePipelineConn(ctx context.Context, conn net.Conn) {
	tlsConn := tls.Server(conn, s.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.log.Printf("server: pipeline TLS handshake failed: %v", err)
		_ = conn.Close()
		return
	}

	pl, err := pipeline.NewServerPipeline(tlsConn, smux.DefaultConfig(), s.log)
	if err != nil {
		s.log.Printf("server: pipeline setup failed: %v", err)
		_ = tlsConn.Close()
		return
	}
	defer func() { _ = pl.Close() }()

	for {
		stream, err := pl.AcceptStream()
		if err != nil {
			return
		}
		go s.handlePipelineStream(ctx, pl, stream)
	}
}

func (s *Server) handlePipelineStream(ctx context.Context, pl *pipeline.Pipeline, stream *smux.Stream) {
	sess := relay.NewSession(s.ids.Next(), s.cfg, s.authenticator, s.resolver, s.log)
	sess.SetFallbackDialer(s.fallbackDial)

	// StartPipeline blocks reading the handshake frame (and later, every
	// subsequent inbound chunk) off the pipe PushChunk feeds; pl.Serve is
	// what calls PushChunk, so the two must run concurrently or neither
	// makes progress.
	go sess.StartPipeline(ctx, stream, pl)

	if err := pl.Serve(ctx, stream, sess); err != nil {
		s.log.Printf("server: pipeline stream serve ended: %v", err)
	}
}
