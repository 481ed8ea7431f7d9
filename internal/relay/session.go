// Package relay implements the session state machine (spec component
// C6): the per-connection HANDSHAKE -> {FORWARD, UDP_FORWARD} -> DESTROY
// lifecycle that decrypts one client's TLS tunnel, authenticates its
// request, and relays TCP or UDP traffic to the requested destination —
// or, for anything that doesn't parse as a valid authenticated request,
// relays it untouched to a fallback HTTPS origin so the listener looks
// like an ordinary web server to anything probing it.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtaci/smux"
	"golang.org/x/sync/errgroup"

	"relaycloak/internal/auth"
	"relaycloak/internal/config"
	"relaycloak/internal/logging"
	"relaycloak/internal/pipeline"
	"relaycloak/internal/protocol"
	"relaycloak/internal/resolver"
)

// maxHandshakeFrame bounds how many bytes are accumulated while trying to
// parse the initial request before giving up and treating the buffer as
// an opaque fallback payload.
const maxHandshakeFrame = 8192

// Pipeline is the subset of *pipeline.Pipeline a Session needs: a
// non-owning reference the session must treat as possibly-expired.
type Pipeline interface {
	SessionWriteData(stream *smux.Stream, data []byte, done func(error))
	SessionWriteAck(stream *smux.Stream, done func(error))
	RemoveSessionAfterDestroy(stream *smux.Stream)
	FlowControl() *pipeline.FlowControl
}

// Session is one relayed connection. Exported fields are intentionally
// absent — everything is reached through StartTLS/StartPipeline/Destroy and the counters
// below, matching the "session exclusively owns its sockets and buffers"
// ownership rule.
type Session struct {
	id  uint64
	log logging.Logger

	cfg           *config.Configuration
	authenticator auth.Authenticator
	resolver      resolver.Resolver
	dialer        *net.Dialer
	fallbackDial  DialFunc // optional override for the invalid->fallback dial path only

	status atomic.Int32

	rawConn net.Conn           // underlying TCP conn; only used for the plaintext fallback write and final close
	conn    io.ReadWriteCloser // decrypted stream: *tls.Conn, or a pipe fed by PushChunk in pipeline mode
	stream  *smux.Stream       // non-nil only in pipeline mode, needed to address the pipeline port
	pl      Pipeline           // non-nil only in pipeline mode
	pushIn  *io.PipeWriter     // non-nil only in pipeline mode; PushChunk's write end of conn
	flow    *pipeline.FlowControl

	negotiatedALPN string

	outConn    net.Conn
	udpConn    *net.UDPConn
	udpDataBuf []byte
	udpTarget  protocol.Address

	identity     string // human identity once authenticated, for logs/metrics
	authPassword string // non-empty iff authenticated through the dynamic Authenticator port

	sentLen atomic.Uint64
	recvLen atomic.Uint64

	startedAt time.Time

	destroyOnce sync.Once
	group       *errgroup.Group
	groupCancel context.CancelFunc
}

// NewSession builds a Session identified by id. The session does no I/O
// until StartTLS or StartPipeline is called.
func NewSession(id uint64, cfg *config.Configuration, authenticator auth.Authenticator, res resolver.Resolver, log logging.Logger) *Session {
	s := &Session{
		id:            id,
		cfg:           cfg,
		authenticator: authenticator,
		resolver:      res,
		dialer:        &net.Dialer{},
		log:           log,
		startedAt:     time.Now(),
	}
	s.status.Store(int32(stateHandshake))
	return s
}

func (s *Session) currentState() state { return state(s.status.Load()) }

func (s *Session) setState(next state) { s.status.Store(int32(next)) }

// DialFunc is the shape of a dial: same as net.Dialer.DialContext, narrow
// enough that the plain-TCP default and a TLS-wrapping override are
// interchangeable.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// SetFallbackDialer overrides the dial used for the invalid->fallback
// path (spec.md §4.6) only; the valid-CONNECT path always dials plain
// TCP, since the real target is whatever the client asked for. A nil fn
// restores the plain-TCP default.
func (s *Session) SetFallbackDialer(fn DialFunc) { s.fallbackDial = fn }

// ID returns the session's monotonic identifier, used for log correlation.
func (s *Session) ID() uint64 { return s.id }

// SentLen/RecvLen report the plaintext byte counts credited so far — the
// same counters destroy() hands to the authenticator's Record call.
func (s *Session) SentLen() uint64 { return s.sentLen.Load() }
func (s *Session) RecvLen() uint64 { return s.recvLen.Load() }

// StartTLS begins the session over a raw, not-yet-decrypted TCP
// connection: it performs the server-side TLS handshake (after peeking
// for a plaintext HTTP probe), then drives the HANDSHAKE-state request
// parsing and launches the FORWARD/UDP_FORWARD pumps.
func (s *Session) StartTLS(ctx context.Context, rawConn net.Conn, tlsConfig *tls.Config) {
	s.rawConn = rawConn

	peeked := newPeekConn(rawConn)
	if looksLikePlaintextHTTP(peeked) {
		s.handlePlaintextProbe(peeked)
		return
	}

	tlsConn := tls.Server(peeked, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.log.Printf("session %d: TLS handshake failed: %v", s.id, err)
		s.destroy(ctx, false)
		return
	}
	s.negotiatedALPN = tlsConn.ConnectionState().NegotiatedProtocol
	s.conn = tlsConn
	s.run(ctx)
}

// handlePlaintextProbe implements the fallback-response branch of
// spec.md §6: when the client opened with plaintext HTTP instead of TLS,
// and a non-empty fallback response is configured, write it directly on
// the raw socket; either way the session is then destroyed.
func (s *Session) handlePlaintextProbe(rawConn net.Conn) {
	if s.cfg.PlainHTTPResponse != "" {
		_, _ = io.WriteString(rawConn, s.cfg.PlainHTTPResponse)
	}
	s.destroy(context.Background(), false)
}

// StartPipeline begins the session over an already-decrypted
// multiplexed stream: the TLS handshake is skipped entirely (the
// pipeline already delivered decrypted bytes), matching "if using
// pipeline, skip TLS handshake... and begin inbound reads." Inbound
// bytes reach the session through PushChunk (the caller is expected to
// run a pipeline.Serve loop over stream concurrently, feeding decoded
// data frames to PushChunk) rather than a direct Read on stream, so
// PushChunk's pipe write naturally backpressures the demux loop against
// this session's own processing speed.
func (s *Session) StartPipeline(ctx context.Context, stream *smux.Stream, pl Pipeline) {
	pr, pw := io.Pipe()
	s.stream = stream
	s.conn = pipeReadOnlyConn{pr}
	s.pushIn = pw
	s.pl = pl
	s.flow = pl.FlowControl()
	s.run(ctx)
}

// PushChunk delivers one pipeline-origin inbound chunk to this session.
// It is a programming error to call it on a session not started via
// StartPipeline. The call blocks until the session's own reader has
// consumed the chunk (or the session is destroyed), which is the
// pipeline-mode equivalent of the ping-pong back-pressure a direct TLS
// conn gets for free from blocking I/O.
func (s *Session) PushChunk(data []byte) error {
	if s.pushIn == nil {
		panic(ErrPipelinePushOnNonPipelineSession)
	}
	if s.currentState() == stateDestroy {
		return ErrSessionGone
	}
	_, err := s.pushIn.Write(data)
	return err
}

// pipeReadOnlyConn adapts an *io.PipeReader to io.ReadWriteCloser: in
// pipeline mode all outbound-origin writes go through the Pipeline port
// instead of this conn, so Write is never expected to be called.
type pipeReadOnlyConn struct {
	*io.PipeReader
}

func (pipeReadOnlyConn) Write([]byte) (int, error) {
	return 0, fmt.Errorf("relay: write on a pipeline-mode session conn is a logic error")
}

func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.groupCancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	s.group = group

	buf, err := readHandshakeFrame(s.conn)
	if err != nil {
		s.log.Printf("session %d: reading handshake frame: %v", s.id, err)
		s.destroy(ctx, false)
		return
	}

	if err := s.handleHandshakeFrame(gctx, buf); err != nil {
		s.log.Printf("session %d: handshake frame handling failed: %v", s.id, err)
		s.destroy(ctx, false)
		return
	}

	// Each pump calls destroy on its own exit rather than waiting on the
	// group: destroy's socket closes are what actually unblock a sibling
	// goroutine's in-flight blocking Read, so the first pump to fail (or
	// finish) is what tears the rest down, not group cancellation.
	switch s.currentState() {
	case stateForward:
		group.Go(func() error {
			err := s.pumpInbound(gctx)
			s.destroy(ctx, false)
			return err
		})
		group.Go(func() error {
			err := s.pumpOutbound(gctx)
			s.destroy(ctx, false)
			return err
		})
	case stateUDPForward:
		group.Go(func() error {
			err := s.pumpInbound(gctx)
			s.destroy(ctx, false)
			return err
		})
	default:
		s.destroy(ctx, false)
	}
}

// readHandshakeFrame accumulates bytes off conn until protocol.Parse
// succeeds or maxHandshakeFrame is reached, whichever comes first. A
// buffer that never parses is handed back anyway — the caller's own
// protocol.Parse call will fail identically and the raw bytes become the
// verbatim fallback payload, per spec.md's "invalid -> use data verbatim".
func readHandshakeFrame(conn io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 512)
	chunk := make([]byte, 512)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if _, parseErr := protocol.Parse(buf); parseErr == nil {
				return buf, nil
			}
			if len(buf) >= maxHandshakeFrame {
				return buf, nil
			}
		}
		if err != nil {
			if len(buf) > 0 {
				return buf, nil
			}
			return nil, err
		}
	}
}

// dialUpstream tries each resolved endpoint in order until one accepts a
// connection. dial defaults to plain TCP via s.dialer; fallback-path
// callers may pass s.fallbackDial instead to wrap the connection in TLS.
func (s *Session) dialUpstream(ctx context.Context, host string, endpoints []netip.Addr, port uint16, dial DialFunc) (net.Conn, error) {
	if dial == nil {
		dial = s.dialer.DialContext
	}
	var lastErr error
	for _, ip := range endpoints {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
		conn, err := dial(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints resolved")
	}
	return nil, fmt.Errorf("relay: dial upstream %s:%d: %w", host, port, lastErr)
}
