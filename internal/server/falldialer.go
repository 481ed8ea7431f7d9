package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"golang.org/x/net/http2"

	"relaycloak/internal/relay"
)

// FallbackDialFunc dials the disguise target for a session that failed
// to parse as the wire protocol (spec.md §4.6's "invalid -> fallback"
// path). It is an alias for relay.DialFunc so it can be handed straight
// to Session.SetFallbackDialer without a conversion — the valid-CONNECT
// path always dials plain TCP, since the real target is whatever the
// client asked for, not necessarily TLS-speaking.
type FallbackDialFunc = relay.DialFunc

// NewH2FallbackDialer builds a FallbackDialFunc that completes a TLS
// handshake with h2/http1.1 ALPN against the fallback origin before
// handing back the connection, so the disguise hop is itself a normal
// HTTPS client negotiation rather than a bare TCP byte pipe — reinforcing
// spec.md §1's "indistinguishable from a legitimate HTTPS site" property
// one hop further out.
func NewH2FallbackDialer() FallbackDialFunc {
	dialer := &net.Dialer{}
	baseTLSCfg := &tls.Config{NextProtos: []string{http2.NextProtoTLS, "http/1.1"}}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		rawConn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("server: dial fallback origin %s: %w", addr, err)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		tlsCfg := baseTLSCfg.Clone()
		tlsCfg.ServerName = host

		tlsConn := tls.Client(rawConn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("server: TLS handshake with fallback origin %s: %w", addr, err)
		}
		return tlsConn, nil
	}
}
