// Package config loads and validates relaycloak server configuration.
package config

import (
	"errors"
	"fmt"
	"net"
)

// Configuration is the full set of options a relaycloak server accepts,
// covering both the wire-protocol fields spec.md §6 names and the
// ambient fields a real deployment needs (listener address, TLS material,
// logging, pipeline mode).
type Configuration struct {
	// Listen is the address the TLS listener binds, e.g. ":443".
	Listen string `json:"listen" yaml:"listen"`

	// Password maps a hashed password (the 56-char hex SHA-224 digest, see
	// protocol.HashPassword) to a human-readable identity name. Sessions
	// presenting a password found here authenticate
	// without ever reaching the dynamic Authenticator port.
	Password map[string]string `json:"password" yaml:"password"`

	// RemoteAddr/RemotePort are the fallback HTTPS origin invalid
	// requests (parse failure, unknown password) are redirected to.
	RemoteAddr string `json:"remote_addr" yaml:"remote_addr"`
	RemotePort int    `json:"remote_port" yaml:"remote_port"`

	SSL      SSLConfig      `json:"ssl" yaml:"ssl"`
	TCP      TCPConfig      `json:"tcp" yaml:"tcp"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	DNS      DNSConfig      `json:"dns" yaml:"dns"`

	// SessionIDMode selects how session ids are generated: "counter"
	// (default, monotonic) or "uuid".
	SessionIDMode string `json:"session_id_mode" yaml:"session_id_mode"`

	// PlainHTTPResponse is written verbatim on the raw TCP socket when
	// the TLS handshake fails because the client sent plaintext HTTP.
	// Empty means no fallback response is written.
	PlainHTTPResponse string `json:"plain_http_response" yaml:"plain_http_response"`
}

type SSLConfig struct {
	Cert string `json:"cert" yaml:"cert"`
	Key  string `json:"key" yaml:"key"`
	SNI  string `json:"sni" yaml:"sni"`

	// ALPNPortOverride maps a negotiated ALPN protocol id to the
	// fallback port used instead of RemotePort for invalid requests.
	ALPNPortOverride map[string]int `json:"alpn_port_override" yaml:"alpn_port_override"`

	// AutocertEnabled obtains a certificate from Let's Encrypt via
	// golang.org/x/crypto/acme/autocert instead of Cert/Key files.
	AutocertEnabled bool     `json:"autocert_enabled" yaml:"autocert_enabled"`
	AutocertHosts   []string `json:"autocert_hosts" yaml:"autocert_hosts"`
	AutocertCache   string   `json:"autocert_cache" yaml:"autocert_cache"`

	// FallbackTLS, when set, dials the fallback origin (RemoteAddr:
	// RemotePort) over TLS with h2/http1.1 ALPN instead of plain TCP, so
	// the disguise connection is itself a normal-looking HTTPS client
	// negotiation rather than a bare byte pipe.
	FallbackTLS bool `json:"fallback_tls" yaml:"fallback_tls"`
}

type TCPConfig struct {
	PreferIPv4 bool `json:"prefer_ipv4" yaml:"prefer_ipv4"`

	// ReusePort sets SO_REUSEPORT on the listening socket (Linux only;
	// ignored elsewhere), letting multiple server processes share one
	// port for zero-downtime restarts.
	ReusePort bool `json:"reuse_port" yaml:"reuse_port"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug|info|warn|error
	Format string `json:"format" yaml:"format"` // text|json|legacy
}

type PipelineConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type DNSConfig struct {
	// Upstream, if set, is a host:port queried directly via miekg/dns
	// instead of the OS resolver.
	Upstream string `json:"upstream" yaml:"upstream"`
}

var (
	ErrMissingListen       = errors.New("config: listen address is required")
	ErrMissingRemote       = errors.New("config: remote_addr/remote_port fallback is required")
	ErrMissingTLSMaterial  = errors.New("config: ssl.cert/ssl.key required unless ssl.autocert_enabled")
	ErrNoPasswords         = errors.New("config: at least one password must be configured")
	ErrInvalidSessionIDMode = errors.New("config: session_id_mode must be \"counter\" or \"uuid\"")
)

// EnsureDefaults fills in fields a deployment reasonably expects to
// default rather than fail on.
func (c *Configuration) EnsureDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.SessionIDMode == "" {
		c.SessionIDMode = "counter"
	}
	if c.SSL.ALPNPortOverride == nil {
		c.SSL.ALPNPortOverride = map[string]int{}
	}
}

// Validate reports the first configuration problem found, wrapped around
// one of the sentinel errors above so callers can errors.Is against a
// specific failure class.
func (c *Configuration) Validate() error {
	if c.Listen == "" {
		return ErrMissingListen
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingListen, err)
	}
	if len(c.Password) == 0 {
		return ErrNoPasswords
	}
	if c.RemoteAddr == "" || c.RemotePort <= 0 {
		return ErrMissingRemote
	}
	if !c.SSL.AutocertEnabled && (c.SSL.Cert == "" || c.SSL.Key == "") {
		return ErrMissingTLSMaterial
	}
	if c.SessionIDMode != "" && c.SessionIDMode != "counter" && c.SessionIDMode != "uuid" {
		return ErrInvalidSessionIDMode
	}
	return nil
}
