package relay

import (
	"context"
	"net"
	"net/netip"
	"time"

	"relaycloak/internal/config"
	"relaycloak/internal/logging"
)

// discardConn is a minimal net.Conn double that discards writes and
// blocks forever on reads, for tests that only care which dial function
// ran and what it was called with, not the resulting byte stream.
type discardConn struct{}

func (discardConn) Read([]byte) (int, error)        { select {} }
func (discardConn) Write(b []byte) (int, error)     { return len(b), nil }
func (discardConn) Close() error                    { return nil }
func (discardConn) LocalAddr() net.Addr             { return discardAddr{} }
func (discardConn) RemoteAddr() net.Addr            { return discardAddr{} }
func (discardConn) SetDeadline(time.Time) error     { return nil }
func (discardConn) SetReadDeadline(time.Time) error { return nil }
func (discardConn) SetWriteDeadline(time.Time) error { return nil }

type discardAddr struct{}

func (discardAddr) Network() string { return "tcp" }
func (discardAddr) String() string  { return "discard" }

// fakeAuthenticator is a minimal auth.Authenticator double: it accepts
// exactly the passwords in allow and records every call it sees.
type fakeAuthenticator struct {
	allow   map[string]bool
	records []recordedCall
}

type recordedCall struct {
	password  string
	downlink  uint64
	uplink    uint64
}

func newFakeAuthenticator(allow ...string) *fakeAuthenticator {
	f := &fakeAuthenticator{allow: map[string]bool{}}
	for _, a := range allow {
		f.allow[a] = true
	}
	return f
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, hashedPassword string) bool {
	return f.allow[hashedPassword]
}

func (f *fakeAuthenticator) Record(_ context.Context, hashedPassword string, downlinkBytes, uplinkBytes uint64) {
	f.records = append(f.records, recordedCall{password: hashedPassword, downlink: downlinkBytes, uplink: uplinkBytes})
}

// fakeResolver resolves every host to a fixed, test-controlled set of
// addresses regardless of the name asked for.
type fakeResolver struct {
	addrs []netip.Addr
	err   error
}

func (f *fakeResolver) Resolve(context.Context, string) ([]netip.Addr, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs, nil
}

func testSession(cfg *config.Configuration, authenticator *fakeAuthenticator, res *fakeResolver) *Session {
	return NewSession(1, cfg, authenticator, res, logging.NewLogLogger())
}

func baseTestConfig() *config.Configuration {
	cfg := &config.Configuration{
		Listen:     "127.0.0.1:0",
		Password:   map[string]string{},
		RemoteAddr: "127.0.0.1",
		RemotePort: 1,
		SSL:        config.SSLConfig{Cert: "c.pem", Key: "k.pem"},
	}
	cfg.EnsureDefaults()
	return cfg
}
