package relay

import (
	"bufio"
	"net"
)

// httpMethodPrefixes are the request lines a plaintext HTTP probe starts
// with. Checking for these directly, before ever attempting a TLS
// handshake, is more robust than trying to classify a crypto/tls
// handshake error string, and lets the disguise fallback path be
// exercised without a real TLS handshake in tests.
var httpMethodPrefixes = [][]byte{
	[]byte("GET "),
	[]byte("POST "),
	[]byte("HEAD "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("OPTIONS "),
	[]byte("CONNECT "),
	[]byte("TRACE "),
	[]byte("PATCH "),
}

// peekConn wraps a net.Conn so that bytes already consumed by Peek are
// replayed on the next Read — whatever looked at the prefix doesn't lose
// the rest of the stream.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func newPeekConn(conn net.Conn) *peekConn {
	return &peekConn{Conn: conn, r: bufio.NewReaderSize(conn, 512)}
}

func (p *peekConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// looksLikePlaintextHTTP peeks the longest known method prefix and
// reports whether the connection opened with a plaintext HTTP request
// line instead of a TLS ClientHello.
func looksLikePlaintextHTTP(p *peekConn) bool {
	peeked, _ := p.r.Peek(8)
	for _, prefix := range httpMethodPrefixes {
		if len(peeked) >= len(prefix) && string(peeked[:len(prefix)]) == string(prefix) {
			return true
		}
	}
	return false
}
