package relay

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaycloak/internal/protocol"
)

func listenLoopback(t *testing.T) (net.Listener, netip.Addr, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addrPort := ln.Addr().(*net.TCPAddr)
	return ln, netip.MustParseAddr(addrPort.IP.String()), uint16(addrPort.Port)
}

func TestHandleHandshakeFrame_ValidConnect_DialsTarget(t *testing.T) {
	ln, ip, port := listenLoopback(t)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- buf[:n]
	}()

	cfg := baseTestConfig()
	password := protocol.HashPassword("s3cret")
	cfg.Password[password] = "alice"

	res := &fakeResolver{addrs: []netip.Addr{ip}}
	s := testSession(cfg, newFakeAuthenticator(), res)

	addr := protocol.Address{Type: protocol.AddressIPv4, Host: ip.String(), Port: port}
	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	buf := protocol.Encode(password, protocol.CmdConnect, addr, payload)

	err := s.handleHandshakeFrame(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, stateForward, s.currentState())
	require.Equal(t, "alice", s.identity)
	require.Empty(t, s.authPassword)
	require.Equal(t, uint64(len(payload)), s.sentLen.Load())

	select {
	case got := <-received:
		require.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream to receive payload")
	}

	require.NoError(t, s.outConn.Close())
}

func TestHandleHandshakeFrame_UnknownPassword_FallsBackToRemote(t *testing.T) {
	ln, ip, port := listenLoopback(t)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		n, _ := conn.Read(buf)
		received <- buf[:n]
	}()

	cfg := baseTestConfig()
	cfg.RemoteAddr = ip.String()
	cfg.RemotePort = int(port)

	res := &fakeResolver{addrs: []netip.Addr{ip}}
	s := testSession(cfg, newFakeAuthenticator(), res) // authenticator denies everything

	unknownPassword := protocol.HashPassword("not-configured")
	addr := protocol.Address{Type: protocol.AddressIPv4, Host: "93.184.216.34", Port: 80}
	payload := []byte("irrelevant payload")
	buf := protocol.Encode(unknownPassword, protocol.CmdConnect, addr, payload)

	err := s.handleHandshakeFrame(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, stateForward, s.currentState())
	require.Empty(t, s.identity)

	select {
	case got := <-received:
		require.Equal(t, buf, got) // the raw bytes are proxied verbatim
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fallback origin to receive raw bytes")
	}

	require.NoError(t, s.outConn.Close())
}

func TestHandleHandshakeFrame_DynamicAuth_RecordsPasswordOnDestroy(t *testing.T) {
	ln, ip, port := listenLoopback(t)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			io.Copy(io.Discard, conn)
		}
	}()

	cfg := baseTestConfig()
	res := &fakeResolver{addrs: []netip.Addr{ip}}
	password := protocol.HashPassword("dynamic-secret")
	authenticator := newFakeAuthenticator(password)
	s := testSession(cfg, authenticator, res)

	addr := protocol.Address{Type: protocol.AddressIPv4, Host: ip.String(), Port: port}
	buf := protocol.Encode(password, protocol.CmdConnect, addr, nil)

	err := s.handleHandshakeFrame(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, password, s.authPassword)

	s.destroy(context.Background(), false)
	require.Len(t, authenticator.records, 1)
	require.Equal(t, password, authenticator.records[0].password)
}

func TestHandleHandshakeFrame_UDPAssociate_TransitionsState(t *testing.T) {
	cfg := baseTestConfig()
	password := protocol.HashPassword("udp-secret")
	cfg.Password[password] = "bob"

	res := &fakeResolver{}
	s := testSession(cfg, newFakeAuthenticator(), res)

	target := protocol.Address{Type: protocol.AddressIPv4, Host: "8.8.8.8", Port: 53}
	addr := protocol.Address{Type: protocol.AddressIPv4, Host: "0.0.0.0", Port: 0}
	buf := protocol.Encode(password, protocol.CmdUDPAssociate, addr, nil)

	err := s.handleHandshakeFrame(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, stateUDPForward, s.currentState())
	_ = target
}

func TestHandleHandshakeFrame_UnknownPassword_UsesFallbackDialerOverride(t *testing.T) {
	cfg := baseTestConfig()
	cfg.RemoteAddr = "disguise.example"
	cfg.RemotePort = 443

	res := &fakeResolver{addrs: []netip.Addr{netip.MustParseAddr("127.0.0.1")}}
	s := testSession(cfg, newFakeAuthenticator(), res)

	var dialedNetwork, dialedAddr string
	fakeConn := &discardConn{}
	s.SetFallbackDialer(func(_ context.Context, network, addr string) (net.Conn, error) {
		dialedNetwork, dialedAddr = network, addr
		return fakeConn, nil
	})

	unknownPassword := protocol.HashPassword("nope")
	addr := protocol.Address{Type: protocol.AddressIPv4, Host: "1.2.3.4", Port: 80}
	buf := protocol.Encode(unknownPassword, protocol.CmdConnect, addr, []byte("x"))

	err := s.handleHandshakeFrame(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, stateForward, s.currentState())
	require.Equal(t, "tcp", dialedNetwork)
	require.Equal(t, "127.0.0.1:443", dialedAddr)
	require.Same(t, fakeConn, s.outConn)
}

func TestHandleHandshakeFrame_ValidConnect_IgnoresFallbackDialerOverride(t *testing.T) {
	ln, ip, port := listenLoopback(t)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			io.Copy(io.Discard, conn)
		}
	}()

	cfg := baseTestConfig()
	password := protocol.HashPassword("s3cret")
	cfg.Password[password] = "alice"

	res := &fakeResolver{addrs: []netip.Addr{ip}}
	s := testSession(cfg, newFakeAuthenticator(), res)

	fallbackCalled := false
	s.SetFallbackDialer(func(context.Context, string, string) (net.Conn, error) {
		fallbackCalled = true
		return nil, nil
	})

	addr := protocol.Address{Type: protocol.AddressIPv4, Host: ip.String(), Port: port}
	buf := protocol.Encode(password, protocol.CmdConnect, addr, nil)

	err := s.handleHandshakeFrame(context.Background(), buf)
	require.NoError(t, err)
	require.False(t, fallbackCalled, "the valid-CONNECT path must always dial plain TCP")
}

func TestHandleHandshakeFrame_ALPNPortOverride(t *testing.T) {
	ln, ip, port := listenLoopback(t)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			io.Copy(io.Discard, conn)
		}
	}()

	cfg := baseTestConfig()
	cfg.RemoteAddr = ip.String()
	cfg.RemotePort = 9999 // deliberately wrong; ALPN override should win
	cfg.SSL.ALPNPortOverride = map[string]int{"h2": int(port)}

	res := &fakeResolver{addrs: []netip.Addr{ip}}
	s := testSession(cfg, newFakeAuthenticator(), res)
	s.negotiatedALPN = "h2"

	unknownPassword := protocol.HashPassword("nope")
	addr := protocol.Address{Type: protocol.AddressIPv4, Host: "1.2.3.4", Port: 80}
	buf := protocol.Encode(unknownPassword, protocol.CmdConnect, addr, []byte("x"))

	err := s.handleHandshakeFrame(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, stateForward, s.currentState())
}
