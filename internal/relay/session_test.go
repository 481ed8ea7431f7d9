package relay

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSession_StartsInHandshakeState(t *testing.T) {
	s := testSession(baseTestConfig(), newFakeAuthenticator(), &fakeResolver{})
	require.Equal(t, stateHandshake, s.currentState())
	require.Equal(t, uint64(1), s.ID())
}

func TestHandlePlaintextProbe_WritesConfiguredFallbackResponse(t *testing.T) {
	cfg := baseTestConfig()
	cfg.PlainHTTPResponse = "HTTP/1.1 400 Bad Request\r\n\r\n"
	s := testSession(cfg, newFakeAuthenticator(), &fakeResolver{})

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.handlePlaintextProbe(server)
		close(done)
	}()

	buf := make([]byte, len(cfg.PlainHTTPResponse))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, cfg.PlainHTTPResponse, string(buf[:n]))
	<-done
	require.Equal(t, stateDestroy, s.currentState())
}

func TestHandlePlaintextProbe_NoResponseConfigured_JustDestroys(t *testing.T) {
	cfg := baseTestConfig()
	cfg.PlainHTTPResponse = ""
	s := testSession(cfg, newFakeAuthenticator(), &fakeResolver{})

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	s.handlePlaintextProbe(server)
	require.Equal(t, stateDestroy, s.currentState())
}

func TestDestroy_IsIdempotent(t *testing.T) {
	s := testSession(baseTestConfig(), newFakeAuthenticator(), &fakeResolver{})
	s.destroy(context.Background(), false)
	s.destroy(context.Background(), false)
	require.Equal(t, stateDestroy, s.currentState())
}

func TestPushChunk_PanicsOnNonPipelineSession(t *testing.T) {
	s := testSession(baseTestConfig(), newFakeAuthenticator(), &fakeResolver{})
	require.Panics(t, func() { s.PushChunk([]byte("x")) })
}

func TestPushChunk_ReturnsErrSessionGoneAfterDestroy(t *testing.T) {
	s := testSession(baseTestConfig(), newFakeAuthenticator(), &fakeResolver{})
	pr, pw := io.Pipe()
	defer pr.Close()
	s.pushIn = pw

	s.destroy(context.Background(), false)

	err := s.PushChunk([]byte("x"))
	require.ErrorIs(t, err, ErrSessionGone)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "HANDSHAKE", stateHandshake.String())
	require.Equal(t, "FORWARD", stateForward.String())
	require.Equal(t, "UDP_FORWARD", stateUDPForward.String())
	require.Equal(t, "DESTROY", stateDestroy.String())
	require.Equal(t, "UNKNOWN", state(99).String())
}
