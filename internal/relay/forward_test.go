package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xtaci/smux"

	"relaycloak/internal/pipeline"
)

// fakeClosedPipeline is a Pipeline double whose SessionWriteData always
// reports a closed pipeline, for exercising the stale-pipeline-reference
// path without a real smux session.
type fakeClosedPipeline struct {
	flow *pipeline.FlowControl
}

func (f *fakeClosedPipeline) SessionWriteData(_ *smux.Stream, _ []byte, done func(error)) {
	done(pipeline.ErrPipelineClosed)
}

func (f *fakeClosedPipeline) SessionWriteAck(*smux.Stream, func(error)) {}

func (f *fakeClosedPipeline) RemoveSessionAfterDestroy(*smux.Stream) {}

func (f *fakeClosedPipeline) FlowControl() *pipeline.FlowControl { return f.flow }

func TestPumpInbound_ForwardState_RelaysToUpstream(t *testing.T) {
	clientSide, sessionSide := net.Pipe()
	defer clientSide.Close()
	upstreamSide, outSide := net.Pipe()
	defer upstreamSide.Close()

	s := testSession(baseTestConfig(), newFakeAuthenticator(), &fakeResolver{})
	s.conn = sessionSide
	s.outConn = outSide
	s.setState(stateForward)

	done := make(chan error, 1)
	go func() { done <- s.pumpInbound(context.Background()) }()

	_, err := clientSide.Write([]byte("hello upstream"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	upstreamSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := upstreamSide.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello upstream", string(buf[:n]))
	require.Equal(t, uint64(len("hello upstream")), s.sentLen.Load())

	clientSide.Close()
	sessionSide.Close()
	<-done
}

func TestPumpOutbound_ForwardState_RelaysToClient(t *testing.T) {
	clientSide, sessionSide := net.Pipe()
	defer clientSide.Close()
	upstreamSide, outSide := net.Pipe()
	defer upstreamSide.Close()

	s := testSession(baseTestConfig(), newFakeAuthenticator(), &fakeResolver{})
	s.conn = sessionSide
	s.outConn = outSide
	s.setState(stateForward)

	done := make(chan error, 1)
	go func() { done <- s.pumpOutbound(context.Background()) }()

	_, err := upstreamSide.Write([]byte("response bytes"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientSide.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "response bytes", string(buf[:n]))
	require.Equal(t, uint64(len("response bytes")), s.recvLen.Load())

	upstreamSide.Close()
	outSide.Close()
	<-done
}

func TestPumpOutbound_PipelineClosed_ReturnsErrPipelineExpired(t *testing.T) {
	clientSide, sessionSide := net.Pipe()
	defer clientSide.Close()
	defer sessionSide.Close()
	upstreamSide, outSide := net.Pipe()
	defer upstreamSide.Close()

	s := testSession(baseTestConfig(), newFakeAuthenticator(), &fakeResolver{})
	s.conn = sessionSide
	s.outConn = outSide
	s.setState(stateForward)
	flow := pipeline.NewFlowControl(8)
	s.pl = &fakeClosedPipeline{flow: flow}
	s.flow = flow

	done := make(chan error, 1)
	go func() { done <- s.pumpOutbound(context.Background()) }()

	_, err := upstreamSide.Write([]byte("anything"))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrPipelineExpired)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pumpOutbound to report a stale pipeline")
	}
}

func TestPumpInbound_StopsOnDestroy(t *testing.T) {
	clientSide, sessionSide := net.Pipe()
	defer clientSide.Close()
	defer sessionSide.Close()

	s := testSession(baseTestConfig(), newFakeAuthenticator(), &fakeResolver{})
	s.conn = sessionSide
	s.setState(stateDestroy)

	err := s.pumpInbound(context.Background())
	require.NoError(t, err)
}
