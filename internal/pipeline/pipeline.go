// Package pipeline implements the pipeline port (spec component C5): a
// shared transport multiplexing many logical sessions, built on
// github.com/xtaci/smux layered over any net.Conn. It is transport
// agnostic — the smux session below it can sit on a TLS conn, a raw TCP
// conn, or anything else io.ReadWriteCloser-shaped.
//
// Each relaycloak session owns exactly one smux.Stream opened or accepted
// on the shared smux.Session. Because a stream is just an ordered byte
// pipe with no message boundaries of its own, Pipeline imposes a minimal
// per-stream framing (a one-byte frame type, a data frame carrying a
// length-prefixed chunk, an ack frame carrying nothing) so that the
// control-plane ACK described by spec.md's flow-control contract can
// travel inline on the same stream as the data it acknowledges.
package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/xtaci/smux"

	"relaycloak/internal/logging"
)

// ErrPipelineClosed is returned by stream-level operations once the
// underlying smux session has gone away — the session-side contract
// ("verify the pipeline reference is still live, otherwise self-destroy")
// is implemented by callers checking for this error.
var ErrPipelineClosed = errors.New("pipeline: closed")

const (
	frameTypeData byte = 0x01
	frameTypeAck  byte = 0x06
)

// Sink receives chunks the pipeline delivered for one multiplexed
// session — the session's in_recv / push_chunk entry point. An error
// return means the session can no longer accept data (e.g. it has been
// destroyed) and Serve should stop delivering to it.
type Sink interface {
	PushChunk(data []byte) error
}

// Pipeline owns one smux.Session and routes per-session streams to the
// sessions registered against them.
type Pipeline struct {
	mux    *smux.Session
	log    logging.Logger
	flow   *FlowControl
	closed chan struct{}
	once   sync.Once
}

// NewServerPipeline wraps conn in a server-side smux session. cfg may be
// nil to use smux.DefaultConfig().
func NewServerPipeline(conn net.Conn, cfg *smux.Config, log logging.Logger) (*Pipeline, error) {
	if cfg == nil {
		cfg = smux.DefaultConfig()
	}
	mux, err := smux.Server(conn, cfg)
	if err != nil {
		return nil, fmt.Errorf("pipeline: smux server handshake: %w", err)
	}
	return &Pipeline{mux: mux, log: log, flow: NewFlowControl(defaultWindow), closed: make(chan struct{})}, nil
}

// AcceptStream blocks until the peer opens a new stream, representing a
// new logical session multiplexed onto this pipeline.
func (p *Pipeline) AcceptStream() (*smux.Stream, error) {
	stream, err := p.mux.AcceptStream()
	if err != nil {
		return nil, fmt.Errorf("pipeline: accept stream: %w", err)
	}
	return stream, nil
}

// Serve reads frames off stream until it closes or ctx is cancelled,
// delivering data frames to sink.PushChunk and releasing one unit of flow
// control window per ack frame observed.
func (p *Pipeline) Serve(ctx context.Context, stream *smux.Stream, sink Sink) error {
	header := make([]byte, 5)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closed:
			return ErrPipelineClosed
		default:
		}

		if _, err := io.ReadFull(stream, header[:1]); err != nil {
			return fmt.Errorf("pipeline: read frame type: %w", err)
		}

		switch header[0] {
		case frameTypeAck:
			p.flow.ReleaseWindow()
		case frameTypeData:
			if _, err := io.ReadFull(stream, header[1:5]); err != nil {
				return fmt.Errorf("pipeline: read frame length: %w", err)
			}
			n := binary.BigEndian.Uint32(header[1:5])
			payload := make([]byte, n)
			if _, err := io.ReadFull(stream, payload); err != nil {
				return fmt.Errorf("pipeline: read frame payload: %w", err)
			}
			if err := sink.PushChunk(payload); err != nil {
				return fmt.Errorf("pipeline: sink rejected chunk: %w", err)
			}
		default:
			return fmt.Errorf("pipeline: unknown frame type %#x", header[0])
		}
	}
}

// SessionWriteData enqueues data addressed to the session owning stream
// on the shared wire. done is invoked once the wire has accepted it,
// matching spec.md's session_write_data(session, data, done_cb) contract.
// A write that fails after the pipeline itself has been closed is
// reported as ErrPipelineClosed rather than the raw stream error, so
// callers can tell a stale pipeline reference apart from an ordinary
// transport error on an otherwise-live pipeline.
func (p *Pipeline) SessionWriteData(stream *smux.Stream, data []byte, done func(error)) {
	go func() {
		err := writeDataFrame(stream, data)
		if err != nil {
			select {
			case <-p.closed:
				err = ErrPipelineClosed
			default:
			}
		}
		if done != nil {
			done(err)
		}
	}()
}

// SessionWriteAck emits a small ACK frame for the session owning stream.
func (p *Pipeline) SessionWriteAck(stream *smux.Stream, done func(error)) {
	go func() {
		_, err := stream.Write([]byte{frameTypeAck})
		if done != nil {
			done(err)
		}
	}()
}

// RemoveSessionAfterDestroy de-registers the session's stream on teardown.
func (p *Pipeline) RemoveSessionAfterDestroy(stream *smux.Stream) {
	_ = stream.Close()
}

// FlowControl returns the pipeline-wide flow-control helper consulted by
// sessions before issuing an outbound-origin read.
func (p *Pipeline) FlowControl() *FlowControl { return p.flow }

// Close tears down the underlying smux session, which unblocks pending
// Serve/AcceptStream calls with the resulting transport error. Serve
// returns ErrPipelineClosed only when it observes the close between
// frames; a Serve or AcceptStream already blocked in a read returns the
// wrapped smux error instead.
func (p *Pipeline) Close() error {
	p.once.Do(func() { close(p.closed) })
	return p.mux.Close()
}

func writeDataFrame(w io.Writer, data []byte) error {
	header := make([]byte, 5)
	header[0] = frameTypeData
	binary.BigEndian.PutUint32(header[1:], uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("pipeline: write frame header: %w", err)
	}
	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("pipeline: write frame payload: %w", err)
		}
	}
	return nil
}
