package relay

import (
	"context"
	"errors"
	"fmt"

	"relaycloak/internal/pipeline"
)

// inboundBufferSize matches MaxBufLength, the per-read buffer convention
// carried from the UDP path over to TCP byte-stream framing.
const inboundBufferSize = MaxBufLength

// pumpInbound is the single inbound-read loop shared by FORWARD and
// UDP_FORWARD: spec.md's in_recv dispatches on status rather than having
// separate callbacks per state, and a blocking read loop checking status
// on each iteration is the direct Go reading of that dispatch.
func (s *Session) pumpInbound(ctx context.Context) error {
	buf := make([]byte, inboundBufferSize)
	for {
		if s.currentState() == stateDestroy {
			return nil
		}

		n, err := s.conn.Read(buf)
		if err != nil {
			return fmt.Errorf("relay: inbound read: %w", err)
		}
		data := append([]byte(nil), buf[:n]...)

		switch s.currentState() {
		case stateForward:
			s.sentLen.Add(uint64(len(data)))
			if _, err := s.outConn.Write(data); err != nil {
				return fmt.Errorf("relay: write upstream: %w", err)
			}
		case stateUDPForward:
			s.udpDataBuf = append(s.udpDataBuf, data...)
			if err := s.udpSent(ctx); err != nil {
				return err
			}
		case stateDestroy:
			return nil
		}
	}
}

// pumpOutbound is the FORWARD-state out_recv/out_sent loop: read a chunk
// from the upstream socket and relay it to the client, honoring the
// pipeline flow-control interlock before every read.
func (s *Session) pumpOutbound(ctx context.Context) error {
	buf := make([]byte, inboundBufferSize)
	for {
		if s.currentState() != stateForward {
			return nil
		}

		if err := s.flow.WaitForAck(ctx); err != nil {
			return err
		}

		n, err := s.outConn.Read(buf)
		if err != nil {
			return fmt.Errorf("relay: outbound read: %w", err)
		}
		data := append([]byte(nil), buf[:n]...)
		s.recvLen.Add(uint64(len(data)))

		if s.flow.IsUsingPipeline() {
			s.flow.NoteWrite()
			done := make(chan error, 1)
			s.pl.SessionWriteData(s.stream, data, func(err error) { done <- err })
			select {
			case err := <-done:
				if errors.Is(err, pipeline.ErrPipelineClosed) {
					// The pipeline reference this session was handed is no
					// longer live; there is no wire left to write to, so
					// the session must self-destroy rather than retry.
					return ErrPipelineExpired
				}
				if err != nil {
					return fmt.Errorf("relay: pipeline write inbound: %w", err)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if _, err := s.conn.Write(data); err != nil {
			return fmt.Errorf("relay: write inbound: %w", err)
		}
	}
}
