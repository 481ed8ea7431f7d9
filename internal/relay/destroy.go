package relay

import (
	"context"
	"time"
)

// destroy is the idempotent teardown path of spec.md §4.6: record final
// byte counts if the session authenticated dynamically, cancel all
// in-flight work, close every owned socket, and de-register from the
// pipeline unless the pipeline itself is the one tearing the session down.
func (s *Session) destroy(ctx context.Context, calledFromPipeline bool) {
	s.destroyOnce.Do(func() {
		s.setState(stateDestroy)

		s.log.Printf("session %d: destroyed, sent=%d recv=%d duration=%s",
			s.id, s.sentLen.Load(), s.recvLen.Load(), time.Since(s.startedAt))

		if s.authPassword != "" {
			s.authenticator.Record(ctx, s.authPassword, s.recvLen.Load(), s.sentLen.Load())
		}

		if s.groupCancel != nil {
			s.groupCancel()
		}

		if s.outConn != nil {
			_ = s.outConn.Close()
		}
		if s.udpConn != nil {
			_ = s.udpConn.Close()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if s.rawConn != nil {
			_ = s.rawConn.Close()
		}

		if s.pl != nil && !calledFromPipeline {
			s.pl.RemoveSessionAfterDestroy(s.stream)
		}
	})
}

// Destroy tears the session down from the outside — an enclosing
// supervisor (accept loop, shutdown handler) calling this observes the
// same idempotent teardown as an internal I/O error would trigger.
func (s *Session) Destroy(ctx context.Context) {
	s.destroy(ctx, false)
}
