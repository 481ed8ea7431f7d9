package pipeline

import (
	"context"
	"sync/atomic"
)

// defaultWindow is the number of outbound-origin writes the sessions
// sharing one Pipeline may together have unacknowledged before
// out_async_read is deferred.
const defaultWindow = 32

// FlowControl is the session-side "pipeline flow control" helper of
// spec.md §4.5: it tracks outstanding un-acked writes and tells the
// session whether it is safe to issue another outbound-origin read.
type FlowControl struct {
	window    int32
	inFlight  atomic.Int32
	ackCount  atomic.Int64
	ackSignal chan struct{}
}

// NewFlowControl builds a FlowControl that permits up to window
// outstanding un-acked writes before throttling.
func NewFlowControl(window int32) *FlowControl {
	return &FlowControl{window: window, ackSignal: make(chan struct{}, 1)}
}

// IsUsingPipeline reports whether pipeline mode applies to the caller.
// A nil *FlowControl always answers false, so non-pipeline sessions can
// hold a nil field and skip the interlock entirely.
func (f *FlowControl) IsUsingPipeline() bool { return f != nil }

// NoteWrite records one outbound-origin write awaiting an ACK.
func (f *FlowControl) NoteWrite() {
	if f == nil {
		return
	}
	f.inFlight.Add(1)
}

// ReleaseWindow records one ACK arriving from the peer, freeing one slot
// in the outstanding-write window.
func (f *FlowControl) ReleaseWindow() {
	if f == nil {
		return
	}
	if f.inFlight.Add(-1) < 0 {
		f.inFlight.Store(0)
	}
	f.ackCount.Add(1)
	select {
	case f.ackSignal <- struct{}{}:
	default:
	}
}

// PreCallAck reports whether another out_async_read may be issued now.
// It returns false once the outstanding-write window is exhausted, in
// which case the caller defers the read until an ACK arrives and calls
// ReleaseWindow.
func (f *FlowControl) PreCallAck() bool {
	if f == nil {
		return true
	}
	return f.inFlight.Load() < f.window
}

// AckCounter returns the total number of ACKs observed so far, exposed
// for metrics/observability per spec.md's pipeline_ack_counter.
func (f *FlowControl) AckCounter() int64 {
	if f == nil {
		return 0
	}
	return f.ackCount.Load()
}

// WaitForAck blocks until PreCallAck would return true or ctx is
// cancelled, deferring an out_async_read until the peer's ACK arrives
// instead of busy-polling the window counter.
func (f *FlowControl) WaitForAck(ctx context.Context) error {
	if f == nil {
		return nil
	}
	for !f.PreCallAck() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.ackSignal:
		}
	}
	return nil
}
