package relay

import "errors"

var (
	// ErrSessionGone is returned by PushChunk once the session has
	// already been destroyed.
	ErrSessionGone = errors.New("relay: session destroyed")

	// ErrPipelineExpired means the session's pipeline reference is no
	// longer live; the session must self-destroy.
	ErrPipelineExpired = errors.New("relay: pipeline reference expired")

	// ErrUDPFrameOversize means a pending (incomplete) UDP frame in the
	// accumulation buffer exceeded MaxBufLength before it could be
	// completed.
	ErrUDPFrameOversize = errors.New("relay: pending UDP frame exceeds max buffer length")

	// ErrPipelinePushOnNonPipelineSession is a programming-error
	// condition: PushChunk was called on a session not configured for
	// pipeline mode.
	ErrPipelinePushOnNonPipelineSession = errors.New("relay: push_chunk called on non-pipeline session")
)
