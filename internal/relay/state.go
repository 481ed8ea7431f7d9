package relay

// state is the session's lifecycle state, held as data (an atomic.Int32
// on Session) rather than threaded through control flow, so any
// goroutine resuming after a suspension point can cheaply check whether
// the session has already moved to destroy.
type state int32

const (
	stateHandshake state = iota
	stateForward
	stateUDPForward
	stateDestroy
)

func (s state) String() string {
	switch s {
	case stateHandshake:
		return "HANDSHAKE"
	case stateForward:
		return "FORWARD"
	case stateUDPForward:
		return "UDP_FORWARD"
	case stateDestroy:
		return "DESTROY"
	default:
		return "UNKNOWN"
	}
}

// MaxBufLength bounds how large udpDataBuf may grow while holding an
// incomplete frame before the session is destroyed for misbehaving.
const MaxBufLength = 16384
