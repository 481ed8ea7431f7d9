// Package auth implements the authenticator port (spec component C4): a
// hook sessions consult for passwords not present in the static config
// map, plus per-identity byte accounting recorded exactly once at session
// destruction.
//
// The authenticator's backing store (a database, an API call to a control
// plane) is out of scope here — only the port and three small
// implementations are provided: one that always denies, one backed by an
// in-process set of hashed passwords, and one that decorates another
// Authenticator with traffic accounting.
package auth

import "context"

// Authenticator decides whether a hashed password absent from the static
// config map is nonetheless acceptable, and records final byte counts for
// every session it authenticated. Implementations must be safe for
// concurrent use by many sessions.
type Authenticator interface {
	// Authenticate reports whether hashedPassword (the 56-char hex SHA-224
	// digest, see protocol.HashPassword) should be treated as valid.
	Authenticate(ctx context.Context, hashedPassword string) bool

	// Record is invoked exactly once per session that authenticated
	// through this port, at session destruction, with the final
	// plaintext-byte counts in each direction.
	Record(ctx context.Context, hashedPassword string, downlinkBytes, uplinkBytes uint64)
}

// NoopAuthenticator denies every password and discards every record call.
// It is the default when no dynamic authenticator is configured — the
// static config password map, consulted directly by the session before
// ever reaching this port, remains the only source of truth.
type NoopAuthenticator struct{}

func (NoopAuthenticator) Authenticate(context.Context, string) bool { return false }

func (NoopAuthenticator) Record(context.Context, string, uint64, uint64) {}
