package auth

import (
	"context"
	"sync"
)

// InMemorySetAuthenticator authenticates against an in-process set of
// hashed passwords. It exists for tests and small single-process
// deployments; a real dynamic backing store (a database, a control-plane
// API) is out of scope and would implement the same Authenticator port.
type InMemorySetAuthenticator struct {
	mu      sync.RWMutex
	allowed map[string]struct{}
}

// NewInMemorySetAuthenticator builds an authenticator that accepts the
// given hashed passwords, and no others, until Allow/Revoke is called.
func NewInMemorySetAuthenticator(hashedPasswords ...string) *InMemorySetAuthenticator {
	a := &InMemorySetAuthenticator{allowed: make(map[string]struct{}, len(hashedPasswords))}
	for _, p := range hashedPasswords {
		a.allowed[p] = struct{}{}
	}
	return a
}

func (a *InMemorySetAuthenticator) Authenticate(_ context.Context, hashedPassword string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.allowed[hashedPassword]
	return ok
}

func (a *InMemorySetAuthenticator) Record(context.Context, string, uint64, uint64) {}

// Allow adds hashedPassword to the accepted set.
func (a *InMemorySetAuthenticator) Allow(hashedPassword string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowed[hashedPassword] = struct{}{}
}

// Revoke removes hashedPassword from the accepted set.
func (a *InMemorySetAuthenticator) Revoke(hashedPassword string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allowed, hashedPassword)
}
