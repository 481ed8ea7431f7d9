package server

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// SessionIDGenerator produces the monotonic-by-convention session
// identifier spec.md §3 requires ("uniquely identified by a monotonic
// session id"). CounterGenerator is the default and only implementation
// that satisfies that invariant; UUIDGenerator is an additive opt-in for
// deployments that fan logs out to a shared collector, selected via
// Config.SessionIDMode == "uuid" and never the default.
type SessionIDGenerator interface {
	Next() uint64
}

// CounterGenerator hands out a strictly increasing sequence starting at 1.
type CounterGenerator struct {
	n atomic.Uint64
}

func NewCounterGenerator() *CounterGenerator { return &CounterGenerator{} }

func (c *CounterGenerator) Next() uint64 { return c.n.Add(1) }

// UUIDGenerator derives a session id from the first (high-order) 64 bits of a random
// UUIDv4, trading the monotonic-counter's ordering guarantee for
// global uniqueness across process restarts.
type UUIDGenerator struct{}

func NewUUIDGenerator() UUIDGenerator { return UUIDGenerator{} }

func (UUIDGenerator) Next() uint64 {
	id := uuid.New()
	hi := uint64(0)
	for _, b := range id[:8] {
		hi = hi<<8 | uint64(b)
	}
	return hi
}

// NewSessionIDGenerator selects a generator by Config.SessionIDMode
// ("counter", the default, or "uuid").
func NewSessionIDGenerator(mode string) SessionIDGenerator {
	if mode == "uuid" {
		return NewUUIDGenerator()
	}
	return NewCounterGenerator()
}
