// Package resolver implements the resolver port spec.md §6 names:
// asynchronous name resolution returning an ordered list of endpoints,
// shared and reentrant across sessions.
package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Resolver resolves a host to an ordered list of endpoints. Implementations
// must be safe for concurrent use by many sessions.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// StdResolver wraps *net.Resolver, the default when no upstream DNS
// server is configured.
type StdResolver struct {
	resolver *net.Resolver
}

// NewStdResolver wraps resolver, or net.DefaultResolver if nil.
func NewStdResolver(resolver *net.Resolver) *StdResolver {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &StdResolver{resolver: resolver}
}

func (r *StdResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	ips, err := r.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolver: lookup %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolver: lookup %s: %w", host, ErrNoResults)
	}
	return ips, nil
}

// ErrNoResults is returned when a lookup succeeds but yields no addresses.
var ErrNoResults = errNoResults{}

type errNoResults struct{}

func (errNoResults) Error() string { return "resolver: no addresses found" }

// PreferIPv4 reorders addrs so that IPv4 endpoints sort first, matching
// spec.md's "preferring IPv4 iff config.tcp.prefer_ipv4 is set".
func PreferIPv4(addrs []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.Is4() || a.Is4In6() {
			out = append(out, a)
		}
	}
	for _, a := range addrs {
		if !a.Is4() && !a.Is4In6() {
			out = append(out, a)
		}
	}
	return out
}
