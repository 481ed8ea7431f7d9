package resolver

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// MiekgResolver resolves names against a specific upstream DNS server
// using github.com/miekg/dns instead of the OS resolver, used when
// Config.DNS.Upstream is set so UDP-associate sessions carrying DNS
// traffic can be resolved through a known-good upstream.
type MiekgResolver struct {
	upstream string // host:port, e.g. "1.1.1.1:53"
	client   *dns.Client
}

// NewMiekgResolver builds a resolver querying upstream directly.
func NewMiekgResolver(upstream string) *MiekgResolver {
	return &MiekgResolver{
		upstream: upstream,
		client:   &dns.Client{Timeout: 5 * time.Second},
	}
}

func (r *MiekgResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	fqdn := dns.Fqdn(host)
	addrs := make([]netip.Addr, 0, 4)

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		reply, _, err := r.client.ExchangeContext(ctx, msg, r.upstream)
		if err != nil {
			return nil, fmt.Errorf("resolver: miekg query %s upstream %s: %w", host, r.upstream, err)
		}
		for _, rr := range reply.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(rec.A.To4()); ok {
					addrs = append(addrs, addr)
				}
			case *dns.AAAA:
				if addr, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
					addrs = append(addrs, addr)
				}
			}
		}
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolver: miekg query %s upstream %s: %w", host, r.upstream, ErrNoResults)
	}
	return addrs, nil
}
