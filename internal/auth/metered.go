package auth

import (
	"context"

	"relaycloak/internal/telemetry/trafficstats"
)

// MeteredAuthenticator decorates another Authenticator, forwarding
// Authenticate unchanged and feeding every Record call into a
// trafficstats.Collector so accepted sessions show up in a metrics
// snapshot instead of disappearing at destruction.
type MeteredAuthenticator struct {
	next      Authenticator
	collector *trafficstats.Collector
}

// NewMeteredAuthenticator wraps next, accumulating its Record calls into
// collector.
func NewMeteredAuthenticator(next Authenticator, collector *trafficstats.Collector) *MeteredAuthenticator {
	return &MeteredAuthenticator{next: next, collector: collector}
}

func (m *MeteredAuthenticator) Authenticate(ctx context.Context, hashedPassword string) bool {
	return m.next.Authenticate(ctx, hashedPassword)
}

func (m *MeteredAuthenticator) Record(ctx context.Context, hashedPassword string, downlinkBytes, uplinkBytes uint64) {
	m.collector.Add(hashedPassword, downlinkBytes, uplinkBytes)
	m.next.Record(ctx, hashedPassword, downlinkBytes, uplinkBytes)
}
