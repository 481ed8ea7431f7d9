// Package trafficstats accumulates per-identity byte counters so that
// MeteredAuthenticator's Record calls land somewhere observable instead of
// vanishing once a session is destroyed.
package trafficstats

import "sync"

// Snapshot is a point-in-time read of one identity's accumulated byte
// counts.
type Snapshot struct {
	DownlinkBytes uint64
	UplinkBytes   uint64
	Sessions      uint64
}

// Collector aggregates byte counters keyed by hashed password identity.
// Safe for concurrent use from many sessions.
type Collector struct {
	mu    sync.Mutex
	stats map[string]*Snapshot
}

func NewCollector() *Collector {
	return &Collector{stats: make(map[string]*Snapshot)}
}

// Add records one session's final byte counts against identity.
func (c *Collector) Add(identity string, downlinkBytes, uplinkBytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.stats[identity]
	if !ok {
		s = &Snapshot{}
		c.stats[identity] = s
	}
	s.DownlinkBytes += downlinkBytes
	s.UplinkBytes += uplinkBytes
	s.Sessions++
}

// Snapshot returns a copy of the accumulated counters for identity. The
// zero value is returned (ok=false) if nothing has been recorded yet.
func (c *Collector) Snapshot(identity string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.stats[identity]
	if !ok {
		return Snapshot{}, false
	}
	return *s, true
}

// All returns a copy of every identity's snapshot, for a metrics endpoint
// or periodic report.
func (c *Collector) All() map[string]Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Snapshot, len(c.stats))
	for identity, s := range c.stats {
		out[identity] = *s
	}
	return out
}
