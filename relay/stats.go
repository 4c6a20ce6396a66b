package relay

import "sync/atomic"

// Stats counts relay traffic.
type Stats struct {
	Received  uint64
	Delivered uint64
	Echoed    uint64
	Dropped   uint64
	Sent      uint64
}

type counters struct {
	received  atomic.Uint64
	delivered atomic.Uint64
	echoed    atomic.Uint64
	dropped   atomic.Uint64
	sent      atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:  c.received.Load(),
		Delivered: c.delivered.Load(),
		Echoed:    c.echoed.Load(),
		Dropped:   c.dropped.Load(),
		Sent:      c.sent.Load(),
	}
}
