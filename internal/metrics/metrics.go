package metrics

import "sync"

// Event names incremented by the broker core.
const (
	AuthFailure        = "auth_failure"
	RateLimited        = "rate_limited"
	MessagesRouted     = "messages_routed"
	RoutingError       = "routing_error"
	SessionsEvicted    = "sessions_evicted"
	StationsRegistered = "stations_registered"
	StationsSuperseded = "stations_superseded"
	StaleStatusDropped = "stale_status_dropped"
	StatusFlushes      = "status_flushes"
	StoreErrors        = "store_errors"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The broker is expected to plug into a real metrics backend eventually; this
// type keeps routing and enforcement logic testable while still being
// scrapeable via the Prometheus text handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
