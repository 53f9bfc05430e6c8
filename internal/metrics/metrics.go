package metrics

import "sync"

// Event counter names.
const (
	RoomsCreated       = "rooms_created"
	RoomsDeleted       = "rooms_deleted"
	Joins              = "joins"
	JoinRejectedFull   = "join_rejected_room_full"
	ParticipantsLeft   = "participants_left"
	RelayRoutingMiss   = "relay_routing_miss"
	MediaToggles       = "media_toggles"
	NegotiationDropped = "negotiation_conflict"
	RateLimited        = "signaling_rate_limited"
	OutboundDropped    = "outbound_queue_dropped"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists to keep relay bookkeeping observable and testable without pulling
// in a metrics backend; PrometheusHandler exposes the counters for scraping.
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
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
