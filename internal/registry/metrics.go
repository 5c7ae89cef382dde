package registry

import "sync"

// TimeoutCategory names the operation whose time bound expired.
type TimeoutCategory string

const (
	TimeoutHandshake       TimeoutCategory = "handshake"
	TimeoutLockAcquisition TimeoutCategory = "lock_acquisition"
	TimeoutMessage         TimeoutCategory = "message"
	TimeoutCleanup         TimeoutCategory = "cleanup"
	TimeoutDB              TimeoutCategory = "db"
)

// TimeoutCategories lists every category in a stable order.
var TimeoutCategories = []TimeoutCategory{
	TimeoutHandshake,
	TimeoutLockAcquisition,
	TimeoutMessage,
	TimeoutCleanup,
	TimeoutDB,
}

// Snapshot is a point-in-time copy of the registry counters, shaped for a
// health endpoint.
type Snapshot struct {
	Total     int64                     `json:"total_connections"`
	Peak      int64                     `json:"peak_connections"`
	Failed    int64                     `json:"failed_connections"`
	Succeeded int64                     `json:"successful_connections"`
	Timeouts  map[TimeoutCategory]int64 `json:"timeouts"`
	Active    int                       `json:"active_connections"`
	Rooms     int                       `json:"active_rooms"`
}

// metrics holds the counters. Total follows admissions and disconnects;
// Peak is the highest Total seen.
type metrics struct {
	mu        sync.Mutex
	total     int64
	peak      int64
	failed    int64
	succeeded int64
	timeouts  map[TimeoutCategory]int64
}

func newMetrics() *metrics {
	m := &metrics{timeouts: make(map[TimeoutCategory]int64, len(TimeoutCategories))}
	for _, cat := range TimeoutCategories {
		m.timeouts[cat] = 0
	}
	return m
}

func (m *metrics) admitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.succeeded++
	m.peak = max(m.peak, m.total)
}

func (m *metrics) disconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.total > 0 {
		m.total--
	}
}

func (m *metrics) rejected() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *metrics) timeout(cat TimeoutCategory) {
	m.mu.Lock()
	m.timeouts[cat]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Total:     m.total,
		Peak:      m.peak,
		Failed:    m.failed,
		Succeeded: m.succeeded,
		Timeouts:  make(map[TimeoutCategory]int64, len(m.timeouts)),
	}
	for k, v := range m.timeouts {
		s.Timeouts[k] = v
	}
	return s
}

// Metrics returns the current counters together with the live connection
// and room counts.
func (r *Registry) Metrics() Snapshot {
	s := r.metrics.snapshot()
	s.Active = r.ActiveConnections()
	s.Rooms = r.ActiveRooms()
	return s
}

// RecordTimeout counts an expired time bound. It is exported so external
// collaborators, such as a persistence layer reporting TimeoutDB, share the
// same tallies.
func (r *Registry) RecordTimeout(cat TimeoutCategory) {
	r.metrics.timeout(cat)
}
