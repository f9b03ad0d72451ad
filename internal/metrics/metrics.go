// Package metrics is a small in-process registry backing the observability
// snapshot endpoint.
package metrics

import "sync"

type Registry struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

func NewRegistry() *Registry {
	return &Registry{
		counters: map[string]float64{
			"stream_duration_seconds": 0,
			"quota_blocks_total":      0,
			"sse_pings_sent":          0,
		},
		gauges: map[string]float64{"active_streams": 0},
	}
}

func (r *Registry) Increment(name string, amount float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += amount
}

// Observe accumulates an observation such as a duration.
func (r *Registry) Observe(name string, value float64) {
	r.Increment(name, value)
}

func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

// Snapshot returns a copy of all counters and gauges.
func (r *Registry) Snapshot() map[string]map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	counters := make(map[string]float64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(r.gauges))
	for k, v := range r.gauges {
		gauges[k] = v
	}
	return map[string]map[string]float64{"counters": counters, "gauges": gauges}
}
