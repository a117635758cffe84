package storage

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	Ops          map[string]uint64 `json:"ops"`
	Errors       map[string]uint64 `json:"errors"`
	AvgLatencyMS map[string]float64 `json:"avgLatencyMs"`
	CacheHits    uint64            `json:"cacheHits"`
	CacheMisses  uint64            `json:"cacheMisses"`
	CacheSize    int               `json:"cacheSize"`
}

// opStats accumulates per-operation counters and an exponential moving
// average of latency.
type opStats struct {
	mu     sync.Mutex
	ops    map[string]uint64
	errors map[string]uint64
	avgMS  map[string]float64
}

const latencyAlpha = 0.2

func newOpStats() *opStats {
	return &opStats{
		ops:    make(map[string]uint64),
		errors: make(map[string]uint64),
		avgMS:  make(map[string]float64),
	}
}

func (s *opStats) observe(op string, elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops[op]++
	if err != nil {
		s.errors[op]++
	}
	ms := float64(elapsed.Microseconds()) / 1000.0
	if prev, seen := s.avgMS[op]; seen {
		s.avgMS[op] = prev*(1-latencyAlpha) + ms*latencyAlpha
	} else {
		s.avgMS[op] = ms
	}
}

func (s *opStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		Ops:          make(map[string]uint64, len(s.ops)),
		Errors:       make(map[string]uint64, len(s.errors)),
		AvgLatencyMS: make(map[string]float64, len(s.avgMS)),
	}
	for k, v := range s.ops {
		out.Ops[k] = v
	}
	for k, v := range s.errors {
		out.Errors[k] = v
	}
	for k, v := range s.avgMS {
		out.AvgLatencyMS[k] = v
	}
	return out
}
