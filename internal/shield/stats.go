package shield

import (
	"math"
	"sync/atomic"
)

// statsCollector aggregates sizes of bodies served to clients, split by
// whether the response came out of a cache.
type statsCollector struct {
	served    atomic.Uint64
	hits      atomic.Uint64
	bodyBytes atomic.Uint64
	minBody   atomic.Uint64
	maxBody   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBody.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(size int64, cached bool) {
	if size < 0 {
		size = 0
	}
	n := uint64(size)

	s.served.Add(1)
	if cached {
		s.hits.Add(1)
	}
	s.bodyBytes.Add(n)

	for cur := s.minBody.Load(); n < cur; cur = s.minBody.Load() {
		if s.minBody.CompareAndSwap(cur, n) {
			break
		}
	}
	for cur := s.maxBody.Load(); n > cur; cur = s.maxBody.Load() {
		if s.maxBody.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Served    uint64
	Hits      uint64
	BodyBytes uint64
	MinBody   uint64
	MaxBody   uint64
	AvgBody   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.served.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.bodyBytes.Load()
	minv := s.minBody.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Served:    count,
		Hits:      s.hits.Load(),
		BodyBytes: total,
		MinBody:   minv,
		MaxBody:   s.maxBody.Load(),
		AvgBody:   total / count,
	}
}
