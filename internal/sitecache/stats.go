package sitecache

import (
	"math"
	"sync/atomic"
)

// Outcome labels written to the X-Sitecache response header.
const (
	OutcomeHit        = "hit"
	OutcomeMiss       = "miss"
	OutcomeUncached   = "uncached"
	OutcomeBypass     = "bypass"
	OutcomeOffline    = "offline"
	OutcomeBadGateway = "bad-gateway"
	OutcomeForbidden  = "forbidden"
)

type statsCollector struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	uncached  atomic.Uint64
	bypassed  atomic.Uint64
	offline   atomic.Uint64
	failed    atomic.Uint64
	forbidden atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(outcome string, respBytes int) {
	switch outcome {
	case OutcomeHit:
		s.hits.Add(1)
	case OutcomeMiss:
		s.misses.Add(1)
	case OutcomeUncached:
		s.uncached.Add(1)
	case OutcomeBypass:
		s.bypassed.Add(1)
	case OutcomeOffline:
		s.offline.Add(1)
	case OutcomeBadGateway:
		s.failed.Add(1)
		return
	case OutcomeForbidden:
		s.forbidden.Add(1)
		return
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)
	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits, Misses, Uncached, Bypassed, Offline, Failed, Forbidden uint64

	TotalResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Uncached:  s.uncached.Load(),
		Bypassed:  s.bypassed.Load(),
		Offline:   s.offline.Load(),
		Failed:    s.failed.Load(),
		Forbidden: s.forbidden.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	out.TotalResponses = count
	out.MinRespBytes = s.minRespBytes.Load()
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / count
	return out
}
