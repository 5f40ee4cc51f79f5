package strategy

import (
	"sync"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

// RoundRobin cycles through healthy candidates by a position index that
// advances by one per selection and wraps at the candidate count. A pool
// resize that leaves the index at or beyond the new candidate count
// resets it to 0; otherwise the cycle continues from the current
// position.
type RoundRobin struct {
	mu    sync.Mutex
	index int
}

// NewRoundRobin builds a fresh round-robin strategy.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (s *RoundRobin) Select(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) (*proxytypes.Proxy, error) {
	candidates = filterExcluded(candidates, ctx)
	if len(candidates) == 0 {
		return nil, proxytypes.ErrProxyPoolEmpty
	}

	s.mu.Lock()
	if s.index >= len(candidates) {
		s.index = 0
	}
	idx := s.index
	s.index = (idx + 1) % len(candidates)
	s.mu.Unlock()

	px := candidates[idx]
	px.StartRequest()
	return px, nil
}

func (s *RoundRobin) RecordResult(px *proxytypes.Proxy, success bool, responseTimeMs float64) {
	recordDefault(px, success, responseTimeMs, proxytypes.DefaultStrategyConfig())
}

func (s *RoundRobin) Configure(proxytypes.StrategyConfig) {}

// recordDefault applies the standard counters/EMA update shared by
// strategies with no special bookkeeping of their own.
func recordDefault(px *proxytypes.Proxy, success bool, responseTimeMs float64, cfg proxytypes.StrategyConfig) {
	elapsed := durationFromMs(responseTimeMs)
	px.RecordResult(success, elapsed, cfg.EMAAlpha, cfg.FailurePenaltyMs)
}
