package strategy

import (
	"sync"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

// CostAware draws candidates weighted by 1/(cost+epsilon), boosting free
// (cost == 0) proxies by config.FreeProxyBoost. When
// config.MaxCostPerRequest > 0 it is applied as a hard filter first.
type CostAware struct {
	mu  sync.RWMutex
	cfg proxytypes.StrategyConfig
}

// NewCostAware builds a cost-aware strategy with default tuning until
// Configure is called.
func NewCostAware() *CostAware {
	return &CostAware{cfg: proxytypes.DefaultStrategyConfig()}
}

func (s *CostAware) Configure(cfg proxytypes.StrategyConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *CostAware) Select(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) (*proxytypes.Proxy, error) {
	candidates = filterExcluded(candidates, ctx)
	if len(candidates) == 0 {
		return nil, proxytypes.ErrProxyPoolEmpty
	}

	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	if cfg.MaxCostPerRequest > 0 {
		filtered := make([]*proxytypes.Proxy, 0, len(candidates))
		for _, px := range candidates {
			if px.CostPerRequest <= cfg.MaxCostPerRequest {
				filtered = append(filtered, px)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return nil, proxytypes.ErrProxyPoolEmpty
	}

	boost := cfg.FreeProxyBoost
	if boost <= 0 {
		boost = proxytypes.DefaultStrategyConfig().FreeProxyBoost
	}
	const epsilon = 1e-6
	w := make([]float64, len(candidates))
	for i, px := range candidates {
		if px.CostPerRequest <= 0 {
			w[i] = boost
		} else {
			w[i] = 1.0 / (px.CostPerRequest + epsilon)
		}
	}

	idx, err := weightedDraw(w)
	if err != nil {
		return nil, err
	}
	px := candidates[idx]
	px.StartRequest()
	return px, nil
}

// FilterCandidates applies the hard max-cost-per-request filter without
// selecting, satisfying the Filter interface for use inside Composite.
func (s *CostAware) FilterCandidates(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) []*proxytypes.Proxy {
	filtered := filterExcluded(candidates, ctx)
	s.mu.RLock()
	maxCost := s.cfg.MaxCostPerRequest
	s.mu.RUnlock()
	if maxCost <= 0 {
		return filtered
	}
	out := make([]*proxytypes.Proxy, 0, len(filtered))
	for _, px := range filtered {
		if px.CostPerRequest <= maxCost {
			out = append(out, px)
		}
	}
	return out
}

func (s *CostAware) RecordResult(px *proxytypes.Proxy, success bool, responseTimeMs float64) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()
	recordDefault(px, success, responseTimeMs, cfg)
}
