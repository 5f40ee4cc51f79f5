package strategy

import (
	"sync"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

const coldStartK = 5

// PerformanceBased picks uniformly at random during a cold-start phase
// (while fewer than coldStartK candidates, and not yet every candidate,
// have completed a request), then
// switches to a weighted draw favoring low EMA response time:
// w_i = 1 / (ema_i + epsilon).
type PerformanceBased struct {
	mu      sync.RWMutex
	cfg     proxytypes.StrategyConfig
	hasCfg  bool
}

// NewPerformanceBased builds a performance-based strategy with default
// tuning until Configure is called.
func NewPerformanceBased() *PerformanceBased {
	return &PerformanceBased{cfg: proxytypes.DefaultStrategyConfig()}
}

func (s *PerformanceBased) Configure(cfg proxytypes.StrategyConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.hasCfg = true
	s.mu.Unlock()
}

func (s *PerformanceBased) config() proxytypes.StrategyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *PerformanceBased) Select(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) (*proxytypes.Proxy, error) {
	candidates = filterExcluded(candidates, ctx)
	if len(candidates) == 0 {
		return nil, proxytypes.ErrProxyPoolEmpty
	}

	warmed := 0
	for _, px := range candidates {
		if px.TotalRequests.Load() > 0 {
			warmed++
		}
	}

	var chosen *proxytypes.Proxy
	if warmed < coldStartK && warmed < len(candidates) {
		idx, err := randIndex(len(candidates))
		if err != nil {
			return nil, err
		}
		chosen = candidates[idx]
	} else {
		const epsilon = 1e-6
		w := make([]float64, len(candidates))
		for i, px := range candidates {
			ema, ok := px.EMAResponseTimeMs()
			if !ok {
				ema = 0
			}
			w[i] = 1.0 / (ema + epsilon)
		}
		idx, err := weightedDraw(w)
		if err != nil {
			return nil, err
		}
		chosen = candidates[idx]
	}

	chosen.StartRequest()
	return chosen, nil
}

func (s *PerformanceBased) RecordResult(px *proxytypes.Proxy, success bool, responseTimeMs float64) {
	cfg := s.config()
	recordDefault(px, success, responseTimeMs, cfg)
}
