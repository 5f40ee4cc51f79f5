package strategy

import (
	"sync"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

// Weighted draws candidates with probability proportional to
// config.Weights[url]; a missing weight defaults to 1/n, i.e. uniform
// among unweighted candidates.
type Weighted struct {
	mu      sync.RWMutex
	weights map[string]float64
}

// NewWeighted builds a weighted strategy with no configured weights
// (falls back to uniform until Configure is called).
func NewWeighted() *Weighted { return &Weighted{} }

func (s *Weighted) Configure(cfg proxytypes.StrategyConfig) {
	s.mu.Lock()
	s.weights = cfg.Weights
	s.mu.Unlock()
}

func (s *Weighted) Select(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) (*proxytypes.Proxy, error) {
	candidates = filterExcluded(candidates, ctx)
	if len(candidates) == 0 {
		return nil, proxytypes.ErrProxyPoolEmpty
	}

	s.mu.RLock()
	weights := s.weights
	s.mu.RUnlock()

	w := make([]float64, len(candidates))
	uniform := 1.0 / float64(len(candidates))
	for i, px := range candidates {
		if weights != nil {
			if v, ok := weights[px.NormalizedURL()]; ok {
				w[i] = v
				continue
			}
		}
		w[i] = uniform
	}

	idx, err := weightedDraw(w)
	if err != nil {
		return nil, err
	}
	px := candidates[idx]
	px.StartRequest()
	return px, nil
}

func (s *Weighted) RecordResult(px *proxytypes.Proxy, success bool, responseTimeMs float64) {
	recordDefault(px, success, responseTimeMs, proxytypes.DefaultStrategyConfig())
}

// weightedDraw performs a weighted random draw over non-negative weights
// using a cryptographically sourced uniform draw over a fixed-point scale,
// avoiding the bias math/rand's float64() would introduce at high weight
// ratios.
func weightedDraw(weights []float64) (int, error) {
	const scale = 1 << 24
	total := 0.0
	for _, v := range weights {
		if v > 0 {
			total += v
		}
	}
	if total <= 0 {
		return randIndex(len(weights))
	}

	target, err := randIndex(scale)
	if err != nil {
		return 0, err
	}
	threshold := (float64(target) / float64(scale)) * total

	cum := 0.0
	for i, v := range weights {
		if v <= 0 {
			continue
		}
		cum += v
		if threshold < cum {
			return i, nil
		}
	}
	// Floating point rounding: fall back to the last positively-weighted
	// candidate rather than indexing out of range.
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return i, nil
		}
	}
	return 0, nil
}
