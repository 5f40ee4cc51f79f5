package strategy

import (
	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

// LeastUsed picks the candidate with the fewest TotalRequests. Ties break
// by candidate order, which callers feed in pool-insertion (FIFO) order.
type LeastUsed struct{}

// NewLeastUsed builds a least-used strategy. Stateless, safe to share.
func NewLeastUsed() *LeastUsed { return &LeastUsed{} }

func (s *LeastUsed) Select(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) (*proxytypes.Proxy, error) {
	candidates = filterExcluded(candidates, ctx)
	if len(candidates) == 0 {
		return nil, proxytypes.ErrProxyPoolEmpty
	}

	best := candidates[0]
	bestCount := best.TotalRequests.Load()
	for _, px := range candidates[1:] {
		if c := px.TotalRequests.Load(); c < bestCount {
			best, bestCount = px, c
		}
	}
	best.StartRequest()
	return best, nil
}

func (s *LeastUsed) RecordResult(px *proxytypes.Proxy, success bool, responseTimeMs float64) {
	recordDefault(px, success, responseTimeMs, proxytypes.DefaultStrategyConfig())
}

func (s *LeastUsed) Configure(proxytypes.StrategyConfig) {}
