package strategy

import (
	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

// Composite narrows the candidate set through each filter's
// FilterCandidates in sequence — each filter pass is a sub-pool reducer —
// then invokes the selector strategy on the residual. An empty residual
// after filtering raises ErrProxyPoolEmpty.
type Composite struct {
	filters  []Filter
	selector Strategy
}

// NewComposite builds a composite strategy from filter passes and a
// final selector.
func NewComposite(filters []Filter, selector Strategy) *Composite {
	return &Composite{filters: filters, selector: selector}
}

func (s *Composite) Select(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) (*proxytypes.Proxy, error) {
	residual := filterExcluded(candidates, ctx)
	for _, f := range s.filters {
		if len(residual) == 0 {
			break
		}
		residual = f.FilterCandidates(residual, ctx)
	}
	if len(residual) == 0 {
		return nil, proxytypes.ErrProxyPoolEmpty
	}
	return s.selector.Select(residual, ctx)
}

func (s *Composite) RecordResult(px *proxytypes.Proxy, success bool, responseTimeMs float64) {
	s.selector.RecordResult(px, success, responseTimeMs)
}

func (s *Composite) Configure(cfg proxytypes.StrategyConfig) {
	for _, f := range s.filters {
		if c, ok := f.(interface{ Configure(proxytypes.StrategyConfig) }); ok {
			c.Configure(cfg)
		}
	}
	s.selector.Configure(cfg)
}
