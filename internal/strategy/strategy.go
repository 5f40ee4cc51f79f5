// Package strategy implements the pluggable proxy-selection algorithms of
// spec.md §4.E: a common Strategy contract, a process-local registry keyed
// by stable string names, and the full built-in set (round-robin, random,
// weighted, least-used, performance-based, session-persistent, geo-targeted,
// cost-aware, composite).
package strategy

import (
	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

// Strategy selects a proxy from a candidate pool and records outcomes.
// Implementations must not hold any internal lock across I/O and must
// honor context.FailedProxyIDs before selecting (spec.md §5, §4.E).
type Strategy interface {
	// Select picks a candidate from candidates honoring ctx, and marks it
	// in flight via proxy.StartRequest(). Returns ErrProxyPoolEmpty if no
	// candidate remains after filtering.
	Select(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) (*proxytypes.Proxy, error)

	// RecordResult updates the strategy's view of a completed attempt.
	RecordResult(px *proxytypes.Proxy, success bool, responseTimeMs float64)

	// Configure applies a StrategyConfig; implementations ignore fields
	// that don't apply to them.
	Configure(cfg proxytypes.StrategyConfig)
}

// Constructor builds a fresh Strategy instance, e.g. for per-rotator state
// isolation. Registered constructors must yield objects satisfying Strategy.
type Constructor func() Strategy

// Filter narrows a candidate set without selecting a single proxy or
// marking anything in flight. Composite uses this to implement the
// filter-strategy-as-pool-narrowing-pass behavior of spec.md §4.E without
// the side effects of a full Select.
type Filter interface {
	FilterCandidates(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) []*proxytypes.Proxy
}

func filterExcluded(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) []*proxytypes.Proxy {
	if len(ctx.FailedProxyIDs) == 0 {
		return candidates
	}
	out := make([]*proxytypes.Proxy, 0, len(candidates))
	for _, px := range candidates {
		if !ctx.ExcludesProxy(px.ID) {
			out = append(out, px)
		}
	}
	return out
}
