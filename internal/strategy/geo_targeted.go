package strategy

import (
	"sync"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

// GeoTargeted filters candidates by context.TargetCountry (first
// preference) or context.TargetRegion, then delegates to a secondary
// strategy resolved by name from the registry. If filtering yields no
// candidates, it falls back to the unfiltered set when
// config.GeoFallbackEnabled, else raises ErrProxyPoolEmpty.
type GeoTargeted struct {
	registry *Registry

	mu        sync.RWMutex
	cfg       proxytypes.StrategyConfig
	secondary Strategy
}

// NewGeoTargeted builds a geo-targeted strategy resolving its secondary
// strategy from reg at Configure time (default round_robin).
func NewGeoTargeted(reg *Registry) *GeoTargeted {
	g := &GeoTargeted{registry: reg, cfg: proxytypes.DefaultStrategyConfig()}
	g.secondary = NewRoundRobin()
	return g
}

func (s *GeoTargeted) Configure(cfg proxytypes.StrategyConfig) {
	s.mu.Lock()
	s.cfg = cfg
	name := cfg.GeoSecondaryStrategy
	s.mu.Unlock()

	if name == "" || s.registry == nil {
		return
	}
	if sec, err := s.registry.New(name); err == nil {
		s.mu.Lock()
		s.secondary = sec
		s.mu.Unlock()
	}
}

func (s *GeoTargeted) Select(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) (*proxytypes.Proxy, error) {
	filtered := filterExcluded(candidates, ctx)
	if len(filtered) == 0 {
		return nil, proxytypes.ErrProxyPoolEmpty
	}

	geoFiltered := filtered
	switch {
	case ctx.TargetCountry != "":
		geoFiltered = byField(filtered, func(px *proxytypes.Proxy) string { return px.CountryCode }, ctx.TargetCountry)
	case ctx.TargetRegion != "":
		geoFiltered = byField(filtered, func(px *proxytypes.Proxy) string { return px.Region }, ctx.TargetRegion)
	}

	s.mu.RLock()
	fallbackEnabled := s.cfg.GeoFallbackEnabled
	secondary := s.secondary
	s.mu.RUnlock()

	if len(geoFiltered) == 0 {
		if !fallbackEnabled {
			return nil, proxytypes.ErrProxyPoolEmpty
		}
		geoFiltered = filtered
	}

	return secondary.Select(geoFiltered, ctx)
}

// FilterCandidates applies the geo narrowing pass without selecting,
// satisfying the Filter interface for use inside Composite.
func (s *GeoTargeted) FilterCandidates(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) []*proxytypes.Proxy {
	filtered := filterExcluded(candidates, ctx)
	switch {
	case ctx.TargetCountry != "":
		geoFiltered := byField(filtered, func(px *proxytypes.Proxy) string { return px.CountryCode }, ctx.TargetCountry)
		if len(geoFiltered) > 0 {
			return geoFiltered
		}
	case ctx.TargetRegion != "":
		geoFiltered := byField(filtered, func(px *proxytypes.Proxy) string { return px.Region }, ctx.TargetRegion)
		if len(geoFiltered) > 0 {
			return geoFiltered
		}
	default:
		// No geo target: nothing to narrow.
		return filtered
	}

	s.mu.RLock()
	fallbackEnabled := s.cfg.GeoFallbackEnabled
	s.mu.RUnlock()
	if fallbackEnabled {
		return filtered
	}
	return nil
}

func (s *GeoTargeted) RecordResult(px *proxytypes.Proxy, success bool, responseTimeMs float64) {
	s.mu.RLock()
	secondary := s.secondary
	s.mu.RUnlock()
	secondary.RecordResult(px, success, responseTimeMs)
}

func byField(candidates []*proxytypes.Proxy, field func(*proxytypes.Proxy) string, want string) []*proxytypes.Proxy {
	out := make([]*proxytypes.Proxy, 0, len(candidates))
	for _, px := range candidates {
		if field(px) == want {
			out = append(out, px)
		}
	}
	return out
}
