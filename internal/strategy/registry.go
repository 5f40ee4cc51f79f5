package strategy

import (
	"fmt"
	"sync"
)

// Registry maps stable string names to Strategy constructors. It is the
// only place strategies are looked up by name from config (spec.md §4.E).
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Default returns a registry pre-populated with every built-in strategy.
func Default() *Registry {
	r := NewRegistry()
	r.Register("round_robin", func() Strategy { return NewRoundRobin() })
	r.Register("random", func() Strategy { return NewRandom() })
	r.Register("weighted", func() Strategy { return NewWeighted() })
	r.Register("least_used", func() Strategy { return NewLeastUsed() })
	r.Register("performance_based", func() Strategy { return NewPerformanceBased() })
	r.Register("session_persistent", func() Strategy { return NewSessionPersistent() })
	r.Register("geo_targeted", func() Strategy { return NewGeoTargeted(r) })
	r.Register("cost_aware", func() Strategy { return NewCostAware() })
	return r
}

// Register installs or replaces the constructor for name.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
}

// New builds a fresh Strategy instance for name.
func (r *Registry) New(name string) (Strategy, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("proxywhirl: unknown strategy %q", name)
	}
	return ctor(), nil
}

// NewComposite builds a Composite strategy out of named filter strategies
// plus a named selector strategy, resolved against this registry. Named
// filters must implement Filter (currently geo_targeted and cost_aware).
func (r *Registry) NewComposite(filterNames []string, selectorName string) (*Composite, error) {
	filters := make([]Filter, 0, len(filterNames))
	for _, n := range filterNames {
		s, err := r.New(n)
		if err != nil {
			return nil, err
		}
		f, ok := s.(Filter)
		if !ok {
			return nil, fmt.Errorf("proxywhirl: strategy %q cannot be used as a composite filter pass", n)
		}
		filters = append(filters, f)
	}
	selector, err := r.New(selectorName)
	if err != nil {
		return nil, err
	}
	return NewComposite(filters, selector), nil
}
