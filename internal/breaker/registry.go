package breaker

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry hands out one Breaker per proxy ID, creating it lazily on
// first use so callers never have to pre-populate one per pool entry.
type Registry struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	breakers map[uuid.UUID]*Breaker
}

// NewRegistry builds a registry that constructs every breaker with cfg.
func NewRegistry(cfg Config, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{cfg: cfg, log: log, breakers: make(map[uuid.UUID]*Breaker)}
}

// Get returns the breaker for id, creating one in the CLOSED state if
// this is the first time id has been seen.
func (r *Registry) Get(id uuid.UUID) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[id]
	if !ok {
		b = New(r.cfg, r.log)
		r.breakers[id] = b
	}
	return b
}

// Remove drops the breaker for id, e.g. once the health monitor removes
// a DEAD proxy from the pool and its breaker state no longer matters.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, id)
}
