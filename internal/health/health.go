// Package health runs the background monitor that repeatedly validates
// every pool proxy and drives health-status transitions (spec.md §4.H).
// It is a generalization of the teacher's internal/monitor package: the
// same bounded-parallelism loop and start/stop lifecycle, re-targeted at
// validate.Validator instead of a hand-rolled probe, and wired to the
// cache manager's invalidate_by_health and the pool's DEAD removal.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyrotator/internal/cache"
	"github.com/drsoft-oss/proxyrotator/internal/pool"
	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
	"github.com/drsoft-oss/proxyrotator/internal/validate"
)

// CacheInvalidator is the slice of cache.Manager the monitor needs;
// declared narrowly here so health doesn't import cache's full surface
// (or create an import cycle if cache ever needs health in the future).
type CacheInvalidator interface {
	InvalidateByHealth(ctx context.Context, key string) error
}

// Config controls probe cadence, concurrency, and the thresholds that
// drive UNHEALTHY/DEAD transitions (spec.md §6 health block).
type Config struct {
	Enabled          bool
	IntervalSeconds  int64
	FailureThreshold int // UNHEALTHY at this many consecutive failures
	Concurrency      int
	ValidationLevel  validate.Level
}

// DefaultConfig mirrors spec.md §4.H's stated defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		IntervalSeconds:  60,
		FailureThreshold: 3,
		Concurrency:      50,
		ValidationLevel:  validate.LevelStandard,
	}
}

// Monitor periodically validates every proxy in a pool, updating health
// state and cascading into the cache and pool on sustained failure.
type Monitor struct {
	pool      *pool.Pool
	validator *validate.Validator
	cache     CacheInvalidator
	cfg       Config
	log       *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Monitor. cache may be nil to run without cache
// invalidation wiring (e.g. a CLI-only health check).
func New(p *pool.Pool, v *validate.Validator, cache CacheInvalidator, cfg Config, log *zap.Logger) *Monitor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 50
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 60
	}
	if cfg.ValidationLevel == "" {
		cfg.ValidationLevel = validate.LevelStandard
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{pool: p, validator: v, cache: cache, cfg: cfg, log: log, stop: make(chan struct{})}
}

// Start launches the background probing loop. No-op if cfg.Enabled is
// false.
func (m *Monitor) Start() {
	if !m.cfg.Enabled {
		return
	}
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the loop and waits for the in-flight pass to finish.
// Calling it again after the first Stop is a no-op.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
		return
	default:
	}
	close(m.stop)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.RunOnce(context.Background())
		case <-m.stop:
			return
		}
	}
}

// RunOnce performs a single bounded-parallelism pass over the whole pool.
// Safe to call directly (e.g. on startup before serving traffic), mirroring
// the teacher's exported RunOnce.
func (m *Monitor) RunOnce(ctx context.Context) {
	proxies := m.pool.All()
	sem := make(chan struct{}, m.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, px := range proxies {
		wg.Add(1)
		sem <- struct{}{}
		go func(px *proxytypes.Proxy) {
			defer wg.Done()
			defer func() { <-sem }()
			m.check(ctx, px)
		}(px)
	}
	wg.Wait()
}

// check probes a single proxy and applies spec.md §4.H's transition
// rule: success zeroes consecutive_failures, increments
// consecutive_successes and marks the proxy HEALTHY (a DEAD proxy stays
// DEAD); failure increments
// consecutive_failures, and at failure_threshold marks UNHEALTHY and
// invalidates the proxy's cache entry, while at 2*failure_threshold it
// marks DEAD and removes the proxy from the pool outright.
func (m *Monitor) check(ctx context.Context, px *proxytypes.Proxy) {
	res := m.validator.Validate(ctx, px.DialURL(), m.cfg.ValidationLevel)
	px.SetLastCheckAt(time.Now())

	if res.OK {
		px.SetConsecutiveFailures(0)
		px.SetConsecutiveSuccesses(px.ConsecutiveSuccesses() + 1)
		px.SetLastError("")
		if px.HealthStatus() != proxytypes.HealthDead {
			px.SetHealthStatus(proxytypes.HealthHealthy)
		}
		return
	}

	px.SetConsecutiveSuccesses(0)
	fails := px.ConsecutiveFailures() + 1
	px.SetConsecutiveFailures(fails)
	px.SetLastError(string(res.ErrorKind))

	switch {
	case fails >= 2*m.cfg.FailureThreshold:
		px.SetHealthStatus(proxytypes.HealthDead)
		m.log.Warn("proxy marked dead, removing from pool",
			zap.String("proxy", px.String()), zap.Int("consecutive_failures", fails))
		m.pool.RemoveByID(px.ID)
	case fails >= m.cfg.FailureThreshold:
		px.SetHealthStatus(proxytypes.HealthUnhealthy)
		m.log.Info("proxy marked unhealthy",
			zap.String("proxy", px.String()), zap.Int("consecutive_failures", fails))
		if m.cache != nil {
			key := cache.DeriveKey(px.URL.String())
			if err := m.cache.InvalidateByHealth(ctx, key); err != nil {
				m.log.Warn("cache invalidation failed", zap.Error(err))
			}
		}
	default:
		px.SetHealthStatus(proxytypes.HealthDegraded)
	}
}
