// Package rotator is the top-level facade that wires the pool, a
// selection strategy, the per-proxy breaker registry, the tiered cache,
// the health monitor, and the retry engine behind a single constructor
// (spec.md §6: "Config is assembled by the CLI layer and handed to the
// rotator constructor"). It replaces the teacher's pinned-proxy,
// timer/counter rotation model with per-request strategy-based
// selection: every Execute call asks the strategy for a candidate fresh
// rather than serving every request through one long-lived "current"
// proxy.
package rotator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyrotator/internal/breaker"
	"github.com/drsoft-oss/proxyrotator/internal/cache"
	"github.com/drsoft-oss/proxyrotator/internal/config"
	"github.com/drsoft-oss/proxyrotator/internal/health"
	"github.com/drsoft-oss/proxyrotator/internal/pool"
	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
	"github.com/drsoft-oss/proxyrotator/internal/retry"
	"github.com/drsoft-oss/proxyrotator/internal/strategy"
	"github.com/drsoft-oss/proxyrotator/internal/validate"
	"github.com/drsoft-oss/proxyrotator/internal/vault"
)

// Rotator owns every subsystem needed to serve one proxied request and
// to keep the pool's health and cache state current in the background.
type Rotator struct {
	pool     *pool.Pool
	strat    strategy.Strategy
	breakers *breaker.Registry
	cacheMgr *cache.Manager
	monitor  *health.Monitor
	engine   *retry.Engine
	vlt      *vault.Vault

	cfg config.Config
	log *zap.Logger
}

// New builds every subsystem from cfg and wires them into one Rotator.
// p must already be populated (e.g. via pool.LoadFile); New does not
// load any proxies itself. v may be nil, in which case an ephemeral
// vault is created — matching the teacher's posture that a missing
// encryption key degrades rather than refuses to start.
func New(p *pool.Pool, cfg config.Config, v *vault.Vault, log *zap.Logger) (*Rotator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if v == nil {
		var err error
		v, err = vault.NewEphemeral(vault.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("rotator: build ephemeral vault: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rotator: invalid config: %w", err)
	}

	strat, err := buildStrategy(cfg.Strategies)
	if err != nil {
		return nil, err
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		TimeoutDuration:  cfg.BreakerTimeout(),
	}, log)

	cacheMgr, err := buildCache(cfg.Cache, v, log)
	if err != nil {
		return nil, err
	}

	validator := validate.New(validateConfigFrom(cfg.Health), validate.WithLogger(log))
	monitor := health.New(p, validator, cacheMgr, healthConfigFrom(cfg.Health), log)

	engine := retry.New(p, strat, breakers, cfg.Strategies.Config, retryPolicyFrom(cfg.Retry), log)

	return &Rotator{
		pool:     p,
		strat:    strat,
		breakers: breakers,
		cacheMgr: cacheMgr,
		monitor:  monitor,
		engine:   engine,
		vlt:      v,
		cfg:      cfg,
		log:      log,
	}, nil
}

// buildStrategy resolves the configured selector, optionally wrapping it
// in a Composite when filter passes are named (spec.md §4.E).
func buildStrategy(cfg config.StrategiesConfig) (strategy.Strategy, error) {
	reg := strategy.Default()
	var strat strategy.Strategy
	var err error
	if len(cfg.Filters) > 0 {
		strat, err = reg.NewComposite(cfg.Filters, cfg.Name)
	} else {
		strat, err = reg.New(cfg.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("rotator: build strategy %q: %w", cfg.Name, err)
	}
	strat.Configure(cfg.Config)
	return strat, nil
}

// buildCache constructs the three cache tiers. L2/L3 are omitted
// (passed as nil to the manager, which runs degraded-by-design) when
// their directory/path is left unset — a deliberate opt-out, distinct
// from the failureTracker-driven Enabled() that reflects a live tier
// going unhealthy at runtime.
func buildCache(cfg config.CacheConfig, v *vault.Vault, log *zap.Logger) (*cache.Manager, error) {
	l1 := cache.NewL1(cfg.L1Max)

	var l2 *cache.L2
	if cfg.L2Dir != "" {
		var err error
		l2, err = cache.NewL2(cfg.L2Dir, cfg.L2Max, v)
		if err != nil {
			return nil, fmt.Errorf("rotator: build L2 cache: %w", err)
		}
	}

	var l3 *cache.L3
	if cfg.L3Path != "" {
		var err error
		l3, err = cache.NewL3(cfg.L3Path, v)
		if err != nil {
			return nil, fmt.Errorf("rotator: build L3 cache: %w", err)
		}
	}

	mgrCfg := cache.ManagerConfig{
		L1Max:                   cfg.L1Max,
		L2Max:                   cfg.L2Max,
		L3Max:                   cfg.L3Max,
		DefaultTTLSeconds:       cfg.DefaultTTLSeconds,
		CleanupIntervalSeconds:  cfg.CleanupIntervalSeconds,
		PerSourceTTL:            cfg.PerSourceTTL,
		FailureThreshold:        cfg.FailureThreshold,
		HealthCheckInvalidation: cfg.HealthCheckInvalidation,
	}
	return cache.NewManager(l1, l2, l3, mgrCfg, log), nil
}

// validateConfigFrom maps the health block's probe knobs onto
// validate.Config. per_check_timeout_ms is the budget for one full
// BASIC→STANDARD→FULL pass (validate.Validator applies it as a single
// context timeout), not the breaker's own timeout_duration_ms — those
// are two distinct durations for two distinct subsystems.
func validateConfigFrom(cfg config.HealthConfig) validate.Config {
	vc := validate.DefaultConfig()
	if cfg.ProbeURL != "" {
		vc.ProbeURL = cfg.ProbeURL
	}
	if cfg.PerCheckTimeoutMs > 0 {
		vc.Timeout = time.Duration(cfg.PerCheckTimeoutMs) * time.Millisecond
	}
	return vc
}

func healthConfigFrom(cfg config.HealthConfig) health.Config {
	return health.Config{
		Enabled:          cfg.Enabled,
		IntervalSeconds:  cfg.IntervalSeconds,
		FailureThreshold: cfg.FailureThreshold,
		Concurrency:      cfg.Concurrency,
		ValidationLevel:  validate.Level(cfg.ValidationLevel),
	}
}

func retryPolicyFrom(cfg config.RetryConfig) retry.Policy {
	retryable := make(map[int]struct{}, len(cfg.RetryableStatus))
	for _, code := range cfg.RetryableStatus {
		retryable[code] = struct{}{}
	}
	return retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		Backoff:         retry.Backoff(cfg.Backoff),
		BaseDelayMs:     cfg.BaseDelayMs,
		MaxDelayMs:      cfg.MaxDelayMs,
		Multiplier:      cfg.Multiplier,
		Jitter:          cfg.Jitter,
		RetryableStatus: retryable,
		GlobalQPS:       cfg.GlobalQPS,
	}
}

// Start launches every background loop (cache TTL sweeper, health
// monitor). Call Stop to shut them down.
func (r *Rotator) Start() {
	r.cacheMgr.Start()
	r.monitor.Start()
}

// Stop halts every background loop, waiting for in-flight passes to
// finish.
func (r *Rotator) Stop() {
	r.monitor.Stop()
	r.cacheMgr.Stop()
}

// Execute runs req through the pool via the configured strategy,
// breaker registry, and retry policy (spec.md §4.G).
func (r *Rotator) Execute(ctx context.Context, req retry.Request) (*http.Response, error) {
	return r.engine.Execute(ctx, req)
}

// Pool exposes the underlying pool for read access (listing, manual
// add/remove) by the API and server layers.
func (r *Rotator) Pool() *pool.Pool { return r.pool }

// Cache exposes the cache manager for the API layer's stats/export
// endpoints.
func (r *Rotator) Cache() *cache.Manager { return r.cacheMgr }

// Vault exposes the credential vault so the API/server layers can
// encrypt credentials on proxy ingest.
func (r *Rotator) Vault() *vault.Vault { return r.vlt }

// RunHealthCheckNow triggers a synchronous, bounded-parallelism health
// pass over the whole pool, bypassing the interval ticker — useful at
// startup before serving traffic, and from a manual API trigger.
func (r *Rotator) RunHealthCheckNow(ctx context.Context) {
	r.monitor.RunOnce(ctx)
}

// SelectProxy picks one candidate for a raw byte tunnel (CONNECT, or
// plain HTTP forwarding) that the local forward-proxy server cannot
// transparently retry once bytes start flowing to the client — unlike
// Execute, whose retry loop only commits to a response after reading it
// in full. Honors the same breaker-consult-and-widen-exclusion loop as
// the retry engine's selectAllowed, bounded by candidate count.
func (r *Rotator) SelectProxy(selCtx proxytypes.SelectionContext) (*proxytypes.Proxy, error) {
	candidates := r.pool.Healthy()
	bound := len(candidates) + 1
	for try := 0; try < bound; try++ {
		px, err := r.strat.Select(candidates, selCtx)
		if err != nil {
			return nil, err
		}
		if r.breakers.Get(px.ID).Allow() {
			return px, nil
		}
		selCtx = *selCtx.WithExcluded(px.ID)
	}
	return nil, proxytypes.ErrProxyPoolEmpty
}

// RecordOutcome reports a tunnel's result back to the strategy (whose
// RecordResult also updates the proxy's own counters and EMA) and the
// breaker — the same updates Execute performs per attempt, exposed
// separately because a raw tunnel's success or failure is only known
// once it has already closed.
func (r *Rotator) RecordOutcome(px *proxytypes.Proxy, success bool, elapsed time.Duration) {
	ms := float64(elapsed.Milliseconds())
	r.strat.RecordResult(px, success, ms)
	r.breakers.Get(px.ID).Record(success)
}
