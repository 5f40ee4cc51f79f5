// Package retry implements the reliability wrapper of spec.md §4.G:
// execute a user request through the pool, honoring breaker state and
// failing over across proxies with configurable backoff.
package retry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/drsoft-oss/proxyrotator/internal/breaker"
	"github.com/drsoft-oss/proxyrotator/internal/pool"
	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
	"github.com/drsoft-oss/proxyrotator/internal/strategy"
	"github.com/drsoft-oss/proxyrotator/internal/upstream"
)

// Backoff selects the delay growth curve between attempts.
type Backoff string

const (
	BackoffConstant            Backoff = "constant"
	BackoffLinear              Backoff = "linear"
	BackoffExponential         Backoff = "exponential"
	BackoffJitteredExponential Backoff = "jittered_exponential"
)

// Policy controls attempt bounds and inter-attempt delay (spec.md §4.G,
// §6 retry config block).
type Policy struct {
	MaxAttempts     int
	Backoff         Backoff
	BaseDelayMs     int64
	MaxDelayMs      int64
	Multiplier      float64
	Jitter          bool
	RetryableStatus map[int]struct{}
	// GlobalQPS caps total outbound request rate across every proxy, 0
	// disables the cap. Optional knob layered on top of per-attempt
	// backoff, not a replacement for it.
	GlobalQPS float64
}

// DefaultPolicy mirrors spec.md §4.G's stated defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     BackoffJitteredExponential,
		BaseDelayMs: 100,
		MaxDelayMs:  10_000,
		Multiplier:  2.0,
		Jitter:      true,
		RetryableStatus: map[int]struct{}{
			408: {}, 429: {}, 500: {}, 502: {}, 503: {}, 504: {},
		},
	}
}

func (p Policy) isRetryableStatus(code int) bool {
	_, ok := p.RetryableStatus[code]
	return ok
}

// delay computes delay_i = min(max_delay, base * multiplier^(i-1)),
// optionally jittered into [0.5*delay, 1.5*delay] (spec.md §4.G). i is
// 1-indexed, matching the spec's attempt numbering.
func (p Policy) delay(i int) time.Duration {
	var ms float64
	switch p.Backoff {
	case BackoffConstant:
		ms = float64(p.BaseDelayMs)
	case BackoffLinear:
		ms = float64(p.BaseDelayMs) * float64(i)
	case BackoffExponential, BackoffJitteredExponential:
		mult := p.Multiplier
		if mult <= 0 {
			mult = 2.0
		}
		ms = float64(p.BaseDelayMs) * pow(mult, i-1)
	default:
		ms = float64(p.BaseDelayMs)
	}
	if p.MaxDelayMs > 0 && ms > float64(p.MaxDelayMs) {
		ms = float64(p.MaxDelayMs)
	}
	if p.Jitter || p.Backoff == BackoffJitteredExponential {
		lo, hi := ms*0.5, ms*1.5
		ms = lo + rand.Float64()*(hi-lo)
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	out := base
	for i := 1; i < exp; i++ {
		out *= base
	}
	return out
}

// Request is the user-facing call the engine executes through the pool.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Header  http.Header
	Timeout time.Duration
	// Accept overrides the default "2xx is success" rule.
	Accept func(status int) bool
}

func (r Request) accept(status int) bool {
	if r.Accept != nil {
		return r.Accept(status)
	}
	return status >= 200 && status < 300
}

// Engine executes requests against a pool of proxies via a selection
// strategy, consulting a per-proxy breaker registry and retrying with
// backoff on transport failure or a retryable status, per spec.md §4.G.
type Engine struct {
	pool     *pool.Pool
	strat    strategy.Strategy
	breakers *breaker.Registry
	cfg      proxytypes.StrategyConfig
	policy   Policy
	log      *zap.Logger
	limiter  *rate.Limiter
}

// New builds an Engine. cfg seeds the strategy (EMA alpha, failure
// penalty, ...) used when recording attempt results.
func New(p *pool.Pool, strat strategy.Strategy, breakers *breaker.Registry, cfg proxytypes.StrategyConfig, policy Policy, log *zap.Logger) *Engine {
	if policy.MaxAttempts < 0 {
		policy.MaxAttempts = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	var limiter *rate.Limiter
	if policy.GlobalQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(policy.GlobalQPS), int(policy.GlobalQPS)+1)
	}
	return &Engine{pool: p, strat: strat, breakers: breakers, cfg: cfg, policy: policy, log: log, limiter: limiter}
}

// Execute runs req to completion or exhaustion. max_attempts = 0 means
// exactly one attempt with no retry (spec.md §8's testable retry-bound
// property takes precedence over §4.G's looser "fail-fast" wording,
// which this package treats as synonymous).
func (e *Engine) Execute(ctx context.Context, req Request) (*http.Response, error) {
	attempts := e.policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	selCtx := proxytypes.SelectionContext{FailedProxyIDs: map[uuid.UUID]struct{}{}}
	chain := make([]proxytypes.AttemptRecord, 0, attempts)

	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, proxytypes.ErrCancelled
		}

		px, b, err := e.selectAllowed(&selCtx)
		if err != nil {
			return nil, err
		}
		if px == nil {
			// Every healthy candidate is breaker-open or excluded; no
			// point burning further attempts.
			return nil, &proxytypes.AllProxiesFailedError{Attempts: i - 1, Chain: chain}
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, proxytypes.ErrCancelled
			}
		}

		start := time.Now()
		resp, err := e.doRequest(ctx, px, req)
		elapsed := time.Since(start)

		if err == nil && req.accept(resp.StatusCode) {
			e.strat.RecordResult(px, true, float64(elapsed.Milliseconds()))
			b.Record(true)
			return resp, nil
		}

		kind := "transport_error"
		if err == nil {
			kind = fmt.Sprintf("status_%d", resp.StatusCode)
			resp.Body.Close()
			if !e.policy.isRetryableStatus(resp.StatusCode) {
				return resp, nil
			}
		}

		e.strat.RecordResult(px, false, e.penaltyMs())
		b.Record(false)
		chain = append(chain, proxytypes.AttemptRecord{ProxyID: px.ID, Kind: kind})
		selCtx = *selCtx.WithExcluded(px.ID)

		if i < attempts {
			select {
			case <-time.After(e.policy.delay(i)):
			case <-ctx.Done():
				return nil, proxytypes.ErrCancelled
			}
		}
	}

	return nil, &proxytypes.AllProxiesFailedError{Attempts: attempts, Chain: chain}
}

func (e *Engine) alpha() float64 {
	if e.cfg.EMAAlpha > 0 {
		return e.cfg.EMAAlpha
	}
	return 0.2
}

func (e *Engine) penaltyMs() float64 {
	if e.cfg.FailurePenaltyMs > 0 {
		return e.cfg.FailurePenaltyMs
	}
	return 5000
}

// selectAllowed asks the strategy for a candidate, consulting the
// breaker and widening the exclusion set across breaker-open proxies
// without consuming an attempt, bounded by pool size per spec.md §4.G
// step 2.
//
// failed_proxy_ids accumulates across attempts (step 5), which on a
// small pool can exclude every healthy candidate before max_attempts is
// reached — scenario 6 (pool [P1,P2], max_attempts=3) requires a third
// attempt to still happen. When the accumulated exclusion set would
// starve selection entirely, this falls back to an unexcluded pick for
// that one call rather than declaring the pool empty; a proxy that just
// failed is still the best available option once everything has failed.
func (e *Engine) selectAllowed(selCtx *proxytypes.SelectionContext) (*proxytypes.Proxy, *breaker.Breaker, error) {
	candidates := e.pool.Healthy()
	bound := len(candidates) + 1

	for try := 0; try < bound; try++ {
		px, err := e.strat.Select(candidates, effectiveCtx(selCtx, candidates))
		if err != nil {
			if err == proxytypes.ErrProxyPoolEmpty {
				return nil, nil, nil
			}
			return nil, nil, err
		}
		b := e.breakers.Get(px.ID)
		if b.Allow() {
			return px, b, nil
		}
		*selCtx = *selCtx.WithExcluded(px.ID)
	}
	return nil, nil, nil
}

func effectiveCtx(selCtx *proxytypes.SelectionContext, candidates []*proxytypes.Proxy) proxytypes.SelectionContext {
	for _, px := range candidates {
		if !selCtx.ExcludesProxy(px.ID) {
			return *selCtx
		}
	}
	return proxytypes.SelectionContext{}
}

// doRequest performs one upstream HTTP call tunneled through px via the
// teacher's upstream dialer, matching the CONNECT/SOCKS5 semantics used
// everywhere else this package family dials out.
func (e *Engine) doRequest(ctx context.Context, px *proxytypes.Proxy, req Request) (*http.Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proxyURL := px.DialURL()
	transport := &http.Transport{
		DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
			return upstream.Dial(dialCtx, proxyURL, addr)
		},
	}
	client := &http.Client{Transport: transport, Timeout: timeout}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	// px is already marked in flight by strategy.Select; this call only
	// performs the request itself.
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
