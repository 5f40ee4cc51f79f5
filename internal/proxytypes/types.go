// Package proxytypes holds the data model shared across the rotation
// core: proxies, selection context, strategy configuration, and cache
// entries. Keeping these types in one leaf package lets pool, strategy,
// cache, breaker, retry, and health depend on a common vocabulary
// without importing each other.
package proxytypes

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HealthStatus classifies a proxy's current liveness.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthDead      HealthStatus = "DEAD"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// Proxy represents one upstream proxy endpoint and its live state.
//
// Fields under mu are non-atomic and change together (EMA, last error,
// health transitions). Counters are plain atomics so the hot request
// path never blocks on the pool's bookkeeping lock.
type Proxy struct {
	ID  uuid.UUID
	URL *url.URL // scheme is one of http, https, socks4, socks5

	Username string
	password string // opaque; never rendered by String()/Error paths

	Source          string
	CountryCode     string // ISO-3166-1 alpha-2, empty = unknown
	Region          string
	CostPerRequest  float64
	Metadata        map[string]string

	mu                  sync.RWMutex
	healthStatus        HealthStatus
	consecutiveFailures int
	consecutiveSuccess  int
	lastCheckAt         time.Time
	lastError           string // redacted text only
	avgResponseTimeMs   float64
	emaResponseTimeMs   float64
	emaInitialized      bool
	lastUsedAt          time.Time

	TotalRequests  atomic.Int64
	TotalSuccesses atomic.Int64
	TotalFailures  atomic.Int64
	InFlight       atomic.Int64
}

// NewProxy builds a Proxy from a parsed upstream URL. Credentials, if
// present in the URL's userinfo, are extracted into Username/password
// and stripped from the stored URL so nothing downstream accidentally
// serializes them.
func NewProxy(raw *url.URL, source string) *Proxy {
	p := &Proxy{
		ID:           uuid.New(),
		Source:       source,
		healthStatus: HealthUnknown,
		Metadata:     make(map[string]string),
	}
	u := *raw
	if u.User != nil {
		p.Username = u.User.Username()
		p.password, _ = u.User.Password()
		u.User = nil
	}
	p.URL = &u
	return p
}

// Password returns the opaque secret. Callers must not log or
// serialize the returned value.
func (p *Proxy) Password() string { return p.password }

// SetPassword updates the opaque secret.
func (p *Proxy) SetPassword(pw string) { p.password = pw }

// String renders a redacted, loggable representation of the proxy.
func (p *Proxy) String() string {
	if p.URL == nil {
		return "<nil>"
	}
	u := *p.URL
	if p.Username != "" {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}

// DialURL returns a copy of URL with credentials reattached as userinfo,
// suitable for passing to upstream.Dial (which needs them for CONNECT
// Proxy-Authorization / SOCKS5 auth). Callers must not log or serialize
// the result — use String() for anything user-facing.
func (p *Proxy) DialURL() *url.URL {
	if p.URL == nil {
		return nil
	}
	u := *p.URL
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.password)
	}
	return &u
}

// NormalizedURL returns scheme://host:port with no credentials and no
// path, filling in the scheme's default port when the URL has none. The
// pool uses it as its by-URL identity key.
func (p *Proxy) NormalizedURL() string {
	if p.URL == nil {
		return ""
	}
	host := p.URL.Hostname()
	port := p.URL.Port()
	scheme := p.URL.Scheme
	if port == "" {
		port = defaultPort(scheme)
	}
	if port != "" {
		return fmt.Sprintf("%s://%s:%s", scheme, host, port)
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	case "socks4", "socks5":
		return "1080"
	default:
		return ""
	}
}

// HealthStatus returns the current health classification.
func (p *Proxy) HealthStatus() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthStatus
}

// IsHealthy reports whether the proxy is eligible for selection.
func (p *Proxy) IsHealthy() bool {
	return p.HealthStatus() == HealthHealthy
}

// ConsecutiveFailures returns the current run of failures.
func (p *Proxy) ConsecutiveFailures() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.consecutiveFailures
}

// EMAResponseTimeMs returns the current EMA, and whether it has been
// initialized by at least one completed request.
func (p *Proxy) EMAResponseTimeMs() (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.emaResponseTimeMs, p.emaInitialized
}

// LastUsedAt returns the last selection timestamp.
func (p *Proxy) LastUsedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastUsedAt
}

// StartRequest marks a request in flight and stamps LastUsedAt. Called
// by strategies as part of select().
func (p *Proxy) StartRequest() {
	p.InFlight.Add(1)
	p.mu.Lock()
	p.lastUsedAt = time.Now()
	p.mu.Unlock()
}

// RecordResult updates counters, EMA, and health transitions for a
// completed request. alpha is the EMA smoothing factor; failurePenaltyMs
// is the synthetic latency applied on failure so performance-based
// strategies treat errors as very slow rather than ignoring them.
func (p *Proxy) RecordResult(success bool, elapsed time.Duration, alpha, failurePenaltyMs float64) {
	p.InFlight.Add(-1)
	p.TotalRequests.Add(1)

	latencyMs := float64(elapsed.Milliseconds())
	if !success {
		p.TotalFailures.Add(1)
		latencyMs = failurePenaltyMs
	} else {
		p.TotalSuccesses.Add(1)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.emaInitialized {
		p.emaResponseTimeMs = latencyMs
		p.emaInitialized = true
	} else {
		p.emaResponseTimeMs = alpha*latencyMs + (1-alpha)*p.emaResponseTimeMs
	}
	n := float64(p.TotalRequests.Load())
	if n > 0 {
		p.avgResponseTimeMs = ((n-1)*p.avgResponseTimeMs + latencyMs) / n
	}

	if success {
		p.consecutiveFailures = 0
		p.consecutiveSuccess++
		p.lastError = ""
		if p.healthStatus != HealthDead {
			p.healthStatus = HealthHealthy
		}
	} else {
		p.consecutiveSuccess = 0
		p.consecutiveFailures++
	}
}

// SetHealthStatus forcibly sets the health classification (used by the
// health monitor, which owns the authoritative liveness decision).
func (p *Proxy) SetHealthStatus(s HealthStatus) {
	p.mu.Lock()
	p.healthStatus = s
	p.mu.Unlock()
}

// SetLastError records a redacted error string for observability.
func (p *Proxy) SetLastError(msg string) {
	p.mu.Lock()
	p.lastError = msg
	p.lastCheckAt = time.Now()
	p.mu.Unlock()
}

// LastError returns the redacted last error text.
func (p *Proxy) LastError() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastError
}

// LastCheckAt returns the last health-check timestamp.
func (p *Proxy) LastCheckAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastCheckAt
}

// SetLastCheckAt stamps the last health-check time.
func (p *Proxy) SetLastCheckAt(t time.Time) {
	p.mu.Lock()
	p.lastCheckAt = t
	p.mu.Unlock()
}

// SetConsecutiveFailures overwrites the failure run (used by the health
// monitor which tracks its own independent counters from probe results,
// distinct from the retry/breaker failure counters on this same Proxy).
func (p *Proxy) SetConsecutiveFailures(n int) {
	p.mu.Lock()
	p.consecutiveFailures = n
	p.mu.Unlock()
}

// SetConsecutiveSuccesses overwrites the success run.
func (p *Proxy) SetConsecutiveSuccesses(n int) {
	p.mu.Lock()
	p.consecutiveSuccess = n
	p.mu.Unlock()
}

// ConsecutiveSuccesses returns the current run of successes.
func (p *Proxy) ConsecutiveSuccesses() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.consecutiveSuccess
}

// SelectionContext carries per-request hints into strategy.Select. All
// fields are read-only during selection.
type SelectionContext struct {
	SessionID       string
	TargetCountry   string
	TargetRegion    string
	TargetURL       string
	RequestPriority int // [0,10]
	FailedProxyIDs  map[uuid.UUID]struct{}
	AttemptNumber   int
	Metadata        map[string]any
}

// ExcludesProxy reports whether id is in the context's exclusion set.
func (c *SelectionContext) ExcludesProxy(id uuid.UUID) bool {
	if c == nil || c.FailedProxyIDs == nil {
		return false
	}
	_, excluded := c.FailedProxyIDs[id]
	return excluded
}

// WithExcluded returns a shallow copy of c with id added to the
// exclusion set, used by the retry engine to widen exclusions across
// attempts without mutating the caller's context.
func (c *SelectionContext) WithExcluded(id uuid.UUID) *SelectionContext {
	cp := *c
	cp.FailedProxyIDs = make(map[uuid.UUID]struct{}, len(c.FailedProxyIDs)+1)
	for k := range c.FailedProxyIDs {
		cp.FailedProxyIDs[k] = struct{}{}
	}
	cp.FailedProxyIDs[id] = struct{}{}
	return &cp
}

// StrategyConfig carries tunables recognized by one or more strategies;
// strategies ignore fields they don't need.
type StrategyConfig struct {
	Weights                      map[string]float64 // url -> weight
	EMAAlpha                     float64             // default 0.2
	SessionStickinessDurationSec int64               // default 3600
	MaxSessions                  int                 // default 10000
	GeoFallbackEnabled           bool
	GeoSecondaryStrategy         string // round_robin | random | least_used
	MaxCostPerRequest            float64
	FreeProxyBoost               float64 // default 10
	MaxResponseTimeMs            float64
	MinSuccessRate               float64
	FailurePenaltyMs             float64 // default 5000
}

// DefaultStrategyConfig returns a StrategyConfig with spec-mandated
// defaults applied.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		EMAAlpha:                     0.2,
		SessionStickinessDurationSec: 3600,
		MaxSessions:                  10000,
		GeoSecondaryStrategy:         "round_robin",
		FreeProxyBoost:               10,
		FailurePenaltyMs:             5000,
	}
}
