package retry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drsoft-oss/proxyrotator/internal/breaker"
	"github.com/drsoft-oss/proxyrotator/internal/pool"
	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
	"github.com/drsoft-oss/proxyrotator/internal/strategy"
)

func newHealthyProxy(t *testing.T, p *pool.Pool, raw string) *proxytypes.Proxy {
	t.Helper()
	px, err := pool.ParseProxyURI(raw, "test")
	require.NoError(t, err)
	p.Add(px)
	added := p.Get(px.ID)
	added.SetHealthStatus(proxytypes.HealthHealthy)
	return added
}

func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func fastPolicy(maxAttempts int) Policy {
	p := DefaultPolicy()
	p.MaxAttempts = maxAttempts
	p.BaseDelayMs = 1
	p.MaxDelayMs = 5
	p.Jitter = false
	p.Backoff = BackoffConstant
	return p
}

// Scenario 6 (spec.md §8): max_attempts=3, pool [P1,P2], every upstream
// call fails with a connect error; execute must raise AllProxiesFailed
// after exactly 3 attempts, with the two proxies' total_failures summing
// to 3.
func TestEngine_RetryExhaustionAcrossTwoProxies(t *testing.T) {
	p := pool.New()
	p1 := newHealthyProxy(t, p, "http://"+closedPort(t))
	p2 := newHealthyProxy(t, p, "http://"+closedPort(t))

	eng := New(p, strategy.NewRoundRobin(), breaker.NewRegistry(breaker.DefaultConfig(), nil),
		proxytypes.DefaultStrategyConfig(), fastPolicy(3), nil)

	_, err := eng.Execute(context.Background(), Request{Method: "GET", URL: "http://example.invalid/"})
	require.Error(t, err)

	var apf *proxytypes.AllProxiesFailedError
	require.ErrorAs(t, err, &apf)
	assert.Equal(t, 3, apf.Attempts)
	assert.Len(t, apf.Chain, 3)

	sum := p1.TotalFailures.Load() + p2.TotalFailures.Load()
	assert.EqualValues(t, 3, sum)
}

// max_attempts = 0 means exactly one attempt with no retry loop after
// it (spec.md §4.G, §8 "Retry bound").
func TestEngine_MaxAttemptsZeroMeansExactlyOneAttempt(t *testing.T) {
	p := pool.New()
	px := newHealthyProxy(t, p, "http://"+closedPort(t))

	eng := New(p, strategy.NewRoundRobin(), breaker.NewRegistry(breaker.DefaultConfig(), nil),
		proxytypes.DefaultStrategyConfig(), fastPolicy(0), nil)

	_, err := eng.Execute(context.Background(), Request{Method: "GET", URL: "http://example.invalid/"})
	require.Error(t, err)

	var apf *proxytypes.AllProxiesFailedError
	require.ErrorAs(t, err, &apf)
	assert.Equal(t, 1, apf.Attempts)
	assert.EqualValues(t, 1, px.TotalFailures.Load())
}

func TestPolicy_DelayRespectsMaxAndExponentialGrowth(t *testing.T) {
	p := Policy{BaseDelayMs: 100, MaxDelayMs: 1000, Multiplier: 2, Backoff: BackoffExponential, Jitter: false}
	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 200*time.Millisecond, p.delay(2))
	assert.Equal(t, 400*time.Millisecond, p.delay(3))
	assert.Equal(t, 1000*time.Millisecond, p.delay(10))
}

func TestPolicy_JitterStaysInBounds(t *testing.T) {
	p := Policy{BaseDelayMs: 100, MaxDelayMs: 1000, Multiplier: 2, Backoff: BackoffJitteredExponential}
	for i := 0; i < 20; i++ {
		d := p.delay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
