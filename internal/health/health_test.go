package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drsoft-oss/proxyrotator/internal/pool"
	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
	"github.com/drsoft-oss/proxyrotator/internal/validate"
)

type fakeCache struct {
	invalidated []string
}

func (f *fakeCache) InvalidateByHealth(ctx context.Context, key string) error {
	f.invalidated = append(f.invalidated, key)
	return nil
}

func newProxy(t *testing.T, raw string) *proxytypes.Proxy {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return proxytypes.NewProxy(u, "test")
}

func TestMonitor_FailureBelowThresholdMarksDegraded(t *testing.T) {
	p := pool.New()
	px := newProxy(t, "http://127.0.0.1:1")
	p.Add(px)

	v := validate.New(validate.Config{})
	fc := &fakeCache{}
	m := New(p, v, fc, Config{FailureThreshold: 3, Concurrency: 5}, nil)

	m.RunOnce(context.Background())
	assert.Equal(t, proxytypes.HealthDegraded, px.HealthStatus())
	assert.Empty(t, fc.invalidated)
}

func TestMonitor_ThresholdMarksUnhealthyAndInvalidatesCache(t *testing.T) {
	p := pool.New()
	px := newProxy(t, "http://127.0.0.1:1")
	p.Add(px)
	px.SetConsecutiveFailures(2)

	v := validate.New(validate.Config{})
	fc := &fakeCache{}
	m := New(p, v, fc, Config{FailureThreshold: 3, Concurrency: 5}, nil)

	m.RunOnce(context.Background())
	assert.Equal(t, proxytypes.HealthUnhealthy, px.HealthStatus())
	assert.Len(t, fc.invalidated, 1)
}

func TestMonitor_DoubleThresholdMarksDeadAndRemovesFromPool(t *testing.T) {
	p := pool.New()
	px := newProxy(t, "http://127.0.0.1:1")
	p.Add(px)
	px.SetConsecutiveFailures(5)

	v := validate.New(validate.Config{})
	m := New(p, v, nil, Config{FailureThreshold: 3, Concurrency: 5}, nil)

	m.RunOnce(context.Background())
	assert.Equal(t, proxytypes.HealthDead, px.HealthStatus())
	assert.Nil(t, p.Get(px.ID))
}

func TestMonitor_SuccessResetsToHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p := pool.New()
	px := newProxy(t, srv.URL)
	px.SetConsecutiveFailures(2)
	p.Add(px)

	// BASIC only requires the proxy's own port to accept a TCP
	// connection, which the httptest server satisfies directly.
	v := validate.New(validate.Config{Timeout: time.Second})
	m := New(p, v, nil, Config{FailureThreshold: 3, Concurrency: 5, ValidationLevel: validate.LevelBasic}, nil)

	m.RunOnce(context.Background())
	assert.Equal(t, proxytypes.HealthHealthy, px.HealthStatus())
	assert.Equal(t, 0, px.ConsecutiveFailures())
}
