package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drsoft-oss/proxyrotator/internal/config"
	"github.com/drsoft-oss/proxyrotator/internal/pool"
	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
	"github.com/drsoft-oss/proxyrotator/internal/rotator"
)

func newTestServer(t *testing.T) (*Server, *pool.Pool) {
	t.Helper()
	p := pool.New()
	px, err := pool.ParseProxyURI("http://1.2.3.4:8080", "test")
	require.NoError(t, err)
	p.Add(px)
	p.Get(px.ID).SetHealthStatus(proxytypes.HealthHealthy)

	cfg := config.Default()
	cfg.Cache.L2Dir = ""
	cfg.Cache.L3Path = ""
	cfg.Health.Enabled = false

	r, err := rotator.New(p, cfg, nil, nil)
	require.NoError(t, err)

	return New(":0", p, r, nil), p
}

func TestHandlePool_ListsEveryProxy(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/pool", nil)
	rw := httptest.NewRecorder()
	s.handlePool(rw, req)

	assert.Equal(t, http.StatusOK, rw.Code)
	var infos []ProxyInfo
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "HEALTHY", infos[0].HealthStatus)
	assert.Equal(t, "http", infos[0].Scheme)
}

func TestHandlePool_RejectsNonGET(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/pool", nil)
	rw := httptest.NewRecorder()
	s.handlePool(rw, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rw.Code)
}

func TestHandleCacheStats_ReturnsZeroedCountersForFreshManager(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/cache/stats", nil)
	rw := httptest.NewRecorder()
	s.handleCacheStats(rw, req)

	assert.Equal(t, http.StatusOK, rw.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &stats))
	assert.Equal(t, float64(0), stats["Hits"])
}

func TestHandleHealthRun_AcceptsPostAndRejectsGet(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/health/run", nil)
	rw := httptest.NewRecorder()
	s.handleHealthRun(rw, req)
	assert.Equal(t, http.StatusOK, rw.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/health/run", nil)
	rw2 := httptest.NewRecorder()
	s.handleHealthRun(rw2, req2)
	assert.Equal(t, http.StatusMethodNotAllowed, rw2.Code)
}
