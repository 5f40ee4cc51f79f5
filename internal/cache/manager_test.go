package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

func newTestManager(t *testing.T, l1Max, l2Max int) (*Manager, *L2, *L3) {
	t.Helper()
	v := newTestVault(t)
	l1 := NewL1(l1Max)
	l2, err := NewL2(t.TempDir(), l2Max, v)
	require.NoError(t, err)
	l3, err := NewL3(filepath.Join(t.TempDir(), "cache.db"), v)
	require.NoError(t, err)
	t.Cleanup(func() { l3.Close() })

	cfg := DefaultManagerConfig()
	m := NewManager(l1, l2, l3, cfg, nil)
	return m, l2, l3
}

func TestManager_PutThenGetHitsL1(t *testing.T) {
	m, _, _ := newTestManager(t, 10, 10)
	ctx := context.Background()

	e := &Entry{Key: "k1", ProxyURL: "http://1.2.3.4:8080", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, m.Put(ctx, "k1", e))

	got, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "http://1.2.3.4:8080", got.ProxyURL)

	stats := m.GetStatistics(ctx)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestManager_PromotesOnL2Hit(t *testing.T) {
	m, l2, _ := newTestManager(t, 10, 10)
	ctx := context.Background()

	// write directly into L2 only, bypassing L1.
	e := &Entry{Key: "k1", ProxyURL: "http://9.9.9.9:80", ExpiresAt: time.Now().Add(time.Hour)}
	_, err := l2.Put(ctx, "k1", e)
	require.NoError(t, err)

	got, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)

	l1Got, err := m.l1.Get(ctx, "k1")
	require.NoError(t, err)
	assert.NotNil(t, l1Got, "L2 hit should promote into L1")
}

func TestManager_ExpiredEntryDeletedFromAllTiers(t *testing.T) {
	m, _, _ := newTestManager(t, 10, 10)
	ctx := context.Background()

	e := &Entry{Key: "k1", ProxyURL: "http://1.2.3.4:8080", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, m.Put(ctx, "k1", e))

	got, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)

	size, _ := m.l1.Size(ctx)
	assert.Equal(t, 0, size)
}

func TestManager_DemotesEvictedL1EntryToL2(t *testing.T) {
	m, l2, _ := newTestManager(t, 1, 10)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "a", &Entry{Key: "a", ProxyURL: "http://1.1.1.1:80", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, m.Put(ctx, "b", &Entry{Key: "b", ProxyURL: "http://2.2.2.2:80", ExpiresAt: time.Now().Add(time.Hour)}))

	size, _ := l2.Size(ctx)
	assert.GreaterOrEqual(t, size, 1)

	got, err := l2.Get(ctx, "a")
	require.NoError(t, err)
	assert.NotNil(t, got, "entry evicted from L1 should have been demoted into L2")
}

func TestManager_InvalidateByHealthDeletesAtThreshold(t *testing.T) {
	m, _, _ := newTestManager(t, 10, 10)
	m.cfg.FailureThreshold = 2
	ctx := context.Background()

	e := &Entry{Key: "k1", ProxyURL: "http://1.2.3.4:8080", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, m.Put(ctx, "k1", e))

	require.NoError(t, m.InvalidateByHealth(ctx, "k1"))
	got, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got, "one failure below threshold should not evict")
	assert.Equal(t, proxytypes.HealthUnhealthy, got.HealthStatus)

	require.NoError(t, m.InvalidateByHealth(ctx, "k1"))
	got, err = m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got, "reaching the failure threshold should evict from every tier")
}

func TestManager_WarmFromFileNDJSON(t *testing.T) {
	m, _, _ := newTestManager(t, 10, 10)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "seed.ndjson")
	content := `{"proxy_url":"http://1.1.1.1:8080","source":"seed"}
{"proxy_url":"http://2.2.2.2:8080","source":"seed"}
{"source":"missing_url"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	res, err := m.WarmFromFile(ctx, path, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Loaded)
	assert.Equal(t, 1, res.Skipped)
}

func TestManager_ExportRedactsCredentialsByDefault(t *testing.T) {
	m, _, _ := newTestManager(t, 10, 10)
	ctx := context.Background()

	e := &Entry{Key: "k1", ProxyURL: "http://1.1.1.1:80", Username: "u", Password: "s3cr3t", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, m.Put(ctx, "k1", e))

	var buf bytes.Buffer
	require.NoError(t, m.Export(ctx, &buf, true))
	assert.NotContains(t, buf.String(), "s3cr3t")

	buf.Reset()
	require.NoError(t, m.Export(ctx, &buf, false))
	assert.Contains(t, buf.String(), "s3cr3t")
}

func TestManager_ExportDoesNotPanicWithNilL2AndL3(t *testing.T) {
	l1 := NewL1(10)
	m := NewManager(l1, nil, nil, DefaultManagerConfig(), nil)
	ctx := context.Background()

	e := &Entry{Key: "k1", ProxyURL: "http://1.1.1.1:80", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, m.Put(ctx, "k1", e))

	var buf bytes.Buffer
	require.NoError(t, m.Export(ctx, &buf, true))
	assert.Contains(t, buf.String(), "1.1.1.1:80")
}
