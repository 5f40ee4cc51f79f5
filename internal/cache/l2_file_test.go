package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drsoft-oss/proxyrotator/internal/vault"
)

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.NewEphemeral()
	require.NoError(t, err)
	return v
}

func TestL2_PutGetRoundTripEncryptsCredentials(t *testing.T) {
	dir := t.TempDir()
	v := newTestVault(t)
	l2, err := NewL2(dir, 10, v)
	require.NoError(t, err)
	ctx := context.Background()

	e := &Entry{Key: "k1", ProxyURL: "http://1.2.3.4:8080", Username: "u", Password: "s3cr3t"}
	_, err = l2.Put(ctx, "k1", e)
	require.NoError(t, err)

	got, err := l2.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s3cr3t", got.Password)

	rec := l2.records["k1"]
	assert.NotContains(t, rec.EncryptedPassword, "s3cr3t")
}

func TestL2_SurvivesReloadFromIndex(t *testing.T) {
	dir := t.TempDir()
	v := newTestVault(t)
	l2, err := NewL2(dir, 10, v)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l2.Put(ctx, "k1", &Entry{Key: "k1", ProxyURL: "http://1.2.3.4:8080"})
	require.NoError(t, err)

	reopened, err := NewL2(dir, 10, v)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "http://1.2.3.4:8080", got.ProxyURL)
}

func TestL2_EvictsLRUAtCapacity(t *testing.T) {
	dir := t.TempDir()
	l2, err := NewL2(dir, 2, nil)
	require.NoError(t, err)
	ctx := context.Background()

	now := time.Now()
	l2.Put(ctx, "a", &Entry{Key: "a", LastAccessedAt: now.Add(-time.Minute)})
	l2.Put(ctx, "b", &Entry{Key: "b", LastAccessedAt: now})

	evicted, err := l2.Put(ctx, "c", &Entry{Key: "c", LastAccessedAt: now})
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, "a", evicted.Key)
}

func TestL2_CorruptPasswordWithoutVaultReturnsCorruptionError(t *testing.T) {
	dir := t.TempDir()
	v := newTestVault(t)
	l2, err := NewL2(dir, 10, v)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l2.Put(ctx, "k1", &Entry{Key: "k1", Password: "secret"})
	require.NoError(t, err)

	reopened, err := NewL2(dir, 10, nil)
	require.NoError(t, err)
	_, err = reopened.Get(ctx, "k1")
	assert.Error(t, err)
}
