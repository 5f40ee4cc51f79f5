package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestL1_PutGetRoundTrip(t *testing.T) {
	l1 := NewL1(10)
	ctx := context.Background()

	e := &Entry{Key: "k1", ProxyURL: "http://1.2.3.4:8080"}
	evicted, err := l1.Put(ctx, "k1", e)
	require.NoError(t, err)
	assert.Nil(t, evicted)

	got, err := l1.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "http://1.2.3.4:8080", got.ProxyURL)
}

func TestL1_EvictsLRUAtCapacity(t *testing.T) {
	l1 := NewL1(2)
	ctx := context.Background()

	l1.Put(ctx, "a", &Entry{Key: "a"})
	l1.Put(ctx, "b", &Entry{Key: "b"})
	l1.Get(ctx, "a") // touch a, making b the LRU

	evicted, err := l1.Put(ctx, "c", &Entry{Key: "c"})
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, "b", evicted.Key)

	size, _ := l1.Size(ctx)
	assert.Equal(t, 2, size)
}

func TestL1_ExpiredKeys(t *testing.T) {
	l1 := NewL1(10)
	ctx := context.Background()
	now := time.Now()

	l1.Put(ctx, "fresh", &Entry{Key: "fresh", ExpiresAt: now.Add(time.Hour)})
	l1.Put(ctx, "stale", &Entry{Key: "stale", ExpiresAt: now.Add(-time.Minute)})

	expired := l1.ExpiredKeys(now)
	assert.Equal(t, []string{"stale"}, expired)
}

func TestL1_DeleteAndClear(t *testing.T) {
	l1 := NewL1(10)
	ctx := context.Background()
	l1.Put(ctx, "a", &Entry{Key: "a"})

	require.NoError(t, l1.Delete(ctx, "a"))
	got, err := l1.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	l1.Put(ctx, "b", &Entry{Key: "b"})
	require.NoError(t, l1.Clear(ctx))
	size, _ := l1.Size(ctx)
	assert.Equal(t, 0, size)
}
