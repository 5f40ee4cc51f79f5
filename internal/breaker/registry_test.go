package breaker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_GetCreatesLazilyAndReusesSameBreaker(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	id := uuid.New()

	b1 := r.Get(id)
	b1.Record(false)
	b2 := r.Get(id)

	assert.Same(t, b1, b2)
}

func TestRegistry_DistinctIDsGetDistinctBreakers(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	a := r.Get(uuid.New())
	b := r.Get(uuid.New())
	assert.NotSame(t, a, b)
}

func TestRegistry_RemoveDropsState(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	id := uuid.New()
	first := r.Get(id)
	r.Remove(id)
	second := r.Get(id)
	assert.NotSame(t, first, second)
}
