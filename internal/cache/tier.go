package cache

import "context"

// Tier is the common contract every cache level satisfies (spec.md
// §4.B). Each tier owns its own lock and its own enabled/failure-count
// bookkeeping; the manager never reaches into a tier's internals.
type Tier interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, e *Entry) (evicted *Entry, err error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
	Keys(ctx context.Context) ([]string, error)

	// Enabled reports whether the tier currently accepts operations.
	Enabled() bool
	// Name identifies the tier for logging ("L1", "L2", "L3").
	Name() string
}

const tierFailureThreshold = 3

// failureTracker centralizes the "three consecutive failures disables a
// tier, one success re-enables it" rule shared by L2 and L3 (L1 cannot
// fail — memory only — so it never embeds this).
type failureTracker struct {
	enabled      bool
	failureCount int
}

func newFailureTracker() failureTracker {
	return failureTracker{enabled: true}
}

func (f *failureTracker) recordSuccess() {
	f.failureCount = 0
	f.enabled = true
}

func (f *failureTracker) recordFailure() {
	f.failureCount++
	if f.failureCount >= tierFailureThreshold {
		f.enabled = false
	}
}
