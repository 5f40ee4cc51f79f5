package proxytypes

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel error kinds. Callers compare with errors.Is; each one is a
// stable code operators can alert on (spec.md §7.4).
var (
	ErrProxyPoolEmpty    = errors.New("proxywhirl: proxy pool empty")
	ErrStorageUnavailable = errors.New("proxywhirl: storage unavailable")
	ErrDecryptionFailed  = errors.New("proxywhirl: decryption failed")
	ErrTimeout           = errors.New("proxywhirl: timeout")
	ErrCancelled         = errors.New("proxywhirl: cancelled")
	ErrInvalidConfig     = errors.New("proxywhirl: invalid config")
)

// CircuitOpenError reports that a specific proxy's breaker is open.
type CircuitOpenError struct {
	ProxyID uuid.UUID
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("proxywhirl: circuit open for proxy %s", e.ProxyID)
}

// AttemptRecord is one entry in an AllProxiesFailed chain.
type AttemptRecord struct {
	ProxyID uuid.UUID
	Kind    string
}

// AllProxiesFailedError reports retry exhaustion, carrying the chain of
// (proxy, error kind) pairs observed across attempts.
type AllProxiesFailedError struct {
	Attempts int
	Chain    []AttemptRecord
}

func (e *AllProxiesFailedError) Error() string {
	return fmt.Sprintf("proxywhirl: all proxies failed after %d attempts", e.Attempts)
}

// CacheCorruptionError reports a single offending cache entry evicted
// on read (schema mismatch, decryption failure, checksum mismatch).
type CacheCorruptionError struct {
	Key string
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("proxywhirl: cache corruption at key %s", e.Key)
}

// ValidationFailedError reports that a validator could not reach the
// requested ValidationLevel.
type ValidationFailedError struct {
	Level string
	Kind  string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("proxywhirl: validation failed at level %s: %s", e.Level, e.Kind)
}
