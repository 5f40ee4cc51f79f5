// Package breaker implements the per-proxy circuit breaker described in
// spec.md §4.F: CLOSED/OPEN/HALF_OPEN with a single in-flight probe.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config tunes a breaker's thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before opening; default 5
	TimeoutDuration  time.Duration // OPEN -> HALF_OPEN delay; default 60s
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, TimeoutDuration: 60 * time.Second}
}

// TransitionEvent is emitted on every state change for observability.
type TransitionEvent struct {
	From, To State
	At       time.Time
}

// Breaker is a single proxy's circuit breaker.
type Breaker struct {
	cfg Config
	log *zap.Logger

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	probeInFlight    bool

	onTransition func(TransitionEvent)
}

// New creates a breaker in the CLOSED state.
func New(cfg Config, log *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.TimeoutDuration <= 0 {
		cfg.TimeoutDuration = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{cfg: cfg, log: log, state: Closed}
}

// OnTransition registers a callback invoked (outside the breaker's own
// lock) on every state transition. Not safe to call concurrently with
// Allow/Record; call once during setup.
func (b *Breaker) OnTransition(fn func(TransitionEvent)) {
	b.onTransition = fn
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may be attempted through this proxy
// right now. In HALF_OPEN it grants at most one probe at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.TimeoutDuration {
			b.transitionLocked(HalfOpen)
			b.probeInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// Record reports the outcome of a request that Allow() admitted.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.probeInFlight = false
		if success {
			b.consecutiveFails = 0
			b.transitionLocked(Closed)
		} else {
			b.consecutiveFails++
			b.openedAt = time.Now()
			b.transitionLocked(Open)
		}
	case Closed:
		if success {
			b.consecutiveFails = 0
			return
		}
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			b.transitionLocked(Open)
		}
	case Open:
		// A result racing in after the breaker already reopened
		// (e.g. a stale in-flight request) updates the counter only.
		if !success {
			b.consecutiveFails++
		}
	}
}

// transitionLocked must be called with mu held. It logs the transition
// while still holding mu, and runs the onTransition callback on a new
// goroutine so the callback never executes under the lock.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	ev := TransitionEvent{From: from, To: to, At: time.Now()}
	b.log.Info("circuit breaker transition",
		zap.String("from", string(from)), zap.String("to", string(to)))
	if b.onTransition != nil {
		go b.onTransition(ev)
	}
}
