package strategy

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

// sessionBinding records which proxy a session is bound to and when the
// binding expires, mirroring the Selector's stickyEntry shape from the
// pack's quarry proxy selector (endpoint index + optional TTL), adapted
// here to key by proxy ID rather than pool index.
type sessionBinding struct {
	proxyID   uuid.UUID
	boundAt   time.Time
	expiresAt time.Time
}

// SessionPersistent binds a session_id to a proxy for repeat selections,
// rebinding (failover) when the bound proxy is no longer a healthy
// candidate. Bindings are evicted on TTL expiry or, once max_sessions is
// reached, by least-recently-bound order (LRU).
type SessionPersistent struct {
	fallback Strategy

	mu       sync.Mutex
	bindings map[string]*sessionBinding
	order    []string // session keys in LRU order, oldest first
	cfg      proxytypes.StrategyConfig
}

// NewSessionPersistent builds a session-persistent strategy with
// round-robin as its fallback for new/rebinding sessions.
func NewSessionPersistent() *SessionPersistent {
	return &SessionPersistent{
		fallback: NewRoundRobin(),
		bindings: make(map[string]*sessionBinding),
		cfg:      proxytypes.DefaultStrategyConfig(),
	}
}

func (s *SessionPersistent) Configure(cfg proxytypes.StrategyConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *SessionPersistent) Select(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext) (*proxytypes.Proxy, error) {
	filtered := filterExcluded(candidates, ctx)
	if len(filtered) == 0 {
		return nil, proxytypes.ErrProxyPoolEmpty
	}

	if ctx.SessionID == "" {
		return s.bindNew(filtered, ctx, "")
	}

	s.mu.Lock()
	binding, ok := s.bindings[ctx.SessionID]
	ttl := time.Duration(s.cfg.SessionStickinessDurationSec) * time.Second
	s.mu.Unlock()

	if ok && time.Now().Before(binding.expiresAt) {
		for _, px := range filtered {
			if px.ID == binding.proxyID {
				s.touch(ctx.SessionID, ttl)
				px.StartRequest()
				return px, nil
			}
		}
		// Bound proxy no longer a healthy candidate: failover rebind.
	}

	return s.bindNew(filtered, ctx, ctx.SessionID)
}

func (s *SessionPersistent) bindNew(candidates []*proxytypes.Proxy, ctx proxytypes.SelectionContext, sessionID string) (*proxytypes.Proxy, error) {
	px, err := s.fallback.Select(candidates, ctx)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return px, nil
	}

	ttl := time.Duration(s.cfg.SessionStickinessDurationSec) * time.Second
	s.mu.Lock()
	maxSessions := s.cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = proxytypes.DefaultStrategyConfig().MaxSessions
	}
	s.bindings[sessionID] = &sessionBinding{
		proxyID:   px.ID,
		boundAt:   time.Now(),
		expiresAt: time.Now().Add(ttl),
	}
	for i, k := range s.order {
		if k == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append(s.order, sessionID)
	for len(s.bindings) > maxSessions && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.bindings, oldest)
	}
	s.mu.Unlock()

	return px, nil
}

// touch refreshes a session's TTL and moves it to the back of the LRU
// order on reuse.
func (s *SessionPersistent) touch(sessionID string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[sessionID]
	if !ok {
		return
	}
	b.expiresAt = time.Now().Add(ttl)
	for i, k := range s.order {
		if k == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append(s.order, sessionID)
}

func (s *SessionPersistent) RecordResult(px *proxytypes.Proxy, success bool, responseTimeMs float64) {
	recordDefault(px, success, responseTimeMs, s.cfg)
}
