// Package cache implements the three-tier cache (spec.md §4.B) and the
// manager that orchestrates read-through promotion, write-through
// demotion, TTL sweeping, corruption handling, and import/export
// (spec.md §4.C). It is grounded on mercator-hq-jupiter's
// pkg/limits/storage backends (memory.go, sqlite.go), generalized from a
// single backend per process to a promoted/demoted tier hierarchy.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

// Entry is the durable view of a Proxy keyed by a short hash of its URL
// (spec.md §3 CacheEntry).
type Entry struct {
	Key         string
	ProxyURL    string
	Username    string
	Password    string // plaintext in memory; encrypted at L2/L3 rest
	Source      string
	TTLSeconds  int64
	ExpiresAt   time.Time
	HealthStatus proxytypes.HealthStatus
	FailureCount int
	AccessCount  int64
	LastAccessedAt time.Time
	FetchTime      time.Time
}

// Expired reports whether the entry's TTL has elapsed.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Healthy reports whether the entry's last known health is HEALTHY.
func (e *Entry) Healthy() bool {
	return e.HealthStatus == proxytypes.HealthHealthy
}

// Clone returns a deep-enough copy for safe cross-tier handoff.
func (e *Entry) Clone() *Entry {
	cp := *e
	return &cp
}

// DeriveKey normalizes a proxy URL (lowercase host, strip default port)
// and truncates a stable hash to 16 bytes, matching spec.md §4.C's key
// derivation algorithm.
func DeriveKey(rawURL string) string {
	normalized := normalizeURL(rawURL)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port != "" && !isDefaultPort(u.Scheme, port) {
		return u.Scheme + "://" + host + ":" + port
	}
	return u.Scheme + "://" + host
}

func isDefaultPort(scheme, port string) bool {
	switch scheme {
	case "http":
		return port == "80"
	case "https":
		return port == "443"
	case "socks4", "socks5":
		return port == "1080"
	default:
		return false
	}
}

// Stats carries the cache manager's counters, summed across all tiers;
// there is no per-tier breakdown. CurrentSize counts L1 entries only.
type Stats struct {
	Hits               int64
	Misses             int64
	EvictionsLRU       int64
	EvictionsTTL       int64
	EvictionsHealth    int64
	EvictionsCorruption int64
	CurrentSize        int64
	Promotions         int64
	Demotions          int64
	Degraded           bool
}

// HitRate returns the derived overall hit rate, or 0 if there have been
// no lookups yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
