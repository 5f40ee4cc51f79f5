package cache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

// ManagerConfig tunes the cache manager (spec.md §6 cache config).
type ManagerConfig struct {
	L1Max                  int
	L2Max                  int
	L3Max                  int // 0 = unlimited
	DefaultTTLSeconds      int64
	CleanupIntervalSeconds int64
	PerSourceTTL           map[string]int64
	FailureThreshold       int
	HealthCheckInvalidation bool
}

// DefaultManagerConfig returns spec-mandated defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		L1Max:                   1000,
		L2Max:                   5000,
		L3Max:                   0,
		DefaultTTLSeconds:       3600,
		CleanupIntervalSeconds:  60,
		FailureThreshold:        3,
		HealthCheckInvalidation: true,
	}
}

// Manager orchestrates L1 -> L2 -> L3 read-through, write-through,
// promotion/demotion, TTL sweeping, corruption handling, and
// import/export (spec.md §4.C). Tier locks are acquired in order
// L1 < L2 < L3 and released in reverse; the manager never holds a tier's
// own lock across another tier's I/O because each tier method is a single
// call into that tier's already-locked implementation.
type Manager struct {
	l1 *L1
	l2 *L2
	l3 *L3

	cfg ManagerConfig
	log *zap.Logger

	statsMu sync.Mutex
	stats   Stats

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager wires the three tiers behind one orchestrator. l2/l3 may be
// nil to run with fewer tiers (degraded-by-design, not by failure).
func NewManager(l1 *L1, l2 *L2, l3 *L3, cfg ManagerConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{l1: l1, l2: l2, l3: l3, cfg: cfg, log: log, stop: make(chan struct{})}
}

// Start launches the background TTL sweeper; Stop halts it.
func (m *Manager) Start() {
	interval := time.Duration(m.cfg.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	m.wg.Add(1)
	go m.sweepLoop(interval)
}

// Stop halts the sweeper and waits for the in-flight tick to finish.
// Calling it again after the first Stop is a no-op.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
		return
	default:
	}
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired(context.Background())
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweepExpired(ctx context.Context) {
	now := time.Now()
	for _, k := range m.l1.ExpiredKeys(now) {
		m.l1.Delete(ctx, k)
		m.incTTLEviction()
	}
	if m.l2 != nil && m.l2.Enabled() {
		for _, k := range m.l2.ExpiredKeys(now) {
			if err := m.l2.Delete(ctx, k); err == nil {
				m.incTTLEviction()
			}
		}
	}
	if m.l3 != nil && m.l3.Enabled() {
		n, err := m.l3.Sweep(ctx, now)
		if err == nil {
			m.statsMu.Lock()
			m.stats.EvictionsTTL += int64(n)
			m.statsMu.Unlock()
		}
	}
}

func (m *Manager) incTTLEviction() {
	m.statsMu.Lock()
	m.stats.EvictionsTTL++
	m.statsMu.Unlock()
}

// Get tries L1, then L2, then L3, promoting a lower-tier hit into every
// tier above the hit site and updating access bookkeeping before
// promotion, per spec.md §4.C.
func (m *Manager) Get(ctx context.Context, key string) (*Entry, error) {
	if e, err := m.l1.Get(ctx, key); err == nil && e != nil {
		if m.expireAndMaybeDelete(ctx, key, e) {
			return nil, nil
		}
		m.recordHit(e)
		return e, nil
	}

	if m.l2 != nil && m.l2.Enabled() {
		e, err := m.l2.Get(ctx, key)
		if err != nil {
			m.evictCorrupt(ctx, key, err)
		} else if e != nil {
			if m.expireAndMaybeDelete(ctx, key, e) {
				return nil, nil
			}
			m.recordHit(e)
			m.promote(ctx, key, e, true, false)
			return e, nil
		}
	}

	if m.l3 != nil && m.l3.Enabled() {
		e, err := m.l3.Get(ctx, key)
		if err != nil {
			if _, ok := err.(*proxytypes.CacheCorruptionError); ok {
				m.evictCorrupt(ctx, key, err)
			}
		} else if e != nil {
			if m.expireAndMaybeDelete(ctx, key, e) {
				return nil, nil
			}
			m.recordHit(e)
			m.promote(ctx, key, e, true, true)
			return e, nil
		}
	}

	m.statsMu.Lock()
	m.stats.Misses++
	m.statsMu.Unlock()
	return nil, nil
}

func (m *Manager) recordHit(e *Entry) {
	e.AccessCount++
	e.LastAccessedAt = time.Now()
	m.statsMu.Lock()
	m.stats.Hits++
	m.statsMu.Unlock()
}

func (m *Manager) expireAndMaybeDelete(ctx context.Context, key string, e *Entry) bool {
	if !e.Expired(time.Now()) {
		return false
	}
	m.deleteAll(ctx, key)
	m.incTTLEviction()
	return true
}

func (m *Manager) evictCorrupt(ctx context.Context, key string, cause error) {
	m.l1.Delete(ctx, key)
	if m.l2 != nil {
		m.l2.Delete(ctx, key)
	}
	if m.l3 != nil {
		m.l3.Delete(ctx, key)
	}
	m.statsMu.Lock()
	m.stats.EvictionsCorruption++
	m.statsMu.Unlock()
	m.log.Warn("cache entry corrupt, evicted",
		zap.String("kind", "cache_corruption"), zap.String("key", key), zap.Error(cause))
}

// promote writes e into every tier above the hit site.
func (m *Manager) promote(ctx context.Context, key string, e *Entry, toL1, toL2 bool) {
	if toL1 {
		if _, err := m.l1.Put(ctx, key, e.Clone()); err == nil {
			m.statsMu.Lock()
			m.stats.Promotions++
			m.statsMu.Unlock()
		}
	}
	if toL2 && m.l2 != nil && m.l2.Enabled() {
		if _, err := m.l2.Put(ctx, key, e.Clone()); err == nil {
			m.statsMu.Lock()
			m.stats.Promotions++
			m.statsMu.Unlock()
		}
	}
}

// Put writes to every enabled tier. A tier at capacity demotes its LRU
// victim to the tier below before inserting; a victim demoted off L3 is
// a pure eviction.
func (m *Manager) Put(ctx context.Context, key string, e *Entry) error {
	var wrote int
	var errs []error

	if victim, err := m.l1.Put(ctx, key, e.Clone()); err != nil {
		errs = append(errs, err)
	} else {
		wrote++
		if victim != nil {
			if m.l2 != nil && m.l2.Enabled() {
				m.demote(ctx, victim, m.l2)
			} else {
				m.statsMu.Lock()
				m.stats.EvictionsLRU++
				m.statsMu.Unlock()
			}
		}
	}

	if m.l2 != nil && m.l2.Enabled() {
		if victim, err := m.l2.Put(ctx, key, e.Clone()); err != nil {
			errs = append(errs, err)
		} else {
			wrote++
			if victim != nil {
				if m.l3 != nil && m.l3.Enabled() {
					m.demote(ctx, victim, m.l3)
				} else {
					m.statsMu.Lock()
					m.stats.EvictionsLRU++
					m.statsMu.Unlock()
				}
			}
		}
	}

	if m.l3 != nil && m.l3.Enabled() {
		if _, err := m.l3.Put(ctx, key, e.Clone()); err != nil {
			errs = append(errs, err)
		} else {
			wrote++
		}
	}

	if wrote == 0 {
		return proxytypes.ErrStorageUnavailable
	}
	if len(errs) > 0 {
		m.log.Warn("cache put degraded, one or more tiers rejected the write",
			zap.Int("tiers_written", wrote), zap.Int("tiers_failed", len(errs)))
	}
	return nil
}

// demote writes victim into the next lower tier. Callers only invoke this
// when next is a live, enabled tier (never a nil pointer) — a nil *L2/*L3
// boxed into this interface parameter would compare non-nil, so the
// nil-ness must be ruled out before the call, not inside it.
func (m *Manager) demote(ctx context.Context, victim *Entry, next interface {
	Put(context.Context, string, *Entry) (*Entry, error)
}) {
	if _, err := next.Put(ctx, victim.Key, victim); err == nil {
		m.statsMu.Lock()
		m.stats.Demotions++
		m.statsMu.Unlock()
	} else {
		m.statsMu.Lock()
		m.stats.EvictionsLRU++
		m.statsMu.Unlock()
	}
}

func (m *Manager) deleteAll(ctx context.Context, key string) {
	m.l1.Delete(ctx, key)
	if m.l2 != nil {
		m.l2.Delete(ctx, key)
	}
	if m.l3 != nil {
		m.l3.Delete(ctx, key)
	}
}

// Delete propagates a deletion to all tiers.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.deleteAll(ctx, key)
	return nil
}

// Clear propagates a clear to all tiers.
func (m *Manager) Clear(ctx context.Context) error {
	m.l1.Clear(ctx)
	if m.l2 != nil {
		m.l2.Clear(ctx)
	}
	if m.l3 != nil {
		m.l3.Clear(ctx)
	}
	return nil
}

// InvalidateByHealth marks an entry unhealthy and, once its failure
// count reaches the configured threshold, deletes it from every tier
// (spec.md §4.C, invoked by the health monitor at spec.md §4.H).
func (m *Manager) InvalidateByHealth(ctx context.Context, key string) error {
	e, err := m.Get(ctx, key)
	if err != nil || e == nil {
		return err
	}
	e.FailureCount++
	e.HealthStatus = proxytypes.HealthUnhealthy

	threshold := m.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if e.FailureCount >= threshold {
		m.deleteAll(ctx, key)
		m.statsMu.Lock()
		m.stats.EvictionsHealth++
		m.statsMu.Unlock()
		return nil
	}
	return m.Put(ctx, key, e)
}

// WarmResult reports the outcome of WarmFromFile.
type WarmResult struct {
	Loaded  int
	Skipped int
	Failed  int
}

type warmRow struct {
	ProxyURL    string `json:"proxy_url"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Source      string `json:"source"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

// WarmFromFile ingests a JSON array, newline-delimited JSON, or CSV proxy
// list, deriving keys and writing through every enabled tier. ttlOverride
// of 0 falls back to config.DefaultTTLSeconds or the source's per-source
// TTL. Malformed rows are counted, not fatal (spec.md §4.C).
func (m *Manager) WarmFromFile(ctx context.Context, path string, ttlOverride int64) (WarmResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WarmResult{}, fmt.Errorf("cache: read warm file: %w", err)
	}

	var rows []warmRow
	switch {
	case strings.HasSuffix(path, ".csv"):
		rows, err = parseWarmCSV(data)
	case bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")):
		err = json.Unmarshal(data, &rows)
	default:
		rows, err = parseWarmNDJSON(data)
	}
	if err != nil {
		return WarmResult{}, fmt.Errorf("cache: parse warm file: %w", err)
	}

	var res WarmResult
	now := time.Now()
	for _, row := range rows {
		if row.ProxyURL == "" {
			res.Skipped++
			continue
		}
		ttl := row.TTLSeconds
		if ttlOverride > 0 {
			ttl = ttlOverride
		}
		if ttl <= 0 {
			if t, ok := m.cfg.PerSourceTTL[row.Source]; ok {
				ttl = t
			} else {
				ttl = m.cfg.DefaultTTLSeconds
			}
		}
		key := DeriveKey(row.ProxyURL)
		e := &Entry{
			Key:            key,
			ProxyURL:       row.ProxyURL,
			Username:       row.Username,
			Password:       row.Password,
			Source:         row.Source,
			TTLSeconds:     ttl,
			ExpiresAt:      now.Add(time.Duration(ttl) * time.Second),
			HealthStatus:   proxytypes.HealthUnknown,
			FetchTime:      now,
			LastAccessedAt: now,
		}
		if err := m.Put(ctx, key, e); err != nil {
			res.Failed++
			continue
		}
		res.Loaded++
	}
	return res, nil
}

func parseWarmNDJSON(data []byte) ([]warmRow, error) {
	var rows []warmRow
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r warmRow
		if err := json.Unmarshal(line, &r); err != nil {
			// Kept as an empty row so WarmFromFile counts it as skipped.
			rows = append(rows, warmRow{})
			continue
		}
		rows = append(rows, r)
	}
	return rows, scanner.Err()
}

func parseWarmCSV(data []byte) ([]warmRow, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	urlIdx, ok := idx["proxy_url"]
	if !ok {
		return nil, fmt.Errorf("csv missing proxy_url column")
	}
	var rows []warmRow
	for _, rec := range records[1:] {
		row := warmRow{}
		if urlIdx < len(rec) {
			row.ProxyURL = rec[urlIdx]
		}
		if i, ok := idx["username"]; ok && i < len(rec) {
			row.Username = rec[i]
		}
		if i, ok := idx["password"]; ok && i < len(rec) {
			row.Password = rec[i]
		}
		if i, ok := idx["source"]; ok && i < len(rec) {
			row.Source = rec[i]
		}
		if i, ok := idx["ttl_seconds"]; ok && i < len(rec) {
			if v, err := strconv.ParseInt(rec[i], 10, 64); err == nil {
				row.TTLSeconds = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// exportRow is the credential-safe shape written by Export.
type exportRow struct {
	Key          string `json:"key"`
	ProxyURL     string `json:"proxy_url"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	Source       string `json:"source"`
	HealthStatus string `json:"health_status"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Export streams every known entry as newline-delimited JSON.
// redactCredentials controls whether username/password are omitted
// (true) or re-rendered in the clear (false) — callers decide per
// spec.md §6's export-files contract.
func (m *Manager) Export(ctx context.Context, w io.Writer, redactCredentials bool) error {
	seen := make(map[string]struct{})
	enc := json.NewEncoder(w)

	if err := exportTier(ctx, m.l1, seen, enc, redactCredentials); err != nil {
		return err
	}
	if m.l2 != nil && m.l2.Enabled() {
		if err := exportTier(ctx, m.l2, seen, enc, redactCredentials); err != nil {
			return err
		}
	}
	if m.l3 != nil && m.l3.Enabled() {
		if err := exportTier(ctx, m.l3, seen, enc, redactCredentials); err != nil {
			return err
		}
	}
	return nil
}

// exportTier writes every entry in tier not already present in seen.
// tier must be non-nil and, for L2/L3, already confirmed Enabled() by
// the caller — a nil *L2/*L3 boxed into the Tier interface is non-nil
// as an interface value, so the nil check has to happen before boxing.
func exportTier(ctx context.Context, tier Tier, seen map[string]struct{}, enc *json.Encoder, redactCredentials bool) error {
	keys, err := tier.Keys(ctx)
	if err != nil {
		return nil
	}
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		e, err := tier.Get(ctx, k)
		if err != nil || e == nil {
			continue
		}
		row := exportRow{
			Key: e.Key, ProxyURL: e.ProxyURL, Source: e.Source,
			HealthStatus: string(e.HealthStatus), ExpiresAt: e.ExpiresAt.Unix(),
		}
		if !redactCredentials {
			row.Username = e.Username
			row.Password = e.Password
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// GetStatistics returns a cheap snapshot of the manager's counters.
func (m *Manager) GetStatistics(ctx context.Context) Stats {
	m.statsMu.Lock()
	snap := m.stats
	m.statsMu.Unlock()

	size, _ := m.l1.Size(ctx)
	snap.CurrentSize = int64(size)
	snap.Degraded = (m.l2 != nil && !m.l2.Enabled()) || (m.l3 != nil && !m.l3.Enabled())
	return snap
}
