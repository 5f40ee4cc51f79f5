package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
	"github.com/drsoft-oss/proxyrotator/internal/vault"
)

// l2Record is the on-disk shape of an Entry: credentials are encrypted,
// everything else is plaintext metadata (spec.md §4.B).
type l2Record struct {
	Key              string `json:"key"`
	ProxyURL         string `json:"proxy_url"`
	Username         string `json:"username,omitempty"`
	EncryptedPassword string `json:"encrypted_password,omitempty"`
	Source           string `json:"source"`
	TTLSeconds       int64  `json:"ttl_seconds"`
	ExpiresAt        int64  `json:"expires_at"`
	HealthStatus     string `json:"health_status"`
	FailureCount     int    `json:"failure_count"`
	AccessCount      int64  `json:"access_count"`
	LastAccessedAt   int64  `json:"last_accessed_at"`
	FetchTime        int64  `json:"fetch_time"`
}

// L2 is the flat single-indexed-file tier. Writes are atomic (temp file,
// fsync, rename) and cross-process coordination uses an advisory lock
// file with a 5-second acquire timeout, per spec.md §4.B. There is no
// third-party file-locking library anywhere in the retrieval pack, so the
// lock is a plain directory-based lockfile (O_CREATE|O_EXCL) rather than
// an OS flock syscall — portable across the pack's target platforms
// without a platform-specific dependency.
type L2 struct {
	failureTracker

	mu         sync.Mutex
	dir        string
	indexPath  string
	lockPath   string
	maxEntries int
	vault      *vault.Vault

	records map[string]*l2Record
}

// NewL2 opens (or creates) the L2 tier rooted at dir.
func NewL2(dir string, maxEntries int, v *vault.Vault) (*L2, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cache: create L2 dir: %w", err)
	}
	l := &L2{
		failureTracker: newFailureTracker(),
		dir:            dir,
		indexPath:      filepath.Join(dir, "index.json"),
		lockPath:       filepath.Join(dir, "index.json.lock"),
		maxEntries:     maxEntries,
		vault:          v,
		records:        make(map[string]*l2Record),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *L2) Name() string { return "L2" }

func (l *L2) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

func (l *L2) load() error {
	data, err := os.ReadFile(l.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: read L2 index: %w", err)
	}
	var recs []*l2Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return fmt.Errorf("cache: decode L2 index: %w", err)
	}
	for _, r := range recs {
		l.records[r.Key] = r
	}
	return nil
}

// acquireLock takes the advisory lockfile, retrying until timeout.
func (l *L2) acquireLock(ctx context.Context) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return proxytypes.ErrStorageUnavailable
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (l *L2) releaseLock() {
	os.Remove(l.lockPath)
}

// persist writes the index atomically: sibling temp file, fsync, rename.
func (l *L2) persist() error {
	recs := make([]*l2Record, 0, len(l.records))
	for _, r := range l.records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })

	data, err := json.Marshal(recs)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(l.dir, "index-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, l.indexPath)
}

func (l *L2) Get(ctx context.Context, key string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[key]
	if !ok {
		return nil, nil
	}
	return l.decode(r)
}

func (l *L2) decode(r *l2Record) (*Entry, error) {
	var password string
	if r.EncryptedPassword != "" {
		if l.vault == nil {
			return nil, &proxytypes.CacheCorruptionError{Key: r.Key}
		}
		pw, err := l.vault.Decrypt(r.EncryptedPassword)
		if err != nil {
			return nil, &proxytypes.CacheCorruptionError{Key: r.Key}
		}
		password = pw
	}
	return &Entry{
		Key:            r.Key,
		ProxyURL:       r.ProxyURL,
		Username:       r.Username,
		Password:       password,
		Source:         r.Source,
		TTLSeconds:     r.TTLSeconds,
		ExpiresAt:      time.Unix(r.ExpiresAt, 0).UTC(),
		HealthStatus:   proxytypes.HealthStatus(r.HealthStatus),
		FailureCount:   r.FailureCount,
		AccessCount:    r.AccessCount,
		LastAccessedAt: time.Unix(r.LastAccessedAt, 0).UTC(),
		FetchTime:      time.Unix(r.FetchTime, 0).UTC(),
	}, nil
}

func (l *L2) encode(e *Entry) (*l2Record, error) {
	var encPassword string
	if e.Password != "" {
		if l.vault == nil {
			return nil, fmt.Errorf("cache: L2 requires a vault to store credentials")
		}
		enc, err := l.vault.Encrypt(e.Password)
		if err != nil {
			return nil, err
		}
		encPassword = enc
	}
	return &l2Record{
		Key:               e.Key,
		ProxyURL:          e.ProxyURL,
		Username:          e.Username,
		EncryptedPassword: encPassword,
		Source:            e.Source,
		TTLSeconds:        e.TTLSeconds,
		ExpiresAt:         e.ExpiresAt.Unix(),
		HealthStatus:      string(e.HealthStatus),
		FailureCount:      e.FailureCount,
		AccessCount:       e.AccessCount,
		LastAccessedAt:    e.LastAccessedAt.Unix(),
		FetchTime:         e.FetchTime.Unix(),
	}, nil
}

func (l *L2) Put(ctx context.Context, key string, e *Entry) (*Entry, error) {
	if err := l.acquireLock(ctx); err != nil {
		l.mu.Lock()
		l.recordFailure()
		l.mu.Unlock()
		return nil, err
	}
	defer l.releaseLock()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.encode(e)
	if err != nil {
		l.recordFailure()
		return nil, err
	}

	var evicted *Entry
	if _, exists := l.records[key]; !exists && l.maxEntries > 0 && len(l.records) >= l.maxEntries {
		victimKey := l.lruVictimLocked()
		if victimKey != "" {
			if victim, err := l.decode(l.records[victimKey]); err == nil {
				evicted = victim
			}
			delete(l.records, victimKey)
		}
	}

	l.records[key] = rec
	if err := l.persist(); err != nil {
		l.recordFailure()
		return nil, fmt.Errorf("cache: persist L2: %w", err)
	}
	l.recordSuccess()
	return evicted, nil
}

func (l *L2) lruVictimLocked() string {
	var victimKey string
	var oldest int64
	first := true
	for k, r := range l.records {
		if first || r.LastAccessedAt < oldest {
			victimKey = k
			oldest = r.LastAccessedAt
			first = false
		}
	}
	return victimKey
}

func (l *L2) Delete(ctx context.Context, key string) error {
	if err := l.acquireLock(ctx); err != nil {
		return err
	}
	defer l.releaseLock()

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key)
	return l.persist()
}

func (l *L2) Clear(ctx context.Context) error {
	if err := l.acquireLock(ctx); err != nil {
		return err
	}
	defer l.releaseLock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[string]*l2Record)
	return l.persist()
}

func (l *L2) Size(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records), nil
}

func (l *L2) Keys(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.records))
	for k := range l.records {
		out = append(out, k)
	}
	return out, nil
}

// ExpiredKeys returns keys whose entry is expired, for the manager's
// index-scan TTL sweep.
func (l *L2) ExpiredKeys(now time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	nowUnix := now.Unix()
	for k, r := range l.records {
		if r.ExpiresAt != 0 && nowUnix >= r.ExpiresAt {
			out = append(out, k)
		}
	}
	return out
}
