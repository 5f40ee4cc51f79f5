package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
	"github.com/drsoft-oss/proxyrotator/internal/vault"
)

// L3 is the relational tier: one table with a column per CacheEntry
// field, credentials as encrypted blobs, indexed on expires_at, source,
// health_status, and last_accessed (spec.md §4.B). Grounded directly on
// mercator-hq-jupiter's SQLiteBackend: WAL mode, a busy timeout DSN
// parameter, a single-writer connection pool, and prepared statements
// reused across calls.
type L3 struct {
	failureTracker

	mu    sync.RWMutex
	db    *sql.DB
	vault *vault.Vault

	getStmt    *sql.Stmt
	putStmt    *sql.Stmt
	deleteStmt *sql.Stmt
	clearStmt  *sql.Stmt
	keysStmt   *sql.Stmt
	sizeStmt   *sql.Stmt
	expiredStmt *sql.Stmt
	sweepStmt  *sql.Stmt
}

// NewL3 opens (creating if absent) the relational store at dbPath.
func NewL3(dbPath string, v *vault.Vault) (*L3, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: open L3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &L3{failureTracker: newFailureTracker(), db: db, vault: v}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := l.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *L3) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		proxy_url TEXT NOT NULL,
		username TEXT,
		encrypted_password TEXT,
		source TEXT,
		ttl_seconds INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		health_status TEXT NOT NULL,
		failure_count INTEGER NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed_at INTEGER NOT NULL,
		fetch_time INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache_entries(expires_at);
	CREATE INDEX IF NOT EXISTS idx_cache_source ON cache_entries(source);
	CREATE INDEX IF NOT EXISTS idx_cache_health_status ON cache_entries(health_status);
	CREATE INDEX IF NOT EXISTS idx_cache_last_accessed ON cache_entries(last_accessed_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *L3) prepareStatements() error {
	var err error
	l.getStmt, err = l.db.Prepare(`
		SELECT proxy_url, username, encrypted_password, source, ttl_seconds,
		       expires_at, health_status, failure_count, access_count,
		       last_accessed_at, fetch_time
		FROM cache_entries WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("cache: prepare L3 get: %w", err)
	}
	l.putStmt, err = l.db.Prepare(`
		INSERT INTO cache_entries (key, proxy_url, username, encrypted_password, source,
			ttl_seconds, expires_at, health_status, failure_count, access_count,
			last_accessed_at, fetch_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			proxy_url = excluded.proxy_url,
			username = excluded.username,
			encrypted_password = excluded.encrypted_password,
			source = excluded.source,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at,
			health_status = excluded.health_status,
			failure_count = excluded.failure_count,
			access_count = excluded.access_count,
			last_accessed_at = excluded.last_accessed_at,
			fetch_time = excluded.fetch_time`)
	if err != nil {
		return fmt.Errorf("cache: prepare L3 put: %w", err)
	}
	l.deleteStmt, err = l.db.Prepare(`DELETE FROM cache_entries WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("cache: prepare L3 delete: %w", err)
	}
	l.clearStmt, err = l.db.Prepare(`DELETE FROM cache_entries`)
	if err != nil {
		return fmt.Errorf("cache: prepare L3 clear: %w", err)
	}
	l.keysStmt, err = l.db.Prepare(`SELECT key FROM cache_entries`)
	if err != nil {
		return fmt.Errorf("cache: prepare L3 keys: %w", err)
	}
	l.sizeStmt, err = l.db.Prepare(`SELECT COUNT(*) FROM cache_entries`)
	if err != nil {
		return fmt.Errorf("cache: prepare L3 size: %w", err)
	}
	l.expiredStmt, err = l.db.Prepare(`SELECT key FROM cache_entries WHERE expires_at != 0 AND expires_at <= ?`)
	if err != nil {
		return fmt.Errorf("cache: prepare L3 expired: %w", err)
	}
	l.sweepStmt, err = l.db.Prepare(`DELETE FROM cache_entries WHERE expires_at != 0 AND expires_at <= ?`)
	if err != nil {
		return fmt.Errorf("cache: prepare L3 sweep: %w", err)
	}
	return nil
}

func (l *L3) Name() string { return "L3" }

func (l *L3) Enabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled
}

func (l *L3) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		proxyURL, username, encPassword, source, healthStatus string
		ttlSeconds, expiresAt, accessCount                     int64
		failureCount                                           int
		lastAccessedAt, fetchTime                              int64
	)
	err := l.getStmt.QueryRowContext(ctx, key).Scan(
		&proxyURL, &username, &encPassword, &source, &ttlSeconds, &expiresAt,
		&healthStatus, &failureCount, &accessCount, &lastAccessedAt, &fetchTime,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		l.markFailure()
		return nil, fmt.Errorf("%w: %v", proxytypes.ErrStorageUnavailable, err)
	}
	l.markSuccess()

	var password string
	if encPassword != "" {
		if l.vault == nil {
			return nil, &proxytypes.CacheCorruptionError{Key: key}
		}
		pw, derr := l.vault.Decrypt(encPassword)
		if derr != nil {
			return nil, &proxytypes.CacheCorruptionError{Key: key}
		}
		password = pw
	}

	return &Entry{
		Key:            key,
		ProxyURL:       proxyURL,
		Username:       username,
		Password:       password,
		Source:         source,
		TTLSeconds:     ttlSeconds,
		ExpiresAt:      time.Unix(expiresAt, 0).UTC(),
		HealthStatus:   proxytypes.HealthStatus(healthStatus),
		FailureCount:   failureCount,
		AccessCount:    accessCount,
		LastAccessedAt: time.Unix(lastAccessedAt, 0).UTC(),
		FetchTime:      time.Unix(fetchTime, 0).UTC(),
	}, nil
}

// Put inserts or updates a row. L3's default capacity is unbounded
// (spec.md §4.B) so Put never reports an eviction victim.
func (l *L3) Put(ctx context.Context, key string, e *Entry) (*Entry, error) {
	var encPassword string
	if e.Password != "" {
		if l.vault == nil {
			return nil, fmt.Errorf("cache: L3 requires a vault to store credentials")
		}
		enc, err := l.vault.Encrypt(e.Password)
		if err != nil {
			return nil, err
		}
		encPassword = enc
	}

	_, err := l.putStmt.ExecContext(ctx, key, e.ProxyURL, e.Username, encPassword, e.Source,
		e.TTLSeconds, e.ExpiresAt.Unix(), string(e.HealthStatus), e.FailureCount,
		e.AccessCount, e.LastAccessedAt.Unix(), e.FetchTime.Unix())
	if err != nil {
		l.markFailure()
		return nil, fmt.Errorf("%w: %v", proxytypes.ErrStorageUnavailable, err)
	}
	l.markSuccess()
	return nil, nil
}

func (l *L3) Delete(ctx context.Context, key string) error {
	_, err := l.deleteStmt.ExecContext(ctx, key)
	return err
}

func (l *L3) Clear(ctx context.Context) error {
	_, err := l.clearStmt.ExecContext(ctx)
	return err
}

func (l *L3) Size(ctx context.Context) (int, error) {
	var n int
	err := l.sizeStmt.QueryRowContext(ctx).Scan(&n)
	return n, err
}

func (l *L3) Keys(ctx context.Context) ([]string, error) {
	rows, err := l.keysStmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ExpiredKeys returns keys expired as of now via the expires_at index.
func (l *L3) ExpiredKeys(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := l.expiredStmt.QueryContext(ctx, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Sweep deletes every row expired as of now in one transaction-backed
// statement, as spec.md §4.C's bulk cleanup requires.
func (l *L3) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := l.sweepStmt.ExecContext(ctx, now.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (l *L3) markFailure() {
	l.mu.Lock()
	l.recordFailure()
	l.mu.Unlock()
}

func (l *L3) markSuccess() {
	l.mu.Lock()
	l.recordSuccess()
	l.mu.Unlock()
}

// Close releases the underlying database handle.
func (l *L3) Close() error {
	return l.db.Close()
}
