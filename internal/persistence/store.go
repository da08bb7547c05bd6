// Package persistence is the sqlite-backed store for findings, alerts,
// scans, briefs, investigations and the durable cache tier.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-inquest/internal/bus"
	"github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "iq-v1-2026-09-02-findings-scans"

	// v2 adds scans.summary and the investigations table.
	schemaVersionV2  = 2
	schemaChecksumV2 = "iq-v2-2026-09-20-investigations"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	defaultPoolSize = 4
	busyRetries     = 5
)

var (
	// ErrNotFound is returned when a lookup by id or key matches no row.
	ErrNotFound = errors.New("persistence: not found")
	// ErrIllegalTransition is returned when a status change would move a
	// scan or alert backwards.
	ErrIllegalTransition = errors.New("persistence: illegal status transition")
)

// querier is satisfied by *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every read and write the engine performs. It is embedded
// by both Store (pooled) and Session (one dedicated connection).
type Queries struct {
	q   querier
	bus *bus.Bus // may be nil in tests
}

type Store struct {
	Queries
	db *sql.DB
}

// Options tune Open.
type Options struct {
	// PoolSize bounds open connections. It must be at least the scan
	// concurrency so every in-flight execution can hold a session.
	PoolSize int
	Bus      *bus.Bus
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".inquest", "inquest.db")
}

func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	pool := opts.PoolSize
	if pool <= 0 {
		pool = defaultPoolSize
	}

	// _txlock=immediate takes the write lock at BEGIN so concurrent
	// transactions wait on busy_timeout instead of failing on upgrade.
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=FULL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(pool)
	db.SetMaxIdleConns(pool)

	store := &Store{Queries: Queries{q: db, bus: opts.Bus}, db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Session is a short-lived handle bound to one pooled connection. Acquire
// it right before a unit of work and Close it right after; it must not be
// shared between goroutines or held across a reasoning call.
type Session struct {
	Queries
	conn *sql.Conn
}

// Session acquires a dedicated connection from the pool.
func (s *Store) Session(ctx context.Context) (*Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	return &Session{Queries: Queries{q: conn, bus: s.bus}, conn: conn}, nil
}

// Close returns the connection to the pool. Safe to call twice.
func (s *Session) Close() error {
	err := s.conn.Close()
	if errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}
	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS findings (
			id            TEXT PRIMARY KEY,
			dedup_key     TEXT NOT NULL UNIQUE,
			agent_id      TEXT NOT NULL,
			finding_type  TEXT NOT NULL,
			severity      TEXT NOT NULL,
			entity_key    TEXT,
			summary       TEXT NOT NULL DEFAULT '',
			detail        TEXT NOT NULL DEFAULT '',
			data_signals  TEXT NOT NULL DEFAULT '{}',
			trace         TEXT NOT NULL DEFAULT '[]',
			confidence    REAL NOT NULL DEFAULT 0,
			scan_id       TEXT,
			run_id        TEXT,
			directive_id  TEXT,
			occurrence    INTEGER NOT NULL DEFAULT 0,
			day           TEXT NOT NULL,
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id          TEXT PRIMARY KEY,
			finding_id  TEXT NOT NULL UNIQUE REFERENCES findings(id),
			scan_id     TEXT,
			severity    TEXT NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open','acknowledged','resolved')),
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS scans (
			id              TEXT PRIMARY KEY,
			trigger         TEXT NOT NULL DEFAULT 'manual',
			status          TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','running','completed','failed')),
			directives      TEXT NOT NULL DEFAULT '[]',
			agent_results   TEXT NOT NULL DEFAULT '[]',
			findings_count  INTEGER NOT NULL DEFAULT 0,
			alerts_count    INTEGER NOT NULL DEFAULT 0,
			briefs_count    INTEGER NOT NULL DEFAULT 0,
			error_detail    TEXT NOT NULL DEFAULT '',
			created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at      DATETIME,
			completed_at    DATETIME,
			updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS briefs (
			id          TEXT PRIMARY KEY,
			scan_id     TEXT NOT NULL,
			entity_key  TEXT NOT NULL,
			content     TEXT NOT NULL,
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(scan_id, entity_key)
		);`,
		`CREATE TABLE IF NOT EXISTS investigations (
			id                 TEXT PRIMARY KEY,
			session_id         TEXT NOT NULL DEFAULT '',
			query              TEXT NOT NULL,
			agents             TEXT NOT NULL DEFAULT '[]',
			status             TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running','completed','failed')),
			executive_summary  TEXT NOT NULL DEFAULT '',
			error_detail       TEXT NOT NULL DEFAULT '',
			created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at       DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			namespace   TEXT NOT NULL,
			key         TEXT NOT NULL,
			value       BLOB NOT NULL,
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, key)
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// v2 columns on databases created at v1.
	_, _ = tx.ExecContext(ctx, "ALTER TABLE scans ADD COLUMN summary TEXT NOT NULL DEFAULT ''")

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_findings_scan ON findings(scan_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_findings_agent ON findings(agent_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_scans_status ON scans(status, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_investigations_session ON investigations(session_id, created_at DESC);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// KVSet upserts a value in the kv_store.
func (q *Queries) KVSet(ctx context.Context, key, val string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, key, val)
		return err
	})
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (q *Queries) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := q.q.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

// Backup creates an online-consistent copy of the database with VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}