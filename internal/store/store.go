package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	dferrors "github.com/docfold/docfold/internal/errors"
)

// Options configures the SQLite store.
type Options struct {
	// Path to the database file. Empty means in-memory (tests).
	Path        string
	JournalMode string // default WAL
	Synchronous string // default NORMAL
	ForeignKeys bool   // default on via NewOptions
	CacheMB     int    // default 64
}

// NewOptions returns store options with pragmatic durability defaults.
func NewOptions(path string) Options {
	return Options{
		Path:        path,
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		ForeignKeys: true,
		CacheMB:     64,
	}
}

// Store is the transactional relational + FTS store.
type Store struct {
	db   *sql.DB
	path string
	lock *flock.Flock
}

// Open opens (or creates) the store, validating integrity first and
// acquiring an exclusive file lock so only one process writes.
func Open(opts Options) (*Store, error) {
	var dsn string
	var lock *flock.Flock

	if opts.Path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(opts.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}

		if err := validateIntegrity(opts.Path); err != nil {
			return nil, dferrors.New(dferrors.ErrCodeStoreCorrupt,
				fmt.Sprintf("store at %s failed integrity check", opts.Path), err)
		}

		lock = flock.New(opts.Path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire store lock: %w", err)
		}
		if !locked {
			return nil, dferrors.New(dferrors.ErrCodeStoreLocked,
				fmt.Sprintf("store at %s is locked by another process", opts.Path), nil)
		}
		dsn = opts.Path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; SQLite serializes writes anyway and one
	// connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if opts.JournalMode == "" {
		opts.JournalMode = "WAL"
	}
	if opts.Synchronous == "" {
		opts.Synchronous = "NORMAL"
	}
	if opts.CacheMB <= 0 {
		opts.CacheMB = 64
	}
	fk := "ON"
	if !opts.ForeignKeys {
		fk = "OFF"
	}
	pragmas := []string{
		"PRAGMA journal_mode = " + opts.JournalMode,
		"PRAGMA synchronous = " + opts.Synchronous,
		"PRAGMA foreign_keys = " + fk,
		fmt.Sprintf("PRAGMA cache_size = -%d", opts.CacheMB*1024),
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			if lock != nil {
				_ = lock.Unlock()
			}
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db, path: opts.Path, lock: lock}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// validateIntegrity checks an existing database before opening it for
// writes. A missing file is fine; it will be created.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// initSchema creates tables, the FTS5 index, its sync triggers, and indexes.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS collections (
		collection_id TEXT PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		description   TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS docs (
		doc_id        TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL REFERENCES collections(collection_id),
		key           TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		mime          TEXT NOT NULL DEFAULT '',
		size_bytes    INTEGER NOT NULL DEFAULT 0,
		content       TEXT NOT NULL DEFAULT '',
		content_hash  TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'new',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		is_deleted    INTEGER NOT NULL DEFAULT 0,
		UNIQUE(collection_id, key)
	);

	CREATE TABLE IF NOT EXISTS chunks (
		point_id      TEXT PRIMARY KEY,
		doc_id        TEXT NOT NULL REFERENCES docs(doc_id),
		collection_id TEXT NOT NULL REFERENCES collections(collection_id),
		chunk_index   INTEGER NOT NULL,
		title         TEXT NOT NULL DEFAULT '',
		content       TEXT NOT NULL,
		UNIQUE(doc_id, chunk_index)
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		content,
		title,
		content='chunks',
		content_rowid='rowid',
		tokenize='unicode61'
	);

	CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
		INSERT INTO chunks_fts(rowid, content, title)
		VALUES (new.rowid, new.content, new.title);
	END;
	CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
		INSERT INTO chunks_fts(chunks_fts, rowid, content, title)
		VALUES ('delete', old.rowid, old.content, old.title);
	END;
	CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
		INSERT INTO chunks_fts(chunks_fts, rowid, content, title)
		VALUES ('delete', old.rowid, old.content, old.title);
		INSERT INTO chunks_fts(rowid, content, title)
		VALUES (new.rowid, new.content, new.title);
	END;

	CREATE TABLE IF NOT EXISTS chunk_meta (
		point_id      TEXT PRIMARY KEY REFERENCES chunks(point_id),
		doc_id        TEXT NOT NULL,
		collection_id TEXT NOT NULL,
		chunk_index   INTEGER NOT NULL,
		title_chain   TEXT NOT NULL DEFAULT '',
		content_hash  TEXT NOT NULL,
		created_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_jobs (
		id                  TEXT PRIMARY KEY,
		doc_id              TEXT NOT NULL UNIQUE,
		status              TEXT NOT NULL,
		retries             INTEGER NOT NULL DEFAULT 0,
		last_attempt_at     INTEGER,
		error               TEXT NOT NULL DEFAULT '',
		error_category      TEXT NOT NULL DEFAULT '',
		last_retry_strategy TEXT NOT NULL DEFAULT '',
		started_at          INTEGER,
		completed_at        INTEGER,
		duration_ms         INTEGER NOT NULL DEFAULT 0,
		progress            INTEGER NOT NULL DEFAULT 0,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON sync_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_doc ON sync_jobs(doc_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_updated ON sync_jobs(updated_at);
	CREATE INDEX IF NOT EXISTS idx_docs_collection ON docs(collection_id);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RunInTx executes fn inside a transaction, committing on nil error
// and rolling back otherwise. SQLite transactions are serializable.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDBError(err)
	}
	return nil
}

// Stats returns row counts per entity and jobs per state.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{JobsByState: make(map[JobStatus]int)}

	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM collections", &st.Collections},
		{"SELECT COUNT(*) FROM docs WHERE is_deleted = 0", &st.Documents},
		{"SELECT COUNT(*) FROM chunks", &st.Chunks},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, wrapDBError(err)
		}
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM sync_jobs GROUP BY status")
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapDBError(err)
		}
		st.JobsByState[JobStatus(status)] = n
	}
	return st, rows.Err()
}

// Close checkpoints the WAL, closes the database, and releases the lock.
func (s *Store) Close() error {
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		if err := s.db.Close(); err != nil {
			slog.Warn("store_close_failed", slog.String("error", err.Error()))
		}
		s.db = nil
	}
	if s.lock != nil {
		return s.lock.Unlock()
	}
	return nil
}

// wrapDBError maps driver errors onto the structured error taxonomy so
// the classifier can make retry decisions without string matching.
func wrapDBError(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if dferrors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
			return dferrors.Wrap(dferrors.ErrCodeStoreBusy, err)
		case sqlitelib.SQLITE_CONSTRAINT:
			return dferrors.Wrap(dferrors.ErrCodeStoreConstraint, err)
		case sqlitelib.SQLITE_CORRUPT:
			return dferrors.Wrap(dferrors.ErrCodeStoreCorrupt, err)
		}
	}
	return err
}

// nowMillis is the store's clock; tests may override.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

func toTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
