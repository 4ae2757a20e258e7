package persistence

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"videoarchiver/internal/metrics"
	"videoarchiver/internal/queue"
)

//go:embed schema.sql
var schemaSQL string

const (
	sqliteBusyCode          = 5
	sqliteNotADBCode        = 26
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	metaSavedAt = "saved_at"
	metaTotals  = "totals"
)

// SQLiteBackend stores the document as rows, replaced inside one transaction.
type SQLiteBackend struct {
	path string
	now  func() time.Time

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteBackend returns a backend using the database at path. The file is
// opened lazily on first use.
func NewSQLiteBackend(path string) *SQLiteBackend {
	return &SQLiteBackend{path: path, now: time.Now}
}

// Path returns the database location.
func (b *SQLiteBackend) Path() string { return b.path }

func sqliteCode(err error) int {
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		return coder.Code() & 0xff
	}
	return 0
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	if sqliteCode(err) == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isNotADatabase(err error) bool {
	if err == nil {
		return false
	}
	if sqliteCode(err) == sqliteNotADBCode {
		return true
	}
	return strings.Contains(err.Error(), "file is not a database")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// errNewerSchema is returned by openLocked when the database was written by a
// newer build.
var errNewerSchema = errors.New("schema version newer than supported")

func (b *SQLiteBackend) openLocked(ctx context.Context) (*sql.DB, error) {
	if b.db != nil {
		return b.db, nil
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", b.path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	b.db = db
	return db, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	var tableExists int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists); err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	version := 0
	if tableExists > 0 {
		if err := db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read schema version: %w", err)
		}
	}
	if version > SchemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", errNewerSchema, version, SchemaVersion)
	}
	if version == SchemaVersion {
		return nil
	}

	return retryOnBusy(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version"); err != nil {
			return fmt.Errorf("reset schema version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", SchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	})
}

// Save replaces every row inside one transaction.
func (b *SQLiteBackend) Save(ctx context.Context, doc Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	db, err := b.openLocked(ctx)
	if err != nil {
		return &PersistenceError{Op: "open", Path: b.path, Err: err}
	}
	totals, err := json.Marshal(doc.Totals)
	if err != nil {
		return &PersistenceError{Op: "encode", Path: b.path, Err: err}
	}

	err = retryOnBusy(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, stmt := range []string{"DELETE FROM queue_items", "DELETE FROM guild_rollups", "DELETE FROM state_meta"} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("clear tables: %w", err)
			}
		}

		itemStmt, err := tx.PrepareContext(ctx,
			"INSERT INTO queue_items (id, sequence, guild_id, url, status, updated_at, payload) VALUES (?, ?, ?, ?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("prepare item insert: %w", err)
		}
		defer itemStmt.Close()
		for _, item := range doc.Items {
			payload, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("encode item %s: %w", item.ID, err)
			}
			if _, err := itemStmt.ExecContext(ctx, item.ID, int64(item.Sequence), item.GuildID, item.URL,
				string(item.Status), item.UpdatedAt.UTC().Format(time.RFC3339Nano), string(payload)); err != nil {
				return fmt.Errorf("insert item %s: %w", item.ID, err)
			}
		}

		for guildID, rollup := range doc.Rollups {
			payload, err := json.Marshal(rollup)
			if err != nil {
				return fmt.Errorf("encode rollup %s: %w", guildID, err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO guild_rollups (guild_id, payload) VALUES (?, ?)", guildID, string(payload)); err != nil {
				return fmt.Errorf("insert rollup %s: %w", guildID, err)
			}
		}

		meta := map[string]string{
			metaSavedAt: doc.SavedAt.UTC().Format(time.RFC3339Nano),
			metaTotals:  string(totals),
		}
		for key, value := range meta {
			if _, err := tx.ExecContext(ctx, "INSERT INTO state_meta (key, value) VALUES (?, ?)", key, value); err != nil {
				return fmt.Errorf("insert meta %s: %w", key, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return &PersistenceError{Op: "save", Path: b.path, Err: err}
	}
	return nil
}

// Load reads every row back into a document. A missing database yields Empty
// with no error.
func (b *SQLiteBackend) Load(ctx context.Context) (Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		if _, err := os.Stat(b.path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Empty(), nil
			}
			return Empty(), &PersistenceError{Op: "load", Path: b.path, Err: err}
		}
	}

	db, err := b.openLocked(ctx)
	if err != nil {
		switch {
		case errors.Is(err, errNewerSchema):
			return Empty(), b.quarantineLocked(err.Error(), nil)
		case isNotADatabase(err):
			return Empty(), b.quarantineLocked("not a sqlite database", err)
		default:
			return Empty(), &PersistenceError{Op: "open", Path: b.path, Err: err}
		}
	}

	doc, err := readDocument(ctx, db)
	if err != nil {
		var inconsistent *RecoveryInconsistencyError
		if errors.As(err, &inconsistent) {
			return Empty(), b.quarantineLocked(inconsistent.Reason, inconsistent.Err)
		}
		return Empty(), &PersistenceError{Op: "load", Path: b.path, Err: err}
	}
	migrate(&doc)
	return doc, nil
}

func readDocument(ctx context.Context, db *sql.DB) (Document, error) {
	doc := Empty()

	rows, err := db.QueryContext(ctx, "SELECT id, payload FROM queue_items ORDER BY sequence, id")
	if err != nil {
		return doc, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return doc, fmt.Errorf("scan item: %w", err)
		}
		var item queue.Item
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return doc, &RecoveryInconsistencyError{Reason: "undecodable item " + id, Err: err}
		}
		doc.Items = append(doc.Items, item)
	}
	if err := rows.Err(); err != nil {
		return doc, fmt.Errorf("iterate items: %w", err)
	}

	rollupRows, err := db.QueryContext(ctx, "SELECT guild_id, payload FROM guild_rollups")
	if err != nil {
		return doc, fmt.Errorf("query rollups: %w", err)
	}
	defer rollupRows.Close()
	for rollupRows.Next() {
		var guildID, payload string
		if err := rollupRows.Scan(&guildID, &payload); err != nil {
			return doc, fmt.Errorf("scan rollup: %w", err)
		}
		var rollup metrics.Rollup
		if err := json.Unmarshal([]byte(payload), &rollup); err != nil {
			return doc, &RecoveryInconsistencyError{Reason: "undecodable rollup " + guildID, Err: err}
		}
		doc.Rollups[guildID] = rollup
	}
	if err := rollupRows.Err(); err != nil {
		return doc, fmt.Errorf("iterate rollups: %w", err)
	}

	metaRows, err := db.QueryContext(ctx, "SELECT key, value FROM state_meta")
	if err != nil {
		return doc, fmt.Errorf("query meta: %w", err)
	}
	defer metaRows.Close()
	for metaRows.Next() {
		var key, value string
		if err := metaRows.Scan(&key, &value); err != nil {
			return doc, fmt.Errorf("scan meta: %w", err)
		}
		switch key {
		case metaSavedAt:
			if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
				doc.SavedAt = ts
			}
		case metaTotals:
			if err := json.Unmarshal([]byte(value), &doc.Totals); err != nil {
				return doc, &RecoveryInconsistencyError{Reason: "undecodable totals", Err: err}
			}
		}
	}
	if err := metaRows.Err(); err != nil {
		return doc, fmt.Errorf("iterate meta: %w", err)
	}
	sort.SliceStable(doc.Items, func(i, j int) bool { return doc.Items[i].Sequence < doc.Items[j].Sequence })
	return doc, nil
}

// quarantineLocked closes the database and moves it (with any WAL files) to a
// timestamped backup so the next save starts from a fresh database.
func (b *SQLiteBackend) quarantineLocked(reason string, cause error) error {
	if b.db != nil {
		_ = b.db.Close()
		b.db = nil
	}
	backup := fmt.Sprintf("%s.bak.%d", b.path, b.now().Unix())
	inconsistency := &RecoveryInconsistencyError{Path: b.path, Reason: reason, Err: cause}
	if err := os.Rename(b.path, backup); err == nil {
		inconsistency.Backup = backup
		for _, suffix := range []string{"-wal", "-shm"} {
			if _, err := os.Stat(b.path + suffix); err == nil {
				_ = os.Rename(b.path+suffix, backup+suffix)
			}
		}
	}
	return inconsistency
}

// Close releases the database handle.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
