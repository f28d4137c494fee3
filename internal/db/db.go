// Package db provides the embedded SQLite persistence layer for calsync.
//
// It backs two things: the serialized cache entry of every collection, so a
// restarted client resumes with its unsynced edits, and the remembered login
// snapshot with its save time.
//
// Architecture:
//   - Database file: .calsync/cache.db
//   - WAL mode: the daemon and one-shot CLI commands may share the file
//   - Schema: cache_entries, remembered_login
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNoLogin is returned when no login has been remembered.
	ErrNoLogin = errors.New("no remembered login")

	// ErrLoginExpired is returned when the remembered login is older than
	// the freshness window.
	ErrLoginExpired = errors.New("remembered login expired")
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and initializes the
// schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(".calsync/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		collection TEXT PRIMARY KEY,
		payload TEXT NOT NULL,  -- JSON snapshot
		updated_at INTEGER NOT NULL  -- epoch ms
	);

	CREATE TABLE IF NOT EXISTS remembered_login (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		server_url TEXT NOT NULL,
		username TEXT NOT NULL,
		token TEXT NOT NULL,
		saved_at INTEGER NOT NULL  -- epoch ms
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SaveEntry stores the serialized cache entry of collection.
func (db *DB) SaveEntry(collection string, payload []byte) error {
	return db.SaveEntryContext(context.Background(), collection, payload)
}

// SaveEntryContext stores a cache entry with context support.
func (db *DB) SaveEntryContext(ctx context.Context, collection string, payload []byte) error {
	query := `
	INSERT INTO cache_entries (collection, payload, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(collection) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at
	`
	if _, err := db.conn.ExecContext(ctx, query, collection, string(payload), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to save entry %s: %w", collection, err)
	}
	return nil
}

// LoadEntry returns the serialized cache entry of collection and whether it
// exists.
func (db *DB) LoadEntry(collection string) ([]byte, bool, error) {
	return db.LoadEntryContext(context.Background(), collection)
}

// LoadEntryContext loads a cache entry with context support.
func (db *DB) LoadEntryContext(ctx context.Context, collection string) ([]byte, bool, error) {
	var payload string
	err := db.conn.QueryRowContext(ctx,
		`SELECT payload FROM cache_entries WHERE collection = ?`, collection).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load entry %s: %w", collection, err)
	}
	return []byte(payload), true, nil
}

// DeleteEntry removes the cache entry of collection. Returns nil if it
// doesn't exist (idempotent).
func (db *DB) DeleteEntry(collection string) error {
	return db.DeleteEntryContext(context.Background(), collection)
}

// DeleteEntryContext removes a cache entry with context support.
func (db *DB) DeleteEntryContext(ctx context.Context, collection string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM cache_entries WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", collection, err)
	}
	return nil
}

// EntryInfo describes a persisted cache entry.
type EntryInfo struct {
	Collection string    `json:"collection" yaml:"collection"`
	Size       int       `json:"size" yaml:"size"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
}

// ListEntries returns every persisted entry ordered by collection.
func (db *DB) ListEntries() ([]EntryInfo, error) {
	return db.ListEntriesContext(context.Background())
}

// ListEntriesContext lists entries with context support.
func (db *DB) ListEntriesContext(ctx context.Context) ([]EntryInfo, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT collection, length(payload), updated_at FROM cache_entries ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var out []EntryInfo
	for rows.Next() {
		var info EntryInfo
		var updated int64
		if err := rows.Scan(&info.Collection, &info.Size, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		info.UpdatedAt = time.UnixMilli(updated)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}
	return out, nil
}
