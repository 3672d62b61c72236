// Package store provides the authoritative bookmark record store.
//
// Records live in an embedded SQLite database (ncruces/go-sqlite3, WAL mode)
// and every operation is scoped to an owner: a caller can only list, read,
// or delete its own bookmarks. Identifiers are ULIDs minted by the store so
// that they sort by creation time and never collide with client-side
// placeholders.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/oklog/ulid/v2"

	"github.com/smartmark/smartmark/internal/bookmark"
)

// ErrNotFound is returned when a bookmark does not exist or is not owned by
// the caller. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("bookmark not found")

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite connection holding the bookmarks table.
type DB struct {
	conn *sql.DB
	path string

	// now is replaceable in tests.
	now func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// Open creates a new database connection at the specified path.
//
// The database is opened in WAL mode so readers never block the writer.
// Use ":memory:" for a throwaway database. The caller MUST call Close().
//
// Example:
//
//	db, err := store.Open("data/bookmarks.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	connStr := ":memory:"
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &DB{
		conn:    conn,
		path:    path,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
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

// InitSchema creates the bookmarks table if it doesn't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS bookmarks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		url TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookmarks_user_created
	    ON bookmarks(user_id, created_at DESC);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// newID mints a monotonic ULID for the given instant.
func (db *DB) newID(at time.Time) string {
	db.entropyMu.Lock()
	defer db.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), db.entropy).String()
}

// Insert creates a bookmark owned by userID and returns the stored record
// with its server-assigned ID and CreatedAt.
func (db *DB) Insert(ctx context.Context, userID, title, url string) (bookmark.Record, error) {
	if userID == "" {
		return bookmark.Record{}, fmt.Errorf("user id is required")
	}
	if err := bookmark.ValidateFields(title, url); err != nil {
		return bookmark.Record{}, err
	}

	now := db.now().UTC()
	rec := bookmark.Record{
		ID:        db.newID(now),
		Title:     title,
		URL:       url,
		UserID:    userID,
		CreatedAt: now,
	}

	query := `INSERT INTO bookmarks (id, user_id, title, url, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := db.conn.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.Title,
		rec.URL,
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return bookmark.Record{}, fmt.Errorf("failed to insert bookmark: %w", err)
	}

	return rec, nil
}

// Delete removes the bookmark with the given id owned by userID.
//
// Returns ErrNotFound when nothing matched, so deleting another user's
// bookmark fails instead of silently succeeding.
func (db *DB) Delete(ctx context.Context, userID, id string) (bookmark.Record, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return bookmark.Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, user_id, title, url, created_at FROM bookmarks WHERE id = ? AND user_id = ?`,
		id, userID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return bookmark.Record{}, ErrNotFound
	}
	if err != nil {
		return bookmark.Record{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bookmarks WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return bookmark.Record{}, fmt.Errorf("failed to delete bookmark %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return bookmark.Record{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}

// Get retrieves a single bookmark owned by userID.
func (db *DB) Get(ctx context.Context, userID, id string) (bookmark.Record, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, title, url, created_at FROM bookmarks WHERE id = ? AND user_id = ?`,
		id, userID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return bookmark.Record{}, ErrNotFound
	}
	return rec, err
}

// List returns every bookmark owned by userID, newest first.
func (db *DB) List(ctx context.Context, userID string) ([]bookmark.Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, user_id, title, url, created_at
		FROM bookmarks
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookmarks: %w", err)
	}
	defer rows.Close()

	records := []bookmark.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bookmarks: %w", err)
	}
	return records, nil
}

// Count returns the number of bookmarks owned by userID.
func (db *DB) Count(ctx context.Context, userID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM bookmarks WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count bookmarks: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (bookmark.Record, error) {
	var rec bookmark.Record
	var createdAt string

	if err := s.Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.URL, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan bookmark: %w", err)
	}

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return rec, fmt.Errorf("failed to parse created_at: %w", err)
	}
	rec.CreatedAt = t
	return rec, nil
}
