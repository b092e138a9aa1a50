// Package store is the SQLite fetch ledger. It remembers which remote
// classpath archives were extracted where, so unchanged archives are not
// downloaded again across processes.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite data access layer for the ledger tables.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens dbPath and migrates it.
func Open(dbPath string) (*Store, error) {
	s, err := NewStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates the ledger tables. Idempotent.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return s.SetMetadata("schema_version", schemaVersion)
}

const schemaVersion = "1"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS metadata (
  key             TEXT PRIMARY KEY,
  value           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fetches (
  location        TEXT PRIMARY KEY,
  directory       TEXT NOT NULL,
  etag            TEXT NOT NULL,
  content_hash    TEXT,
  size            INTEGER,
  fetched_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fetches_directory ON fetches(directory);
`

// GetMetadata returns the value stored under key, or "" when absent.
func (s *Store) GetMetadata(key string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %s: %w", key, err)
	}
	return v, nil
}

// SetMetadata stores value under key.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

// Fetch records one extracted archive.
type Fetch struct {
	Location    string
	Directory   string
	ETag        string
	ContentHash string
	Size        int64
	FetchedAt   time.Time
}

// RecordFetch inserts or replaces the ledger row for f.Location.
func (s *Store) RecordFetch(f *Fetch) error {
	_, err := s.db.Exec(`
INSERT INTO fetches (location, directory, etag, content_hash, size, fetched_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(location) DO UPDATE SET
  directory = excluded.directory,
  etag = excluded.etag,
  content_hash = excluded.content_hash,
  size = excluded.size,
  fetched_at = excluded.fetched_at`,
		f.Location, f.Directory, f.ETag, f.ContentHash, f.Size, f.FetchedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record fetch %s: %w", f.Location, err)
	}
	return nil
}

// LookupFetch returns the ledger row for location, or nil when there is none.
func (s *Store) LookupFetch(location string) (*Fetch, error) {
	f := &Fetch{Location: location}
	var contentHash sql.NullString
	var size sql.NullInt64
	err := s.db.QueryRow(
		"SELECT directory, etag, content_hash, size, fetched_at FROM fetches WHERE location = ?", location,
	).Scan(&f.Directory, &f.ETag, &contentHash, &size, &f.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup fetch %s: %w", location, err)
	}
	f.ContentHash = contentHash.String
	f.Size = size.Int64
	return f, nil
}

// DeleteFetch forgets location. Deleting an unknown location is not an error.
func (s *Store) DeleteFetch(location string) error {
	if _, err := s.db.Exec("DELETE FROM fetches WHERE location = ?", location); err != nil {
		return fmt.Errorf("delete fetch %s: %w", location, err)
	}
	return nil
}

// Fetches lists every ledger row ordered by location.
func (s *Store) Fetches() ([]*Fetch, error) {
	rows, err := s.db.Query(
		"SELECT location, directory, etag, content_hash, size, fetched_at FROM fetches ORDER BY location",
	)
	if err != nil {
		return nil, fmt.Errorf("list fetches: %w", err)
	}
	defer rows.Close()

	var out []*Fetch
	for rows.Next() {
		f := &Fetch{}
		var contentHash sql.NullString
		var size sql.NullInt64
		if err := rows.Scan(&f.Location, &f.Directory, &f.ETag, &contentHash, &size, &f.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan fetch: %w", err)
		}
		f.ContentHash = contentHash.String
		f.Size = size.Int64
		out = append(out, f)
	}
	return out, rows.Err()
}
