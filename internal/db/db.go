// Package db is the sqlite persistence substrate: the fixed core schema
// (datasets, files, tags, comments), the dynamic per-collection listing
// schema, the filter query compiler, and the batched listing writer.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle. All mutating call paths go through WithTx
// so partial writes are never left visible.
type DB struct {
	sql *sql.DB
	log zerolog.Logger
}

const coreSchema = `
CREATE TABLE IF NOT EXISTS collection (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS dataset (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	collection   TEXT NOT NULL,
	setid        TEXT UNIQUE NOT NULL,
	name         TEXT NOT NULL,
	discarded    INTEGER NOT NULL DEFAULT 0,
	missing      INTEGER NOT NULL DEFAULT 0,
	outdated     INTEGER NOT NULL DEFAULT 0,
	status       INTEGER NOT NULL DEFAULT 0,
	time_added   INTEGER NOT NULL,
	time_updated INTEGER NOT NULL,
	timestamp    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dataset_collection ON dataset(collection);
CREATE TABLE IF NOT EXISTS file (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	dataset_id INTEGER NOT NULL REFERENCES dataset(id),
	idx        INTEGER NOT NULL,
	path       TEXT UNIQUE NOT NULL,
	size       INTEGER NOT NULL,
	mtime      INTEGER NOT NULL,
	missing    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_file_dataset ON file(dataset_id);
CREATE TABLE IF NOT EXISTS tag (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	value      TEXT NOT NULL,
	UNIQUE (collection, value)
);
CREATE TABLE IF NOT EXISTS dataset_tag (
	dataset_id INTEGER NOT NULL,
	tag_id     INTEGER NOT NULL,
	PRIMARY KEY (dataset_id, tag_id)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS comment (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	dataset_id INTEGER NOT NULL,
	author     TEXT NOT NULL,
	time_added INTEGER NOT NULL,
	text       TEXT NOT NULL
);
`

// Open opens (creating if necessary) the catalog database and ensures the
// core schema exists. Listing tables are created per collection via
// CreateListingTables.
func Open(path string, log zerolog.Logger) (*DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Single writer; sqlite serializes anyway and this avoids SQLITE_BUSY
	// on concurrent collection scans.
	handle.SetMaxOpenConns(1)

	if _, err := handle.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := handle.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := handle.Exec(coreSchema); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("create core schema: %w", err)
	}
	return &DB{sql: handle, log: log}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

// WithTx runs fn inside one transaction with commit-or-rollback-all
// semantics.
func (d *DB) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// EnsureCollection interns a collection row.
func (d *DB) EnsureCollection(tx *sql.Tx, name string) error {
	_, err := tx.Exec("INSERT OR IGNORE INTO collection (name) VALUES (?)", name)
	return err
}

// ListingTableNames returns the names of all existing listing tables.
// Used by init to drop tables of removed or reshaped collections.
func (d *DB) ListingTableNames() ([]string, error) {
	rows, err := d.sql.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'listing$_%' ESCAPE '$'`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DropTables drops the named tables.
func (d *DB) DropTables(tx *sql.Tx, names []string) error {
	for _, name := range names {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + quoteIdent(name)); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	return nil
}

// quoteIdent quotes a SQL identifier. Table and column names here derive
// from validated config names, quoting keeps them inert regardless.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// placeholders returns "?,?,..." of length n.
func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// escapeLike escapes LIKE wildcards with '$' so user values match
// literally; operators reinsert their own wildcards afterwards.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "$", "$$")
	s = strings.ReplaceAll(s, "%", "$%")
	return strings.ReplaceAll(s, "_", "$_")
}
