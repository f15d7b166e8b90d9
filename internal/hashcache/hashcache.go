// Package hashcache persists digests keyed by cheap file metadata so
// unchanged files can skip rehashing between scans of the same tree.
package hashcache

import (
	"context"
	_ "crypto/sha256" // registers digest.SHA256
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite" // sqlite driver for database/sql
)

// Cache is an open digest database shared by every tree scanned in one run
type Cache struct {
	db *sql.DB
}

// Tree is the view of a Cache scoped to one root directory
type Tree struct {
	db   *sql.DB
	root string
}

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// migrations are applied in order; never edit an existing entry
var migrations = []func(*sql.Tx) error{
	migrateV0,
}

func migrateV0(tx *sql.Tx) error {
	_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS digests (
        root TEXT NOT NULL,
        path TEXT NOT NULL,
        size INTEGER NOT NULL,
        mod_time INTEGER NOT NULL,
        digest TEXT NOT NULL,
        PRIMARY KEY (root, path)
    );`)
	return err
}

// Open opens (creating if needed) the cache database at dbPath. Entries are
// scoped by root through Tree so one database can serve several trees.
func Open(dbPath string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	// busy_timeout goes first so the WAL switch waits on a concurrent opener
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open hash cache: %w", err)
	}
	// hasher workers share the cache; one connection serializes their writes
	db.SetMaxOpenConns(1)
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open hash cache: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Tree returns the entries recorded for root
func (c *Cache) Tree(root string) *Tree {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		absRoot = root
	}
	return &Tree{db: c.db, root: absRoot}
}

func ensureSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	next := 0
	if current.Valid {
		next = int(current.Int64) + 1
	}
	for v := next; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if err := migrations[v](tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
			v, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the cached digest when size and modification time still
// match the stored hint.
func (t *Tree) Lookup(path string, size int64, modTime time.Time) (digest.Digest, bool) {
	var (
		storedSize int64
		storedMod  int64
		raw        string
	)
	err := t.db.QueryRow(`SELECT size, mod_time, digest FROM digests WHERE root = ? AND path = ?`,
		t.root, path).Scan(&storedSize, &storedMod, &raw)
	if err != nil {
		return "", false
	}
	if storedSize != size || storedMod != modTime.UnixNano() {
		return "", false
	}
	d, err := digest.Parse(raw)
	if err != nil {
		return "", false
	}
	return d, true
}

// Store records the digest computed for path under its current hint
func (t *Tree) Store(path string, size int64, modTime time.Time, d digest.Digest) error {
	_, err := t.db.Exec(`INSERT INTO digests (root, path, size, mod_time, digest) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(root, path) DO UPDATE SET size = excluded.size, mod_time = excluded.mod_time, digest = excluded.digest`,
		t.root, path, size, modTime.UnixNano(), d.String())
	if err != nil {
		return fmt.Errorf("failed to store digest for %s: %w", path, err)
	}
	return nil
}

// Prune drops entries for paths not in keep
func (t *Tree) Prune(keep map[string]struct{}) (int, error) {
	rows, err := t.db.Query(`SELECT path FROM digests WHERE root = ?`, t.root)
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			_ = rows.Close()
			return 0, err
		}
		if _, ok := keep[p]; !ok {
			stale = append(stale, p)
		}
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return 0, err
	}

	if len(stale) == 0 {
		return 0, nil
	}
	tx, err := t.db.Begin()
	if err != nil {
		return 0, err
	}
	for _, p := range stale {
		if _, err := tx.Exec(`DELETE FROM digests WHERE root = ? AND path = ?`, t.root, p); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to prune %s: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return len(stale), nil
}

// Close releases the database
func (c *Cache) Close() error {
	return c.db.Close()
}
