// Package sqlite provides an embedded SQLite collection store for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

const schema = `
CREATE TABLE IF NOT EXISTS uri_collection_namespaces (
	namespace  TEXT PRIMARY KEY,
	created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS uri_collection_records (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace   TEXT NOT NULL REFERENCES uri_collection_namespaces(namespace) ON DELETE CASCADE,
	owner_uri   TEXT NOT NULL,
	record_hash TEXT NOT NULL,
	data        BLOB NOT NULL,
	UNIQUE (namespace, owner_uri, record_hash)
);

CREATE INDEX IF NOT EXISTS idx_records_scan ON uri_collection_records(namespace, owner_uri, seq);
`

// CollectionStore implements frontier.CollectionBackend on a SQLite file.
type CollectionStore struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*CollectionStore, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer at a time; a single connection also keeps ":memory:" alive.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &CollectionStore{db: conn, path: path}, nil
}

// Close closes the database.
func (s *CollectionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateNamespace registers namespace if absent.
func (s *CollectionStore) CreateNamespace(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uri_collection_namespaces (namespace) VALUES (?) ON CONFLICT (namespace) DO NOTHING`,
		namespace,
	)
	if err != nil {
		return fmt.Errorf("create namespace %q: %w", namespace, err)
	}
	return nil
}

// InsertBatch inserts rows in one transaction.
func (s *CollectionStore) InsertBatch(ctx context.Context, namespace string, rows []frontier.CollectionRow) (err error) {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO uri_collection_records (namespace, owner_uri, record_hash, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err = stmt.ExecContext(ctx, namespace, row.Owner, row.Hash, row.Data); err != nil {
			return translate(namespace, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func translate(namespace string, err error) error {
	switch {
	case errors.Is(err, sqlite3.CONSTRAINT_UNIQUE),
		errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY),
		errors.Is(err, sqlite3.CONSTRAINT) && strings.Contains(err.Error(), "UNIQUE"):
		return fmt.Errorf("insert batch into %q: %w", namespace, frontier.ErrDuplicateRecord)
	case errors.Is(err, sqlite3.CONSTRAINT_FOREIGNKEY):
		return fmt.Errorf("insert batch into %q: namespace does not exist", namespace)
	default:
		return fmt.Errorf("insert batch into %q: %w", namespace, err)
	}
}

// Scan pages through the owner's rows by sequence number.
func (s *CollectionStore) Scan(
	ctx context.Context,
	namespace, owner string,
	afterSeq int64,
	limit int,
) ([]frontier.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, data FROM uri_collection_records
WHERE namespace = ? AND owner_uri = ? AND seq > ?
ORDER BY seq
LIMIT ?`, namespace, owner, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("scan namespace %q: %w", namespace, err)
	}
	defer rows.Close()
	out := make([]frontier.StoredRecord, 0, limit)
	for rows.Next() {
		var rec frontier.StoredRecord
		if err := rows.Scan(&rec.Seq, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Drop deletes the owner's rows and the namespace once it is empty.
func (s *CollectionStore) Drop(ctx context.Context, namespace, owner string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin drop: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM uri_collection_records WHERE namespace = ? AND owner_uri = ?`,
		namespace, owner,
	); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `
DELETE FROM uri_collection_namespaces
WHERE namespace = ?
AND NOT EXISTS (SELECT 1 FROM uri_collection_records WHERE namespace = ?)`,
		namespace, namespace,
	); err != nil {
		return fmt.Errorf("delete namespace: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit drop: %w", err)
	}
	return nil
}

// Namespaces returns the number of live namespaces.
func (s *CollectionStore) Namespaces(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uri_collection_namespaces`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count namespaces: %w", err)
	}
	return n, nil
}
