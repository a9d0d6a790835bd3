package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// CollectionStore implements frontier.CollectionBackend on two fixed tables.
type CollectionStore struct {
	pool pool
}

// NewCollectionStore connects to Postgres and returns a CollectionStore.
func NewCollectionStore(ctx context.Context, cfg Config) (*CollectionStore, error) {
	p, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &CollectionStore{pool: p}, nil
}

// NewCollectionStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCollectionStoreWithPool(p pool) (*CollectionStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CollectionStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *CollectionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateNamespace registers namespace if absent.
func (s *CollectionStore) CreateNamespace(ctx context.Context, namespace string) error {
	query := `INSERT INTO ` + namespacesTable + ` (namespace) VALUES ($1) ON CONFLICT (namespace) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, namespace); err != nil {
		return fmt.Errorf("create namespace %q: %w", namespace, err)
	}
	return nil
}

// MaxBatchRows is the largest batch one multi-row INSERT can bind: one shared
// namespace parameter plus three per row, under the protocol's 65535 limit.
const MaxBatchRows = (65535 - 1) / 3

// InsertBatch writes rows with a single multi-row INSERT, so the batch is
// stored entirely or not at all.
func (s *CollectionStore) InsertBatch(ctx context.Context, namespace string, rows []frontier.CollectionRow) error {
	if len(rows) == 0 {
		return nil
	}
	if len(rows) > MaxBatchRows {
		return fmt.Errorf("insert batch into %q: %d rows exceeds the %d row limit", namespace, len(rows), MaxBatchRows)
	}
	query, args := insertBatchQuery(namespace, rows)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case codeUniqueViolation:
				return fmt.Errorf("insert batch into %q: %w", namespace, frontier.ErrDuplicateRecord)
			case codeForeignKeyViolation:
				return fmt.Errorf("insert batch into %q: namespace does not exist", namespace)
			}
		}
		return fmt.Errorf("insert batch into %q: %w", namespace, err)
	}
	return nil
}

func insertBatchQuery(namespace string, rows []frontier.CollectionRow) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO ` + recordsTable + ` (namespace, owner_uri, record_hash, data) VALUES `)
	args := make([]any, 0, 1+3*len(rows))
	args = append(args, namespace)
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&b, "($1, $%d, $%d, $%d)", n+1, n+2, n+3)
		args = append(args, row.Owner, row.Hash, row.Data)
	}
	return b.String(), args
}

// Scan pages through the owner's rows by sequence number.
func (s *CollectionStore) Scan(
	ctx context.Context,
	namespace, owner string,
	afterSeq int64,
	limit int,
) ([]frontier.StoredRecord, error) {
	query := `
SELECT seq, data FROM ` + recordsTable + `
WHERE namespace = $1 AND owner_uri = $2 AND seq > $3
ORDER BY seq
LIMIT $4`
	rows, err := s.pool.Query(ctx, query, namespace, owner, afterSeq, limit)
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

// Drop deletes the owner's rows and then the namespace if nothing else
// lives in it, in one transaction.
func (s *CollectionStore) Drop(ctx context.Context, namespace, owner string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM `+recordsTable+` WHERE namespace = $1 AND owner_uri = $2`,
			namespace, owner,
		); err != nil {
			return fmt.Errorf("delete records: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM `+namespacesTable+` n WHERE n.namespace = $1
AND NOT EXISTS (SELECT 1 FROM `+recordsTable+` r WHERE r.namespace = n.namespace)`,
			namespace,
		); err != nil {
			return fmt.Errorf("delete namespace: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("drop namespace %q: %w", namespace, err)
	}
	return nil
}
