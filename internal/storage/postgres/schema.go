package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Fixed collection tables. Namespaces are rows, not schema objects.
const (
	namespacesTable = "uri_collection_namespaces"
	recordsTable    = "uri_collection_records"
)

type execer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

func schemaStatements(knownTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	uri                 TEXT PRIMARY KEY,
	uri_type            TEXT NOT NULL DEFAULT '',
	crawling_in_process BOOLEAN NOT NULL DEFAULT FALSE,
	last_crawl          BIGINT,
	claimed_at          BIGINT
)`, knownTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_claimable_idx
	ON %[1]s (last_crawl NULLS FIRST, uri) WHERE NOT crawling_in_process`, knownTable),
		`CREATE TABLE IF NOT EXISTS ` + namespacesTable + ` (
	namespace  TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS ` + recordsTable + ` (
	seq         BIGSERIAL,
	namespace   TEXT NOT NULL REFERENCES ` + namespacesTable + ` (namespace) ON DELETE CASCADE,
	owner_uri   TEXT NOT NULL,
	record_hash TEXT NOT NULL,
	data        BYTEA NOT NULL,
	PRIMARY KEY (namespace, owner_uri, record_hash)
)`,
		`CREATE INDEX IF NOT EXISTS ` + recordsTable + `_scan_idx
	ON ` + recordsTable + ` (namespace, owner_uri, seq)`,
	}
}

// EnsureSchema creates the registry and collection tables if they are missing.
func EnsureSchema(ctx context.Context, db execer, knownTable string) error {
	table, err := tableName(knownTable)
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements(table) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
