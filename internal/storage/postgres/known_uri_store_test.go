package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

var testPolicy = frontier.RecrawlPolicy{
	Default: time.Hour,
	ByType:  map[string]time.Duration{"rdf": 24 * time.Hour},
}

func newMockKnownStore(t *testing.T) (*KnownURIStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewKnownURIStoreWithPool(mock, "known_uris", testPolicy)
	require.NoError(t, err)
	return store, mock
}

func TestNewKnownURIStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewKnownURIStoreWithPool(mock, "known; DROP TABLE x", testPolicy)
	require.Error(t, err)
	_, err = NewKnownURIStoreWithPool(nil, "known_uris", testPolicy)
	require.Error(t, err)

	store, err := NewKnownURIStoreWithPool(mock, "", testPolicy)
	require.NoError(t, err)
	require.Equal(t, DefaultKnownTable, store.table)
}

func TestClassifyReportsNewAndKnown(t *testing.T) {
	t.Parallel()

	store, mock := newMockKnownStore(t)
	mock.ExpectExec("INSERT INTO known_uris").
		WithArgs("http://example.org/", "html").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO known_uris").
		WithArgs("http://example.org/", "html").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	status, err := store.Classify(context.Background(), "http://example.org/", "html")
	require.NoError(t, err)
	require.Equal(t, frontier.StatusNew, status)

	status, err = store.Classify(context.Background(), "http://example.org/", "html")
	require.NoError(t, err)
	require.Equal(t, frontier.StatusKnown, status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyPropagatesErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockKnownStore(t)
	mock.ExpectExec("INSERT INTO known_uris").
		WithArgs("u", "").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Classify(context.Background(), "u", "")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOutdatedClaimsInOneStatement(t *testing.T) {
	t.Parallel()

	store, mock := newMockKnownStore(t)
	now := time.Unix(1700000000, 0).UTC()
	crawled := now.Add(-3 * time.Hour)

	rows := mock.NewRows([]string{"uri", "uri_type", "last_crawl", "claimed_at"}).
		AddRow("http://old.example.org/", "html", crawled.UnixMilli(), now.UnixMilli()).
		AddRow("http://new.example.org/", "html", int64(-1), now.UnixMilli())
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs([]string{"rdf"}, []int64{(24 * time.Hour).Milliseconds()}, time.Hour.Milliseconds(), now.UnixMilli(), 10).
		WillReturnRows(rows)

	claimed, err := store.ClaimOutdated(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "http://new.example.org/", claimed[0].URI)
	require.Nil(t, claimed[0].LastCrawl)
	require.Equal(t, "http://old.example.org/", claimed[1].URI)
	require.Equal(t, crawled, *claimed[1].LastCrawl)
	for _, rec := range claimed {
		require.True(t, rec.CrawlingInProcess)
		require.Equal(t, now, *rec.ClaimedAt)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOutdatedZeroLimitSkipsQuery(t *testing.T) {
	t.Parallel()

	store, mock := newMockKnownStore(t)
	claimed, err := store.ClaimOutdated(context.Background(), time.Now(), 0)
	require.NoError(t, err)
	require.Empty(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseUpdatesRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockKnownStore(t)
	crawledAt := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE known_uris").
		WithArgs("u", crawledAt.UnixMilli()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE known_uris").
		WithArgs("missing", crawledAt.UnixMilli()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.Release(context.Background(), "u", crawledAt))
	err := store.Release(context.Background(), "missing", crawledAt)
	require.ErrorIs(t, err, frontier.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseStaleClaimsReturnsCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockKnownStore(t)
	cutoff := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("claimed_at < \\$1").
		WithArgs(cutoff.UnixMilli()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := store.ReleaseStaleClaims(context.Background(), cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLoadsRecord(t *testing.T) {
	t.Parallel()

	store, mock := newMockKnownStore(t)
	crawled := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT uri, uri_type").
		WithArgs("u").
		WillReturnRows(mock.NewRows([]string{"uri", "uri_type", "crawling_in_process", "last_crawl", "claimed_at"}).
			AddRow("u", "rdf", false, crawled.UnixMilli(), int64(-1)))
	mock.ExpectQuery("SELECT uri, uri_type").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	rec, err := store.Get(context.Background(), "u")
	require.NoError(t, err)
	require.Equal(t, "rdf", rec.Type)
	require.Equal(t, crawled, *rec.LastCrawl)
	require.Nil(t, rec.ClaimedAt)

	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, frontier.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaCreatesTables(t *testing.T) {
	t.Parallel()

	store, mock := newMockKnownStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS known_uris").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS known_uris_claimable_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS uri_collection_namespaces").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS uri_collection_records").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS uri_collection_records_scan_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
