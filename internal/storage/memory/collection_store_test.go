package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

func TestCollectionStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCollectionStore()
	require.NoError(t, store.CreateNamespace(ctx, "ns1"))
	require.NoError(t, store.CreateNamespace(ctx, "ns1"))

	require.NoError(t, store.InsertBatch(ctx, "ns1", []frontier.CollectionRow{
		{Owner: "seed", Hash: "h1", Data: []byte("one")},
		{Owner: "seed", Hash: "h2", Data: []byte("two")},
	}))
	require.NoError(t, store.InsertBatch(ctx, "ns1", []frontier.CollectionRow{
		{Owner: "seed", Hash: "h3", Data: []byte("three")},
	}))

	first, err := store.Scan(ctx, "ns1", "seed", 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, []byte("one"), first[0].Data)

	rest, err := store.Scan(ctx, "ns1", "seed", first[1].Seq, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, []byte("three"), rest[0].Data)

	require.NoError(t, store.Drop(ctx, "ns1", "seed"))
	require.Equal(t, 0, store.Namespaces())
	gone, err := store.Scan(ctx, "ns1", "seed", 0, 10)
	require.NoError(t, err)
	require.Empty(t, gone)
}

func TestCollectionStoreBatchIsAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCollectionStore()
	require.NoError(t, store.CreateNamespace(ctx, "ns"))
	require.NoError(t, store.InsertBatch(ctx, "ns", []frontier.CollectionRow{{Owner: "s", Hash: "h1", Data: []byte("a")}}))

	err := store.InsertBatch(ctx, "ns", []frontier.CollectionRow{
		{Owner: "s", Hash: "h2", Data: []byte("b")},
		{Owner: "s", Hash: "h1", Data: []byte("a")},
	})
	require.True(t, errors.Is(err, frontier.ErrDuplicateRecord))

	rows, err := store.Scan(ctx, "ns", "s", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestCollectionStoreSeparatesOwnersInSharedNamespace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCollectionStore()
	require.NoError(t, store.CreateNamespace(ctx, "shared"))
	require.NoError(t, store.InsertBatch(ctx, "shared", []frontier.CollectionRow{
		{Owner: "a", Hash: "h", Data: []byte("from a")},
		{Owner: "b", Hash: "h", Data: []byte("from b")},
	}))

	require.NoError(t, store.Drop(ctx, "shared", "a"))
	require.Equal(t, 1, store.Namespaces())

	rows, err := store.Scan(ctx, "shared", "b", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, []byte("from b"), rows[0].Data)
}

func TestCollectionStoreRequiresNamespace(t *testing.T) {
	t.Parallel()

	err := NewCollectionStore().InsertBatch(context.Background(), "missing", []frontier.CollectionRow{{Owner: "s", Hash: "h"}})
	require.Error(t, err)
	require.False(t, errors.Is(err, frontier.ErrDuplicateRecord))
}
