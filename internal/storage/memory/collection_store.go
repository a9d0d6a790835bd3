package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

type rowKey struct {
	owner string
	hash  string
}

type storedRow struct {
	seq   int64
	owner string
	data  []byte
}

type namespaceData struct {
	rows []storedRow
	keys map[rowKey]struct{}
}

// CollectionStore is an in-memory frontier.CollectionBackend.
type CollectionStore struct {
	mu         sync.RWMutex
	seq        int64
	namespaces map[string]*namespaceData
}

// NewCollectionStore constructs a CollectionStore.
func NewCollectionStore() *CollectionStore {
	return &CollectionStore{namespaces: make(map[string]*namespaceData)}
}

// CreateNamespace creates namespace if it does not already exist.
func (s *CollectionStore) CreateNamespace(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[namespace]; !ok {
		s.namespaces[namespace] = &namespaceData{keys: make(map[rowKey]struct{})}
	}
	return nil
}

// InsertBatch appends rows atomically; a single existing key rejects the batch.
func (s *CollectionStore) InsertBatch(_ context.Context, namespace string, rows []frontier.CollectionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		return fmt.Errorf("insert into namespace %q: namespace does not exist", namespace)
	}
	seen := make(map[rowKey]struct{}, len(rows))
	for _, row := range rows {
		key := rowKey{owner: row.Owner, hash: row.Hash}
		if _, dup := ns.keys[key]; dup {
			return fmt.Errorf("insert into namespace %q: %w", namespace, frontier.ErrDuplicateRecord)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("insert into namespace %q: %w", namespace, frontier.ErrDuplicateRecord)
		}
		seen[key] = struct{}{}
	}
	for _, row := range rows {
		s.seq++
		ns.keys[rowKey{owner: row.Owner, hash: row.Hash}] = struct{}{}
		ns.rows = append(ns.rows, storedRow{
			seq:   s.seq,
			owner: row.Owner,
			data:  append([]byte(nil), row.Data...),
		})
	}
	return nil
}

// Scan returns up to limit rows of owner after afterSeq.
func (s *CollectionStore) Scan(
	_ context.Context,
	namespace, owner string,
	afterSeq int64,
	limit int,
) ([]frontier.StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		return nil, nil
	}
	out := make([]frontier.StoredRecord, 0, limit)
	for _, row := range ns.rows {
		if len(out) >= limit {
			break
		}
		if row.owner != owner || row.seq <= afterSeq {
			continue
		}
		out = append(out, frontier.StoredRecord{Seq: row.seq, Data: append([]byte(nil), row.data...)})
	}
	return out, nil
}

// Drop deletes the owner's rows and the namespace once it is empty.
func (s *CollectionStore) Drop(_ context.Context, namespace, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		return nil
	}
	kept := ns.rows[:0]
	for _, row := range ns.rows {
		if row.owner != owner {
			kept = append(kept, row)
		}
	}
	ns.rows = kept
	for key := range ns.keys {
		if key.owner == owner {
			delete(ns.keys, key)
		}
	}
	if len(ns.rows) == 0 {
		delete(s.namespaces, namespace)
	}
	return nil
}

// Namespaces returns the number of live namespaces.
func (s *CollectionStore) Namespaces() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.namespaces)
}
