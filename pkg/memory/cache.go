package memory

import (
	"context"
	"sync"
)

// cacheStore is a read-through in-process cache fronting a primary Store.
// Gets consult the cache first and populate it on miss; writes go to the
// primary and refresh the cache; searches always hit the primary (substring
// and vector search are not cacheable by key).
type cacheStore struct {
	mu      sync.RWMutex
	primary Store
	byID    map[string]Record
}

func newCacheStore(primary Store) *cacheStore {
	return &cacheStore{
		primary: primary,
		byID:    make(map[string]Record),
	}
}

func (s *cacheStore) Put(ctx context.Context, rec Record) error {
	if err := s.primary.Put(ctx, rec); err != nil {
		return err
	}

	s.mu.Lock()
	s.byID[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *cacheStore) Get(ctx context.Context, id string) (Record, bool, error) {
	s.mu.RLock()
	rec, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		return rec, true, nil
	}

	rec, ok, err := s.primary.Get(ctx, id)
	if err != nil || !ok {
		return rec, ok, err
	}

	s.mu.Lock()
	s.byID[id] = rec
	s.mu.Unlock()
	return rec, true, nil
}

func (s *cacheStore) Search(ctx context.Context, query string, limit int, relevanceCutoff float64) ([]Record, error) {
	return s.primary.Search(ctx, query, limit, relevanceCutoff)
}

func (s *cacheStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()

	return s.primary.Delete(ctx, id)
}

func (s *cacheStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.byID = make(map[string]Record)
	s.mu.Unlock()

	return s.primary.Reset(ctx)
}
