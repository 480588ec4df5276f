package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ensembleworks/ensemble/pkg/embedders"
	"github.com/philippgille/chromem-go"
)

// chromemStore is an embedding-backed Store on the embedded chromem vector
// database. Search is scored by cosine similarity; a record is kept iff
// distance <= (1 - relevanceCutoff), i.e. similarity >= relevanceCutoff.
type chromemStore struct {
	mu         sync.Mutex
	collection *chromem.Collection
	records    map[string]Record // by id, for Get/Delete round-trips
}

func newChromemStore(collectionName string, embedder embedders.EmbedderProvider) (*chromemStore, error) {
	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection(collectionName, nil, func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create collection %s: %w", collectionName, err)
	}

	return &chromemStore{
		collection: collection,
		records:    make(map[string]Record),
	}, nil
}

func (s *chromemStore) Put(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	err = s.collection.AddDocument(ctx, chromem.Document{
		ID:      rec.ID,
		Content: rec.Content,
		Metadata: map[string]string{
			"meta":       string(meta),
			"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *chromemStore) Get(_ context.Context, id string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *chromemStore) Search(ctx context.Context, query string, limit int, relevanceCutoff float64) ([]Record, error) {
	if limit <= 0 {
		limit = 5
	}

	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	hits, err := s.collection.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	var results []Record
	for _, hit := range hits {
		similarity := float64(hit.Similarity)
		if 1-similarity > 1-relevanceCutoff {
			continue
		}

		rec := Record{
			ID:      hit.ID,
			Content: hit.Content,
			Score:   similarity,
		}
		if raw := hit.Metadata["meta"]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &rec.Metadata)
		}
		if created := hit.Metadata["created_at"]; created != "" {
			rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		}
		results = append(results, rec)
	}
	return results, nil
}

func (s *chromemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()

	return s.collection.Delete(ctx, nil, nil, id)
}

func (s *chromemStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.records = make(map[string]Record)
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	return s.collection.Delete(ctx, nil, nil, ids...)
}
