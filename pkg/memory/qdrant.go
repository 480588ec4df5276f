package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/embedders"
	"github.com/qdrant/go-client/qdrant"
)

// qdrantStore is a remote vector-backed Store. Points carry the record
// content and JSON-encoded metadata in their payload; scores are cosine
// similarity.
type qdrantStore struct {
	client     *qdrant.Client
	collection string
	embedder   embedders.EmbedderProvider
}

func newQdrantStore(cfg *config.MemoryConfig, collection string, embedder embedders.EmbedderProvider) (*qdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.QdrantHost,
		Port:   cfg.QdrantPort,
		APIKey: cfg.QdrantKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client for %s:%d: %w", cfg.QdrantHost, cfg.QdrantPort, err)
	}

	return &qdrantStore{
		client:     client,
		collection: collection,
		embedder:   embedder,
	}, nil
}

func (s *qdrantStore) ensureCollection(ctx context.Context, dim int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to reach qdrant: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", s.collection, err)
	}
	return nil
}

func (s *qdrantStore) Put(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	vector, err := s.embedder.Embed(ctx, rec.Content)
	if err != nil {
		return fmt.Errorf("failed to embed record: %w", err)
	}

	if err := s.ensureCollection(ctx, len(vector)); err != nil {
		return err
	}

	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(rec.ID),
		Vectors: qdrant.NewVectors(vector...),
		Payload: qdrant.NewValueMap(map[string]any{
			"content":    rec.Content,
			"meta":       string(meta),
			"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
		}),
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

func (s *qdrantStore) Get(ctx context.Context, id string) (Record, bool, error) {
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to get point: %w", err)
	}
	if len(points) == 0 {
		return Record{}, false, nil
	}

	rec := recordFromPayload(id, points[0].Payload, 0)
	return rec, true, nil
}

func (s *qdrantStore) Search(ctx context.Context, query string, limit int, relevanceCutoff float64) ([]Record, error) {
	if limit <= 0 {
		limit = 5
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	limitU := uint64(limit)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limitU,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	var results []Record
	for _, point := range points {
		similarity := float64(point.Score)
		if 1-similarity > 1-relevanceCutoff {
			continue
		}

		id := ""
		if point.Id != nil {
			if uuid := point.Id.GetUuid(); uuid != "" {
				id = uuid
			} else {
				id = fmt.Sprintf("%d", point.Id.GetNum())
			}
		}
		results = append(results, recordFromPayload(id, point.Payload, similarity))
	}
	return results, nil
}

func (s *qdrantStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(id)),
	})
	return err
}

func (s *qdrantStore) Reset(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil || !exists {
		return err
	}
	return s.client.DeleteCollection(ctx, s.collection)
}

func recordFromPayload(id string, payload map[string]*qdrant.Value, score float64) Record {
	rec := Record{ID: id, Score: score}
	if payload == nil {
		return rec
	}

	if v, ok := payload["content"]; ok {
		rec.Content = v.GetStringValue()
	}
	if v, ok := payload["meta"]; ok {
		if raw := v.GetStringValue(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &rec.Metadata)
		}
	}
	if v, ok := payload["created_at"]; ok {
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, v.GetStringValue())
	}
	return rec
}
