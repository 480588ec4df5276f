// Package knowledge exposes the post-ingestion search surface agents
// consume: a query returns scored snippets. How documents got here (file
// parsing, chunking) is someone else's concern.
package knowledge

import (
	"context"
	"fmt"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/embedders"
	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
)

// Snippet is one search hit.
type Snippet struct {
	Text     string
	Score    float64
	Metadata map[string]string
}

// SearchOptions scopes a query. AgentID and UserID, when set, restrict the
// hits to documents stored under the same scope.
type SearchOptions struct {
	AgentID string
	UserID  string
	TopK    int
}

// Knowledge is the search contract consumed by agents.
type Knowledge interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]Snippet, error)
}

// Store is an embedded vector-backed Knowledge implementation. Add is
// provided so callers (and tests) can seed snippets; bulk ingestion
// pipelines live outside this package.
type Store struct {
	collection *chromem.Collection
	topK       int
}

// NewStore builds an embedded store using the configured embedder.
func NewStore(cfg *config.KnowledgeConfig) (*Store, error) {
	cfg.SetDefaults()
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("knowledge store requires an embedder")
	}

	embedder, err := embedders.NewFromConfig(cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to build knowledge embedder: %w", err)
	}
	return NewStoreWithEmbedder(cfg, embedder)
}

// NewStoreWithEmbedder builds a store around an existing embedder. Useful
// when the embedder is shared with the memory subsystem.
func NewStoreWithEmbedder(cfg *config.KnowledgeConfig, embedder embedders.EmbedderProvider) (*Store, error) {
	cfg.SetDefaults()

	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embeddingFunc(embedder))
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge collection: %w", err)
	}

	return &Store{
		collection: collection,
		topK:       cfg.TopK,
	}, nil
}

func embeddingFunc(embedder embedders.EmbedderProvider) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
}

// Add stores one snippet, scoped by the given options.
func (s *Store) Add(ctx context.Context, text string, metadata map[string]string, opts SearchOptions) error {
	if text == "" {
		return nil
	}

	meta := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	if opts.AgentID != "" {
		meta["agent_id"] = opts.AgentID
	}
	if opts.UserID != "" {
		meta["user_id"] = opts.UserID
	}

	return s.collection.AddDocument(ctx, chromem.Document{
		ID:       uuid.New().String(),
		Content:  text,
		Metadata: meta,
	})
}

// Search returns the top-k snippets for the query within the given scope.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]Snippet, error) {
	if query == "" {
		return nil, nil
	}

	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}

	limit := opts.TopK
	if limit <= 0 {
		limit = s.topK
	}
	if limit > count {
		limit = count
	}

	where := map[string]string{}
	if opts.AgentID != "" {
		where["agent_id"] = opts.AgentID
	}
	if opts.UserID != "" {
		where["user_id"] = opts.UserID
	}
	if len(where) == 0 {
		where = nil
	}

	results, err := s.collection.Query(ctx, query, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge search failed: %w", err)
	}

	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, Snippet{
			Text:     r.Content,
			Score:    float64(r.Similarity),
			Metadata: r.Metadata,
		})
	}
	return snippets, nil
}
