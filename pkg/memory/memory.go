// Package memory is the shared memory subsystem of a run: short-term,
// long-term, entity and per-user stores behind one interface, with
// quality-scored promotion from short- to long-term.
//
// The embedded sqlite store is always the system of record. An optional
// scored index (chromem or qdrant) mirrors writes and serves searches;
// backend failures degrade to the sqlite substring search and never fail
// the task.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/embedders"
	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/google/uuid"
)

// DefaultPromotionThreshold is the quality score at or above which a task
// output is promoted to long-term memory.
const DefaultPromotionThreshold = 0.7

const contextSnippetLimit = 150

// Memory is the composite store owned by the orchestrator and shared by
// all tasks of a run.
type Memory struct {
	cfg *config.MemoryConfig

	db        *sqliteDB
	shortSQL  *sqliteStore
	longSQL   *sqliteStore
	short     Store // sqlite, possibly cache-fronted
	long      Store
	shortIdx  Store // optional scored index
	longIdx   Store
	judge     llms.StructuredProvider
	judgeName string
}

// New builds a Memory from configuration. The judge model, when configured,
// must resolve to a provider with structured output support.
func New(cfg *config.MemoryConfig) (*Memory, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := openSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}

	m := &Memory{
		cfg:      cfg,
		db:       db,
		shortSQL: newSQLiteStore(db, shortTable, cfg.ShortTermLimit),
		longSQL:  newSQLiteStore(db, longTable, 0),
	}
	m.short = m.shortSQL
	m.long = m.longSQL
	if cfg.Cache {
		m.short = newCacheStore(m.shortSQL)
		m.long = newCacheStore(m.longSQL)
	}

	switch cfg.Provider {
	case "chromem":
		embedder, err := embedders.NewFromConfig(cfg.Embedder)
		if err != nil {
			db.Close()
			return nil, err
		}
		if m.shortIdx, err = newChromemStore("ensemble_short_mem", embedder); err != nil {
			db.Close()
			return nil, err
		}
		if m.longIdx, err = newChromemStore("ensemble_long_mem", embedder); err != nil {
			db.Close()
			return nil, err
		}

	case "qdrant":
		if cfg.Embedder == nil {
			db.Close()
			return nil, fmt.Errorf("qdrant memory provider requires an embedder")
		}
		embedder, err := embedders.NewFromConfig(cfg.Embedder)
		if err != nil {
			db.Close()
			return nil, err
		}
		if m.shortIdx, err = newQdrantStore(cfg, "ensemble_short_mem", embedder); err != nil {
			db.Close()
			return nil, err
		}
		if m.longIdx, err = newQdrantStore(cfg, "ensemble_long_mem", embedder); err != nil {
			db.Close()
			return nil, err
		}
	}

	if cfg.Judge != "" {
		provider, err := llms.NewForModel(cfg.Judge)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to build judge model: %w", err)
		}
		structured, ok := provider.(llms.StructuredProvider)
		if !ok {
			db.Close()
			return nil, fmt.Errorf("judge model %s does not support structured output", cfg.Judge)
		}
		m.judge = structured
		m.judgeName = cfg.Judge
	}

	return m, nil
}

// SetJudge injects the quality-scoring model, replacing any configured one.
func (m *Memory) SetJudge(judge llms.StructuredProvider) {
	m.judge = judge
}

// HasJudge reports whether quality scoring via LLM is available.
func (m *Memory) HasJudge() bool {
	return m.judge != nil
}

// Close releases the underlying database handle.
func (m *Memory) Close() error {
	return m.db.Close()
}

// ============================================================================
// STORE OPERATIONS
// ============================================================================

// StoreShortTerm stores text in short-term memory. Quality inputs in opts
// end up as metadata.quality.
func (m *Memory) StoreShortTerm(ctx context.Context, text string, opts StoreOptions) string {
	return m.store(ctx, m.short, m.shortIdx, text, opts)
}

// StoreLongTerm stores text in long-term memory.
func (m *Memory) StoreLongTerm(ctx context.Context, text string, opts StoreOptions) string {
	return m.store(ctx, m.long, m.longIdx, text, opts)
}

func (m *Memory) store(ctx context.Context, primary Store, index Store, text string, opts StoreOptions) string {
	rec := Record{
		ID:        uuid.New().String(),
		Content:   text,
		Metadata:  processQualityMetrics(opts),
		CreatedAt: time.Now(),
	}

	if err := primary.Put(ctx, rec); err != nil {
		slog.Warn("Memory store failed", "error", err)
		return ""
	}
	if index != nil {
		if err := index.Put(ctx, rec); err != nil {
			slog.Warn("Memory index store failed, record kept in sqlite only", "error", err)
		}
	}
	return rec.ID
}

// processQualityMetrics merges the quality inputs into the metadata map.
func processQualityMetrics(opts StoreOptions) map[string]any {
	metadata := make(map[string]any, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	if opts.Metrics != nil {
		m := opts.Metrics
		metadata["completeness"] = m.Completeness
		metadata["relevance"] = m.Relevance
		metadata["clarity"] = m.Clarity
		metadata["accuracy"] = m.Accuracy
		metadata["quality"] = ComputeQualityScore(*m, opts.Weights)
	} else if opts.EvaluatorQuality != nil {
		metadata["quality"] = *opts.EvaluatorQuality
	}

	return metadata
}

// ============================================================================
// SEARCH OPERATIONS
// ============================================================================

// SearchShortTerm searches short-term memory.
func (m *Memory) SearchShortTerm(ctx context.Context, query string, opts SearchOptions) []Record {
	return m.search(ctx, m.short, m.shortIdx, query, opts)
}

// SearchLongTerm searches long-term memory, applying the MinQuality filter.
func (m *Memory) SearchLongTerm(ctx context.Context, query string, opts SearchOptions) []Record {
	results := m.search(ctx, m.long, m.longIdx, query, opts)
	if opts.MinQuality <= 0 {
		return results
	}

	filtered := results[:0]
	for _, rec := range results {
		if rec.Quality() >= opts.MinQuality {
			filtered = append(filtered, rec)
		}
	}
	slog.Debug("Long-term quality filter", "min_quality", opts.MinQuality, "kept", len(filtered), "of", len(results))
	return filtered
}

func (m *Memory) search(ctx context.Context, primary Store, index Store, query string, opts SearchOptions) []Record {
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	if index != nil {
		results, err := index.Search(ctx, query, limit, opts.RelevanceCutoff)
		if err == nil {
			return results
		}
		slog.Warn("Memory index search failed, falling back to substring search", "error", err)
	}

	results, err := primary.Search(ctx, query, limit, opts.RelevanceCutoff)
	if err != nil {
		slog.Warn("Memory search failed", "error", err)
		return nil
	}
	return results
}

// ============================================================================
// ENTITY MEMORY
// Entities are long-term records with metadata.category = "entity".
// ============================================================================

// StoreEntity stores an entity fact: name, type, description and relations.
func (m *Memory) StoreEntity(ctx context.Context, name, entityType, desc, relations string) string {
	text := fmt.Sprintf("%s(%s): %s | relationships: %s", name, entityType, desc, relations)
	return m.StoreLongTerm(ctx, text, StoreOptions{
		Metadata: map[string]any{
			"category":    "entity",
			"entity_name": name,
			"entity_type": entityType,
		},
	})
}

// SearchEntity searches entity records.
func (m *Memory) SearchEntity(ctx context.Context, query string, limit int) []Record {
	results := m.SearchLongTerm(ctx, query, SearchOptions{Limit: limit * 2})

	var entities []Record
	for _, rec := range results {
		if category, _ := rec.Metadata["category"].(string); category == "entity" {
			entities = append(entities, rec)
			if limit > 0 && len(entities) >= limit {
				break
			}
		}
	}
	return entities
}

// ResetEntities removes entity records, leaving other long-term memory
// intact.
func (m *Memory) ResetEntities(ctx context.Context) error {
	return m.longSQL.DeleteWhere(ctx, map[string]any{"category": "entity"})
}

// ============================================================================
// USER MEMORY
// User scope is carried in metadata.user_id.
// ============================================================================

// StoreUserMemory stores text scoped to a user.
func (m *Memory) StoreUserMemory(ctx context.Context, userID, text string, extra map[string]any) string {
	metadata := map[string]any{"user_id": userID}
	for k, v := range extra {
		metadata[k] = v
	}
	return m.StoreLongTerm(ctx, text, StoreOptions{Metadata: metadata})
}

// SearchUserMemory searches records scoped to a user.
func (m *Memory) SearchUserMemory(ctx context.Context, userID, query string, limit int) []Record {
	results := m.SearchLongTerm(ctx, query, SearchOptions{Limit: limit * 2})

	var scoped []Record
	for _, rec := range results {
		if id, _ := rec.Metadata["user_id"].(string); id == userID {
			scoped = append(scoped, rec)
			if limit > 0 && len(scoped) >= limit {
				break
			}
		}
	}
	return scoped
}

// ResetUserMemory removes records for one user.
func (m *Memory) ResetUserMemory(ctx context.Context, userID string) error {
	return m.longSQL.DeleteWhere(ctx, map[string]any{"user_id": userID})
}

// ============================================================================
// PROMOTION
// ============================================================================

// FinalizeTaskOutput always stores the output in short-term memory and
// promotes it to long-term iff qualityScore >= threshold.
func (m *Memory) FinalizeTaskOutput(ctx context.Context, content, agentName string, qualityScore, threshold float64) {
	if threshold <= 0 {
		threshold = DefaultPromotionThreshold
	}

	opts := StoreOptions{
		Metadata: map[string]any{
			"task_type":  "output",
			"agent_name": agentName,
			"score":      qualityScore,
		},
		EvaluatorQuality: &qualityScore,
	}

	m.StoreShortTerm(ctx, content, opts)
	if qualityScore >= threshold {
		m.StoreLongTerm(ctx, content, opts)
		slog.Debug("Promoted task output to long-term memory", "agent", agentName, "quality", qualityScore)
	}
}

// ============================================================================
// CONTEXT BUILDING
// ============================================================================

// BuildContextForTask concatenates short-term, long-term, entity and user
// snippets into a single context string with section headers. Empty
// sections are omitted.
func (m *Memory) BuildContextForTask(ctx context.Context, taskDescr, userID, additional string, maxItems int) string {
	if maxItems <= 0 {
		maxItems = 3
	}

	query := strings.TrimSpace(taskDescr + " " + additional)
	if query == "" {
		return ""
	}

	var sections []string

	appendSection := func(header string, records []Record) {
		if len(records) == 0 {
			return
		}
		lines := []string{header}
		for _, rec := range records {
			content := strings.TrimSpace(rec.Content)
			if len(content) > contextSnippetLimit {
				content = content[:contextSnippetLimit] + "..."
			}
			if content != "" {
				lines = append(lines, " - "+content)
			}
		}
		if len(lines) > 1 {
			sections = append(sections, strings.Join(lines, "\n"))
		}
	}

	appendSection("ShortTerm context:", m.SearchShortTerm(ctx, query, SearchOptions{Limit: maxItems}))
	appendSection("LongTerm context:", m.SearchLongTerm(ctx, query, SearchOptions{Limit: maxItems}))
	appendSection("Entities found:", m.SearchEntity(ctx, query, maxItems))
	if userID != "" {
		appendSection(fmt.Sprintf("User %s context:", userID), m.SearchUserMemory(ctx, userID, query, maxItems))
	}

	return strings.Join(sections, "\n\n")
}

// ============================================================================
// QUALITY SCORING
// ============================================================================

var qualityMetricsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"completeness": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"relevance":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"clarity":      map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"accuracy":     map[string]any{"type": "number", "minimum": 0, "maximum": 1},
	},
	"required":             []string{"completeness", "relevance", "clarity", "accuracy"},
	"additionalProperties": false,
}

// CalculateQualityMetrics asks the judge model to score the output against
// the expected output. Returns zeros when no judge is configured or the
// call fails.
func (m *Memory) CalculateQualityMetrics(ctx context.Context, output, expected string) Metrics {
	if m.judge == nil {
		return Metrics{}
	}

	prompt := fmt.Sprintf(`Evaluate the following task output against the expected output.
Score each dimension as a float between 0 and 1.

Expected output:
%s

Actual output:
%s`, expected, output)

	text, err := m.judge.GenerateStructured(ctx, []llms.Message{
		{Role: "system", Content: "You are a strict evaluator of task outputs."},
		{Role: "user", Content: prompt},
	}, qualityMetricsSchema, nil)
	if err != nil {
		slog.Warn("Quality metrics call failed", "judge", m.judgeName, "error", err)
		return Metrics{}
	}

	var metrics Metrics
	if err := json.Unmarshal([]byte(text), &metrics); err != nil {
		slog.Warn("Quality metrics parse failed", "judge", m.judgeName, "error", err)
		return Metrics{}
	}
	return metrics
}

// ============================================================================
// RESET
// ============================================================================

// ResetShortTerm clears short-term memory.
func (m *Memory) ResetShortTerm(ctx context.Context) error {
	if m.shortIdx != nil {
		if err := m.shortIdx.Reset(ctx); err != nil {
			slog.Warn("Failed to reset short-term index", "error", err)
		}
	}
	return m.short.Reset(ctx)
}

// ResetLongTerm clears long-term memory (including entities and user
// records).
func (m *Memory) ResetLongTerm(ctx context.Context) error {
	if m.longIdx != nil {
		if err := m.longIdx.Reset(ctx); err != nil {
			slog.Warn("Failed to reset long-term index", "error", err)
		}
	}
	return m.long.Reset(ctx)
}

// ResetAll clears everything.
func (m *Memory) ResetAll(ctx context.Context) error {
	if err := m.ResetShortTerm(ctx); err != nil {
		return err
	}
	return m.ResetLongTerm(ctx)
}
