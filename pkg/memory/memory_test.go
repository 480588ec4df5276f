package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := New(&config.MemoryConfig{Provider: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestStoreAndSearchShortTerm(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	id := m.StoreShortTerm(ctx, "the first prime numbers are 2, 3 and 5", StoreOptions{})
	require.NotEmpty(t, id)

	results := m.SearchShortTerm(ctx, "prime numbers", SearchOptions{Limit: 5})
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "prime")
}

func TestComputeQualityScore(t *testing.T) {
	metrics := Metrics{Completeness: 1, Relevance: 0.5, Clarity: 0.5, Accuracy: 1}
	assert.Equal(t, 0.75, ComputeQualityScore(metrics, nil))

	weights := Weights{Completeness: 1, Relevance: 0, Clarity: 0, Accuracy: 0}
	assert.Equal(t, 1.0, ComputeQualityScore(metrics, &weights))

	// Rounded to three decimals
	metrics = Metrics{Completeness: 0.333, Relevance: 0.333, Clarity: 0.333, Accuracy: 0.333}
	assert.Equal(t, 0.333, ComputeQualityScore(metrics, nil))
}

func TestStoreWithMetricsSetsQuality(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	m.StoreShortTerm(ctx, "scored content", StoreOptions{
		Metrics: &Metrics{Completeness: 1, Relevance: 1, Clarity: 1, Accuracy: 1},
	})

	results := m.SearchShortTerm(ctx, "scored content", SearchOptions{})
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].Quality())
	assert.Equal(t, 1.0, results[0].Metadata["accuracy"])
}

func TestStoreWithEvaluatorQuality(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	q := 0.42
	m.StoreLongTerm(ctx, "evaluated content", StoreOptions{EvaluatorQuality: &q})

	results := m.SearchLongTerm(ctx, "evaluated", SearchOptions{})
	require.Len(t, results, 1)
	assert.Equal(t, 0.42, results[0].Quality())
}

func TestFinalizeTaskOutputPromotion(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	m.FinalizeTaskOutput(ctx, "a very good haiku", "Writer", 0.9, 0.7)

	short := m.SearchShortTerm(ctx, "haiku", SearchOptions{})
	require.Len(t, short, 1)
	assert.Equal(t, "Writer", short[0].Metadata["agent_name"])

	long := m.SearchLongTerm(ctx, "haiku", SearchOptions{})
	require.Len(t, long, 1)
	assert.Equal(t, 0.9, long[0].Quality())

	// Quality filter keeps the record at 0.8, drops it at 0.95
	assert.Len(t, m.SearchLongTerm(ctx, "haiku", SearchOptions{MinQuality: 0.8}), 1)
	assert.Empty(t, m.SearchLongTerm(ctx, "haiku", SearchOptions{MinQuality: 0.95}))
}

func TestFinalizeTaskOutputBelowThreshold(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	m.FinalizeTaskOutput(ctx, "a mediocre result", "Writer", 0.3, 0.7)

	assert.Len(t, m.SearchShortTerm(ctx, "mediocre", SearchOptions{}), 1)
	assert.Empty(t, m.SearchLongTerm(ctx, "mediocre", SearchOptions{}))
}

func TestShortTermEviction(t *testing.T) {
	m, err := New(&config.MemoryConfig{Provider: "sqlite", Path: ":memory:", ShortTermLimit: 3})
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.StoreShortTerm(ctx, fmt.Sprintf("evictable record %d", i), StoreOptions{})
	}

	results := m.SearchShortTerm(ctx, "evictable record", SearchOptions{Limit: 10})
	assert.Len(t, results, 3, "oldest records beyond the limit are evicted")
}

func TestEntityMemory(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	m.StoreEntity(ctx, "Ada", "person", "first programmer", "works_on->Analytical Engine")
	m.StoreLongTerm(ctx, "unrelated long term note about Ada", StoreOptions{})

	entities := m.SearchEntity(ctx, "Ada", 5)
	require.Len(t, entities, 1)
	assert.Contains(t, entities[0].Content, "Ada(person)")
	assert.Equal(t, "entity", entities[0].Metadata["category"])
}

func TestUserMemoryScoping(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	m.StoreUserMemory(ctx, "u1", "prefers short answers", nil)
	m.StoreUserMemory(ctx, "u2", "prefers short novels", nil)

	scoped := m.SearchUserMemory(ctx, "u1", "prefers short", 5)
	require.Len(t, scoped, 1)
	assert.Contains(t, scoped[0].Content, "answers")
}

func TestBuildContextForTask(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	m.StoreShortTerm(ctx, "recent fact about primes", StoreOptions{})
	q := 0.9
	m.StoreLongTerm(ctx, "durable fact about primes", StoreOptions{EvaluatorQuality: &q})
	m.StoreEntity(ctx, "Euclid", "person", "proved primes are infinite", "wrote->Elements")
	m.StoreUserMemory(ctx, "u1", "user asked about primes before", nil)

	out := m.BuildContextForTask(ctx, "primes", "u1", "", 3)
	assert.Contains(t, out, "ShortTerm context:")
	assert.Contains(t, out, "LongTerm context:")
	assert.Contains(t, out, "User u1 context:")
	assert.Contains(t, out, "recent fact about primes")
}

func TestBuildContextOmitsEmptySections(t *testing.T) {
	m := testMemory(t)

	out := m.BuildContextForTask(context.Background(), "nothing stored about this", "", "", 3)
	assert.NotContains(t, out, "ShortTerm context:")
	assert.NotContains(t, out, "Entities found:")
}

func TestBuildContextTruncatesSnippets(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	long := "needle " + strings.Repeat("x", 400)
	m.StoreShortTerm(ctx, long, StoreOptions{})

	out := m.BuildContextForTask(ctx, "needle", "", "", 3)
	require.Contains(t, out, "needle")
	for _, line := range strings.Split(out, "\n") {
		assert.LessOrEqual(t, len(line), contextSnippetLimit+10)
	}
}

func TestResetAll(t *testing.T) {
	m := testMemory(t)
	ctx := context.Background()

	m.StoreShortTerm(ctx, "short fact", StoreOptions{})
	m.StoreLongTerm(ctx, "long fact", StoreOptions{})
	require.NoError(t, m.ResetAll(ctx))

	assert.Empty(t, m.SearchShortTerm(ctx, "fact", SearchOptions{}))
	assert.Empty(t, m.SearchLongTerm(ctx, "fact", SearchOptions{}))
}

// fakeJudge returns canned structured metrics.
type fakeJudge struct {
	llms.Provider
	response string
	err      error
}

func (f *fakeJudge) GenerateStructured(ctx context.Context, messages []llms.Message, schema map[string]any, opts *llms.GenerateOptions) (string, error) {
	return f.response, f.err
}

func TestCalculateQualityMetrics(t *testing.T) {
	m := testMemory(t)
	m.SetJudge(&fakeJudge{response: `{"completeness":0.8,"relevance":0.9,"clarity":0.7,"accuracy":0.95}`})

	metrics := m.CalculateQualityMetrics(context.Background(), "output", "expected")
	assert.Equal(t, 0.95, metrics.Accuracy)
	assert.Equal(t, 0.8, metrics.Completeness)
}

func TestCalculateQualityMetricsDegradesToZero(t *testing.T) {
	m := testMemory(t)

	// No judge configured
	assert.Equal(t, Metrics{}, m.CalculateQualityMetrics(context.Background(), "o", "e"))

	// Judge fails
	m.SetJudge(&fakeJudge{err: assert.AnError})
	assert.Equal(t, Metrics{}, m.CalculateQualityMetrics(context.Background(), "o", "e"))

	// Judge returns garbage
	m.SetJudge(&fakeJudge{response: "not json"})
	assert.Equal(t, Metrics{}, m.CalculateQualityMetrics(context.Background(), "o", "e"))
}
