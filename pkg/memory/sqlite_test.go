package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *sqliteDB {
	t.Helper()
	db, err := openSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSchemaColumns(t *testing.T) {
	db := testDB(t)

	for _, table := range []string{shortTable, longTable} {
		rows, err := db.db.Query("SELECT name, type FROM pragma_table_info(?)", table)
		require.NoError(t, err)

		cols := map[string]string{}
		for rows.Next() {
			var name, typ string
			require.NoError(t, rows.Scan(&name, &typ))
			cols[name] = typ
		}
		require.NoError(t, rows.Err())
		rows.Close()

		assert.Equal(t, map[string]string{
			"id":         "TEXT",
			"content":    "TEXT",
			"meta":       "TEXT",
			"created_at": "REAL",
		}, cols, table)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	db := testDB(t)
	store := newSQLiteStore(db, shortTable, 0)
	ctx := context.Background()

	created := time.Now().Truncate(time.Millisecond)
	require.NoError(t, store.Put(ctx, Record{
		ID:        "r1",
		Content:   "hello world",
		Metadata:  map[string]any{"agent_name": "A1", "quality": 0.5},
		CreatedAt: created,
	}))

	rec, found, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello world", rec.Content)
	assert.Equal(t, "A1", rec.Metadata["agent_name"])
	assert.Equal(t, 0.5, rec.Quality())
	assert.WithinDuration(t, created, rec.CreatedAt, time.Millisecond)

	_, found, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSearchIsSubstringMatch(t *testing.T) {
	db := testDB(t)
	store := newSQLiteStore(db, longTable, 0)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Record{ID: "a", Content: "the quick brown fox"}))
	require.NoError(t, store.Put(ctx, Record{ID: "b", Content: "lazy dogs sleep"}))

	results, err := store.Search(ctx, "quick brown", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.Zero(t, results[0].Score, "substring search is unscored")
}

func TestDeleteAndReset(t *testing.T) {
	db := testDB(t)
	store := newSQLiteStore(db, shortTable, 0)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Record{ID: "a", Content: "one"}))
	require.NoError(t, store.Put(ctx, Record{ID: "b", Content: "two"}))

	require.NoError(t, store.Delete(ctx, "a"))
	_, found, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Reset(ctx))
	_, found, err = store.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteWhere(t *testing.T) {
	db := testDB(t)
	store := newSQLiteStore(db, longTable, 0)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Record{ID: "a", Content: "entity rec", Metadata: map[string]any{"category": "entity"}}))
	require.NoError(t, store.Put(ctx, Record{ID: "b", Content: "plain rec"}))

	require.NoError(t, store.DeleteWhere(ctx, map[string]any{"category": "entity"}))

	_, found, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = store.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCacheStoreReadThrough(t *testing.T) {
	db := testDB(t)
	primary := newSQLiteStore(db, shortTable, 0)
	cache := newCacheStore(primary)
	ctx := context.Background()

	// Written through the primary directly: first Get populates the cache
	require.NoError(t, primary.Put(ctx, Record{ID: "a", Content: "one"}))

	rec, found, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "one", rec.Content)

	// Delete from primary; cached copy still serves until invalidated
	require.NoError(t, primary.Delete(ctx, "a"))
	_, found, err = cache.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found, "cache hit after primary delete")

	require.NoError(t, cache.Delete(ctx, "a"))
	_, found, err = cache.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
}
