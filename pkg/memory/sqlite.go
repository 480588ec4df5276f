package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Table names of the embedded store. The schema is part of the on-disk
// contract:
//
//	short_mem(id TEXT PRIMARY KEY, content TEXT, meta TEXT, created_at REAL)
//	long_mem(id TEXT PRIMARY KEY, content TEXT, meta TEXT, created_at REAL)
const (
	shortTable = "short_mem"
	longTable  = "long_mem"
)

// sqliteDB owns the database handle shared by the short and long stores.
// Writers are serialized with a mutex on top of WAL.
type sqliteDB struct {
	mu sync.Mutex
	db *sql.DB
}

func openSQLite(path string) (*sqliteDB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create memory directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database %s: %w", path, err)
	}

	// A single connection keeps :memory: databases coherent and serializes
	// access alongside the write mutex.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	for _, table := range []string{shortTable, longTable} {
		schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT,
			meta TEXT,
			created_at REAL
		)`, table)
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}

	return &sqliteDB{db: db}, nil
}

func (s *sqliteDB) Close() error {
	return s.db.Close()
}

// sqliteStore is one table of the embedded store. Search is an unscored
// substring match; maxRecords > 0 evicts oldest rows on insert.
type sqliteStore struct {
	parent     *sqliteDB
	table      string
	maxRecords int
}

func newSQLiteStore(parent *sqliteDB, table string, maxRecords int) *sqliteStore {
	return &sqliteStore{parent: parent, table: table, maxRecords: maxRecords}
}

func (s *sqliteStore) Put(ctx context.Context, rec Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (id, content, meta, created_at) VALUES (?,?,?,?)", s.table)
	if _, err := s.parent.db.ExecContext(ctx, query, rec.ID, rec.Content, string(meta), float64(createdAt.UnixNano())/1e9); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}

	if s.maxRecords > 0 {
		evict := fmt.Sprintf(`DELETE FROM %s WHERE id IN (
			SELECT id FROM %s ORDER BY created_at ASC
			LIMIT max(0, (SELECT count(*) FROM %s) - ?)
		)`, s.table, s.table, s.table)
		if _, err := s.parent.db.ExecContext(ctx, evict, s.maxRecords); err != nil {
			return fmt.Errorf("failed to evict old records: %w", err)
		}
	}

	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Record, bool, error) {
	query := fmt.Sprintf("SELECT id, content, meta, created_at FROM %s WHERE id = ?", s.table)
	row := s.parent.db.QueryRowContext(ctx, query, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) Search(ctx context.Context, query string, limit int, _ float64) ([]Record, error) {
	if limit <= 0 {
		limit = 5
	}

	stmt := fmt.Sprintf("SELECT id, content, meta, created_at FROM %s WHERE content LIKE ? ORDER BY created_at DESC LIMIT ?", s.table)
	rows, err := s.parent.db.QueryContext(ctx, stmt, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table)
	_, err := s.parent.db.ExecContext(ctx, query, id)
	return err
}

func (s *sqliteStore) Reset(ctx context.Context) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	_, err := s.parent.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table))
	return err
}

// DeleteWhere removes records whose metadata matches all given key/value
// pairs. Used for category resets (entities, per-user memory).
func (s *sqliteStore) DeleteWhere(ctx context.Context, match map[string]any) error {
	records, err := s.all(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if metadataMatches(rec.Metadata, match) {
			if err := s.Delete(ctx, rec.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *sqliteStore) all(ctx context.Context) ([]Record, error) {
	stmt := fmt.Sprintf("SELECT id, content, meta, created_at FROM %s", s.table)
	rows, err := s.parent.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func metadataMatches(metadata map[string]any, match map[string]any) bool {
	for k, want := range match {
		got, ok := metadata[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var meta string
	var createdAt float64

	if err := row.Scan(&rec.ID, &rec.Content, &meta, &createdAt); err != nil {
		return Record{}, err
	}

	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	rec.CreatedAt = time.Unix(0, int64(createdAt*1e9))
	return rec, nil
}
