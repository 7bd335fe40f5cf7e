// Package index is the persistent keyed vector store. Rows live in SQLite;
// queries run against an in-memory copy using cosine similarity.
package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"smarthub/internal/model"
)

// SQLiteIndex implements model.Index.
type SQLiteIndex struct {
	path string

	dbMu sync.Mutex
	db   *sql.DB

	// writeMu serializes upserts and resets so the dimensionality check
	// and the write it guards cannot interleave.
	writeMu sync.Mutex

	mu      sync.RWMutex
	records map[string]model.EmbeddingRecord
	dim     int

	// Logger receives debug and warning output. The zero value discards.
	Logger zerolog.Logger

	// Metrics is optional; when non-nil its counters are incremented.
	Metrics *Metrics
}

// Metrics holds counters gathered by an index instance. The zero value is
// usable.
type Metrics struct {
	DimensionMismatch atomic.Int64
	Upserted          atomic.Int64
	Queries           atomic.Int64
}

var _ model.Index = (*SQLiteIndex)(nil)

// NewSQLiteIndex returns an index backed by the database file at path.
// Init must be called before use; the other methods call it lazily.
func NewSQLiteIndex(path string) *SQLiteIndex {
	return &SQLiteIndex{
		path:    path,
		records: make(map[string]model.EmbeddingRecord),
		Logger:  zerolog.Nop(),
	}
}

// Init opens the database, creates the schema and loads all rows into
// memory. It is idempotent.
func (i *SQLiteIndex) Init(ctx context.Context) error {
	i.dbMu.Lock()
	defer i.dbMu.Unlock()

	if i.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", i.path)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return err
	}

	schema := `
CREATE TABLE IF NOT EXISTS embeddings (
  key TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  vector BLOB NOT NULL,
  dim INTEGER NOT NULL,
  domain TEXT NOT NULL DEFAULT '',
  area TEXT NOT NULL DEFAULT '',
  content_hash TEXT NOT NULL DEFAULT '',
  last_embedded_hash TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_embeddings_kind ON embeddings(kind);

CREATE TABLE IF NOT EXISTS index_meta (
  name TEXT PRIMARY KEY,
  value INTEGER NOT NULL
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return err
	}

	records, dim, err := loadAll(ctx, db)
	if err != nil {
		_ = db.Close()
		return err
	}

	i.mu.Lock()
	i.records = records
	i.dim = dim
	i.mu.Unlock()

	i.db = db
	return nil
}

func loadAll(ctx context.Context, db *sql.DB) (map[string]model.EmbeddingRecord, int, error) {
	dim := 0
	row := db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE name = 'dim'`)
	if err := row.Scan(&dim); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT key, kind, vector, domain, area, content_hash, last_embedded_hash, updated_at FROM embeddings`)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	records := make(map[string]model.EmbeddingRecord)
	for rows.Next() {
		var (
			rec     model.EmbeddingRecord
			blob    []byte
			updated int64
		)
		if err := rows.Scan(&rec.Key, &rec.Meta.Kind, &blob, &rec.Meta.Domain, &rec.Meta.Area,
			&rec.Meta.ContentHash, &rec.Meta.LastEmbeddedHash, &updated); err != nil {
			return nil, 0, err
		}
		rec.Vector = decodeVector(blob)
		rec.Meta.UpdatedAt = time.Unix(0, updated).UTC()
		records[rec.Key] = rec
	}
	return records, dim, rows.Err()
}

// UpsertBatch replaces every row sharing a key with the given records. All
// vectors must match the index's established dimensionality (or, on an
// empty index, the batch's first vector); otherwise the whole batch is
// rejected with ErrDimensionMismatch before anything is written.
func (i *SQLiteIndex) UpsertBatch(ctx context.Context, records []model.EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}
	db, err := i.ensureDB(ctx)
	if err != nil {
		return err
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	i.mu.RLock()
	dim := i.dim
	i.mu.RUnlock()
	if dim == 0 {
		dim = len(records[0].Vector)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.Key) == "" {
			return errors.New("index: record key is required")
		}
		if len(rec.Vector) == 0 {
			return fmt.Errorf("index: empty vector for %s", rec.Key)
		}
		if len(rec.Vector) != dim {
			if i.Metrics != nil {
				i.Metrics.DimensionMismatch.Add(1)
			}
			return fmt.Errorf("index: %s has %d dims, index has %d: %w", rec.Key, len(rec.Vector), dim, model.ErrDimensionMismatch)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	del, err := tx.PrepareContext(ctx, `DELETE FROM embeddings WHERE key = ?`)
	if err != nil {
		return err
	}
	defer func() { _ = del.Close() }()

	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO embeddings(key, kind, vector, dim, domain, area, content_hash, last_embedded_hash, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = ins.Close() }()

	now := time.Now().UTC()
	stored := make([]model.EmbeddingRecord, 0, len(records))
	for _, rec := range records {
		rec = normalizeRecord(rec, now)
		if _, err := del.ExecContext(ctx, rec.Key); err != nil {
			return err
		}
		if _, err := ins.ExecContext(ctx,
			rec.Key,
			rec.Meta.Kind,
			encodeVector(rec.Vector),
			len(rec.Vector),
			rec.Meta.Domain,
			rec.Meta.Area,
			rec.Meta.ContentHash,
			rec.Meta.LastEmbeddedHash,
			rec.Meta.UpdatedAt.UnixNano(),
		); err != nil {
			return err
		}
		stored = append(stored, rec)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO index_meta(name, value) VALUES('dim', ?) ON CONFLICT(name) DO UPDATE SET value=excluded.value`,
		dim); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	i.mu.Lock()
	for _, rec := range stored {
		i.records[rec.Key] = rec
	}
	i.dim = dim
	i.mu.Unlock()

	if i.Metrics != nil {
		i.Metrics.Upserted.Add(int64(len(stored)))
	}
	i.Logger.Debug().Int("rows", len(stored)).Int("dim", dim).Msg("index batch upserted")
	return nil
}

func normalizeRecord(rec model.EmbeddingRecord, now time.Time) model.EmbeddingRecord {
	copied := make([]float32, len(rec.Vector))
	copy(copied, rec.Vector)
	rec.Vector = copied

	if rec.Meta.Kind == "" {
		if kind, _, ok := model.SplitKey(rec.Key); ok {
			rec.Meta.Kind = kind
		}
	}
	if rec.Meta.UpdatedAt.IsZero() {
		rec.Meta.UpdatedAt = now
	}
	return rec
}

// Query returns at most topK hits ordered by non-increasing score, ties
// broken by key. An index with no rows yields an empty result.
func (i *SQLiteIndex) Query(ctx context.Context, vector []float32, topK int, filter model.QueryFilter) ([]model.Hit, error) {
	if len(vector) == 0 {
		return nil, errors.New("index: query vector cannot be empty")
	}
	if err := i.Init(ctx); err != nil {
		return nil, err
	}
	if i.Metrics != nil {
		i.Metrics.Queries.Add(1)
	}
	if topK <= 0 {
		return []model.Hit{}, nil
	}

	type candidate struct {
		key    string
		vector []float32
		meta   model.RecordMeta
	}

	i.mu.RLock()
	dim := i.dim
	if len(i.records) == 0 {
		i.mu.RUnlock()
		return []model.Hit{}, nil
	}
	if dim != 0 && len(vector) != dim {
		i.mu.RUnlock()
		if i.Metrics != nil {
			i.Metrics.DimensionMismatch.Add(1)
		}
		return nil, fmt.Errorf("index: query has %d dims, index has %d: %w", len(vector), dim, model.ErrDimensionMismatch)
	}
	candidates := make([]candidate, 0, len(i.records))
	for key, rec := range i.records {
		if !matches(rec.Meta, filter) {
			continue
		}
		candidates = append(candidates, candidate{key: key, vector: rec.Vector, meta: rec.Meta})
	}
	i.mu.RUnlock()

	// Stored vectors are never mutated in place (upserts swap the slice),
	// so scoring can run outside the lock.
	hits := make([]model.Hit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, model.Hit{
			Key:   c.key,
			Score: ScoreFrom(Similarity, cosineSimilarity(vector, c.vector)),
			Meta:  c.meta,
		})
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score == hits[b].Score {
			return hits[a].Key < hits[b].Key
		}
		return hits[a].Score > hits[b].Score
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func matches(meta model.RecordMeta, filter model.QueryFilter) bool {
	if filter.Kind != "" && meta.Kind != filter.Kind {
		return false
	}
	if filter.Domain != "" && !strings.EqualFold(meta.Domain, filter.Domain) {
		return false
	}
	if filter.Area != "" && foldArea(meta.Area) != foldArea(filter.Area) {
		return false
	}
	return true
}

func foldArea(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

// LastEmbeddedHash returns the hash recorded when key was last embedded, or
// "" when the key is absent.
func (i *SQLiteIndex) LastEmbeddedHash(ctx context.Context, key string) (string, error) {
	hashes, err := i.LastEmbeddedHashes(ctx, []string{key})
	if err != nil {
		return "", err
	}
	return hashes[key], nil
}

// LastEmbeddedHashes returns the recorded hashes for the keys that exist.
func (i *SQLiteIndex) LastEmbeddedHashes(ctx context.Context, keys []string) (map[string]string, error) {
	if err := i.Init(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, k := range keys {
		if rec, ok := i.records[k]; ok {
			out[k] = rec.Meta.LastEmbeddedHash
		}
	}
	return out, nil
}

// Reset drops every row and the dimensionality constraint.
func (i *SQLiteIndex) Reset(ctx context.Context) error {
	db, err := i.ensureDB(ctx)
	if err != nil {
		return err
	}
	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM index_meta`); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	i.mu.Lock()
	i.records = make(map[string]model.EmbeddingRecord)
	i.dim = 0
	i.mu.Unlock()
	i.Logger.Info().Msg("index reset")
	return nil
}

// Count returns the number of stored rows.
func (i *SQLiteIndex) Count(ctx context.Context) (int, error) {
	if err := i.Init(ctx); err != nil {
		return 0, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.records), nil
}

// Dim returns the established dimensionality, or 0 for an empty index.
func (i *SQLiteIndex) Dim() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.dim
}

// CountByKind returns row counts per key kind.
func (i *SQLiteIndex) CountByKind(ctx context.Context) (map[string]int, error) {
	if err := i.Init(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]int)
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, rec := range i.records {
		out[rec.Meta.Kind]++
	}
	return out, nil
}

func (i *SQLiteIndex) Close() error {
	i.dbMu.Lock()
	defer i.dbMu.Unlock()
	if i.db == nil {
		return nil
	}
	err := i.db.Close()
	i.db = nil
	return err
}

func (i *SQLiteIndex) ensureDB(ctx context.Context) (*sql.DB, error) {
	if err := i.Init(ctx); err != nil {
		return nil, err
	}
	i.dbMu.Lock()
	defer i.dbMu.Unlock()
	if i.db == nil {
		return nil, errors.New("index: sqlite db not initialized")
	}
	return i.db, nil
}

// Metric names what a backing search reports for a neighbour.
type Metric int

const (
	Similarity Metric = iota
	Distance
)

// ScoreFrom converts a backing search value into a ranking score: distances
// become 1 - distance, similarities are used as-is.
func ScoreFrom(metric Metric, value float64) float64 {
	if metric == Distance {
		return 1 - value
	}
	return value
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, magA, magB float64
	for idx := range a {
		x, y := float64(a[idx]), float64(b[idx])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / math.Sqrt(magA*magB)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for idx, f := range v {
		binary.LittleEndian.PutUint32(buf[idx*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for idx := range out {
		out[idx] = math.Float32frombits(binary.LittleEndian.Uint32(buf[idx*4:]))
	}
	return out
}
