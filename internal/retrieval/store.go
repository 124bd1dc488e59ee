package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides namespaced vector storage and brute-force cosine
// similarity search backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The context_vectors table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const recordColumns = `id, kind, path, symbol, start_line, end_line, content_hash, scope, url, content, embedding, created_at`

// Upsert inserts or replaces records in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, namespace string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO context_vectors (namespace, `+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET
			kind = excluded.kind, path = excluded.path, symbol = excluded.symbol,
			start_line = excluded.start_line, end_line = excluded.end_line,
			content_hash = excluded.content_hash, scope = excluded.scope, url = excluded.url,
			content = excluded.content, embedding = excluded.embedding, created_at = excluded.created_at`)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, namespace, r.ID, r.Kind, r.Path, r.Symbol, r.StartLine, r.EndLine,
			r.ContentHash, r.Scope, r.URL, r.Content, encodeFloat32s(r.Embedding), createdAt.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("upserting record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Query performs brute-force cosine similarity search over the namespace.
func (s *SQLiteStore) Query(ctx context.Context, namespace string, vector []float32, k int, keep func(Record) bool) ([]ScoredRecord, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 || k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM context_vectors WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	t := newTopK(k)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if len(r.Embedding) != len(vector) {
			continue
		}
		if keep != nil && !keep(r) {
			continue
		}
		t.offer(ScoredRecord{Record: r, Score: cosine(vector, r.Embedding, queryNorm)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return t.results(), nil
}

// Delete removes records by ID from the namespace.
func (s *SQLiteStore) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, namespace)
	for _, id := range ids {
		args = append(args, id)
	}
	q := `DELETE FROM context_vectors WHERE namespace = ? AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("deleting %d records: %w", len(ids), err)
	}
	return nil
}

// List returns all records of the namespace ordered by ID.
func (s *SQLiteStore) List(ctx context.Context, namespace string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM context_vectors WHERE namespace = ? ORDER BY id`, namespace)
	if err != nil {
		return nil, fmt.Errorf("listing vectors: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Namespaces returns the distinct namespaces with at least one record.
func (s *SQLiteStore) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM context_vectors ORDER BY namespace`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var r Record
	var blob []byte
	var createdAt string
	if err := rows.Scan(&r.ID, &r.Kind, &r.Path, &r.Symbol, &r.StartLine, &r.EndLine,
		&r.ContentHash, &r.Scope, &r.URL, &r.Content, &blob, &createdAt); err != nil {
		return Record{}, fmt.Errorf("scanning row: %w", err)
	}
	embedding, err := decodeFloat32s(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
	}
	r.Embedding = embedding
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at for id %s: %w", r.ID, err)
	}
	r.CreatedAt = t
	return r, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
