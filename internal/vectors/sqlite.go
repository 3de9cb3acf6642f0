package vectors

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Compile-time check that SQLiteIndex implements Index.
var _ Index = (*SQLiteIndex)(nil)

// SQLiteIndex provides vector storage and brute-force cosine similarity
// search backed by SQLite. Acceptable up to roughly 100K entries per
// scan; beyond that an ANN backend should take over.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex wraps an existing *sql.DB for index operations.
// The vector_index table must already exist (created via migrations).
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// Upsert writes entries to the vector_index table. A nil embedding
// leaves any stored embedding in place so filter-column refreshes do
// not wipe vectors.
func (s *SQLiteIndex) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO vector_index (context_id, workspace_id, tier, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(context_id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			tier = excluded.tier,
			embedding = COALESCE(excluded.embedding, embedding),
			updated_at = excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var blob any
		if len(e.Embedding) > 0 {
			blob = encodeFloat32s(e.Embedding)
		}
		updatedAt := e.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(e.ContextID, e.WorkspaceID, e.Tier, blob, updatedAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting entry %s: %w", e.ContextID, err)
		}
	}

	return tx.Commit()
}

// Remove drops the entry for a context id. Missing ids are ignored.
func (s *SQLiteIndex) Remove(ctx context.Context, contextID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vector_index WHERE context_id = ?", contextID); err != nil {
		return fmt.Errorf("removing entry %s: %w", contextID, err)
	}
	return nil
}

// idScore holds the id and score of one candidate during the scan.
type idScore struct {
	ID    string
	Score float64
}

// Search performs brute-force cosine similarity search over the
// filtered entries, returning the top-K matches ordered by score
// descending.
func (s *SQLiteIndex) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	query := "SELECT context_id, embedding FROM vector_index WHERE embedding IS NOT NULL"
	var args []any
	if filter.WorkspaceID != "" {
		query += " AND workspace_id = ?"
		args = append(args, filter.WorkspaceID)
	}
	if filter.Tier != "" {
		query += " AND tier = ?"
		args = append(args, filter.Tier)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Popping the min-heap yields ascending scores; fill from the back.
	matches := make([]Match, h.Len())
	for i := len(matches) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		matches[i] = Match{ContextID: item.ID, Score: item.Score}
	}
	return matches, nil
}

// Count returns the number of indexed entries, optionally scoped to a
// workspace.
func (s *SQLiteIndex) Count(ctx context.Context, workspaceID string) (int, error) {
	var count int
	var err error
	if workspaceID == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vector_index").Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vector_index WHERE workspace_id = ?", workspaceID).Scan(&count)
	}
	return count, err
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

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed
// L2 norm of vector a.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}

// idScoreHeap is a min-heap of idScore ordered by Score. Used during
// the scan phase of Search to track top-K candidates by id only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
