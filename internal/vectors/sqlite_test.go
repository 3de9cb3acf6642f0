package vectors

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// openTestDB creates an in-memory SQLite database with the vector_index table.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	_, err = db.Exec(`
		CREATE TABLE vector_index (
			context_id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			embedding BLOB,
			updated_at TEXT NOT NULL
		)`)
	if err != nil {
		t.Fatalf("creating table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func makeTestVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

func entry(id, workspace, tier string, embedding []float32) Entry {
	return Entry{
		ContextID:   id,
		WorkspaceID: workspace,
		Tier:        tier,
		Embedding:   embedding,
		UpdatedAt:   time.Now().UTC(),
	}
}

func TestUpsertAndSearch(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteIndex(db)

	vec := makeTestVector(768, 0.1)
	err := idx.Upsert(context.Background(), []Entry{entry("c1", "ws-1", "workspace", vec)})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := idx.Search(context.Background(), vec, 1, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	if matches[0].ContextID != "c1" {
		t.Errorf("ContextID = %q, want %q", matches[0].ContextID, "c1")
	}
	if matches[0].Score < 0.99 {
		t.Errorf("score = %f, want > 0.99", matches[0].Score)
	}
}

func TestSearch_OrderedByScore(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteIndex(db)

	entries := []Entry{
		entry("exact", "ws-1", "workspace", []float32{1, 0, 0}),
		entry("close", "ws-1", "workspace", []float32{0.9, 0.1, 0}),
		entry("orthogonal", "ws-1", "workspace", []float32{0, 1, 0}),
	}
	if err := idx.Upsert(context.Background(), entries); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := idx.Search(context.Background(), []float32{1, 0, 0}, 3, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3", len(matches))
	}

	wantOrder := []string{"exact", "close", "orthogonal"}
	for i, want := range wantOrder {
		if matches[i].ContextID != want {
			t.Errorf("matches[%d] = %q, want %q", i, matches[i].ContextID, want)
		}
	}
	if matches[0].Score < 0.999 {
		t.Errorf("exact score = %f, want ~1.0", matches[0].Score)
	}
	if math.Abs(matches[2].Score) > 1e-9 {
		t.Errorf("orthogonal score = %f, want 0", matches[2].Score)
	}
}

func TestSearch_TopK(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteIndex(db)

	var entries []Entry
	for i := 0; i < 10; i++ {
		entries = append(entries, entry(fmt.Sprintf("c%d", i), "ws-1", "workspace", makeTestVector(768, float32(i)*0.01)))
	}
	if err := idx.Upsert(context.Background(), entries); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := idx.Search(context.Background(), makeTestVector(768, 0.05), 3, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 3 {
		t.Errorf("got %d matches, want 3", len(matches))
	}
}

func TestSearch_Filter(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteIndex(db)

	vec := makeTestVector(8, 0.1)
	entries := []Entry{
		entry("ws1-workspace", "ws-1", "workspace", vec),
		entry("ws1-global", "ws-1", "global", vec),
		entry("ws2-workspace", "ws-2", "workspace", vec),
	}
	if err := idx.Upsert(context.Background(), entries); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := idx.Search(context.Background(), vec, 10, Filter{WorkspaceID: "ws-1", Tier: "workspace"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	if matches[0].ContextID != "ws1-workspace" {
		t.Errorf("ContextID = %q, want %q", matches[0].ContextID, "ws1-workspace")
	}
}

func TestSearch_SkipsEntriesWithoutEmbedding(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteIndex(db)

	vec := makeTestVector(8, 0.1)
	entries := []Entry{
		entry("with", "ws-1", "workspace", vec),
		entry("without", "ws-1", "workspace", nil),
	}
	if err := idx.Upsert(context.Background(), entries); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := idx.Search(context.Background(), vec, 10, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	if matches[0].ContextID != "with" {
		t.Errorf("ContextID = %q, want %q", matches[0].ContextID, "with")
	}
}

// TestUpsert_NilEmbeddingPreservesVector re-upserts an entry without an
// embedding and verifies the stored vector survives.
func TestUpsert_NilEmbeddingPreservesVector(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteIndex(db)

	vec := makeTestVector(8, 0.1)
	if err := idx.Upsert(context.Background(), []Entry{entry("c1", "ws-1", "workspace", vec)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(context.Background(), []Entry{entry("c1", "ws-1", "global", nil)}); err != nil {
		t.Fatalf("Upsert (nil embedding): %v", err)
	}

	matches, err := idx.Search(context.Background(), vec, 1, Filter{Tier: "global"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1 (embedding must survive tier refresh)", len(matches))
	}

	n, err := idx.Count(context.Background(), "")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestSearch_EmptyIndex(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteIndex(db)

	matches, err := idx.Search(context.Background(), makeTestVector(8, 0.1), 5, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("got %d matches, want 0", len(matches))
	}
}

func TestSearch_ZeroQueryVector(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteIndex(db)

	if err := idx.Upsert(context.Background(), []Entry{entry("c1", "ws-1", "workspace", makeTestVector(8, 0.1))}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := idx.Search(context.Background(), make([]float32, 8), 5, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if matches != nil {
		t.Errorf("expected nil for zero query vector, got %v", matches)
	}
}

func TestRemove(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteIndex(db)

	vec := makeTestVector(8, 0.1)
	if err := idx.Upsert(context.Background(), []Entry{entry("c1", "ws-1", "workspace", vec)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := idx.Remove(context.Background(), "c1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// Removing an id that is already gone must not error.
	if err := idx.Remove(context.Background(), "c1"); err != nil {
		t.Errorf("second Remove: %v", err)
	}

	matches, err := idx.Search(context.Background(), vec, 5, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("got %d matches after remove, want 0", len(matches))
	}
}

func TestCount_ByWorkspace(t *testing.T) {
	db := openTestDB(t)
	idx := NewSQLiteIndex(db)

	vec := makeTestVector(8, 0.1)
	entries := []Entry{
		entry("a", "ws-1", "workspace", vec),
		entry("b", "ws-1", "global", vec),
		entry("c", "ws-2", "workspace", vec),
	}
	if err := idx.Upsert(context.Background(), entries); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	all, err := idx.Count(context.Background(), "")
	if err != nil {
		t.Fatalf("Count(all): %v", err)
	}
	if all != 3 {
		t.Errorf("total count = %d, want 3", all)
	}

	ws1, err := idx.Count(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("Count(ws-1): %v", err)
	}
	if ws1 != 2 {
		t.Errorf("ws-1 count = %d, want 2", ws1)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	vec := makeTestVector(768, 0.42)

	decoded, err := decodeFloat32s(encodeFloat32s(vec))
	if err != nil {
		t.Fatalf("decodeFloat32s: %v", err)
	}
	if len(decoded) != len(vec) {
		t.Fatalf("decoded length = %d, want %d", len(decoded), len(vec))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Fatalf("decoded[%d] = %f, want %f", i, decoded[i], vec[i])
		}
	}
}

func TestDecodeCorruptBlob(t *testing.T) {
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for blob length not divisible by 4")
	}
	if _, err := decodeFloat32sInto(nil, []byte{1, 2, 3, 4, 5}); err == nil {
		t.Error("expected error for blob length not divisible by 4")
	}
}
