package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mkallin/ctxd/internal/engine"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	mu      sync.Mutex
	calls   [][]string
	embedFn func(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []engine.Message, _ *engine.Schema) (string, error) {
	return "", errors.New("not implemented")
}
func (m *mockEngine) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, inputs)
	m.mu.Unlock()
	return m.embedFn(ctx, model, inputs)
}
func (m *mockEngine) IsRunning(_ context.Context) bool               { return true }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) { return nil, nil }
func (m *mockEngine) HasModel(_ context.Context, _ string) bool      { return true }
func (m *mockEngine) PullModel(_ context.Context, _ string, _ func(engine.PullProgress)) error {
	return errors.New("not implemented")
}

func (m *mockEngine) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// echoVectors returns a distinct vector per input so tests can verify
// position alignment.
func echoVectors(_ context.Context, _ string, inputs []string) ([][]float32, error) {
	vecs := make([][]float32, len(inputs))
	for i, text := range inputs {
		vecs[i] = []float32{float32(len(text)), 0.5}
	}
	return vecs, nil
}

func TestEmbed_ReturnsVector(t *testing.T) {
	mock := &mockEngine{embedFn: echoVectors}
	g := NewGateway(mock, "nomic-embed-text", NopCache{})

	vec, err := g.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 5 {
		t.Errorf("vec = %v, want [5 0.5]", vec)
	}
}

func TestEmbed_EngineError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ []string) ([][]float32, error) {
			return nil, errors.New("connection refused")
		},
	}
	g := NewGateway(mock, "nomic-embed-text", NopCache{})

	_, err := g.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestEmbedBatch_OrderPreserved(t *testing.T) {
	mock := &mockEngine{embedFn: echoVectors}
	g := NewGateway(mock, "nomic-embed-text", NopCache{})

	vecs, err := g.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, wantLen := range []float32{1, 2, 3} {
		if vecs[i][0] != wantLen {
			t.Errorf("vecs[%d][0] = %f, want %f", i, vecs[i][0], wantLen)
		}
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	mock := &mockEngine{embedFn: echoVectors}
	g := NewGateway(mock, "nomic-embed-text", NopCache{})

	vecs, err := g.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs != nil {
		t.Errorf("expected nil for empty input, got %v", vecs)
	}
	if mock.callCount() != 0 {
		t.Errorf("engine called %d times for empty input, want 0", mock.callCount())
	}
}

func TestEmbedBatch_CacheHitSkipsEngine(t *testing.T) {
	mock := &mockEngine{embedFn: echoVectors}
	g := NewGateway(mock, "nomic-embed-text", NewMemoryCache(16))

	if _, err := g.EmbedBatch(context.Background(), []string{"hello", "world"}); err != nil {
		t.Fatalf("first EmbedBatch: %v", err)
	}
	callsAfterFirst := mock.callCount()

	vecs, err := g.EmbedBatch(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("second EmbedBatch: %v", err)
	}
	if mock.callCount() != callsAfterFirst {
		t.Errorf("engine called again on full cache hit: %d -> %d calls", callsAfterFirst, mock.callCount())
	}
	if vecs[0][0] != 5 || vecs[1][0] != 5 {
		t.Errorf("cached vectors = %v, want lengths preserved", vecs)
	}
}

func TestEmbedBatch_PartialCacheMiss(t *testing.T) {
	mock := &mockEngine{embedFn: echoVectors}
	g := NewGateway(mock, "nomic-embed-text", NewMemoryCache(16))

	if _, err := g.EmbedBatch(context.Background(), []string{"cached"}); err != nil {
		t.Fatalf("priming EmbedBatch: %v", err)
	}

	vecs, err := g.EmbedBatch(context.Background(), []string{"cached", "fresh"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}

	mock.mu.Lock()
	last := mock.calls[len(mock.calls)-1]
	mock.mu.Unlock()
	if len(last) != 1 || last[0] != "fresh" {
		t.Errorf("engine received %v, want only the miss [fresh]", last)
	}
}

func TestEmbedBatch_ChunksLargeBatches(t *testing.T) {
	mock := &mockEngine{embedFn: echoVectors}
	g := NewGateway(mock, "nomic-embed-text", NopCache{})

	texts := make([]string, 40)
	for i := range texts {
		texts[i] = string(rune('a' + i%26))
	}
	// Duplicate letters are fine: NopCache never dedupes.
	if _, err := g.EmbedBatch(context.Background(), texts); err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}

	if mock.callCount() != 3 {
		t.Errorf("engine called %d times for 40 inputs, want 3 (batch size %d)", mock.callCount(), engineBatchSize)
	}
	mock.mu.Lock()
	defer mock.mu.Unlock()
	for i, call := range mock.calls {
		if len(call) > engineBatchSize {
			t.Errorf("call %d had %d inputs, want <= %d", i, len(call), engineBatchSize)
		}
	}
}

func TestCacheKey_ModelScoped(t *testing.T) {
	if cacheKey("model-a", "text") == cacheKey("model-b", "text") {
		t.Error("cache keys for different models must differ")
	}
	if cacheKey("model-a", "text") != cacheKey("model-a", "text") {
		t.Error("cache key must be deterministic")
	}
}
