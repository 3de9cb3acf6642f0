//go:build integration

package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/mkallin/ctxd/internal/contexts"
	"github.com/mkallin/ctxd/internal/embedding"
	"github.com/mkallin/ctxd/internal/engine"
	"github.com/mkallin/ctxd/internal/injection"
	"github.com/mkallin/ctxd/internal/intent"
	"github.com/mkallin/ctxd/internal/retrieval"
	"github.com/mkallin/ctxd/internal/storage"
	"github.com/mkallin/ctxd/internal/synthesis"
	"github.com/mkallin/ctxd/internal/task"
	"github.com/mkallin/ctxd/internal/vectors"
	"github.com/mkallin/ctxd/internal/workspace"
)

// setupIntegrationPipeline wires the full composition stack against a
// running Ollama instance with an in-memory dual store.
func setupIntegrationPipeline(t *testing.T) (*Pipeline, *contexts.Manager) {
	t.Helper()

	eng := engine.NewOllamaEngine("http://localhost:11434")
	if !eng.IsRunning(context.Background()) {
		t.Skip("Ollama is not running, skipping integration test")
	}
	if !eng.HasModel(context.Background(), "phi3.5") {
		t.Skip("phi3.5 model not available, skipping integration test")
	}

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	index := vectors.NewSQLiteIndex(store.DB())
	gateway := embedding.NewGateway(eng, "nomic-embed-text", embedding.NopCache{})
	manager := contexts.NewManager(store, index, gateway)

	retriever := retrieval.NewRetriever(store, index, gateway, retrieval.Options{})
	extractor := intent.NewExtractor(eng, "phi3.5")
	p := New(store, workspace.NewManager(store), extractor, retriever, synthesis.New(0, 0), injection.New(0), Options{ExpandQueries: true})
	return p, manager
}

func TestComposeAgainstRealEngine(t *testing.T) {
	p, manager := setupIntegrationPipeline(t)

	docText := "auth.go validates JWT tokens in the authentication middleware before every handler runs"
	_, err := manager.Create(context.Background(), storage.Context{
		WorkspaceID: "ws-int",
		Tier:        storage.TierWorkspace,
		Type:        storage.TypeFile,
		Content:     docText,
		Metadata:    map[string]any{"file_path": "auth.go", "language": "go"},
	})
	if err != nil {
		t.Fatalf("seeding context: %v", err)
	}

	comp, err := p.Compose(context.Background(), Request{
		Prompt:      "fix the JWT validation bug in auth.go",
		WorkspaceID: "ws-int",
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	if comp.Task == task.General && comp.Confidence == 0 {
		t.Error("classification degraded to the zero value, expected a real task")
	}
	if len(comp.Sections) == 0 {
		t.Fatal("expected the seeded context to be injected")
	}
	if !strings.Contains(comp.SystemPrompt+comp.UserPrompt, "JWT") {
		t.Error("injected prompts do not mention the seeded content")
	}
	t.Logf("task=%v strategy=%s tokens=%d duration=%v", comp.Task, comp.Strategy, comp.TotalTokens, comp.Duration)
}
