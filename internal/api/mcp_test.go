package api

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mkallin/ctxd/internal/evolution"
	"github.com/mkallin/ctxd/internal/pipeline"
	"github.com/mkallin/ctxd/internal/retrieval"
	"github.com/mkallin/ctxd/internal/storage"
	"github.com/mkallin/ctxd/internal/task"
)

// --- mocks ---

type mockMCPStore struct {
	created []storage.Context
	err     error
}

func (m *mockMCPStore) Create(_ context.Context, c storage.Context) (*storage.Context, error) {
	if m.err != nil {
		return nil, m.err
	}
	c.ID = "ctx-1"
	m.created = append(m.created, c)
	return &c, nil
}

type mockMCPRetriever struct {
	results *retrieval.ResultSet
	err     error
}

func (m *mockMCPRetriever) Retrieve(_ context.Context, _ retrieval.Query) (*retrieval.ResultSet, error) {
	return m.results, m.err
}

type mockMCPComposer struct {
	comp *pipeline.Composition
	err  error
	last pipeline.Request
}

func (m *mockMCPComposer) Compose(_ context.Context, req pipeline.Request) (*pipeline.Composition, error) {
	m.last = req
	return m.comp, m.err
}

type mockMCPEvolver struct {
	feedback []evolution.Feedback
	result   evolution.EvolveResult
	stats    *evolution.Stats
	err      error
}

func (m *mockMCPEvolver) ProcessFeedback(_ context.Context, fb evolution.Feedback) error {
	if m.err != nil {
		return m.err
	}
	m.feedback = append(m.feedback, fb)
	return nil
}

func (m *mockMCPEvolver) Evolve(_ context.Context, _ string) (evolution.EvolveResult, error) {
	return m.result, m.err
}

func (m *mockMCPEvolver) GetEvolutionStats(_ context.Context, _ string) (*evolution.Stats, error) {
	return m.stats, m.err
}

// --- helpers ---

func newTestMCPDeps() MCPDeps {
	return MCPDeps{
		Contexts:  &mockMCPStore{},
		Retriever: &mockMCPRetriever{results: &retrieval.ResultSet{}},
		Composer:  &mockMCPComposer{},
		Evolution: &mockMCPEvolver{},
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_StoreContext(t *testing.T) {
	deps := newTestMCPDeps()
	store := &mockMCPStore{}
	deps.Contexts = store
	handler := mcpStoreContext(deps)

	req := makeCallToolRequest("store_context", map[string]interface{}{
		"workspace_id": "ws1",
		"content":      "the gateway retries twice",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	text := toolText(t, result)
	if text != "Stored context ctx-1" {
		t.Errorf("unexpected response: %s", text)
	}

	if len(store.created) != 1 {
		t.Fatalf("created %d contexts, want 1", len(store.created))
	}
	c := store.created[0]
	if c.WorkspaceID != "ws1" {
		t.Errorf("WorkspaceID = %q, want %q", c.WorkspaceID, "ws1")
	}
	if c.Tier != storage.TierWorkspace {
		t.Errorf("Tier = %q, want default %q", c.Tier, storage.TierWorkspace)
	}
	if c.Type != storage.TypeDocumentation {
		t.Errorf("Type = %q, want default %q", c.Type, storage.TypeDocumentation)
	}
	if c.Metadata["source"] != "mcp" {
		t.Errorf("Metadata[source] = %v, want %q", c.Metadata["source"], "mcp")
	}
}

func TestMCPTool_StoreContext_MissingArgs(t *testing.T) {
	deps := newTestMCPDeps()
	handler := mcpStoreContext(deps)

	req := makeCallToolRequest("store_context", map[string]interface{}{
		"workspace_id": "ws1",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for missing content")
	}
}

func TestMCPTool_RetrieveContext(t *testing.T) {
	deps := newTestMCPDeps()
	deps.Retriever = &mockMCPRetriever{
		results: &retrieval.ResultSet{
			Contexts: []retrieval.ScoredContext{
				{Context: storage.Context{ID: "c1", Tier: "workspace", Type: "documentation", Content: "first", Confidence: 0.8}, Score: 0.95},
				{Context: storage.Context{ID: "c2", Tier: "global", Type: "architecture", Content: "second", Confidence: 0.6}, Score: 0.7},
			},
		},
	}
	handler := mcpRetrieveContext(deps)

	req := makeCallToolRequest("retrieve_context", map[string]interface{}{
		"workspace_id": "ws1",
		"query":        "gateway retries",
		"limit":        5,
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var results []struct {
		ID    string  `json:"id"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &results); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != "c1" || results[0].Score != 0.95 {
		t.Errorf("results[0] = %+v", results[0])
	}
}

func TestMCPTool_RetrieveContext_Empty(t *testing.T) {
	deps := newTestMCPDeps()
	handler := mcpRetrieveContext(deps)

	req := makeCallToolRequest("retrieve_context", map[string]interface{}{
		"workspace_id": "ws1",
		"query":        "nothing matches",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}
	if text := toolText(t, result); text != "[]" {
		t.Errorf("expected empty array, got: %s", text)
	}
}

func TestMCPTool_RetrieveContext_Error(t *testing.T) {
	deps := newTestMCPDeps()
	deps.Retriever = &mockMCPRetriever{err: errors.New("embed failed")}
	handler := mcpRetrieveContext(deps)

	req := makeCallToolRequest("retrieve_context", map[string]interface{}{
		"workspace_id": "ws1",
		"query":        "anything",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_ComposePrompt(t *testing.T) {
	deps := newTestMCPDeps()
	composer := &mockMCPComposer{
		comp: &pipeline.Composition{
			InteractionID: "int-1",
			Task:          task.BugFix,
			Strategy:      "prefix",
			SystemPrompt:  "context goes here",
			UserPrompt:    "the question",
			TotalTokens:   120,
			ContextTokens: 80,
			ContextIDs:    []string{"c1"},
		},
	}
	deps.Composer = composer
	handler := mcpComposePrompt(deps)

	req := makeCallToolRequest("compose_prompt", map[string]interface{}{
		"workspace_id": "ws1",
		"prompt":       "why does the test fail",
		"task_type":    "bug_fix",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var payload struct {
		InteractionID string   `json:"interaction_id"`
		Task          string   `json:"task"`
		SystemPrompt  string   `json:"system_prompt"`
		ContextIDs    []string `json:"context_ids"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.InteractionID != "int-1" {
		t.Errorf("interaction_id = %q, want %q", payload.InteractionID, "int-1")
	}
	if payload.Task != "bug_fix" {
		t.Errorf("task = %q, want %q", payload.Task, "bug_fix")
	}
	if len(payload.ContextIDs) != 1 {
		t.Errorf("context_ids = %v, want 1 entry", payload.ContextIDs)
	}

	if composer.last.WorkspaceID != "ws1" || composer.last.TaskType != "bug_fix" {
		t.Errorf("composer received %+v", composer.last)
	}
}

func TestMCPTool_ComposePrompt_Error(t *testing.T) {
	deps := newTestMCPDeps()
	deps.Composer = &mockMCPComposer{err: errors.New("no workspace")}
	handler := mcpComposePrompt(deps)

	req := makeCallToolRequest("compose_prompt", map[string]interface{}{
		"workspace_id": "ws1",
		"prompt":       "anything",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_SubmitFeedback(t *testing.T) {
	deps := newTestMCPDeps()
	evolver := &mockMCPEvolver{}
	deps.Evolution = evolver
	handler := mcpSubmitFeedback(deps)

	req := makeCallToolRequest("submit_feedback", map[string]interface{}{
		"workspace_id": "ws1",
		"context_id":   "c1",
		"helpful":      true,
		"used":         true,
		"rating":       float64(4),
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	if len(evolver.feedback) != 1 {
		t.Fatalf("recorded %d feedback entries, want 1", len(evolver.feedback))
	}
	fb := evolver.feedback[0]
	if fb.ContextID != "c1" || fb.WorkspaceID != "ws1" {
		t.Errorf("feedback = %+v", fb)
	}
	if fb.Helpful == nil || !*fb.Helpful {
		t.Error("Helpful not recorded as true")
	}
	if !fb.Used {
		t.Error("Used not recorded")
	}
	if fb.Rating == nil || *fb.Rating != 4 {
		t.Errorf("Rating = %v, want 4", fb.Rating)
	}
}

func TestMCPTool_SubmitFeedback_OptionalAbsent(t *testing.T) {
	deps := newTestMCPDeps()
	evolver := &mockMCPEvolver{}
	deps.Evolution = evolver
	handler := mcpSubmitFeedback(deps)

	req := makeCallToolRequest("submit_feedback", map[string]interface{}{
		"workspace_id": "ws1",
		"context_id":   "c1",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	fb := evolver.feedback[0]
	if fb.Helpful != nil {
		t.Errorf("Helpful = %v, want nil when absent", *fb.Helpful)
	}
	if fb.Rating != nil {
		t.Errorf("Rating = %v, want nil when absent", *fb.Rating)
	}
	if fb.Used {
		t.Error("Used = true, want false when absent")
	}
}

func TestMCPTool_EvolveWorkspace(t *testing.T) {
	deps := newTestMCPDeps()
	deps.Evolution = &mockMCPEvolver{
		result: evolution.EvolveResult{
			Decay:        evolution.DecayStats{Examined: 10, Decayed: 3, Deleted: 1},
			Consolidated: 0,
		},
	}
	handler := mcpEvolveWorkspace(deps)

	req := makeCallToolRequest("evolve_workspace", map[string]interface{}{
		"workspace_id": "ws1",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var payload struct {
		Examined int `json:"examined"`
		Decayed  int `json:"decayed"`
		Deleted  int `json:"deleted"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.Examined != 10 || payload.Decayed != 3 || payload.Deleted != 1 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestMCPTool_MissingWorkspace(t *testing.T) {
	deps := newTestMCPDeps()

	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"store_context":    mcpStoreContext(deps),
		"retrieve_context": mcpRetrieveContext(deps),
		"compose_prompt":   mcpComposePrompt(deps),
		"submit_feedback":  mcpSubmitFeedback(deps),
		"evolve_workspace": mcpEvolveWorkspace(deps),
	}

	for name, handler := range handlers {
		req := makeCallToolRequest(name, map[string]interface{}{})
		result, err := handler(context.Background(), req)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if !result.IsError {
			t.Errorf("%s: expected error result without workspace_id", name)
		}
	}
}

func TestMCPResource_WorkspaceStats(t *testing.T) {
	sweep := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deps := newTestMCPDeps()
	deps.Evolution = &mockMCPEvolver{
		stats: &evolution.Stats{
			TotalContexts:     5,
			ByTier:            map[string]int{"workspace": 4, "global": 1},
			AverageConfidence: 0.72,
			Histogram:         [5]int{0, 1, 2, 2, 0},
			Feedback:          storage.FeedbackCounts{Helpful: 3, Unhelpful: 1},
			LastSweepAt:       &sweep,
		},
	}
	handler := mcpResourceStats(deps)

	req := makeReadResourceRequest("ctxd://workspace/ws1/stats")
	contents, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}

	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.MIMEType != "application/json" {
		t.Errorf("MIMEType = %q, want application/json", tc.MIMEType)
	}

	var payload struct {
		WorkspaceID     string         `json:"workspace_id"`
		TotalContexts   int            `json:"total_contexts"`
		ByTier          map[string]int `json:"by_tier"`
		FeedbackHelpful int            `json:"feedback_helpful"`
		LastSweepAt     string         `json:"last_sweep_at"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &payload); err != nil {
		t.Fatalf("failed to parse stats JSON: %v", err)
	}
	if payload.WorkspaceID != "ws1" {
		t.Errorf("workspace_id = %q, want ws1", payload.WorkspaceID)
	}
	if payload.TotalContexts != 5 {
		t.Errorf("total_contexts = %d, want 5", payload.TotalContexts)
	}
	if payload.ByTier["workspace"] != 4 {
		t.Errorf("by_tier[workspace] = %d, want 4", payload.ByTier["workspace"])
	}
	if payload.FeedbackHelpful != 3 {
		t.Errorf("feedback_helpful = %d, want 3", payload.FeedbackHelpful)
	}
	if payload.LastSweepAt != "2026-03-01T12:00:00Z" {
		t.Errorf("last_sweep_at = %q", payload.LastSweepAt)
	}
}

func TestMCPResource_BadURI(t *testing.T) {
	deps := newTestMCPDeps()
	handler := mcpResourceStats(deps)

	req := makeReadResourceRequest("ctxd://workspace/ws1/settings")
	if _, err := handler(context.Background(), req); err == nil {
		t.Fatal("expected error for malformed stats URI")
	}
}

func TestWorkspaceFromStatsURI(t *testing.T) {
	cases := []struct {
		uri  string
		want string
	}{
		{"ctxd://workspace/ws1/stats", "ws1"},
		{"ctxd://workspace/my-project/stats", "my-project"},
		{"ctxd://workspace//stats", ""},
		{"ctxd://workspace/ws1", ""},
		{"http://example.com/stats", ""},
	}
	for _, tc := range cases {
		if got := workspaceFromStatsURI(tc.uri); got != tc.want {
			t.Errorf("workspaceFromStatsURI(%q) = %q, want %q", tc.uri, got, tc.want)
		}
	}
}
