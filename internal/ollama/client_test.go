package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	type resp struct {
		Models []entry `json:"models"`
	}
	r := resp{}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestIsRunning_Up(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("qwen2.5-coder:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestIsRunning_Down(t *testing.T) {
	// Point at a closed server to simulate connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL)
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("qwen2.5-coder:latest", "mistral-nemo:latest", "nomic-embed-text:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}

	if len(models) != 3 {
		t.Fatalf("got %d models, want 3", len(models))
	}

	want := []string{"qwen2.5-coder:latest", "mistral-nemo:latest", "nomic-embed-text:latest"}
	for i, w := range want {
		if models[i] != w {
			t.Errorf("models[%d] = %q, want %q", i, models[i], w)
		}
	}
}

func TestHasModel_Present(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("qwen2.5-coder:latest", "mistral-nemo:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.HasModel(context.Background(), "qwen2.5-coder") {
		t.Error("HasModel(qwen2.5-coder) = false, want true")
	}
}

func TestHasModel_Absent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("mistral-nemo:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if c.HasModel(context.Background(), "qwen2.5-coder") {
		t.Error("HasModel(qwen2.5-coder) = true, want false")
	}
}

func TestChat_PlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		resp := chatResponse{
			Message: Message{Role: "assistant", Content: "Go is great!"},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.Chat(context.Background(), "qwen2.5-coder", []Message{
		{Role: "user", Content: "Tell me about Go"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if result != "Go is great!" {
		t.Errorf("result = %q, want %q", result, "Go is great!")
	}
}

func TestChat_JSONSchema(t *testing.T) {
	var capturedFormat any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}

		var reqBody chatRequest
		json.NewDecoder(r.Body).Decode(&reqBody)
		capturedFormat = reqBody.Format

		resp := chatResponse{
			Message: Message{Role: "assistant", Content: `{"task":"bug_fix","confidence":0.95}`},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	schema := &Schema{
		Type: "object",
		Properties: map[string]SchemaProperty{
			"task":       {Type: "string"},
			"confidence": {Type: "number"},
		},
		Required: []string{"task", "confidence"},
	}

	result, err := c.Chat(context.Background(), "qwen2.5-coder", []Message{
		{Role: "user", Content: "classify this"},
	}, schema)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	formatMap, ok := capturedFormat.(map[string]any)
	if !ok {
		t.Fatalf("format = %T, want map (schema object)", capturedFormat)
	}
	if formatMap["type"] != "object" {
		t.Errorf("format.type = %v, want %q", formatMap["type"], "object")
	}

	// Verify response is valid JSON.
	var parsed map[string]any
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		t.Errorf("response is not valid JSON: %v", err)
	}
}

func TestEmbed_Batch(t *testing.T) {
	var capturedInputs []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var reqBody embedRequest
		json.NewDecoder(r.Body).Decode(&reqBody)
		capturedInputs = reqBody.Input

		resp := embedResponse{
			Embeddings: [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	vecs, err := c.Embed(context.Background(), "nomic-embed-text", []string{"hello", "world"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if len(capturedInputs) != 2 {
		t.Fatalf("server received %d inputs, want 2", len(capturedInputs))
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	if vecs[0][0] != 0.1 || vecs[1][2] != 0.6 {
		t.Errorf("vectors = %v, want [[0.1 0.2 0.3] [0.4 0.5 0.6]]", vecs)
	}
}

func TestEmbed_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := embedResponse{
			Embeddings: [][]float32{{0.1, 0.2}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Embed(context.Background(), "nomic-embed-text", []string{"a", "b"})
	if err == nil {
		t.Fatal("expected error when embedding count does not match input count")
	}
}

func TestEmbed_EmptyInput(t *testing.T) {
	c := New("http://127.0.0.1:1")
	vecs, err := c.Embed(context.Background(), "nomic-embed-text", nil)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vecs != nil {
		t.Errorf("expected nil for empty input, got %v", vecs)
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}

		// Verify request body.
		var reqBody pullRequest
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody.Name != "qwen2.5-coder" {
			t.Errorf("pull model = %q, want %q", reqBody.Name, "qwen2.5-coder")
		}

		// Stream progress lines as newline-delimited JSON.
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	var progressCount int
	err := c.PullModel(context.Background(), "qwen2.5-coder", func(p PullProgress) {
		progressCount++
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}

	if progressCount != 3 {
		t.Errorf("received %d progress updates, want 3", progressCount)
	}
}
