// Package api exposes the daemon over HTTP: an OpenAI-compatible /v1
// surface for transparent enrichment and a bearer-guarded /api surface
// for context management, composition and evolution. It also hosts the
// MCP server registration.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mkallin/ctxd/internal/completion"
	"github.com/mkallin/ctxd/internal/contexts"
	"github.com/mkallin/ctxd/internal/evolution"
	"github.com/mkallin/ctxd/internal/ingest"
	"github.com/mkallin/ctxd/internal/pipeline"
	"github.com/mkallin/ctxd/internal/retrieval"
	"github.com/mkallin/ctxd/internal/workspace"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxIngestBodySize = 10 << 20 // 10MB

// WorkspaceHeader names the workspace a /v1 request enriches against.
const WorkspaceHeader = "X-Ctxd-Workspace"

// Deps wires the HTTP layer to the domain components.
type Deps struct {
	Contexts   *contexts.Manager
	Retriever  *retrieval.Retriever
	Pipeline   *pipeline.Pipeline
	Evolution  *evolution.Engine
	Ingestor   *ingest.Ingestor
	Workspaces *workspace.Manager

	// Upstream and Enricher back the /v1 surface. A nil Enricher
	// forwards requests untouched (passthrough mode).
	Upstream *completion.Client
	Enricher *completion.Enricher

	// Token guards the /api surface; empty disables auth.
	Token string
	// DefaultWorkspace backs /v1 requests that do not name one.
	DefaultWorkspace string
	// RetrieveLimit applies to /api/retrieve requests that leave Limit
	// unset. Zero falls back to the retriever's own default.
	RetrieveLimit int
	// QueryExpansion is the default expansion mode for /api/retrieve.
	QueryExpansion bool
}

// NewRouter builds the full HTTP handler. Health and the /v1 surface
// are open; everything under /api except health requires the bearer
// token.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/api/health", handleHealth)

	r.Get("/v1/models", handleModels(deps))
	r.Post("/v1/chat/completions", handleChatCompletions(deps))

	r.Group(func(g chi.Router) {
		g.Use(BearerAuth(deps.Token))

		g.Post("/api/contexts", handleCreateContext(deps))
		g.Post("/api/contexts/batch", handleCreateContextBatch(deps))
		g.Get("/api/contexts", handleListContexts(deps))
		g.Get("/api/contexts/{id}", handleGetContext(deps))
		g.Patch("/api/contexts/{id}", handleUpdateContext(deps))
		g.Delete("/api/contexts/{id}", handleDeleteContext(deps))
		g.Get("/api/contexts/{id}/versions", handleGetVersions(deps))
		g.Post("/api/contexts/{id}/restore", handleRestoreVersion(deps))

		g.Post("/api/retrieve", handleRetrieve(deps))
		g.Post("/api/compose", handleCompose(deps))
		g.Post("/api/feedback", handleFeedback(deps))
		g.Post("/api/evolution/sweep", handleEvolutionSweep(deps))
		g.Get("/api/evolution/stats", handleEvolutionStats(deps))
		g.Post("/api/ingest", handleIngest(deps))

		g.Get("/api/workspaces/{id}/settings", handleGetSettings(deps))
		g.Put("/api/workspaces/{id}/settings", handlePutSettings(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
