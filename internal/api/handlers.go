package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mkallin/ctxd/internal/evolution"
	"github.com/mkallin/ctxd/internal/ingest"
	"github.com/mkallin/ctxd/internal/injection"
	"github.com/mkallin/ctxd/internal/pipeline"
	"github.com/mkallin/ctxd/internal/retrieval"
	"github.com/mkallin/ctxd/internal/storage"
	"github.com/mkallin/ctxd/internal/workspace"
)

// RetrieveRequest is the wire form of a retrieval call. A nil Expand
// follows the server default.
type RetrieveRequest struct {
	WorkspaceID string          `json:"workspace_id"`
	Query       string          `json:"query"`
	Tier        string          `json:"tier"`
	Limit       int             `json:"limit"`
	MinScore    float64         `json:"min_score"`
	Expand      *bool           `json:"expand"`
	Entities    []EntityRequest `json:"entities"`
}

// EntityRequest is a caller-supplied query entity considered for
// expansion.
type EntityRequest struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

func toEntities(reqs []EntityRequest) []retrieval.Entity {
	if len(reqs) == 0 {
		return nil
	}
	entities := make([]retrieval.Entity, len(reqs))
	for i, e := range reqs {
		entities[i] = retrieval.Entity{Value: e.Value, Confidence: e.Confidence}
	}
	return entities
}

func handleRetrieve(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RetrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.WorkspaceID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "workspace_id is required")
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if req.Tier != "" && !storage.ValidTier(req.Tier) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown tier %q", req.Tier)
			return
		}

		expand := deps.QueryExpansion
		if req.Expand != nil {
			expand = *req.Expand
		}
		limit := req.Limit
		if limit == 0 {
			limit = deps.RetrieveLimit
		}

		rs, err := deps.Retriever.Retrieve(r.Context(), retrieval.Query{
			WorkspaceID: req.WorkspaceID,
			Text:        req.Query,
			Entities:    toEntities(req.Entities),
			Tier:        req.Tier,
			Limit:       limit,
			MinScore:    req.MinScore,
			Expand:      expand,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "retrieving: %v", err)
			return
		}
		writeJSON(w, rs)
	}
}

// ComposeRequest is the wire form of a pipeline composition call.
type ComposeRequest struct {
	WorkspaceID   string          `json:"workspace_id"`
	Prompt        string          `json:"prompt"`
	TaskType      string          `json:"task_type"`
	Strategy      string          `json:"strategy"`
	Entities      []EntityRequest `json:"entities"`
	Limit         int             `json:"limit"`
	MinSimilarity float64         `json:"min_similarity"`
}

func handleCompose(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ComposeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		comp, err := deps.Pipeline.Compose(r.Context(), pipeline.Request{
			Prompt:        req.Prompt,
			WorkspaceID:   req.WorkspaceID,
			TaskType:      req.TaskType,
			Strategy:      injection.Strategy(req.Strategy),
			Entities:      toEntities(req.Entities),
			Limit:         req.Limit,
			MinSimilarity: req.MinSimilarity,
		})
		if errors.Is(err, pipeline.ErrInvalid) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		var budgetErr *injection.BudgetExceededError
		if errors.As(err, &budgetErr) {
			httpError(w, http.StatusUnprocessableEntity, "budget_exceeded", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "composing: %v", err)
			return
		}
		writeJSON(w, comp)
	}
}

// FeedbackRequest is the wire form of a feedback signal. Helpful and
// Rating distinguish absent from false/zero.
type FeedbackRequest struct {
	ContextID     string `json:"context_id"`
	WorkspaceID   string `json:"workspace_id"`
	Helpful       *bool  `json:"helpful"`
	Used          bool   `json:"used"`
	Rating        *int   `json:"rating"`
	InteractionID string `json:"interaction_id"`
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req FeedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ContextID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "context_id is required")
			return
		}
		if req.WorkspaceID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "workspace_id is required")
			return
		}
		if req.Rating != nil && (*req.Rating < 1 || *req.Rating > 5) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "rating must be between 1 and 5")
			return
		}

		err := deps.Evolution.ProcessFeedback(r.Context(), evolution.Feedback{
			ContextID:     req.ContextID,
			WorkspaceID:   req.WorkspaceID,
			Helpful:       req.Helpful,
			Used:          req.Used,
			Rating:        req.Rating,
			InteractionID: req.InteractionID,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "recording feedback: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "recorded"})
	}
}

func handleEvolutionSweep(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			WorkspaceID string `json:"workspace_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.WorkspaceID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "workspace_id is required")
			return
		}

		res, err := deps.Evolution.Evolve(r.Context(), req.WorkspaceID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "evolution sweep: %v", err)
			return
		}
		writeJSON(w, res)
	}
}

func handleEvolutionStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID := r.URL.Query().Get("workspace_id")
		if workspaceID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "workspace_id is required")
			return
		}

		stats, err := deps.Evolution.GetEvolutionStats(r.Context(), workspaceID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "computing stats: %v", err)
			return
		}
		writeJSON(w, stats)
	}
}

// IngestRequest is the wire form of an ingestion call. Exactly one of
// path, url, or content must be set.
type IngestRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Path        string `json:"path"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	Source      string `json:"source"`
	Tier        string `json:"tier"`
	Type        string `json:"type"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		report, err := deps.Ingestor.Ingest(r.Context(), ingest.Request{
			WorkspaceID: req.WorkspaceID,
			Path:        req.Path,
			URL:         req.URL,
			Content:     req.Content,
			Source:      req.Source,
			Tier:        req.Tier,
			Type:        req.Type,
		})
		if errors.Is(err, ingest.ErrInvalid) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "ingesting: %v", err)
			return
		}
		writeJSON(w, report)
	}
}

// SettingsRequest is the wire form of a workspace settings write. Zero
// values mean "unset, use the global default".
type SettingsRequest struct {
	InjectionStrategy string  `json:"injection_strategy"`
	TotalBudget       int     `json:"total_budget"`
	ResponseReserve   int     `json:"response_reserve"`
	DecayRate         float64 `json:"decay_rate"`
}

func handleGetSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		ws, err := deps.Workspaces.Get(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading settings: %v", err)
			return
		}
		ws.WorkspaceID = id
		writeJSON(w, ws)
	}
}

func handlePutSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		ws := storage.WorkspaceSettings{
			WorkspaceID:       id,
			InjectionStrategy: req.InjectionStrategy,
			TotalBudget:       req.TotalBudget,
			ResponseReserve:   req.ResponseReserve,
			DecayRate:         req.DecayRate,
		}
		if err := deps.Workspaces.Set(ws); err != nil {
			if errors.Is(err, workspace.ErrInvalid) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "saving settings: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "updated"})
	}
}
