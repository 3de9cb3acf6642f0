package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mkallin/ctxd/internal/contexts"
	"github.com/mkallin/ctxd/internal/storage"
)

// ContextRequest is the wire form of a context write. Tier defaults to
// workspace and Type to documentation when omitted.
type ContextRequest struct {
	WorkspaceID string         `json:"workspace_id"`
	Tier        string         `json:"tier"`
	Type        string         `json:"type"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata"`
	Confidence  float64        `json:"confidence"`
}

func (cr ContextRequest) toStorage() storage.Context {
	c := storage.Context{
		WorkspaceID: cr.WorkspaceID,
		Tier:        cr.Tier,
		Type:        cr.Type,
		Content:     cr.Content,
		Metadata:    cr.Metadata,
		Confidence:  cr.Confidence,
	}
	if c.Tier == "" {
		c.Tier = storage.TierWorkspace
	}
	if c.Type == "" {
		c.Type = storage.TypeDocumentation
	}
	return c
}

func handleCreateContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ContextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		c, err := deps.Contexts.Create(r.Context(), req.toStorage())
		if errors.Is(err, contexts.ErrInvalid) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating context: %v", err)
			return
		}

		w.WriteHeader(http.StatusCreated)
		writeJSON(w, c)
	}
}

func handleCreateContextBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req struct {
			Contexts []ContextRequest `json:"contexts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Contexts) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "contexts is required and must not be empty")
			return
		}

		cs := make([]storage.Context, len(req.Contexts))
		for i, cr := range req.Contexts {
			cs[i] = cr.toStorage()
		}

		ids, err := deps.Contexts.CreateBatch(r.Context(), cs)
		if errors.Is(err, contexts.ErrInvalid) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil && len(ids) == 0 {
			httpError(w, http.StatusInternalServerError, "api_error", "creating batch: %v", err)
			return
		}

		resp := map[string]any{"ids": ids, "count": len(ids)}
		if err != nil {
			// Partial success: the stored ids are reported alongside
			// the joined per-item failures.
			resp["errors"] = err.Error()
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, resp)
	}
}

func handleListContexts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID := r.URL.Query().Get("workspace_id")
		if workspaceID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "workspace_id is required")
			return
		}

		opt := storage.ListOptions{
			Tier:   r.URL.Query().Get("tier"),
			Type:   r.URL.Query().Get("type"),
			Limit:  parseIntParam(r, "limit", 50, 500),
			Offset: parseIntParam(r, "offset", 0, 0),
		}

		cs, err := deps.Contexts.ListByWorkspace(r.Context(), workspaceID, opt)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing contexts: %v", err)
			return
		}
		if cs == nil {
			cs = []storage.Context{}
		}
		writeJSON(w, cs)
	}
}

func handleGetContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		c, err := deps.Contexts.Get(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting context: %v", err)
			return
		}
		if c == nil {
			httpError(w, http.StatusNotFound, "not_found", "context not found")
			return
		}
		writeJSON(w, c)
	}
}

func handleUpdateContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Content    *string        `json:"content"`
			Metadata   map[string]any `json:"metadata"`
			Confidence *float64       `json:"confidence"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		c, err := deps.Contexts.Update(r.Context(), id, contexts.Update{
			Content:    req.Content,
			Metadata:   req.Metadata,
			Confidence: req.Confidence,
		})
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "context not found")
			return
		}
		if errors.Is(err, contexts.ErrInvalid) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "updating context: %v", err)
			return
		}
		writeJSON(w, c)
	}
}

func handleDeleteContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Contexts.Delete(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "context not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting context: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleGetVersions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		limit := parseIntParam(r, "limit", 0, 0)

		vs, err := deps.Contexts.GetVersions(r.Context(), id, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing versions: %v", err)
			return
		}
		if vs == nil {
			vs = []storage.ContextVersion{}
		}
		writeJSON(w, vs)
	}
}

func handleRestoreVersion(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Version int `json:"version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Version <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "version must be positive")
			return
		}

		c, err := deps.Contexts.RestoreVersion(r.Context(), id, req.Version)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "context or version not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "restoring version: %v", err)
			return
		}
		writeJSON(w, c)
	}
}
