package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mkallin/ctxd/internal/completion"
)

func handleModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := deps.Upstream.ListModels(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to list models: %v", err)
			return
		}

		writeJSON(w, completion.ModelList{
			Object: "list",
			Data:   models,
		})
	}
}

func handleChatCompletions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req completion.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if !hasMessages(req.Messages) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}

		// Enrich when an enricher is wired and a workspace is known.
		// Anything else is transparent passthrough.
		workspaceID := r.Header.Get(WorkspaceHeader)
		if workspaceID == "" {
			workspaceID = deps.DefaultWorkspace
		}
		if deps.Enricher != nil && workspaceID != "" {
			enriched, comp := deps.Enricher.Enrich(r.Context(), req, workspaceID)
			req = enriched
			if comp != nil {
				slog.Debug("request enriched",
					"workspace", workspaceID,
					"task", comp.Task.String(),
					"contexts", len(comp.ContextIDs),
					"context_tokens", comp.ContextTokens,
				)
			}
		}

		rc, err := deps.Upstream.Chat(r.Context(), req)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "upstream error: %v", err)
			return
		}
		defer rc.Close()

		if req.Stream {
			streamResponse(w, rc)
		} else {
			body, err := io.ReadAll(rc)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "reading upstream response: %v", err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(body)
		}
	}
}

// streamResponse copies upstream SSE lines to the client as they
// arrive. A mid-stream upstream failure is surfaced as a data event;
// headers are already gone by then.
func streamResponse(w http.ResponseWriter, rc io.Reader) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	reader := bufio.NewReader(rc)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			w.Write(line)
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				slog.Error("upstream stream read error", "error", err)
				errPayload, marshalErr := json.Marshal(map[string]any{
					"error": map[string]any{
						"message": "upstream read error",
						"type":    "server_error",
					},
				})
				if marshalErr == nil {
					fmt.Fprintf(w, "data: %s\n\n", errPayload)
					flusher.Flush()
				}
			}
			break
		}
	}
}

func hasMessages(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return false
	}
	return len(arr) > 0
}
