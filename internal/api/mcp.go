package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mkallin/ctxd/internal/evolution"
	"github.com/mkallin/ctxd/internal/injection"
	"github.com/mkallin/ctxd/internal/pipeline"
	"github.com/mkallin/ctxd/internal/retrieval"
	"github.com/mkallin/ctxd/internal/storage"
)

// MCPStore abstracts context writes for the MCP layer.
type MCPStore interface {
	Create(ctx context.Context, c storage.Context) (*storage.Context, error)
}

// MCPRetriever abstracts semantic search for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.ResultSet, error)
}

// MCPComposer abstracts the composition pipeline for the MCP layer.
type MCPComposer interface {
	Compose(ctx context.Context, req pipeline.Request) (*pipeline.Composition, error)
}

// MCPEvolver abstracts feedback processing and evolution sweeps.
type MCPEvolver interface {
	ProcessFeedback(ctx context.Context, fb evolution.Feedback) error
	Evolve(ctx context.Context, workspaceID string) (evolution.EvolveResult, error)
	GetEvolutionStats(ctx context.Context, workspaceID string) (*evolution.Stats, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Contexts  MCPStore
	Retriever MCPRetriever
	Composer  MCPComposer
	Evolution MCPEvolver
}

// NewMCPServer creates an MCP server with all ctxd tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"ctxd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ctxd stores workspace knowledge, retrieves it semantically, and composes enriched prompts for coding tasks."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("store_context",
			mcp.WithDescription("Store a piece of project knowledge into a workspace for later retrieval."),
			mcp.WithString("workspace_id", mcp.Description("Workspace the context belongs to"), mcp.Required()),
			mcp.WithString("content", mcp.Description("The text content to store"), mcp.Required()),
			mcp.WithString("tier", mcp.Description("Context tier: workspace, hybrid, or global (default workspace)")),
			mcp.WithString("type", mcp.Description("Context type: file, symbol, conversation, documentation, error, or architecture (default documentation)")),
		),
		mcpStoreContext(deps),
	)

	s.AddTool(
		mcp.NewTool("retrieve_context",
			mcp.WithDescription("Semantically search a workspace and return the most relevant contexts."),
			mcp.WithString("workspace_id", mcp.Description("Workspace to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithString("tier", mcp.Description("Pin the search to one tier")),
		),
		mcpRetrieveContext(deps),
	)

	s.AddTool(
		mcp.NewTool("compose_prompt",
			mcp.WithDescription("Run the full pipeline: classify the prompt, retrieve relevant contexts, and return an enriched system/user prompt pair."),
			mcp.WithString("workspace_id", mcp.Description("Workspace to compose against"), mcp.Required()),
			mcp.WithString("prompt", mcp.Description("The user prompt to enrich"), mcp.Required()),
			mcp.WithString("task_type", mcp.Description("Task category override; classified from the prompt when omitted")),
			mcp.WithString("strategy", mcp.Description("Injection strategy: prefix, inline, suffix, or hybrid")),
		),
		mcpComposePrompt(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_feedback",
			mcp.WithDescription("Record whether a context was helpful, nudging its confidence for future retrieval."),
			mcp.WithString("workspace_id", mcp.Description("Workspace the context belongs to"), mcp.Required()),
			mcp.WithString("context_id", mcp.Description("Context the feedback is about"), mcp.Required()),
			mcp.WithBoolean("helpful", mcp.Description("Whether the context helped")),
			mcp.WithBoolean("used", mcp.Description("Whether the context was actually used")),
			mcp.WithNumber("rating", mcp.Description("Quality rating from 1 to 5")),
			mcp.WithString("interaction_id", mcp.Description("Composition this feedback refers to")),
		),
		mcpSubmitFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("evolve_workspace",
			mcp.WithDescription("Run an evolution pass over a workspace: temporal decay plus garbage collection of low-confidence contexts."),
			mcp.WithString("workspace_id", mcp.Description("Workspace to evolve"), mcp.Required()),
		),
		mcpEvolveWorkspace(deps),
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"ctxd://workspace/{id}/stats",
			"Workspace Stats",
			mcp.WithTemplateDescription("Context counts, confidence distribution and feedback totals for a workspace"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpStoreContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workspaceID, err := req.RequireString("workspace_id")
		if err != nil {
			return mcpError("workspace_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		tier := req.GetString("tier", storage.TierWorkspace)
		ctype := req.GetString("type", storage.TypeDocumentation)

		c, err := deps.Contexts.Create(ctx, storage.Context{
			WorkspaceID: workspaceID,
			Tier:        tier,
			Type:        ctype,
			Content:     content,
			Metadata:    map[string]any{"source": "mcp"},
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store context: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Stored context %s", c.ID)), nil
	}
}

func mcpRetrieveContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workspaceID, err := req.RequireString("workspace_id")
		if err != nil {
			return mcpError("workspace_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		rs, err := deps.Retriever.Retrieve(ctx, retrieval.Query{
			WorkspaceID: workspaceID,
			Text:        query,
			Tier:        req.GetString("tier", ""),
			Limit:       limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("retrieval failed: %v", err)), nil
		}

		if len(rs.Contexts) == 0 {
			return mcpText("[]"), nil
		}

		type contextResult struct {
			ID         string  `json:"id"`
			Tier       string  `json:"tier"`
			Type       string  `json:"type"`
			Content    string  `json:"content"`
			Score      float64 `json:"score"`
			Confidence float64 `json:"confidence"`
		}

		results := make([]contextResult, len(rs.Contexts))
		for i, sc := range rs.Contexts {
			results[i] = contextResult{
				ID:         sc.ID,
				Tier:       sc.Tier,
				Type:       sc.Type,
				Content:    sc.Content,
				Score:      sc.Score,
				Confidence: sc.Confidence,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpComposePrompt(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workspaceID, err := req.RequireString("workspace_id")
		if err != nil {
			return mcpError("workspace_id is required"), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		comp, err := deps.Composer.Compose(ctx, pipeline.Request{
			Prompt:      prompt,
			WorkspaceID: workspaceID,
			TaskType:    req.GetString("task_type", ""),
			Strategy:    injection.Strategy(req.GetString("strategy", "")),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("composition failed: %v", err)), nil
		}

		payload := struct {
			InteractionID string   `json:"interaction_id"`
			Task          string   `json:"task"`
			Strategy      string   `json:"strategy"`
			SystemPrompt  string   `json:"system_prompt"`
			UserPrompt    string   `json:"user_prompt"`
			TotalTokens   int      `json:"total_tokens"`
			ContextTokens int      `json:"context_tokens"`
			ContextIDs    []string `json:"context_ids"`
		}{
			InteractionID: comp.InteractionID,
			Task:          comp.Task.String(),
			Strategy:      string(comp.Strategy),
			SystemPrompt:  comp.SystemPrompt,
			UserPrompt:    comp.UserPrompt,
			TotalTokens:   comp.TotalTokens,
			ContextTokens: comp.ContextTokens,
			ContextIDs:    comp.ContextIDs,
		}

		b, err := json.Marshal(payload)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal composition: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpSubmitFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workspaceID, err := req.RequireString("workspace_id")
		if err != nil {
			return mcpError("workspace_id is required"), nil
		}
		contextID, err := req.RequireString("context_id")
		if err != nil {
			return mcpError("context_id is required"), nil
		}

		fb := evolution.Feedback{
			ContextID:     contextID,
			WorkspaceID:   workspaceID,
			InteractionID: req.GetString("interaction_id", ""),
		}
		// Optional signals carry an absent/present distinction, so they
		// are read from the raw argument map.
		args := req.GetArguments()
		if v, ok := args["helpful"].(bool); ok {
			fb.Helpful = &v
		}
		if v, ok := args["used"].(bool); ok {
			fb.Used = v
		}
		if v, ok := args["rating"].(float64); ok {
			rating := int(v)
			fb.Rating = &rating
		}

		if err := deps.Evolution.ProcessFeedback(ctx, fb); err != nil {
			return mcpError(fmt.Sprintf("failed to record feedback: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Feedback recorded for context %s", contextID)), nil
	}
}

func mcpEvolveWorkspace(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workspaceID, err := req.RequireString("workspace_id")
		if err != nil {
			return mcpError("workspace_id is required"), nil
		}

		res, err := deps.Evolution.Evolve(ctx, workspaceID)
		if err != nil {
			return mcpError(fmt.Sprintf("evolution failed: %v", err)), nil
		}

		payload := struct {
			Examined          int `json:"examined"`
			Decayed           int `json:"decayed"`
			Deleted           int `json:"deleted"`
			Consolidated      int `json:"consolidated"`
			ConflictsResolved int `json:"conflicts_resolved"`
		}{
			Examined:          res.Decay.Examined,
			Decayed:           res.Decay.Decayed,
			Deleted:           res.Decay.Deleted,
			Consolidated:      res.Consolidated,
			ConflictsResolved: res.ConflictsResolved,
		}

		b, err := json.Marshal(payload)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		workspaceID := workspaceFromStatsURI(req.Params.URI)
		if workspaceID == "" {
			return nil, fmt.Errorf("invalid stats URI %q", req.Params.URI)
		}

		stats, err := deps.Evolution.GetEvolutionStats(ctx, workspaceID)
		if err != nil {
			return nil, fmt.Errorf("failed to compute stats: %w", err)
		}

		payload := struct {
			WorkspaceID       string         `json:"workspace_id"`
			TotalContexts     int            `json:"total_contexts"`
			ByTier            map[string]int `json:"by_tier"`
			AverageConfidence float64        `json:"average_confidence"`
			Histogram         [5]int         `json:"confidence_histogram"`
			FeedbackHelpful   int            `json:"feedback_helpful"`
			FeedbackUnhelpful int            `json:"feedback_unhelpful"`
			FeedbackNeutral   int            `json:"feedback_neutral"`
			LastSweepAt       string         `json:"last_sweep_at,omitempty"`
		}{
			WorkspaceID:       workspaceID,
			TotalContexts:     stats.TotalContexts,
			ByTier:            stats.ByTier,
			AverageConfidence: stats.AverageConfidence,
			Histogram:         stats.Histogram,
			FeedbackHelpful:   stats.Feedback.Helpful,
			FeedbackUnhelpful: stats.Feedback.Unhelpful,
			FeedbackNeutral:   stats.Feedback.Neutral,
		}
		if stats.LastSweepAt != nil {
			payload.LastSweepAt = stats.LastSweepAt.Format(time.RFC3339)
		}

		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func workspaceFromStatsURI(uri string) string {
	rest, ok := strings.CutPrefix(uri, "ctxd://workspace/")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, "/stats")
	if !ok {
		return ""
	}
	return id
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
