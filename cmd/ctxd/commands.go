package main

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mkallin/ctxd/internal/config"
	"github.com/mkallin/ctxd/internal/task"
)

// defaultWorkspace is used when a command does not name one.
const defaultWorkspace = "default"

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage stored contexts",
}

var contextAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Store a new context",
	Long: `Store a new context in a workspace.

Examples:
  ctxd context add "We use pgx, not database/sql, for all Postgres access"
  ctxd context add --tier global --type conversation "Prefer table tests"
  ctxd context add --workspace api-server --type architecture "Auth lives in middleware"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args, " ")
		ws, _ := cmd.Flags().GetString("workspace")
		tier, _ := cmd.Flags().GetString("tier")
		typ, _ := cmd.Flags().GetString("type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"workspace_id": ws,
			"content":      content,
			"metadata":     map[string]any{"source": "cli"},
		}
		if tier != "" {
			req["tier"] = tier
		}
		if typ != "" {
			req["type"] = typ
		}

		resp, err := client.post(cmd.Context(), "/api/contexts", req)
		if err != nil {
			return err
		}

		var created struct {
			ID   string
			Tier string
			Type string
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Stored context %s (%s/%s)", created.ID, created.Tier, created.Type)
		return nil
	},
}

var contextGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a single context as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/contexts/"+args[0])
		if err != nil {
			return err
		}

		var ctxDoc any
		if err := decodeJSON(resp, &ctxDoc); err != nil {
			return err
		}

		return printJSON(ctxDoc)
	},
}

var contextListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contexts in a workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _ := cmd.Flags().GetString("workspace")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("workspace_id", ws)
		q.Set("limit", strconv.Itoa(limit))
		if offset > 0 {
			q.Set("offset", strconv.Itoa(offset))
		}
		resp, err := client.get(cmd.Context(), "/api/contexts?"+q.Encode())
		if err != nil {
			return err
		}

		var items []struct {
			ID         string
			Tier       string
			Type       string
			Content    string
			Confidence float64
			UsageCount int
		}
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("No contexts found.")
			return nil
		}

		for _, c := range items {
			snippet := c.Content
			if len(snippet) > 80 {
				snippet = snippet[:80] + "..."
			}
			fmt.Printf("%s  [%s/%s] confidence=%.2f used=%d\n  %s\n",
				colorize(colorBold, c.ID), c.Tier, c.Type, c.Confidence, c.UsageCount, snippet)
		}
		return nil
	},
}

var contextRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/contexts/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted context %s", args[0])
		return nil
	},
}

func init() {
	contextAddCmd.Flags().String("workspace", defaultWorkspace, "workspace to store into")
	contextAddCmd.Flags().String("tier", "", "context tier (workspace, hybrid, or global)")
	contextAddCmd.Flags().String("type", "", "context type (file, symbol, conversation, documentation, error, architecture)")
	contextListCmd.Flags().String("workspace", defaultWorkspace, "workspace to list")
	contextListCmd.Flags().Int("limit", 20, "maximum number of contexts to list")
	contextListCmd.Flags().Int("offset", 0, "pagination offset")
	contextCmd.AddCommand(contextAddCmd, contextGetCmd, contextListCmd, contextRmCmd)
}

// --- compose ---

var composeCmd = &cobra.Command{
	Use:   "compose <prompt>",
	Short: "Run a prompt through the context pipeline",
	Long: `Run a prompt through intent extraction, retrieval, synthesis, and
injection, and print the enriched prompt that would be sent upstream.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		ws, _ := cmd.Flags().GetString("workspace")
		taskType, _ := cmd.Flags().GetString("task")
		strategy, _ := cmd.Flags().GetString("strategy")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"workspace_id": ws,
			"prompt":       prompt,
		}
		if taskType != "" {
			req["task_type"] = taskType
		}
		if strategy != "" {
			req["strategy"] = strategy
		}
		if limit > 0 {
			req["limit"] = limit
		}

		resp, err := client.post(cmd.Context(), "/api/compose", req)
		if err != nil {
			return err
		}

		if asJSON {
			var raw any
			if err := decodeJSON(resp, &raw); err != nil {
				return err
			}
			return printJSON(raw)
		}

		var comp struct {
			InteractionID string
			Task          int
			Strategy      string
			SystemPrompt  string
			UserPrompt    string
			TotalTokens   int
			ContextTokens int
			ContextIDs    []string
		}
		if err := decodeJSON(resp, &comp); err != nil {
			return err
		}

		printStatus("Interaction", "%s", comp.InteractionID)
		printStatus("Task", "%s", task.Type(comp.Task))
		printStatus("Strategy", "%s", comp.Strategy)
		printStatus("Contexts", "%d injected, %d of %d tokens", len(comp.ContextIDs), comp.ContextTokens, comp.TotalTokens)

		if comp.SystemPrompt != "" {
			fmt.Printf("\n%s\n%s\n", colorize(colorBold, "System prompt:"), comp.SystemPrompt)
		}
		fmt.Printf("\n%s\n%s\n", colorize(colorBold, "User prompt:"), comp.UserPrompt)
		return nil
	},
}

func init() {
	composeCmd.Flags().String("workspace", defaultWorkspace, "workspace to compose for")
	composeCmd.Flags().String("task", "", "task type hint (bug_fix, refactor, ...)")
	composeCmd.Flags().String("strategy", "", "injection strategy (prefix, inline, suffix, hybrid)")
	composeCmd.Flags().Int("limit", 0, "maximum contexts to retrieve")
	composeCmd.Flags().Bool("json", false, "print the full composition as JSON")
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a document into a workspace",
	Long: `Ingest a document into a workspace. The source is extracted, chunked,
and stored as retrievable contexts.

Examples:
  ctxd ingest --file ./docs/architecture.md
  ctxd ingest --url https://example.com/style-guide --type documentation
  ctxd ingest --text "Deploys go through the release branch" --workspace api-server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		srcURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		ws, _ := cmd.Flags().GetString("workspace")
		tier, _ := cmd.Flags().GetString("tier")
		typ, _ := cmd.Flags().GetString("type")
		source, _ := cmd.Flags().GetString("source")

		set := 0
		for _, v := range []string{text, srcURL, file} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("exactly one of --text, --url, or --file is required")
		}

		req := map[string]any{
			"workspace_id": ws,
		}
		if tier != "" {
			req["tier"] = tier
		}
		if typ != "" {
			req["type"] = typ
		}
		if source != "" {
			req["source"] = source
		}

		switch {
		case text != "":
			req["content"] = text
		case srcURL != "":
			req["url"] = srcURL
		case file != "":
			// The daemon reads the file itself, so send an absolute
			// path that survives its different working directory.
			abs, err := filepath.Abs(file)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			req["path"] = abs
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/ingest", req)
		if err != nil {
			return err
		}

		var report struct {
			Source     string
			Kind       string
			Chunks     int
			ContextIDs []string
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		printSuccess("Ingested %s (%s): %d chunks stored", report.Source, report.Kind, len(report.ContextIDs))
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "raw text to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest")
	ingestCmd.Flags().String("workspace", defaultWorkspace, "workspace to ingest into")
	ingestCmd.Flags().String("tier", "", "tier for stored chunks")
	ingestCmd.Flags().String("type", "", "type for stored chunks")
	ingestCmd.Flags().String("source", "", "source label (defaults to the path or URL)")
}

// --- evolve ---

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run an evolution sweep over a workspace",
	Long: `Run an evolution sweep: decay stale context confidence, delete
contexts that fell below the floor, and fold in accumulated feedback.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _ := cmd.Flags().GetString("workspace")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Sweeping workspace %s...", ws)
		resp, err := client.post(cmd.Context(), "/api/evolution/sweep", map[string]any{"workspace_id": ws})
		if err != nil {
			return err
		}

		var result struct {
			Decay struct {
				Examined int
				Decayed  int
				Deleted  int
			}
			Consolidated      int
			ConflictsResolved int
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Sweep complete")
		printStatus("Examined", "%d", result.Decay.Examined)
		printStatus("Decayed", "%d", result.Decay.Decayed)
		printStatus("Deleted", "%d", result.Decay.Deleted)
		if result.Consolidated > 0 {
			printStatus("Consolidated", "%d", result.Consolidated)
		}
		if result.ConflictsResolved > 0 {
			printStatus("Conflicts resolved", "%d", result.ConflictsResolved)
		}
		return nil
	},
}

func init() {
	evolveCmd.Flags().String("workspace", defaultWorkspace, "workspace to sweep")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
