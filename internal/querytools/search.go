package querytools

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/yeager620/savant-ai-sub000/internal/errs"
	"github.com/yeager620/savant-ai-sub000/internal/extract"
	"github.com/yeager620/savant-ai-sub000/internal/gateway"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
)

// SearchTool handles the search_semantic MCP tool.
type SearchTool struct {
	gw Gateway
}

// NewSearchTool creates a SearchTool.
func NewSearchTool(gw Gateway) *SearchTool {
	return &SearchTool{gw: gw}
}

// Definition returns the MCP tool definition for search_semantic.
func (t *SearchTool) Definition() mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(
			"Search what was said across all transcripts. Matches are ranked by full-text " +
				"relevance and, when embeddings are available, re-ordered by meaning.",
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Words or phrase to look for"),
		),
		mcp.WithBoolean("rerank",
			mcp.Description("Re-order matches by semantic similarity (default: true)"),
		),
		mcp.WithString("session_id", mcp.Description("Conversation context id")),
	}
	opts = append(opts, filterOptions()...)
	return mcp.NewTool("search_semantic", append(opts, pagingOptions()...)...)
}

// Handle processes the search_semantic tool call.
func (t *SearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := strings.TrimSpace(req.GetString("query", ""))
	if query == "" {
		return errorResult(errs.New(errs.MissingParameter, "'query' is required")), nil
	}
	ents, err := filters(ctx, t.gw, req)
	if err != nil {
		return errorResult(err), nil
	}
	ents.Add(extract.Entity{Kind: extract.KindTerm, Value: query, Rule: "argument", Resolved: true})

	resp, err := t.gw.Run(ctx, gateway.Plan{
		SessionID:   req.GetString("session_id", ""),
		Caller:      callerFrom(ctx),
		Description: query,
		Intent:      intent.SearchContent,
		Variant:     "term",
		Entities:    ents,
		Page:        intArg(req, "page", 1),
		PageSize:    intArg(req, "page_size", 0),
		Rerank:      boolArg(req, "rerank", true),
		RerankText:  query,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}
