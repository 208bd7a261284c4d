package querytools

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/yeager620/savant-ai-sub000/internal/errs"
	"github.com/yeager620/savant-ai-sub000/internal/gateway"
)

// ConversationsTool handles the query_conversations MCP tool: a free-text
// question answered through the full pipeline.
type ConversationsTool struct {
	gw Gateway
}

// NewConversationsTool creates a ConversationsTool.
func NewConversationsTool(gw Gateway) *ConversationsTool {
	return &ConversationsTool{gw: gw}
}

// Definition returns the MCP tool definition for query_conversations.
func (t *ConversationsTool) Definition() mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(
			"Ask a question about recorded conversations in plain English, e.g. " +
				"\"Find all conversations with John last week\", \"How much did Sarah talk?\", " +
				"\"What did John say about the budget?\". Pass the same session_id on follow-up " +
				"questions so pronouns like \"them\" or \"the same period\" resolve.",
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question, in natural language"),
		),
		mcp.WithString("session_id",
			mcp.Description("Conversation context id; follow-up questions reuse earlier speakers and dates"),
		),
	}
	return mcp.NewTool("query_conversations", append(opts, pagingOptions()...)...)
}

// Handle processes the query_conversations tool call.
func (t *ConversationsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := strings.TrimSpace(req.GetString("query", ""))
	if query == "" {
		return errorResult(errs.New(errs.ParseError, "'query' is required")), nil
	}
	resp, err := t.gw.Ask(ctx, gateway.Request{
		SessionID: req.GetString("session_id", ""),
		Caller:    callerFrom(ctx),
		Query:     query,
		Page:      intArg(req, "page", 1),
		PageSize:  intArg(req, "page_size", 0),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}
