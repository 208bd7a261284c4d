package querytools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/yeager620/savant-ai-sub000/internal/gateway"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
)

// StatisticsTool handles the get_statistics MCP tool.
type StatisticsTool struct {
	gw Gateway
}

// NewStatisticsTool creates a StatisticsTool.
func NewStatisticsTool(gw Gateway) *StatisticsTool {
	return &StatisticsTool{gw: gw}
}

// Definition returns the MCP tool definition for get_statistics.
func (t *StatisticsTool) Definition() mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(
			"Totals over the transcript store: conversations, segments, speakers and talk time, " +
				"optionally narrowed to one speaker or a period.",
		),
		mcp.WithReadOnlyHintAnnotation(true),
	}
	return mcp.NewTool("get_statistics", append(opts, filterOptions()...)...)
}

// Handle processes the get_statistics tool call.
func (t *StatisticsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ents, err := filters(ctx, t.gw, req)
	if err != nil {
		return errorResult(err), nil
	}
	resp, err := t.gw.Run(ctx, gateway.Plan{
		Caller:      callerFrom(ctx),
		Description: describe("statistics", "", ents),
		Intent:      intent.GetStatistics,
		Entities:    ents,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}
