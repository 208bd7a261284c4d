package querytools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/yeager620/savant-ai-sub000/internal/gateway"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
)

// ExportTool handles the export_data MCP tool.
type ExportTool struct {
	gw Gateway
}

// NewExportTool creates an ExportTool.
func NewExportTool(gw Gateway) *ExportTool {
	return &ExportTool{gw: gw}
}

// Definition returns the MCP tool definition for export_data.
func (t *ExportTool) Definition() mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(
			"Export transcript segments as JSON records, one page at a time. " +
				"Narrow by speaker or period; page through with page/page_size.",
		),
		mcp.WithReadOnlyHintAnnotation(true),
	}
	opts = append(opts, filterOptions()...)
	return mcp.NewTool("export_data", append(opts, pagingOptions()...)...)
}

// Handle processes the export_data tool call.
func (t *ExportTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ents, err := filters(ctx, t.gw, req)
	if err != nil {
		return errorResult(err), nil
	}
	resp, err := t.gw.Run(ctx, gateway.Plan{
		Caller:      callerFrom(ctx),
		Description: describe("export", "", ents),
		Intent:      intent.ExportData,
		Entities:    ents,
		Page:        intArg(req, "page", 1),
		PageSize:    intArg(req, "page_size", 0),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}
