package querytools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/yeager620/savant-ai-sub000/internal/errs"
	"github.com/yeager620/savant-ai-sub000/internal/extract"
	"github.com/yeager620/savant-ai-sub000/internal/gateway"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
)

// analyses maps the analysis argument to template variants.
var analyses = map[string]func(ents extract.Entities) string{
	"profile":       func(extract.Entities) string { return "speaker_profile" },
	"activity":      func(extract.Entities) string { return "speaker_activity" },
	"relationships": func(extract.Entities) string { return "relationships" },
	"ranking": func(ents extract.Entities) string {
		if ents.Has(extract.KindDateRange) {
			return "ranking_by_date"
		}
		return "ranking"
	},
}

// AnalyticsTool handles the get_speaker_analytics MCP tool.
type AnalyticsTool struct {
	gw Gateway
}

// NewAnalyticsTool creates an AnalyticsTool.
func NewAnalyticsTool(gw Gateway) *AnalyticsTool {
	return &AnalyticsTool{gw: gw}
}

// Definition returns the MCP tool definition for get_speaker_analytics.
func (t *AnalyticsTool) Definition() mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(
			"Speaker analytics: a speaker's talk time and conversation count (profile), " +
				"their activity in a period (activity), who they talk with most (relationships), " +
				"or who talks the most overall (ranking).",
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("analysis",
			mcp.Description("profile, activity, relationships or ranking. Omit to choose from the filters given."),
			mcp.Enum("profile", "activity", "relationships", "ranking"),
		),
		mcp.WithString("session_id", mcp.Description("Conversation context id")),
	}
	opts = append(opts, filterOptions()...)
	return mcp.NewTool("get_speaker_analytics", append(opts, pagingOptions()...)...)
}

// Handle processes the get_speaker_analytics tool call.
func (t *AnalyticsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ents, err := filters(ctx, t.gw, req)
	if err != nil {
		return errorResult(err), nil
	}
	variant := ""
	if a := req.GetString("analysis", ""); a != "" {
		pick, ok := analyses[a]
		if !ok {
			return errorResult(errs.New(errs.ParseError, "unknown analysis %q", a)), nil
		}
		variant = pick(ents)
	}

	resp, err := t.gw.Run(ctx, gateway.Plan{
		SessionID:   req.GetString("session_id", ""),
		Caller:      callerFrom(ctx),
		Description: describe("speaker analytics", variant, ents),
		Intent:      intent.AnalyzeSpeaker,
		Variant:     variant,
		Entities:    ents,
		Page:        intArg(req, "page", 1),
		PageSize:    intArg(req, "page_size", 0),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(resp)
}

// describe names a structured call for the query history.
func describe(what, variant string, ents extract.Entities) string {
	out := what
	if variant != "" {
		out += " (" + variant + ")"
	}
	if sp, ok := ents.First(extract.KindSpeaker); ok {
		out += fmt.Sprintf(" speaker=%s", sp.Value)
	}
	if d, ok := ents.First(extract.KindDateRange); ok {
		out += fmt.Sprintf(" from=%s until=%s", d.Start, d.End)
	}
	return out
}
