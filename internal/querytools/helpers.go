// Package querytools provides the read-only MCP tools over the transcript
// store.
//
// Each tool follows the same shape:
//   - a struct holding the Gateway, injected via constructor
//   - Definition() returns the mcp.Tool schema
//   - Handle() turns arguments into a gateway call and renders the result
//
// Results are JSON text. Failures are tool errors whose text is
// {"error":{"code","kind","message"}}; security rejections carry only a
// fixed description.
package querytools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/yeager620/savant-ai-sub000/internal/errs"
	"github.com/yeager620/savant-ai-sub000/internal/extract"
	"github.com/yeager620/savant-ai-sub000/internal/format"
	"github.com/yeager620/savant-ai-sub000/internal/gateway"
	"github.com/yeager620/savant-ai-sub000/internal/store"
)

// Gateway is the part of the query gateway the tools call.
type Gateway interface {
	Ask(ctx context.Context, req gateway.Request) (*format.Response, error)
	Run(ctx context.Context, p gateway.Plan) (*format.Response, error)
	SpeakerEntities(ctx context.Context, nameOrID string) ([]extract.Entity, error)
}

// Tool is implemented by every handler in this package.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// All returns every query tool bound to gw.
func All(gw Gateway) []Tool {
	return []Tool{
		NewConversationsTool(gw),
		NewSearchTool(gw),
		NewAnalyticsTool(gw),
		NewStatisticsTool(gw),
		NewExportTool(gw),
	}
}

// intArg extracts an integer argument, returning defaultVal if the key is
// missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	switch v := req.GetArguments()[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return defaultVal
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// callerFrom names the MCP client session making the call.
func callerFrom(ctx context.Context) string {
	if s := server.ClientSessionFromContext(ctx); s != nil {
		return s.SessionID()
	}
	return ""
}

// pagingOptions are shared by every tool that returns rows.
func pagingOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithNumber("page", mcp.Description("1-based page number (default: 1)")),
		mcp.WithNumber("page_size", mcp.Description("Rows per page (default from server config)")),
	}
}

func filterOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("speaker", mcp.Description("Speaker name or id")),
		mcp.WithString("since", mcp.Description("Start of the period, YYYY-MM-DD or RFC 3339 (inclusive)")),
		mcp.WithString("until", mcp.Description("End of the period, YYYY-MM-DD (inclusive day) or RFC 3339 (exclusive)")),
	}
}

// filters turns the speaker/since/until arguments into entities.
func filters(ctx context.Context, gw Gateway, req mcp.CallToolRequest) (extract.Entities, error) {
	ents := extract.Entities{}
	if name := strings.TrimSpace(req.GetString("speaker", "")); name != "" {
		sps, err := gw.SpeakerEntities(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, sp := range sps {
			ents.Add(sp)
		}
	}
	d, ok, err := dateRange(req.GetString("since", ""), req.GetString("until", ""), time.Now())
	if err != nil {
		return nil, err
	}
	if ok {
		ents.Add(d)
	}
	return ents, nil
}

// dateRange builds a half-open range from tool arguments. A missing bound
// is open-ended.
func dateRange(since, until string, now time.Time) (extract.Entity, bool, error) {
	since, until = strings.TrimSpace(since), strings.TrimSpace(until)
	if since == "" && until == "" {
		return extract.Entity{}, false, nil
	}
	start := time.Time{}
	end := now.Add(24 * time.Hour)
	if since != "" {
		t, _, err := parseDate(since)
		if err != nil {
			return extract.Entity{}, false, errs.New(errs.ParseError, "invalid since %q", since)
		}
		start = t
	}
	if until != "" {
		t, dayOnly, err := parseDate(until)
		if err != nil {
			return extract.Entity{}, false, errs.New(errs.ParseError, "invalid until %q", until)
		}
		if dayOnly {
			t = t.Add(24 * time.Hour)
		}
		end = t
	}
	if !end.After(start) {
		return extract.Entity{}, false, errs.New(errs.ParseError, "until must be after since")
	}
	return extract.Entity{
		Kind:     extract.KindDateRange,
		Start:    store.FormatTime(start),
		End:      store.FormatTime(end),
		Rule:     "argument",
		Resolved: true,
	}, true, nil
}

func parseDate(s string) (time.Time, bool, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, time.UTC); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	return t, false, err
}

func jsonResult(resp *format.Response) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling response: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// errorResult renders err as a tool result with isError set. The
// JSON-RPC error object is left to mcp-go for protocol faults.
func errorResult(err error) *mcp.CallToolResult {
	kind := errs.KindOf(err)
	body := errorBody{Error: errorDetail{
		Code:    errs.Code(kind),
		Kind:    string(kind),
		Message: errs.SafeMessage(err),
	}}
	data, mErr := json.Marshal(body)
	if mErr != nil {
		return mcp.NewToolResultError(string(kind))
	}
	return mcp.NewToolResultError(string(data))
}
