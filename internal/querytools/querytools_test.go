package querytools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeager620/savant-ai-sub000/internal/errs"
	"github.com/yeager620/savant-ai-sub000/internal/extract"
	"github.com/yeager620/savant-ai-sub000/internal/format"
	"github.com/yeager620/savant-ai-sub000/internal/gateway"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

type fakeGateway struct {
	asked []gateway.Request
	plans []gateway.Plan
	err   error
}

func (f *fakeGateway) Ask(_ context.Context, req gateway.Request) (*format.Response, error) {
	f.asked = append(f.asked, req)
	if f.err != nil {
		return nil, f.err
	}
	return &format.Response{Intent: intent.FindConversations, Query: req.Query, Summary: "ok", Rows: []map[string]any{}}, nil
}

func (f *fakeGateway) Run(_ context.Context, p gateway.Plan) (*format.Response, error) {
	f.plans = append(f.plans, p)
	if f.err != nil {
		return nil, f.err
	}
	return &format.Response{Intent: p.Intent, Variant: p.Variant, Summary: "ok", Rows: []map[string]any{}}, nil
}

func (f *fakeGateway) SpeakerEntities(_ context.Context, name string) ([]extract.Entity, error) {
	e := extract.Entity{Kind: extract.KindSpeaker, Value: name, Rule: "argument"}
	if name == "John" {
		e.Value, e.Resolved = "spk-1", true
	}
	return []extract.Entity{e}, nil
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// ─── Definitions ─────────────────────────────────────────────────────────────

func TestDefinitions(t *testing.T) {
	want := map[string][]string{
		"query_conversations":   {"query"},
		"search_semantic":       {"query"},
		"get_speaker_analytics": nil,
		"get_statistics":        nil,
		"export_data":           nil,
	}
	tools := All(&fakeGateway{})
	require.Len(t, tools, len(want))
	for _, tool := range tools {
		def := tool.Definition()
		required, ok := want[def.Name]
		require.True(t, ok, "unexpected tool %s", def.Name)
		assert.ElementsMatch(t, required, def.InputSchema.Required, def.Name)
		assert.NotEmpty(t, def.Description)
	}
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func TestConversationsTool_Handle(t *testing.T) {
	gw := &fakeGateway{}
	res, err := NewConversationsTool(gw).Handle(context.Background(), makeReq(map[string]any{
		"query": "Find conversations with John", "session_id": "s1", "page": float64(2), "page_size": float64(5),
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, gw.asked, 1)
	assert.Equal(t, gateway.Request{SessionID: "s1", Query: "Find conversations with John", Page: 2, PageSize: 5}, gw.asked[0])

	var body format.Response
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &body))
	assert.Equal(t, "ok", body.Summary)
}

func TestConversationsTool_MissingQuery(t *testing.T) {
	gw := &fakeGateway{}
	res, err := NewConversationsTool(gw).Handle(context.Background(), makeReq(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Empty(t, gw.asked)
}

func TestSearchTool_BuildsTermPlan(t *testing.T) {
	gw := &fakeGateway{}
	_, err := NewSearchTool(gw).Handle(context.Background(), makeReq(map[string]any{
		"query": "budget", "speaker": "John", "since": "2026-05-01", "until": "2026-05-01", "rerank": false,
	}))
	require.NoError(t, err)
	require.Len(t, gw.plans, 1)
	p := gw.plans[0]
	assert.Equal(t, intent.SearchContent, p.Intent)
	assert.Equal(t, "term", p.Variant)
	assert.False(t, p.Rerank)

	term, _ := p.Entities.First(extract.KindTerm)
	assert.Equal(t, "budget", term.Value)
	sp, _ := p.Entities.First(extract.KindSpeaker)
	assert.Equal(t, "spk-1", sp.Value)
	d, _ := p.Entities.First(extract.KindDateRange)
	assert.Equal(t, "2026-05-01 00:00:00", d.Start)
	assert.Equal(t, "2026-05-02 00:00:00", d.End, "a day-only until covers that day")
}

func TestAnalyticsTool_Variants(t *testing.T) {
	tests := []struct {
		args map[string]any
		want string
	}{
		{map[string]any{"analysis": "profile", "speaker": "John"}, "speaker_profile"},
		{map[string]any{"analysis": "relationships", "speaker": "John"}, "relationships"},
		{map[string]any{"analysis": "ranking"}, "ranking"},
		{map[string]any{"analysis": "ranking", "since": "2026-05-01"}, "ranking_by_date"},
		{map[string]any{"speaker": "John"}, ""},
	}
	for _, tt := range tests {
		gw := &fakeGateway{}
		_, err := NewAnalyticsTool(gw).Handle(context.Background(), makeReq(tt.args))
		require.NoError(t, err)
		require.Len(t, gw.plans, 1)
		assert.Equal(t, tt.want, gw.plans[0].Variant, "%v", tt.args)
	}

	gw := &fakeGateway{}
	res, err := NewAnalyticsTool(gw).Handle(context.Background(), makeReq(map[string]any{"analysis": "vibes"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Empty(t, gw.plans)
}

func TestStatisticsAndExport(t *testing.T) {
	gw := &fakeGateway{}
	_, err := NewStatisticsTool(gw).Handle(context.Background(), makeReq(map[string]any{}))
	require.NoError(t, err)
	_, err = NewExportTool(gw).Handle(context.Background(), makeReq(map[string]any{"page_size": float64(50)}))
	require.NoError(t, err)
	require.Len(t, gw.plans, 2)
	assert.Equal(t, intent.GetStatistics, gw.plans[0].Intent)
	assert.Equal(t, intent.ExportData, gw.plans[1].Intent)
	assert.Equal(t, 50, gw.plans[1].PageSize)
}

// ─── Errors ──────────────────────────────────────────────────────────────────

func TestErrorResult_HidesSecurityDetail(t *testing.T) {
	gw := &fakeGateway{err: errs.New(errs.ForbiddenTable, "table sqlite_master is not whitelisted")}
	res, err := NewConversationsTool(gw).Handle(context.Background(), makeReq(map[string]any{"query": "x"}))
	require.NoError(t, err)
	require.True(t, res.IsError)

	var body errorBody
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &body))
	assert.Equal(t, "ForbiddenTable", body.Error.Kind)
	assert.Equal(t, errs.Code(errs.ForbiddenTable), body.Error.Code)
	assert.NotContains(t, body.Error.Message, "sqlite_master")
}

func TestErrorResult_KeepsOtherMessages(t *testing.T) {
	res := errorResult(errs.New(errs.MissingParameter, "search_content needs a term"))
	var body errorBody
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &body))
	assert.Equal(t, "search_content needs a term", body.Error.Message)
}

func TestDateRange(t *testing.T) {
	now := time.Date(2026, 5, 13, 12, 0, 0, 0, time.UTC)

	_, ok, err := dateRange("", "", now)
	require.NoError(t, err)
	assert.False(t, ok)

	d, ok, err := dateRange("2026-05-01T09:30:00Z", "", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-05-01 09:30:00", d.Start)
	assert.Equal(t, "2026-05-14 12:00:00", d.End)

	_, _, err = dateRange("yesterday", "", now)
	assert.Equal(t, errs.ParseError, errs.KindOf(err))

	_, _, err = dateRange("2026-05-10", "2026-05-01", now)
	assert.Equal(t, errs.ParseError, errs.KindOf(err))
}
