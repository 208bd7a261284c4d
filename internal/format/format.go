// Package format turns executor rows into the payload returned to the
// calling agent: a one-line summary plus the rows, statistics or export
// bundle the intent calls for.
package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/yeager620/savant-ai-sub000/internal/executor"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
)

// Response is the formatted answer to one query.
type Response struct {
	Intent     intent.Intent    `json:"intent"`
	Variant    string           `json:"variant,omitempty"`
	Query      string           `json:"query"`
	Summary    string           `json:"summary"`
	Columns    []string         `json:"columns"`
	Rows       []map[string]any `json:"rows"`
	RowCount   int              `json:"row_count"`
	Statistics map[string]any   `json:"statistics,omitempty"`
	Export     *Export          `json:"export,omitempty"`
	Page       *Page            `json:"page,omitempty"`
	ElapsedMs  int64            `json:"elapsed_ms"`
	// Ambiguities lists names that matched more than one entity. When set,
	// nothing was executed and Rows is empty.
	Ambiguities []Ambiguity `json:"ambiguities,omitempty"`
}

// Ambiguity is a mention that resolved to several candidates.
type Ambiguity struct {
	Kind       string   `json:"kind"`
	Mention    string   `json:"mention"`
	Candidates []string `json:"candidates"`
}

// Export is the bundle returned for ExportData.
type Export struct {
	Format  string           `json:"format"`
	Count   int              `json:"count"`
	Records []map[string]any `json:"records"`
}

// Page describes the returned window.
type Page struct {
	Number  int  `json:"page"`
	Size    int  `json:"page_size"`
	HasMore bool `json:"has_more"`
}

// Format renders res for in. Rows are passed through untouched.
func Format(in intent.Intent, variant string, res *executor.Result, query string) *Response {
	if res == nil {
		res = &executor.Result{}
	}
	rows := res.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	out := &Response{
		Intent:    in,
		Variant:   variant,
		Query:     query,
		Columns:   res.Columns,
		Rows:      rows,
		RowCount:  len(rows),
		ElapsedMs: res.Elapsed.Milliseconds(),
	}

	switch in {
	case intent.FindConversations:
		out.Summary = countSummary(len(rows), "conversation", "No conversations matched.")
	case intent.SearchContent:
		out.Summary = countSummary(len(rows), "matching segment", "No segments matched.")
	case intent.AnalyzeSpeaker:
		out.Summary = speakerSummary(variant, rows)
	case intent.GetStatistics:
		if len(rows) > 0 {
			out.Statistics = rows[0]
		}
		out.Summary = statisticsSummary(out.Statistics)
	case intent.ExportData:
		out.Export = &Export{Format: "json", Count: len(rows), Records: rows}
		out.Summary = fmt.Sprintf("Exported %d %s.", len(rows), plural(len(rows), "segment"))
	default:
		out.Summary = fmt.Sprintf("Returned %d %s.", len(rows), plural(len(rows), "row"))
	}
	return out
}

// Ambiguous answers a query whose mentions need clarifying.
func Ambiguous(in intent.Intent, query string, amb []Ambiguity) *Response {
	parts := make([]string, len(amb))
	for i, a := range amb {
		parts[i] = fmt.Sprintf("%q matches %d %ss (%s)", a.Mention, len(a.Candidates), a.Kind, strings.Join(a.Candidates, ", "))
	}
	return &Response{
		Intent:      in,
		Query:       query,
		Summary:     strings.Join(parts, "; ") + ". Ask again naming one of them by id.",
		Columns:     []string{},
		Rows:        []map[string]any{},
		Ambiguities: amb,
	}
}

// WithPage attaches pagination details. A full page suggests more rows.
func (r *Response) WithPage(number, size int) *Response {
	r.Page = &Page{Number: number, Size: size, HasMore: size > 0 && r.RowCount >= size}
	return r
}

func countSummary(n int, noun, none string) string {
	if n == 0 {
		return none
	}
	return fmt.Sprintf("Found %d %s.", n, plural(n, noun))
}

func speakerSummary(variant string, rows []map[string]any) string {
	if len(rows) == 0 {
		return "No speaker activity matched."
	}
	first := rows[0]
	switch variant {
	case "speaker_profile":
		return fmt.Sprintf("%s has spoken for %s across %d %s.",
			name(first), talkTime(first["total_talk_time"]),
			int(number(first["total_conversations"])), plural(int(number(first["total_conversations"])), "conversation"))
	case "speaker_activity":
		return fmt.Sprintf("%s spoke for %s in %d %s during the period.",
			name(first), talkTime(first["talk_time"]),
			int(number(first["conversation_total"])), plural(int(number(first["conversation_total"])), "conversation"))
	case "relationships":
		return fmt.Sprintf("Found %d %s.", len(rows), plural(len(rows), "relationship"))
	case "ranking", "ranking_by_date":
		tt := first["total_talk_time"]
		if tt == nil {
			tt = first["talk_time"]
		}
		return fmt.Sprintf("%s talked the most (%s) of %d %s.", name(first), talkTime(tt), len(rows), plural(len(rows), "speaker"))
	}
	return fmt.Sprintf("Found %d %s.", len(rows), plural(len(rows), "row"))
}

func statisticsSummary(st map[string]any) string {
	if st == nil {
		return "No statistics available."
	}
	conv := int(number(st["conversation_total"]))
	seg := int(number(st["segment_total"]))
	spk := int(number(st["speaker_total"]))
	return fmt.Sprintf("%d %s, %d %s and %d %s, %s of talk time.",
		conv, plural(conv, "conversation"), seg, plural(seg, "segment"),
		spk, plural(spk, "speaker"), talkTime(st["talk_time"]))
}

func name(row map[string]any) string {
	if s, ok := row["display_name"].(string); ok && s != "" {
		return s
	}
	for _, key := range []string{"id", "speaker_id"} {
		if s, ok := row[key].(string); ok && s != "" {
			return s
		}
	}
	return "unknown speaker"
}

func talkTime(v any) string {
	secs := number(v)
	return (time.Duration(secs * float64(time.Second))).Round(time.Second).String()
}

func number(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float64:
		return n
	case float32:
		return float64(n)
	}
	return 0
}

func plural(n int, noun string) string {
	if n == 1 {
		return noun
	}
	return noun + "s"
}
