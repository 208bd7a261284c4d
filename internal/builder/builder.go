// Package builder renders a classified intent and its entities into a
// parameterized read against the transcript store.
//
// Every value travels in the parameter map; the SQL text is always one of
// the fixed catalog templates plus a LIMIT/OFFSET clause.
package builder

import (
	"strings"

	"github.com/yeager620/savant-ai-sub000/internal/errs"
	"github.com/yeager620/savant-ai-sub000/internal/extract"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
	"github.com/yeager620/savant-ai-sub000/internal/security"
	"github.com/yeager620/savant-ai-sub000/internal/store"
)

// DefaultPageSize is used when a Page has no size.
const DefaultPageSize = 20

// Page selects a window of results. Number starts at 1.
type Page struct {
	Number int `json:"page"`
	Size   int `json:"page_size"`
}

// Normalize fills defaults and clamps negative values.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	return p
}

// Offset is the number of rows skipped before this page.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}

// Query is a rendered template ready for validation.
type Query struct {
	SQL        string         `json:"sql"`
	Params     map[string]any `json:"params"`
	Complexity int            `json:"complexity"`
	Intent     intent.Intent  `json:"intent"`
	Variant    string         `json:"variant"`
	Page       Page           `json:"page"`
}

// Build picks the first non-explicit variant of in whose required
// parameters the entities provide.
func Build(in intent.Intent, ents extract.Entities, page Page) (*Query, error) {
	variants := Variants(in)
	if len(variants) == 0 {
		return nil, errs.New(errs.ParseError, "no query shape for intent %s", in)
	}
	params := Params(ents)
	var firstMissing string
	for _, t := range variants {
		if t.Explicit {
			continue
		}
		missing := missingParam(t, params)
		if missing == "" {
			return render(t, params, page)
		}
		if firstMissing == "" {
			firstMissing = missing
		}
	}
	return nil, errs.New(errs.MissingParameter, "%s needs a %s", in, firstMissing)
}

// BuildVariant renders the named variant of in.
func BuildVariant(in intent.Intent, variant string, ents extract.Entities, page Page) (*Query, error) {
	t, ok := Lookup(in, variant)
	if !ok {
		return nil, errs.New(errs.ParseError, "unknown variant %s for intent %s", variant, in)
	}
	params := Params(ents)
	if missing := missingParam(t, params); missing != "" {
		return nil, errs.New(errs.MissingParameter, "%s/%s needs a %s", in, variant, missing)
	}
	return render(t, params, page)
}

// Params maps entities onto template parameters. Optional parameters are
// always present, nil when absent, so every template binds cleanly.
func Params(ents extract.Entities) map[string]any {
	params := map[string]any{
		ParamSpeaker: nil,
		ParamTerm:    nil,
		ParamSince:   nil,
		ParamUntil:   nil,
	}
	if sp, ok := ents.First(extract.KindSpeaker); ok {
		if ids := ents.SpeakerIDs(); len(ids) > 0 {
			params[ParamSpeaker] = ids[0]
		} else if !sp.Resolved {
			// No live speaker has this name; an empty id matches nothing.
			params[ParamSpeaker] = ""
		}
	}
	if d, ok := ents.First(extract.KindDateRange); ok && d.Start != "" && d.End != "" {
		params[ParamSince] = d.Start
		params[ParamUntil] = d.End
	}
	if term := searchTerm(ents); term != "" {
		params[ParamTerm] = term
	}
	return params
}

func searchTerm(ents extract.Entities) string {
	var words []string
	for _, k := range []extract.Kind{extract.KindTerm, extract.KindTopic} {
		for _, e := range ents[k] {
			words = append(words, e.Value)
		}
		if len(words) > 0 {
			break
		}
	}
	return store.FTSQuery(strings.Join(words, " "))
}

func missingParam(t Template, params map[string]any) string {
	for _, name := range t.Required {
		if params[name] == nil {
			return name
		}
	}
	return ""
}

func render(t Template, params map[string]any, page Page) (*Query, error) {
	page = page.Normalize()
	sql := t.SQL
	out := make(map[string]any, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	if !strings.Contains(strings.ToUpper(sql), " LIMIT ") {
		sql += " LIMIT :" + ParamLimit + " OFFSET :" + ParamOffset
		out[ParamLimit] = page.Size
		out[ParamOffset] = page.Offset()
	}
	score, err := security.Score(sql)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "template "+t.Variant+" does not parse")
	}
	return &Query{
		SQL:        sql,
		Params:     out,
		Complexity: score,
		Intent:     t.Intent,
		Variant:    t.Variant,
		Page:       page,
	}, nil
}

// Templates returns the catalog in the store's seeding shape.
func Templates() []store.IntentTemplate {
	out := make([]store.IntentTemplate, 0, len(catalog))
	for _, t := range catalog {
		out = append(out, store.IntentTemplate{
			Intent:   string(t.Intent),
			Variant:  t.Variant,
			Examples: t.Examples,
			SQL:      t.SQL,
			Required: t.Required,
		})
	}
	return out
}
