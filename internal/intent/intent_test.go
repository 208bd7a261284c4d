package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yeager620/savant-ai-sub000/internal/extract"
)

type fakeModel struct {
	sug   *Suggestion
	err   error
	calls int
}

func (f *fakeModel) Suggest(context.Context, string, extract.Entities) (*Suggestion, error) {
	f.calls++
	return f.sug, f.err
}

func speakerEnts() extract.Entities {
	return extract.Entities{extract.KindSpeaker: {{Kind: extract.KindSpeaker, Value: "spk-1", Resolved: true}}}
}

func TestClassify_Rules(t *testing.T) {
	tests := []struct {
		query    string
		ents     extract.Entities
		want     Intent
		wantRule string
		wantConf float64
	}{
		{"Find all conversations with John", speakerEnts(), FindConversations, "find_conversations", 0.85},
		{"Find conversations with Zzyzx", nil, FindConversations, "find_conversations", 0.8},
		{"How much did John talk?", speakerEnts(), AnalyzeSpeaker, "talk_time", 0.9},
		{"statistics for John", speakerEnts(), AnalyzeSpeaker, "speaker_stats", 0.9},
		{"show me the stats", nil, GetStatistics, "statistics", 0.85},
		{"how many conversations did I have", nil, GetStatistics, "how_many", 0.85},
		{"export all conversations", nil, ExportData, "export", 0.9},
		{"search for budget", nil, SearchContent, "search", 0.75},
		{"What did John say about the launch", nil, SearchContent, "what_said", 0.75},
		{"when did we last meet", nil, FindConversations, "when_did_we", 0.8},
		{"List recent conversations", nil, FindConversations, "find_conversations", 0.8},
		{"show the latest meetings", nil, FindConversations, "find_conversations", 0.8},
		{"Who talks the most?", nil, AnalyzeSpeaker, "ranking", 0.85},
		{"who talked the most this week", nil, AnalyzeSpeaker, "ranking", 0.85},
		{"Who has spoken most", nil, AnalyzeSpeaker, "ranking", 0.85},
	}
	c := New(nil, 0.6, nil)
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := c.Classify(context.Background(), tt.query, tt.ents)
			assert.Equal(t, tt.want, got.Intent)
			assert.Equal(t, tt.wantRule, got.Rule)
			assert.InDelta(t, tt.wantConf, got.Confidence, 1e-9)
			assert.Equal(t, SourceRules, got.Source)
		})
	}
}

func TestClassify_BoostIsCapped(t *testing.T) {
	ents := extract.Entities{
		extract.KindSpeaker:   {{Kind: extract.KindSpeaker, Value: "spk-1", Resolved: true}},
		extract.KindDateRange: {{Kind: extract.KindDateRange, Value: "x"}},
	}
	got := New(nil, 0.6, nil).Classify(context.Background(), "export all conversations", ents)
	assert.InDelta(t, 0.95, got.Confidence, 1e-9)
}

func TestClassify_UnknownWithoutModel(t *testing.T) {
	c := New(nil, 0.6, nil)
	for _, q := range []string{"DROP TABLE conversations", "hello there", "", "who knows"} {
		got := c.Classify(context.Background(), q, nil)
		assert.Equal(t, Unknown, got.Intent, q)
		assert.InDelta(t, UnknownConfidence, got.Confidence, 1e-9, q)
	}
}

func TestClassify_ModelFallback(t *testing.T) {
	tests := []struct {
		name string
		sug  *Suggestion
		err  error
		want Intent
		conf float64
	}{
		{"valid suggestion", &Suggestion{Intent: "analyze_speaker", Confidence: 0.7}, nil, AnalyzeSpeaker, 0.7},
		{"camel case intent", &Suggestion{Intent: "GetStatistics", Confidence: 0.65}, nil, GetStatistics, 0.65},
		{"out of set intent", &Suggestion{Intent: "delete_everything", Confidence: 0.99}, nil, Unknown, UnknownConfidence},
		{"confidence above one", &Suggestion{Intent: "export_data", Confidence: 1.5}, nil, Unknown, UnknownConfidence},
		{"negative confidence", &Suggestion{Intent: "export_data", Confidence: -0.1}, nil, Unknown, UnknownConfidence},
		{"model error", nil, errors.New("quota"), Unknown, UnknownConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lm := &fakeModel{sug: tt.sug, err: tt.err}
			got := New(lm, 0.6, nil).Classify(context.Background(), "who knows", nil)
			assert.Equal(t, 1, lm.calls)
			assert.Equal(t, tt.want, got.Intent)
			assert.InDelta(t, tt.conf, got.Confidence, 1e-9)
		})
	}
}

func TestClassify_ConfidentRuleSkipsModel(t *testing.T) {
	lm := &fakeModel{sug: &Suggestion{Intent: "export_data", Confidence: 1}}
	got := New(lm, 0.6, nil).Classify(context.Background(), "Find all conversations with John", nil)
	assert.Equal(t, FindConversations, got.Intent)
	assert.Zero(t, lm.calls)
}

func TestClassify_LongestMatchWins(t *testing.T) {
	c := &Classifier{rules: []Rule{
		rule(SearchContent, "short", `\bbudget\b`, 0.75),
		rule(GetStatistics, "long", `\bbudget\s+stats\b`, 0.85),
		rule(ExportData, "tie", `\bbudget\s+stats\b`, 0.9),
	}}
	got, ok := c.match("show budget stats")
	assert.True(t, ok)
	assert.Equal(t, "long", got.Rule)
	assert.Equal(t, "budget stats", got.Matched)
}

func TestParse(t *testing.T) {
	for _, s := range []string{"find_conversations", "FindConversations", " FIND_CONVERSATIONS "} {
		in, ok := Parse(s)
		assert.True(t, ok, s)
		assert.Equal(t, FindConversations, in)
	}
	_, ok := Parse("unknown")
	assert.False(t, ok)
}
