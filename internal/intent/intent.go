// Package intent classifies a natural-language query into one of a fixed
// set of intents.
//
// Deterministic pattern rules run first. Every matching rule is a
// candidate; the one whose matched text is longest wins, ties going to the
// earlier rule. When no rule reaches the configured minimum confidence and
// a LanguageModel is configured, the model is consulted under a strict
// contract. Anything else ends in Unknown.
package intent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/yeager620/savant-ai-sub000/internal/extract"
)

// Intent is the closed set of query purposes.
type Intent string

const (
	FindConversations Intent = "find_conversations"
	AnalyzeSpeaker    Intent = "analyze_speaker"
	SearchContent     Intent = "search_content"
	GetStatistics     Intent = "get_statistics"
	ExportData        Intent = "export_data"
	Unknown           Intent = "unknown"
)

// Known lists every intent except Unknown.
var Known = []Intent{FindConversations, AnalyzeSpeaker, SearchContent, GetStatistics, ExportData}

// Parse maps a name to an intent. It accepts the snake_case names and the
// CamelCase spellings ("FindConversations").
func Parse(s string) (Intent, bool) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for _, in := range Known {
		if strings.ReplaceAll(string(in), "_", "") == key {
			return in, true
		}
	}
	return Unknown, false
}

// UnknownConfidence is reported whenever no intent could be established.
const UnknownConfidence = 0.3

const (
	entityBoost   = 0.05
	maxConfidence = 0.95
)

// Source tells where a classification came from.
type Source string

const (
	SourceRules Source = "rules"
	SourceModel Source = "model"
	SourceNone  Source = "none"
)

// Classification is the classifier's answer.
type Classification struct {
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Rule       string            `json:"rule,omitempty"`
	Matched    string            `json:"matched,omitempty"`
	Source     Source            `json:"source"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Suggestion is what a LanguageModel returns. Intent must name one of the
// known intents and Confidence must lie in [0,1].
type Suggestion struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// LanguageModel is the optional external classifier.
type LanguageModel interface {
	Suggest(ctx context.Context, query string, ents extract.Entities) (*Suggestion, error)
}

// Classifier applies Rules and the optional model fallback.
type Classifier struct {
	rules         []Rule
	lm            LanguageModel
	minConfidence float64
	log           *zap.Logger
}

// New returns a Classifier over the default rule table. lm may be nil.
func New(lm LanguageModel, minConfidence float64, log *zap.Logger) *Classifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Classifier{rules: Rules, lm: lm, minConfidence: minConfidence, log: log}
}

// Classify never fails; model errors and out-of-contract answers degrade
// to Unknown.
func (c *Classifier) Classify(ctx context.Context, query string, ents extract.Entities) Classification {
	best, ok := c.match(query)
	if ok {
		best.Confidence = boost(best.Confidence, best.Intent, ents)
		if best.Confidence >= c.minConfidence {
			return best
		}
	}
	if c.lm == nil {
		return unknown()
	}

	sug, err := c.lm.Suggest(ctx, query, ents)
	if err != nil {
		c.log.Warn("language model fallback failed", zap.Error(err))
		return unknown()
	}
	in, known := Parse(sug.Intent)
	if !known || sug.Confidence < 0 || sug.Confidence > 1 {
		c.log.Warn("language model answer outside contract",
			zap.String("intent", sug.Intent),
			zap.Float64("confidence", sug.Confidence))
		return unknown()
	}
	return Classification{Intent: in, Confidence: sug.Confidence, Source: SourceModel, Parameters: sug.Parameters}
}

func unknown() Classification {
	return Classification{Intent: Unknown, Confidence: UnknownConfidence, Source: SourceNone}
}

// match returns the longest-matching rule.
func (c *Classifier) match(query string) (Classification, bool) {
	var (
		best    Classification
		bestLen = -1
	)
	for _, r := range c.rules {
		m := r.Pattern.FindString(query)
		if m == "" || len(m) <= bestLen {
			continue
		}
		bestLen = len(m)
		best = Classification{Intent: r.Intent, Confidence: r.Confidence, Rule: r.Name, Matched: m, Source: SourceRules}
	}
	return best, bestLen >= 0
}

// supporting lists the entity kinds that corroborate each intent.
var supporting = map[Intent][]extract.Kind{
	FindConversations: {extract.KindSpeaker, extract.KindDateRange, extract.KindTopic},
	AnalyzeSpeaker:    {extract.KindSpeaker},
	SearchContent:     {extract.KindTerm, extract.KindTopic},
	GetStatistics:     {extract.KindDateRange},
	ExportData:        {extract.KindSpeaker, extract.KindDateRange},
}

func boost(conf float64, in Intent, ents extract.Entities) float64 {
	for _, k := range supporting[in] {
		if ents.Has(k) {
			conf += entityBoost
		}
	}
	if conf > maxConfidence {
		return maxConfidence
	}
	return conf
}
