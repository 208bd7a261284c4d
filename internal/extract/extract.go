// Package extract pulls speakers, date ranges, topics and free-text terms
// out of a natural-language query.
//
// Extraction is pure: the same text, known-speaker snapshot and clock
// always give the same entities. Each kind has an ordered list of rules;
// every entity records the rule that produced it.
package extract

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Kind is the closed set of entity kinds.
type Kind string

const (
	KindSpeaker   Kind = "speaker"
	KindDateRange Kind = "date_range"
	KindTopic     Kind = "topic"
	KindTerm      Kind = "term"
)

// Kinds lists every kind in evaluation order.
var Kinds = []Kind{KindSpeaker, KindDateRange, KindTopic, KindTerm}

// Entity is one extracted value. For speakers, Value is the speaker id when
// Resolved and the raw captured name otherwise. For date ranges, Start and
// End bound the half-open interval [Start, End) in storage format.
type Entity struct {
	Kind      Kind   `json:"kind"`
	Value     string `json:"value"`
	Display   string `json:"display,omitempty"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
	Rule      string `json:"rule"`
	Ambiguous bool   `json:"ambiguous,omitempty"`
	Resolved  bool   `json:"resolved"`
}

// Entities groups extracted values by kind.
type Entities map[Kind][]Entity

// First returns the first entity of kind k.
func (e Entities) First(k Kind) (Entity, bool) {
	if list := e[k]; len(list) > 0 {
		return list[0], true
	}
	return Entity{}, false
}

// Has reports whether any entity of kind k was extracted.
func (e Entities) Has(k Kind) bool { return len(e[k]) > 0 }

// Add appends ent under its kind.
func (e Entities) Add(ent Entity) { e[ent.Kind] = append(e[ent.Kind], ent) }

// Clone returns a deep copy.
func (e Entities) Clone() Entities {
	out := make(Entities, len(e))
	for k, v := range e {
		out[k] = append([]Entity(nil), v...)
	}
	return out
}

// SpeakerIDs returns the resolved speaker ids in order, without repeats.
func (e Entities) SpeakerIDs() []string {
	var ids []string
	seen := map[string]bool{}
	for _, ent := range e[KindSpeaker] {
		if ent.Resolved && !seen[ent.Value] {
			seen[ent.Value] = true
			ids = append(ids, ent.Value)
		}
	}
	return ids
}

// Known is a speaker name visible to the extractor. Aliases appear as
// additional entries pointing at the same speaker.
type Known struct {
	Name      string `json:"name"`
	SpeakerID string `json:"speaker_id"`
	Alias     bool   `json:"alias,omitempty"`
}

// Match is one hit of a rule: the captured value and its byte span in the
// query.
type Match struct {
	Value      string
	Start, End int
}

// Rule is a named pure matcher. Rules of one kind are evaluated in order
// and a later rule never claims text an earlier one already matched.
type Rule struct {
	Name  string
	Match func(text string) []Match
}

// regexRule builds a Rule from a pattern whose first group is the value.
func regexRule(name, pattern string) Rule {
	re := regexp.MustCompile(pattern)
	return Rule{Name: name, Match: func(text string) []Match {
		var out []Match
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			if len(m) < 4 || m[2] < 0 {
				continue
			}
			out = append(out, Match{Value: text[m[2]:m[3]], Start: m[2], End: m[3]})
		}
		return out
	}}
}

// Extractor evaluates the rule lists.
type Extractor struct {
	now func() time.Time
}

// New returns an Extractor. A nil clock means time.Now.
func New(now func() time.Time) *Extractor {
	if now == nil {
		now = time.Now
	}
	return &Extractor{now: now}
}

// Extract returns every entity found in query.
func (x *Extractor) Extract(query string, known []Known) Entities {
	ents := Entities{}
	text := strings.TrimSpace(query)
	if text == "" {
		return ents
	}
	for _, e := range extractSpeakers(text, known) {
		ents.Add(e)
	}
	if e, ok := extractDateRange(text, x.now().UTC()); ok {
		ents.Add(e)
	}
	for _, e := range extractPhrases(text, topicRules, KindTopic) {
		ents.Add(e)
	}
	for _, e := range extractPhrases(text, termRules, KindTerm) {
		ents.Add(e)
	}
	return ents
}

// span is a half-open byte range of the query already claimed by a rule.
type span struct{ start, end int }

func overlaps(spans []span, s span) bool {
	for _, o := range spans {
		if s.start < o.end && o.start < s.end {
			return true
		}
	}
	return false
}

func sortedKnown(known []Known) []Known {
	out := append([]Known(nil), known...)
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].Name) != len(out[j].Name) {
			return len(out[i].Name) > len(out[j].Name)
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}
