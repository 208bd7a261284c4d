package session

import (
	"regexp"

	"github.com/yeager620/savant-ai-sub000/internal/extract"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
)

var (
	speakerRef = regexp.MustCompile(`(?i)\b(them|they|their|him|his|her|he|she|that (?:speaker|person|guy)|this (?:speaker|person)|the same (?:speaker|person))\b`)
	dateRef    = regexp.MustCompile(`(?i)\b(same (?:period|time|day|week|month)|that (?:day|week|month|time)|then)\b`)
	followUp   = regexp.MustCompile(`(?i)^\s*(?:and|also|what about|how about|same for|and what about)\b`)
)

// Resolution is the outcome of resolving a query against its session.
type Resolution struct {
	Entities extract.Entities `json:"entities"`
	// Carried lists the kinds filled from the session.
	Carried []extract.Kind `json:"carried,omitempty"`
	// FollowUp is set for bare follow-ups ("and last month?") that should
	// reuse the previous intent when they classify as unknown.
	FollowUp   bool          `json:"follow_up,omitempty"`
	LastIntent intent.Intent `json:"last_intent,omitempty"`
}

// resolve fills the speaker and date kinds a query points back to with
// pronouns or "same period", and every missing kind for bare follow-ups.
// Kinds the query states itself are never overwritten.
func resolve(s Session, query string, ents extract.Entities) Resolution {
	out := ents.Clone()
	res := Resolution{Entities: out, LastIntent: s.LastIntent}
	res.FollowUp = followUp.MatchString(query) && s.LastIntent != ""

	wants := map[extract.Kind]bool{
		extract.KindSpeaker:   speakerRef.MatchString(query),
		extract.KindDateRange: dateRef.MatchString(query),
	}
	if res.FollowUp {
		for _, k := range extract.Kinds {
			wants[k] = true
		}
	}

	for _, k := range extract.Kinds {
		if !wants[k] || out.Has(k) {
			continue
		}
		e, ok := latest(s.Recent, k)
		if !ok {
			continue
		}
		e.Rule = "session:" + e.Rule
		out.Add(e)
		res.Carried = append(res.Carried, k)
	}
	return res
}

func latest(recent []extract.Entity, k extract.Kind) (extract.Entity, bool) {
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Kind == k {
			return recent[i], true
		}
	}
	return extract.Entity{}, false
}
