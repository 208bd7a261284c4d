package extract

import (
	"regexp"
	"strings"
)

const (
	ruleKnownName  = "known_name"
	ruleKnownAlias = "known_alias"
)

// personName captures one or two capitalized words.
const personName = `([A-Z][\p{L}'\-]+(?:\s+[A-Z][\p{L}'\-]+)?)`

// speakerCaptureRules find names that are not in the known snapshot.
var speakerCaptureRules = []Rule{
	regexRule("with_name", `\b(?i:with|between)\s+`+personName),
	regexRule("did_name", `\b(?i:did|does|has|had|was|is)\s+`+personName),
	regexRule("name_said", personName+`\s+(?i:said|says|say|mentioned|talked|talks|spoke|asked)\b`),
	regexRule("from_name", `\b(?i:from|by)\s+`+personName),
	regexRule("speaker_named", `\b(?i:speaker|person|named|called)\s+`+personName),
}

// notNames are capitalized words the capture rules must not treat as people.
var notNames = wordSet(`I Me My You Your We Us Our They Them Their He Him His She Her It Its
Everyone Anyone Someone Somebody Anybody Nobody Everybody The A An That This These Those All Any
Each What Who Whom When Where Why How Which Find Show List Search Get Export Give Tell Count
Today Yesterday Tomorrow Last Past Next Speaker Speakers Conversation Conversations Meeting
Monday Tuesday Wednesday Thursday Friday Saturday Sunday January February March April May June
July August September October November December`)

func wordSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(s) {
		out[strings.ToLower(w)] = true
	}
	return out
}

// cleanName drops stop words from a captured name; it returns "" when
// nothing usable is left.
func cleanName(raw string) string {
	var kept []string
	for _, w := range strings.Fields(raw) {
		w = strings.TrimSuffix(strings.TrimSuffix(w, "'s"), "'")
		if w == "" || notNames[strings.ToLower(w)] {
			if len(kept) > 0 {
				break
			}
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// knownGroup is every speaker id reachable through one name.
type knownGroup struct {
	name  string
	alias bool
	ids   []string
}

func groupKnown(known []Known) []knownGroup {
	var groups []knownGroup
	index := map[string]int{}
	for _, k := range sortedKnown(known) {
		name := strings.TrimSpace(k.Name)
		if name == "" || k.SpeakerID == "" {
			continue
		}
		key := strings.ToLower(name)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, knownGroup{name: name, alias: k.Alias})
		}
		g := &groups[i]
		if !k.Alias {
			g.alias = false
		}
		if !contains(g.ids, k.SpeakerID) {
			g.ids = append(g.ids, k.SpeakerID)
		}
	}
	return groups
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func namePattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(` + regexp.QuoteMeta(name) + `)(?:$|[^\p{L}\p{N}])`)
}

// extractSpeakers matches known names longest first, then captures
// unknown names from phrasing. A name shared by several speakers yields
// one ambiguous entity per speaker.
func extractSpeakers(text string, known []Known) []Entity {
	var (
		out     []Entity
		claimed []span
		seenID  = map[string]bool{}
		seenRaw = map[string]bool{}
	)
	for _, g := range groupKnown(known) {
		loc := namePattern(g.name).FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		sp := span{loc[2], loc[3]}
		if overlaps(claimed, sp) {
			continue
		}
		claimed = append(claimed, sp)
		rule := ruleKnownName
		if g.alias {
			rule = ruleKnownAlias
		}
		for _, id := range g.ids {
			if seenID[id] {
				continue
			}
			seenID[id] = true
			out = append(out, Entity{
				Kind:      KindSpeaker,
				Value:     id,
				Display:   g.name,
				Rule:      rule,
				Ambiguous: len(g.ids) > 1,
				Resolved:  true,
			})
		}
	}

	for _, r := range speakerCaptureRules {
		for _, m := range r.Match(text) {
			sp := span{m.Start, m.End}
			if overlaps(claimed, sp) {
				continue
			}
			name := cleanName(m.Value)
			if name == "" || seenRaw[strings.ToLower(name)] {
				continue
			}
			claimed = append(claimed, sp)
			seenRaw[strings.ToLower(name)] = true
			out = append(out, Entity{
				Kind:    KindSpeaker,
				Value:   name,
				Display: name,
				Rule:    r.Name,
			})
		}
	}
	return out
}
