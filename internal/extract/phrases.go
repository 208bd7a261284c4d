package extract

import "strings"

// phrase captures up to five words following a trigger.
const phrase = `([\p{L}\p{N}'\-]+(?:\s+[\p{L}\p{N}'\-]+){0,4})`

var topicRules = []Rule{
	regexRule("about", `(?i)\babout\s+`+phrase),
	regexRule("regarding", `(?i)\b(?:regarding|concerning)\s+`+phrase),
	regexRule("discussed", `(?i)\bdiscuss(?:ed|ing|es)?\s+`+phrase),
	regexRule("topic", `(?i)\btopics?\s+(?:of\s+)?`+phrase),
}

var termRules = []Rule{
	regexRule("quoted", `"([^"]+)"`),
	regexRule("smart_quoted", `“([^”]+)”`),
	regexRule("mentioned", `(?i)\bmention(?:ed|s|ing)?\s+`+phrase),
	regexRule("search_for", `(?i)\b(?:search(?:ing)?|look(?:ing)?)\s+for\s+`+phrase),
	regexRule("containing", `(?i)\b(?:containing|contains|including)\s+`+phrase),
	regexRule("keyword", `(?i)\b(?:word|phrase|term|keyword)s?\s+`+phrase),
}

// phraseStops end a captured phrase; leading articles are dropped.
var (
	phraseStops = wordSet(`with from by since between on in during last past this yesterday today
before after when where who whom that which and or but for to at is was were did does`)
	articles = wordSet(`the a an some any`)
)

func trimPhrase(raw string) string {
	var kept []string
	for _, w := range strings.Fields(raw) {
		lw := strings.ToLower(w)
		if len(kept) == 0 && articles[lw] {
			continue
		}
		if phraseStops[lw] {
			break
		}
		kept = append(kept, w)
	}
	return strings.Trim(strings.Join(kept, " "), " ?!.,;:'")
}

// extractPhrases runs rules in order. Quoted text is kept verbatim; other
// captures are cut at the first stop word.
func extractPhrases(text string, rules []Rule, kind Kind) []Entity {
	var (
		out     []Entity
		claimed []span
		seen    = map[string]bool{}
	)
	for _, r := range rules {
		for _, m := range r.Match(text) {
			sp := span{m.Start, m.End}
			if overlaps(claimed, sp) {
				continue
			}
			v := strings.TrimSpace(m.Value)
			if r.Name != "quoted" && r.Name != "smart_quoted" {
				v = trimPhrase(v)
			}
			key := strings.ToLower(v)
			if v == "" || seen[key] {
				continue
			}
			claimed = append(claimed, sp)
			seen[key] = true
			out = append(out, Entity{Kind: kind, Value: v, Display: v, Rule: r.Name, Resolved: true})
		}
	}
	return out
}
