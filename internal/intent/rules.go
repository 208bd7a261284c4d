package intent

import "regexp"

// Rule is one deterministic pattern with a fixed confidence.
type Rule struct {
	Intent     Intent
	Name       string
	Pattern    *regexp.Regexp
	Confidence float64
}

func rule(in Intent, name, pattern string, conf float64) Rule {
	return Rule{Intent: in, Name: name, Pattern: regexp.MustCompile(`(?i)` + pattern), Confidence: conf}
}

const conversationNouns = `(?:conversations?|meetings?|calls?|chats?|discussions?|transcripts?)`

// Rules is the default rule table, in tie-break order.
//
// Confidences:
//
//	export        0.90
//	statistics    0.85
//	speaker       0.85
//	find          0.80
//	search        0.75
//	question      0.55  below the default minimum without a supporting entity
var Rules = []Rule{
	rule(ExportData, "export", `\b(?:export|download|dump|back\s*up)\b(?:\s+(?:all|my|the|every))*(?:\s+`+conversationNouns+`|\s+data|\s+everything)?`, 0.9),

	rule(GetStatistics, "statistics", `\b(?:statistics|stats|metrics|overview)\b`, 0.85),
	rule(GetStatistics, "how_many", `\bhow\s+many\s+(?:`+conversationNouns+`|segments|speakers|people)\b`, 0.85),
	rule(GetStatistics, "totals", `\b(?:total|overall)\s+(?:number\s+of\s+\w+|count|conversations|talk\s+time|time\s+recorded)\b`, 0.85),

	rule(AnalyzeSpeaker, "talk_time", `\bhow\s+(?:much|long|often)\s+(?:did|does|has|have)\s+.+?\s+(?:talk|talked|speak|spoken|spoke)\b`, 0.85),
	rule(AnalyzeSpeaker, "speaker_stats", `\b(?:analy[sz]e|profile|analytics|statistics|stats|insights?)\s+(?:for|of|on|about)\s+(?:speaker\s+)?\S+`, 0.85),
	rule(AnalyzeSpeaker, "relationships", `\b(?:who\s+(?:does|did|do)\s+.+?\s+(?:talk|speak|meet)\s+(?:to|with)\s+(?:the\s+)?most|relationships?\s+(?:of|for|with|between)\s+\S+)`, 0.85),
	rule(AnalyzeSpeaker, "ranking", `\bwho\s+(?:talks?|talked|speaks?|spoke|has\s+(?:talked|spoken))\s+(?:the\s+)?most\b`, 0.85),
	rule(AnalyzeSpeaker, "talk_time_noun", `\b(?:talk|speaking)\s+time\b`, 0.85),

	rule(FindConversations, "find_conversations", `\b(?:find|show|list|get|give)\s+(?:me\s+)?(?:all\s+)?(?:of\s+)?(?:my\s+)?(?:the\s+)?(?:(?:recent|latest|last|previous)\s+)?`+conversationNouns+`\b`, 0.8),
	rule(FindConversations, "conversations_with", conversationNouns+`\s+(?:with|from|on|between|during|since|involving)\b`, 0.8),
	rule(FindConversations, "when_did_we", `\bwhen\s+did\s+(?:i|we)\s+(?:last\s+)?(?:talk|speak|meet)\b`, 0.8),

	rule(SearchContent, "search", `\b(?:search|look)\s+(?:for|through|up)\b`, 0.75),
	rule(SearchContent, "what_said", `\bwhat\s+(?:did|was|has|have)\s+.+?\s+(?:say|said|mention|mentioned|discuss|discussed)\b`, 0.75),
	rule(SearchContent, "mentions", `\b(?:mention(?:ed|s)?|talked\s+about|spoke\s+about|containing)\b`, 0.75),

	rule(SearchContent, "question", `\b(?:what|who|where|anything|something)\b`, 0.55),
}
