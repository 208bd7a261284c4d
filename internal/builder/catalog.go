package builder

import (
	"strings"

	"github.com/yeager620/savant-ai-sub000/internal/intent"
)

// Parameter names shared by the templates.
const (
	ParamSpeaker = "speaker_id"
	ParamTerm    = "term"
	ParamSince   = "since"
	ParamUntil   = "until"
	ParamLimit   = "limit"
	ParamOffset  = "offset"
)

// Template is one parameterized read for an intent. Templates of an intent
// are tried in catalog order; Explicit variants are only used when asked
// for by name.
type Template struct {
	Intent   intent.Intent `json:"intent"`
	Variant  string        `json:"variant"`
	Examples []string      `json:"examples"`
	SQL      string        `json:"sql"`
	Required []string      `json:"required"`
	Explicit bool          `json:"explicit,omitempty"`
}

const conversationColumns = `conversations.id, conversations.title, conversations.start_time,
	conversations.end_time, conversations.participant_count, conversations.summary`

const segmentColumns = `segments.id, segments.conversation_id, segments.speaker_id,
	segments.spoken_at, segments.raw_text`

const exportColumns = `segments.id, segments.conversation_id, conversations.title,
	segments.speaker_id, segments.spoken_at, segments.start_offset, segments.end_offset,
	segments.raw_text, segments.processed_text`

// optional date filters over a column pair.
func window(startCol, endCol string) string {
	return `(:since IS NULL OR ` + endCol + ` >= :since) AND (:until IS NULL OR ` + startCol + ` < :until)`
}

var catalog = []Template{
	// ─── FindConversations ─────────────────────────────────────────────
	{
		Intent:   intent.FindConversations,
		Variant:  "by_speaker_and_topic",
		Examples: []string{"Find conversations with John about the budget"},
		SQL: `SELECT ` + conversationColumns + `
			FROM conversations
			WHERE conversations.id IN (
				SELECT segments.conversation_id FROM segments_fts
				JOIN segments ON segments.id = segments_fts.rowid
				WHERE segments_fts = :term AND segments.speaker_id = :speaker_id)
			AND ` + window("conversations.start_time", "conversations.end_time") + `
			ORDER BY conversations.start_time DESC`,
		Required: []string{ParamSpeaker, ParamTerm},
	},
	{
		Intent:   intent.FindConversations,
		Variant:  "by_speaker",
		Examples: []string{"Find all conversations with John", "When did we talk to Sarah last week?"},
		SQL: `SELECT ` + conversationColumns + `
			FROM conversations
			WHERE conversations.id IN (
				SELECT segments.conversation_id FROM segments
				WHERE segments.speaker_id = :speaker_id)
			AND ` + window("conversations.start_time", "conversations.end_time") + `
			ORDER BY conversations.start_time DESC`,
		Required: []string{ParamSpeaker},
	},
	{
		Intent:   intent.FindConversations,
		Variant:  "by_topic",
		Examples: []string{"Show conversations about the product launch"},
		SQL: `SELECT ` + conversationColumns + `
			FROM conversations
			WHERE conversations.id IN (
				SELECT segments.conversation_id FROM segments_fts
				JOIN segments ON segments.id = segments_fts.rowid
				WHERE segments_fts = :term)
			AND ` + window("conversations.start_time", "conversations.end_time") + `
			ORDER BY conversations.start_time DESC`,
		Required: []string{ParamTerm},
	},
	{
		Intent:   intent.FindConversations,
		Variant:  "by_date",
		Examples: []string{"Show me conversations from yesterday"},
		SQL: `SELECT ` + conversationColumns + `
			FROM conversations
			WHERE conversations.end_time >= :since AND conversations.start_time < :until
			ORDER BY conversations.start_time DESC`,
		Required: []string{ParamSince, ParamUntil},
	},
	{
		Intent:   intent.FindConversations,
		Variant:  "recent",
		Examples: []string{"List recent conversations"},
		SQL: `SELECT ` + conversationColumns + `
			FROM conversations
			ORDER BY conversations.start_time DESC`,
	},

	// ─── AnalyzeSpeaker ────────────────────────────────────────────────
	{
		Intent:   intent.AnalyzeSpeaker,
		Variant:  "relationships",
		Examples: []string{"Who does John talk to most?"},
		SQL: `SELECT speaker_relationships.speaker_a_id, speaker_relationships.speaker_b_id,
				speaker_relationships.conversation_count, speaker_relationships.total_duration,
				speaker_relationships.last_interaction_at, speaker_relationships.relationship_strength
			FROM speaker_relationships
			WHERE speaker_relationships.speaker_a_id = :speaker_id OR speaker_relationships.speaker_b_id = :speaker_id
			ORDER BY speaker_relationships.relationship_strength DESC`,
		Required: []string{ParamSpeaker},
		Explicit: true,
	},
	{
		Intent:   intent.AnalyzeSpeaker,
		Variant:  "speaker_activity",
		Examples: []string{"How much did John talk last week?"},
		SQL: `SELECT speakers.id, speakers.display_name,
				COUNT(segments.id) AS segment_count,
				COUNT(DISTINCT segments.conversation_id) AS conversation_total,
				COALESCE(SUM(segments.end_offset - segments.start_offset), 0) AS talk_time
			FROM speakers
			JOIN segments ON segments.speaker_id = speakers.id
			WHERE speakers.id = :speaker_id AND segments.spoken_at >= :since AND segments.spoken_at < :until
			GROUP BY speakers.id, speakers.display_name`,
		Required: []string{ParamSpeaker, ParamSince, ParamUntil},
	},
	{
		Intent:   intent.AnalyzeSpeaker,
		Variant:  "speaker_profile",
		Examples: []string{"How much did John talk?", "Speaker stats for Sarah"},
		SQL: `SELECT speakers.id, speakers.display_name, speakers.total_talk_time,
				speakers.total_conversations, speakers.last_interaction_at, speakers.created_at
			FROM speakers
			WHERE speakers.id = :speaker_id`,
		Required: []string{ParamSpeaker},
	},
	{
		Intent:   intent.AnalyzeSpeaker,
		Variant:  "ranking_by_date",
		Examples: []string{"Who talked the most this week?"},
		SQL: `SELECT segments.speaker_id, speakers.display_name,
				COUNT(segments.id) AS segment_count,
				SUM(segments.end_offset - segments.start_offset) AS talk_time
			FROM segments
			JOIN speakers ON speakers.id = segments.speaker_id
			WHERE segments.spoken_at >= :since AND segments.spoken_at < :until
			GROUP BY segments.speaker_id, speakers.display_name
			ORDER BY talk_time DESC`,
		Required: []string{ParamSince, ParamUntil},
	},
	{
		Intent:   intent.AnalyzeSpeaker,
		Variant:  "ranking",
		Examples: []string{"Who talks the most?"},
		SQL: `SELECT speakers.id, speakers.display_name, speakers.total_talk_time,
				speakers.total_conversations, speakers.last_interaction_at
			FROM speakers
			WHERE speakers.merged_into IS NULL
			ORDER BY speakers.total_talk_time DESC`,
	},

	// ─── SearchContent ─────────────────────────────────────────────────
	{
		Intent:   intent.SearchContent,
		Variant:  "term",
		Examples: []string{`Search for "quarterly budget"`, "What did John say about the budget?"},
		SQL: `SELECT ` + segmentColumns + `, bm25(segments_fts) AS score
			FROM segments_fts
			JOIN segments ON segments.id = segments_fts.rowid
			WHERE segments_fts = :term
			AND (:speaker_id IS NULL OR segments.speaker_id = :speaker_id)
			AND ` + window("segments.spoken_at", "segments.spoken_at") + `
			ORDER BY score, segments.id`,
		Required: []string{ParamTerm},
	},
	{
		Intent:   intent.SearchContent,
		Variant:  "by_speaker",
		Examples: []string{"What did Sarah say yesterday?"},
		SQL: `SELECT ` + segmentColumns + `
			FROM segments
			WHERE segments.speaker_id = :speaker_id
			AND ` + window("segments.spoken_at", "segments.spoken_at") + `
			ORDER BY segments.spoken_at DESC, segments.id DESC`,
		Required: []string{ParamSpeaker},
	},

	// ─── GetStatistics ─────────────────────────────────────────────────
	{
		Intent:   intent.GetStatistics,
		Variant:  "overview",
		Examples: []string{"How many conversations did we have this month?", "Show statistics"},
		SQL: `SELECT COUNT(DISTINCT segments.conversation_id) AS conversation_total,
				COUNT(segments.id) AS segment_total,
				COUNT(DISTINCT segments.speaker_id) AS speaker_total,
				COALESCE(SUM(segments.end_offset - segments.start_offset), 0) AS talk_time,
				MIN(segments.spoken_at) AS first_spoken_at,
				MAX(segments.spoken_at) AS last_spoken_at
			FROM segments
			WHERE (:speaker_id IS NULL OR segments.speaker_id = :speaker_id)
			AND ` + window("segments.spoken_at", "segments.spoken_at"),
	},

	// ─── ExportData ────────────────────────────────────────────────────
	{
		Intent:   intent.ExportData,
		Variant:  "by_speaker",
		Examples: []string{"Export everything John said"},
		SQL: `SELECT ` + exportColumns + `
			FROM segments
			JOIN conversations ON conversations.id = segments.conversation_id
			WHERE segments.speaker_id = :speaker_id
			AND ` + window("segments.spoken_at", "segments.spoken_at") + `
			ORDER BY segments.spoken_at, segments.id`,
		Required: []string{ParamSpeaker},
	},
	{
		Intent:   intent.ExportData,
		Variant:  "by_date",
		Examples: []string{"Export last week's conversations"},
		SQL: `SELECT ` + exportColumns + `
			FROM segments
			JOIN conversations ON conversations.id = segments.conversation_id
			WHERE segments.spoken_at >= :since AND segments.spoken_at < :until
			ORDER BY segments.spoken_at, segments.id`,
		Required: []string{ParamSince, ParamUntil},
	},
	{
		Intent:   intent.ExportData,
		Variant:  "all",
		Examples: []string{"Export all transcripts"},
		SQL: `SELECT ` + exportColumns + `
			FROM segments
			JOIN conversations ON conversations.id = segments.conversation_id
			ORDER BY segments.spoken_at, segments.id`,
	},
}

func init() {
	for i := range catalog {
		catalog[i].SQL = compact(catalog[i].SQL)
	}
}

// compact folds the template's whitespace to single spaces.
func compact(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// Catalog returns a copy of every template in evaluation order.
func Catalog() []Template {
	out := make([]Template, len(catalog))
	copy(out, catalog)
	return out
}

// Variants returns the templates of in, in evaluation order.
func Variants(in intent.Intent) []Template {
	var out []Template
	for _, t := range catalog {
		if t.Intent == in {
			out = append(out, t)
		}
	}
	return out
}

// Lookup returns the named variant of in.
func Lookup(in intent.Intent, variant string) (Template, bool) {
	for _, t := range catalog {
		if t.Intent == in && t.Variant == variant {
			return t, true
		}
	}
	return Template{}, false
}
