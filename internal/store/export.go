package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ExportVersion tags the bundle layout.
const ExportVersion = "1"

// ExportFilter narrows an administrative export. Zero values mean no
// restriction. Since/Until are storage-format timestamps.
type ExportFilter struct {
	ConversationID string `json:"conversation_id,omitempty"`
	SpeakerID      string `json:"speaker_id,omitempty"`
	Since          string `json:"since,omitempty"`
	Until          string `json:"until,omitempty"`
}

// ExportBundle is a full dump of the selected data. Embeddings are never
// exported.
type ExportBundle struct {
	Version       string         `json:"version"`
	ExportedAt    string         `json:"exported_at"`
	Conversations []Conversation `json:"conversations"`
	Segments      []Segment      `json:"segments"`
	Speakers      []Speaker      `json:"speakers"`
	Relationships []Relationship `json:"relationships"`
}

// Export dumps conversations, segments, speakers and relationships
// matching f.
func (s *Store) Export(ctx context.Context, f ExportFilter) (*ExportBundle, error) {
	b := &ExportBundle{
		Version:       ExportVersion,
		ExportedAt:    Now(),
		Conversations: []Conversation{},
		Segments:      []Segment{},
		Speakers:      []Speaker{},
		Relationships: []Relationship{},
	}

	if f.SpeakerID != "" {
		sp, err := s.ResolveSpeaker(ctx, f.SpeakerID)
		if err != nil {
			return nil, err
		}
		f.SpeakerID = sp.ID
	}

	var (
		where []string
		args  []any
	)
	if f.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.SpeakerID != "" {
		where = append(where, "speaker_id = ?")
		args = append(args, f.SpeakerID)
	}
	if f.Since != "" {
		where = append(where, "spoken_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		where = append(where, "spoken_at < ?")
		args = append(args, f.Until)
	}
	segQuery := `SELECT ` + segmentColumns + ` FROM segments`
	if len(where) > 0 {
		segQuery += " WHERE " + strings.Join(where, " AND ")
	}
	segQuery += " ORDER BY spoken_at, id"

	rows, err := s.ro.QueryContext(ctx, segQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("export segments: %w", err)
	}
	convIDs := map[string]bool{}
	speakerIDs := map[string]bool{}
	for rows.Next() {
		sg, err := scanSegment(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sg.Embedding = nil
		convIDs[sg.ConversationID] = true
		if sg.SpeakerID != nil {
			speakerIDs[*sg.SpeakerID] = true
		}
		b.Segments = append(b.Segments, *sg)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export segments: %w", err)
	}

	convs, err := s.ListConversations(ctx, 1<<30)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		if convIDs[c.ID] || (f.ConversationID == c.ID) {
			b.Conversations = append(b.Conversations, c)
		}
	}

	speakers, err := s.ListSpeakers(ctx, true)
	if err != nil {
		return nil, err
	}
	for _, sp := range speakers {
		if speakerIDs[sp.ID] || (sp.MergedInto != nil && speakerIDs[*sp.MergedInto]) {
			sp.VoiceEmbedding = nil
			b.Speakers = append(b.Speakers, sp)
		}
	}

	seen := map[[2]string]bool{}
	for id := range speakerIDs {
		rels, err := s.Relationships(ctx, id, timeNow())
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			key := [2]string{r.SpeakerA, r.SpeakerB}
			if seen[key] {
				continue
			}
			seen[key] = true
			b.Relationships = append(b.Relationships, r)
		}
	}
	sort.Slice(b.Relationships, func(i, j int) bool {
		ri, rj := b.Relationships[i], b.Relationships[j]
		if ri.SpeakerA != rj.SpeakerA {
			return ri.SpeakerA < rj.SpeakerA
		}
		return ri.SpeakerB < rj.SpeakerB
	})
	return b, nil
}
