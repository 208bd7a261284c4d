package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SegmentInput holds a transcribed segment to store. SpeakerID forces the
// speaker (following merges); SpeakerName matches or creates a speaker by
// name; with neither, attribution runs on the text and voice embedding.
type SegmentInput struct {
	ConversationID string    `json:"conversation_id"`
	SpeakerID      string    `json:"speaker_id,omitempty"`
	SpeakerName    string    `json:"speaker_name,omitempty"`
	SpokenAt       time.Time `json:"spoken_at"`
	StartOffset    float64   `json:"start_offset"`
	EndOffset      float64   `json:"end_offset"`
	RawText        string    `json:"raw_text"`
	ProcessedText  string    `json:"processed_text,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	VoiceEmbedding []float32 `json:"voice_embedding,omitempty"`
	Embedding      []float32 `json:"embedding,omitempty"`
}

// SegmentHit is a full-text search match.
type SegmentHit struct {
	Segment
	Rank float64 `json:"rank"`
}

const segmentColumns = `id, conversation_id, speaker_id, spoken_at, start_offset, end_offset,
	raw_text, processed_text, confidence, embedding`

func scanSegment(r rowScanner, extra ...any) (*Segment, error) {
	var (
		sg  Segment
		emb []byte
	)
	dest := []any{&sg.ID, &sg.ConversationID, &sg.SpeakerID, &sg.SpokenAt, &sg.StartOffset, &sg.EndOffset,
		&sg.RawText, &sg.ProcessedText, &sg.Confidence, &emb}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	sg.Embedding = decodeEmbedding(emb)
	return &sg, nil
}

// InsertSegment stores a segment in one write transaction: it resolves or
// attributes the speaker, updates speaker and conversation totals, and
// upserts relationship pairs for every co-present speaker.
func (s *Store) InsertSegment(ctx context.Context, in SegmentInput) (*Segment, error) {
	if strings.TrimSpace(in.RawText) == "" {
		return nil, errors.New("segment raw_text is required")
	}
	if in.ConversationID == "" {
		return nil, errors.New("segment conversation_id is required")
	}
	if in.SpokenAt.IsZero() {
		in.SpokenAt = timeNow()
	}
	if in.Confidence <= 0 {
		in.Confidence = 1
	}

	tx, err := s.beginTxHook(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := s.getConversation(ctx, tx, in.ConversationID); err != nil {
		return nil, err
	}

	speakerID, method, err := s.resolveSegmentSpeaker(ctx, tx, in)
	if err != nil {
		return nil, err
	}

	spokenAt := FormatTime(in.SpokenAt)
	res, err := s.execHook(ctx, tx, `
		INSERT INTO segments (conversation_id, speaker_id, spoken_at, start_offset, end_offset,
		                      raw_text, processed_text, confidence, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ConversationID, nullableString(speakerID), spokenAt, in.StartOffset, in.EndOffset,
		in.RawText, nullableString(in.ProcessedText), in.Confidence, encodeEmbedding(in.Embedding),
	)
	if err != nil {
		return nil, fmt.Errorf("insert segment: %w", err)
	}
	id, _ := res.LastInsertId()

	seg := &Segment{
		ID:             id,
		ConversationID: in.ConversationID,
		SpeakerID:      nullableString(speakerID),
		SpokenAt:       spokenAt,
		StartOffset:    in.StartOffset,
		EndOffset:      in.EndOffset,
		RawText:        in.RawText,
		ProcessedText:  nullableString(in.ProcessedText),
		Confidence:     in.Confidence,
		Embedding:      in.Embedding,
		Attribution:    method,
	}

	end := FormatTime(in.SpokenAt.Add(time.Duration(seg.Duration() * float64(time.Second))))
	if _, err := s.execHook(ctx, tx, `
		UPDATE conversations SET
			end_time          = MAX(end_time, ?),
			participant_count = (SELECT COUNT(DISTINCT speaker_id) FROM segments
			                     WHERE conversation_id = ? AND speaker_id IS NOT NULL)
		WHERE id = ?`,
		end, in.ConversationID, in.ConversationID); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	if speakerID != "" {
		var prior int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM segments WHERE conversation_id = ? AND speaker_id = ? AND id <> ?`,
			in.ConversationID, speakerID, id).Scan(&prior); err != nil {
			return nil, fmt.Errorf("speaker history: %w", err)
		}
		newConv := 0
		if prior == 0 {
			newConv = 1
		}
		if _, err := s.execHook(ctx, tx, `
			UPDATE speakers SET
				total_talk_time     = total_talk_time + ?,
				total_conversations = total_conversations + ?,
				last_interaction_at = MAX(COALESCE(last_interaction_at, ''), ?)
			WHERE id = ?`,
			seg.Duration(), newConv, spokenAt, speakerID); err != nil {
			return nil, fmt.Errorf("update speaker totals: %w", err)
		}
		if err := s.upsertPairsForSegment(ctx, tx, in.ConversationID, speakerID, spokenAt); err != nil {
			return nil, err
		}
	}

	if err := s.commitHook(tx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	s.log.Debug("segment stored",
		zap.Int64("id", id),
		zap.String("conversation", in.ConversationID),
		zap.String("speaker", speakerID),
		zap.String("attribution", method))
	return seg, nil
}

func (s *Store) resolveSegmentSpeaker(ctx context.Context, tx *sql.Tx, in SegmentInput) (string, string, error) {
	switch {
	case in.SpeakerID != "":
		sp, err := resolveSpeaker(ctx, tx, in.SpeakerID)
		if err != nil {
			return "", "", err
		}
		return sp.ID, AttributedForced, nil

	case strings.TrimSpace(in.SpeakerName) != "":
		matches, err := findSpeakerByName(ctx, tx, in.SpeakerName)
		if err != nil {
			return "", "", err
		}
		if len(matches) > 1 {
			s.log.Warn("speaker name is ambiguous; using lowest id",
				zap.String("name", in.SpeakerName), zap.Int("matches", len(matches)))
		}
		if len(matches) > 0 {
			return matches[0].ID, AttributedForced, nil
		}
		sp, err := s.createSpeakerTx(ctx, tx, NewSpeaker{
			DisplayName:    in.SpeakerName,
			VoiceEmbedding: in.VoiceEmbedding,
		})
		if err != nil {
			return "", "", err
		}
		return sp.ID, AttributedForced, nil
	}

	res, err := attribute(ctx, tx, in.RawText, in.VoiceEmbedding)
	if err != nil {
		return "", "", err
	}
	return res.SpeakerID, res.Method, nil
}

// GetSegment returns a segment by id.
func (s *Store) GetSegment(ctx context.Context, id int64) (*Segment, error) {
	return getSegment(ctx, s.ro, id)
}

func getSegment(ctx context.Context, q querier, id int64) (*Segment, error) {
	sg, err := scanSegment(q.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("segment %d: %w", id, ErrNotFound)
	}
	return sg, err
}

// SegmentsForConversation returns a conversation's segments in time order.
func (s *Store) SegmentsForConversation(ctx context.Context, convID string) ([]Segment, error) {
	rows, err := s.ro.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE conversation_id = ? ORDER BY spoken_at, id`, convID)
	if err != nil {
		return nil, fmt.Errorf("segments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Segment
	for rows.Next() {
		sg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, rows.Err()
}

// SearchSegments runs a full-text search over raw and processed text.
func (s *Store) SearchSegments(ctx context.Context, query string, limit int) ([]SegmentHit, error) {
	if limit <= 0 {
		limit = 20
	}
	ftsQuery := FTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}
	rows, err := s.ro.QueryContext(ctx, `
		SELECT s.id, s.conversation_id, s.speaker_id, s.spoken_at, s.start_offset, s.end_offset,
		       s.raw_text, s.processed_text, s.confidence, s.embedding, fts.rank
		FROM segments_fts fts
		JOIN segments s ON s.id = fts.rowid
		WHERE segments_fts MATCH ?
		ORDER BY fts.rank, s.id
		LIMIT ?`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SegmentHit
	for rows.Next() {
		var rank float64
		sg, err := scanSegment(rows, &rank)
		if err != nil {
			return nil, err
		}
		out = append(out, SegmentHit{Segment: *sg, Rank: rank})
	}
	return out, rows.Err()
}

// SegmentEmbeddings returns the stored semantic embeddings for ids.
// Segments without an embedding are absent from the map.
func (s *Store) SegmentEmbeddings(ctx context.Context, ids []int64) (map[int64][]float32, error) {
	out := make(map[int64][]float32, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.ro.QueryContext(ctx,
		`SELECT id, embedding FROM segments WHERE embedding IS NOT NULL AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("segment embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			id  int64
			emb []byte
		)
		if err := rows.Scan(&id, &emb); err != nil {
			return nil, err
		}
		if v := decodeEmbedding(emb); v != nil {
			out[id] = v
		}
	}
	return out, rows.Err()
}

// EnrichSegment backfills processed text and/or the semantic embedding.
func (s *Store) EnrichSegment(ctx context.Context, id int64, processed *string, embedding []float32) error {
	var emb any
	if len(embedding) > 0 {
		emb = encodeEmbedding(embedding)
	}
	res, err := s.execHook(ctx, s.db, `
		UPDATE segments SET
			processed_text = COALESCE(?, processed_text),
			embedding      = COALESCE(?, embedding)
		WHERE id = ?`, processed, emb, id)
	if err != nil {
		return fmt.Errorf("enrich segment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("segment %d: %w", id, ErrNotFound)
	}
	return nil
}

// CorrectSegmentSpeaker re-points one segment to a speaker (following
// merges) and re-derives the totals and pairs it affects.
func (s *Store) CorrectSegmentSpeaker(ctx context.Context, segmentID int64, speakerID string) (*Segment, error) {
	tx, err := s.beginTxHook(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	seg, err := getSegment(ctx, tx, segmentID)
	if err != nil {
		return nil, err
	}
	sp, err := resolveSpeaker(ctx, tx, speakerID)
	if err != nil {
		return nil, err
	}
	old := derefString(seg.SpeakerID)
	if old == sp.ID {
		return seg, nil
	}

	if _, err := s.execHook(ctx, tx, `UPDATE segments SET speaker_id = ? WHERE id = ?`, sp.ID, segmentID); err != nil {
		return nil, fmt.Errorf("correct speaker: %w", err)
	}
	for _, id := range []string{old, sp.ID} {
		if id == "" {
			continue
		}
		if err := s.recomputeSpeakerTotals(ctx, tx, id); err != nil {
			return nil, err
		}
	}
	if _, err := s.execHook(ctx, tx, `
		UPDATE conversations SET participant_count = (SELECT COUNT(DISTINCT speaker_id) FROM segments
			WHERE conversation_id = ? AND speaker_id IS NOT NULL)
		WHERE id = ?`, seg.ConversationID, seg.ConversationID); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if err := s.rebuildConversationPairs(ctx, tx, seg.ConversationID); err != nil {
		return nil, err
	}
	if err := s.commitHook(tx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	seg.SpeakerID = &sp.ID
	seg.Attribution = AttributedForced
	return seg, nil
}
