package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewConversation holds the input for opening a conversation.
type NewConversation struct {
	ID        string    `json:"id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	StartTime time.Time `json:"start_time"`
	Title     string    `json:"title,omitempty"`
	Context   string    `json:"context,omitempty"`
}

// SummaryUpdate holds backfilled conversation analysis.
type SummaryUpdate struct {
	Title          *string  `json:"title,omitempty"`
	Summary        *string  `json:"summary,omitempty"`
	Topics         []string `json:"topics,omitempty"`
	SentimentScore *float64 `json:"sentiment_score,omitempty"`
	QualityScore   *float64 `json:"quality_score,omitempty"`
}

const conversationColumns = `id, channel, start_time, end_time, title, context, summary, topics,
	sentiment_score, quality_score, participant_count`

func scanConversation(r rowScanner) (*Conversation, error) {
	var (
		c      Conversation
		topics string
	)
	if err := r.Scan(&c.ID, &c.Channel, &c.StartTime, &c.EndTime, &c.Title, &c.Context, &c.Summary,
		&topics, &c.SentimentScore, &c.QualityScore, &c.ParticipantCount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(topics), &c.Topics); err != nil || c.Topics == nil {
		c.Topics = []string{}
	}
	return &c, nil
}

// DefaultChannel is used when a segment names no capture channel.
const DefaultChannel = "default"

// CreateConversation opens a conversation starting at p.StartTime.
func (s *Store) CreateConversation(ctx context.Context, p NewConversation) (*Conversation, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Channel == "" {
		p.Channel = DefaultChannel
	}
	if p.StartTime.IsZero() {
		p.StartTime = timeNow()
	}
	start := FormatTime(p.StartTime)
	if _, err := s.execHook(ctx, s.db,
		`INSERT INTO conversations (id, channel, start_time, end_time, title, context) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Channel, start, start, nullableString(p.Title), nullableString(p.Context),
	); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("conversation %s already exists", p.ID)
		}
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.log.Debug("conversation opened", zap.String("id", p.ID), zap.String("channel", p.Channel))
	return s.getConversation(ctx, s.db, p.ID)
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, s.ro, id)
}

func (s *Store) getConversation(ctx context.Context, q querier, id string) (*Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListConversations returns the most recent conversations.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.ro.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations ORDER BY start_time DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// LatestConversation returns the conversation with the latest end_time on
// channel, or ErrNotFound.
func (s *Store) LatestConversation(ctx context.Context, channel string) (*Conversation, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE channel = ? ORDER BY end_time DESC, id DESC LIMIT 1`,
		channel))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", channel, ErrNotFound)
	}
	return c, err
}

// TouchConversation extends end_time to at when at is later.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.execHook(ctx, s.db,
		`UPDATE conversations SET end_time = MAX(end_time, ?) WHERE id = ?`, FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateConversationSummary backfills analysis fields. Nil fields are kept.
func (s *Store) UpdateConversationSummary(ctx context.Context, id string, u SummaryUpdate) (*Conversation, error) {
	var topics *string
	if u.Topics != nil {
		b, _ := json.Marshal(u.Topics)
		t := string(b)
		topics = &t
	}
	res, err := s.execHook(ctx, s.db, `
		UPDATE conversations SET
			title           = COALESCE(?, title),
			summary         = COALESCE(?, summary),
			topics          = COALESCE(?, topics),
			sentiment_score = COALESCE(?, sentiment_score),
			quality_score   = COALESCE(?, quality_score)
		WHERE id = ?`,
		u.Title, u.Summary, topics, u.SentimentScore, u.QualityScore, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return s.getConversation(ctx, s.db, id)
}

// PurgeResult reports what an administrative purge removed.
type PurgeResult struct {
	ConversationID   string `json:"conversation_id"`
	SegmentsDeleted  int64  `json:"segments_deleted"`
	PairsRecomputed  int    `json:"pairs_recomputed"`
	SpeakersAffected int    `json:"speakers_affected"`
}

// PurgeConversation deletes a conversation, its segments and its
// relationship ledger rows, then recomputes the totals of every speaker
// and pair that referenced it.
func (s *Store) PurgeConversation(ctx context.Context, id string) (*PurgeResult, error) {
	tx, err := s.beginTxHook(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := s.getConversation(ctx, tx, id); err != nil {
		return nil, err
	}

	speakers, err := collectStrings(ctx, tx,
		`SELECT DISTINCT speaker_id FROM segments WHERE conversation_id = ? AND speaker_id IS NOT NULL`, id)
	if err != nil {
		return nil, err
	}
	pairs, err := collectPairs(ctx, tx,
		`SELECT speaker_a_id, speaker_b_id FROM relationship_conversations WHERE conversation_id = ?`, id)
	if err != nil {
		return nil, err
	}

	res, err := s.execHook(ctx, tx, `DELETE FROM segments WHERE conversation_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("delete segments: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if _, err := s.execHook(ctx, tx, `DELETE FROM relationship_conversations WHERE conversation_id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete ledger: %w", err)
	}
	if _, err := s.execHook(ctx, tx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete conversation: %w", err)
	}

	for _, sp := range speakers {
		if err := s.recomputeSpeakerTotals(ctx, tx, sp); err != nil {
			return nil, err
		}
	}
	for _, p := range pairs {
		if err := s.recomputePair(ctx, tx, p[0], p[1]); err != nil {
			return nil, err
		}
	}

	if err := s.commitHook(tx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	s.log.Info("conversation purged", zap.String("id", id), zap.Int64("segments", deleted))
	return &PurgeResult{
		ConversationID:   id,
		SegmentsDeleted:  deleted,
		PairsRecomputed:  len(pairs),
		SpeakersAffected: len(speakers),
	}, nil
}

func collectStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func collectPairs(ctx context.Context, q querier, query string, args ...any) ([][2]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out [][2]string
	for rows.Next() {
		var p [2]string
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// recomputeSpeakerTotals derives talk time, conversation count and last
// interaction from the speaker's segments.
func (s *Store) recomputeSpeakerTotals(ctx context.Context, tx *sql.Tx, speakerID string) error {
	_, err := s.execHook(ctx, tx, `
		UPDATE speakers SET
			total_talk_time     = (SELECT COALESCE(SUM(MAX(end_offset - start_offset, 0)), 0) FROM segments WHERE speaker_id = ?),
			total_conversations = (SELECT COUNT(DISTINCT conversation_id) FROM segments WHERE speaker_id = ?),
			last_interaction_at = (SELECT MAX(spoken_at) FROM segments WHERE speaker_id = ?)
		WHERE id = ?`,
		speakerID, speakerID, speakerID, speakerID)
	if err != nil {
		return fmt.Errorf("recompute speaker %s: %w", speakerID, err)
	}
	return nil
}
