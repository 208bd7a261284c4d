package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Relationship strength parameters.
const (
	countScale    = 5.0
	durationScale = 3600.0
	countWeight   = 0.8
	halfLife      = 30 * 24 * time.Hour
)

// Strength scores a pair from its conversation count and co-present
// duration (seconds), decayed by the time elapsed since the last
// interaction. The result is in [0,1], non-decreasing in count and
// duration, and halves every 30 days of silence.
func Strength(count int, duration float64, elapsed time.Duration) float64 {
	if count <= 0 {
		return 0
	}
	base := countWeight*(1-math.Exp(-float64(count)/countScale)) +
		(1-countWeight)*(1-math.Exp(-math.Max(0, duration)/durationScale))
	if elapsed < 0 {
		elapsed = 0
	}
	decay := math.Exp2(-float64(elapsed) / float64(halfLife))
	return math.Min(1, math.Max(0, base*decay))
}

// OrderPair returns a and b with the lower id first.
func OrderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// upsertPairsForSegment records, for every other resolved speaker already
// present in the conversation, that the pair co-occurred there. The
// ledger row per (pair, conversation) makes the conversation count
// increment once per conversation regardless of segment count.
func (s *Store) upsertPairsForSegment(ctx context.Context, tx *sql.Tx, convID, speakerID, spokenAt string) error {
	others, err := collectStrings(ctx, tx,
		`SELECT DISTINCT speaker_id FROM segments
		 WHERE conversation_id = ? AND speaker_id IS NOT NULL AND speaker_id <> ?`,
		convID, speakerID)
	if err != nil {
		return fmt.Errorf("co-present speakers: %w", err)
	}
	for _, other := range others {
		a, b := OrderPair(speakerID, other)
		if err := s.writeLedgerRow(ctx, tx, a, b, convID, spokenAt); err != nil {
			return err
		}
		if err := s.recomputePair(ctx, tx, a, b); err != nil {
			return err
		}
	}
	return nil
}

// writeLedgerRow upserts one (pair, conversation) row. The duration is the
// combined talk time of both speakers in the conversation.
func (s *Store) writeLedgerRow(ctx context.Context, tx *sql.Tx, a, b, convID, lastAt string) error {
	var duration float64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(MAX(end_offset - start_offset, 0)), 0) FROM segments
		WHERE conversation_id = ? AND speaker_id IN (?, ?)`,
		convID, a, b).Scan(&duration); err != nil {
		return fmt.Errorf("pair duration: %w", err)
	}
	_, err := s.execHook(ctx, tx, `
		INSERT INTO relationship_conversations (speaker_a_id, speaker_b_id, conversation_id, duration, last_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (speaker_a_id, speaker_b_id, conversation_id) DO UPDATE SET
			duration = excluded.duration,
			last_at  = MAX(last_at, excluded.last_at)`,
		a, b, convID, duration, lastAt)
	if err != nil {
		return fmt.Errorf("pair ledger: %w", err)
	}
	return nil
}

// recomputePair derives a relationship row from its ledger. A pair with no
// ledger rows left is removed.
func (s *Store) recomputePair(ctx context.Context, tx *sql.Tx, a, b string) error {
	if !(a < b) {
		return fmt.Errorf("relationship pair %s/%s is not ordered", a, b)
	}
	var (
		count    int
		duration float64
		last     sql.NullString
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(duration), 0), MAX(last_at)
		FROM relationship_conversations WHERE speaker_a_id = ? AND speaker_b_id = ?`,
		a, b).Scan(&count, &duration, &last); err != nil {
		return fmt.Errorf("pair totals: %w", err)
	}
	if count == 0 {
		_, err := s.execHook(ctx, tx,
			`DELETE FROM speaker_relationships WHERE speaker_a_id = ? AND speaker_b_id = ?`, a, b)
		return err
	}
	_, err := s.execHook(ctx, tx, `
		INSERT INTO speaker_relationships
			(speaker_a_id, speaker_b_id, conversation_count, total_duration, last_interaction_at, relationship_strength)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (speaker_a_id, speaker_b_id) DO UPDATE SET
			conversation_count    = excluded.conversation_count,
			total_duration        = excluded.total_duration,
			last_interaction_at   = excluded.last_interaction_at,
			relationship_strength = excluded.relationship_strength`,
		a, b, count, duration, last, Strength(count, duration, 0))
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

// rebuildConversationPairs re-derives every ledger row of a conversation
// from its segments, then recomputes each pair that was or is present.
func (s *Store) rebuildConversationPairs(ctx context.Context, tx *sql.Tx, convID string) error {
	before, err := collectPairs(ctx, tx,
		`SELECT speaker_a_id, speaker_b_id FROM relationship_conversations WHERE conversation_id = ?`, convID)
	if err != nil {
		return err
	}
	if _, err := s.execHook(ctx, tx,
		`DELETE FROM relationship_conversations WHERE conversation_id = ?`, convID); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}

	speakers, err := collectStrings(ctx, tx,
		`SELECT DISTINCT speaker_id FROM segments
		 WHERE conversation_id = ? AND speaker_id IS NOT NULL ORDER BY speaker_id`, convID)
	if err != nil {
		return err
	}

	affected := map[[2]string]bool{}
	for _, p := range before {
		affected[p] = true
	}
	for i := 0; i < len(speakers); i++ {
		for j := i + 1; j < len(speakers); j++ {
			a, b := OrderPair(speakers[i], speakers[j])
			var last string
			if err := tx.QueryRowContext(ctx,
				`SELECT MAX(spoken_at) FROM segments WHERE conversation_id = ? AND speaker_id IN (?, ?)`,
				convID, a, b).Scan(&last); err != nil {
				return fmt.Errorf("pair last interaction: %w", err)
			}
			if err := s.writeLedgerRow(ctx, tx, a, b, convID, last); err != nil {
				return err
			}
			affected[[2]string{a, b}] = true
		}
	}

	keys := make([][2]string, 0, len(affected))
	for p := range affected {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	for _, p := range keys {
		if err := s.recomputePair(ctx, tx, p[0], p[1]); err != nil {
			return err
		}
	}
	return nil
}

// Relationships returns the pairs involving speakerID with strength decayed
// to now, strongest first. A merged-away id resolves to its primary.
func (s *Store) Relationships(ctx context.Context, speakerID string, now time.Time) ([]Relationship, error) {
	sp, err := s.ResolveSpeaker(ctx, speakerID)
	if err != nil {
		return nil, err
	}
	rows, err := s.ro.QueryContext(ctx, `
		SELECT speaker_a_id, speaker_b_id, conversation_count, total_duration, last_interaction_at
		FROM speaker_relationships
		WHERE speaker_a_id = ? OR speaker_b_id = ?`, sp.ID, sp.ID)
	if err != nil {
		return nil, fmt.Errorf("relationships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.SpeakerA, &r.SpeakerB, &r.ConversationCount, &r.TotalDuration, &r.LastInteractionAt); err != nil {
			return nil, err
		}
		var elapsed time.Duration
		if r.LastInteractionAt != nil {
			if last, err := ParseTime(*r.LastInteractionAt); err == nil {
				elapsed = now.Sub(last)
			}
		}
		r.Strength = Strength(r.ConversationCount, r.TotalDuration, elapsed)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return out, nil
}

// Relationship returns one ordered pair, or ErrNotFound.
func (s *Store) Relationship(ctx context.Context, x, y string) (*Relationship, error) {
	a, b := OrderPair(x, y)
	var r Relationship
	err := s.ro.QueryRowContext(ctx, `
		SELECT speaker_a_id, speaker_b_id, conversation_count, total_duration, last_interaction_at, relationship_strength
		FROM speaker_relationships WHERE speaker_a_id = ? AND speaker_b_id = ?`, a, b).
		Scan(&r.SpeakerA, &r.SpeakerB, &r.ConversationCount, &r.TotalDuration, &r.LastInteractionAt, &r.Strength)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relationship %s/%s: %w", a, b, ErrNotFound)
	}
	return &r, err
}
