package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/yeager620/savant-ai-sub000/internal/errs"
)

// MergeResult reports the effect of a merge.
type MergeResult struct {
	Primary           *Speaker `json:"primary"`
	SecondaryID       string   `json:"secondary_id"`
	SegmentsMoved     int64    `json:"segments_moved"`
	AliasesMoved      int64    `json:"aliases_moved"`
	ConversationsSeen int      `json:"conversations_rebuilt"`
}

// MergeSpeakers folds secondary into primary in a single transaction:
// segments and aliases are re-pointed, secondary's name and patterns become
// aliases of primary, totals are accumulated, pairs are re-derived and
// secondary is tombstoned. Both ids are locked for the duration.
//
// Merging a speaker into itself, a missing speaker, or a tombstoned
// speaker fails with MergeConflict and changes nothing.
func (s *Store) MergeSpeakers(ctx context.Context, primaryID, secondaryID, method string, confidence float64) (*MergeResult, error) {
	if primaryID == secondaryID {
		return nil, errs.New(errs.MergeConflict, "cannot merge speaker %s into itself", primaryID)
	}
	switch method {
	case MergeManual, MergeAutomaticText, MergeAutomaticVoice:
	default:
		return nil, fmt.Errorf("unknown merge method %q", method)
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("merge confidence %v out of range", confidence)
	}

	unlock := s.locks.Lock(primaryID, secondaryID)
	defer unlock()

	tx, err := s.beginTxHook(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	primary, err := liveSpeakerTx(ctx, tx, primaryID)
	if err != nil {
		return nil, err
	}
	secondary, err := liveSpeakerTx(ctx, tx, secondaryID)
	if err != nil {
		return nil, err
	}

	convs, err := collectStrings(ctx, tx,
		`SELECT DISTINCT conversation_id FROM segments WHERE speaker_id = ? ORDER BY conversation_id`, secondary.ID)
	if err != nil {
		return nil, err
	}

	res, err := s.execHook(ctx, tx, `UPDATE segments SET speaker_id = ? WHERE speaker_id = ?`, primary.ID, secondary.ID)
	if err != nil {
		return nil, fmt.Errorf("re-point segments: %w", err)
	}
	moved, _ := res.RowsAffected()

	res, err = s.execHook(ctx, tx,
		`UPDATE speaker_aliases SET primary_speaker_id = ? WHERE primary_speaker_id = ?`, primary.ID, secondary.ID)
	if err != nil {
		return nil, fmt.Errorf("re-point aliases: %w", err)
	}
	aliasesMoved, _ := res.RowsAffected()

	now := Now()
	if _, err := s.execHook(ctx, tx, `
		INSERT INTO speaker_aliases
			(primary_speaker_id, source_speaker_id, alias_name, alias_embedding, merge_method, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		primary.ID, secondary.ID, secondary.DisplayName, encodeEmbedding(secondary.VoiceEmbedding),
		method, confidence, now); err != nil {
		return nil, fmt.Errorf("record alias: %w", err)
	}
	for _, pat := range mergePatterns(nil, secondary.TextPatterns) {
		if _, err := s.execHook(ctx, tx, `
			INSERT INTO speaker_aliases
				(primary_speaker_id, source_speaker_id, text_pattern, merge_method, confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			primary.ID, secondary.ID, pat, method, confidence, now); err != nil {
			return nil, fmt.Errorf("record pattern alias: %w", err)
		}
	}

	patterns := mergePatterns(primary.TextPatterns, secondary.TextPatterns)
	patternsJSON, _ := json.Marshal(patterns)
	lastInteraction := maxStringPtr(primary.LastInteractionAt, secondary.LastInteractionAt)
	if _, err := s.execHook(ctx, tx, `
		UPDATE speakers SET
			text_patterns       = ?,
			total_talk_time     = total_talk_time + ?,
			total_conversations = (SELECT COUNT(DISTINCT conversation_id) FROM segments WHERE speaker_id = ?),
			last_interaction_at = ?,
			voice_embedding     = COALESCE(voice_embedding, ?)
		WHERE id = ?`,
		string(patternsJSON), secondary.TotalTalkTime, primary.ID, lastInteraction,
		encodeEmbedding(secondary.VoiceEmbedding), primary.ID); err != nil {
		return nil, fmt.Errorf("accumulate totals: %w", err)
	}

	// Earlier tombstones that pointed at secondary now point at primary.
	if _, err := s.execHook(ctx, tx,
		`UPDATE speakers SET merged_into = ? WHERE merged_into = ?`, primary.ID, secondary.ID); err != nil {
		return nil, fmt.Errorf("flatten merge chain: %w", err)
	}
	if _, err := s.execHook(ctx, tx, `
		UPDATE speakers SET merged_into = ?, merged_at = ?, total_talk_time = 0, total_conversations = 0
		WHERE id = ?`, primary.ID, now, secondary.ID); err != nil {
		return nil, fmt.Errorf("tombstone speaker: %w", err)
	}

	// Pairs that involved secondary: drop its ledger rows, then re-derive
	// every conversation it took part in.
	stale, err := collectPairs(ctx, tx, `
		SELECT DISTINCT speaker_a_id, speaker_b_id FROM relationship_conversations
		WHERE speaker_a_id = ? OR speaker_b_id = ?`, secondary.ID, secondary.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.execHook(ctx, tx,
		`DELETE FROM relationship_conversations WHERE speaker_a_id = ? OR speaker_b_id = ?`,
		secondary.ID, secondary.ID); err != nil {
		return nil, fmt.Errorf("drop secondary ledger: %w", err)
	}
	for _, p := range stale {
		if err := s.recomputePair(ctx, tx, p[0], p[1]); err != nil {
			return nil, err
		}
	}
	for _, conv := range convs {
		if err := s.rebuildConversationPairs(ctx, tx, conv); err != nil {
			return nil, err
		}
		if _, err := s.execHook(ctx, tx, `
			UPDATE conversations SET participant_count = (SELECT COUNT(DISTINCT speaker_id) FROM segments
				WHERE conversation_id = ? AND speaker_id IS NOT NULL)
			WHERE id = ?`, conv, conv); err != nil {
			return nil, fmt.Errorf("update conversation: %w", err)
		}
	}

	merged, err := scanSpeaker(tx.QueryRowContext(ctx, `SELECT `+speakerColumns+` FROM speakers WHERE id = ?`, primary.ID))
	if err != nil {
		return nil, err
	}
	if err := s.commitHook(tx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.log.Info("speakers merged",
		zap.String("primary", primary.ID),
		zap.String("secondary", secondary.ID),
		zap.String("method", method),
		zap.Float64("confidence", confidence),
		zap.Int64("segments", moved))
	return &MergeResult{
		Primary:           merged,
		SecondaryID:       secondary.ID,
		SegmentsMoved:     moved,
		AliasesMoved:      aliasesMoved,
		ConversationsSeen: len(convs),
	}, nil
}

func liveSpeakerTx(ctx context.Context, tx *sql.Tx, id string) (*Speaker, error) {
	sp, err := scanSpeaker(tx.QueryRowContext(ctx, `SELECT `+speakerColumns+` FROM speakers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.MergeConflict, "speaker %s does not exist", id)
	}
	if err != nil {
		return nil, err
	}
	if sp.Tombstoned() {
		return nil, errs.New(errs.MergeConflict, "speaker %s was already merged into %s", id, *sp.MergedInto)
	}
	return sp, nil
}

func mergePatterns(primary, secondary []string) []string {
	out := append([]string{}, primary...)
	seen := map[string]bool{}
	for _, p := range primary {
		seen[p] = true
	}
	for _, p := range secondary {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func maxStringPtr(a, b *string) *string {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return b
	}
	return a
}

// ─── Duplicate detection ─────────────────────────────────────────────────────

// DuplicateOptions sets the similarity floors for candidates.
type DuplicateOptions struct {
	VoiceThreshold       float64
	TextOverlapThreshold float64
}

// DuplicateCandidate is a proposed merge. Nothing is merged by proposing.
type DuplicateCandidate struct {
	PrimaryID   string  `json:"primary_id"`
	SecondaryID string  `json:"secondary_id"`
	Method      string  `json:"method"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// sameNameConfidence is the fixed score for case-insensitive equal names.
const sameNameConfidence = 0.9

// FindDuplicates proposes merge candidates among live speakers by voice
// embedding similarity, equal display names, and text-pattern overlap.
// The speaker with more talk time (then the lower id) is the primary.
func (s *Store) FindDuplicates(ctx context.Context, opts DuplicateOptions) ([]DuplicateCandidate, error) {
	live, err := s.ListSpeakers(ctx, false)
	if err != nil {
		return nil, err
	}

	var out []DuplicateCandidate
	for i := 0; i < len(live); i++ {
		for j := i + 1; j < len(live); j++ {
			a, b := &live[i], &live[j]
			c, ok := compareSpeakers(a, b, opts)
			if !ok {
				continue
			}
			c.PrimaryID, c.SecondaryID = choosePrimary(a, b)
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].PrimaryID != out[j].PrimaryID {
			return out[i].PrimaryID < out[j].PrimaryID
		}
		return out[i].SecondaryID < out[j].SecondaryID
	})
	return out, nil
}

func compareSpeakers(a, b *Speaker, opts DuplicateOptions) (DuplicateCandidate, bool) {
	if opts.VoiceThreshold > 0 {
		if sim := Cosine(a.VoiceEmbedding, b.VoiceEmbedding); sim >= opts.VoiceThreshold {
			return DuplicateCandidate{
				Method:     MergeAutomaticVoice,
				Confidence: sim,
				Reason:     fmt.Sprintf("voice similarity %.3f", sim),
			}, true
		}
	}
	if a.DisplayName != nil && b.DisplayName != nil &&
		strings.EqualFold(strings.TrimSpace(*a.DisplayName), strings.TrimSpace(*b.DisplayName)) {
		return DuplicateCandidate{
			Method:     MergeAutomaticText,
			Confidence: sameNameConfidence,
			Reason:     "same display name",
		}, true
	}
	if opts.TextOverlapThreshold > 0 {
		if j := jaccard(a.TextPatterns, b.TextPatterns); j >= opts.TextOverlapThreshold {
			return DuplicateCandidate{
				Method:     MergeAutomaticText,
				Confidence: j,
				Reason:     fmt.Sprintf("text pattern overlap %.2f", j),
			}, true
		}
	}
	return DuplicateCandidate{}, false
}

func choosePrimary(a, b *Speaker) (string, string) {
	if a.TotalTalkTime > b.TotalTalkTime || (a.TotalTalkTime == b.TotalTalkTime && a.ID < b.ID) {
		return a.ID, b.ID
	}
	return b.ID, a.ID
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := map[string]bool{}
	for _, p := range a {
		set[strings.ToLower(p)] = true
	}
	inter, union := 0, len(set)
	seen := map[string]bool{}
	for _, p := range b {
		p = strings.ToLower(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		if set[p] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
