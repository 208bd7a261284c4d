package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// NewSpeaker holds the input for creating a speaker.
type NewSpeaker struct {
	ID                  string    `json:"id,omitempty"`
	DisplayName         string    `json:"display_name,omitempty"`
	VoiceEmbedding      []float32 `json:"voice_embedding,omitempty"`
	TextPatterns        []string  `json:"text_patterns,omitempty"`
	ConfidenceThreshold float64   `json:"confidence_threshold,omitempty"`
}

// NameRef maps a display name or alias to a live speaker id.
type NameRef struct {
	Name      string `json:"name"`
	SpeakerID string `json:"speaker_id"`
	Alias     bool   `json:"alias"`
}

const speakerColumns = `id, display_name, voice_embedding, text_patterns, confidence_threshold,
	total_talk_time, total_conversations, last_interaction_at, merged_into, merged_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpeaker(r rowScanner) (*Speaker, error) {
	var (
		sp       Speaker
		emb      []byte
		patterns string
	)
	if err := r.Scan(
		&sp.ID, &sp.DisplayName, &emb, &patterns, &sp.ConfidenceThreshold,
		&sp.TotalTalkTime, &sp.TotalConversations, &sp.LastInteractionAt,
		&sp.MergedInto, &sp.MergedAt, &sp.CreatedAt,
	); err != nil {
		return nil, err
	}
	sp.VoiceEmbedding = decodeEmbedding(emb)
	if err := json.Unmarshal([]byte(patterns), &sp.TextPatterns); err != nil {
		sp.TextPatterns = nil
	}
	if sp.TextPatterns == nil {
		sp.TextPatterns = []string{}
	}
	return &sp, nil
}

// NewSpeakerID returns a fresh speaker id.
func NewSpeakerID() string {
	return "spk-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// CreateSpeaker inserts a new speaker profile.
func (s *Store) CreateSpeaker(ctx context.Context, p NewSpeaker) (*Speaker, error) {
	tx, err := s.beginTxHook(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	sp, err := s.createSpeakerTx(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if err := s.commitHook(tx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return sp, nil
}

func (s *Store) createSpeakerTx(ctx context.Context, tx *sql.Tx, p NewSpeaker) (*Speaker, error) {
	if p.ID == "" {
		p.ID = NewSpeakerID()
	}
	if p.ConfidenceThreshold <= 0 {
		p.ConfidenceThreshold = s.cfg.VoiceThreshold
	}
	for _, pat := range p.TextPatterns {
		if err := validatePattern(pat); err != nil {
			return nil, err
		}
	}
	patterns := p.TextPatterns
	if patterns == nil {
		patterns = []string{}
	}
	patternsJSON, _ := json.Marshal(patterns)

	_, err := s.execHook(ctx, tx,
		`INSERT INTO speakers (id, display_name, voice_embedding, text_patterns, confidence_threshold, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, nullableString(strings.TrimSpace(p.DisplayName)), encodeEmbedding(p.VoiceEmbedding),
		string(patternsJSON), p.ConfidenceThreshold, Now(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("speaker %s already exists", p.ID)
		}
		return nil, fmt.Errorf("create speaker: %w", err)
	}
	return scanSpeaker(tx.QueryRowContext(ctx, `SELECT `+speakerColumns+` FROM speakers WHERE id = ?`, p.ID))
}

// GetSpeaker returns a speaker by id, tombstoned or not.
func (s *Store) GetSpeaker(ctx context.Context, id string) (*Speaker, error) {
	sp, err := scanSpeaker(s.ro.QueryRowContext(ctx, `SELECT `+speakerColumns+` FROM speakers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("speaker %s: %w", id, ErrNotFound)
	}
	return sp, err
}

// ResolveSpeaker follows merged_into links to the live primary.
func (s *Store) ResolveSpeaker(ctx context.Context, id string) (*Speaker, error) {
	return resolveSpeaker(ctx, s.ro, id)
}

func resolveSpeaker(ctx context.Context, q querier, id string) (*Speaker, error) {
	seen := map[string]bool{}
	for {
		sp, err := scanSpeaker(q.QueryRowContext(ctx, `SELECT `+speakerColumns+` FROM speakers WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("speaker %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		if sp.MergedInto == nil {
			return sp, nil
		}
		if seen[sp.ID] {
			return nil, fmt.Errorf("speaker %s: merge cycle", id)
		}
		seen[sp.ID] = true
		id = *sp.MergedInto
	}
}

// ListSpeakers returns speakers ordered by talk time.
func (s *Store) ListSpeakers(ctx context.Context, includeMerged bool) ([]Speaker, error) {
	query := `SELECT ` + speakerColumns + ` FROM speakers`
	if !includeMerged {
		query += ` WHERE merged_into IS NULL`
	}
	query += ` ORDER BY total_talk_time DESC, id`
	return s.querySpeakers(ctx, s.ro, query)
}

func (s *Store) querySpeakers(ctx context.Context, q querier, query string, args ...any) ([]Speaker, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list speakers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Speaker
	for rows.Next() {
		sp, err := scanSpeaker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sp)
	}
	return out, rows.Err()
}

// KnownSpeakers returns every display name and alias, each mapped to the
// live speaker it resolves to.
func (s *Store) KnownSpeakers(ctx context.Context) ([]NameRef, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT display_name, id, 0 FROM speakers
		WHERE merged_into IS NULL AND display_name IS NOT NULL AND display_name <> ''
		UNION ALL
		SELECT a.alias_name, a.primary_speaker_id, 1 FROM speaker_aliases a
		WHERE a.alias_name IS NOT NULL AND a.alias_name <> ''`)
	if err != nil {
		return nil, fmt.Errorf("known speakers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []NameRef
	for rows.Next() {
		var r NameRef
		if err := rows.Scan(&r.Name, &r.SpeakerID, &r.Alias); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	// Alias primaries may themselves have been merged since.
	for i := range refs {
		if !refs[i].Alias {
			continue
		}
		live, err := s.ResolveSpeaker(ctx, refs[i].SpeakerID)
		if err != nil {
			return nil, err
		}
		refs[i].SpeakerID = live.ID
	}
	return dedupeRefs(refs), nil
}

func dedupeRefs(refs []NameRef) []NameRef {
	seen := map[string]bool{}
	out := refs[:0]
	for _, r := range refs {
		key := strings.ToLower(r.Name) + "\x00" + r.SpeakerID
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].SpeakerID < out[j].SpeakerID
	})
	return out
}

// FindSpeakerByName returns the live speakers whose display name or alias
// equals name, case-insensitively.
func (s *Store) FindSpeakerByName(ctx context.Context, name string) ([]Speaker, error) {
	return findSpeakerByName(ctx, s.ro, name)
}

func findSpeakerByName(ctx context.Context, q querier, name string) ([]Speaker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM speakers WHERE display_name = ? COLLATE NOCASE
		UNION
		SELECT primary_speaker_id FROM speaker_aliases WHERE alias_name = ? COLLATE NOCASE`,
		name, name)
	if err != nil {
		return nil, fmt.Errorf("find speaker: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []Speaker
	for _, id := range ids {
		sp, err := resolveSpeaker(ctx, q, id)
		if err != nil {
			return nil, err
		}
		if seen[sp.ID] {
			continue
		}
		seen[sp.ID] = true
		out = append(out, *sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AliasesFor returns the aliases recorded under a speaker.
func (s *Store) AliasesFor(ctx context.Context, speakerID string) ([]Alias, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, primary_speaker_id, source_speaker_id, alias_name, text_pattern, merge_method, confidence, created_at
		FROM speaker_aliases WHERE primary_speaker_id = ? ORDER BY id`, speakerID)
	if err != nil {
		return nil, fmt.Errorf("aliases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.ID, &a.PrimarySpeakerID, &a.SourceSpeakerID, &a.AliasName, &a.TextPattern,
			&a.MergeMethod, &a.Confidence, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ─── Attribution ─────────────────────────────────────────────────────────────

// Attribution methods reported on inserted segments.
const (
	AttributedForced  = "forced"
	AttributedVoice   = "voice"
	AttributedText    = "text"
	AttributedUnknown = "unknown"
)

// AttributionResult is the outcome of the heuristic pipeline.
type AttributionResult struct {
	SpeakerID string  `json:"speaker_id,omitempty"`
	Method    string  `json:"method"`
	Score     float64 `json:"score"`
	Pattern   string  `json:"pattern,omitempty"`
}

// Attribute runs voice similarity, then text patterns, against live
// speakers. It does not write.
func (s *Store) Attribute(ctx context.Context, text string, embedding []float32) (*AttributionResult, error) {
	return attribute(ctx, s.ro, text, embedding)
}

func attribute(ctx context.Context, q querier, text string, embedding []float32) (*AttributionResult, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+speakerColumns+` FROM speakers
		WHERE merged_into IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("attribution candidates: %w", err)
	}
	var live []*Speaker
	for rows.Next() {
		sp, err := scanSpeaker(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		live = append(live, sp)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(embedding) > 0 {
		var best *AttributionResult
		for _, sp := range live {
			score := Cosine(embedding, sp.VoiceEmbedding)
			if score < sp.ConfidenceThreshold {
				continue
			}
			if best == nil || score > best.Score {
				best = &AttributionResult{SpeakerID: sp.ID, Method: AttributedVoice, Score: score}
			}
		}
		if best != nil {
			return best, nil
		}
	}

	for _, sp := range live {
		for _, pat := range sp.TextPatterns {
			if matchPattern(pat, text) {
				return &AttributionResult{SpeakerID: sp.ID, Method: AttributedText, Score: 1, Pattern: pat}, nil
			}
		}
	}
	return &AttributionResult{Method: AttributedUnknown}, nil
}

// Text patterns prefixed with "re:" are regular expressions; anything else
// is a case-insensitive substring.
const regexPrefix = "re:"

func validatePattern(p string) error {
	if strings.HasPrefix(p, regexPrefix) {
		if _, err := regexp.Compile(strings.TrimPrefix(p, regexPrefix)); err != nil {
			return fmt.Errorf("invalid text pattern %q: %w", p, err)
		}
	}
	return nil
}

func matchPattern(p, text string) bool {
	if p == "" || text == "" {
		return false
	}
	if strings.HasPrefix(p, regexPrefix) {
		re, err := regexp.Compile(strings.TrimPrefix(p, regexPrefix))
		return err == nil && re.MatchString(text)
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(p))
}
