// Package store implements the transcript store: conversations, segments,
// speaker identities, aliases, pairwise relationships and the query audit
// log, all in a single SQLite database with an FTS5 index over segment
// text.
//
// Writes go through one dedicated writer connection so speaker totals and
// relationship upserts never race. Reads for generated queries use a
// separate pool opened with query_only, exposed through Reader().
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// timeNow is replaced in tests that need a fixed clock.
var timeNow = time.Now

// TimeLayout is the storage format of every timestamp column.
const TimeLayout = "2006-01-02 15:04:05"

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// ─── Types ───────────────────────────────────────────────────────────────────

// Speaker is a speaker identity. Tombstoned speakers have MergedInto set.
type Speaker struct {
	ID                  string    `json:"id"`
	DisplayName         *string   `json:"display_name,omitempty"`
	VoiceEmbedding      []float32 `json:"-"`
	TextPatterns        []string  `json:"text_patterns"`
	ConfidenceThreshold float64   `json:"confidence_threshold"`
	TotalTalkTime       float64   `json:"total_talk_time"`
	TotalConversations  int       `json:"total_conversations"`
	LastInteractionAt   *string   `json:"last_interaction_at,omitempty"`
	MergedInto          *string   `json:"merged_into,omitempty"`
	MergedAt            *string   `json:"merged_at,omitempty"`
	CreatedAt           string    `json:"created_at"`
}

// Name returns the display name or the id when unnamed.
func (sp *Speaker) Name() string {
	if sp.DisplayName != nil && *sp.DisplayName != "" {
		return *sp.DisplayName
	}
	return sp.ID
}

// Tombstoned reports whether the speaker was merged away.
func (sp *Speaker) Tombstoned() bool { return sp.MergedInto != nil }

// Alias is a name or embedding folded into a primary speaker by a merge.
type Alias struct {
	ID               int64   `json:"id"`
	PrimarySpeakerID string  `json:"primary_speaker_id"`
	SourceSpeakerID  string  `json:"source_speaker_id"`
	AliasName        *string `json:"alias_name,omitempty"`
	TextPattern      *string `json:"text_pattern,omitempty"`
	MergeMethod      string  `json:"merge_method"`
	Confidence       float64 `json:"confidence"`
	CreatedAt        string  `json:"created_at"`
}

// Merge methods recorded on aliases.
const (
	MergeManual         = "manual"
	MergeAutomaticText  = "automatic_text"
	MergeAutomaticVoice = "automatic_voice"
)

// Conversation groups segments separated by less than the conversation gap.
type Conversation struct {
	ID               string   `json:"id"`
	Channel          string   `json:"channel"`
	StartTime        string   `json:"start_time"`
	EndTime          string   `json:"end_time"`
	Title            *string  `json:"title,omitempty"`
	Context          *string  `json:"context,omitempty"`
	Summary          *string  `json:"summary,omitempty"`
	Topics           []string `json:"topics"`
	SentimentScore   *float64 `json:"sentiment_score,omitempty"`
	QualityScore     *float64 `json:"quality_score,omitempty"`
	ParticipantCount int      `json:"participant_count"`
}

// Segment is one span of transcribed speech.
type Segment struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SpeakerID      *string   `json:"speaker_id,omitempty"`
	SpokenAt       string    `json:"spoken_at"`
	StartOffset    float64   `json:"start_offset"`
	EndOffset      float64   `json:"end_offset"`
	RawText        string    `json:"raw_text"`
	ProcessedText  *string   `json:"processed_text,omitempty"`
	Confidence     float64   `json:"confidence"`
	Embedding      []float32 `json:"-"`
	Attribution    string    `json:"attribution,omitempty"`
}

// Duration is the segment's speaking time in seconds, never negative.
func (sg *Segment) Duration() float64 {
	return math.Max(0, sg.EndOffset-sg.StartOffset)
}

// Relationship is an ordered speaker pair; SpeakerA < SpeakerB always.
type Relationship struct {
	SpeakerA          string  `json:"speaker_a_id"`
	SpeakerB          string  `json:"speaker_b_id"`
	ConversationCount int     `json:"conversation_count"`
	TotalDuration     float64 `json:"total_duration"`
	LastInteractionAt *string `json:"last_interaction_at,omitempty"`
	Strength          float64 `json:"relationship_strength"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds store configuration.
type Config struct {
	DataDir        string
	ReaderPoolSize int
	// VoiceThreshold is the default per-speaker similarity threshold.
	VoiceThreshold float64
}

// DefaultConfig returns the default configuration for the store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:        filepath.Join(home, ".savant"),
		ReaderPoolSize: 4,
		VoiceThreshold: 0.85,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store owns the writer connection and the read-only reader pool.
type Store struct {
	db     *sql.DB
	ro     *sql.DB
	cfg    Config
	log    *zap.Logger
	hooks  storeHooks
	locks  *keyedLocks
	dbPath string
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type storeHooks struct {
	exec    func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error)
	beginTx func(ctx context.Context, db *sql.DB) (*sql.Tx, error)
	commit  func(tx *sql.Tx) error
}

func (s *Store) execHook(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(ctx, db, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

func (s *Store) beginTxHook(ctx context.Context) (*sql.Tx, error) {
	if s.hooks.beginTx != nil {
		return s.hooks.beginTx(ctx, s.db)
	}
	return s.db.BeginTx(ctx, nil)
}

func (s *Store) commitHook(tx *sql.Tx) error {
	if s.hooks.commit != nil {
		return s.hooks.commit(tx)
	}
	return tx.Commit()
}

// Open creates the data directory if needed, opens the writer connection
// and the reader pool, and applies pending migrations.
func Open(cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ReaderPoolSize <= 0 {
		cfg.ReaderPoolSize = 1
	}
	if cfg.VoiceThreshold <= 0 {
		cfg.VoiceThreshold = DefaultConfig().VoiceThreshold
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "savant.db")
	db, err := openDB("sqlite", dsn(dbPath, false))
	if err != nil {
		return nil, fmt.Errorf("store: open writer: %w", err)
	}
	db.SetMaxOpenConns(1)

	// journal_mode is persistent; set it once on the writer before any reader opens.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	ro, err := openDB("sqlite", dsn(dbPath, true))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: open reader: %w", err)
	}
	ro.SetMaxOpenConns(cfg.ReaderPoolSize)

	s := &Store{
		db:     db,
		ro:     ro,
		cfg:    cfg,
		log:    log,
		locks:  newKeyedLocks(),
		dbPath: dbPath,
	}
	if _, err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return s, nil
}

// dsn builds a modernc DSN. Per-connection pragmas go in the DSN so every
// pooled connection gets them.
func dsn(path string, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if readOnly {
		q.Add("_pragma", "query_only(1)")
	} else {
		q.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + q.Encode()
}

// Close closes both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.ro.Close(), s.db.Close())
}

// Reader returns the read-only pool used for generated queries.
func (s *Store) Reader() *sql.DB { return s.ro }

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// ─── Helpers ─────────────────────────────────────────────────────────────────

// Now returns the current UTC time in storage format.
func Now() string {
	return FormatTime(timeNow())
}

// FormatTime renders t in storage format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a storage-format timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, s, time.UTC)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// Truncate shortens s to max bytes, appending an ellipsis.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// FTSQuery quotes each word so user input never reaches FTS5 syntax.
func FTSQuery(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		w = strings.ReplaceAll(w, `"`, "")
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " ")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// encodeEmbedding packs a vector as little-endian float32.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// Cosine returns the cosine similarity of a and b, or 0 when the vectors
// differ in length or either is zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
