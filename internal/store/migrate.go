package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Schema versions:
// v1: speakers, aliases, conversations, segments
// v2: speaker relationships and the per-conversation pair ledger
// v3: segments_fts with sync triggers
// v4: query_history and query_intents
// v5: text patterns carried over by merges
const CurrentSchemaVersion = 5

type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{1, "core", []string{
		`CREATE TABLE IF NOT EXISTS speakers (
			id                   TEXT PRIMARY KEY,
			display_name         TEXT,
			voice_embedding      BLOB,
			text_patterns        TEXT    NOT NULL DEFAULT '[]',
			confidence_threshold REAL    NOT NULL DEFAULT 0.85,
			total_talk_time      REAL    NOT NULL DEFAULT 0,
			total_conversations  INTEGER NOT NULL DEFAULT 0,
			last_interaction_at  TEXT,
			merged_into          TEXT REFERENCES speakers(id),
			merged_at            TEXT,
			created_at           TEXT    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_speakers_name   ON speakers(display_name COLLATE NOCASE)`,
		`CREATE INDEX IF NOT EXISTS idx_speakers_merged ON speakers(merged_into)`,
		`CREATE TABLE IF NOT EXISTS speaker_aliases (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			primary_speaker_id TEXT NOT NULL REFERENCES speakers(id),
			source_speaker_id  TEXT NOT NULL REFERENCES speakers(id),
			alias_name         TEXT,
			alias_embedding    BLOB,
			merge_method       TEXT NOT NULL CHECK (merge_method IN ('manual', 'automatic_text', 'automatic_voice')),
			confidence         REAL NOT NULL,
			created_at         TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alias_primary ON speaker_aliases(primary_speaker_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alias_name    ON speaker_aliases(alias_name COLLATE NOCASE)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			channel           TEXT    NOT NULL DEFAULT 'default',
			start_time        TEXT    NOT NULL,
			end_time          TEXT    NOT NULL,
			title             TEXT,
			context           TEXT,
			summary           TEXT,
			topics            TEXT    NOT NULL DEFAULT '[]',
			sentiment_score   REAL,
			quality_score     REAL,
			participant_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_channel ON conversations(channel, end_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_start   ON conversations(start_time DESC)`,
		`CREATE TABLE IF NOT EXISTS segments (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT    NOT NULL REFERENCES conversations(id),
			speaker_id      TEXT REFERENCES speakers(id),
			spoken_at       TEXT    NOT NULL,
			start_offset    REAL    NOT NULL DEFAULT 0,
			end_offset      REAL    NOT NULL DEFAULT 0,
			raw_text        TEXT    NOT NULL,
			processed_text  TEXT,
			confidence      REAL    NOT NULL DEFAULT 1,
			embedding       BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_seg_conv    ON segments(conversation_id, spoken_at)`,
		`CREATE INDEX IF NOT EXISTS idx_seg_speaker ON segments(speaker_id, spoken_at)`,
		`CREATE INDEX IF NOT EXISTS idx_seg_time    ON segments(spoken_at)`,
	}},
	{2, "relationships", []string{
		`CREATE TABLE IF NOT EXISTS speaker_relationships (
			speaker_a_id          TEXT    NOT NULL REFERENCES speakers(id),
			speaker_b_id          TEXT    NOT NULL REFERENCES speakers(id),
			conversation_count    INTEGER NOT NULL DEFAULT 0,
			total_duration        REAL    NOT NULL DEFAULT 0,
			last_interaction_at   TEXT,
			relationship_strength REAL    NOT NULL DEFAULT 0,
			PRIMARY KEY (speaker_a_id, speaker_b_id),
			CHECK (speaker_a_id < speaker_b_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rel_b ON speaker_relationships(speaker_b_id)`,
		`CREATE TABLE IF NOT EXISTS relationship_conversations (
			speaker_a_id    TEXT NOT NULL,
			speaker_b_id    TEXT NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			duration        REAL NOT NULL DEFAULT 0,
			last_at         TEXT NOT NULL,
			PRIMARY KEY (speaker_a_id, speaker_b_id, conversation_id),
			CHECK (speaker_a_id < speaker_b_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relconv_conv ON relationship_conversations(conversation_id)`,
	}},
	{3, "segments_fts", []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS segments_fts USING fts5(
			raw_text,
			processed_text,
			content='segments',
			content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS seg_fts_insert AFTER INSERT ON segments BEGIN
			INSERT INTO segments_fts(rowid, raw_text, processed_text)
			VALUES (new.id, new.raw_text, new.processed_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS seg_fts_delete AFTER DELETE ON segments BEGIN
			INSERT INTO segments_fts(segments_fts, rowid, raw_text, processed_text)
			VALUES ('delete', old.id, old.raw_text, old.processed_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS seg_fts_update AFTER UPDATE OF raw_text, processed_text ON segments BEGIN
			INSERT INTO segments_fts(segments_fts, rowid, raw_text, processed_text)
			VALUES ('delete', old.id, old.raw_text, old.processed_text);
			INSERT INTO segments_fts(rowid, raw_text, processed_text)
			VALUES (new.id, new.raw_text, new.processed_text);
		END`,
	}},
	{4, "query_audit", []string{
		`CREATE TABLE IF NOT EXISTS query_history (
			id             TEXT PRIMARY KEY,
			session_id     TEXT,
			caller         TEXT,
			raw_query      TEXT    NOT NULL,
			resolved_query TEXT,
			intent         TEXT    NOT NULL,
			variant        TEXT,
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			result_count   INTEGER NOT NULL DEFAULT 0,
			success        INTEGER NOT NULL,
			error_kind     TEXT,
			error_detail   TEXT,
			created_at     TEXT    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_created ON query_history(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_history_session ON query_history(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS query_intents (
			intent          TEXT NOT NULL,
			variant         TEXT NOT NULL,
			examples        TEXT NOT NULL DEFAULT '[]',
			template        TEXT NOT NULL,
			required_params TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (intent, variant)
		)`,
	}},
	{5, "alias_patterns", []string{
		`ALTER TABLE speaker_aliases ADD COLUMN text_pattern TEXT`,
	}},
}

// MigrationReport lists which schema versions were applied or skipped.
type MigrationReport struct {
	Applied []int `json:"applied"`
	Skipped []int `json:"skipped"`
	Version int   `json:"version"`
}

// Migrate applies every migration whose version is absent from the
// schema_migrations ledger, each in its own transaction. Re-running it
// is a no-op.
func (s *Store) Migrate(ctx context.Context) (*MigrationReport, error) {
	if _, err := s.execHook(ctx, s.db, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	report := &MigrationReport{}
	for _, m := range migrations {
		if applied[m.version] {
			report.Skipped = append(report.Skipped, m.version)
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return nil, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		s.log.Info("schema migration applied", zap.Int("version", m.version), zap.String("name", m.name))
		report.Applied = append(report.Applied, m.version)
	}
	report.Version = CurrentSchemaVersion
	return report, nil
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.beginTxHook(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range m.stmts {
		if _, err := s.execHook(ctx, tx, stmt); err != nil {
			return err
		}
	}
	if _, err := s.execHook(ctx, tx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, Now(),
	); err != nil {
		return err
	}
	return s.commitHook(tx)
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.ro.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

// IntentTemplate is one row of the static intent catalog.
type IntentTemplate struct {
	Intent   string
	Variant  string
	Examples []string
	SQL      string
	Required []string
}

// SeedIntents replaces the query_intents catalog with the given templates.
func (s *Store) SeedIntents(ctx context.Context, templates []IntentTemplate) error {
	tx, err := s.beginTxHook(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := s.execHook(ctx, tx, `DELETE FROM query_intents`); err != nil {
		return fmt.Errorf("clear intents: %w", err)
	}
	for _, t := range templates {
		examples, _ := json.Marshal(t.Examples)
		required, _ := json.Marshal(t.Required)
		if _, err := s.execHook(ctx, tx,
			`INSERT OR REPLACE INTO query_intents (intent, variant, examples, template, required_params)
			 VALUES (?, ?, ?, ?, ?)`,
			t.Intent, t.Variant, string(examples), t.SQL, string(required),
		); err != nil {
			return fmt.Errorf("seed intent %s/%s: %w", t.Intent, t.Variant, err)
		}
	}
	return s.commitHook(tx)
}

// IntentCount returns the number of seeded catalog rows.
func (s *Store) IntentCount(ctx context.Context) (int, error) {
	var n int
	err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_intents`).Scan(&n)
	return n, err
}

// TableColumns returns every declared column of every table and virtual
// table, keyed by table name. FTS5 tables also list their hidden table-name
// and rank columns.
func (s *Store) TableColumns(ctx context.Context) (map[string][]string, error) {
	rows, err := s.ro.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("table columns: %w", err)
	}
	type table struct {
		name string
		fts  bool
	}
	var tables []table
	for rows.Next() {
		var (
			name string
			ddl  sql.NullString
		)
		if err := rows.Scan(&name, &ddl); err != nil {
			_ = rows.Close()
			return nil, err
		}
		tables = append(tables, table{name: name, fts: strings.Contains(strings.ToLower(ddl.String), "using fts5")})
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(tables))
	for _, t := range tables {
		cols, err := s.columnsOf(ctx, t.name)
		if err != nil {
			return nil, err
		}
		if t.fts {
			cols = append(cols, t.name, "rank")
		}
		out[t.name] = cols
	}
	return out, nil
}

func (s *Store) columnsOf(ctx context.Context, table string) ([]string, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}
