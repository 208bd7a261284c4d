// Package config loads the process-wide configuration: security policy,
// result bounds, rate limits, session TTLs and speaker thresholds.
//
// Values come from Default(), then an optional YAML file, then SAVANT_*
// environment variables. The loaded Config is treated as immutable.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the default data/config directory under $HOME.
	ConfigDir = ".savant"
	// ConfigFile is the default config file name.
	ConfigFile = "config.yaml"
	// DBFile is the SQLite database file name inside DataDir.
	DBFile = "savant.db"
)

// Config is the full runtime configuration.
type Config struct {
	DataDir   string              `yaml:"data_dir"`
	LogLevel  string              `yaml:"log_level"`
	Query     QueryConfig         `yaml:"query"`
	Rate      RateConfig          `yaml:"rate_limits"`
	Session   SessionConfig       `yaml:"session"`
	Speakers  SpeakerConfig       `yaml:"speakers"`
	Ingest    IngestConfig        `yaml:"ingest"`
	LLM       LLMConfig           `yaml:"llm"`
	Whitelist map[string][]string `yaml:"whitelist"`
}

// QueryConfig bounds query execution.
type QueryConfig struct {
	MaxResults     int           `yaml:"max_results" envconfig:"MAX_RESULTS"`
	HardResultCap  bool          `yaml:"hard_result_cap" envconfig:"HARD_RESULT_CAP"`
	Timeout        time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	MaxRetries     int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" envconfig:"RETRY_BACKOFF"`
	ReaderPoolSize int           `yaml:"reader_pool_size" envconfig:"READER_POOL_SIZE"`
	PageSize       int           `yaml:"page_size" envconfig:"PAGE_SIZE"`
}

// RateConfig is the per-minute budget for each complexity bucket.
type RateConfig struct {
	Low    int           `yaml:"low" envconfig:"LOW"`
	Medium int           `yaml:"medium" envconfig:"MEDIUM"`
	High   int           `yaml:"high" envconfig:"HIGH"`
	Window time.Duration `yaml:"window" envconfig:"WINDOW"`
}

// SessionConfig controls conversational context retention.
type SessionConfig struct {
	TTL             time.Duration `yaml:"ttl" envconfig:"TTL"`
	MaxEntities     int           `yaml:"max_entities" envconfig:"MAX_ENTITIES"`
	JanitorInterval time.Duration `yaml:"janitor_interval" envconfig:"JANITOR_INTERVAL"`
}

// SpeakerConfig holds attribution and merge thresholds.
type SpeakerConfig struct {
	VoiceThreshold       float64 `yaml:"voice_threshold" envconfig:"VOICE_THRESHOLD"`
	DuplicateThreshold   float64 `yaml:"duplicate_threshold" envconfig:"DUPLICATE_THRESHOLD"`
	TextOverlapThreshold float64 `yaml:"text_overlap_threshold" envconfig:"TEXT_OVERLAP_THRESHOLD"`
	AutoMergeThreshold   float64 `yaml:"auto_merge_threshold" envconfig:"AUTO_MERGE_THRESHOLD"`
}

// IngestConfig controls conversation grouping.
type IngestConfig struct {
	ConversationGap time.Duration `yaml:"conversation_gap" envconfig:"CONVERSATION_GAP"`
}

// LLMConfig configures the optional language-model collaborator.
type LLMConfig struct {
	Enabled       bool          `yaml:"enabled" envconfig:"ENABLED"`
	APIKey        string        `yaml:"api_key" envconfig:"API_KEY"`
	Model         string        `yaml:"model" envconfig:"MODEL"`
	EmbedModel    string        `yaml:"embed_model" envconfig:"EMBED_MODEL"`
	MinConfidence float64       `yaml:"min_confidence" envconfig:"MIN_CONFIDENCE"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// DefaultWhitelist is the read-only table/column allow-list exposed to
// generated queries. Embeddings, text patterns, history and migration
// bookkeeping are deliberately absent.
func DefaultWhitelist() map[string][]string {
	return map[string][]string{
		"conversations": {
			"id", "start_time", "end_time", "title", "context", "summary", "topics",
			"sentiment_score", "quality_score", "participant_count",
		},
		"segments": {
			"id", "conversation_id", "speaker_id", "spoken_at", "start_offset", "end_offset",
			"raw_text", "processed_text", "confidence",
		},
		"speakers": {
			"id", "display_name", "total_talk_time", "total_conversations",
			"last_interaction_at", "merged_into", "created_at",
		},
		"speaker_relationships": {
			"speaker_a_id", "speaker_b_id", "conversation_count", "total_duration",
			"last_interaction_at", "relationship_strength",
		},
		"speaker_aliases": {
			"primary_speaker_id", "alias_name", "text_pattern", "merge_method", "confidence", "created_at",
		},
		"segments_fts": {"segments_fts", "rowid"},
	}
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:  filepath.Join(home, ConfigDir),
		LogLevel: "info",
		Query: QueryConfig{
			MaxResults:     100,
			Timeout:        5 * time.Second,
			MaxRetries:     3,
			RetryBackoff:   100 * time.Millisecond,
			ReaderPoolSize: 4,
			PageSize:       20,
		},
		Rate: RateConfig{
			Low:    120,
			Medium: 30,
			High:   10,
			Window: time.Minute,
		},
		Session: SessionConfig{
			TTL:             30 * time.Minute,
			MaxEntities:     10,
			JanitorInterval: time.Minute,
		},
		Speakers: SpeakerConfig{
			VoiceThreshold:       0.85,
			DuplicateThreshold:   0.90,
			TextOverlapThreshold: 0.5,
			AutoMergeThreshold:   0.98,
		},
		Ingest: IngestConfig{
			ConversationGap: 5 * time.Minute,
		},
		LLM: LLMConfig{
			Model:         "gemini-2.0-flash",
			EmbedModel:    "gemini-embedding-001",
			MinConfidence: 0.6,
			Timeout:       10 * time.Second,
		},
		Whitelist: DefaultWhitelist(),
	}
}

// Path returns the config file path, honouring SAVANT_CONFIG.
func Path() string {
	if explicit := strings.TrimSpace(os.Getenv("SAVANT_CONFIG")); explicit != "" {
		return explicit
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDir, ConfigFile)
}

// Load builds the configuration from defaults, the YAML file at path (if
// it exists) and environment overrides. An empty path means Path().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = Path()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if len(cfg.Whitelist) == 0 {
		cfg.Whitelist = DefaultWhitelist()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		spec   any
	}{
		{"SAVANT_QUERY", &cfg.Query},
		{"SAVANT_RATE", &cfg.Rate},
		{"SAVANT_SESSION", &cfg.Session},
		{"SAVANT_SPEAKERS", &cfg.Speakers},
		{"SAVANT_INGEST", &cfg.Ingest},
		{"SAVANT_LLM", &cfg.LLM},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.spec); err != nil {
			return fmt.Errorf("config: env %s: %w", s.prefix, err)
		}
	}
	if v := strings.TrimSpace(os.Getenv("SAVANT_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("SAVANT_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

// Validate rejects bounds that would disable a safety check.
func (c Config) Validate() error {
	switch {
	case c.Query.MaxResults <= 0:
		return errors.New("config: query.max_results must be positive")
	case c.Query.Timeout <= 0:
		return errors.New("config: query.timeout must be positive")
	case c.Query.ReaderPoolSize <= 0:
		return errors.New("config: query.reader_pool_size must be positive")
	case c.Query.MaxRetries < 0:
		return errors.New("config: query.max_retries must not be negative")
	case c.Rate.Low <= 0 || c.Rate.Medium <= 0 || c.Rate.High <= 0:
		return errors.New("config: rate_limits must be positive")
	case c.Rate.Window <= 0:
		return errors.New("config: rate_limits.window must be positive")
	case c.Session.TTL <= 0:
		return errors.New("config: session.ttl must be positive")
	case c.Session.MaxEntities <= 0:
		return errors.New("config: session.max_entities must be positive")
	case c.Ingest.ConversationGap <= 0:
		return errors.New("config: ingest.conversation_gap must be positive")
	case c.Speakers.VoiceThreshold <= 0 || c.Speakers.VoiceThreshold > 1:
		return errors.New("config: speakers.voice_threshold must be in (0,1]")
	}
	if c.Query.PageSize <= 0 || c.Query.PageSize > c.Query.MaxResults {
		return fmt.Errorf("config: query.page_size must be in (0,%d]", c.Query.MaxResults)
	}
	return nil
}

// DBPath returns the SQLite database path.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, DBFile)
}
