package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeager620/savant-ai-sub000/internal/errs"
	"github.com/yeager620/savant-ai-sub000/internal/store"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// newTestStore creates a Store backed by a temp directory for isolation.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{DataDir: t.TempDir(), ReaderPoolSize: 2, VoiceThreshold: 0.85}, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustSpeaker(t *testing.T, s *store.Store, id, name string, patterns ...string) *store.Speaker {
	t.Helper()
	sp, err := s.CreateSpeaker(context.Background(), store.NewSpeaker{ID: id, DisplayName: name, TextPatterns: patterns})
	if err != nil {
		t.Fatalf("create speaker %s: %v", id, err)
	}
	return sp
}

func mustConversation(t *testing.T, s *store.Store, id string, at time.Time) *store.Conversation {
	t.Helper()
	c, err := s.CreateConversation(context.Background(), store.NewConversation{ID: id, StartTime: at})
	if err != nil {
		t.Fatalf("create conversation %s: %v", id, err)
	}
	return c
}

func mustSegment(t *testing.T, s *store.Store, convID, speakerID string, at time.Time, secs float64, text string) *store.Segment {
	t.Helper()
	seg, err := s.InsertSegment(context.Background(), store.SegmentInput{
		ConversationID: convID,
		SpeakerID:      speakerID,
		SpokenAt:       at,
		EndOffset:      secs,
		RawText:        text,
	})
	if err != nil {
		t.Fatalf("insert segment: %v", err)
	}
	return seg
}

// ─── Open / Migrate ─────────────────────────────────────────────────────────

func TestOpen_CreatesDBAndMigrates(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(store.Config{DataDir: dir}, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, filepath.Join(dir, "savant.db"), s.Path())
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.CurrentSchemaVersion, v)
}

func TestMigrate_Idempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(store.Config{DataDir: dir}, nil)
	require.NoError(t, err)

	report, err := s.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Applied)
	assert.Len(t, report.Skipped, store.CurrentSchemaVersion)
	require.NoError(t, s.Close())

	// Reopening an existing database applies nothing new.
	s2, err := store.Open(store.Config{DataDir: dir}, nil)
	require.NoError(t, err)
	defer s2.Close()
	var n int
	require.NoError(t, s2.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, store.CurrentSchemaVersion, n)
}

func TestSeedIntents_ReplacesCatalog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rows := []store.IntentTemplate{
		{Intent: "FindConversations", Variant: "recent", SQL: "SELECT id FROM conversations", Required: nil},
		{Intent: "SearchContent", Variant: "fts", SQL: "SELECT id FROM segments", Required: []string{"term"}},
	}
	require.NoError(t, s.SeedIntents(ctx, rows))
	require.NoError(t, s.SeedIntents(ctx, rows[:1]))

	n, err := s.IntentCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// ─── Segments ───────────────────────────────────────────────────────────────

func TestInsertSegment_ForcedSpeakerUpdatesTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSpeaker(t, s, "spk-1", "John")
	mustConversation(t, s, "c1", t0)

	mustSegment(t, s, "c1", "spk-1", t0, 12, "morning everyone")
	seg := mustSegment(t, s, "c1", "spk-1", t0.Add(20*time.Second), 8, "let's start")

	assert.Equal(t, store.AttributedForced, seg.Attribution)
	sp, err := s.GetSpeaker(ctx, "spk-1")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, sp.TotalTalkTime, 1e-9)
	assert.Equal(t, 1, sp.TotalConversations)
	require.NotNil(t, sp.LastInteractionAt)
	assert.Equal(t, store.FormatTime(t0.Add(20*time.Second)), *sp.LastInteractionAt)

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.ParticipantCount)
	assert.Equal(t, store.FormatTime(t0.Add(28*time.Second)), conv.EndTime)
}

func TestInsertSegment_UnknownConversation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertSegment(context.Background(), store.SegmentInput{ConversationID: "nope", RawText: "hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInsertSegment_ByNameCreatesThenReuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustConversation(t, s, "c1", t0)

	first, err := s.InsertSegment(ctx, store.SegmentInput{ConversationID: "c1", SpeakerName: "Maria", SpokenAt: t0, RawText: "hola"})
	require.NoError(t, err)
	second, err := s.InsertSegment(ctx, store.SegmentInput{ConversationID: "c1", SpeakerName: "maria", SpokenAt: t0.Add(time.Second), RawText: "again"})
	require.NoError(t, err)

	require.NotNil(t, first.SpeakerID)
	require.NotNil(t, second.SpeakerID)
	assert.Equal(t, *first.SpeakerID, *second.SpeakerID)
}

func TestInsertSegment_AttributionVoiceThenText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSpeaker(ctx, store.NewSpeaker{ID: "spk-v", DisplayName: "Voice", VoiceEmbedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	mustSpeaker(t, s, "spk-t", "Texty", "re:(?i)^as the chair")
	mustConversation(t, s, "c1", t0)

	seg, err := s.InsertSegment(ctx, store.SegmentInput{
		ConversationID: "c1", SpokenAt: t0, RawText: "as the chair I propose",
		VoiceEmbedding: []float32{0.99, 0.05, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, store.AttributedVoice, seg.Attribution)
	assert.Equal(t, "spk-v", *seg.SpeakerID)

	seg, err = s.InsertSegment(ctx, store.SegmentInput{
		ConversationID: "c1", SpokenAt: t0.Add(time.Second), RawText: "As the chair I disagree",
		VoiceEmbedding: []float32{0, 1, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, store.AttributedText, seg.Attribution)
	assert.Equal(t, "spk-t", *seg.SpeakerID)

	seg, err = s.InsertSegment(ctx, store.SegmentInput{ConversationID: "c1", SpokenAt: t0.Add(2 * time.Second), RawText: "who said that"})
	require.NoError(t, err)
	assert.Equal(t, store.AttributedUnknown, seg.Attribution)
	assert.Nil(t, seg.SpeakerID)
}

func TestAttribute_DoesNotWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSpeaker(t, s, "spk-t", "Texty", "quarterly")

	res, err := s.Attribute(ctx, "The QUARTERLY numbers", nil)
	require.NoError(t, err)
	assert.Equal(t, store.AttributedText, res.Method)
	assert.Equal(t, "spk-t", res.SpeakerID)
	assert.Equal(t, "quarterly", res.Pattern)

	res, err = s.Attribute(ctx, "nothing relevant", nil)
	require.NoError(t, err)
	assert.Equal(t, store.AttributedUnknown, res.Method)
	assert.Empty(t, res.SpeakerID)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Segments)
}

func TestTouchConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustConversation(t, s, "c1", t0)

	require.NoError(t, s.TouchConversation(ctx, "c1", t0.Add(time.Minute)))
	// An earlier time never moves end_time backwards.
	require.NoError(t, s.TouchConversation(ctx, "c1", t0))

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.FormatTime(t0.Add(time.Minute)), conv.EndTime)

	err = s.TouchConversation(ctx, "nope", t0)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestCreateSpeaker_RejectsBadRegex(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSpeaker(context.Background(), store.NewSpeaker{TextPatterns: []string{"re:("}})
	assert.Error(t, err)
}

func TestSearchSegments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSpeaker(t, s, "spk-1", "John")
	mustConversation(t, s, "c1", t0)
	mustSegment(t, s, "c1", "spk-1", t0, 3, "the quarterly budget is due")
	mustSegment(t, s, "c1", "spk-1", t0.Add(time.Minute), 3, "lunch plans")

	hits, err := s.SearchSegments(ctx, "budget", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].RawText, "budget")

	hits, err = s.SearchSegments(ctx, `budget" OR "lunch`, 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "quotes in user input must not become FTS syntax")
}

func TestEnrichSegment_AndEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustConversation(t, s, "c1", t0)
	seg := mustSegment(t, s, "c1", "", t0, 1, "raw words")

	processed := "processed words"
	require.NoError(t, s.EnrichSegment(ctx, seg.ID, &processed, []float32{0.5, 0.25}))

	got, err := s.GetSegment(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, processed, *got.ProcessedText)

	embs, err := s.SegmentEmbeddings(ctx, []int64{seg.ID, 999})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, embs[seg.ID])
	assert.NotContains(t, embs, int64(999))

	hits, err := s.SearchSegments(ctx, "processed", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1, "fts index follows processed_text backfill")

	assert.ErrorIs(t, s.EnrichSegment(ctx, 12345, &processed, nil), store.ErrNotFound)
}

// ─── Relationships ──────────────────────────────────────────────────────────

func TestRelationships_OrderedPairCountedOncePerConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSpeaker(t, s, "spk-b", "Bea")
	mustSpeaker(t, s, "spk-a", "Al")
	mustConversation(t, s, "c1", t0)

	mustSegment(t, s, "c1", "spk-b", t0, 10, "hi")
	mustSegment(t, s, "c1", "spk-a", t0.Add(10*time.Second), 5, "hello")
	mustSegment(t, s, "c1", "spk-b", t0.Add(20*time.Second), 5, "how are you")
	mustSegment(t, s, "c1", "spk-a", t0.Add(30*time.Second), 5, "fine")

	rel, err := s.Relationship(ctx, "spk-b", "spk-a")
	require.NoError(t, err)
	assert.Equal(t, "spk-a", rel.SpeakerA)
	assert.Equal(t, "spk-b", rel.SpeakerB)
	assert.Equal(t, 1, rel.ConversationCount)
	assert.InDelta(t, 25.0, rel.TotalDuration, 1e-9)

	mustConversation(t, s, "c2", t0.Add(time.Hour))
	mustSegment(t, s, "c2", "spk-a", t0.Add(time.Hour), 5, "again")
	mustSegment(t, s, "c2", "spk-b", t0.Add(time.Hour+5*time.Second), 5, "yes")

	rel, err = s.Relationship(ctx, "spk-a", "spk-b")
	require.NoError(t, err)
	assert.Equal(t, 2, rel.ConversationCount)

	var bad int
	require.NoError(t, s.DB().QueryRow(
		`SELECT COUNT(*) FROM speaker_relationships WHERE speaker_a_id >= speaker_b_id`).Scan(&bad))
	assert.Zero(t, bad)
}

func TestRelationships_CheckConstraintRejectsUnorderedPair(t *testing.T) {
	s := newTestStore(t)
	mustSpeaker(t, s, "spk-1", "")
	mustSpeaker(t, s, "spk-2", "")
	_, err := s.DB().Exec(`INSERT INTO speaker_relationships (speaker_a_id, speaker_b_id) VALUES ('spk-2', 'spk-1')`)
	assert.Error(t, err)
}

func TestRelationships_DecayWithNow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSpeaker(t, s, "spk-1", "A")
	mustSpeaker(t, s, "spk-2", "B")
	mustConversation(t, s, "c1", t0)
	mustSegment(t, s, "c1", "spk-1", t0, 60, "x")
	mustSegment(t, s, "c1", "spk-2", t0.Add(time.Minute), 60, "y")

	fresh, err := s.Relationships(ctx, "spk-1", t0.Add(time.Minute))
	require.NoError(t, err)
	stale, err := s.Relationships(ctx, "spk-1", t0.Add(time.Minute+30*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Len(t, stale, 1)
	assert.InDelta(t, fresh[0].Strength/2, stale[0].Strength, 1e-9)
}

func TestStrength_Properties(t *testing.T) {
	assert.Zero(t, store.Strength(0, 100, 0))
	prev := 0.0
	for n := 1; n <= 50; n++ {
		v := store.Strength(n, float64(n)*60, 0)
		assert.GreaterOrEqual(t, v, prev)
		assert.LessOrEqual(t, v, 1.0)
		prev = v
	}
	assert.Less(t, store.Strength(5, 600, 60*24*time.Hour), store.Strength(5, 600, 24*time.Hour))
}

// ─── Merge ──────────────────────────────────────────────────────────────────

func TestMergeSpeakers_FoldsSecondaryIntoPrimary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSpeaker(t, s, "spk-1", "John", "john here")
	mustSpeaker(t, s, "spk-2", "Johnny", "re:^johnny")
	mustConversation(t, s, "c1", t0)
	mustConversation(t, s, "c2", t0.Add(time.Hour))
	mustSegment(t, s, "c1", "spk-1", t0, 30, "a")
	mustSegment(t, s, "c2", "spk-2", t0.Add(time.Hour), 45, "b")

	res, err := s.MergeSpeakers(ctx, "spk-1", "spk-2", store.MergeManual, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.SegmentsMoved)

	primary, err := s.GetSpeaker(ctx, "spk-1")
	require.NoError(t, err)
	assert.InDelta(t, 75.0, primary.TotalTalkTime, 1e-9)
	assert.Equal(t, 2, primary.TotalConversations)
	assert.Equal(t, []string{"john here", "re:^johnny"}, primary.TextPatterns)

	secondary, err := s.GetSpeaker(ctx, "spk-2")
	require.NoError(t, err)
	require.True(t, secondary.Tombstoned())
	assert.Equal(t, "spk-1", *secondary.MergedInto)

	segs, err := s.SegmentsForConversation(ctx, "c2")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "spk-1", *segs[0].SpeakerID)

	aliases, err := s.AliasesFor(ctx, "spk-1")
	require.NoError(t, err)
	require.Len(t, aliases, 2)
	assert.Equal(t, "Johnny", *aliases[0].AliasName)
	assert.Nil(t, aliases[0].TextPattern)
	assert.Equal(t, store.MergeManual, aliases[0].MergeMethod)
	assert.Nil(t, aliases[1].AliasName, "pattern rows carry no name")
	require.NotNil(t, aliases[1].TextPattern)
	assert.Equal(t, "re:^johnny", *aliases[1].TextPattern)
	assert.Equal(t, "spk-2", aliases[1].SourceSpeakerID)
	assert.Equal(t, store.MergeManual, aliases[1].MergeMethod)

	// The old id still resolves, and new forced attribution lands on primary.
	live, err := s.ResolveSpeaker(ctx, "spk-2")
	require.NoError(t, err)
	assert.Equal(t, "spk-1", live.ID)
	seg := mustSegment(t, s, "c2", "spk-2", t0.Add(2*time.Hour), 1, "later")
	assert.Equal(t, "spk-1", *seg.SpeakerID)

	// The alias name is known and maps to the primary.
	matches, err := s.FindSpeakerByName(ctx, "johnny")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "spk-1", matches[0].ID)
}

func TestMergeSpeakers_Conflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSpeaker(t, s, "spk-1", "A")
	mustSpeaker(t, s, "spk-2", "B")

	_, err := s.MergeSpeakers(ctx, "spk-1", "spk-1", store.MergeManual, 1)
	assert.True(t, errs.Is(err, errs.MergeConflict))

	_, err = s.MergeSpeakers(ctx, "spk-1", "spk-404", store.MergeManual, 1)
	assert.True(t, errs.Is(err, errs.MergeConflict))

	_, err = s.MergeSpeakers(ctx, "spk-1", "spk-2", store.MergeManual, 1)
	require.NoError(t, err)
	_, err = s.MergeSpeakers(ctx, "spk-1", "spk-2", store.MergeManual, 1)
	assert.True(t, errs.Is(err, errs.MergeConflict), "re-merging a tombstoned speaker")
	_, err = s.MergeSpeakers(ctx, "spk-2", "spk-1", store.MergeManual, 1)
	assert.True(t, errs.Is(err, errs.MergeConflict), "tombstoned primary")
}

func TestMergeSpeakers_AllOrNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSpeaker(t, s, "spk-1", "A")
	mustSpeaker(t, s, "spk-2", "B")
	mustConversation(t, s, "c1", t0)
	mustSegment(t, s, "c1", "spk-2", t0, 10, "mine")

	s.FailCommits(errors.New("disk full"))
	_, err := s.MergeSpeakers(ctx, "spk-1", "spk-2", store.MergeManual, 1)
	require.Error(t, err)

	sp, err := s.GetSpeaker(ctx, "spk-2")
	require.NoError(t, err)
	assert.False(t, sp.Tombstoned())
	assert.InDelta(t, 10.0, sp.TotalTalkTime, 1e-9)
	aliases, err := s.AliasesFor(ctx, "spk-1")
	require.NoError(t, err)
	assert.Empty(t, aliases)
}

func TestMergeSpeakers_RekeysRelationships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSpeaker(t, s, "spk-a", "A")
	mustSpeaker(t, s, "spk-b", "B")
	mustSpeaker(t, s, "spk-c", "C")
	mustConversation(t, s, "c1", t0)
	mustConversation(t, s, "c2", t0.Add(time.Hour))
	mustSegment(t, s, "c1", "spk-b", t0, 5, "x")
	mustSegment(t, s, "c1", "spk-c", t0.Add(5*time.Second), 5, "y")
	mustSegment(t, s, "c2", "spk-a", t0.Add(time.Hour), 5, "z")
	mustSegment(t, s, "c2", "spk-c", t0.Add(time.Hour+5*time.Second), 5, "w")

	_, err := s.MergeSpeakers(ctx, "spk-a", "spk-c", store.MergeAutomaticVoice, 0.97)
	require.NoError(t, err)

	_, err = s.Relationship(ctx, "spk-b", "spk-c")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Relationship(ctx, "spk-a", "spk-c")
	assert.ErrorIs(t, err, store.ErrNotFound, "primary/secondary pair is dropped")

	rel, err := s.Relationship(ctx, "spk-b", "spk-a")
	require.NoError(t, err)
	assert.Equal(t, "spk-a", rel.SpeakerA)
	assert.Equal(t, 1, rel.ConversationCount)
}

func TestFindDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSpeaker(ctx, store.NewSpeaker{ID: "spk-1", DisplayName: "Ann", VoiceEmbedding: []float32{1, 0}})
	require.NoError(t, err)
	_, err = s.CreateSpeaker(ctx, store.NewSpeaker{ID: "spk-2", DisplayName: "Anne", VoiceEmbedding: []float32{0.99, 0.1}})
	require.NoError(t, err)
	mustSpeaker(t, s, "spk-3", "bob")
	mustSpeaker(t, s, "spk-4", "Bob")
	mustSpeaker(t, s, "spk-5", "Carl")

	got, err := s.FindDuplicates(ctx, store.DuplicateOptions{VoiceThreshold: 0.95, TextOverlapThreshold: 0.5})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, store.MergeAutomaticVoice, got[0].Method)
	assert.Equal(t, "spk-1", got[0].PrimaryID)
	assert.Equal(t, "spk-2", got[0].SecondaryID)
	assert.Equal(t, store.MergeAutomaticText, got[1].Method)
	assert.Equal(t, "spk-3", got[1].PrimaryID)

	// Proposing never merges.
	sp, err := s.GetSpeaker(ctx, "spk-2")
	require.NoError(t, err)
	assert.False(t, sp.Tombstoned())
}

// ─── Conversations / admin ──────────────────────────────────────────────────

func TestPurgeConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSpeaker(t, s, "spk-1", "A")
	mustSpeaker(t, s, "spk-2", "B")
	mustConversation(t, s, "c1", t0)
	mustConversation(t, s, "c2", t0.Add(time.Hour))
	mustSegment(t, s, "c1", "spk-1", t0, 5, "one")
	mustSegment(t, s, "c1", "spk-2", t0.Add(time.Second), 5, "two")
	mustSegment(t, s, "c2", "spk-1", t0.Add(time.Hour), 7, "three")

	res, err := s.PurgeConversation(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.SegmentsDeleted)

	_, err = s.GetConversation(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Relationship(ctx, "spk-1", "spk-2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	sp, err := s.GetSpeaker(ctx, "spk-1")
	require.NoError(t, err)
	assert.InDelta(t, 7.0, sp.TotalTalkTime, 1e-9)
	assert.Equal(t, 1, sp.TotalConversations)

	hits, err := s.SearchSegments(ctx, "two", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLatestConversation_PerChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.LatestConversation(ctx, "mic")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.CreateConversation(ctx, store.NewConversation{ID: "m1", Channel: "mic", StartTime: t0})
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, store.NewConversation{ID: "m2", Channel: "mic", StartTime: t0.Add(time.Hour)})
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, store.NewConversation{ID: "s1", Channel: "system", StartTime: t0.Add(2 * time.Hour)})
	require.NoError(t, err)

	c, err := s.LatestConversation(ctx, "mic")
	require.NoError(t, err)
	assert.Equal(t, "m2", c.ID)
}

func TestUpdateConversationSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustConversation(t, s, "c1", t0)
	summary := "standup"
	score := 0.4
	c, err := s.UpdateConversationSummary(ctx, "c1", store.SummaryUpdate{
		Summary: &summary, Topics: []string{"budget", "hiring"}, SentimentScore: &score,
	})
	require.NoError(t, err)
	assert.Equal(t, summary, *c.Summary)
	assert.Equal(t, []string{"budget", "hiring"}, c.Topics)
	assert.InDelta(t, 0.4, *c.SentimentScore, 1e-9)
	assert.Nil(t, c.QualityScore)
}

func TestCorrectSegmentSpeaker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSpeaker(t, s, "spk-1", "A")
	mustSpeaker(t, s, "spk-2", "B")
	mustConversation(t, s, "c1", t0)
	seg := mustSegment(t, s, "c1", "spk-1", t0, 4, "mislabelled")
	mustSegment(t, s, "c1", "spk-1", t0.Add(5*time.Second), 2, "mine")

	got, err := s.CorrectSegmentSpeaker(ctx, seg.ID, "spk-2")
	require.NoError(t, err)
	assert.Equal(t, "spk-2", *got.SpeakerID)

	a, err := s.GetSpeaker(ctx, "spk-1")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, a.TotalTalkTime, 1e-9)
	b, err := s.GetSpeaker(ctx, "spk-2")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, b.TotalTalkTime, 1e-9)

	rel, err := s.Relationship(ctx, "spk-1", "spk-2")
	require.NoError(t, err)
	assert.Equal(t, 1, rel.ConversationCount)
}

// ─── History / Stats / Export ───────────────────────────────────────────────

func TestRecordQuery_RecentHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	restore := store.SetTimeNow(func() time.Time { return t0 })
	defer restore()

	_, err := s.RecordQuery(ctx, store.QueryHistoryRecord{RawQuery: "first", Intent: "Unknown", Success: true})
	require.NoError(t, err)
	_, err = s.RecordQuery(ctx, store.QueryHistoryRecord{
		RawQuery: "DROP TABLE conversations", Intent: "Unknown", ErrorKind: "NotReadOnly", ErrorDetail: "rejected",
	})
	require.NoError(t, err)

	hist, err := s.RecentHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "DROP TABLE conversations", hist[0].RawQuery)
	assert.False(t, hist[0].Success)
	assert.Equal(t, "NotReadOnly", hist[0].ErrorKind)
	assert.True(t, hist[1].Success)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSpeaker(t, s, "spk-1", "A")
	mustSpeaker(t, s, "spk-2", "B")
	mustConversation(t, s, "c1", t0)
	mustSegment(t, s, "c1", "spk-1", t0, 5, "one")
	mustSegment(t, s, "c1", "spk-2", t0.Add(time.Minute), 5, "two")
	mustSegment(t, s, "c1", "", t0.Add(2*time.Minute), 5, "three")
	_, err := s.MergeSpeakers(ctx, "spk-1", "spk-2", store.MergeManual, 1)
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Conversations)
	assert.Equal(t, 3, st.Segments)
	assert.Equal(t, 1, st.UnattributedSegment)
	assert.Equal(t, 1, st.LiveSpeakers)
	assert.Equal(t, 1, st.MergedSpeakers)
	assert.Equal(t, 1, st.Aliases)
	assert.Equal(t, 0, st.Relationships)
	assert.InDelta(t, 15.0, st.TotalTalkTime, 1e-9)
	assert.Equal(t, store.CurrentSchemaVersion, st.SchemaVersion)
}

func TestExport_FilterBySpeaker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSpeaker(ctx, store.NewSpeaker{ID: "spk-1", DisplayName: "A", VoiceEmbedding: []float32{1, 2}})
	require.NoError(t, err)
	mustSpeaker(t, s, "spk-2", "B")
	mustConversation(t, s, "c1", t0)
	mustConversation(t, s, "c2", t0.Add(time.Hour))
	mustSegment(t, s, "c1", "spk-1", t0, 5, "one")
	mustSegment(t, s, "c1", "spk-2", t0.Add(time.Second), 5, "two")
	mustSegment(t, s, "c2", "spk-2", t0.Add(time.Hour), 5, "three")

	b, err := s.Export(ctx, store.ExportFilter{SpeakerID: "spk-1"})
	require.NoError(t, err)
	require.Len(t, b.Segments, 1)
	require.Len(t, b.Conversations, 1)
	assert.Equal(t, "c1", b.Conversations[0].ID)
	require.Len(t, b.Speakers, 1)
	assert.Nil(t, b.Speakers[0].VoiceEmbedding)
	require.Len(t, b.Relationships, 1)
	assert.Equal(t, "spk-1", b.Relationships[0].SpeakerA)
}

func TestKnownSpeakers_IncludesAliases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSpeaker(t, s, "spk-1", "John")
	mustSpeaker(t, s, "spk-2", "Jon")
	mustSpeaker(t, s, "spk-3", "")
	_, err := s.MergeSpeakers(ctx, "spk-1", "spk-2", store.MergeAutomaticText, 0.9)
	require.NoError(t, err)

	refs, err := s.KnownSpeakers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.NameRef{
		{Name: "John", SpeakerID: "spk-1"},
		{Name: "Jon", SpeakerID: "spk-1", Alias: true},
	}, refs)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, store.Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.Zero(t, store.Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, store.Cosine([]float32{0, 0}, []float32{1, 2}))
}
