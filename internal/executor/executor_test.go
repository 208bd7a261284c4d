package executor

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeager620/savant-ai-sub000/internal/builder"
	"github.com/yeager620/savant-ai-sub000/internal/config"
	"github.com/yeager620/savant-ai-sub000/internal/errs"
	"github.com/yeager620/savant-ai-sub000/internal/extract"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
	"github.com/yeager620/savant-ai-sub000/internal/security"
	"github.com/yeager620/savant-ai-sub000/internal/store"
)

var base = time.Date(2026, 5, 6, 10, 0, 0, 0, time.UTC)

func newValidator(t *testing.T, timeout time.Duration) *security.Validator {
	t.Helper()
	cfg := config.Default()
	if timeout > 0 {
		cfg.Query.Timeout = timeout
	}
	return security.NewValidator(security.NewPolicy(cfg), nil, nil)
}

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(store.Config{DataDir: t.TempDir(), ReaderPoolSize: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for id, name := range map[string]string{"spk-1": "John", "spk-2": "Sarah"} {
		_, err := s.CreateSpeaker(ctx, store.NewSpeaker{ID: id, DisplayName: name})
		require.NoError(t, err)
	}
	_, err = s.CreateConversation(ctx, store.NewConversation{ID: "c1", StartTime: base, Title: "Planning"})
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, store.NewConversation{ID: "c2", StartTime: base.Add(time.Hour)})
	require.NoError(t, err)

	segs := []store.SegmentInput{
		{ConversationID: "c1", SpeakerID: "spk-1", SpokenAt: base, EndOffset: 30, RawText: "the budget is due friday"},
		{ConversationID: "c1", SpeakerID: "spk-2", SpokenAt: base.Add(time.Minute), StartOffset: 30, EndOffset: 50, RawText: "I will review the budget"},
		{ConversationID: "c2", SpeakerID: "spk-2", SpokenAt: base.Add(time.Hour), EndOffset: 12, RawText: "lunch plans"},
	}
	for _, in := range segs {
		_, err := s.InsertSegment(ctx, in)
		require.NoError(t, err)
	}
	return s
}

func allEntities() extract.Entities {
	ents := extract.Entities{}
	ents.Add(extract.Entity{Kind: extract.KindSpeaker, Value: "spk-1", Rule: "known_name", Resolved: true})
	ents.Add(extract.Entity{
		Kind: extract.KindDateRange, Rule: "on_date", Resolved: true,
		Start: store.FormatTime(base.Add(-time.Hour)), End: store.FormatTime(base.Add(24 * time.Hour)),
	})
	ents.Add(extract.Entity{Kind: extract.KindTopic, Value: "budget", Rule: "about", Resolved: true})
	return ents
}

func TestRun_EveryTemplateExecutes(t *testing.T) {
	s := seededStore(t)
	v := newValidator(t, 0)
	ex := New(s.Reader(), 2, nil)

	for _, tmpl := range builder.Catalog() {
		t.Run(string(tmpl.Intent)+"/"+tmpl.Variant, func(t *testing.T) {
			q, err := builder.BuildVariant(tmpl.Intent, tmpl.Variant, allEntities(), builder.Page{})
			require.NoError(t, err)
			val, err := v.Validate("test", q.SQL, q.Params)
			require.NoError(t, err)
			res, err := ex.Run(context.Background(), val)
			require.NoError(t, err, q.SQL)
			assert.NotEmpty(t, res.Columns)
			assert.Equal(t, len(res.Rows), res.RowCount)
		})
	}
}

func TestRun_ConversationsWithSpeaker(t *testing.T) {
	s := seededStore(t)
	v := newValidator(t, 0)
	ex := New(s.Reader(), 2, nil)

	ents := extract.Entities{}
	ents.Add(extract.Entity{Kind: extract.KindSpeaker, Value: "spk-1", Resolved: true})
	q, err := builder.Build(intent.FindConversations, ents, builder.Page{})
	require.NoError(t, err)
	val, err := v.Validate("test", q.SQL, q.Params)
	require.NoError(t, err)

	res, err := ex.Run(context.Background(), val)
	require.NoError(t, err)
	require.Equal(t, 1, res.RowCount)
	assert.Equal(t, "c1", res.Rows[0]["id"])
	assert.Equal(t, "Planning", res.Rows[0]["title"])
}

func TestRun_TermSearchRanksMatches(t *testing.T) {
	s := seededStore(t)
	v := newValidator(t, 0)
	ex := New(s.Reader(), 2, nil)

	ents := extract.Entities{}
	ents.Add(extract.Entity{Kind: extract.KindTerm, Value: "budget", Resolved: true})
	q, err := builder.Build(intent.SearchContent, ents, builder.Page{})
	require.NoError(t, err)
	val, err := v.Validate("test", q.SQL, q.Params)
	require.NoError(t, err)

	res, err := ex.Run(context.Background(), val)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowCount)
	assert.Contains(t, res.Columns, "score")
	for _, row := range res.Rows {
		assert.Contains(t, row["raw_text"], "budget")
	}
}

func TestRun_PaginationIsStable(t *testing.T) {
	s := seededStore(t)
	v := newValidator(t, 0)
	ex := New(s.Reader(), 2, nil)

	var ids []any
	for page := 1; page <= 3; page++ {
		q, err := builder.Build(intent.ExportData, extract.Entities{}, builder.Page{Number: page, Size: 1})
		require.NoError(t, err)
		val, err := v.Validate("test", q.SQL, q.Params)
		require.NoError(t, err)
		res, err := ex.Run(context.Background(), val)
		require.NoError(t, err)
		require.Equal(t, 1, res.RowCount)
		ids = append(ids, res.Rows[0]["id"])
	}
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, ids)
}

type blockingQuerier struct{ calls atomic.Int32 }

func (b *blockingQuerier) QueryContext(ctx context.Context, _ string, _ ...any) (*sql.Rows, error) {
	b.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

type failingQuerier struct{ err error }

func (f failingQuerier) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, f.err
}

func validated(t *testing.T, timeout time.Duration) *security.Validated {
	t.Helper()
	val, err := newValidator(t, timeout).Validate("test", "SELECT speakers.id FROM speakers", nil)
	require.NoError(t, err)
	return val
}

func TestRun_TimeoutReturnsNoRows(t *testing.T) {
	q := &blockingQuerier{}
	ex := New(q, 1, nil)

	res, err := ex.Run(context.Background(), validated(t, 20*time.Millisecond))
	assert.Nil(t, res)
	assert.Equal(t, errs.ExecutionTimeout, errs.KindOf(err))
	assert.Equal(t, int32(1), q.calls.Load())
}

func TestRun_TimeoutWaitingForReaderSlot(t *testing.T) {
	q := &blockingQuerier{}
	ex := New(q, 1, nil)
	require.NoError(t, ex.slots.Acquire(context.Background(), 1))
	defer ex.slots.Release(1)

	_, err := ex.Run(context.Background(), validated(t, 20*time.Millisecond))
	assert.Equal(t, errs.ExecutionTimeout, errs.KindOf(err))
	assert.Equal(t, int32(0), q.calls.Load())
}

func TestRun_RefusesUnvalidated(t *testing.T) {
	q := &blockingQuerier{}
	ex := New(q, 1, nil)

	_, err := ex.Run(context.Background(), &security.Validated{SQL: "SELECT speakers.id FROM speakers", Timeout: time.Second})
	assert.Equal(t, errs.Internal, errs.KindOf(err))
	_, err = ex.Run(context.Background(), nil)
	assert.Error(t, err)
	assert.Equal(t, int32(0), q.calls.Load())
}

func TestRun_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		err  error
		kind errs.Kind
	}{
		{sql.ErrConnDone, errs.StorageUnavailable},
		{errors.New("sql: database is closed"), errs.StorageUnavailable},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), errs.StorageUnavailable},
		{errors.New("no such column: nope"), errs.Internal},
	}
	for _, tt := range tests {
		ex := New(failingQuerier{tt.err}, 1, nil)
		_, err := ex.Run(context.Background(), validated(t, time.Second))
		assert.Equal(t, tt.kind, errs.KindOf(err), tt.err.Error())
	}
}

func TestBindArgs(t *testing.T) {
	args := bindArgs("SELECT speakers.id FROM speakers WHERE (:a IS NULL OR speakers.id = :a) LIMIT :limit",
		map[string]any{"a": "x", "limit": 5, "unused": true})
	require.Len(t, args, 2)
	assert.Equal(t, sql.Named("a", "x"), args[0])
	assert.Equal(t, sql.Named("limit", 5), args[1])
}
