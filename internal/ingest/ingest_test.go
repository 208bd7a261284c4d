package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeager620/savant-ai-sub000/internal/store"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func TestStep(t *testing.T) {
	gap := 5 * time.Minute
	open := State{Phase: PhaseOpen, ConversationID: "c1", LastAt: t0}

	tests := []struct {
		name     string
		st       State
		at       time.Time
		want     Decision
		wantLast time.Time
	}{
		{"closed starts new", State{Phase: PhaseClosed}, t0, StartNew, t0},
		{"zero state starts new", State{}, t0, StartNew, t0},
		{"within gap appends", open, t0.Add(time.Minute), Append, t0.Add(time.Minute)},
		{"exactly gap appends", open, t0.Add(gap), Append, t0.Add(gap)},
		{"beyond gap starts new", open, t0.Add(gap + time.Second), StartNew, t0.Add(gap + time.Second)},
		{"out of order keeps last", open, t0.Add(-time.Second), Append, t0},
		{"explicitly closed starts new", Close(open), t0.Add(time.Second), StartNew, t0.Add(time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, d := Step(tt.st, tt.at, gap)
			assert.Equal(t, tt.want, d)
			assert.Equal(t, PhaseOpen, next.Phase)
			assert.True(t, next.LastAt.Equal(tt.wantLast), "LastAt = %v", next.LastAt)
			if d == Append {
				assert.Equal(t, tt.st.ConversationID, next.ConversationID)
			} else {
				assert.Empty(t, next.ConversationID)
			}
		})
	}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{DataDir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seg(at time.Time, text string) Input {
	return Input{Channel: "mic", SegmentInput: store.SegmentInput{SpokenAt: at, EndOffset: 2, RawText: text}}
}

func TestIngestor_GroupsByGap(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	g := New(s, 5*time.Minute, nil)

	r1, err := g.Append(ctx, seg(t0, "first"))
	require.NoError(t, err)
	assert.True(t, r1.NewConversation)

	r2, err := g.Append(ctx, seg(t0.Add(time.Minute), "second"))
	require.NoError(t, err)
	assert.False(t, r2.NewConversation)
	assert.Equal(t, r1.ConversationID, r2.ConversationID)

	r3, err := g.Append(ctx, seg(t0.Add(10*time.Minute), "third"))
	require.NoError(t, err)
	assert.True(t, r3.NewConversation)
	assert.NotEqual(t, r1.ConversationID, r3.ConversationID)

	segs, err := s.SegmentsForConversation(ctx, r1.ConversationID)
	require.NoError(t, err)
	assert.Len(t, segs, 2)
}

func TestIngestor_ChannelsAreIndependent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	g := New(s, 5*time.Minute, nil)

	a, err := g.Append(ctx, seg(t0, "mic"))
	require.NoError(t, err)
	in := seg(t0.Add(time.Second), "system audio")
	in.Channel = "system"
	b, err := g.Append(ctx, in)
	require.NoError(t, err)
	assert.NotEqual(t, a.ConversationID, b.ConversationID)
}

func TestIngestor_SeedsFromStoreAfterRestart(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first, err := New(s, 5*time.Minute, nil).Append(ctx, seg(t0, "before restart"))
	require.NoError(t, err)

	restarted := New(s, 5*time.Minute, nil)
	again, err := restarted.Append(ctx, seg(t0.Add(2*time.Minute), "after restart"))
	require.NoError(t, err)
	assert.False(t, again.NewConversation)
	assert.Equal(t, first.ConversationID, again.ConversationID)
}

func TestIngestor_CloseChannel(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	g := New(s, time.Hour, nil)

	a, err := g.Append(ctx, seg(t0, "one"))
	require.NoError(t, err)
	g.CloseChannel("mic")
	st, ok := g.ChannelState("mic")
	require.True(t, ok)
	assert.Equal(t, PhaseClosed, st.Phase)

	b, err := g.Append(ctx, seg(t0.Add(time.Second), "two"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ConversationID, b.ConversationID)
}

type failingWriter struct {
	*store.Store
	fail bool
}

func (f *failingWriter) InsertSegment(ctx context.Context, in store.SegmentInput) (*store.Segment, error) {
	if f.fail {
		return nil, errors.New("writer unavailable")
	}
	return f.Store.InsertSegment(ctx, in)
}

func TestIngestor_StateUnchangedOnFailure(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	w := &failingWriter{Store: s}
	g := New(w, 5*time.Minute, nil)

	r1, err := g.Append(ctx, seg(t0, "ok"))
	require.NoError(t, err)

	w.fail = true
	_, err = g.Append(ctx, seg(t0.Add(time.Minute), "lost"))
	require.Error(t, err)

	st, _ := g.ChannelState("mic")
	assert.True(t, st.LastAt.Equal(t0))
	assert.Equal(t, r1.ConversationID, st.ConversationID)
}

func TestIngestor_ExplicitConversationBypassesGrouping(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.CreateConversation(ctx, store.NewConversation{ID: "fixed", StartTime: t0})
	require.NoError(t, err)

	g := New(s, time.Minute, nil)
	in := seg(t0.Add(time.Hour), "late")
	in.ConversationID = "fixed"
	r, err := g.Append(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "fixed", r.ConversationID)
	_, tracked := g.ChannelState("mic")
	assert.False(t, tracked)
}
