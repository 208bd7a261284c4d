package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yeager620/savant-ai-sub000/internal/extract"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newManager(maxEntities int) (*Manager, *clock) {
	c := &clock{t: time.Date(2026, 5, 13, 9, 0, 0, 0, time.UTC)}
	return NewManager(Options{TTL: 30 * time.Minute, MaxEntities: maxEntities, Now: c.Now}, nil), c
}

func john() extract.Entity {
	return extract.Entity{Kind: extract.KindSpeaker, Value: "spk-1", Display: "John", Rule: "known_name", Resolved: true}
}

func lastWeek() extract.Entity {
	return extract.Entity{Kind: extract.KindDateRange, Start: "2026-05-04 00:00:00", End: "2026-05-11 00:00:00", Rule: "last_week", Resolved: true}
}

func ents(list ...extract.Entity) extract.Entities {
	out := extract.Entities{}
	for _, e := range list {
		out.Add(e)
	}
	return out
}

func TestRecordAndResolvePronoun(t *testing.T) {
	m, _ := newManager(10)
	turn, err := m.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	turn.Record(intent.FindConversations, ents(john(), lastWeek()))
	turn.Release()

	turn, err = m.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer turn.Release()

	res := turn.Resolve("What did they say about the budget?", ents())
	require.True(t, res.Entities.Has(extract.KindSpeaker))
	sp, _ := res.Entities.First(extract.KindSpeaker)
	assert.Equal(t, "spk-1", sp.Value)
	assert.Equal(t, "session:known_name", sp.Rule)
	assert.Equal(t, []extract.Kind{extract.KindSpeaker}, res.Carried)
	assert.False(t, res.Entities.Has(extract.KindDateRange), "dates are not carried without a reference")
	assert.False(t, res.FollowUp)
}

func TestResolve_DateReferenceAndNoOverwrite(t *testing.T) {
	s := Session{Recent: []extract.Entity{john(), lastWeek()}, LastIntent: intent.SearchContent}

	sarah := extract.Entity{Kind: extract.KindSpeaker, Value: "spk-2", Resolved: true}
	res := resolve(s, "Did Sarah talk to him in the same period?", ents(sarah))
	assert.Equal(t, []extract.Kind{extract.KindDateRange}, res.Carried)
	sp, _ := res.Entities.First(extract.KindSpeaker)
	assert.Equal(t, "spk-2", sp.Value, "stated speakers win over carried ones")
}

func TestResolve_FollowUp(t *testing.T) {
	s := Session{Recent: []extract.Entity{john(), lastWeek()}, LastIntent: intent.AnalyzeSpeaker}

	res := resolve(s, "And yesterday?", ents(extract.Entity{Kind: extract.KindDateRange, Start: "a", End: "b", Rule: "yesterday"}))
	assert.True(t, res.FollowUp)
	assert.Equal(t, intent.AnalyzeSpeaker, res.LastIntent)
	assert.Equal(t, []extract.Kind{extract.KindSpeaker}, res.Carried)
	d, _ := res.Entities.First(extract.KindDateRange)
	assert.Equal(t, "yesterday", d.Rule)

	fresh := resolve(Session{}, "And yesterday?", ents())
	assert.False(t, fresh.FollowUp, "no previous intent")
	assert.Empty(t, fresh.Carried)
}

func TestRecord_BoundedAndSkipsUnresolved(t *testing.T) {
	m, _ := newManager(2)
	turn, err := m.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	turn.Record(intent.SearchContent, ents(
		john(),
		extract.Entity{Kind: extract.KindSpeaker, Value: "Zzyzx", Rule: "with_name"},
		lastWeek(),
		extract.Entity{Kind: extract.KindTerm, Value: "budget", Rule: "quoted", Resolved: true},
	))
	turn.Record(intent.Unknown, ents())
	turn.Release()

	s, ok := m.Get("s1")
	require.True(t, ok)
	require.Len(t, s.Recent, 2)
	assert.Equal(t, extract.KindDateRange, s.Recent[0].Kind)
	assert.Equal(t, extract.KindTerm, s.Recent[1].Kind)
	assert.Equal(t, intent.SearchContent, s.LastIntent, "unknown does not replace the last intent")
}

func TestAcquire_ArrivalOrder(t *testing.T) {
	m, _ := newManager(10)
	first, err := m.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			turn, err := m.Acquire(context.Background(), "s1")
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			turn.Release()
		}(i)
		// Wait until the goroutine is queued before starting the next.
		require.Eventually(t, func() bool { return waiting(m, "s1") == i }, time.Second, time.Millisecond)
	}
	first.Release()
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func waiting(m *Manager, id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return len(s.waiters)
	}
	return 0
}

func TestAcquire_CancelledWaiterLeavesQueue(t *testing.T) {
	m, _ := newManager(10)
	first, err := m.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, waiting(m, "s1"))

	first.Release()
	first.Release()
	again, err := m.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	again.Release()
}

func TestAcquire_SessionsAreIndependent(t *testing.T) {
	m, _ := newManager(10)
	a, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer a.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := m.Acquire(ctx, "b")
	require.NoError(t, err)
	b.Release()
	assert.Equal(t, 2, m.Len())
}

func TestSweep(t *testing.T) {
	m, c := newManager(10)
	idle, err := m.Acquire(context.Background(), "idle")
	require.NoError(t, err)
	idle.Release()
	busy, err := m.Acquire(context.Background(), "busy")
	require.NoError(t, err)

	c.Advance(31 * time.Minute)
	assert.Equal(t, 1, m.Sweep(c.Now()))
	_, ok := m.Get("idle")
	assert.False(t, ok)
	_, ok = m.Get("busy")
	assert.True(t, ok, "sessions in use are never evicted")

	busy.Release()
	assert.Equal(t, 0, m.Sweep(c.Now()), "release refreshes activity")
}

func TestAcquire_ExpiredSessionStartsOver(t *testing.T) {
	m, c := newManager(10)
	turn, err := m.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	turn.Record(intent.FindConversations, ents(john()))
	turn.Release()
	first, _ := m.Get("s1")

	c.Advance(31 * time.Minute)
	turn, err = m.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer turn.Release()

	res := turn.Resolve("What did they say?", ents())
	assert.False(t, res.Entities.Has(extract.KindSpeaker), "nothing is carried past the TTL")
	assert.False(t, res.FollowUp)

	got, ok := m.Get("s1")
	require.True(t, ok)
	assert.Empty(t, got.Recent)
	assert.Empty(t, got.LastIntent)
	assert.True(t, got.CreatedAt.After(first.CreatedAt))
}

func TestRun_StopsWithContext(t *testing.T) {
	m := NewManager(Options{TTL: time.Millisecond, JanitorInterval: time.Millisecond}, nil)
	turn, err := m.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	turn.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 2*time.Millisecond)
	cancel()
	<-done
}
