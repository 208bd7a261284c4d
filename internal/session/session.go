// Package session keeps a short, time-boxed memory of recent queries per
// session id so follow-up questions ("what did they say?") can reuse the
// speakers and dates of earlier ones.
//
// Queries of one session take turns in arrival order: a later query sees
// the context recorded by every earlier query of the same session.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yeager620/savant-ai-sub000/internal/extract"
	"github.com/yeager620/savant-ai-sub000/internal/intent"
)

// Session is the carried context of one session id.
type Session struct {
	ID           string           `json:"id"`
	Recent       []extract.Entity `json:"recent"`
	LastIntent   intent.Intent    `json:"last_intent,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	LastActivity time.Time        `json:"last_activity"`

	// guarded by Manager.mu
	busy    bool
	waiters []chan struct{}
}

func (s *Session) snapshot() Session {
	return Session{
		ID:           s.ID,
		Recent:       append([]extract.Entity(nil), s.Recent...),
		LastIntent:   s.LastIntent,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

// Manager owns every live session.
type Manager struct {
	ttl         time.Duration
	maxEntities int
	interval    time.Duration
	now         func() time.Time
	log         *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Options configures a Manager.
type Options struct {
	TTL             time.Duration
	MaxEntities     int
	JanitorInterval time.Duration
	Now             func() time.Time
}

// NewManager returns an empty Manager.
func NewManager(opts Options, log *zap.Logger) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxEntities <= 0 {
		opts.MaxEntities = 10
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		ttl:         opts.TTL,
		maxEntities: opts.MaxEntities,
		interval:    opts.JanitorInterval,
		now:         opts.Now,
		log:         log,
		sessions:    make(map[string]*Session),
	}
}

// Turn is exclusive access to one session. Release must be called exactly
// once.
type Turn struct {
	m        *Manager
	s        *Session
	released bool
}

// Acquire waits for id's turn, creating the session on first use. Waiters
// are served in arrival order.
func (m *Manager) Acquire(ctx context.Context, id string) (*Turn, error) {
	m.mu.Lock()
	now := m.now()
	s, ok := m.sessions[id]
	if ok && m.idle(s, now) {
		// Expired but not yet swept: start over.
		ok = false
	}
	if !ok {
		s = &Session{ID: id, CreatedAt: now, LastActivity: now}
		m.sessions[id] = s
	}
	if !s.busy {
		s.busy = true
		m.mu.Unlock()
		return &Turn{m: m, s: s}, nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return &Turn{m: m, s: s}, nil
	case <-ctx.Done():
		m.mu.Lock()
		for i, w := range s.waiters {
			if w == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				m.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		m.mu.Unlock()
		// The turn was handed over while we gave up; pass it on.
		(&Turn{m: m, s: s}).Release()
		return nil, ctx.Err()
	}
}

// Release ends the turn and wakes the next waiter.
func (t *Turn) Release() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.released {
		return
	}
	t.released = true
	t.s.LastActivity = t.m.now()
	if len(t.s.waiters) > 0 {
		next := t.s.waiters[0]
		t.s.waiters = t.s.waiters[1:]
		close(next)
		return
	}
	t.s.busy = false
}

// Context returns a copy of the session's carried context.
func (t *Turn) Context() Session {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.s.snapshot()
}

// Record stores the entities and intent of a completed query. Only the
// newest MaxEntities entities are kept.
func (t *Turn) Record(in intent.Intent, ents extract.Entities) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, k := range extract.Kinds {
		for _, e := range ents[k] {
			if k == extract.KindSpeaker && !e.Resolved {
				continue
			}
			t.s.Recent = append(t.s.Recent, e)
		}
	}
	if over := len(t.s.Recent) - t.m.maxEntities; over > 0 {
		t.s.Recent = append([]extract.Entity(nil), t.s.Recent[over:]...)
	}
	if in != intent.Unknown {
		t.s.LastIntent = in
	}
	t.s.LastActivity = t.m.now()
}

// Resolve fills entities the query refers back to. See Resolution.
func (t *Turn) Resolve(query string, ents extract.Entities) Resolution {
	return resolve(t.Context(), query, ents)
}

// Get returns a copy of session id.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep evicts sessions idle for longer than the TTL and returns how many
// were removed. Sessions in use are kept.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if m.idle(s, now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// idle reports whether s is unused and past the TTL. m.mu must be held.
func (m *Manager) idle(s *Session, now time.Time) bool {
	return !s.busy && len(s.waiters) == 0 && now.Sub(s.LastActivity) > m.ttl
}

// Run sweeps on every janitor tick until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.log.Debug("sessions expired", zap.Int("count", n))
			}
		}
	}
}
