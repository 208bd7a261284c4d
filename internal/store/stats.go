package store

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Stats holds aggregate store statistics.
type Stats struct {
	Conversations       int     `json:"conversations"`
	Segments            int     `json:"segments"`
	UnattributedSegment int     `json:"unattributed_segments"`
	LiveSpeakers        int     `json:"live_speakers"`
	MergedSpeakers      int     `json:"merged_speakers"`
	Aliases             int     `json:"aliases"`
	Relationships       int     `json:"relationships"`
	TotalTalkTime       float64 `json:"total_talk_time"`
	FirstSegmentAt      *string `json:"first_segment_at,omitempty"`
	LastSegmentAt       *string `json:"last_segment_at,omitempty"`
	QueriesLogged       int     `json:"queries_logged"`
	SchemaVersion       int     `json:"schema_version"`
}

// Stats runs the aggregate counts concurrently over the reader pool.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	g, gctx := errgroup.WithContext(ctx)

	count := func(dest *int, query string) {
		g.Go(func() error {
			if err := s.ro.QueryRowContext(gctx, query).Scan(dest); err != nil {
				return fmt.Errorf("stats %q: %w", query, err)
			}
			return nil
		})
	}
	count(&st.Conversations, `SELECT COUNT(*) FROM conversations`)
	count(&st.Segments, `SELECT COUNT(*) FROM segments`)
	count(&st.UnattributedSegment, `SELECT COUNT(*) FROM segments WHERE speaker_id IS NULL`)
	count(&st.LiveSpeakers, `SELECT COUNT(*) FROM speakers WHERE merged_into IS NULL`)
	count(&st.MergedSpeakers, `SELECT COUNT(*) FROM speakers WHERE merged_into IS NOT NULL`)
	count(&st.Aliases, `SELECT COUNT(*) FROM speaker_aliases`)
	count(&st.Relationships, `SELECT COUNT(*) FROM speaker_relationships`)
	count(&st.QueriesLogged, `SELECT COUNT(*) FROM query_history`)
	count(&st.SchemaVersion, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)

	g.Go(func() error {
		return s.ro.QueryRowContext(gctx, `
			SELECT COALESCE(SUM(MAX(end_offset - start_offset, 0)), 0), MIN(spoken_at), MAX(spoken_at)
			FROM segments`).Scan(&st.TotalTalkTime, &st.FirstSegmentAt, &st.LastSegmentAt)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return st, nil
}
