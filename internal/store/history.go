package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// QueryHistoryRecord is one append-only audit entry per gateway call.
type QueryHistoryRecord struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id,omitempty"`
	Caller        string `json:"caller,omitempty"`
	RawQuery      string `json:"raw_query"`
	ResolvedQuery string `json:"resolved_query,omitempty"`
	Intent        string `json:"intent"`
	Variant       string `json:"variant,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
	ResultCount   int    `json:"result_count"`
	Success       bool   `json:"success"`
	ErrorKind     string `json:"error_kind,omitempty"`
	ErrorDetail   string `json:"error_detail,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// RecordQuery appends a history record and returns its id.
func (s *Store) RecordQuery(ctx context.Context, r QueryHistoryRecord) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt == "" {
		r.CreatedAt = Now()
	}
	_, err := s.execHook(ctx, s.db, `
		INSERT INTO query_history (id, session_id, caller, raw_query, resolved_query, intent, variant,
		                           duration_ms, result_count, success, error_kind, error_detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullableString(r.SessionID), nullableString(r.Caller), r.RawQuery, nullableString(r.ResolvedQuery),
		r.Intent, nullableString(r.Variant), r.DurationMs, r.ResultCount, r.Success,
		nullableString(r.ErrorKind), nullableString(r.ErrorDetail), r.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("record query: %w", err)
	}
	return r.ID, nil
}

// RecentHistory returns the newest history records first.
func (s *Store) RecentHistory(ctx context.Context, limit int) ([]QueryHistoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, COALESCE(session_id, ''), COALESCE(caller, ''), raw_query, COALESCE(resolved_query, ''),
		       intent, COALESCE(variant, ''), duration_ms, result_count, success,
		       COALESCE(error_kind, ''), COALESCE(error_detail, ''), created_at
		FROM query_history ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []QueryHistoryRecord
	for rows.Next() {
		var r QueryHistoryRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Caller, &r.RawQuery, &r.ResolvedQuery, &r.Intent, &r.Variant,
			&r.DurationMs, &r.ResultCount, &r.Success, &r.ErrorKind, &r.ErrorDetail, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
