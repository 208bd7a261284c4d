package gateway

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/yeager620/savant-ai-sub000/internal/store"
)

const strengthColumn = "relationship_strength"

// decayStrength replaces the stored strength of each relationship row with
// its value decayed to now, then orders rows strongest first.
func decayStrength(rows []map[string]any, now time.Time) {
	for _, row := range rows {
		last, ok := timeValue(row["last_interaction_at"])
		elapsed := time.Duration(0)
		if ok {
			elapsed = now.Sub(last)
		}
		row[strengthColumn] = store.Strength(int(intValue(row["conversation_count"])), floatValue(row["total_duration"]), elapsed)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return floatValue(rows[i][strengthColumn]) > floatValue(rows[j][strengthColumn])
	})
}

// rerank orders search hits by cosine similarity between the query and the
// stored segment embeddings. Rows without an embedding keep their relative
// order after the ranked ones. Any failure leaves the order untouched.
func (g *Gateway) rerank(ctx context.Context, text string, rows []map[string]any) {
	if len(rows) < 2 {
		return
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		if id, ok := row["id"].(int64); ok {
			ids = append(ids, id)
		}
	}
	vectors, err := g.store.SegmentEmbeddings(ctx, ids)
	if err != nil || len(vectors) == 0 {
		if err != nil {
			g.log.Warn("segment embeddings unavailable", zap.Error(err))
		}
		return
	}
	query, err := g.embedder.Embed(ctx, text)
	if err != nil || len(query) == 0 {
		g.log.Debug("query embedding unavailable", zap.Error(err))
		return
	}

	score := make(map[int]float64, len(rows))
	has := make(map[int]bool, len(rows))
	for i, row := range rows {
		id, _ := row["id"].(int64)
		if v, ok := vectors[id]; ok {
			score[i] = store.Cosine(query, v)
			has[i] = true
		}
	}
	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if has[ia] != has[ib] {
			return has[ia]
		}
		return score[ia] > score[ib]
	})
	sorted := make([]map[string]any, len(rows))
	for i, idx := range order {
		sorted[i] = rows[idx]
	}
	copy(rows, sorted)
}

func timeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := store.ParseTime(t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func intValue(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func floatValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
