package security

import (
	"github.com/xwb1989/sqlparser"

	"github.com/yeager620/savant-ai-sub000/internal/errs"
)

// Bucket is a coarse cost class used for rate limiting.
type Bucket string

const (
	Low    Bucket = "low"
	Medium Bucket = "medium"
	High   Bucket = "high"
)

// Complexity weights.
const (
	joinWeight     = 2
	orderByWeight  = 1
	groupByWeight  = 2
	subqueryWeight = 1
)

// Complexity scores a parsed statement: 2 per join, 1 per ORDER BY,
// 2 per GROUP BY and 1 per subquery.
func Complexity(stmt sqlparser.Statement) int {
	score := 0
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.JoinTableExpr:
			score += joinWeight
		case *sqlparser.Select:
			if len(n.From) > 1 {
				score += joinWeight * (len(n.From) - 1)
			}
			if len(n.OrderBy) > 0 {
				score += orderByWeight
			}
			if len(n.GroupBy) > 0 {
				score += groupByWeight
			}
		case *sqlparser.Union:
			if len(n.OrderBy) > 0 {
				score += orderByWeight
			}
		case *sqlparser.Subquery:
			score += subqueryWeight
		}
		return true, nil
	}, stmt)
	return score
}

// BucketFor maps a complexity score to its bucket.
func BucketFor(score int) Bucket {
	switch {
	case score <= 2:
		return Low
	case score <= 5:
		return Medium
	default:
		return High
	}
}

// Score parses sql and returns its complexity.
func Score(sql string) (int, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return 0, errs.Wrap(errs.NotReadOnly, err, "statement does not parse")
	}
	return Complexity(stmt), nil
}
