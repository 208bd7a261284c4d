package security

import (
	"strings"

	"github.com/xwb1989/sqlparser"
)

// sqlVerbs start statements the gateway routes straight to Validate.
var sqlVerbs = setOf("select", "insert", "update", "delete", "drop", "alter", "create",
	"replace", "truncate", "grant", "revoke", "rename")

// sqlOnlyVerbs never start an English question.
var sqlOnlyVerbs = setOf("pragma", "attach", "detach", "vacuum", "reindex", "savepoint")

// sqlObjects follow a verb in statements that do not parse here.
var sqlObjects = setOf("table", "from", "into", "index", "view", "trigger", "database",
	"schema", "virtual", "temp", "temporary", "or", "distinct")

// LooksLikeStatement reports whether q is SQL rather than a question.
// Such text never goes through intent classification; it is validated
// as-is and almost always rejected.
func LooksLikeStatement(q string) bool {
	q = strings.TrimSpace(q)
	if q == "" {
		return false
	}
	if strings.HasPrefix(q, "/*") || strings.HasPrefix(q, "--") || strings.HasPrefix(q, "#") {
		return true
	}
	words := strings.Fields(strings.ToLower(q))
	first := strings.TrimLeft(words[0], "(")
	if sqlOnlyVerbs[first] {
		return true
	}
	if !sqlVerbs[first] {
		return false
	}
	if _, err := sqlparser.Parse(q); err == nil {
		return true
	}
	return len(words) > 1 && sqlObjects[strings.Trim(words[1], ";(*")]
}
