// Package security is the gate every generated or raw query passes before
// it reaches the datastore.
//
// Validate parses the statement with a real SQL grammar and checks it in a
// fixed order, stopping at the first violation:
//
//  1. read-only: a single SELECT (or UNION of SELECTs), no comments
//  2. whitelist: every table, column and function is allowed
//  3. parameterization: no string, hex or bit literals, no concatenation,
//     no literal-to-literal comparisons
//  4. result bound: a LIMIT within the configured maximum
//  5. complexity and per-caller rate budget
//  6. timing oracles: sleeps, heavy functions, character probes
//  7. timeout assignment
package security

import (
	"sort"
	"strings"
	"time"

	"github.com/yeager620/savant-ai-sub000/internal/config"
)

// Policy is the immutable security configuration.
type Policy struct {
	tables     map[string]map[string]bool
	columns    map[string]map[string]bool // every stored column, whitelisted or not
	MaxResults int
	HardCap    bool
	Timeout    time.Duration
}

// NewPolicy builds a Policy from the loaded configuration.
func NewPolicy(cfg config.Config) *Policy {
	return &Policy{
		tables:     normalizeWhitelist(cfg.Whitelist),
		MaxResults: cfg.Query.MaxResults,
		HardCap:    cfg.Query.HardResultCap,
		Timeout:    cfg.Query.Timeout,
	}
}

func normalizeWhitelist(wl map[string][]string) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(wl))
	for table, cols := range wl {
		set := make(map[string]bool, len(cols))
		for _, c := range cols {
			set[strings.ToLower(c)] = true
		}
		out[strings.ToLower(table)] = set
	}
	return out
}

// WithSchema returns a copy of p that knows every column of the stored
// tables, including the ones the whitelist hides.
func (p *Policy) WithSchema(schema map[string][]string) *Policy {
	cp := *p
	cp.columns = normalizeWhitelist(schema)
	return &cp
}

// implicitColumns exist on every SQLite table without being declared.
var implicitColumns = setOf("rowid", "oid", "_rowid_")

// HasColumn reports whether table has a column called column, whether or
// not it is whitelisted.
func (p *Policy) HasColumn(table, column string) bool {
	column = strings.ToLower(column)
	table = strings.ToLower(table)
	return implicitColumns[column] || p.tables[table][column] || p.columns[table][column]
}

// TableAllowed reports whether table is whitelisted.
func (p *Policy) TableAllowed(table string) bool {
	_, ok := p.tables[strings.ToLower(table)]
	return ok
}

// ColumnAllowed reports whether table.column is whitelisted.
func (p *Policy) ColumnAllowed(table, column string) bool {
	return p.tables[strings.ToLower(table)][strings.ToLower(column)]
}

// Tables returns the whitelisted table names.
func (p *Policy) Tables() []string {
	out := make([]string, 0, len(p.tables))
	for t := range p.tables {
		out = append(out, t)
	}
	return out
}

// Schema returns the whitelisted tables with their sorted columns.
func (p *Policy) Schema() map[string][]string {
	out := make(map[string][]string, len(p.tables))
	for t, cols := range p.tables {
		list := make([]string, 0, len(cols))
		for c := range cols {
			list = append(list, c)
		}
		sort.Strings(list)
		out[t] = list
	}
	return out
}

// safeFuncs may appear anywhere in a query.
var safeFuncs = setOf("count", "sum", "avg", "min", "max", "total", "coalesce", "ifnull",
	"nullif", "round", "abs", "lower", "upper", "trim", "bm25", "date", "datetime", "strftime",
	"julianday", "group_concat")

// probeFuncs are harmless alone but form boolean probes when compared
// against a literal.
var probeFuncs = setOf("ascii", "unicode", "ord", "substr", "substring", "mid", "hex", "unhex",
	"length", "char_length", "instr", "left", "right")

// timingFuncs delay or burn CPU and are never allowed.
var timingFuncs = setOf("sleep", "pg_sleep", "benchmark", "waitfor", "randomblob", "zeroblob",
	"get_lock", "dbms_lock", "load_extension")

func setOf(names ...string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}
