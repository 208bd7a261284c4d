package security

import (
	"sort"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/yeager620/savant-ai-sub000/internal/errs"
)

// scope resolves table qualifiers and output aliases for one SELECT.
// Subqueries see their enclosing scopes.
type scope struct {
	parent  *scope
	tables  map[string]string          // name or alias -> base table
	derived map[string]map[string]bool // derived-table alias -> exposed columns
	aliases map[string]bool            // select-list aliases
}

func newScope(parent *scope) *scope {
	return &scope{
		parent:  parent,
		tables:  map[string]string{},
		derived: map[string]map[string]bool{},
		aliases: map[string]bool{},
	}
}

type whitelistChecker struct {
	policy *Policy
	used   map[string]bool
}

// checkWhitelist returns the base tables stmt reads, or the first
// ForbiddenTable/ForbiddenColumn violation.
func checkWhitelist(p *Policy, stmt sqlparser.Statement) ([]string, error) {
	c := &whitelistChecker{policy: p, used: map[string]bool{}}
	if _, err := c.statement(stmt, nil); err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(c.used))
	for t := range c.used {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables, nil
}

// statement checks a SELECT-like node and returns its output column names.
func (c *whitelistChecker) statement(stmt sqlparser.SQLNode, parent *scope) (map[string]bool, error) {
	switch s := stmt.(type) {
	case *sqlparser.Select:
		return c.selectStmt(s, parent)
	case *sqlparser.ParenSelect:
		return c.statement(s.Select, parent)
	case *sqlparser.Union:
		left, err := c.statement(s.Left, parent)
		if err != nil {
			return nil, err
		}
		if _, err := c.statement(s.Right, parent); err != nil {
			return nil, err
		}
		sc := newScope(parent)
		sc.aliases = left
		for _, o := range s.OrderBy {
			if err := c.expr(o.Expr, sc); err != nil {
				return nil, err
			}
		}
		return left, nil
	}
	return nil, errs.New(errs.NotReadOnly, "only SELECT statements are allowed")
}

func (c *whitelistChecker) selectStmt(sel *sqlparser.Select, parent *scope) (map[string]bool, error) {
	sc := newScope(parent)
	var joins []sqlparser.SQLNode
	for _, te := range sel.From {
		on, err := c.tableExpr(te, sc)
		if err != nil {
			return nil, err
		}
		joins = append(joins, on...)
	}

	// Aliases resolve only in GROUP BY, HAVING and ORDER BY; the select
	// list, ON and WHERE see table columns alone.
	outputs := map[string]bool{}
	aliases := map[string]bool{}
	for _, se := range sel.SelectExprs {
		switch e := se.(type) {
		case *sqlparser.StarExpr:
			return nil, errs.New(errs.ForbiddenColumn, "wildcard projections are not allowed")
		case *sqlparser.AliasedExpr:
			if !e.As.IsEmpty() {
				name := e.As.Lowered()
				if err := c.checkAlias(name, sc); err != nil {
					return nil, err
				}
				aliases[name] = true
				outputs[name] = true
			} else if col, ok := e.Expr.(*sqlparser.ColName); ok {
				outputs[col.Name.Lowered()] = true
			}
			if err := c.expr(e.Expr, sc); err != nil {
				return nil, err
			}
		default:
			return nil, errs.New(errs.ForbiddenColumn, "unsupported select expression")
		}
	}

	for _, e := range joins {
		if err := c.expr(e, sc); err != nil {
			return nil, err
		}
	}
	if sel.Where != nil {
		if err := c.expr(sel.Where.Expr, sc); err != nil {
			return nil, err
		}
	}

	sc.aliases = aliases
	for _, e := range sel.GroupBy {
		if err := c.expr(e, sc); err != nil {
			return nil, err
		}
	}
	if sel.Having != nil {
		if err := c.expr(sel.Having.Expr, sc); err != nil {
			return nil, err
		}
	}
	for _, o := range sel.OrderBy {
		if err := c.expr(o.Expr, sc); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

// checkAlias rejects an output alias that names a real column of any base
// table in scope. SQLite prefers the table column over the alias when
// resolving a bare name, so such an alias would hide a column read.
func (c *whitelistChecker) checkAlias(name string, sc *scope) error {
	for s := sc; s != nil; s = s.parent {
		for _, base := range s.tables {
			if c.policy.HasColumn(base, name) {
				return errs.New(errs.ForbiddenColumn, "alias %s shadows a column of %s", name, base)
			}
		}
	}
	return nil
}

// tableExpr registers the tables of a FROM item and returns the join
// nodes to check once the whole FROM clause is in scope.
func (c *whitelistChecker) tableExpr(te sqlparser.TableExpr, sc *scope) ([]sqlparser.SQLNode, error) {
	switch t := te.(type) {
	case *sqlparser.AliasedTableExpr:
		alias := strings.ToLower(t.As.String())
		switch src := t.Expr.(type) {
		case sqlparser.TableName:
			if !src.Qualifier.IsEmpty() {
				return nil, errs.New(errs.ForbiddenTable, "qualified table names are not allowed")
			}
			name := strings.ToLower(src.Name.String())
			if !c.policy.TableAllowed(name) {
				return nil, errs.New(errs.ForbiddenTable, "table %s is not allowed", name)
			}
			c.used[name] = true
			sc.tables[name] = name
			if alias != "" {
				sc.tables[alias] = name
			}
		case *sqlparser.Subquery:
			cols, err := c.statement(src.Select, nil)
			if err != nil {
				return nil, err
			}
			if alias == "" {
				return nil, errs.New(errs.ForbiddenTable, "derived tables need an alias")
			}
			sc.derived[alias] = cols
		default:
			return nil, errs.New(errs.ForbiddenTable, "unsupported table expression")
		}
		return nil, nil
	case *sqlparser.ParenTableExpr:
		var on []sqlparser.SQLNode
		for _, inner := range t.Exprs {
			more, err := c.tableExpr(inner, sc)
			if err != nil {
				return nil, err
			}
			on = append(on, more...)
		}
		return on, nil
	case *sqlparser.JoinTableExpr:
		if _, err := c.tableExpr(t.LeftExpr, sc); err != nil {
			return nil, err
		}
		if _, err := c.tableExpr(t.RightExpr, sc); err != nil {
			return nil, err
		}
		// The join node itself is walked later so its ON condition is
		// checked with both sides in scope.
		return []sqlparser.SQLNode{t}, nil
	}
	return nil, errs.New(errs.ForbiddenTable, "unsupported table expression")
}

// expr checks every column and function reference in e. Subqueries are
// checked in a child scope.
func (c *whitelistChecker) expr(e sqlparser.SQLNode, sc *scope) error {
	return sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.Subquery:
			_, err := c.statement(n.Select, sc)
			return false, err
		case *sqlparser.ColName:
			return false, c.column(n, sc)
		case sqlparser.Columns:
			if len(n) > 0 {
				return false, errs.New(errs.ForbiddenColumn, "USING joins are not allowed")
			}
		case *sqlparser.FuncExpr:
			if !n.Qualifier.IsEmpty() {
				return false, errs.New(errs.ForbiddenColumn, "qualified functions are not allowed")
			}
			name := n.Name.Lowered()
			if !safeFuncs[name] && !probeFuncs[name] && !timingFuncs[name] {
				return false, errs.New(errs.ForbiddenColumn, "function %s is not allowed", name)
			}
		}
		return true, nil
	}, e)
}

func (c *whitelistChecker) column(col *sqlparser.ColName, sc *scope) error {
	name := col.Name.Lowered()
	if !col.Qualifier.Qualifier.IsEmpty() {
		return errs.New(errs.ForbiddenColumn, "qualified column %s is not allowed", name)
	}
	if q := strings.ToLower(col.Qualifier.Name.String()); q != "" {
		for s := sc; s != nil; s = s.parent {
			if base, ok := s.tables[q]; ok {
				if c.policy.ColumnAllowed(base, name) {
					return nil
				}
				return errs.New(errs.ForbiddenColumn, "column %s.%s is not allowed", base, name)
			}
			if cols, ok := s.derived[q]; ok {
				if cols[name] {
					return nil
				}
				return errs.New(errs.ForbiddenColumn, "column %s.%s is not allowed", q, name)
			}
		}
		return errs.New(errs.ForbiddenTable, "unknown table %s", q)
	}

	for s := sc; s != nil; s = s.parent {
		if s.aliases[name] {
			return nil
		}
		for _, base := range s.tables {
			if c.policy.ColumnAllowed(base, name) {
				return nil
			}
		}
		for _, cols := range s.derived {
			if cols[name] {
				return nil
			}
		}
	}
	return errs.New(errs.ForbiddenColumn, "column %s is not allowed", name)
}
