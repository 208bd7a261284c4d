package security

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xwb1989/sqlparser"
	"go.uber.org/zap"

	"github.com/yeager620/savant-ai-sub000/internal/errs"
)

// LimitParam is the parameter name used for injected result limits.
const LimitParam = "limit"

// Validated is a statement that passed every check. Only Validate seals
// one; the executor refuses anything else.
type Validated struct {
	SQL        string         `json:"sql"`
	Params     map[string]any `json:"params,omitempty"`
	Timeout    time.Duration  `json:"timeout"`
	Complexity int            `json:"complexity"`
	Bucket     Bucket         `json:"bucket"`
	Tables     []string       `json:"tables"`

	sealed bool
}

// Sealed reports whether v came out of Validate.
func (v *Validated) Sealed() bool { return v != nil && v.sealed }

func (v *Validated) String() string {
	return fmt.Sprintf("%s [%s/%d]", v.SQL, v.Bucket, v.Complexity)
}

// Validator runs the ordered checks.
type Validator struct {
	policy  *Policy
	limiter *RateLimiter
	log     *zap.Logger
}

// NewValidator returns a Validator sharing the given policy and limiter.
func NewValidator(p *Policy, rl *RateLimiter, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{policy: p, limiter: rl, log: log}
}

// Policy returns the validator's policy.
func (v *Validator) Policy() *Policy { return v.policy }

// Validate checks sql with its parameters on behalf of caller. params is
// not modified; the returned Validated carries its own copy.
func (v *Validator) Validate(caller, sql string, params map[string]any) (*Validated, error) {
	out, err := v.validate(caller, sql, params)
	if err != nil {
		v.log.Info("query rejected",
			zap.String("caller", caller),
			zap.String("kind", string(errs.KindOf(err))),
			zap.Error(err))
		return nil, err
	}
	return out, nil
}

func (v *Validator) validate(caller, sql string, params map[string]any) (*Validated, error) {
	lex, err := scanTokens(sql)
	if err != nil {
		return nil, err
	}
	stmt, err := readOnly(sql)
	if err != nil {
		return nil, err
	}

	tables, err := checkWhitelist(v.policy, stmt)
	if err != nil {
		return nil, err
	}

	if err := checkParameterization(stmt, lex.concat); err != nil {
		return nil, err
	}

	sql, params, err = v.boundResults(stmt, sql, params)
	if err != nil {
		return nil, err
	}

	score := Complexity(stmt)
	bucket := BucketFor(score)
	if v.limiter != nil {
		if err := v.limiter.Allow(caller, bucket); err != nil {
			return nil, err
		}
	}

	if err := checkTiming(stmt); err != nil {
		return nil, err
	}

	return &Validated{
		SQL:        sql,
		Params:     params,
		Timeout:    v.policy.Timeout,
		Complexity: score,
		Bucket:     bucket,
		Tables:     tables,
		sealed:     true,
	}, nil
}

// ─── Read-only ──────────────────────────────────────────────────────────────

type lexInfo struct {
	concat bool
}

// scanTokens rejects comments, lexer errors and anything after a
// statement terminator.
func scanTokens(sql string) (lexInfo, error) {
	var info lexInfo
	if strings.TrimSpace(sql) == "" {
		return info, errs.New(errs.NotReadOnly, "empty statement")
	}
	tkn := sqlparser.NewStringTokenizer(sql)
	terminated := false
	for {
		typ, val := tkn.Scan()
		switch {
		case typ == 0:
			return info, nil
		case typ == sqlparser.LEX_ERROR:
			return info, errs.New(errs.NotReadOnly, "statement does not tokenize")
		case typ == sqlparser.COMMENT:
			return info, errs.New(errs.NotReadOnly, "comments are not allowed")
		case typ == ';':
			terminated = true
			continue
		case terminated:
			return info, errs.New(errs.NotReadOnly, "multiple statements are not allowed")
		case typ == sqlparser.OR && len(val) == 0:
			// The tokenizer reports "||" as OR with no text; in SQLite it concatenates.
			info.concat = true
		}
	}
}

func readOnly(sql string) (sqlparser.Statement, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, errs.Wrap(errs.NotReadOnly, err, "statement is not a single read")
	}
	switch s := stmt.(type) {
	case *sqlparser.Select:
		if s.Lock != "" {
			return nil, errs.New(errs.NotReadOnly, "locking reads are not allowed")
		}
		return s, nil
	case *sqlparser.Union, *sqlparser.ParenSelect:
		return s, nil
	default:
		return nil, errs.New(errs.NotReadOnly, "only SELECT statements are allowed")
	}
}

// ─── Parameterization ───────────────────────────────────────────────────────

func checkParameterization(stmt sqlparser.Statement, concat bool) error {
	if concat {
		return errs.New(errs.RequiresParameterization, "string concatenation is not allowed")
	}
	return sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.SQLVal:
			switch n.Type {
			case sqlparser.StrVal, sqlparser.HexNum, sqlparser.HexVal, sqlparser.BitVal:
				return false, errs.New(errs.RequiresParameterization, "inline literal where a parameter is expected")
			}
		case *sqlparser.ComparisonExpr:
			if isConstant(n.Left) && isConstant(n.Right) {
				return false, errs.New(errs.RequiresParameterization, "constant comparison")
			}
		}
		return true, nil
	}, stmt)
}

func isConstant(e sqlparser.Expr) bool {
	switch n := e.(type) {
	case *sqlparser.SQLVal:
		return n.Type != sqlparser.ValArg
	case *sqlparser.NullVal, sqlparser.BoolVal:
		return true
	case *sqlparser.ParenExpr:
		return isConstant(n.Expr)
	}
	return false
}

// ─── Result bound ───────────────────────────────────────────────────────────

func limitOf(stmt sqlparser.Statement) **sqlparser.Limit {
	switch s := stmt.(type) {
	case *sqlparser.Select:
		return &s.Limit
	case *sqlparser.Union:
		return &s.Limit
	case *sqlparser.ParenSelect:
		return limitOf(s.Select)
	}
	return nil
}

// boundResults makes sure the statement returns at most MaxResults rows,
// injecting LIMIT :limit when absent.
func (v *Validator) boundResults(stmt sqlparser.Statement, sql string, in map[string]any) (string, map[string]any, error) {
	params := make(map[string]any, len(in)+1)
	for k, val := range in {
		params[k] = val
	}
	maxRows := v.policy.MaxResults

	lp := limitOf(stmt)
	if lp == nil {
		return "", nil, errs.New(errs.NotReadOnly, "unsupported statement shape")
	}
	if *lp == nil {
		params[LimitParam] = maxRows
		return strings.TrimRight(strings.TrimSpace(sql), "; \t\n") + " LIMIT :" + LimitParam, params, nil
	}

	lim := *lp
	val, ok := lim.Rowcount.(*sqlparser.SQLVal)
	if !ok {
		return "", nil, errs.New(errs.ResultLimitExceeded, "result limit must be a number or parameter")
	}
	switch val.Type {
	case sqlparser.ValArg:
		name := strings.TrimPrefix(string(val.Val), ":")
		n, present, err := intParam(params, name)
		if err != nil {
			return "", nil, err
		}
		if !present {
			params[name] = maxRows
			return sql, params, nil
		}
		if n < 0 {
			return "", nil, errs.New(errs.ResultLimitExceeded, "negative result limit")
		}
		if n > maxRows {
			if v.policy.HardCap {
				return "", nil, errs.New(errs.ResultLimitExceeded, "result limit %d exceeds maximum %d", n, maxRows)
			}
			params[name] = maxRows
		}
		return sql, params, nil
	case sqlparser.IntVal:
		n, err := strconv.Atoi(string(val.Val))
		if err != nil {
			return "", nil, errs.New(errs.ResultLimitExceeded, "result limit is not an integer")
		}
		if n <= maxRows {
			return sql, params, nil
		}
		if v.policy.HardCap {
			return "", nil, errs.New(errs.ResultLimitExceeded, "result limit %d exceeds maximum %d", n, maxRows)
		}
		lim.Rowcount = sqlparser.NewValArg([]byte(":" + LimitParam))
		params[LimitParam] = maxRows
		return sqlparser.String(stmt), params, nil
	}
	return "", nil, errs.New(errs.ResultLimitExceeded, "result limit must be a number or parameter")
}

func intParam(params map[string]any, name string) (int, bool, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch n := raw.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		return int(n), true, nil
	}
	return 0, false, errs.New(errs.ResultLimitExceeded, "result limit parameter %q is not a number", name)
}

// ─── Timing oracles ─────────────────────────────────────────────────────────

func checkTiming(stmt sqlparser.Statement) error {
	return sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.FuncExpr:
			if timingFuncs[n.Name.Lowered()] {
				return false, errs.New(errs.TimingAttackSuspected, "function %s is not allowed", n.Name.Lowered())
			}
		case *sqlparser.ComparisonExpr:
			if isProbe(n.Left, n.Right) || isProbe(n.Right, n.Left) {
				return false, errs.New(errs.TimingAttackSuspected, "character probe comparison")
			}
		case *sqlparser.RangeCond:
			if probeFunc(n.Left) {
				return false, errs.New(errs.TimingAttackSuspected, "character probe range")
			}
		case *sqlparser.CaseExpr:
			if containsProbe(n) {
				return false, errs.New(errs.TimingAttackSuspected, "conditional probe")
			}
		}
		return true, nil
	}, stmt)
}

// isProbe reports a probe function compared against a literal, or a
// nested probe (ascii(substr(...))) compared against anything.
func isProbe(fn, other sqlparser.Expr) bool {
	f, ok := fn.(*sqlparser.FuncExpr)
	if !ok || !probeFuncs[f.Name.Lowered()] {
		return false
	}
	return isConstant(other) || containsProbe(f.Exprs)
}

func probeFunc(e sqlparser.Expr) bool {
	f, ok := e.(*sqlparser.FuncExpr)
	return ok && probeFuncs[f.Name.Lowered()]
}

func containsProbe(nodes ...sqlparser.SQLNode) bool {
	found := false
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if f, ok := node.(*sqlparser.FuncExpr); ok && probeFuncs[f.Name.Lowered()] {
			found = true
			return false, nil
		}
		return !found, nil
	}, nodes...)
	return found
}
