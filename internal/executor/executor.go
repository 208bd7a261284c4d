// Package executor runs validated reads against the reader pool.
package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"time"

	"github.com/xwb1989/sqlparser"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/yeager620/savant-ai-sub000/internal/errs"
	"github.com/yeager620/savant-ai-sub000/internal/security"
)

// Querier is the read side of a *sql.DB.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Result is the full row set of one query.
type Result struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
	Elapsed  time.Duration    `json:"elapsed"`
}

// Executor bounds concurrent reads to the size of the reader pool.
type Executor struct {
	db    Querier
	slots *semaphore.Weighted
	log   *zap.Logger
}

// New returns an Executor allowing poolSize concurrent queries.
func New(db Querier, poolSize int, log *zap.Logger) *Executor {
	if poolSize <= 0 {
		poolSize = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{db: db, slots: semaphore.NewWeighted(int64(poolSize)), log: log}
}

// Run executes v within its timeout. Only values sealed by the validator
// are accepted. On timeout no rows are returned.
func (e *Executor) Run(ctx context.Context, v *security.Validated) (*Result, error) {
	if !v.Sealed() {
		return nil, errs.New(errs.Internal, "refusing to run an unvalidated query")
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, classify(ctx, err)
	}
	defer e.slots.Release(1)

	rows, err := e.db.QueryContext(ctx, v.SQL, bindArgs(v.SQL, v.Params)...)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer func() { _ = rows.Close() }()

	res, err := scan(rows)
	if err != nil {
		return nil, classify(ctx, err)
	}
	res.Elapsed = time.Since(start)
	e.log.Debug("query executed",
		zap.Int("rows", res.RowCount),
		zap.Duration("elapsed", res.Elapsed),
		zap.String("bucket", string(v.Bucket)))
	return res, nil
}

// bindArgs binds every named parameter the statement references. A
// referenced name missing from params is bound as NULL.
func bindArgs(query string, params map[string]any) []any {
	var args []any
	seen := map[string]bool{}
	tkn := sqlparser.NewStringTokenizer(query)
	for {
		typ, val := tkn.Scan()
		if typ == 0 || typ == sqlparser.LEX_ERROR {
			return args
		}
		if typ != sqlparser.VALUE_ARG {
			continue
		}
		name := strings.TrimPrefix(string(val), ":")
		if seen[name] {
			continue
		}
		seen[name] = true
		args = append(args, sql.Named(name, params[name]))
	}
}

func scan(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowCount = len(res.Rows)
	return res, nil
}

// classify maps a driver or context failure onto the error taxonomy.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.ExecutionTimeout, err, "query exceeded its time limit")
	}
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.Internal, err, "query cancelled")
	}
	if unavailable(err) {
		return errs.Wrap(errs.StorageUnavailable, err, "datastore unavailable")
	}
	return errs.Wrap(errs.Internal, err, "query failed")
}

func unavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"database is closed", "database is locked", "sqlite_busy", "unable to open", "disk i/o error"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
