// Package pgexec runs query templates against PostgreSQL inside read-only transactions.
package pgexec

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Kristopherlb/harmony-sub001/internal/catalog"
	"github.com/Kristopherlb/harmony-sub001/internal/params"
	"github.com/Kristopherlb/harmony-sub001/internal/sqlrunner"
)

var placeholderRe = regexp.MustCompile(`(^|[^:]):([A-Za-z_][A-Za-z0-9_]*)`)

// TxBeginner is satisfied by *pgxpool.Pool and pgx.Conn.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Executor implements sqlrunner.QueryExecutor.
type Executor struct {
	db      TxBeginner
	maxRows int
}

// New returns an Executor; maxRows <= 0 means unlimited.
func New(db TxBeginner, maxRows int) *Executor {
	return &Executor{db: db, maxRows: maxRows}
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Execute binds the template placeholders to positional arguments and runs it read-only.
func (e *Executor) Execute(ctx context.Context, tmpl catalog.QueryTemplate, values map[string]any) (sqlrunner.ResultSet, error) {
	sql, args, err := Bind(tmpl.SQL, tmpl.Params, values)
	if err != nil {
		return sqlrunner.ResultSet{}, err
	}

	tx, err := e.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return sqlrunner.ResultSet{}, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return sqlrunner.ResultSet{}, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	out := []map[string]any{}
	for rows.Next() {
		if e.maxRows > 0 && len(out) >= e.maxRows {
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return sqlrunner.ResultSet{}, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return sqlrunner.ResultSet{}, fmt.Errorf("read rows: %w", err)
	}
	return sqlrunner.ResultSet{Columns: columns, Rows: out, RowCount: len(out)}, nil
}

// Bind rewrites :name placeholders into $n and returns the typed arguments.
// A placeholder used twice reuses the same position.
func Bind(sql string, specs []params.Spec, values map[string]any) (string, []any, error) {
	types := make(map[string]params.Type, len(specs))
	for _, s := range specs {
		types[s.Name] = s.Type
	}

	var (
		b         strings.Builder
		args      []any
		positions = map[string]int{}
		last      int
	)
	for _, m := range placeholderRe.FindAllStringSubmatchIndex(sql, -1) {
		nameStart, nameEnd := m[4], m[5]
		name := sql[nameStart:nameEnd]
		typ, declared := types[name]
		if !declared {
			return "", nil, fmt.Errorf("placeholder :%s has no declared param", name)
		}
		pos, seen := positions[name]
		if !seen {
			arg, err := convert(typ, values[name])
			if err != nil {
				return "", nil, fmt.Errorf("param %s: %w", name, err)
			}
			args = append(args, arg)
			pos = len(args)
			positions[name] = pos
		}
		b.WriteString(sql[last : nameStart-1])
		fmt.Fprintf(&b, "$%d", pos)
		last = nameEnd
	}
	b.WriteString(sql[last:])
	return b.String(), args, nil
}

func convert(typ params.Type, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch typ {
	case params.TypeNumber:
		f, ok := params.AsNumber(value)
		if !ok {
			return nil, fmt.Errorf("not a number")
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), nil
		}
		return f, nil
	case params.TypeBoolean:
		v, ok := params.AsBool(value)
		if !ok {
			return nil, fmt.Errorf("not a boolean")
		}
		return v, nil
	default:
		return fmt.Sprint(value), nil
	}
}
