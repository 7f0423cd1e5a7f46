package trace

import (
	"context"
	"database/sql/driver"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/veyra/ghostwork/kit"
)

const (
	// PRAGMA faster than this is connection-pool setup noise, not workload.
	pragmaFloor = 10 * time.Millisecond
	// Statements slower than this log at Warn instead of Debug.
	slowThreshold = 100 * time.Millisecond
)

// TracingDriver wraps the modernc.org/sqlite driver, intercepting every
// Exec and Query at the database/sql/driver level.
//
// Registered as "sqlite-trace" in init(). Open connections with
// sql.Open("sqlite-trace", path) to get automatic tracing.
type TracingDriver struct {
	driver.Driver
}

func (d *TracingDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &tracedConn{Conn: conn}, nil
}

type tracedConn struct {
	driver.Conn
}

func (c *tracedConn) Prepare(query string) (driver.Stmt, error) {
	stmt, err := c.Conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &tracedStmt{Stmt: stmt, query: query}, nil
}

func (c *tracedConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	pc, ok := c.Conn.(driver.ConnPrepareContext)
	if !ok {
		return c.Prepare(query)
	}
	stmt, err := pc.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return &tracedStmt{Stmt: stmt, query: query}, nil
}

func (c *tracedConn) Begin() (driver.Tx, error) {
	return c.Conn.Begin()
}

func (c *tracedConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bt, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bt.BeginTx(ctx, opts)
	}
	return c.Conn.Begin()
}

// ExecContext handles the direct (non-prepared) path. Returning ErrSkip
// hands the statement back to database/sql, which retries through
// Prepare where tracedStmt picks it up — never observe twice.
func (c *tracedConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	ec, ok := c.Conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	done := stopwatch()
	res, err := ec.ExecContext(ctx, query, args)
	if !errors.Is(err, driver.ErrSkip) {
		observe(ctx, "Exec", query, done(), err)
	}
	return res, err
}

func (c *tracedConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	qc, ok := c.Conn.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	done := stopwatch()
	rows, err := qc.QueryContext(ctx, query, args)
	if !errors.Is(err, driver.ErrSkip) {
		observe(ctx, "Query", query, done(), err)
	}
	return rows, err
}

type tracedStmt struct {
	driver.Stmt
	query string
}

func (s *tracedStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	done := stopwatch()
	var (
		res driver.Result
		err error
	)
	if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		res, err = s.Stmt.Exec(flattenArgs(args))
	}
	observe(ctx, "Exec", s.query, done(), err)
	return res, err
}

func (s *tracedStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	done := stopwatch()
	var (
		rows driver.Rows
		err  error
	)
	if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		rows, err = s.Stmt.Query(flattenArgs(args))
	}
	observe(ctx, "Query", s.query, done(), err)
	return rows, err
}

func (s *tracedStmt) Exec(args []driver.Value) (driver.Result, error) {
	done := stopwatch()
	res, err := s.Stmt.Exec(args)
	observe(context.Background(), "Exec", s.query, done(), err)
	return res, err
}

func (s *tracedStmt) Query(args []driver.Value) (driver.Rows, error) {
	done := stopwatch()
	rows, err := s.Stmt.Query(args)
	observe(context.Background(), "Query", s.query, done(), err)
	return rows, err
}

func stopwatch() func() time.Duration {
	start := time.Now()
	return func() time.Duration { return time.Since(start) }
}

// observe logs one statement and, when a Store is installed, queues it
// for persistence. Fast successful PRAGMAs are skipped entirely.
func observe(ctx context.Context, op, query string, took time.Duration, err error) {
	if err == nil && took < pragmaFloor && strings.HasPrefix(query, "PRAGMA ") {
		return
	}

	rid := kit.GetRequestID(ctx)

	attrs := []slog.Attr{
		slog.String("component", "sql"),
		slog.String("op", op),
		slog.String("query", query),
		slog.Duration("duration", took),
	}
	if rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelError
		attrs = append(attrs, slog.String("error", err.Error()))
	case took > slowThreshold:
		level = slog.LevelWarn
	}
	slog.LogAttrs(ctx, level, "SQL", attrs...)

	st := getStore()
	if st == nil {
		return
	}
	e := &Entry{
		RequestID:  rid,
		Op:         op,
		Query:      query,
		DurationUs: took.Microseconds(),
		Timestamp:  time.Now().UnixMicro(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	st.RecordAsync(e)
}

func flattenArgs(named []driver.NamedValue) []driver.Value {
	vals := make([]driver.Value, len(named))
	for i, nv := range named {
		vals[i] = nv.Value
	}
	return vals
}
