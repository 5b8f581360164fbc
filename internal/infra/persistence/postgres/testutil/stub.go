// Package testutil provides a stub database/sql driver for postgres store
// tests. It understands the handful of statement shapes the entity store
// issues (CREATE, INSERT with ON CONFLICT, conditional UPDATE and DELETE,
// SELECT with equality predicates and ORDER BY) over in-memory tables, and
// rolls a transaction back by restoring the table snapshot taken at BEGIN.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var stubSeq atomic.Uint64

// StubConn records statements and holds the in-memory tables.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Tables     map[string][]map[string]any
	FailExec   bool
	FailBegin  bool
	RowsErr    error
	FailTables map[string]bool
	FailCommit bool
	// ExecErrors are returned, in order, by the next statements run inside a
	// transaction.
	ExecErrors []error
	Commits    int
	Rollbacks  int
	snapshot   map[string][]map[string]any
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]map[string]any)}
	name := fmt.Sprintf("stubpg%d-%d", time.Now().UnixNano(), stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	// every pooled connection shares the same tables
	db.SetMaxOpenConns(1)
	return db, conn
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailExec {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	c.snapshot = cloneTables(c.Tables)
	return &stubTx{conn: c}, nil
}

// Rows returns a copy of the rows of table.
func (c *StubConn) Rows(table string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneTables(map[string][]map[string]any{table: c.Tables[table]})[table]
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	if c.snapshot != nil && len(c.ExecErrors) > 0 {
		err := c.ExecErrors[0]
		c.ExecErrors = c.ExecErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	if c.Tables == nil {
		c.Tables = make(map[string][]map[string]any)
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "INSERT INTO"):
		return c.insert(query, args)
	case strings.HasPrefix(upper, "UPDATE "):
		return c.update(query, args)
	case strings.HasPrefix(upper, "DELETE FROM"):
		return c.delete(query, args)
	case strings.HasPrefix(upper, "TRUNCATE TABLE"):
		c.Tables = make(map[string][]map[string]any)
		return driver.RowsAffected(0), nil
	}
	return driver.RowsAffected(0), nil
}

func (c *StubConn) insert(query string, args []driver.NamedValue) (driver.Result, error) {
	table, cols, err := parseInsert(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables != nil && c.FailTables[table] {
		return nil, fmt.Errorf("exec fail for %s", table)
	}
	if len(cols) != len(args) {
		return nil, fmt.Errorf("column/arg mismatch for %s", table)
	}
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	primary := cols[0]
	for i, existing := range c.Tables[table] {
		if existing[primary] != row[primary] {
			continue
		}
		if strings.Contains(strings.ToUpper(query), "DO NOTHING") {
			return driver.RowsAffected(0), nil
		}
		c.Tables[table][i] = row
		return driver.RowsAffected(1), nil
	}
	c.Tables[table] = append(c.Tables[table], row)
	return driver.RowsAffected(1), nil
}

func (c *StubConn) update(query string, args []driver.NamedValue) (driver.Result, error) {
	table, set, where, err := parseUpdate(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables != nil && c.FailTables[table] {
		return nil, fmt.Errorf("exec fail for %s", table)
	}
	var n int64
	for _, row := range c.Tables[table] {
		ok, err := matches(row, where, args)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, p := range set {
			v, err := arg(args, p.param)
			if err != nil {
				return nil, err
			}
			row[p.col] = v
		}
		n++
	}
	return driver.RowsAffected(n), nil
}

func (c *StubConn) delete(query string, args []driver.NamedValue) (driver.Result, error) {
	table, where, err := parseDelete(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables != nil && c.FailTables[table] {
		return nil, fmt.Errorf("exec fail for %s", table)
	}
	var kept []map[string]any
	var n int64
	for _, row := range c.Tables[table] {
		ok, err := matches(row, where, args)
		if err != nil {
			return nil, err
		}
		if ok {
			n++
			continue
		}
		kept = append(kept, row)
	}
	c.Tables[table] = kept
	return driver.RowsAffected(n), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Tables == nil {
		c.Tables = make(map[string][]map[string]any)
	}
	sel, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables != nil && c.FailTables[sel.table] {
		return nil, fmt.Errorf("query fail for %s", sel.table)
	}
	var picked []map[string]any
	for _, row := range c.Tables[sel.table] {
		ok, err := matches(row, sel.where, args)
		if err != nil {
			return nil, err
		}
		if ok {
			picked = append(picked, row)
		}
	}
	if sel.orderBy != "" {
		sort.SliceStable(picked, func(i, j int) bool {
			return fmt.Sprint(picked[i][sel.orderBy]) < fmt.Sprint(picked[j][sel.orderBy])
		})
	}
	values := make([][]driver.Value, 0, len(picked))
	for _, row := range picked {
		vals := make([]driver.Value, len(sel.cols))
		for i, col := range sel.cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{
		cols: sel.cols,
		rows: values,
		err:  c.RowsErr,
	}, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCommit {
		c.Tables, c.snapshot = c.snapshot, nil
		return fmt.Errorf("commit fail")
	}
	c.snapshot = nil
	c.Commits++
	return nil
}

func (t *stubTx) Rollback() error {
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot != nil {
		c.Tables = c.snapshot
	}
	c.snapshot = nil
	c.Rollbacks++
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func cloneTables(in map[string][]map[string]any) map[string][]map[string]any {
	out := make(map[string][]map[string]any, len(in))
	for table, rows := range in {
		cp := make([]map[string]any, len(rows))
		for i, row := range rows {
			cp[i] = maps.Clone(row)
		}
		out[table] = cp
	}
	return out
}

// predicate binds a column to a $n parameter.
type predicate struct {
	col   string
	param int
}

func matches(row map[string]any, where []predicate, args []driver.NamedValue) (bool, error) {
	for _, p := range where {
		v, err := arg(args, p.param)
		if err != nil {
			return false, err
		}
		if row[p.col] != v {
			return false, nil
		}
	}
	return true, nil
}

func arg(args []driver.NamedValue, param int) (driver.Value, error) {
	if param < 1 || param > len(args) {
		return nil, fmt.Errorf("missing arg $%d", param)
	}
	return args[param-1].Value, nil
}

// parseBindings parses "a = $1, b = $2" (sep ",") or "a = $1 AND b = $2"
// (sep "AND").
func parseBindings(raw, sep string) ([]predicate, error) {
	var parts []string
	if sep == "," {
		parts = strings.Split(raw, ",")
	} else {
		parts = splitFold(raw, " "+sep+" ")
	}
	out := make([]predicate, 0, len(parts))
	for _, part := range parts {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("cannot parse binding: %s", part)
		}
		param := strings.TrimSpace(kv[1])
		if !strings.HasPrefix(param, "$") {
			return nil, fmt.Errorf("unsupported binding value: %s", param)
		}
		n, err := strconv.Atoi(param[1:])
		if err != nil {
			return nil, fmt.Errorf("cannot parse placeholder %s: %w", param, err)
		}
		out = append(out, predicate{col: strings.ToLower(strings.TrimSpace(kv[0])), param: n})
	}
	return out, nil
}

func splitFold(s, sep string) []string {
	var out []string
	upper := strings.ToUpper(s)
	sep = strings.ToUpper(sep)
	for {
		idx := strings.Index(upper, sep)
		if idx == -1 {
			return append(out, s)
		}
		out = append(out, s[:idx])
		s, upper = s[idx+len(sep):], upper[idx+len(sep):]
	}
}

// cutFold splits s around the first case-insensitive occurrence of sep.
func cutFold(s, sep string) (string, string, bool) {
	idx := strings.Index(strings.ToUpper(s), strings.ToUpper(sep))
	if idx == -1 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}

func parseInsert(query string) (string, []string, error) {
	up := strings.ToUpper(query)
	intoIdx := strings.Index(up, "INTO ")
	if intoIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	rest := strings.TrimSpace(query[intoIdx+len("INTO "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:open]))
	cols := splitColumns(rest[open+1 : closeIdx])
	return table, cols, nil
}

func parseUpdate(query string) (string, []predicate, []predicate, error) {
	rest := strings.TrimSpace(query)[len("UPDATE "):]
	table, rest, ok := cutFold(rest, " SET ")
	if !ok {
		return "", nil, nil, fmt.Errorf("cannot parse update: %s", query)
	}
	assignments, condition, ok := cutFold(rest, " WHERE ")
	if !ok {
		return "", nil, nil, fmt.Errorf("cannot parse update: %s", query)
	}
	set, err := parseBindings(assignments, ",")
	if err != nil {
		return "", nil, nil, err
	}
	where, err := parseBindings(condition, "AND")
	if err != nil {
		return "", nil, nil, err
	}
	return strings.ToLower(strings.TrimSpace(table)), set, where, nil
}

func parseDelete(query string) (string, []predicate, error) {
	rest := strings.TrimSpace(query)[len("DELETE FROM "):]
	table, condition, ok := cutFold(rest, " WHERE ")
	if !ok {
		return "", nil, fmt.Errorf("cannot parse delete: %s", query)
	}
	where, err := parseBindings(condition, "AND")
	if err != nil {
		return "", nil, err
	}
	return strings.ToLower(strings.TrimSpace(table)), where, nil
}

type selectStmt struct {
	table   string
	cols    []string
	where   []predicate
	orderBy string
}

func parseSelect(query string) (selectStmt, error) {
	trimmed := strings.TrimSpace(query)
	if !strings.HasPrefix(strings.ToLower(trimmed), "select ") {
		return selectStmt{}, fmt.Errorf("cannot parse select: %s", query)
	}
	cols, rest, ok := cutFold(trimmed[len("select "):], " FROM ")
	if !ok {
		return selectStmt{}, fmt.Errorf("cannot parse select: %s", query)
	}
	var sel selectStmt
	sel.cols = splitColumns(cols)
	rest, order, hasOrder := cutFold(rest, " ORDER BY ")
	if hasOrder {
		sel.orderBy = strings.ToLower(strings.Fields(order)[0])
	}
	table, condition, hasWhere := cutFold(rest, " WHERE ")
	if hasWhere {
		where, err := parseBindings(condition, "AND")
		if err != nil {
			return selectStmt{}, err
		}
		sel.where = where
	}
	fields := strings.Fields(table)
	if len(fields) == 0 {
		return selectStmt{}, fmt.Errorf("cannot parse select: %s", query)
	}
	sel.table = strings.ToLower(fields[0])
	return sel, nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}
