package testutils

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

// Statement is one statement observed by a FakeDB connection.
type Statement struct {
	ConnID int
	Query  string
	Args   []any
}

// ExecHook decides the outcome of a statement. Returning a nil result uses
// driver.RowsAffected(1).
type ExecHook func(connID int, query string, args []driver.NamedValue) (driver.Result, error)

// QueryHook returns the columns and rows of a query.
type QueryHook func(connID int, query string, args []driver.NamedValue) (cols []string, rows [][]driver.Value, err error)

// FakeDB is an in-process database/sql driver that records every statement
// per physical connection. It is opened with sql.OpenDB so no driver
// registration or server is needed.
type FakeDB struct {
	mu         sync.Mutex
	nextID     int
	statements []Statement
	closed     map[int]bool
	connectErr error
	execHook   ExecHook
	queryHook  QueryHook
}

// NewFakeDB returns a *sql.DB backed by a new FakeDB.
func NewFakeDB(t *testing.T) (*sql.DB, *FakeDB) {
	t.Helper()
	f := &FakeDB{closed: make(map[int]bool)}
	db := sql.OpenDB(&fakeConnector{f: f})
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, f
}

// SetConnectError makes every new physical connection fail with err.
func (f *FakeDB) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *FakeDB) OnExec(h ExecHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execHook = h
}

func (f *FakeDB) OnQuery(h QueryHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryHook = h
}

// Statements returns a copy of everything executed so far.
func (f *FakeDB) Statements() []Statement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Statement(nil), f.statements...)
}

// Queries returns the query text of every statement, optionally restricted
// to a single connection (connID > 0).
func (f *FakeDB) Queries(connID int) []string {
	var out []string
	for _, s := range f.Statements() {
		if connID > 0 && s.ConnID != connID {
			continue
		}
		out = append(out, s.Query)
	}
	return out
}

// Opened returns the number of physical connections created.
func (f *FakeDB) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

// Closed reports whether the physical connection was closed (discarded).
func (f *FakeDB) Closed(connID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[connID]
}

func (f *FakeDB) record(connID int, query string, args []driver.NamedValue) {
	vals := make([]any, 0, len(args))
	for _, a := range args {
		vals = append(vals, a.Value)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statements = append(f.statements, Statement{ConnID: connID, Query: query, Args: vals})
}

type fakeConnector struct{ f *FakeDB }

func (c *fakeConnector) Connect(context.Context) (driver.Conn, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.connectErr != nil {
		return nil, c.f.connectErr
	}
	c.f.nextID++
	return &fakeConn{id: c.f.nextID, f: c.f}, nil
}

func (c *fakeConnector) Driver() driver.Driver { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(name string) (driver.Conn, error) {
	return nil, errors.New("fakeDriver.Open should not be called; use sql.OpenDB with connector")
}

type fakeConn struct {
	id int
	f  *FakeDB
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements are not supported by the fake driver")
}

func (c *fakeConn) Close() error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.closed[c.id] = true
	return nil
}

func (c *fakeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx records BEGIN, or the MySQL statements that carry non-default
// options, so tests can see which options reached the driver.
func (c *fakeConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if level := sql.IsolationLevel(opts.Isolation); level != sql.LevelDefault {
		stmt := "SET TRANSACTION ISOLATION LEVEL " + strings.ToUpper(level.String())
		if _, err := c.ExecContext(ctx, stmt, nil); err != nil {
			return nil, err
		}
	}
	begin := "BEGIN"
	if opts.ReadOnly {
		begin = "START TRANSACTION READ ONLY"
	}
	if _, err := c.ExecContext(ctx, begin, nil); err != nil {
		return nil, err
	}
	return &fakeTx{c: c}, nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.f.record(c.id, query, args)
	c.f.mu.Lock()
	h := c.f.execHook
	c.f.mu.Unlock()
	if h != nil {
		res, err := h(c.id, query, args)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return driver.RowsAffected(1), nil
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.f.record(c.id, query, args)
	c.f.mu.Lock()
	h := c.f.queryHook
	c.f.mu.Unlock()
	if h == nil {
		return &fakeRows{cols: []string{"1"}}, nil
	}
	cols, data, err := h(c.id, query, args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{cols: cols, data: data}, nil
}

type fakeTx struct{ c *fakeConn }

func (tx *fakeTx) Commit() error {
	_, err := tx.c.ExecContext(context.Background(), "COMMIT", nil)
	return err
}

func (tx *fakeTx) Rollback() error {
	_, err := tx.c.ExecContext(context.Background(), "ROLLBACK", nil)
	return err
}

type fakeRows struct {
	cols []string
	data [][]driver.Value
	i    int
}

func (r *fakeRows) Columns() []string { return append([]string(nil), r.cols...) }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.i >= len(r.data) {
		return io.EOF
	}
	row := r.data[r.i]
	for i := range dest {
		if i < len(row) {
			dest[i] = row[i]
		} else {
			dest[i] = nil
		}
	}
	r.i++
	return nil
}
