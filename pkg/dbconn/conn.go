package dbconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"

	"github.com/block/directshard/pkg/shardkey"
)

var (
	errConnClosed   = errors.New("connection is closed")
	errTxInProgress = errors.New("transaction already in progress")
)

// Conn is a checked-out physical connection. It remembers the shard
// binding applied to it for as long as it is checked out: the first bind
// applies the binding through the Binder, binding again to the same
// shard is a no-op, and binding to any other shard is refused.
//
// Conn is owned by the unit of work that acquired it and is not safe for
// use by concurrent callers; the mutex only protects the binding state.
type Conn struct {
	raw    *sql.Conn
	binder Binder

	mu        sync.Mutex
	binding   shardkey.Binding
	bound     bool
	tx        *sql.Tx
	txOpts    *sql.TxOptions
	txPending bool
	closed    bool
}

// NewConn wraps a physical connection. binder may be nil when the
// connection is never used for sharded work; binding it then fails.
func NewConn(raw *sql.Conn, binder Binder) *Conn {
	return &Conn{raw: raw, binder: binder}
}

// CurrentBinding returns the binding applied to this connection, if any.
func (c *Conn) CurrentBinding() (shardkey.Binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding, c.bound
}

// BindShardingKey binds the connection to b. It returns an error
// matching shardkey.ErrCrossShardBinding if the connection is already
// bound to a different shard; in that case the existing binding is kept.
// Any other error comes from the Binder and leaves the connection unbound.
func (c *Conn) BindShardingKey(ctx context.Context, b shardkey.Binding) error {
	if b.Key.IsZero() {
		return &shardkey.Error{Kind: shardkey.KindInvalidArgument, Op: "bind", Err: errors.New("sharding key is required")}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if c.bound {
		if c.binding.Equal(b) {
			return nil
		}
		return &shardkey.Error{
			Kind: shardkey.KindBindingConflict,
			Op:   "bind",
			Err:  fmt.Errorf("connection is bound to shard %q, cannot serve shard %q", c.binding, b),
		}
	}
	if c.binder == nil {
		return errors.New("connection has no binder")
	}
	if err := c.binder.Bind(ctx, c.raw, b); err != nil {
		return err
	}
	c.binding = b
	c.bound = true
	return nil
}

// reset rolls back any open transaction and undoes the session-level
// effect of a binding before the connection goes back to the pool.
func (c *Conn) reset(ctx context.Context) error {
	c.mu.Lock()
	tx := c.tx
	bound := c.bound
	c.tx = nil
	c.txPending = false
	c.bound = false
	c.binding = shardkey.Binding{}
	c.mu.Unlock()
	var rbErr error
	if tx != nil {
		if rbErr = tx.Rollback(); rbErr != nil {
			rbErr = fmt.Errorf("rollback before reset: %w", rbErr)
		}
	}
	if !bound {
		return rbErr
	}
	return errors.Join(rbErr, c.binder.Reset(ctx, c.raw))
}

// discard marks the physical connection as bad so database/sql closes it
// instead of returning it to the idle pool.
func (c *Conn) discard() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tx := c.tx
	c.tx = nil
	c.txPending = false
	c.mu.Unlock()
	if tx != nil {
		_ = tx.Rollback()
	}
	_ = c.raw.Raw(func(any) error {
		return driver.ErrBadConn
	})
}

// BeginTx starts a transaction; statements run through the connection
// join it until Commit or Rollback.
func (c *Conn) BeginTx(ctx context.Context, opts *sql.TxOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil || c.txPending {
		return errTxInProgress
	}
	tx, err := c.raw.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

// BeginTxLazy marks a transaction that the first statement run through
// the connection starts. A shard binding applied before that statement
// therefore precedes BEGIN on the session.
func (c *Conn) BeginTxLazy(opts *sql.TxOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil || c.txPending {
		return errTxInProgress
	}
	c.txOpts = opts
	c.txPending = true
	return nil
}

// Commit commits the transaction. A lazy transaction that never ran a
// statement has nothing to commit.
func (c *Conn) Commit() error {
	tx, pending := c.takeTx()
	if tx == nil {
		if pending {
			return nil
		}
		return sql.ErrTxDone
	}
	return tx.Commit()
}

func (c *Conn) Rollback() error {
	tx, pending := c.takeTx()
	if tx == nil {
		if pending {
			return nil
		}
		return sql.ErrTxDone
	}
	return tx.Rollback()
}

// InTx reports whether a transaction is in progress or pending.
func (c *Conn) InTx() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil || c.txPending
}

func (c *Conn) takeTx() (*sql.Tx, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, pending := c.tx, c.txPending
	c.tx = nil
	c.txPending = false
	return tx, pending
}

// activeTx returns the open transaction, starting a pending one first.
func (c *Conn) activeTx(ctx context.Context) (*sql.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil || !c.txPending {
		return c.tx, nil
	}
	// The transaction outlives the statement that starts it.
	tx, err := c.raw.BeginTx(context.WithoutCancel(ctx), c.txOpts)
	if err != nil {
		return nil, err
	}
	c.tx = tx
	c.txPending = false
	return tx, nil
}

func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	tx, err := c.activeTx(ctx)
	if err != nil {
		return nil, err
	}
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return c.raw.ExecContext(ctx, query, args...)
}

func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	tx, err := c.activeTx(ctx)
	if err != nil {
		return nil, err
	}
	if tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return c.raw.QueryContext(ctx, query, args...)
}

// Row is the result of QueryRowContext.
type Row struct {
	row *sql.Row
	err error
}

func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

func (r *Row) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.row.Err()
}

// QueryRowContext runs a query expected to return at most one row.
// Errors are deferred until Scan.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	tx, err := c.activeTx(ctx)
	if err != nil {
		return &Row{err: err}
	}
	if tx != nil {
		return &Row{row: tx.QueryRowContext(ctx, query, args...)}
	}
	return &Row{row: c.raw.QueryRowContext(ctx, query, args...)}
}

// Close rolls back any open transaction and returns the physical
// connection to database/sql. Most callers should release through the
// Pool they acquired from instead.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tx := c.tx
	c.tx = nil
	c.txPending = false
	c.mu.Unlock()
	var err error
	if tx != nil {
		err = tx.Rollback()
	}
	return errors.Join(err, c.raw.Close())
}
