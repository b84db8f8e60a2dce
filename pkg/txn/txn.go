// Package txn provides transaction scopes that pin one connection for
// their whole lifetime. Manager is a dbconn.Pool: place it beneath a
// dbconn.ShardAwareProvider and every connection requested inside Run is
// the same transactional connection.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/block/directshard/pkg/dbconn"
	"github.com/google/uuid"
)

type contextKey struct{ m *Manager }

type scope struct {
	id string

	mu   sync.Mutex
	conn *dbconn.Conn
	err  error
}

// Manager runs functions inside transactions on connections drawn from
// an underlying pool.
type Manager struct {
	pool   dbconn.Pool
	opts   *sql.TxOptions
	logger *slog.Logger
}

var _ dbconn.Pool = &Manager{}

func NewManager(pool dbconn.Pool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{pool: pool, logger: logger}
}

// SetTxOptions sets the isolation level and read-only flag of
// transactions started by Run.
func (m *Manager) SetTxOptions(opts *sql.TxOptions) {
	m.opts = opts
}

func (m *Manager) scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(contextKey{m}).(*scope)
	return s
}

// InTransaction reports whether ctx is inside a Run of this manager.
func (m *Manager) InTransaction(ctx context.Context) bool {
	return m.scopeFrom(ctx) != nil
}

// Acquire returns the transaction's connection when ctx is inside Run,
// acquiring it and marking its transaction on first use. Outside Run it
// acquires directly from the underlying pool.
func (m *Manager) Acquire(ctx context.Context) (*dbconn.Conn, error) {
	s := m.scopeFrom(ctx)
	if s == nil {
		return m.pool.Acquire(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, nil
	}
	if err := conn.BeginTxLazy(m.opts); err != nil {
		_ = m.pool.Release(ctx, conn)
		s.err = err
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

// Release is a no-op for the transaction's own connection; it is handed
// back when Run finishes. Other connections go to the underlying pool.
func (m *Manager) Release(ctx context.Context, conn *dbconn.Conn) error {
	if s := m.scopeFrom(ctx); s != nil {
		s.mu.Lock()
		owned := s.conn == conn
		s.mu.Unlock()
		if owned {
			return nil
		}
	}
	return m.pool.Release(ctx, conn)
}

// Run calls fn inside a transaction. If ctx is already inside a Run of
// this manager, fn joins that transaction. Otherwise the transaction
// commits when fn returns nil and rolls back when fn returns an error or
// panics; a panic is re-raised after the rollback.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if m.scopeFrom(ctx) != nil {
		return fn(ctx)
	}
	s := &scope{id: uuid.NewString()}
	ctx = context.WithValue(ctx, contextKey{m}, s)
	committed := false
	defer func() {
		if committed {
			return
		}
		r := recover()
		if rbErr := m.finish(ctx, s, false); rbErr != nil {
			m.logger.WarnContext(ctx, "failed to roll back transaction", "txn", s.id, "error", rbErr)
		}
		if r != nil {
			panic(r)
		}
	}()
	if err = fn(ctx); err != nil {
		return err
	}
	committed = true
	if err = m.finish(ctx, s, true); err != nil {
		return fmt.Errorf("commit transaction %s: %w", s.id, err)
	}
	return nil
}

// finish commits or rolls back the scope's transaction and returns its
// connection to the underlying pool.
func (m *Manager) finish(ctx context.Context, s *scope, commit bool) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	var err error
	if commit {
		err = conn.Commit()
		m.logger.DebugContext(ctx, "committed transaction", "txn", s.id, "error", err)
	} else {
		err = conn.Rollback()
		m.logger.DebugContext(ctx, "rolled back transaction", "txn", s.id)
	}
	if errors.Is(err, sql.ErrTxDone) {
		err = nil
	}
	return errors.Join(err, m.pool.Release(ctx, conn))
}
