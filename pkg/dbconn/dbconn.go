// Package dbconn contains the shard-aware connection layer: the owned
// connection handle, pools, shard binders and the statement helpers that
// acquire connections through a ShardAwareProvider.
package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/block/directshard/pkg/metrics"
	"github.com/block/directshard/pkg/shardkey"
	"github.com/go-sql-driver/mysql"
)

const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errCannotConnect   = 2003
	errConnLost        = 2013
	errReadOnly        = 1290
	errQueryKilled     = 1836
)

// canRetryError looks at the MySQL error and decides if it is considered
// a permanent failure or not. For simplicity a "retryable" error means
// rollback the transaction and start the transaction again.
// Errors classified by shardkey (binding conflicts, acquisition failures)
// are never retried.
func canRetryError(err error) bool {
	if shardkey.KindOf(err) != shardkey.KindCaller {
		return false
	}
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case errLockWaitTimeout, errDeadlock, errCannotConnect,
		errConnLost, errReadOnly, errQueryKilled:
		return true
	default:
		return false
	}
}

// RetryableTransaction runs all statements in one transaction on a
// connection from provider, retrying if a statement errors with a
// retryable error, or there is a deadlock. It will retry up to
// config.MaxRetries times; a value below 1 still makes one attempt.
// When ctx carries a shard scope, every attempt runs on that shard.
func RetryableTransaction(ctx context.Context, provider *ShardAwareProvider, config *DBConfig, stmts ...string) (int64, error) {
	var (
		err          error
		rowsAffected int64
		isFatal      bool
	)
	attempts := max(config.MaxRetries, 1)
	for i := range attempts {
		rowsAffected = 0
		func() {
			var conn *Conn
			if conn, err = provider.GetConnection(ctx); err != nil {
				isFatal = true
				return
			}
			defer func() {
				if relErr := provider.ReleaseConnection(ctx, conn); relErr != nil {
					provider.logger.WarnContext(ctx, "failed to release connection", "error", relErr)
				}
			}()
			// Inside an enclosing transaction the statements join it
			// and cannot be retried on their own.
			joined := conn.InTx()
			if !joined {
				if err = conn.BeginTx(ctx, nil); err != nil {
					isFatal = !canRetryError(err)
					return
				}
			}
			// If anything was non successful as we exit
			// then rollback before either retrying or finishing up
			// If we are going to retry, then backoff first.
			defer func() {
				if err != nil && !joined {
					_ = conn.Rollback()
					if i < attempts-1 && !isFatal {
						metrics.Send(ctx, provider.metrics, provider.logger, metrics.Counter(metrics.TransactionRetriesMetricName, 1))
						backoff(i)
					}
				}
			}()
			for _, stmt := range stmts {
				if stmt == "" {
					continue
				}
				var res sql.Result
				if res, err = conn.ExecContext(ctx, stmt); err != nil {
					if joined || !canRetryError(err) {
						isFatal = true
					}
					return
				}
				// Some statements don't support affected rows,
				// and that's absolutely fine!
				if count, errC := res.RowsAffected(); errC == nil {
					rowsAffected += count
				}
			}
			if !joined {
				err = conn.Commit()
			}
		}()
		if isFatal || err == nil {
			return rowsAffected, err
		}
	}
	// We've exhausted retries and the error is non-nil
	// return the last error
	return rowsAffected, err
}

// backoff sleeps a few milliseconds before retrying.
func backoff(i int) {
	randFactor := i * rand.Intn(10) * int(time.Millisecond)
	time.Sleep(time.Duration(randFactor))
}

// Exec runs a statement that returns no rows on a connection from provider.
func Exec(ctx context.Context, provider *ShardAwareProvider, stmt string, args ...any) (sql.Result, error) {
	conn, err := provider.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if relErr := provider.ReleaseConnection(ctx, conn); relErr != nil {
			provider.logger.WarnContext(ctx, "failed to release connection", "error", relErr)
		}
	}()
	return conn.ExecContext(ctx, stmt, args...)
}

// Query runs a query on a connection from provider and passes the rows to
// fn. The rows are closed after fn returns; their iteration error, if any,
// is returned.
func Query(ctx context.Context, provider *ShardAwareProvider, fn func(*sql.Rows) error, stmt string, args ...any) (err error) {
	conn, err := provider.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := provider.ReleaseConnection(ctx, conn); relErr != nil {
			provider.logger.WarnContext(ctx, "failed to release connection", "error", relErr)
		}
	}()
	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err = fn(rows); err != nil {
		return err
	}
	return rows.Err()
}
