package dbconn

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/block/directshard/pkg/shardkey"
	"github.com/block/directshard/pkg/testutils"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCanRetryError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&mysql.MySQLError{Number: errDeadlock}, true},
		{&mysql.MySQLError{Number: errLockWaitTimeout}, true},
		{fmt.Errorf("insert: %w", &mysql.MySQLError{Number: errConnLost}), true},
		{&mysql.MySQLError{Number: errReadOnly}, true},
		{&mysql.MySQLError{Number: 1062}, false}, // duplicate key
		{errors.New("boom"), false},
		{&shardkey.Error{Kind: shardkey.KindAcquisition, Err: &mysql.MySQLError{Number: errCannotConnect}}, false},
	}
	for i, tt := range tests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			assert.Equal(t, tt.want, canRetryError(tt.err))
		})
	}
}

func TestUseStatement(t *testing.T) {
	assert.Equal(t, "USE `commerce:-80`", useStatement("commerce:-80"))
	assert.Equal(t, "USE `we``ird`", useStatement("we`ird"))
}

func TestBinderTargets(t *testing.T) {
	schema := SchemaBinder{Prefix: "app_"}
	assert.Equal(t, "app_42", schema.Schema(shardkey.Binding{Key: shardkey.MustNew("42")}))
	assert.Equal(t, "app_eu_42", schema.Schema(shardkey.Binding{Key: shardkey.MustNew("42"), Super: shardkey.MustNew("eu")}))

	target, err := KeyspaceBinder{Keyspace: "commerce"}.target(shardkey.Binding{Key: shardkey.MustNew("-80")})
	require.NoError(t, err)
	assert.Equal(t, "commerce:-80", target)
	target, err = KeyspaceBinder{}.target(shardkey.Binding{Key: shardkey.MustNew("80-"), Super: shardkey.MustNew("customer")})
	require.NoError(t, err)
	assert.Equal(t, "customer:80-", target)
	_, err = KeyspaceBinder{}.target(shardkey.Binding{Key: shardkey.MustNew("80-")})
	assert.Error(t, err)
}

func TestRetryableTransaction(t *testing.T) {
	db, fake := testutils.NewFakeDB(t)
	provider := NewShardAwareProvider(NewDBPool(db, KeyspaceBinder{Keyspace: "commerce"}, nil), nil)

	stmts := []string{
		"INSERT INTO t1 VALUES (1)",
		"", // skipped
		"INSERT INTO t1 VALUES (2)",
	}
	rows, err := RetryableTransaction(scoped(t, "-80", ""), provider, NewDBConfig(), stmts...)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)
	assert.Equal(t, []string{
		"USE `commerce:-80`",
		"BEGIN",
		"INSERT INTO t1 VALUES (1)",
		"INSERT INTO t1 VALUES (2)",
		"COMMIT",
		"USE `commerce`",
	}, fake.Queries(0))
}

func TestRetryableTransactionRunsAtLeastOnce(t *testing.T) {
	db, fake := testutils.NewFakeDB(t)
	provider := NewShardAwareProvider(NewDBPool(db, KeyspaceBinder{Keyspace: "commerce"}, nil), nil)

	for _, retries := range []int{0, -1} {
		config := NewDBConfig()
		config.MaxRetries = retries
		rows, err := RetryableTransaction(scoped(t, "-80", ""), provider, config, "INSERT INTO t1 VALUES (1)")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows, "max retries %d", retries)
	}
	assert.Equal(t, []string{
		"USE `commerce:-80`", "BEGIN", "INSERT INTO t1 VALUES (1)", "COMMIT", "USE `commerce`",
		"USE `commerce:-80`", "BEGIN", "INSERT INTO t1 VALUES (1)", "COMMIT", "USE `commerce`",
	}, fake.Queries(0))
}

func TestRetryableTransactionRetriesDeadlock(t *testing.T) {
	db, fake := testutils.NewFakeDB(t)
	var attempts atomic.Int32
	fake.OnExec(func(connID int, query string, args []driver.NamedValue) (driver.Result, error) {
		if query == "UPDATE t1 SET b = 1" && attempts.Add(1) == 1 {
			return nil, &mysql.MySQLError{Number: errDeadlock, Message: "Deadlock found when trying to get lock"}
		}
		return nil, nil
	})
	provider := NewShardAwareProvider(NewDBPool(db, KeyspaceBinder{Keyspace: "commerce"}, nil), nil)

	_, err := RetryableTransaction(scoped(t, "-80", ""), provider, NewDBConfig(), "UPDATE t1 SET b = 1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, []string{
		"USE `commerce:-80`", "BEGIN", "UPDATE t1 SET b = 1", "ROLLBACK", "USE `commerce`",
		"USE `commerce:-80`", "BEGIN", "UPDATE t1 SET b = 1", "COMMIT", "USE `commerce`",
	}, fake.Queries(0))
}

func TestRetryableTransactionFatalError(t *testing.T) {
	db, fake := testutils.NewFakeDB(t)
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry '2' for key 'PRIMARY'"}
	fake.OnExec(func(connID int, query string, args []driver.NamedValue) (driver.Result, error) {
		if query == "INSERT INTO t1 VALUES (2)" {
			return nil, dup
		}
		return nil, nil
	})
	provider := NewShardAwareProvider(NewDBPool(db, nil, nil), nil)

	_, err := RetryableTransaction(t.Context(), provider, NewDBConfig(), "INSERT INTO t1 VALUES (2)")
	assert.ErrorIs(t, err, dup)
	assert.Equal(t, []string{"BEGIN", "INSERT INTO t1 VALUES (2)", "ROLLBACK"}, fake.Queries(0))
}

func TestRetryableTransactionAcquisitionFailure(t *testing.T) {
	db, fake := testutils.NewFakeDB(t)
	fake.SetConnectError(errors.New("too many connections"))
	provider := NewShardAwareProvider(NewDBPool(db, nil, nil), nil)

	_, err := RetryableTransaction(t.Context(), provider, NewDBConfig(), "SELECT 1")
	assert.ErrorIs(t, err, shardkey.ErrAcquisition)
}

func TestRetryableTransactionJoinsOpenTransaction(t *testing.T) {
	db, fake := testutils.NewFakeDB(t)
	raw, err := db.Conn(t.Context())
	require.NoError(t, err)
	conn := NewConn(raw, KeyspaceBinder{Keyspace: "commerce"})
	defer conn.Close()
	require.NoError(t, conn.BeginTx(t.Context(), nil))
	provider := NewShardAwareProvider(&staticPool{conn: conn}, nil)

	_, err = RetryableTransaction(scoped(t, "-80", ""), provider, NewDBConfig(), "INSERT INTO t1 VALUES (1)")
	require.NoError(t, err)
	assert.True(t, conn.InTx(), "the enclosing transaction stays open")
	assert.Equal(t, []string{"BEGIN", "USE `commerce:-80`", "INSERT INTO t1 VALUES (1)"}, fake.Queries(0))
	require.NoError(t, conn.Commit())
}

func TestExecAndQuery(t *testing.T) {
	db, fake := testutils.NewFakeDB(t)
	fake.OnQuery(func(connID int, query string, args []driver.NamedValue) ([]string, [][]driver.Value, error) {
		return []string{"id", "name"}, [][]driver.Value{{int64(1), "a"}, {int64(2), "b"}}, nil
	})
	provider := NewShardAwareProvider(NewDBPool(db, SchemaBinder{Prefix: "app_", Default: "app"}, nil), nil)
	ctx := scoped(t, "9", "")

	res, err := Exec(ctx, provider, "DELETE FROM t1 WHERE id = ?", 3)
	require.NoError(t, err)
	affected, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	var names []string
	err = Query(ctx, provider, func(rows *sql.Rows) error {
		for rows.Next() {
			var (
				id   int
				name string
			)
			if err := rows.Scan(&id, &name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return nil
	}, "SELECT id, name FROM t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	stmts := fake.Statements()
	require.Len(t, stmts, 6)
	assert.Equal(t, "USE `app_9`", stmts[0].Query)
	assert.Equal(t, []any{int64(3)}, stmts[1].Args)
	assert.Equal(t, "USE `app`", stmts[2].Query)
	assert.Equal(t, "USE `app_9`", stmts[3].Query)

	callbackErr := errors.New("stop")
	err = Query(ctx, provider, func(*sql.Rows) error { return callbackErr }, "SELECT 1")
	assert.ErrorIs(t, err, callbackErr)
}

func TestLockWaitTimeouts(t *testing.T) {
	testutils.RequireMySQL(t)
	config := NewDBConfig()
	db, err := New(testutils.DSN(), config)
	require.NoError(t, err)
	defer db.Close()

	var lockWaitTimeout, innodbLockWaitTimeout string
	require.NoError(t, db.QueryRowContext(t.Context(), "SELECT @@SESSION.lock_wait_timeout, @@SESSION.innodb_lock_wait_timeout").
		Scan(&lockWaitTimeout, &innodbLockWaitTimeout))
	assert.Equal(t, strconv.Itoa(config.LockWaitTimeout), lockWaitTimeout)
	assert.Equal(t, strconv.Itoa(config.InnodbLockWaitTimeout), innodbLockWaitTimeout)
}

func TestSchemaBinderAgainstServer(t *testing.T) {
	admin := testutils.RequireMySQL(t)
	testutils.RunSQL(t, admin, "CREATE DATABASE IF NOT EXISTS shardtest_1")
	testutils.RunSQL(t, admin, "CREATE DATABASE IF NOT EXISTS shardtest_2")

	db, err := New(testutils.DSN(), NewDBConfig())
	require.NoError(t, err)
	defer db.Close()
	provider := NewShardAwareProvider(NewDBPool(db, SchemaBinder{Prefix: "shardtest_", Default: "test"}, nil), nil)

	for _, key := range []string{"1", "2"} {
		ctx := scoped(t, key, "")
		conn, err := provider.GetConnection(ctx)
		require.NoError(t, err)
		var schema string
		require.NoError(t, conn.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&schema))
		assert.Equal(t, "shardtest_"+key, schema)
		require.NoError(t, provider.ReleaseConnection(ctx, conn))
	}

	_, err = provider.GetConnection(scoped(t, "does_not_exist", ""))
	assert.ErrorIs(t, err, shardkey.ErrAcquisition)
	assert.True(t, IsTargetRejected(err))
}
