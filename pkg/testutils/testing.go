// Package testutils contains some common utilities used exclusively
// by the test suite.
package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
)

func DSN() string {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		return "directshard:directshard@tcp(127.0.0.1:3306)/test"
	}
	return dsn
}

// RequireMySQL skips the test unless MYSQL_DSN points at a reachable server.
func RequireMySQL(t *testing.T) *sql.DB {
	t.Helper()
	if os.Getenv("MYSQL_DSN") == "" {
		t.Skip("MYSQL_DSN not set")
	}
	cfg, err := mysql.ParseDSN(DSN())
	require.NoError(t, err)
	db, err := sql.Open("mysql", cfg.FormatDSN())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err := db.PingContext(t.Context()); err != nil {
		t.Skipf("MySQL not reachable: %v", err)
	}
	return db
}

// RunSQL executes stmt on db and fails the test on error.
func RunSQL(t *testing.T, db *sql.DB, stmt string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), stmt)
	require.NoError(t, err)
}

// EvenOddHasher is a topology.VindexFunc for two-shard (-80, 80-)
// topologies: even int64 values land on -80, odd ones on 80-.
func EvenOddHasher(value any) (uint64, error) {
	n, ok := value.(int64)
	if !ok {
		return 0, fmt.Errorf("expected int64 sharding value, got %T", value)
	}
	if n%2 != 0 {
		return 1<<63 | uint64(n), nil
	}
	return uint64(n) &^ (1 << 63), nil
}
