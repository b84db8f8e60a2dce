package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/block/directshard/pkg/shardkey"
	"github.com/go-sql-driver/mysql"
	"github.com/pingcap/tidb/pkg/parser/format"
)

const errUnknownDatabase = 1049

// Binder applies a shard binding to a physical connection's session,
// and undoes it before the connection is reused.
type Binder interface {
	Bind(ctx context.Context, conn *sql.Conn, b shardkey.Binding) error
	Reset(ctx context.Context, conn *sql.Conn) error
}

// KeyspaceBinder targets a Vitess shard through vtgate with
// USE `keyspace:shard`. The sharding key names the shard (e.g. "-80"),
// the super sharding key, when present, names the keyspace.
type KeyspaceBinder struct {
	Keyspace string
}

var _ Binder = KeyspaceBinder{}

func (k KeyspaceBinder) target(b shardkey.Binding) (string, error) {
	keyspace := k.Keyspace
	if b.HasSuper() {
		keyspace = b.Super.String()
	}
	if keyspace == "" {
		return "", errors.New("no keyspace configured and no super sharding key given")
	}
	return keyspace + ":" + b.Key.String(), nil
}

func (k KeyspaceBinder) Bind(ctx context.Context, conn *sql.Conn, b shardkey.Binding) error {
	target, err := k.target(b)
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, useStatement(target))
	return err
}

// Reset returns the session to keyspace-level routing.
func (k KeyspaceBinder) Reset(ctx context.Context, conn *sql.Conn) error {
	if k.Keyspace == "" {
		return errors.New("no keyspace to reset to")
	}
	_, err := conn.ExecContext(ctx, useStatement(k.Keyspace))
	return err
}

// SchemaBinder implements schema-per-shard on a single MySQL server:
// the key selects the schema Prefix[super_]key.
type SchemaBinder struct {
	Prefix  string
	Default string // schema restored on Reset
}

var _ Binder = SchemaBinder{}

// Schema returns the schema name a binding maps to.
func (s SchemaBinder) Schema(b shardkey.Binding) string {
	var sb strings.Builder
	sb.WriteString(s.Prefix)
	if b.HasSuper() {
		sb.WriteString(b.Super.String())
		sb.WriteString("_")
	}
	sb.WriteString(b.Key.String())
	return sb.String()
}

func (s SchemaBinder) Bind(ctx context.Context, conn *sql.Conn, b shardkey.Binding) error {
	_, err := conn.ExecContext(ctx, useStatement(s.Schema(b)))
	return err
}

func (s SchemaBinder) Reset(ctx context.Context, conn *sql.Conn) error {
	if s.Default == "" {
		return errors.New("no default schema to reset to")
	}
	_, err := conn.ExecContext(ctx, useStatement(s.Default))
	return err
}

// useStatement renders USE with a backtick-quoted identifier.
func useStatement(name string) string {
	var sb strings.Builder
	sb.WriteString("USE ")
	format.NewRestoreCtx(format.DefaultRestoreFlags, &sb).WriteName(name)
	return sb.String()
}

// IsTargetRejected reports whether err is the server refusing a
// shard target because it does not exist.
func IsTargetRejected(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == errUnknownDatabase
	}
	return false
}
