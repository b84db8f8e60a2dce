// Package statement is a wrapper around the parser that classifies the
// SQL shardexec runs on a shard.
package statement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

// Kind says how a statement is run.
type Kind int

const (
	Read  Kind = iota // returns rows
	Write             // modifies rows, run in a transaction
	DDL               // changes schema, run on its own
)

func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case DDL:
		return "ddl"
	default:
		return "unknown"
	}
}

type AbstractStatement struct {
	Kind      Kind
	Schema    string // empty unless the first table is fully qualified (test.t1)
	Table     string // first table named by the statement; may be empty (SELECT 1)
	Statement string
	StmtNode  ast.StmtNode
}

var (
	ErrNotSupportedStatement = errors.New("not a supported statement type")
	ErrMultipleStatements    = errors.New("only one statement may be specified at once")
	// ErrEscapesShard is returned for statements that would route the
	// session away from the shard it is bound to.
	ErrEscapesShard = errors.New("statement escapes the shard binding")
)

// systemSchemas may be named explicitly; they exist on every shard.
var systemSchemas = map[string]bool{
	"information_schema": true,
	"performance_schema": true,
	"mysql":              true,
	"sys":                true,
}

// New parses exactly one statement and classifies it.
func New(statement string) (*AbstractStatement, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(statement, "", "")
	if err != nil {
		return nil, err
	}
	if len(stmtNodes) != 1 {
		return nil, ErrMultipleStatements
	}
	node := stmtNodes[0]
	stmt := &AbstractStatement{Statement: strings.TrimSpace(statement), StmtNode: node}
	switch node.(type) {
	case *ast.SelectStmt, *ast.SetOprStmt, *ast.ShowStmt, *ast.ExplainStmt:
		stmt.Kind = Read
	case *ast.InsertStmt, *ast.UpdateStmt, *ast.DeleteStmt:
		stmt.Kind = Write
	case *ast.CreateTableStmt, *ast.AlterTableStmt, *ast.DropTableStmt, *ast.CreateIndexStmt,
		*ast.DropIndexStmt, *ast.TruncateTableStmt, *ast.RenameTableStmt:
		stmt.Kind = DDL
	case *ast.UseStmt, *ast.SetStmt:
		// Session state outlives the checkout and is not undone on release.
		return nil, fmt.Errorf("%w: %s", ErrEscapesShard, firstWord(statement))
	case *ast.BeginStmt, *ast.CommitStmt, *ast.RollbackStmt:
		return nil, fmt.Errorf("%w: transactions are managed by the caller", ErrNotSupportedStatement)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotSupportedStatement, firstWord(statement))
	}

	tables := collectTables(node)
	for _, t := range tables {
		schema := t.Schema.L
		if schema != "" && !systemSchemas[schema] {
			return nil, fmt.Errorf("%w: table %s.%s names a schema", ErrEscapesShard, t.Schema.O, t.Name.O)
		}
	}
	if len(tables) > 0 {
		stmt.Schema = tables[0].Schema.String()
		stmt.Table = tables[0].Name.String()
	}
	return stmt, nil
}

// MustNew is like New but panics if the statement cannot be parsed.
// It is used by tests.
func MustNew(statement string) *AbstractStatement {
	stmt, err := New(statement)
	if err != nil {
		panic(err)
	}
	return stmt
}

func (a *AbstractStatement) IsRead() bool {
	return a.Kind == Read
}

// Normalized restores the statement from its parse tree with quoted
// identifiers and canonical keyword case.
func (a *AbstractStatement) Normalized() (string, error) {
	var sb strings.Builder
	if err := a.StmtNode.Restore(format.NewRestoreCtx(format.DefaultRestoreFlags, &sb)); err != nil {
		return "", fmt.Errorf("could not restore statement: %w", err)
	}
	return sb.String(), nil
}

type tableCollector struct {
	tables []*ast.TableName
}

func (c *tableCollector) Enter(n ast.Node) (ast.Node, bool) {
	if t, ok := n.(*ast.TableName); ok {
		c.tables = append(c.tables, t)
	}
	return n, false
}

func (c *tableCollector) Leave(n ast.Node) (ast.Node, bool) {
	return n, true
}

func collectTables(node ast.Node) []*ast.TableName {
	c := &tableCollector{}
	node.Accept(c)
	return c.tables
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
