package shardexec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/block/directshard/pkg/topology"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfParams(t *testing.T) {
	var nilConf *confParams
	assert.Equal(t, defaultHost, nilConf.GetHost())
	assert.Equal(t, defaultPort, nilConf.GetPort())
	assert.Equal(t, defaultUsername, nilConf.GetUser())
	assert.Equal(t, defaultPassword, nilConf.GetPassword())
	assert.Equal(t, "fallback", nilConf.GetDatabase("fallback"))
	assert.Empty(t, nilConf.GetTLSMode())
	assert.Empty(t, nilConf.GetTLSCA())

	path := writeFile(t, "my.cnf", `[client]
host = db.internal
port = 3307
user = app
password =
database = orders
tls-mode = VERIFY_CA
tls-ca = /etc/ssl/ca.pem
`)
	conf, err := newConfParams(path)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", conf.GetHost())
	assert.Equal(t, 3307, conf.GetPort())
	assert.Equal(t, "app", conf.GetUser())
	assert.Empty(t, conf.GetPassword(), "an explicitly empty password is kept")
	assert.Equal(t, "orders", conf.GetDatabase("fallback"))
	assert.Equal(t, "VERIFY_CA", conf.GetTLSMode())
	assert.Equal(t, "/etc/ssl/ca.pem", conf.GetTLSCA())

	conf, err = newConfParams("")
	require.NoError(t, err)
	assert.Equal(t, defaultHost, conf.GetHost())

	_, err = newConfParams(filepath.Join(t.TempDir(), "missing.cnf"))
	assert.Error(t, err)
}

func TestResolveDSN(t *testing.T) {
	topo, err := topology.Parse([]byte(`
keyspace: commerce
dsn: "tcp(vtgate:15306)/"
shards:
  - {name: "-80", key_range: "-80"}
  - {name: "80-", key_range: "80-"}
`))
	require.NoError(t, err)
	pw := "s3cret"
	conf := &confParams{user: "app", password: &pw}

	// --dsn wins and is left alone when complete.
	dsn, err := resolveDSN("root:pw@tcp(10.0.0.1:3306)/other", topo, conf)
	require.NoError(t, err)
	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "root", cfg.User)
	assert.Equal(t, "pw", cfg.Passwd)
	assert.Equal(t, "10.0.0.1:3306", cfg.Addr)
	assert.Equal(t, "other", cfg.DBName)

	// The topology DSN is completed from the conf file and the keyspace.
	dsn, err = resolveDSN("", topo, conf)
	require.NoError(t, err)
	cfg, err = mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "app", cfg.User)
	assert.Equal(t, "s3cret", cfg.Passwd)
	assert.Equal(t, "vtgate:15306", cfg.Addr)
	assert.Equal(t, "commerce", cfg.DBName)

	_, err = resolveDSN("not a dsn", topo, conf)
	assert.Error(t, err)
}

func TestResolveDSNFromConf(t *testing.T) {
	topo, err := topology.Parse([]byte(`
binder: schema
schema_prefix: app_
default_schema: app
shards:
  - {name: "1", key_range: "-80"}
  - {name: "2", key_range: "80-"}
`))
	require.NoError(t, err)

	dsn, err := resolveDSN("", topo, &confParams{host: "db.internal", port: 3307})
	require.NoError(t, err)
	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.Net)
	assert.Equal(t, "db.internal:3307", cfg.Addr)
	assert.Equal(t, defaultUsername, cfg.User)
	assert.Equal(t, defaultPassword, cfg.Passwd)
	assert.Equal(t, "app", cfg.DBName, "schema binder connects to the default schema")

	dsn, err = resolveDSN("", topo, nil)
	require.NoError(t, err)
	cfg, err = mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3306", cfg.Addr)
}
