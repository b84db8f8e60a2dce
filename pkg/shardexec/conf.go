package shardexec

import (
	"net"
	"strconv"

	"github.com/block/directshard/pkg/topology"
	"github.com/go-ini/ini"
	"github.com/go-sql-driver/mysql"
)

const (
	defaultHost     = "127.0.0.1"
	defaultPort     = 3306
	defaultUsername = "directshard"
	defaultPassword = "directshard"
)

// confParams abstracts parameters loaded from ini file. Will provide defaults
// when receiver is nil or parameter is not defined.
type confParams struct {
	host, database, user, tlsMode, tlsCA string
	password                             *string
	port                                 int
}

func (c *confParams) GetHost() string {
	if c == nil || c.host == "" {
		return defaultHost
	}
	return c.host
}

// GetDatabase has no default of its own: the topology names the schema.
func (c *confParams) GetDatabase(fallback string) string {
	if c == nil || c.database == "" {
		return fallback
	}
	return c.database
}

func (c *confParams) GetUser() string {
	if c == nil || c.user == "" {
		return defaultUsername
	}
	return c.user
}

func (c *confParams) GetPassword() string {
	if c == nil || c.password == nil {
		return defaultPassword
	}
	return *c.password
}

func (c *confParams) GetTLSMode() string {
	if c == nil {
		return ""
	}
	return c.tlsMode
}

// N.B. There is no default for tls-ca
func (c *confParams) GetTLSCA() string {
	if c == nil {
		return ""
	}
	return c.tlsCA
}

func (c *confParams) GetPort() int {
	if c == nil || c.port == 0 {
		return defaultPort
	}
	return c.port
}

// newConfParams attempts to load a confParams struct from a path to an ini file.
func newConfParams(confFilePath string) (*confParams, error) {
	confParams := &confParams{}
	if confFilePath == "" {
		return confParams, nil
	}
	creds, err := ini.Load(confFilePath)
	if err != nil {
		return nil, err
	}
	if creds.HasSection("client") {
		clientSection := creds.Section("client")
		confParams.host = clientSection.Key("host").String()
		confParams.database = clientSection.Key("database").String()
		confParams.user = clientSection.Key("user").String()
		confParams.tlsMode = clientSection.Key("tls-mode").String()
		confParams.tlsCA = clientSection.Key("tls-ca").String()
		confParams.port = clientSection.Key("port").MustInt()

		if clientSection.HasKey("password") {
			pw := clientSection.Key("password").String()
			confParams.password = &pw
		}
	}
	return confParams, nil
}

// resolveDSN picks the DSN from the --dsn flag, then the topology, then
// builds one from the conf file. Credentials missing from a given DSN are
// filled in from the conf file.
func resolveDSN(flagDSN string, topo *topology.Topology, conf *confParams) (string, error) {
	dsn := flagDSN
	if dsn == "" {
		dsn = topo.DSN
	}
	database := topo.Keyspace
	if topo.Binder == topology.BinderSchema {
		database = topo.DefaultSchema
	}
	if dsn == "" {
		cfg := mysql.NewConfig()
		cfg.User = conf.GetUser()
		cfg.Passwd = conf.GetPassword()
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(conf.GetHost(), strconv.Itoa(conf.GetPort()))
		cfg.DBName = conf.GetDatabase(database)
		return cfg.FormatDSN(), nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	if cfg.User == "" {
		cfg.User = conf.GetUser()
	}
	if cfg.Passwd == "" && conf != nil && conf.password != nil {
		cfg.Passwd = *conf.password
	}
	if cfg.DBName == "" {
		cfg.DBName = conf.GetDatabase(database)
	}
	return cfg.FormatDSN(), nil
}
