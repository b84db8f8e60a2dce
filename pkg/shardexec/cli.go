package shardexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/block/directshard/pkg/buildinfo"
	"github.com/block/directshard/pkg/dbconn"
	"github.com/block/directshard/pkg/metrics"
	"github.com/block/directshard/pkg/shardkey"
	"github.com/block/directshard/pkg/statement"
	"github.com/block/directshard/pkg/topology"
	"github.com/block/directshard/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
)

// CLI is the shardexec command line.
type CLI struct {
	Exec    ExecCmd    `cmd:"" help:"Run a statement on the shard named by --shard or owning --value."`
	Fanout  FanoutCmd  `cmd:"" help:"Run a statement on every shard of the topology."`
	Version VersionCmd `cmd:"" help:"Print version information."`
}

// Common holds the flags shared by exec and fanout.
type Common struct {
	Topology    string `name:"topology" help:"Path to the shard topology YAML file" type:"existingfile" required:""`
	DSN         string `name:"dsn" help:"MySQL or vtgate DSN; overrides the topology's dsn" optional:""`
	Conf        string `name:"conf" help:"Path to a my.cnf style file; the [client] section supplies host, port, user, password and TLS settings" optional:""`
	Super       string `name:"super" help:"Super sharding key, for two-level sharding schemes" optional:""`
	LogLevel    string `name:"log-level" help:"Log level: debug, info, warn, error" default:"info" enum:"debug,info,warn,error"`
	MetricsFile string `name:"metrics-file" help:"Write Prometheus metrics to this file when done" optional:""`
	MaxRetries  int    `name:"max-retries" help:"Attempts for write transactions that fail with a retryable error" default:"3"`

	InterpolateParams bool `name:"interpolate-params" help:"Enable interpolate params for DSN" optional:"" default:"false" hidden:""`
}

type ExecCmd struct {
	Common `embed:""`

	Shard     string `name:"shard" help:"Name of the shard to run on" xor:"target" required:""`
	Value     string `name:"value" help:"Sharding column value; the topology's vindex picks the shard" xor:"target" required:""`
	Statement string `arg:"" name:"statement" help:"The SQL statement to run"`
}

type FanoutCmd struct {
	Common `embed:""`

	Concurrency int    `name:"concurrency" help:"Shards to run on at once" default:"4"`
	Statement   string `arg:"" name:"statement" help:"The SQL statement to run"`
}

type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Println(buildinfo.Get().String("shardexec"))
	return nil
}

func (e *ExecCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return e.run(ctx, os.Stdout)
}

func (e *ExecCmd) run(ctx context.Context, out io.Writer) error {
	stmt, err := statement.New(e.Statement)
	if err != nil {
		return err
	}
	env, err := e.open(out)
	if err != nil {
		return err
	}
	defer env.Close()
	var shard topology.Shard
	if e.Shard != "" {
		shard, err = env.topo.ShardByName(e.Shard)
	} else {
		shard, err = env.topo.ShardForValue(e.Value)
	}
	if err != nil {
		return err
	}
	super, err := e.superKey()
	if err != nil {
		return err
	}
	err = env.runner.Exec(ctx, shard, super, stmt)
	return errors.Join(err, env.writeMetrics())
}

func (f *FanoutCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return f.run(ctx, os.Stdout)
}

func (f *FanoutCmd) run(ctx context.Context, out io.Writer) error {
	stmt, err := statement.New(f.Statement)
	if err != nil {
		return err
	}
	env, err := f.open(out)
	if err != nil {
		return err
	}
	defer env.Close()
	super, err := f.superKey()
	if err != nil {
		return err
	}
	err = env.runner.Fanout(ctx, super, stmt, f.Concurrency)
	return errors.Join(err, env.writeMetrics())
}

func (c *Common) superKey() (shardkey.Key, error) {
	if c.Super == "" {
		return shardkey.Key{}, nil
	}
	return shardkey.New(c.Super)
}

func (c *Common) newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// dbConfig layers TLS settings: topology first, then the conf file.
func (c *Common) dbConfig(topo *topology.Topology, conf *confParams) (*dbconn.DBConfig, error) {
	config := dbconn.NewDBConfig()
	config.MaxRetries = c.MaxRetries
	config.InterpolateParams = c.InterpolateParams
	switch {
	case topo.TLS.Mode != "":
		config.TLSMode = topo.TLS.Mode
	case conf.GetTLSMode() != "":
		config.TLSMode = conf.GetTLSMode()
	}
	switch {
	case topo.TLS.CACert != "":
		config.TLSCertificatePath = topo.TLS.CACert
	case conf.GetTLSCA() != "":
		config.TLSCertificatePath = conf.GetTLSCA()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

type environment struct {
	topo     *topology.Topology
	runner   *Runner
	closer   utils.Closer
	registry *prometheus.Registry
	path     string
}

// open loads the topology and conf file and connects.
func (c *Common) open(out io.Writer) (*environment, error) {
	logger, err := c.newLogger()
	if err != nil {
		return nil, err
	}
	topo, err := topology.Load(c.Topology)
	if err != nil {
		return nil, err
	}
	conf, err := newConfParams(c.Conf)
	if err != nil {
		return nil, fmt.Errorf("failed to load conf file: %w", err)
	}
	dsn, err := resolveDSN(c.DSN, topo, conf)
	if err != nil {
		return nil, err
	}
	config, err := c.dbConfig(topo, conf)
	if err != nil {
		return nil, err
	}
	db, err := dbconn.New(dsn, config)
	if err != nil {
		return nil, err
	}
	env := &environment{
		topo:   topo,
		runner: NewRunner(topo, db, config, logger, out),
		closer: db,
		path:   c.MetricsFile,
	}
	env.enableMetrics()
	return env, nil
}

func (e *environment) enableMetrics() {
	if e.path == "" {
		return
	}
	e.registry = prometheus.NewRegistry()
	e.runner.SetMetricsSink(metrics.NewPrometheusSinkWithRegistry(e.registry))
}

func (e *environment) writeMetrics() error {
	if e.registry == nil {
		return nil
	}
	return prometheus.WriteToTextfile(e.path, e.registry)
}

func (e *environment) Close() {
	utils.CloseAndLog(e.closer)
}
