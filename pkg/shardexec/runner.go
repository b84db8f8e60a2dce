// Package shardexec runs SQL statements on shards of a topology. It is
// the library behind the shardexec command.
package shardexec

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/block/directshard/pkg/dbconn"
	"github.com/block/directshard/pkg/directshard"
	"github.com/block/directshard/pkg/metrics"
	"github.com/block/directshard/pkg/shardkey"
	"github.com/block/directshard/pkg/statement"
	"github.com/block/directshard/pkg/topology"
	"golang.org/x/sync/errgroup"
)

// Runner executes statements on shards of one topology through a single
// *sql.DB.
type Runner struct {
	topo     *topology.Topology
	pool     *dbconn.DBPool
	provider *dbconn.ShardAwareProvider
	template *directshard.Template
	config   *dbconn.DBConfig
	logger   *slog.Logger
	metrics  metrics.Sink
	out      io.Writer
}

// NewRunner builds a Runner on db. Rows and results are written to out.
func NewRunner(topo *topology.Topology, db *sql.DB, config *dbconn.DBConfig, logger *slog.Logger, out io.Writer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	pool := dbconn.NewDBPool(db, topo.NewBinder(), logger)
	return &Runner{
		topo:     topo,
		pool:     pool,
		provider: dbconn.NewShardAwareProvider(pool, logger),
		template: directshard.New(logger),
		config:   config,
		logger:   logger,
		metrics:  &metrics.NoopSink{},
		out:      out,
	}
}

// SetMetricsSink sends callback, binding, reset and fanout metrics to sink.
func (r *Runner) SetMetricsSink(sink metrics.Sink) {
	r.metrics = sink
	r.template.Metrics = sink
	r.provider.SetMetricsSink(sink)
	r.pool.SetMetricsSink(sink)
}

// Exec runs stmt on shard. Reads print their rows, writes run in a
// retryable transaction and print the affected row count.
func (r *Runner) Exec(ctx context.Context, shard topology.Shard, super shardkey.Key, stmt *statement.AbstractStatement) error {
	r.logger.InfoContext(ctx, "executing statement", "shard", shard.Name, "kind", stmt.Kind.String(), "table", stmt.Table)
	return r.run(ctx, shard, super, stmt, r.out)
}

func (r *Runner) run(ctx context.Context, shard topology.Shard, super shardkey.Key, stmt *statement.AbstractStatement, out io.Writer) error {
	return r.template.Run(ctx, shard.Key(), super, func(ctx context.Context) error {
		switch stmt.Kind {
		case statement.Read:
			return dbconn.Query(ctx, r.provider, func(rows *sql.Rows) error {
				return printRows(out, rows)
			}, stmt.Statement)
		case statement.Write:
			affected, err := dbconn.RetryableTransaction(ctx, r.provider, r.config, stmt.Statement)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "%d rows affected\n", affected)
			return err
		default:
			if _, err := dbconn.Exec(ctx, r.provider, stmt.Statement); err != nil {
				return err
			}
			_, err := fmt.Fprintln(out, "OK")
			return err
		}
	})
}

// Fanout runs stmt on every shard, at most concurrency at a time. Output
// is written per shard in topology order, each line prefixed with the
// shard name. A failing shard does not stop the others; all failures are
// returned together.
func (r *Runner) Fanout(ctx context.Context, super shardkey.Key, stmt *statement.AbstractStatement, concurrency int) error {
	shards := r.topo.Shards
	outputs := make([]bytes.Buffer, len(shards))
	failures := make([]error, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, shard := range shards {
		g.Go(func() error {
			if err := r.run(gctx, shard, super, stmt, &outputs[i]); err != nil {
				r.logger.ErrorContext(gctx, "statement failed on shard", "shard", shard.Name, "error", err)
				failures[i] = fmt.Errorf("shard %s: %w", shard.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, shard := range shards {
		if failures[i] != nil {
			failed++
		}
		for line := range strings.Lines(outputs[i].String()) {
			if _, err := fmt.Fprintf(r.out, "%s\t%s", shard.Name, line); err != nil {
				return err
			}
		}
	}
	metrics.Send(ctx, r.metrics, r.logger,
		metrics.Gauge(metrics.FanoutShardsMetricName, float64(len(shards))),
		metrics.Gauge(metrics.FanoutFailedShardsMetricName, float64(failed)),
	)
	r.logger.InfoContext(ctx, "fanout complete", "shards", len(shards), "failed", failed)
	return errors.Join(failures...)
}

// printRows writes a header and one tab-separated line per row.
func printRows(out io.Writer, rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, strings.Join(cols, "\t")); err != nil {
		return err
	}
	values := make([]sql.RawBytes, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	fields := make([]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		for i, v := range values {
			if v == nil {
				fields[i] = "NULL"
			} else {
				fields[i] = string(v)
			}
		}
		if _, err := fmt.Fprintln(out, strings.Join(fields, "\t")); err != nil {
			return err
		}
	}
	return nil
}
