package dbconn

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/block/directshard/pkg/metrics"
	"github.com/block/directshard/pkg/shardkey"
)

// Pool hands out physical connections. Implementations own exclusivity:
// a Conn is never given to two holders at once.
type Pool interface {
	Acquire(ctx context.Context) (*Conn, error)
	Release(ctx context.Context, conn *Conn) error
}

// DBPool adapts a *sql.DB to Pool.
type DBPool struct {
	db      *sql.DB
	binder  Binder
	logger  *slog.Logger
	metrics metrics.Sink
}

var _ Pool = &DBPool{}

func NewDBPool(db *sql.DB, binder Binder, logger *slog.Logger) *DBPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBPool{db: db, binder: binder, logger: logger, metrics: &metrics.NoopSink{}}
}

// SetMetricsSink replaces the default no-op sink.
func (p *DBPool) SetMetricsSink(sink metrics.Sink) {
	p.metrics = sink
}

// Acquire checks out a dedicated connection. Failures are returned as
// shardkey.ErrAcquisition with the driver error as cause.
func (p *DBPool) Acquire(ctx context.Context) (*Conn, error) {
	raw, err := p.db.Conn(ctx)
	if err != nil {
		return nil, &shardkey.Error{Kind: shardkey.KindAcquisition, Op: "acquire", Err: err}
	}
	return NewConn(raw, p.binder), nil
}

// Release resets a bound session and returns the connection to the
// *sql.DB. If the reset fails the physical connection is discarded
// so its shard targeting cannot leak into the next checkout.
func (p *DBPool) Release(ctx context.Context, conn *Conn) error {
	if conn == nil {
		return nil
	}
	if err := conn.reset(context.WithoutCancel(ctx)); err != nil {
		p.logger.WarnContext(ctx, "discarding connection after failed shard reset", "error", err)
		metrics.Send(ctx, p.metrics, p.logger, metrics.Counter(metrics.ConnectionResetFailuresMetricName, 1))
		conn.discard()
		return err
	}
	return conn.Close()
}
